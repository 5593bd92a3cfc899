package cachetower

import (
	"context"
	"time"
)

// RefreshFunc is the value factory wrapped by the with-refresh hook. It
// receives the previous value (zero value of V on a true miss) and returns
// the freshly computed value.
type RefreshFunc[V any] func(ctx context.Context, previous V) (V, error)

// Extension is a pluggable interceptor around a Stack's refresh and
// lifecycle events. Any of its methods may be a no-op; embed NopExtension to
// implement only the hooks you need.
//
// An extension becomes aware of its owning stack at registration time (via
// Attach) and must not be shared across stacks.
type Extension interface {
	// Attach is called once, at stack construction, before any other hook.
	Attach(stack Disposer)

	// WithRefresh wraps the act of calling the value factory. Zero
	// extensions degenerate to a direct call to next. Implementations that
	// don't need to wrap refreshes should just return next(ctx, previous).
	WithRefresh(ctx context.Context, key string, next RefreshFunc[any], settings Settings) (any, error)

	// OnUpdate fires after a successful stack-wide write.
	OnUpdate(ctx context.Context, key string, expiry time.Time, updateType UpdateType)

	// OnEviction fires after Evict completes.
	OnEviction(ctx context.Context, key string)

	// OnFlush fires after Flush completes.
	OnFlush(ctx context.Context)

	// Close releases any resources the extension holds. Idempotent.
	Close(ctx context.Context) error
}

// Disposer reports whether the owning stack has been torn down. Extensions
// that run background work can use it to stop promptly.
type Disposer interface {
	Disposed() bool
}

// NopExtension implements every Extension hook as a no-op. Embed it to avoid
// boilerplate when only a subset of hooks is needed.
type NopExtension struct{}

func (NopExtension) Attach(Disposer) {}

func (NopExtension) WithRefresh(ctx context.Context, key string, next RefreshFunc[any], settings Settings) (any, error) {
	var zero any
	_ = key
	_ = settings
	v, err := next(ctx, zero)
	return v, err
}

func (NopExtension) OnUpdate(context.Context, string, time.Time, UpdateType) {}
func (NopExtension) OnEviction(context.Context, string)                     {}
func (NopExtension) OnFlush(context.Context)                                {}
func (NopExtension) Close(context.Context) error                            { return nil }

// container composes zero or more extensions into a single pipeline.
// Refresh wrappers nest in registration order: the first registered
// extension is the outermost wrapper. Listener hooks fan out to all
// registered extensions; a hook failure is logged and does not corrupt the
// stack, but OnUpdate/OnEviction/OnFlush failures are otherwise swallowed
// (they fire after the triggering write already committed) while
// WithRefresh failures propagate to the caller.
type container struct {
	extensions []Extension
	log        Logger
}

func newContainer(extensions []Extension, log Logger) *container {
	return &container{extensions: extensions, log: log}
}

func (c *container) attach(stack Disposer) {
	for _, ext := range c.extensions {
		ext.Attach(stack)
	}
}

// withRefresh composes all registered WithRefresh wrappers around inner,
// outermost-first, and invokes them. With zero extensions this degenerates
// to calling inner directly.
func (c *container) withRefresh(ctx context.Context, key string, inner RefreshFunc[any], settings Settings) (any, error) {
	wrapped := inner
	for i := len(c.extensions) - 1; i >= 0; i-- {
		ext := c.extensions[i]
		next := wrapped
		wrapped = func(ctx context.Context, previous any) (any, error) {
			return ext.WithRefresh(ctx, key, next, settings)
		}
	}
	return wrapped(ctx, nil)
}

func (c *container) onUpdate(ctx context.Context, key string, expiry time.Time, updateType UpdateType) {
	for _, ext := range c.extensions {
		func() {
			defer c.recoverHook("OnUpdate")
			ext.OnUpdate(ctx, key, expiry, updateType)
		}()
	}
}

func (c *container) onEviction(ctx context.Context, key string) {
	for _, ext := range c.extensions {
		func() {
			defer c.recoverHook("OnEviction")
			ext.OnEviction(ctx, key)
		}()
	}
}

func (c *container) onFlush(ctx context.Context) {
	for _, ext := range c.extensions {
		func() {
			defer c.recoverHook("OnFlush")
			ext.OnFlush(ctx)
		}()
	}
}

func (c *container) close(ctx context.Context) error {
	var first error
	for _, ext := range c.extensions {
		if err := ext.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *container) recoverHook(hook string) {
	if r := recover(); r != nil {
		c.log.Error("cachetower: extension hook panicked", Fields{"hook": hook, "panic": r})
	}
}
