// Package async wraps an Extension so that its listener hooks (OnUpdate,
// OnEviction, OnFlush) run off a bounded worker pool instead of on the
// calling goroutine, at the cost of dropping events under sustained
// overload. WithRefresh is left synchronous since it must produce the
// caller's value.
package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielmarbach/cachetower"
)

// Extension delegates WithRefresh and Attach synchronously to inner, and
// fans OnUpdate/OnEviction/OnFlush out to a small worker pool backed by a
// bounded queue. An event is dropped, rather than blocking the caller, when
// the queue is full.
type Extension struct {
	inner cachetower.Extension
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	log     cachetower.Logger
	dropped atomic.Int64
}

var _ cachetower.Extension = (*Extension)(nil)

// New wraps inner with workers goroutines draining a queue of depth qlen.
// log receives a Warn when an event is dropped; pass nil to disable.
func New(inner cachetower.Extension, workers, qlen int, log cachetower.Logger) *Extension {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if log == nil {
		log = cachetower.NopLogger{}
	}

	e := &Extension{inner: inner, q: make(chan func(), qlen), log: log}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer e.wg.Done()
			for f := range e.q {
				f()
			}
		}()
	}
	return e
}

func (e *Extension) Attach(stack cachetower.Disposer) { e.inner.Attach(stack) }

func (e *Extension) WithRefresh(ctx context.Context, key string, next cachetower.RefreshFunc[any], settings cachetower.Settings) (any, error) {
	return e.inner.WithRefresh(ctx, key, next, settings)
}

func (e *Extension) OnUpdate(ctx context.Context, key string, expiry time.Time, updateType cachetower.UpdateType) {
	e.dispatch(func() { e.inner.OnUpdate(ctx, key, expiry, updateType) })
}

func (e *Extension) OnEviction(ctx context.Context, key string) {
	e.dispatch(func() { e.inner.OnEviction(ctx, key) })
}

func (e *Extension) OnFlush(ctx context.Context) {
	e.dispatch(func() { e.inner.OnFlush(ctx) })
}

func (e *Extension) Close(ctx context.Context) error {
	e.once.Do(func() {
		close(e.q)
		e.wg.Wait()
	})
	return e.inner.Close(ctx)
}

// Dropped returns the number of events dropped so far because the queue was full.
func (e *Extension) Dropped() int64 { return e.dropped.Load() }

func (e *Extension) dispatch(f func()) {
	select {
	case e.q <- f:
	default:
		e.dropped.Add(1)
		e.log.Warn("cachetower: async extension dropped an event; queue full", cachetower.Fields{})
	}
}
