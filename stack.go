package cachetower

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danielmarbach/cachetower/internal/keylock"
)

// Stack orchestrates layered reads, writes, back-population and refresh
// across an ordered list of Layers. It is the coordination core described
// by the package's design notes; storage and serialization are entirely
// delegated to the Layers it fronts.
type Stack[V any] struct {
	layers     []Layer[V]
	extensions *container
	log        Logger
	clock      Clock

	locks *keylock.Table[V]

	disposed atomic.Bool
	closeCtx context.Context
	cancelBg context.CancelFunc
}

var _ Disposer = (*Stack[any])(nil)

func newStack[V any](opts Options[V]) (*Stack[V], error) {
	if len(opts.Layers) == 0 {
		return nil, &InvalidArgumentError{Arg: "Layers", Reason: "must contain at least one layer"}
	}

	log := opts.Logger
	if log == nil {
		log = NopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}

	layers := make([]Layer[V], len(opts.Layers))
	copy(layers, opts.Layers)

	extensions := make([]Extension, len(opts.Extensions))
	copy(extensions, opts.Extensions)

	bgCtx, cancel := context.WithCancel(context.Background())

	s := &Stack[V]{
		layers:     layers,
		extensions: newContainer(extensions, log),
		log:        log,
		clock:      clock,
		locks:      keylock.New[V](),
		closeCtx:   bgCtx,
		cancelBg:   cancel,
	}
	s.extensions.attach(s)
	return s, nil
}

// Disposed reports whether the stack has been torn down.
func (s *Stack[V]) Disposed() bool { return s.disposed.Load() }

// Layers returns a read-only copy of the configured layer list.
func (s *Stack[V]) Layers() []Layer[V] {
	out := make([]Layer[V], len(s.layers))
	copy(out, s.layers)
	return out
}

// Extensions returns a read-only copy of the configured extensions.
func (s *Stack[V]) Extensions() []Extension {
	out := make([]Extension, len(s.extensions.extensions))
	copy(out, s.extensions.extensions)
	return out
}

// Close cancels any in-flight background refreshes and back-populations,
// then tears down every layer (if it implements Teardown), then the
// extension container. Idempotent.
func (s *Stack[V]) Close(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancelBg()

	var first error
	for i, layer := range s.layers {
		if td, ok := layer.(Teardown); ok {
			if err := td.Close(ctx); err != nil && first == nil {
				first = &LayerError{LayerIndex: i, Op: "Close", Err: err}
			}
		}
	}
	if err := s.extensions.close(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *Stack[V]) checkOpen(op string) error {
	if s.disposed.Load() {
		return &InvalidStateError{Op: op}
	}
	return nil
}

func checkKey(arg, key string) error {
	if key == "" {
		return &InvalidArgumentError{Arg: arg, Reason: "must not be empty"}
	}
	return nil
}

// Get performs a raw, top-to-bottom probe of every available layer and
// returns the first hit. It never filters by expiry: a layer may return an
// entry whose Expiry is in the past, and Get returns it as-is. Freshness
// policy lives in GetOrSet; Get is a diagnostic/administrative primitive.
func (s *Stack[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	if err := s.checkOpen("Get"); err != nil {
		return Entry[V]{}, false, err
	}
	if err := checkKey("key", key); err != nil {
		return Entry[V]{}, false, err
	}
	_, entry, found := s.probe(ctx, key)
	return entry, found, nil
}

// Set writes value to every layer in order with the given ttl and fires
// OnUpdate(AddOrUpdateEntry). It is not gated by the key lock: a
// caller-initiated overwrite is authoritative and may interleave with an
// in-flight refresh.
func (s *Stack[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) (Entry[V], error) {
	if err := s.checkOpen("Set"); err != nil {
		return Entry[V]{}, err
	}
	if err := checkKey("key", key); err != nil {
		return Entry[V]{}, err
	}
	if ttl <= 0 {
		return Entry[V]{}, &InvalidArgumentError{Arg: "ttl", Reason: "must be positive"}
	}
	entry := NewEntry(value, s.clock.Now(), ttl)
	if err := s.setEntry(ctx, key, entry); err != nil {
		return Entry[V]{}, err
	}
	return entry, nil
}

// SetEntry writes a caller-supplied entry to every layer in order and fires
// OnUpdate(AddOrUpdateEntry).
func (s *Stack[V]) SetEntry(ctx context.Context, key string, entry Entry[V]) error {
	if err := s.checkOpen("SetEntry"); err != nil {
		return err
	}
	if err := checkKey("key", key); err != nil {
		return err
	}
	return s.setEntry(ctx, key, entry)
}

func (s *Stack[V]) setEntry(ctx context.Context, key string, entry Entry[V]) error {
	if err := s.writeAllLayers(ctx, key, entry); err != nil {
		return err
	}
	s.extensions.onUpdate(ctx, key, entry.Expiry, AddOrUpdateEntry)
	return nil
}

// Evict removes key from every layer in order and fires OnEviction.
// Administrative ops propagate the first error and do not continue to
// subsequent layers.
func (s *Stack[V]) Evict(ctx context.Context, key string) error {
	if err := s.checkOpen("Evict"); err != nil {
		return err
	}
	if err := checkKey("key", key); err != nil {
		return err
	}
	for i, layer := range s.layers {
		if err := layer.Evict(ctx, key); err != nil {
			return &LayerError{LayerIndex: i, Op: "Evict", Err: err}
		}
	}
	s.extensions.onEviction(ctx, key)
	return nil
}

// Flush empties every layer and fires OnFlush.
func (s *Stack[V]) Flush(ctx context.Context) error {
	if err := s.checkOpen("Flush"); err != nil {
		return err
	}
	for i, layer := range s.layers {
		if err := layer.Flush(ctx); err != nil {
			return &LayerError{LayerIndex: i, Op: "Flush", Err: err}
		}
	}
	s.extensions.onFlush(ctx)
	return nil
}

// Cleanup asks every layer to opportunistically remove expired entries.
func (s *Stack[V]) Cleanup(ctx context.Context) error {
	if err := s.checkOpen("Cleanup"); err != nil {
		return err
	}
	for i, layer := range s.layers {
		if err := layer.Cleanup(ctx); err != nil {
			return &LayerError{LayerIndex: i, Op: "Cleanup", Err: err}
		}
	}
	return nil
}

// GetOrSet implements the read/refresh state machine: a top-to-bottom probe
// classifies the key as a fresh hit, a warm-but-not-top hit, stale, expired,
// or a miss, and dispatches a synchronous or background refresh
// accordingly. See the package design notes for the full state machine.
func (s *Stack[V]) GetOrSet(ctx context.Context, key string, factory RefreshFunc[V], settings Settings) (V, error) {
	var zero V
	if err := s.checkOpen("GetOrSet"); err != nil {
		return zero, err
	}
	if err := checkKey("key", key); err != nil {
		return zero, err
	}
	if factory == nil {
		return zero, &InvalidArgumentError{Arg: "factory", Reason: "must not be nil"}
	}
	if err := settings.Validate(); err != nil {
		return zero, err
	}

	now := s.clock.Now()
	idx, entry, found := s.probe(ctx, key)

	switch {
	case !found:
		return s.refresh(ctx, key, factory, settings, now, Miss, Entry[V]{}, false)

	case entry.Expired(now):
		return s.refresh(ctx, key, factory, settings, now, Expired, entry, true)

	case entry.Stale(now, settings):
		s.dispatchBackground(func(bgCtx context.Context) {
			_, _ = s.refresh(bgCtx, key, factory, settings, s.clock.Now(), Stale, entry, true)
		})
		return entry.Value, nil

	case idx > 0:
		s.dispatchBackground(func(bgCtx context.Context) {
			s.backPopulate(bgCtx, key, idx, entry)
		})
		return entry.Value, nil

	default:
		return entry.Value, nil
	}
}

// dispatchBackground runs fn in its own goroutine, detached from the
// caller's context but bound to the stack's lifetime: Close cancels any
// background work still in flight.
func (s *Stack[V]) dispatchBackground(fn func(ctx context.Context)) {
	go fn(s.closeCtx)
}

// probe walks the layers top-to-bottom and returns the first available hit.
// A layer's Get or IsAvailable failure is treated as "unavailable for this
// key" and the probe falls through to the next layer; it never aborts
// because one layer faulted.
func (s *Stack[V]) probe(ctx context.Context, key string) (idx int, entry Entry[V], found bool) {
	for i, layer := range s.layers {
		if !s.layerAvailable(ctx, layer, i, key) {
			continue
		}
		e, ok, err := layer.Get(ctx, key)
		if err != nil {
			s.log.Warn("cachetower: layer get failed; treating as unavailable", Fields{"layer": i, "key": key, "err": err})
			continue
		}
		if !ok {
			continue
		}
		return i, e, true
	}
	return 0, Entry[V]{}, false
}

func (s *Stack[V]) layerAvailable(ctx context.Context, layer Layer[V], idx int, key string) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cachetower: layer IsAvailable panicked", Fields{"layer": idx, "key": key, "panic": r})
			available = false
		}
	}()
	return layer.IsAvailable(ctx, key)
}

func (s *Stack[V]) writeAllLayers(ctx context.Context, key string, entry Entry[V]) error {
	for i, layer := range s.layers {
		if err := layer.Set(ctx, key, entry); err != nil {
			return &LayerError{LayerIndex: i, Op: "Set", Err: err}
		}
	}
	return nil
}

// refresh implements GetOrSet step 3 for mode in {Miss, Expired, Stale}:
// try to become the holder for key; if acquired, re-probe for race recovery
// then run the value factory through the extension pipeline and write the
// result to every layer. If another caller already holds the key, either
// return a still-fresh value without waiting (Stale mode, or a re-probe that
// finds a not-yet-stale entry) or wait for the holder's result.
func (s *Stack[V]) refresh(ctx context.Context, key string, factory RefreshFunc[V], settings Settings, now time.Time, mode EntryStatus, probed Entry[V], hadEntry bool) (V, error) {
	var zero V

	ticket, acquired := s.locks.TryAcquire(key)
	if !acquired {
		return s.waitForRefresh(ctx, key, factory, settings, now, mode, probed)
	}

	_, entry2, found2 := s.probe(ctx, key)
	if mode == Miss && found2 && !entry2.Expired(now) {
		ticket.Release(keylock.Result[V]{Value: entry2.Value, Expiry: entry2.Expiry})
		return entry2.Value, nil
	}

	previous := zero
	switch {
	case hadEntry:
		previous = probed.Value
	case found2:
		previous = entry2.Value
	}

	newVal, err := s.runRefresh(ctx, key, factory, settings, now, previous, mode, ticket)
	if err != nil {
		ticket.Release(keylock.Result[V]{Err: err})
		return zero, err
	}
	return newVal, nil
}

// runRefresh invokes the caller's factory through the extension pipeline and
// writes the result to every layer. On success the leaf of the pipeline
// releases the key lock itself (so an outer extension wrapper observes the
// release before it finishes); on error the caller (refresh) releases with
// the error.
func (s *Stack[V]) runRefresh(ctx context.Context, key string, factory RefreshFunc[V], settings Settings, now time.Time, previous V, mode EntryStatus, ticket *keylock.Ticket[V]) (V, error) {
	var zero V

	leaf := func(ctx context.Context, _ any) (any, error) {
		newVal, err := factory(ctx, previous)
		if err != nil {
			return nil, &FactoryError{Key: key, Err: err}
		}

		entry := NewEntry(newVal, now, settings.TimeToLive)
		if err := s.writeAllLayers(ctx, key, entry); err != nil {
			return nil, err
		}

		updateType := AddOrUpdateEntry
		if mode == Miss {
			updateType = AddEntry
		}
		s.extensions.onUpdate(ctx, key, entry.Expiry, updateType)

		ticket.Release(keylock.Result[V]{Value: entry.Value, Expiry: entry.Expiry})
		return entry.Value, nil
	}

	resultAny, err := s.extensions.withRefresh(ctx, key, leaf, settings)
	if err != nil {
		return zero, err
	}
	newVal, ok := resultAny.(V)
	if !ok {
		return zero, fmt.Errorf("cachetower: extension pipeline returned %T, want %T for key %q", resultAny, zero, key)
	}
	return newVal, nil
}

// waitForRefresh implements GetOrSet step 3's AlreadyHeld branch.
func (s *Stack[V]) waitForRefresh(ctx context.Context, key string, factory RefreshFunc[V], settings Settings, now time.Time, mode EntryStatus, probed Entry[V]) (V, error) {
	if mode == Stale {
		// The caller already has a usable value; the refresh this branch
		// would wait on is fire-and-forget from someone else's dispatch.
		return probed.Value, nil
	}

	if _, entry2, found2 := s.probe(ctx, key); found2 {
		if staleDate, ok := entry2.StaleDate(settings); ok && staleDate.After(now) {
			return entry2.Value, nil
		}
	}

	result, held := s.locks.Wait(ctx, key)
	if !held {
		// The row was released between our failed TryAcquire and this
		// Wait call; the holder's write already landed, so the normal
		// read path should see it. If it somehow didn't, fall back to
		// driving a fresh refresh attempt rather than surfacing a
		// synthetic error.
		if _, entry3, found3 := s.probe(ctx, key); found3 && !entry3.Expired(s.clock.Now()) {
			return entry3.Value, nil
		}
		return s.refresh(ctx, key, factory, settings, s.clock.Now(), Miss, Entry[V]{}, false)
	}
	if result.Err != nil {
		var zero V
		return zero, result.Err
	}
	return result.Value, nil
}

// backPopulate implements GetOrSet's background back-population: a probe
// hit at hitIndex > 0 is copied into every available layer above it,
// serialized through the same key lock used by refreshes so it cannot clash
// with a concurrent refresh or another back-population.
func (s *Stack[V]) backPopulate(ctx context.Context, key string, hitIndex int, entry Entry[V]) {
	ticket, acquired := s.locks.TryAcquire(key)
	if !acquired {
		return
	}
	for i := hitIndex - 1; i >= 0; i-- {
		if !s.layerAvailable(ctx, s.layers[i], i, key) {
			continue
		}
		if err := s.layers[i].Set(ctx, key, entry); err != nil {
			s.log.Warn("cachetower: back-population failed", Fields{"layer": i, "key": key, "err": err})
		}
	}
	ticket.Release(keylock.Result[V]{Value: entry.Value, Expiry: entry.Expiry})
}
