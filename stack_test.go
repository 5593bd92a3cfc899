package cachetower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memLayer is a minimal map-backed Layer[V] used only by this file's tests,
// so the root package's tests don't depend on the layer subpackage.
type memLayer[V any] struct {
	mu   sync.Mutex
	data map[string]Entry[V]
	down atomic.Bool
}

func newMemLayer[V any]() *memLayer[V] {
	return &memLayer[V]{data: make(map[string]Entry[V])}
}

func (m *memLayer[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *memLayer[V]) Set(_ context.Context, key string, entry Entry[V]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry
	return nil
}

func (m *memLayer[V]) Evict(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memLayer[V]) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]Entry[V])
	return nil
}

func (m *memLayer[V]) Cleanup(_ context.Context) error { return nil }

func (m *memLayer[V]) IsAvailable(_ context.Context, _ string) bool { return !m.down.Load() }

func mustStack[V any](t *testing.T, clock Clock, layers ...Layer[V]) *Stack[V] {
	t.Helper()
	s, err := New(Options[V]{Layers: layers, Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func factoryReturning[V any](v V) RefreshFunc[V] {
	return func(ctx context.Context, previous V) (V, error) { return v, nil }
}

func countingFactory[V any](v V, calls *atomic.Int64) RefreshFunc[V] {
	return func(ctx context.Context, previous V) (V, error) {
		calls.Add(1)
		return v, nil
	}
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// S1 — miss then hit.
func TestGetOrSet_MissThenHit(t *testing.T) {
	clock := NewFixedClock(t0)
	s := mustStack[int](t, clock, newMemLayer[int]())

	var calls atomic.Int64
	v, err := s.GetOrSet(context.Background(), "a", countingFactory(42, &calls), Settings{TimeToLive: 60 * time.Second})
	if err != nil || v != 42 {
		t.Fatalf("first GetOrSet: v=%v err=%v", v, err)
	}

	clock.Advance(time.Second)
	v, err = s.GetOrSet(context.Background(), "a", countingFactory(99, &calls), Settings{TimeToLive: 60 * time.Second})
	if err != nil || v != 42 {
		t.Fatalf("second GetOrSet: v=%v err=%v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", calls.Load())
	}
}

// S2 — single-flight under contention.
func TestGetOrSet_SingleFlightUnderContention(t *testing.T) {
	clock := NewFixedClock(t0)
	s := mustStack[int](t, clock, newMemLayer[int]())

	var calls atomic.Int64
	factory := func(ctx context.Context, previous int) (int, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return 7, nil
	}

	const n = 1000
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := s.GetOrSet(context.Background(), "k", factory, Settings{TimeToLive: 24 * time.Hour})
			results[i] = v
			errs[i] = err
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("factory invoked %d times, want 1", calls.Load())
	}
	for i := range results {
		if errs[i] != nil || results[i] != 7 {
			t.Fatalf("caller %d: v=%v err=%v", i, results[i], errs[i])
		}
	}
}

// S3 — unique keys do not serialize.
func TestGetOrSet_UniqueKeysDoNotSerialize(t *testing.T) {
	clock := NewFixedClock(t0)
	s := mustStack[int](t, clock, newMemLayer[int]())

	var calls atomic.Int64
	const n = 1000
	results := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			factory := func(ctx context.Context, previous int) (int, error) {
				calls.Add(1)
				return i, nil
			}
			v, err := s.GetOrSet(context.Background(), fmt.Sprintf("k_%d", i), factory, Settings{TimeToLive: time.Hour})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()

	if calls.Load() != n {
		t.Fatalf("factory invoked %d times, want %d", calls.Load(), n)
	}
	for i, v := range results {
		if v != i {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
}

// S4 — stale-while-revalidate.
func TestGetOrSet_StaleWhileRevalidate(t *testing.T) {
	clock := NewFixedClock(t0)
	l := newMemLayer[int]()
	s := mustStack[int](t, clock, l)

	if _, err := s.Set(context.Background(), "x", 1, 100*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(50 * time.Second)
	settings := Settings{TimeToLive: 100 * time.Second, StaleAfter: 30 * time.Second}
	v, err := s.GetOrSet(context.Background(), "x", factoryReturning(2), settings)
	if err != nil || v != 1 {
		t.Fatalf("stale read: v=%v err=%v, want 1", v, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, found, _ := s.Get(context.Background(), "x")
		if found && e.Value == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh did not land in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// S5 — back-population.
func TestGetOrSet_BackPopulation(t *testing.T) {
	clock := NewFixedClock(t0)
	l0 := newMemLayer[int]()
	l1 := newMemLayer[int]()
	s := mustStack[int](t, clock, l0, l1)

	if err := l1.Set(context.Background(), "y", Entry[int]{Value: 7, Expiry: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("seed l1: %v", err)
	}

	v, err := s.GetOrSet(context.Background(), "y", factoryReturning(0), Settings{TimeToLive: time.Hour})
	if err != nil || v != 7 {
		t.Fatalf("GetOrSet: v=%v err=%v, want 7", v, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, found, _ := l0.Get(context.Background(), "y")
		if found && e.Value == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("back-population did not land in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// S6 — expired entry forces a synchronous refresh.
func TestGetOrSet_ExpiredForcesSyncRefresh(t *testing.T) {
	clock := NewFixedClock(t0)
	s := mustStack[int](t, clock, newMemLayer[int]())

	if _, err := s.Set(context.Background(), "z", 1, 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(20 * time.Second)

	var calls atomic.Int64
	v, err := s.GetOrSet(context.Background(), "z", countingFactory(2, &calls), Settings{TimeToLive: 10 * time.Second})
	if err != nil || v != 2 {
		t.Fatalf("GetOrSet: v=%v err=%v, want 2", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("factory invoked %d times, want 1", calls.Load())
	}
}

func TestGetOrSet_FactoryErrorPropagatesToAllWaiters(t *testing.T) {
	clock := NewFixedClock(t0)
	s := mustStack[int](t, clock, newMemLayer[int]())
	boom := errors.New("boom")

	const n = 20
	results := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			factory := func(ctx context.Context, previous int) (int, error) {
				time.Sleep(20 * time.Millisecond)
				return 0, boom
			}
			_, err := s.GetOrSet(context.Background(), "e", factory, Settings{TimeToLive: time.Minute})
			results[i] = err
		}()
	}
	wg.Wait()

	for i, err := range results {
		if err == nil {
			t.Fatalf("caller %d: expected error", i)
		}
		var fe *FactoryError
		if !errors.As(err, &fe) {
			t.Fatalf("caller %d: got %T, want *FactoryError", i, err)
		}
	}
}

func TestSetEvictFlush(t *testing.T) {
	clock := NewFixedClock(t0)
	l := newMemLayer[string]()
	s := mustStack[string](t, clock, l)
	ctx := context.Background()

	if _, err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e, found, _ := s.Get(ctx, "k"); !found || e.Value != "v" {
		t.Fatalf("Get after Set: found=%v e=%+v", found, e)
	}

	if err := s.Evict(ctx, "k"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatalf("Get after Evict: still found")
	}

	if _, err := s.Set(ctx, "k2", "v2", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k2"); found {
		t.Fatalf("Get after Flush: still found")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := mustStack[int](t, NewFixedClock(t0), newMemLayer[int]())
	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Fatalf("Get after Close: expected InvalidStateError")
	}
}

func TestInvalidArguments(t *testing.T) {
	if _, err := New(Options[int]{}); err == nil {
		t.Fatalf("New with no layers: expected error")
	}

	s := mustStack[int](t, NewFixedClock(t0), newMemLayer[int]())
	ctx := context.Background()

	if _, _, err := s.Get(ctx, ""); err == nil {
		t.Fatalf("Get with empty key: expected error")
	}
	if _, err := s.GetOrSet(ctx, "k", nil, Settings{TimeToLive: time.Second}); err == nil {
		t.Fatalf("GetOrSet with nil factory: expected error")
	}
	if _, err := s.GetOrSet(ctx, "k", factoryReturning(1), Settings{}); err == nil {
		t.Fatalf("GetOrSet with zero TimeToLive: expected error")
	}
}

// probe unavailability: an unavailable top layer must not abort the probe;
// it falls through to the next layer.
func TestProbeFallsThroughUnavailableLayer(t *testing.T) {
	top := newMemLayer[int]()
	top.down.Store(true)
	bottom := newMemLayer[int]()
	_ = bottom.Set(context.Background(), "k", Entry[int]{Value: 5, Expiry: t0.Add(time.Hour)})

	s := mustStack[int](t, NewFixedClock(t0), top, bottom)
	e, found, err := s.Get(context.Background(), "k")
	if err != nil || !found || e.Value != 5 {
		t.Fatalf("Get: e=%+v found=%v err=%v", e, found, err)
	}
}
