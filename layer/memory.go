// Package layer provides Layer[V] implementations: an in-process map-backed
// layer, and an Adapter that turns a byte-oriented provider.Provider plus a
// codec.Codec[V] into a Layer[V] for remote or off-heap backends.
package layer

import (
	"context"
	"sync"
	"time"

	"github.com/danielmarbach/cachetower"
)

// Memory is a map-backed Layer[V]. It never reports itself unavailable and
// is typically used as the top (index 0) layer in front of a slower remote
// layer. Safe for concurrent use.
type Memory[V any] struct {
	mu    sync.RWMutex
	data  map[string]cachetower.Entry[V]
	clock cachetower.Clock
}

var _ cachetower.Layer[any] = (*Memory[any])(nil)

// NewMemory returns an empty Memory layer. clock drives Cleanup's expiry
// sweep; pass nil to use the system clock.
func NewMemory[V any](clock cachetower.Clock) *Memory[V] {
	if clock == nil {
		clock = systemClock{}
	}
	return &Memory[V]{data: make(map[string]cachetower.Entry[V]), clock: clock}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (m *Memory[V]) Get(_ context.Context, key string) (cachetower.Entry[V], bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, entry cachetower.Entry[V]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry
	return nil
}

func (m *Memory[V]) Evict(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory[V]) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]cachetower.Entry[V])
	return nil
}

// Cleanup removes entries whose Expiry is already in the past.
func (m *Memory[V]) Cleanup(_ context.Context) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if e.Expired(now) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *Memory[V]) IsAvailable(_ context.Context, _ string) bool { return true }
