// Package keylock implements the per-key single-flight gate used by
// cachetower's Stack to serialize refreshes and back-population for a given
// key across all in-process callers.
//
// A single mutex guards both the "is this key held" flag and each row's
// waiter list, so that a waiter's registration and the holder's release can
// never race: Wait rechecks the row under the same lock it uses to append
// the waiter, and Release deletes the row and snapshots the waiter list
// under that same lock before delivering results outside of it.
package keylock

import (
	"context"
	"sync"
	"time"
)

// Result is delivered to every waiter on release: either the holder's
// produced/observed entry, or the error the holder's work raised.
type Result[V any] struct {
	Value  V
	Expiry time.Time
	Err    error
}

type row[V any] struct {
	waiters []chan Result[V]
}

// Table is the key lock table: a map of in-flight keys, each with zero or
// more waiters. The zero value is not usable; construct with New.
type Table[V any] struct {
	mu   sync.Mutex
	rows map[string]*row[V]
}

// New returns an empty Table.
func New[V any]() *Table[V] {
	return &Table[V]{rows: make(map[string]*row[V])}
}

// Ticket is returned by a successful TryAcquire. The holder must call
// Release exactly once.
type Ticket[V any] struct {
	table *Table[V]
	key   string
	row   *row[V]
}

// TryAcquire attempts to become the exclusive holder for key. Exactly one
// caller receives a ticket (ok=true) until that ticket is released.
func (t *Table[V]) TryAcquire(key string) (ticket *Ticket[V], ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.rows[key]; held {
		return nil, false
	}
	r := &row[V]{}
	t.rows[key] = r
	return &Ticket[V]{table: t, key: key, row: r}, true
}

// Held reports whether key currently has a holder. Racy by nature (another
// goroutine may acquire or release immediately after); callers use it only
// to decide between "return without waiting" and "wait".
func (t *Table[V]) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.rows[key]
	return held
}

// Wait registers the caller as a waiter for key and blocks until the
// holder releases or ctx is done. The row's presence is rechecked under the
// same lock used to append the waiter, so a release that happens after
// TryAcquire reported AlreadyHeld but before Wait is called is never missed:
// if the row is already gone, Wait returns immediately with ok=false and
// the caller must re-probe the cache directly.
func (t *Table[V]) Wait(ctx context.Context, key string) (result Result[V], ok bool) {
	t.mu.Lock()
	r, held := t.rows[key]
	if !held {
		t.mu.Unlock()
		return Result[V]{}, false
	}
	ch := make(chan Result[V], 1)
	r.waiters = append(r.waiters, ch)
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res, true
	case <-ctx.Done():
		return Result[V]{Err: ctx.Err()}, true
	}
}

// Release atomically marks the key free, delivers result to every waiter
// registered before this call, and removes the table row. A second release
// on an already-released ticket is a caller bug; it is treated as a no-op
// (discard, free nothing) rather than panicking.
func (tk *Ticket[V]) Release(result Result[V]) {
	t := tk.table
	t.mu.Lock()
	r, ok := t.rows[tk.key]
	if !ok || r != tk.row {
		t.mu.Unlock()
		return
	}
	delete(t.rows, tk.key)
	waiters := r.waiters
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
		close(ch)
	}
}
