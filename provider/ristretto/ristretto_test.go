package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/danielmarbach/cachetower"
	"github.com/danielmarbach/cachetower/codec"
	"github.com/danielmarbach/cachetower/layer"
)

// TestProviderThroughAdapter constructs a real ristretto cache and drives it
// through layer.Adapter with a CBOR codec, the way an application wires this
// package in: Adapter never sees a Ristretto type, only provider.Provider.
func TestProviderThroughAdapter(t *testing.T) {
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(context.Background())

	a := layer.NewAdapter[string](p, codec.MustCBOR[string](false), nil, nil)
	ctx := context.Background()

	entry := cachetower.Entry[string]{Value: "hello", Expiry: time.Now().Add(time.Hour)}
	if err := a.Set(ctx, "k", entry); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Ristretto's Set is processed by a background buffer; Wait drains it
	// before the following Get so the test doesn't race the cache.
	p.c.Wait()

	got, found, err := a.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Value != "hello" {
		t.Fatalf("Get: value=%q, want %q", got.Value, "hello")
	}
	if !got.Expiry.Equal(entry.Expiry) {
		t.Fatalf("Get: expiry=%v, want %v", got.Expiry, entry.Expiry)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New: want error for zero-value config")
	}
}
