package cachetower

import "context"

// Layer is one storage backend behind a Stack. Implementations must be safe
// for concurrent use. Every operation may suspend and may fail; a layer's Get
// or IsAvailable failure during a read is treated by the Stack as "not
// available for this key" and does not abort the probe. Write failures
// (Set/Evict/Flush/Cleanup) propagate to the caller.
//
// Index 0 in a Stack's layer list is the highest-priority (expected
// fastest/smallest) layer; the last index is the lowest-priority (expected
// slowest/largest) layer.
type Layer[V any] interface {
	// Get returns the stored entry for key, if any. A layer MAY return an
	// entry whose Expiry is already in the past; the Stack treats that as
	// expired rather than filtering on the layer's behalf.
	Get(ctx context.Context, key string) (Entry[V], bool, error)

	// Set stores entry under key, overwriting any existing value.
	Set(ctx context.Context, key string, entry Entry[V]) error

	// Evict removes key from the layer. Evicting an absent key is not an error.
	Evict(ctx context.Context, key string) error

	// Flush empties the layer.
	Flush(ctx context.Context) error

	// Cleanup opportunistically removes expired entries. Layers that expire
	// entries internally (e.g. a TTL-aware remote store) may no-op.
	Cleanup(ctx context.Context) error

	// IsAvailable is a fast health/partition check for key. A layer that is
	// down (e.g. a remote store mid-outage) should return false rather than
	// blocking or erroring through Get.
	IsAvailable(ctx context.Context, key string) bool
}

// Teardown is implemented by layers (or extensions) that hold resources
// needing explicit release. Close is idempotent.
type Teardown interface {
	Close(ctx context.Context) error
}
