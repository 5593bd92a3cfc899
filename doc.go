// Package cachetower implements a provider-agnostic, multi-layer caching
// engine. A Stack fronts an ordered list of Layers (fastest/smallest first,
// slowest/largest last) behind a single get-or-compute protocol that adds
// stale-while-revalidate, single-flight deduplication of the value factory,
// and automatic back-population of higher-priority layers from lower-priority
// hits.
//
// Components:
//   - Layer[V]: one storage backend behind the stack (in-process map, Redis,
//     Ristretto, BigCache, Kioshun, ...). Pluggable and out of scope for the
//     coordination logic itself.
//   - Entry[V]: an immutable (value, expiry) pair.
//   - Extension: pluggable interceptor around refreshes and lifecycle events
//     (logging, distributed locking, async fan-out, ...).
//   - Stack[V]: the orchestrator. Implements Get/Set/Evict/Flush/Cleanup and
//     the GetOrSet state machine described in the package design notes.
//
// Layers that talk to byte-oriented stores (Redis, Ristretto, BigCache,
// Kioshun) are built with the layer subpackage's Adapter, which pairs a
// codec.Codec[V] with a provider.Provider to frame entries on the wire.
package cachetower
