package cachetower

// Options configures a Stack. Layers is the only required field; everything
// else has a sensible default.
type Options[V any] struct {
	// Layers is the ordered list of cache layers, index 0 = highest
	// priority (fastest/smallest). Must contain at least one layer.
	Layers []Layer[V]

	// Extensions are composed into a single refresh/lifecycle pipeline, in
	// registration order (the first extension is the outermost wrapper
	// around refreshes).
	Extensions []Extension

	// Logger receives diagnostic events (layer faults, extension panics).
	// Defaults to NopLogger.
	Logger Logger

	// Clock supplies the current time. Defaults to the system clock.
	Clock Clock
}

// New constructs a Stack from opts. It fails if Layers is empty.
func New[V any](opts Options[V]) (*Stack[V], error) {
	return newStack(opts)
}
