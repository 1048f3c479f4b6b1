package state

// Tag is a type-safe key for scope metadata, typically provider props
type Tag[T any] struct {
	key string
}

// NewTag creates a new tag with the given key
func NewTag[T any](key string) Tag[T] {
	return Tag[T]{key: key}
}

// Key returns the tag's key (for debugging)
func (t Tag[T]) Key() string {
	return t.key
}

// Get retrieves the tag value from scope or its nearest ancestor that has it
func (t Tag[T]) Get(scope *Scope) (T, bool) {
	val, ok := scope.lookupTag(t)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}

// MustGet retrieves the tag value or panics if not found
func (t Tag[T]) MustGet(scope *Scope) T {
	val, ok := t.Get(scope)
	if !ok {
		panic("tag " + t.key + " not found")
	}
	return val
}

// GetOrDefault retrieves the tag value or returns a default
func (t Tag[T]) GetOrDefault(scope *Scope, defaultVal T) T {
	if val, ok := t.Get(scope); ok {
		return val
	}
	return defaultVal
}

// Set stores the tag value on scope
func (t Tag[T]) Set(scope *Scope, val T) {
	scope.SetTag(t, val)
}
