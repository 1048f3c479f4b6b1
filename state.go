package state

import (
	"maps"
	"reflect"
	"sort"
)

// State maps field names to JSON-like values. Brokers hand out copies;
// mutating a State obtained from a broker never affects the broker.
type State map[string]any

// Clone returns a shallow copy of s. A nil State clones to an empty one.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Keys returns the field names of s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s State) merge(delta State) State {
	out := make(State, len(s)+len(delta))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// sameMap reports whether a and b are the same map, not merely equal ones.
func sameMap(a, b State) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// Value returns the field key of s converted to T. The boolean is false when
// the field is unset or holds a value of another type.
func Value[T any](s State, key string) (T, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// ValueOr returns the field key of s as T, or def when it is unset or of
// another type.
func ValueOr[T any](s State, key string, def T) T {
	if v, ok := Value[T](s, key); ok {
		return v
	}
	return def
}
