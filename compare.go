package state

import "reflect"

// identical reports whether a and b are the same value. Maps, slices,
// functions, channels and pointers compare by reference; everything else by
// value.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}

	if va.Comparable() && vb.Comparable() {
		return va.Equal(vb)
	}
	return reflect.DeepEqual(a, b)
}

// structurallyEqual is used for fields declared with DeepCompare.
func structurallyEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
