// Package sliceutil contains generic slice helpers that the standard slices
// package doesn't provide.
package sliceutil

// KeyBy converts a slice into a map using the key/value tuples returned by
// tupleFunc. If two pairs produce the same key, the last one wins.
func KeyBy[T any, K comparable, V any](collection []T, tupleFunc func(item T) (K, V)) map[K]V {
	result := make(map[K]V, len(collection))

	for _, t := range collection {
		k, v := tupleFunc(t)
		result[k] = v
	}

	return result
}

// Map transforms a slice into a slice of another type.
func Map[T any, R any](collection []T, mapFunc func(T) R) []R {
	result := make([]R, len(collection))

	for i, item := range collection {
		result[i] = mapFunc(item)
	}

	return result
}
