package slices

// Map returns a new slice whose i-th element is mapFunc(s[i]).
func Map[S ~[]E, E any, V any](s S, mapFunc func(E) V) []V {
	rv := make([]V, len(s))
	for i, e := range s {
		rv[i] = mapFunc(e)
	}
	return rv
}

// Filter returns a new slice containing the elements of s for which keep returns true.
func Filter[S ~[]E, E any](s S, keep func(E) bool) S {
	if s == nil {
		return nil
	}
	rv := make(S, 0, len(s))
	for _, e := range s {
		if keep(e) {
			rv = append(rv, e)
		}
	}
	return rv
}

// GroupByFunc groups the elements e_1, ..., e_n of s into separate slices by keyFunc(e).
func GroupByFunc[S ~[]E, E any, K comparable](s S, keyFunc func(E) K) map[K]S {
	rv := make(map[K]S)
	for _, e := range s {
		k := keyFunc(e)
		rv[k] = append(rv[k], e)
	}
	return rv
}
