package util

// ExtendSlice grows xs, preserving existing elements and their addresses
// within the backing array where possible, so that len(xs) == need.
// Existing elements are never copied to a new address unless the
// underlying array must be reallocated to fit need.
func ExtendSlice[T any](xs []T, need int) []T {
	xs = xs[:cap(xs)]
	if n := need - cap(xs); n > 0 {
		xs = append(xs, make([]T, n)...)
	}
	return xs[:need]
}

func CopySlice[T any](dst []T, src []T) []T {
	dst = ExtendSlice(dst, len(src))
	n := copy(dst, src)
	dst = dst[:n]
	return dst
}
