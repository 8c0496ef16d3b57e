package buffer

// Ring is a fixed-capacity ring buffer. Once full, Add overwrites the
// oldest entry. The zero value is unusable; construct with NewRing.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}

	if r.count < len(r.entries) {
		index := (r.start + r.count) % len(r.entries)
		r.entries[index] = entry
		r.count++
		return
	}

	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the retained entries, oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || r.count == 0 {
		return nil
	}

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		index := (r.start + i) % len(r.entries)
		out[i] = r.entries[index]
	}
	return out
}

// Last returns up to n of the newest entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 || n <= 0 {
		return nil
	}

	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		index := (r.start + r.count - n + i) % len(r.entries)
		out[i] = r.entries[index]
	}
	return out
}
