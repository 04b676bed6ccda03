package aggregate

// Point is one timestamped value. T is seconds since session start.
type Point struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// ring is a fixed-capacity FIFO. Appending at capacity overwrites the oldest
// entry. Not safe for concurrent use; the Aggregator serializes access.
type ring[T any] struct {
	buf   []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// items returns a copy, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) last() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)], true
}

func (r *ring[T]) len() int { return r.count }

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
