package capture

// ring is a fixed-capacity FIFO byte buffer. Writes never exceed Free().
type ring struct {
	buf  []byte
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes
func (r *ring) Len() int { return r.size }

// Free returns the remaining capacity
func (r *ring) Free() int { return len(r.buf) - r.size }

// Write appends p, which must fit in Free()
func (r *ring) Write(p []byte) {
	if len(p) > r.Free() {
		panic("capture: ring overflow")
	}
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
}

// Next removes n bytes from the front into a fresh slice
func (r *ring) Next(n int) []byte {
	if n > r.size {
		n = r.size
	}
	out := make([]byte, n)
	c := copy(out, r.buf[r.head:])
	if c < n {
		copy(out[c:], r.buf)
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return out
}
