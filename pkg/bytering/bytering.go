package bytering

// Ring is a fixed-capacity byte ring buffer with partial reads and
// writes. One slot is kept open to tell a full ring from an empty one,
// so a Ring of size n holds at most n-1 bytes.
type Ring struct {
	data []byte

	read, write int
}

func New(sz int) *Ring {
	return &Ring{
		data: make([]byte, sz),
	}
}

func (r *Ring) Readable() int {
	if r.read > r.write {
		return r.write + len(r.data) - r.read
	}

	return r.write - r.read
}

func (r *Ring) Writable() int {
	return len(r.data) - 1 - r.Readable()
}

func (r *Ring) EmptyP() bool {
	return r.read == r.write
}

func (r *Ring) FullP() bool {
	return r.Writable() == 0
}

// Push stores as much of p as fits and returns how many bytes it took.
func (r *Ring) Push(p []byte) int {
	n := r.Writable()
	if n > len(p) {
		n = len(p)
	}

	if n == 0 {
		return 0
	}

	first := len(r.data) - r.write
	if first > n {
		first = n
	}

	copy(r.data[r.write:], p[:first])
	copy(r.data, p[first:n])

	r.write = (r.write + n) % len(r.data)

	return n
}

// Pop drains up to len(p) bytes into p and returns how many it moved.
func (r *Ring) Pop(p []byte) int {
	n := r.Readable()
	if n > len(p) {
		n = len(p)
	}

	if n == 0 {
		return 0
	}

	first := len(r.data) - r.read
	if first > n {
		first = n
	}

	copy(p, r.data[r.read:r.read+first])
	copy(p[first:], r.data[:n-first])

	r.read = (r.read + n) % len(r.data)

	return n
}
