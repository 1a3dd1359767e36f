package blob

// BufferGroup is an ordered list of byte slices treated as one contiguous region.
// It is used for scatter/gather transfers between callers and blob blocks.
type BufferGroup struct {
	bufs [][]byte
	size int
}

// NewBufferGroup returns a group over the given buffers.
func NewBufferGroup(bufs ...[]byte) *BufferGroup {
	g := &BufferGroup{}
	for _, b := range bufs {
		g.Add(b)
	}
	return g
}

// Add appends a buffer to the group. Empty buffers are ignored.
func (g *BufferGroup) Add(b []byte) {
	if len(b) == 0 {
		return
	}
	g.bufs = append(g.bufs, b)
	g.size += len(b)
}

// Buffers returns the buffers of the group in order.
func (g *BufferGroup) Buffers() [][]byte {
	return g.bufs
}

// Len returns the total number of bytes in the group.
func (g *BufferGroup) Len() int {
	return g.size
}

// Reset empties the group without touching the buffers.
func (g *BufferGroup) Reset() {
	g.bufs = g.bufs[:0]
	g.size = 0
}

// CopyFrom copies src into the group and returns the number of bytes copied.
func (g *BufferGroup) CopyFrom(src []byte) int {
	n := 0
	for _, b := range g.bufs {
		if n == len(src) {
			break
		}
		n += copy(b, src[n:])
	}
	return n
}

// CopyTo copies the content of the group into dst and returns the number of bytes copied.
func (g *BufferGroup) CopyTo(dst []byte) int {
	n := 0
	for _, b := range g.bufs {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], b)
	}
	return n
}

// Bytes returns a copy of the content of the group as one slice.
func (g *BufferGroup) Bytes() []byte {
	out := make([]byte, g.size)
	g.CopyTo(out)
	return out
}

// copyInto copies the content of src into g, both may be split differently.
func (g *BufferGroup) copyInto(src *BufferGroup) int {
	var (
		di, do  int // destination buffer and offset
		written int
	)
	for _, s := range src.bufs {
		for len(s) > 0 && di < len(g.bufs) {
			c := copy(g.bufs[di][do:], s)
			s = s[c:]
			do += c
			written += c
			if do == len(g.bufs[di]) {
				di++
				do = 0
			}
		}
	}
	return written
}
