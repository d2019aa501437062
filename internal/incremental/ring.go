package incremental

// ring is a bounded FIFO of entries. Its buffer grows on demand up to
// capacity.
type ring struct {
	buf      []Entry
	capacity int
	start    int
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity}
}

// push appends e. When the ring is full the oldest entry is overwritten and
// returned.
func (r *ring) push(e Entry) (Entry, bool) {
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, e)
		return Entry{}, false
	}
	evicted := r.buf[r.start]
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

// each visits entries oldest first.
func (r *ring) each(fn func(Entry)) {
	for i := range r.buf {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
