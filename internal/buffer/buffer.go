package buffer

import (
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Buffer is a FIFO byte queue built from pooled, fixed-size segments. New
// capacity is allocated one segment at a time as data is appended; fully
// consumed segments are returned to the pool as data is removed from the
// front. A Buffer is single-owner: it must not be read and written
// concurrently from different goroutines.
type Buffer struct {
	pool *Pool
	segs []*rp.Element // ordered, oldest first
	roff int           // read offset into segs[0]
	woff int           // write offset into the last segment's capacity
}

func (b *Buffer) data(e *rp.Element) *segment {
	return e.Data.(*segment)
}

// Len returns the number of unread bytes currently held.
func (b *Buffer) Len() int {
	if len(b.segs) == 0 {
		return 0
	}
	total := 0
	for i, e := range b.segs {
		n := b.data(e).n
		if i == 0 {
			n -= b.roff
		}
		total += n
	}
	return total
}

// Write appends p to the buffer, allocating new segments from the pool as
// needed. It always consumes all of p and never returns an error; it
// implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	want := len(p)
	for len(p) > 0 {
		if len(b.segs) == 0 || b.woff >= SegmentSize {
			b.segs = append(b.segs, b.pool.get())
			b.data(b.segs[len(b.segs)-1]).n = 0
			b.woff = 0
		}
		tail := b.data(b.segs[len(b.segs)-1])
		// Grow the logical length of the tail segment up to its capacity,
		// then copy in as much of p as fits.
		room := SegmentSize - b.woff
		n := len(p)
		if n > room {
			n = room
		}
		if cap(tail.b) < SegmentSize {
			// newSegment always allocates SegmentSize; this is defensive.
			grown := make([]byte, SegmentSize)
			copy(grown, tail.b)
			tail.b = grown
		}
		copy(tail.b[b.woff:b.woff+n], p[:n])
		b.woff += n
		if b.woff > tail.n {
			tail.n = b.woff
		}
		p = p[n:]
	}
	return want, nil
}

// Append reserves n bytes of writable space at the tail and returns it as a
// single contiguous span when n fits within one segment's remaining room;
// otherwise it allocates a fresh segment sized for the request. The caller
// must fill the returned span before the next Write/Append call.
func (b *Buffer) Append(n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(b.segs) == 0 || SegmentSize-b.woff < n {
		b.segs = append(b.segs, b.pool.get())
		tail := b.data(b.segs[len(b.segs)-1])
		if cap(tail.b) < n {
			tail.b = make([]byte, n)
		}
		tail.n = n
		b.woff = n
		return tail.b[:n]
	}
	tail := b.data(b.segs[len(b.segs)-1])
	span := tail.b[b.woff : b.woff+n]
	b.woff += n
	if b.woff > tail.n {
		tail.n = b.woff
	}
	return span
}

// Segments returns the ordered, unread segments as a slice of byte slices.
// The returned slices alias pool memory and are invalidated by the next
// Remove or Release call.
func (b *Buffer) Segments() [][]byte {
	if len(b.segs) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(b.segs))
	for i, e := range b.segs {
		s := b.data(e).GetSlice()
		if i == 0 {
			s = s[b.roff:]
		}
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Peek returns a contiguous view of the first n unread bytes without
// removing them, and reports whether such a view was available without
// copying (n bytes all lie in the first segment). When ok is false the
// caller should use Coalesce instead.
func (b *Buffer) Peek(n int) (p []byte, ok bool) {
	if len(b.segs) == 0 {
		return nil, n == 0
	}
	first := b.data(b.segs[0]).GetSlice()[b.roff:]
	if len(first) >= n {
		return first[:n], true
	}
	return nil, false
}

// Coalesce returns the first n unread bytes as a freshly allocated
// contiguous slice, copying across segment boundaries if necessary. It does
// not remove the bytes; call Remove(n) once they have been consumed.
func (b *Buffer) Coalesce(n int) []byte {
	if p, ok := b.Peek(n); ok {
		out := make([]byte, n)
		copy(out, p)
		return out
	}
	out := make([]byte, 0, n)
	for _, seg := range b.Segments() {
		if len(out) >= n {
			break
		}
		take := n - len(out)
		if take > len(seg) {
			take = len(seg)
		}
		out = append(out, seg[:take]...)
	}
	return out
}

// Remove discards the first n unread bytes, returning any now-fully-consumed
// segments to the pool. It panics if n exceeds Len, which indicates a caller
// bug (decoders must only remove bytes they verified are present).
func (b *Buffer) Remove(n int) {
	for n > 0 {
		if len(b.segs) == 0 {
			panic("buffer: Remove beyond available data")
		}
		head := b.data(b.segs[0])
		avail := head.n - b.roff
		if n < avail {
			b.roff += n
			return
		}
		n -= avail
		b.pool.put(b.segs[0])
		b.segs = b.segs[1:]
		b.roff = 0
		if len(b.segs) == 0 {
			b.woff = 0
		}
	}
}

// Release returns all held segments to the pool. The Buffer is empty and
// reusable afterward.
func (b *Buffer) Release() {
	for _, e := range b.segs {
		b.pool.put(e)
	}
	b.segs = nil
	b.roff = 0
	b.woff = 0
}
