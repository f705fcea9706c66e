package buffer

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// SegmentSize is the capacity of a single pooled segment. It matches the
// maximum TCP segment size convention used by ringpool's own callers
// (Clouded-Sabre/Pseudo-TCP sizes its payload pool the same way) and comfortably
// exceeds MaxPacketLength (35000, see internal/cipher), so the common case of
// one SSH packet fits in a single segment with no coalescing.
const SegmentSize = 65536

// segment is the ringpool DataInterface implementation backing each pooled
// element: a fixed-capacity byte slice with a logical length.
type segment struct {
	b []byte
	n int
}

func newSegment(params ...interface{}) rp.DataInterface {
	return &segment{b: make([]byte, SegmentSize)}
}

func (s *segment) SetContent(str string) {
	s.b = []byte(str)
	s.n = len(str)
}

func (s *segment) Reset() {
	s.n = 0
}

func (s *segment) PrintContent() {}

func (s *segment) Copy(src []byte) error {
	if len(src) > len(s.b) {
		return fmt.Errorf("buffer: source of %d bytes exceeds segment capacity %d", len(src), len(s.b))
	}
	copy(s.b, src)
	s.n = len(src)
	return nil
}

func (s *segment) GetSlice() []byte {
	return s.b[:s.n]
}

// Pool is a pool of SegmentSize byte segments, safe for concurrent use by
// multiple producers (readers and writers of different connections may
// share one Pool).
type Pool struct {
	rp *rp.RingPool
}

// NewPool creates a Pool holding up to capacity segments. capacity bounds
// steady-state memory use; the pool still serves Get calls beyond capacity,
// it simply stops retaining returned segments past that point.
func NewPool(capacity int) *Pool {
	return &Pool{rp: rp.NewRingPool("sshlite: ", capacity, newSegment, SegmentSize)}
}

// NewBuffer returns an empty Buffer drawing segments from p.
func (p *Pool) NewBuffer() *Buffer {
	return &Buffer{pool: p}
}

func (p *Pool) get() *rp.Element {
	return p.rp.GetElement()
}

func (p *Pool) put(e *rp.Element) {
	p.rp.ReturnElement(e)
}
