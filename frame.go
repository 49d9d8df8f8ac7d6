package xsk

import (
	"github.com/pkg/errors"
)

// ErrSegmentOverflow reports a Cursor write larger than the remaining
// segment capacity. Nothing is copied in that case.
var ErrSegmentOverflow = errors.New("write exceeds segment capacity")

/*
	struct xdp_desc {
		__u64 addr;
		__u32 len;
		__u32 options;
	};

	FrameDesc mirrors xdp_desc and additionally tracks how much of the
	frame's user headroom holds meaningful bytes. The headroom length never
	crosses the wire; rx/tx ring slots carry addr, len and options only.
*/
type FrameDesc struct {
	Addr        uint64
	DataLen     uint32
	HeadroomLen uint32
	Options     uint32
}

// Cursor is a positioned writer over one frame segment. Writes copy into
// UMEM memory and advance the segment's meaningful length in the
// descriptor the cursor was created from, so "what to transmit" and "how
// many bytes to transmit" stay consistent by construction.
type Cursor struct {
	pos *uint32
	buf []byte
}

// Write copies p at the cursor position and advances it. All or nothing:
// when p does not fit in the remaining capacity, nothing is copied and the
// error wraps ErrSegmentOverflow.
func (c *Cursor) Write(p []byte) (int, error) {
	if len(p) > len(c.buf)-int(*c.pos) {
		return 0, errors.Wrapf(ErrSegmentOverflow,
			"write of %d bytes at position %d with capacity %d", len(p), *c.pos, len(c.buf))
	}
	n := copy(c.buf[*c.pos:], p)
	*c.pos += uint32(n)
	return n, nil
}

func (c *Cursor) Pos() int {
	return int(*c.pos)
}

// SetPos moves the cursor, clamped to [0, Cap()].
func (c *Cursor) SetPos(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(c.buf) {
		n = len(c.buf)
	}
	*c.pos = uint32(n)
}

func (c *Cursor) Cap() int {
	return len(c.buf)
}

// ZeroOut zeroes the whole segment and moves the cursor back to the start.
func (c *Cursor) ZeroOut() {
	for i := range c.buf {
		c.buf[i] = 0
	}
	*c.pos = 0
}
