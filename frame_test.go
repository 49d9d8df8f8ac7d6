package xsk

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func newTestCursor(cap int) (*Cursor, *uint32) {
	pos := new(uint32)
	return &Cursor{pos: pos, buf: make([]byte, cap)}, pos
}

func TestCursorWriteAllOrNothing(t *testing.T) {
	cur, pos := newTestCursor(4)

	n, err := cur.Write([]byte("hello"))
	if n != 0 || !errors.Is(err, ErrSegmentOverflow) {
		t.Fatalf("oversized write = (%d, %v), want (0, ErrSegmentOverflow)", n, err)
	}
	if *pos != 0 {
		t.Errorf("position moved to %d on a failed write", *pos)
	}
	for _, b := range cur.buf {
		if b != 0 {
			t.Fatalf("failed write touched the segment: % x", cur.buf)
		}
	}

	n, err = cur.Write([]byte("hell"))
	if n != 4 || err != nil {
		t.Fatalf("exact-fit write = (%d, %v), want (4, nil)", n, err)
	}

	// Zero-length writes succeed even with the segment full.
	n, err = cur.Write(nil)
	if n != 0 || err != nil {
		t.Errorf("empty write on a full segment = (%d, %v), want (0, nil)", n, err)
	}
	if *pos != 4 {
		t.Errorf("position = %d after an empty write, want 4", *pos)
	}
}

func TestCursorSequentialWrites(t *testing.T) {
	cur, pos := newTestCursor(8)

	for _, chunk := range [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")} {
		if _, err := cur.Write(chunk); err != nil {
			t.Fatalf("write %q: %v", chunk, err)
		}
	}
	if *pos != 6 || cur.Pos() != 6 {
		t.Errorf("position = %d/%d, want 6", *pos, cur.Pos())
	}
	if !bytes.Equal(cur.buf[:6], []byte("abcdef")) {
		t.Errorf("segment = %q, want abcdef", cur.buf[:6])
	}
}

func TestCursorSetPosClamps(t *testing.T) {
	cur, pos := newTestCursor(8)

	cur.SetPos(-3)
	if *pos != 0 {
		t.Errorf("SetPos(-3): position = %d, want 0", *pos)
	}
	cur.SetPos(100)
	if *pos != 8 {
		t.Errorf("SetPos(100): position = %d, want Cap", *pos)
	}
	cur.SetPos(5)
	if cur.Pos() != 5 || cur.Cap() != 8 {
		t.Errorf("Pos/Cap = %d/%d, want 5/8", cur.Pos(), cur.Cap())
	}
}

func TestCursorRewriteFromStart(t *testing.T) {
	cur, _ := newTestCursor(8)

	cur.Write([]byte("88888888"))
	cur.SetPos(0)
	if _, err := cur.Write([]byte("ab")); err != nil {
		t.Fatalf("write after rewind: %v", err)
	}
	if !bytes.Equal(cur.buf, []byte("ab888888")) {
		t.Errorf("segment = %q, want ab888888", cur.buf)
	}
}

func TestCursorZeroOut(t *testing.T) {
	cur, pos := newTestCursor(6)

	cur.Write([]byte("abcdef"))
	cur.ZeroOut()
	if *pos != 0 {
		t.Errorf("position = %d after ZeroOut, want 0", *pos)
	}
	for _, b := range cur.buf {
		if b != 0 {
			t.Fatalf("segment not zeroed: % x", cur.buf)
		}
	}
}

func TestCursorTracksDescriptorLength(t *testing.T) {
	// A cursor built over a descriptor field keeps the field current.
	desc := FrameDesc{}
	cur := &Cursor{pos: &desc.DataLen, buf: make([]byte, 16)}

	cur.Write([]byte("abcd"))
	if desc.DataLen != 4 {
		t.Errorf("DataLen = %d after 4-byte write, want 4", desc.DataLen)
	}
	cur.Write([]byte("ef"))
	if desc.DataLen != 6 {
		t.Errorf("DataLen = %d after 2 more bytes, want 6", desc.DataLen)
	}
	cur.SetPos(1)
	if desc.DataLen != 1 {
		t.Errorf("DataLen = %d after SetPos(1), want 1", desc.DataLen)
	}
}
