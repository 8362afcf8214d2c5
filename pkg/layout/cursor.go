package layout

import (
	"fmt"
)

// Cursor tracks a bit-exact read position over an immutable byte buffer.
// Addresses are absolute bit offsets (byte offset * 8 + bit offset); bits
// within a byte are numbered MSB-first. A Cursor makes a single forward pass;
// the only way back is an explicit Checkpoint/Restore, used by optional and
// lookahead fields.
//
// A Cursor is not safe for concurrent use. The underlying buffer is never
// mutated.
type Cursor struct {
	data  []byte
	pos   int64 // current position, in bits
	limit int64 // exclusive upper bound, in bits
}

// Checkpoint captures a cursor position for later restoration.
type Checkpoint int64

// NewCursor creates a cursor over data, positioned at bit 0.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data, limit: int64(len(data)) * 8}
}

// NewCursorAt creates a cursor over data starting at the given bit offset.
func NewCursorAt(data []byte, startBit int64) (*Cursor, error) {
	total := int64(len(data)) * 8
	if startBit < 0 || startBit > total {
		return nil, fmt.Errorf("start bit %d outside buffer of %d bits", startBit, total)
	}
	return &Cursor{data: data, pos: startBit, limit: total}, nil
}

// Pos returns the current position in bits from the start of the buffer.
func (c *Cursor) Pos() int64 { return c.pos }

// RemainingBits returns the number of bits left before the current limit.
func (c *Cursor) RemainingBits() int64 { return c.limit - c.pos }

// ByteAligned reports whether the position is on a byte boundary.
func (c *Cursor) ByteAligned() bool { return c.pos&7 == 0 }

// Checkpoint captures the current position.
func (c *Cursor) Checkpoint() Checkpoint { return Checkpoint(c.pos) }

// Restore rewinds the cursor to a previously captured checkpoint.
func (c *Cursor) Restore(cp Checkpoint) { c.pos = int64(cp) }

// ReadBits reads n bits (0..64) MSB-first and returns them right-aligned in
// a uint64. Byte order never affects bit order within a byte; multi-byte
// ordering is the caller's concern.
func (c *Cursor) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("bit count %d outside [0, 64]", n)
	}
	if int64(n) > c.limit-c.pos {
		return 0, &OutOfDataError{Offset: c.pos, Requested: int64(n), Remaining: c.limit - c.pos}
	}
	var v uint64
	pos := c.pos
	left := n
	for left > 0 {
		byteIdx := pos >> 3
		avail := 8 - int(pos&7)
		take := left
		if take > avail {
			take = avail
		}
		chunk := uint64(c.data[byteIdx]>>(avail-take)) & (1<<take - 1)
		v = v<<take | chunk
		pos += int64(take)
		left -= take
	}
	c.pos = pos
	return v, nil
}

// PeekBits reads n bits without advancing the position.
func (c *Cursor) PeekBits(n int) (uint64, error) {
	cp := c.Checkpoint()
	v, err := c.ReadBits(n)
	c.Restore(cp)
	return v, err
}

// ReadBytes reads n bytes, working at any bit alignment. The returned slice
// is freshly allocated when the position is unaligned, and a copy otherwise,
// so callers may hold on to it.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("byte count %d is negative", n)
	}
	if int64(n)*8 > c.limit-c.pos {
		return nil, &OutOfDataError{Offset: c.pos, Requested: int64(n) * 8, Remaining: c.limit - c.pos}
	}
	if c.ByteAligned() {
		start := c.pos >> 3
		out := make([]byte, n)
		copy(out, c.data[start:start+int64(n)])
		c.pos += int64(n) * 8
		return out, nil
	}
	out := make([]byte, n)
	for i := range out {
		b, err := c.ReadBits(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}

// Skip advances the position by n bits without reading.
func (c *Cursor) Skip(nBits int64) error {
	if nBits < 0 {
		return fmt.Errorf("skip of %d bits is negative", nBits)
	}
	if nBits > c.limit-c.pos {
		return &OutOfDataError{Offset: c.pos, Requested: nBits, Remaining: c.limit - c.pos}
	}
	c.pos += nBits
	return nil
}

// AlignToByte advances to the next byte boundary and returns the number of
// bits skipped (0 when already aligned).
func (c *Cursor) AlignToByte() int64 {
	skip := (8 - c.pos&7) & 7
	if skip > c.limit-c.pos {
		skip = c.limit - c.pos
	}
	c.pos += skip
	return skip
}

// PushLimit lowers the limit to endBit for the duration of a bounded region
// (a chunk) and returns the previous limit for PopLimit. endBit must not
// exceed the current limit or precede the current position.
func (c *Cursor) PushLimit(endBit int64) (int64, error) {
	if endBit < c.pos || endBit > c.limit {
		return 0, fmt.Errorf("limit %d outside [%d, %d]", endBit, c.pos, c.limit)
	}
	prev := c.limit
	c.limit = endBit
	return prev, nil
}

// PopLimit restores a limit previously saved by PushLimit.
func (c *Cursor) PopLimit(prev int64) { c.limit = prev }
