package layout

import (
	"fmt"
)

// BitWriter accumulates bits MSB-first into a growing byte buffer. Fields
// pack contiguously across byte boundaries; Bytes zero-pads the final
// partial byte. This is the documented packing policy for encode and matches
// what ReadBits consumes on decode.
type BitWriter struct {
	buf   []byte
	nbits int64
}

// NewBitWriter returns an empty writer.
func NewBitWriter() *BitWriter {
	return &BitWriter{}
}

// BitLen returns the number of bits written so far.
func (w *BitWriter) BitLen() int64 { return w.nbits }

// WriteBits appends the low n bits of v, MSB-first. v must fit in n bits.
func (w *BitWriter) WriteBits(v uint64, n int) error {
	if n < 0 || n > 64 {
		return fmt.Errorf("bit count %d outside [0, 64]", n)
	}
	if n < 64 && v>>n != 0 {
		return fmt.Errorf("value %d does not fit in %d bits", v, n)
	}
	for n > 0 {
		bitIdx := int(w.nbits & 7)
		if bitIdx == 0 {
			w.buf = append(w.buf, 0)
		}
		avail := 8 - bitIdx
		take := n
		if take > avail {
			take = avail
		}
		chunk := byte(v>>(n-take)) & (1<<take - 1)
		w.buf[len(w.buf)-1] |= chunk << (avail - take)
		w.nbits += int64(take)
		n -= take
	}
	return nil
}

// WriteBytes appends whole bytes, working at any bit alignment.
func (w *BitWriter) WriteBytes(p []byte) error {
	if w.nbits&7 == 0 {
		w.buf = append(w.buf, p...)
		w.nbits += int64(len(p)) * 8
		return nil
	}
	for _, b := range p {
		if err := w.WriteBits(uint64(b), 8); err != nil {
			return err
		}
	}
	return nil
}

// WriteBool appends a single bit.
func (w *BitWriter) WriteBool(b bool) error {
	var v uint64
	if b {
		v = 1
	}
	return w.WriteBits(v, 1)
}

// AlignToByte zero-pads to the next byte boundary and returns the number of
// padding bits emitted.
func (w *BitWriter) AlignToByte() int64 {
	pad := (8 - w.nbits&7) & 7
	if pad > 0 {
		w.WriteBits(0, int(pad)) //nolint:errcheck // zero always fits
	}
	return pad
}

// Bytes returns the accumulated buffer. The final partial byte, if any, is
// zero-padded in its low bits.
func (w *BitWriter) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}
