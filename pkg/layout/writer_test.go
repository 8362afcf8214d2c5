package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitWriterPacksMSBFirst(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0b101, 3))
	require.NoError(t, w.WriteBits(0b1001001, 7))
	assert.Equal(t, int64(10), w.BitLen())

	// Final partial byte is zero padded.
	assert.Equal(t, []byte{0b10110010, 0b01000000}, w.Bytes())
}

func TestBitWriterRejectsOverwideValue(t *testing.T) {
	w := NewBitWriter()
	err := w.WriteBits(0b100, 2)
	assert.Error(t, err)
}

func TestBitWriterWriteBytesUnaligned(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0xA, 4))
	require.NoError(t, w.WriteBytes([]byte{0xBC}))
	assert.Equal(t, int64(12), w.BitLen())
	assert.Equal(t, []byte{0xAB, 0xC0}, w.Bytes())
}

func TestBitWriterRoundTripWithCursor(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0b11, 2))
	require.NoError(t, w.WriteBits(0x1234, 16))
	require.NoError(t, w.WriteBool(true))

	cur := NewCursor(w.Bytes())
	v, err := cur.ReadBits(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b11), v)
	v, err = cur.ReadBits(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)
	v, err = cur.ReadBits(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestBitWriterAlignToByte(t *testing.T) {
	w := NewBitWriter()
	require.NoError(t, w.WriteBits(0b1, 1))
	assert.Equal(t, int64(7), w.AlignToByte())
	assert.Equal(t, int64(0), w.AlignToByte())
	assert.Equal(t, []byte{0x80}, w.Bytes())
}
