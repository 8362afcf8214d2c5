package layout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceMagicThenU16LE(t *testing.T) {
	seq := NewSequence("frame",
		NewMagic("magic", []byte{0xFF}),
		U16("value", LittleEndian),
	)
	entry, _ := decodeOne(t, seq, []byte{0xFF, 0x34, 0x12})

	sub, ok := entry.AsContext()
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"magic": []byte{0xFF},
		"value": uint64(0x1234),
	}, sub.ToMap())
	assert.Equal(t, int64(24), entry.Width)
}

func TestSequenceIsAllOrNothing(t *testing.T) {
	seq := NewSequence("frame",
		U8("a"),
		U16("b", BigEndian),
	)
	scope := NewContext("")
	_, err := seq.Decode(context.Background(), NewCursor([]byte{0x01, 0x02}), scope)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfData))

	// The failed sequence left nothing behind.
	assert.Equal(t, 0, scope.Len())
}

func TestSequenceErrorCarriesFieldPath(t *testing.T) {
	inner := NewSequence("header",
		U8("version"),
		NewMagic("magic", []byte{0xAB}),
	)
	outer := NewSequence("packet", inner)

	_, err := outer.Decode(context.Background(), NewCursor([]byte{0x01, 0x00}), NewContext(""))
	require.Error(t, err)

	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"header", "magic"}, pe.Path)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSequenceLaterFieldSeesEarlierValues(t *testing.T) {
	seq := NewSequence("msg",
		U8("length"),
		NewBytesFrom("payload", "length"),
	)
	entry, _ := decodeOne(t, seq, []byte{0x02, 0xAA, 0xBB})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{
		"length":  uint64(2),
		"payload": []byte{0xAA, 0xBB},
	}, sub.ToMap())
}

func TestArrayFixedCount(t *testing.T) {
	arr := NewArray("vals", U8("val"), 3)
	entry, scope := decodeOne(t, arr, []byte{0x01, 0x02, 0x03})

	list, ok := entry.AsContext()
	require.True(t, ok)
	assert.Equal(t, []any{uint64(1), uint64(2), uint64(3)}, list.ToMap())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, encodeOne(t, arr, scope))
}

func TestArrayCountFromField(t *testing.T) {
	seq := NewSequence("msg",
		U8("n"),
		NewArrayFrom("vals", U16("val", BigEndian), "n"),
	)
	entry, _ := decodeOne(t, seq, []byte{0x02, 0x00, 0x05, 0x00, 0x06})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{
		"n":    uint64(2),
		"vals": []any{uint64(5), uint64(6)},
	}, sub.ToMap())
}

func TestArrayCountExpr(t *testing.T) {
	arr, err := NewArrayExpr("vals", U8("val"), "pairs * 2")
	require.NoError(t, err)
	seq := NewSequence("msg", U8("pairs"), arr)

	entry, _ := decodeOne(t, seq, []byte{0x02, 0x0A, 0x0B, 0x0C, 0x0D})
	sub, _ := entry.AsContext()
	assert.Equal(t, []any{uint64(10), uint64(11), uint64(12), uint64(13)}, sub.ToMap().(map[string]any)["vals"])
}

func TestArrayToEnd(t *testing.T) {
	arr := NewArrayToEnd("vals", U16("val", BigEndian))
	scope := NewContext("")
	cur := NewCursor([]byte{0x00, 0x01, 0x00, 0x02, 0xFF})

	entry, err := arr.Decode(context.Background(), cur, scope)
	require.NoError(t, err)
	list, _ := entry.AsContext()
	assert.Equal(t, []any{uint64(1), uint64(2)}, list.ToMap())

	// The trailing partial element was rolled back, not consumed.
	assert.Equal(t, int64(32), cur.Pos())
}

func TestArrayToEndEmptyInput(t *testing.T) {
	arr := NewArrayToEnd("vals", U8("val"))
	entry, _ := decodeOne(t, arr, nil)
	list, _ := entry.AsContext()
	assert.Equal(t, 0, list.Len())
}

func TestArrayToEndStopsOnZeroWidthElement(t *testing.T) {
	never := func(_ *Context, _ *Cursor) (bool, error) { return false, nil }
	arr := NewArrayToEnd("vals", NewConditional(U8("val"), never))
	scope := NewContext("")
	cur := NewCursor([]byte{0x01, 0x02})

	entry, err := arr.Decode(context.Background(), cur, scope)
	require.NoError(t, err)
	list, _ := entry.AsContext()
	assert.Equal(t, 0, list.Len())
	assert.Equal(t, int64(0), cur.Pos())

	// An align at an aligned position consumes nothing either.
	arr = NewArrayToEnd("pads", NewAlign("pad"))
	entry, err = arr.Decode(context.Background(), NewCursor([]byte{0xFF}), NewContext(""))
	require.NoError(t, err)
	list, _ = entry.AsContext()
	assert.Equal(t, 0, list.Len())
}

func TestArrayUntilKeepsTerminator(t *testing.T) {
	arr, err := NewArrayUntil("vals", U8("val"), "last == 0")
	require.NoError(t, err)
	scope := NewContext("")
	cur := NewCursor([]byte{0x05, 0x09, 0x00, 0x77})

	entry, decodeErr := arr.Decode(context.Background(), cur, scope)
	require.NoError(t, decodeErr)
	list, _ := entry.AsContext()
	assert.Equal(t, []any{uint64(5), uint64(9), uint64(0)}, list.ToMap())
	assert.Equal(t, int64(24), cur.Pos())
}

func TestArrayElementErrorCarriesIndex(t *testing.T) {
	arr := NewArray("vals", U16("val", BigEndian), 3)
	_, err := arr.Decode(context.Background(), NewCursor([]byte{0x00, 0x01, 0x00}), NewContext(""))
	require.Error(t, err)

	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"1"}, pe.Path)
	assert.True(t, errors.Is(err, ErrOutOfData))
}

func TestArrayEncodeCountMismatch(t *testing.T) {
	arr := NewArray("vals", U8("val"), 2)
	scope := NewContext("")
	list := scope.child("vals", true)
	list.Put("", uint64(1), 0, 8, nil)
	scope.Put("vals", list, 0, 8, nil)

	err := arr.Encode(context.Background(), NewBitWriter(), scope)
	assert.True(t, errors.Is(err, ErrEncodeMismatch))
}

func TestConditionalPredicate(t *testing.T) {
	seq := NewSequence("msg",
		U8("tag"),
		NewConditional(U8("ext"), FieldEquals("tag", 1)),
	)

	entry, _ := decodeOne(t, seq, []byte{0x01, 0x42})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{"tag": uint64(1), "ext": uint64(0x42)}, sub.ToMap())

	entry, _ = decodeOne(t, seq, []byte{0x00})
	sub, _ = entry.AsContext()
	assert.Equal(t, map[string]any{"tag": uint64(0)}, sub.ToMap())
}

func TestConditionalExprMarkAbsent(t *testing.T) {
	cond, err := NewConditionalExpr(U8("ext"), "tag == 1")
	require.NoError(t, err)
	seq := NewSequence("msg", U8("tag"), cond.MarkAbsent())

	entry, _ := decodeOne(t, seq, []byte{0x00})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{"tag": uint64(0), "ext": nil}, sub.ToMap())

	e, ok := sub.Get("ext")
	require.True(t, ok)
	assert.Equal(t, Absent, e.Value)
	assert.Equal(t, int64(0), e.Width)
}

func TestConditionalSkippedDoesNotMoveCursor(t *testing.T) {
	seq := NewSequence("msg",
		U8("tag"),
		NewConditional(U8("ext"), FieldEquals("tag", 1)),
		U8("tail"),
	)
	entry, _ := decodeOne(t, seq, []byte{0x00, 0x99})
	sub, _ := entry.AsContext()
	assert.Equal(t, uint64(0x99), sub.ToMap().(map[string]any)["tail"])
}

func TestConditionalRemainingPredicate(t *testing.T) {
	seq := NewSequence("msg",
		U8("head"),
		NewConditional(U8("opt"), RemainingAtLeast(8)),
	)
	entry, _ := decodeOne(t, seq, []byte{0x01, 0x02})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{"head": uint64(1), "opt": uint64(2)}, sub.ToMap())

	entry, _ = decodeOne(t, seq, []byte{0x01})
	sub, _ = entry.AsContext()
	assert.Equal(t, map[string]any{"head": uint64(1)}, sub.ToMap())
}

func TestConditionalRoundTrip(t *testing.T) {
	cond, err := NewConditionalExpr(U8("ext"), "tag == 1")
	require.NoError(t, err)
	seq := NewSequence("msg", U8("tag"), cond)

	for _, data := range [][]byte{{0x01, 0x42}, {0x00}} {
		_, scope := decodeOne(t, seq, data)
		assert.Equal(t, data, encodeOne(t, seq, scope))
	}
}

func TestOptionalRollsBackOnMismatch(t *testing.T) {
	seq := NewSequence("msg",
		NewOptional(NewMagic("sig", []byte{0xCA, 0xFE})),
		U16("value", BigEndian),
	)

	// Signature present.
	entry, _ := decodeOne(t, seq, []byte{0xCA, 0xFE, 0x00, 0x07})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{"sig": []byte{0xCA, 0xFE}, "value": uint64(7)}, sub.ToMap())

	// Signature absent: the probe rewinds and value reads from the start.
	entry, _ = decodeOne(t, seq, []byte{0x00, 0x07})
	sub, _ = entry.AsContext()
	assert.Equal(t, map[string]any{"value": uint64(7)}, sub.ToMap())
}

func TestOptionalRollsBackOnOutOfData(t *testing.T) {
	seq := NewSequence("msg",
		NewOptional(U32("big", BigEndian)),
		U8("small"),
	)
	entry, _ := decodeOne(t, seq, []byte{0x2A})
	sub, _ := entry.AsContext()
	assert.Equal(t, map[string]any{"small": uint64(0x2A)}, sub.ToMap())
}

func TestChunkBoundsChildren(t *testing.T) {
	seq := NewSequence("msg",
		U8("len"),
		NewChunkFrom("body", "len", U8("kind")),
		U8("after"),
	)
	entry, scope := decodeOne(t, seq, []byte{0x03, 0x07, 0xAA, 0xBB, 0x55})
	sub, _ := entry.AsContext()

	m := sub.ToMap().(map[string]any)
	assert.Equal(t, uint64(3), m["len"])
	assert.Equal(t, uint64(0x55), m["after"], "cursor lands exactly past the declared length")

	body := m["body"].(map[string]any)
	assert.Equal(t, uint64(7), body["kind"])
	assert.Equal(t, []byte{0xAA, 0xBB}, body["reserved"], "unparsed tail is preserved")

	assert.Equal(t, []byte{0x03, 0x07, 0xAA, 0xBB, 0x55}, encodeOne(t, seq, scope))
}

func TestChunkOverrunIsBoundsError(t *testing.T) {
	seq := NewSequence("msg",
		U8("len"),
		NewChunkFrom("body", "len", U16("kind", BigEndian)),
	)
	_, err := seq.Decode(context.Background(), NewCursor([]byte{0x01, 0x07, 0xAA}), NewContext(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBounds))

	var be *BoundsError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "body", be.Field)
	assert.Equal(t, int64(8), be.DeclaredBits)
}

func TestChunkLongerThanBufferIsOutOfData(t *testing.T) {
	chunk := NewChunk("body", 4, U8("kind"))
	_, err := chunk.Decode(context.Background(), NewCursor([]byte{0x01, 0x02}), NewContext(""))
	assert.True(t, errors.Is(err, ErrOutOfData))
}

func TestChunkEncodePadsMissingReserved(t *testing.T) {
	chunk := NewChunk("body", 3, U8("kind"))
	scope := NewContext("")
	sub := scope.child("body", false)
	sub.Put("kind", uint64(9), 0, 8, nil)
	scope.Put("body", sub, 0, 24, nil)

	assert.Equal(t, []byte{0x09, 0x00, 0x00}, encodeOne(t, chunk, scope))
}
