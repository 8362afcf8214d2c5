package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextPutAndGet(t *testing.T) {
	c := NewContext("root")
	c.Put("version", uint64(2), 0, 8, nil)
	c.Put("length", uint64(16), 8, 16, nil)

	e, ok := c.Get("version")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Value)
	assert.Equal(t, int64(0), e.Offset)
	assert.Equal(t, int64(8), e.Width)
	assert.Equal(t, int64(8), e.End())

	assert.Equal(t, []string{"version", "length"}, c.Keys())
}

func TestContextDuplicateNamesRenamed(t *testing.T) {
	c := NewContext("root")
	e1 := c.Put("field", uint64(1), 0, 8, nil)
	e2 := c.Put("field", uint64(2), 8, 8, nil)
	e3 := c.Put("field", uint64(3), 16, 8, nil)

	assert.Equal(t, "field", e1.Name)
	assert.Equal(t, "field_1", e2.Name)
	assert.Equal(t, "field_2", e3.Name)
	assert.Equal(t, 3, c.Len())

	got, ok := c.Get("field_2")
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.Value)
}

func TestContextLookupWalksParents(t *testing.T) {
	root := NewContext("root")
	root.Put("length", uint64(4), 0, 8, nil)

	inner := root.child("body", false)
	inner.Put("kind", uint64(7), 8, 8, nil)
	root.Put("body", inner, 8, 8, nil)

	e, ok := inner.Lookup("length")
	require.True(t, ok)
	assert.Equal(t, uint64(4), e.Value)

	_, ok = root.Get("kind")
	assert.False(t, ok, "parents do not see child entries")

	_, ok = inner.Lookup("missing")
	assert.False(t, ok)
}

func TestContextListKeysByIndex(t *testing.T) {
	root := NewContext("root")
	list := root.child("items", true)
	list.Put("ignored", uint64(10), 0, 8, nil)
	list.Put("ignored", uint64(20), 8, 8, nil)
	root.Put("items", list, 0, 16, nil)

	assert.True(t, list.IsList())
	assert.Equal(t, []string{"0", "1"}, list.Keys())
	assert.Equal(t, uint64(20), list.At(1).Value)
}

func TestContextToMap(t *testing.T) {
	root := NewContext("root")
	root.Put("version", uint64(1), 0, 8, nil)

	hdr := root.child("header", false)
	hdr.Put("flags", true, 8, 1, nil)
	root.Put("header", hdr, 8, 1, nil)

	list := root.child("values", true)
	list.Put("", uint64(5), 9, 8, nil)
	list.Put("", uint64(6), 17, 8, nil)
	root.Put("values", list, 9, 16, nil)

	root.Put("ext", Absent, 25, 0, nil)

	assert.Equal(t, map[string]any{
		"version": uint64(1),
		"header":  map[string]any{"flags": true},
		"values":  []any{uint64(5), uint64(6)},
		"ext":     nil,
	}, root.ToMap())
}

func TestContextFromMapRoundTrip(t *testing.T) {
	in := map[string]any{
		"version": 1,
		"header":  map[string]any{"flags": true},
		"values":  []any{5, 6},
		"ext":     nil,
	}
	c := ContextFromMap("root", in)

	e, ok := c.Get("header")
	require.True(t, ok)
	hdr, ok := e.AsContext()
	require.True(t, ok)
	flags, ok := hdr.Get("flags")
	require.True(t, ok)
	assert.Equal(t, true, flags.Value)

	e, ok = c.Get("values")
	require.True(t, ok)
	list, ok := e.AsContext()
	require.True(t, ok)
	assert.True(t, list.IsList())
	assert.Equal(t, 2, list.Len())

	e, ok = c.Get("ext")
	require.True(t, ok)
	assert.Equal(t, Absent, e.Value)
}
