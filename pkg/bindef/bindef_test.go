package bindef

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const packetLayout = `
meta:
  id: packet
  endian: be
seq:
  - id: magic
    contents: [0xAB, 0xCD]
  - id: version
    type: u1
  - id: length
    type: u2
  - id: payload
    type: bytes
    size: length
`

var packetData = []byte{0xAB, 0xCD, 0x02, 0x00, 0x03, 0x11, 0x22, 0x33}

func writeLayout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layout.bdl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecodeBinary(t *testing.T) {
	path := writeLayout(t, packetLayout)

	result, err := DecodeBinary(packetData, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result["version"])
	assert.Equal(t, uint64(3), result["length"])
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, result["payload"])
}

func TestDecodeToJSONAndBack(t *testing.T) {
	path := writeLayout(t, packetLayout)

	jsonData, err := DecodeToJSON(packetData, path)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(jsonData, &m))
	assert.Equal(t, float64(2), m["version"])

	out, err := EncodeFromJSON(jsonData, path)
	require.NoError(t, err)
	assert.Equal(t, packetData, out)
}

func TestEncodeFromJSONBadInput(t *testing.T) {
	path := writeLayout(t, packetLayout)
	_, err := EncodeFromJSON([]byte("not json"), path)
	assert.Error(t, err)
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := NewCodec()
	path := writeLayout(t, packetLayout)

	_, err := codec.DecodeBinary(context.Background(), []byte{0x00, 0x00}, path)
	assert.Error(t, err, "magic mismatch")

	_, err = codec.DecodeBinary(context.Background(), nil, filepath.Join(t.TempDir(), "missing.bdl.yaml"))
	assert.Error(t, err)
}

func TestCodecEncodeDecodedContext(t *testing.T) {
	codec := NewCodec()
	path := writeLayout(t, packetLayout)

	result, err := DecodeBinary(packetData, path)
	require.NoError(t, err)
	_ = result

	require.NoError(t, codec.VerifyRoundTrip(context.Background(), packetData, path))
}

func TestValidateLayout(t *testing.T) {
	good := writeLayout(t, packetLayout)
	assert.NoError(t, ValidateLayout(good))

	bad := writeLayout(t, "meta:\n  id: broken\nseq:\n  - id: x\n    type: nosuch\n")
	assert.Error(t, ValidateLayout(bad))
}

func TestCodecCaching(t *testing.T) {
	codec := NewCodec(WithCaching(time.Hour))
	path := writeLayout(t, packetLayout)

	_, err := codec.DecodeBinary(context.Background(), packetData, path)
	require.NoError(t, err)

	// The compiled engine is served from cache even after the file is gone.
	require.NoError(t, os.Remove(path))
	_, err = codec.DecodeBinary(context.Background(), packetData, path)
	assert.NoError(t, err)

	codec.ClearCache()
	_, err = codec.DecodeBinary(context.Background(), packetData, path)
	assert.Error(t, err, "cache cleared and file removed")
}

func TestWithRootType(t *testing.T) {
	path := writeLayout(t, `
meta:
  id: doc
seq:
  - id: header
    type: entry
types:
  entry:
    seq:
      - id: key
        type: u1
      - id: value
        type: u1
`)

	// Decode just the named fragment instead of the whole layout.
	result, err := DecodeBinary([]byte{0x01, 0x2A}, path, WithRootType("entry"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result["key"])
	assert.Equal(t, uint64(0x2A), result["value"])

	_, err = DecodeBinary([]byte{0x01}, path, WithRootType("nosuch"))
	assert.Error(t, err)
}

func TestCodecOptions(t *testing.T) {
	codec := NewCodec(WithDebugMode(true))
	path := writeLayout(t, packetLayout)

	result, err := codec.DecodeBinary(context.Background(), packetData, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result["version"])
}
