package layout

import (
	"context"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// TextField decodes a run of bytes into a string under a named character
// encoding. The byte length is fixed or read from a previously decoded
// field; encode re-encodes the string and requires the result to match the
// declared length exactly, so decode/encode stays a strict round trip.
type TextField struct {
	name     string
	length   lengthSpec
	encoding string
}

// NewText constructs a fixed-length text field. Supported encodings:
// UTF-8, ASCII, UTF-16LE/BE, UTF-32LE/BE, CP437/IBM437, SHIFT_JIS/SJIS.
func NewText(name string, byteLen int, encodingName string) (*TextField, error) {
	if err := checkEncoding(encodingName); err != nil {
		return nil, fmt.Errorf("field %q: %w", name, err)
	}
	return &TextField{name: name, length: lengthSpec{mode: lengthFixed, fixed: int64(byteLen)}, encoding: encodingName}, nil
}

// NewTextFrom takes its byte length from a previously decoded integer field.
func NewTextFrom(name, lengthField, encodingName string) (*TextField, error) {
	if err := checkEncoding(encodingName); err != nil {
		return nil, fmt.Errorf("field %q: %w", name, err)
	}
	return &TextField{name: name, length: lengthSpec{mode: lengthFrom, from: lengthField}, encoding: encodingName}, nil
}

func (f *TextField) Name() string { return f.name }

func (f *TextField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	n, err := f.length.resolve(f.name, scope, cur)
	if err != nil {
		return nil, err
	}
	start := cur.Pos()
	raw, err := cur.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	s, err := decodeText(raw, f.encoding)
	if err != nil {
		return nil, &ValidationError{Field: f.name, Offset: start, Expected: f.encoding + " text", Actual: err.Error()}
	}
	return scope.Put(f.name, s, start, cur.Pos()-start, f), nil
}

func (f *TextField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	s, ok := e.Value.(string)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %T is not a string", e.Value)}
	}
	raw, err := encodeText(s, f.encoding)
	if err != nil {
		return &EncodeMismatchError{Field: f.name, Reason: err.Error()}
	}
	if f.length.mode == lengthFixed && int64(len(raw)) != f.length.fixed {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("encodes to %d bytes, field declares %d", len(raw), f.length.fixed)}
	}
	if f.length.mode == lengthFrom {
		if le, found := scope.Lookup(f.length.from); found {
			if n, okLen := toInt64(le.Value); okLen && n != int64(len(raw)) {
				return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("encodes to %d bytes but length field %q holds %d", len(raw), f.length.from, n)}
			}
		}
	}
	return w.WriteBytes(raw)
}

func checkEncoding(name string) error {
	switch name {
	case "UTF-8", "ASCII", "UTF-16LE", "UTF-16BE", "UTF-32LE", "UTF-32BE", "CP437", "IBM437", "SHIFT_JIS", "SJIS":
		return nil
	}
	return fmt.Errorf("unsupported encoding: %s", name)
}

func charsetFor(name string) encoding.Encoding {
	switch name {
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "UTF-32LE":
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)
	case "UTF-32BE":
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
	case "CP437", "IBM437":
		return charmap.CodePage437
	case "SHIFT_JIS", "SJIS":
		return japanese.ShiftJIS
	}
	return nil
}

func decodeText(data []byte, encodingName string) (string, error) {
	switch encodingName {
	case "ASCII":
		for _, b := range data {
			if b > 127 {
				return "", fmt.Errorf("invalid ASCII byte: %d", b)
			}
		}
		return string(data), nil
	case "UTF-8":
		return string(data), nil
	}
	enc := charsetFor(encodingName)
	if enc == nil {
		return "", fmt.Errorf("unsupported encoding: %s", encodingName)
	}
	return enc.NewDecoder().String(string(data))
}

func encodeText(s, encodingName string) ([]byte, error) {
	switch encodingName {
	case "ASCII":
		for _, r := range s {
			if r > 127 {
				return nil, fmt.Errorf("rune %q not representable in ASCII", r)
			}
		}
		return []byte(s), nil
	case "UTF-8":
		return []byte(s), nil
	}
	enc := charsetFor(encodingName)
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding: %s", encodingName)
	}
	out, err := enc.NewEncoder().String(s)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
