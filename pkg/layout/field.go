package layout

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/expr-lang/expr/vm"
)

// ByteOrder selects how multi-byte integers map bytes to significance. It
// never affects bit order within a byte.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

func (o ByteOrder) String() string {
	if o == LittleEndian {
		return "le"
	}
	return "be"
}

// Field is the shared decode/encode capability implemented by every
// primitive and combinator. Decode consumes bits from the cursor and records
// one entry (possibly a nested context) into scope, returning it; a nil
// entry with nil error means the field was legitimately skipped (absent
// conditional, zero-width alignment). Encode is the exact inverse: it pulls
// the field's value out of scope by name and emits the bit pattern Decode
// would have consumed.
//
// Descriptors are immutable once constructed and safe to share across
// concurrent decode/encode calls; all per-call state lives in the Cursor,
// BitWriter, and Context.
type Field interface {
	Name() string
	Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error)
	Encode(ctx context.Context, w *BitWriter, scope *Context) error
}

// lengthSpec resolves a byte length that is fixed, read from a previously
// decoded field, computed by an expression, or "whatever remains".
type lengthSpec struct {
	mode    lengthMode
	fixed   int64
	from    string
	program *vm.Program
}

type lengthMode int

const (
	lengthFixed lengthMode = iota
	lengthFrom
	lengthExpr
	lengthRemaining
)

func (ls lengthSpec) resolve(field string, scope *Context, cur *Cursor) (int64, error) {
	var raw any
	switch ls.mode {
	case lengthFixed:
		return ls.fixed, nil
	case lengthRemaining:
		return cur.RemainingBits() / 8, nil
	case lengthFrom:
		e, ok := scope.Lookup(ls.from)
		if !ok {
			return 0, fmt.Errorf("length field %q for %q not decoded yet", ls.from, field)
		}
		raw = e.Value
	case lengthExpr:
		out, err := defaultExprPool.Eval(ls.program, exprEnv(scope, cur, nil))
		if err != nil {
			return 0, fmt.Errorf("length expression for %q: %w", field, err)
		}
		raw = out
	}
	n, ok := toInt64(raw)
	if !ok || n < 0 {
		return 0, fmt.Errorf("length for %q is not a non-negative integer: %v (%T)", field, raw, raw)
	}
	return n, nil
}

// --- Unsigned integers ---

// UintField decodes an unsigned integer of 1..64 bits. Little-endian order
// is only meaningful (and only allowed) for whole-byte widths above 8 bits.
type UintField struct {
	name  string
	bits  int
	order ByteOrder
}

// NewUint constructs an unsigned integer field of the given bit width.
func NewUint(name string, bits int, order ByteOrder) (*UintField, error) {
	if bits < 1 || bits > 64 {
		return nil, fmt.Errorf("field %q: bit width %d outside [1, 64]", name, bits)
	}
	if order == LittleEndian && (bits%8 != 0 || bits == 8) {
		return nil, fmt.Errorf("field %q: little-endian needs a whole-byte width above 8 bits, got %d", name, bits)
	}
	return &UintField{name: name, bits: bits, order: order}, nil
}

// Convenience constructors for the common whole-byte widths.
func U8(name string) *UintField  { return &UintField{name: name, bits: 8} }
func U16(name string, order ByteOrder) *UintField {
	return &UintField{name: name, bits: 16, order: order}
}
func U32(name string, order ByteOrder) *UintField {
	return &UintField{name: name, bits: 32, order: order}
}
func U64(name string, order ByteOrder) *UintField {
	return &UintField{name: name, bits: 64, order: order}
}

// UBits is an unsigned big-endian bit field of the given width. Widths
// outside [1, 64] are rejected at construction.
func UBits(name string, bits int) (*UintField, error) { return NewUint(name, bits, BigEndian) }

func (f *UintField) Name() string     { return f.name }
func (f *UintField) Bits() int        { return f.bits }
func (f *UintField) Order() ByteOrder { return f.order }

func (f *UintField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	v, err := readUint(cur, f.bits, f.order)
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, v, start, cur.Pos()-start, f), nil
}

func (f *UintField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	v, ok := toUint64(e.Value)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %v (%T) is not an unsigned integer", e.Value, e.Value)}
	}
	if f.bits < 64 && v>>f.bits != 0 {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %d exceeds %d bits", v, f.bits)}
	}
	return writeUint(w, v, f.bits, f.order)
}

// readUint reads bits and applies byte-order reassembly: big-endian keeps
// the first byte read most significant, little-endian makes it least
// significant.
func readUint(cur *Cursor, bits int, order ByteOrder) (uint64, error) {
	if order == LittleEndian {
		raw, err := cur.ReadBytes(bits / 8)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := len(raw) - 1; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return v, nil
	}
	return cur.ReadBits(bits)
}

func writeUint(w *BitWriter, v uint64, bits int, order ByteOrder) error {
	if order == LittleEndian {
		raw := make([]byte, bits/8)
		for i := range raw {
			raw[i] = byte(v >> (8 * i))
		}
		return w.WriteBytes(raw)
	}
	return w.WriteBits(v, bits)
}

// --- Signed integers ---

// IntField decodes a two's-complement signed integer of 2..64 bits, sign
// extended from the declared width.
type IntField struct {
	name  string
	bits  int
	order ByteOrder
}

// NewInt constructs a signed integer field of the given bit width.
func NewInt(name string, bits int, order ByteOrder) (*IntField, error) {
	if bits < 2 || bits > 64 {
		return nil, fmt.Errorf("field %q: bit width %d outside [2, 64]", name, bits)
	}
	if order == LittleEndian && (bits%8 != 0 || bits == 8) {
		return nil, fmt.Errorf("field %q: little-endian needs a whole-byte width above 8 bits, got %d", name, bits)
	}
	return &IntField{name: name, bits: bits, order: order}, nil
}

func S8(name string) *IntField { return &IntField{name: name, bits: 8} }
func S16(name string, order ByteOrder) *IntField {
	return &IntField{name: name, bits: 16, order: order}
}
func S32(name string, order ByteOrder) *IntField {
	return &IntField{name: name, bits: 32, order: order}
}
func S64(name string, order ByteOrder) *IntField {
	return &IntField{name: name, bits: 64, order: order}
}

func (f *IntField) Name() string { return f.name }
func (f *IntField) Bits() int    { return f.bits }

func (f *IntField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	raw, err := readUint(cur, f.bits, f.order)
	if err != nil {
		return nil, err
	}
	v := int64(raw)
	if f.bits < 64 && raw&(1<<(f.bits-1)) != 0 {
		v = int64(raw | ^uint64(0)<<f.bits)
	}
	return scope.Put(f.name, v, start, cur.Pos()-start, f), nil
}

func (f *IntField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	v, ok := toInt64(e.Value)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %v (%T) is not an integer", e.Value, e.Value)}
	}
	if f.bits < 64 {
		lo := int64(-1) << (f.bits - 1)
		hi := int64(1)<<(f.bits-1) - 1
		if v < lo || v > hi {
			return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %d outside signed %d-bit range", v, f.bits)}
		}
	}
	raw := uint64(v)
	if f.bits < 64 {
		raw &= 1<<f.bits - 1
	}
	return writeUint(w, raw, f.bits, f.order)
}

// --- Single-bit flags ---

// FlagField decodes one bit as a bool.
type FlagField struct {
	name string
}

func NewFlag(name string) *FlagField { return &FlagField{name: name} }

func (f *FlagField) Name() string { return f.name }

func (f *FlagField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	v, err := cur.ReadBits(1)
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, v == 1, start, 1, f), nil
}

func (f *FlagField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	b, isBool := e.Value.(bool)
	if !isBool {
		if n, okNum := toInt64(e.Value); okNum && (n == 0 || n == 1) {
			b = n == 1
		} else {
			return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %v (%T) is not a bool", e.Value, e.Value)}
		}
	}
	return w.WriteBool(b)
}

// --- Raw byte runs ---

// BytesField decodes a run of raw bytes whose length is fixed, read from a
// previously decoded field, computed by an expression, or the remainder of
// the bounded region.
type BytesField struct {
	name   string
	length lengthSpec
}

func NewBytes(name string, byteLen int) *BytesField {
	return &BytesField{name: name, length: lengthSpec{mode: lengthFixed, fixed: int64(byteLen)}}
}

// NewBytesFrom takes its byte length from a previously decoded integer field,
// resolved through the enclosing scopes.
func NewBytesFrom(name, lengthField string) *BytesField {
	return &BytesField{name: name, length: lengthSpec{mode: lengthFrom, from: lengthField}}
}

// NewBytesExpr computes its byte length from an expression over already
// decoded values.
func NewBytesExpr(name, lengthExprSrc string) (*BytesField, error) {
	program, err := defaultExprPool.Get(lengthExprSrc)
	if err != nil {
		return nil, err
	}
	return &BytesField{name: name, length: lengthSpec{mode: lengthExpr, program: program}}, nil
}

// NewBytesRemaining consumes every remaining whole byte of the bounded
// region.
func NewBytesRemaining(name string) *BytesField {
	return &BytesField{name: name, length: lengthSpec{mode: lengthRemaining}}
}

func (f *BytesField) Name() string { return f.name }

func (f *BytesField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	n, err := f.length.resolve(f.name, scope, cur)
	if err != nil {
		return nil, err
	}
	start := cur.Pos()
	raw, err := cur.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, raw, start, cur.Pos()-start, f), nil
}

func (f *BytesField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	raw, ok := toBytes(e.Value)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %T is not a byte run", e.Value)}
	}
	switch f.length.mode {
	case lengthFixed:
		if int64(len(raw)) != f.length.fixed {
			return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("got %d bytes, field declares %d", len(raw), f.length.fixed)}
		}
	case lengthFrom:
		if le, found := scope.Lookup(f.length.from); found {
			if n, okLen := toInt64(le.Value); okLen && n != int64(len(raw)) {
				return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("got %d bytes but length field %q holds %d", len(raw), f.length.from, n)}
			}
		}
	}
	return w.WriteBytes(raw)
}

// --- Constant / magic matchers ---

// MagicField reads a fixed number of bytes and requires them to equal an
// expected constant. A mismatch is a ValidationError, which callers probing
// "is this buffer format X" can catch and treat as a negative answer.
type MagicField struct {
	name     string
	expected []byte
}

func NewMagic(name string, expected []byte) *MagicField {
	cp := make([]byte, len(expected))
	copy(cp, expected)
	return &MagicField{name: name, expected: cp}
}

func (f *MagicField) Name() string { return f.name }

func (f *MagicField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	raw, err := cur.ReadBytes(len(f.expected))
	if err != nil {
		return nil, err
	}
	for i := range raw {
		if raw[i] != f.expected[i] {
			return nil, &ValidationError{Field: f.name, Offset: start, Expected: fmt.Sprintf("% x", f.expected), Actual: fmt.Sprintf("% x", raw)}
		}
	}
	return scope.Put(f.name, raw, start, cur.Pos()-start, f), nil
}

func (f *MagicField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	if e, ok := scope.Get(f.name); ok {
		raw, okBytes := toBytes(e.Value)
		if !okBytes {
			return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %T is not a byte run", e.Value)}
		}
		if len(raw) != len(f.expected) {
			return &EncodeMismatchError{Field: f.name, Reason: "value differs from declared constant"}
		}
		for i := range raw {
			if raw[i] != f.expected[i] {
				return &EncodeMismatchError{Field: f.name, Reason: "value differs from declared constant"}
			}
		}
	}
	// The constant is part of the layout; an absent entry still emits it.
	return w.WriteBytes(f.expected)
}

// --- Padding and alignment ---

// PaddingField skips a fixed number of bits, preserving the skipped raw bits
// in the context so encode reproduces the input exactly.
type PaddingField struct {
	name string
	bits int64
}

func NewPadding(name string, bits int64) (*PaddingField, error) {
	if bits < 1 {
		return nil, fmt.Errorf("field %q: padding width %d must be positive", name, bits)
	}
	return &PaddingField{name: name, bits: bits}, nil
}

func (f *PaddingField) Name() string { return f.name }

func (f *PaddingField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	raw, err := readRaw(cur, f.bits)
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, raw, start, f.bits, f), nil
}

func (f *PaddingField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	if e, ok := scope.Get(f.name); ok {
		if raw, okBytes := toBytes(e.Value); okBytes && int64(len(raw))*8 >= f.bits {
			return writeRaw(w, raw, f.bits)
		}
	}
	return writeZeroBits(w, f.bits)
}

// PadToField skips forward to an absolute byte offset from the start of the
// stream, preserving the skipped raw bits for round-tripping. A cursor
// already at the target consumes nothing and records no entry; one past it
// is a bounds error.
type PadToField struct {
	name   string
	offset int64 // target, in bytes from stream start
}

func NewPadTo(name string, byteOffset int64) (*PadToField, error) {
	if byteOffset < 0 {
		return nil, fmt.Errorf("field %q: target offset %d must be non-negative", name, byteOffset)
	}
	return &PadToField{name: name, offset: byteOffset}, nil
}

func (f *PadToField) Name() string { return f.name }

func (f *PadToField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	target := f.offset * 8
	if start > target {
		return nil, fmt.Errorf("field %q at bit %d is already past target offset %d: %w", f.name, start, f.offset, ErrBounds)
	}
	if start == target {
		return nil, nil
	}
	raw, err := readRaw(cur, target-start)
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, raw, start, target-start, f), nil
}

func (f *PadToField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	target := f.offset * 8
	pos := w.BitLen()
	if pos > target {
		return fmt.Errorf("field %q at bit %d is already past target offset %d: %w", f.name, pos, f.offset, ErrBounds)
	}
	width := target - pos
	if width == 0 {
		return nil
	}
	if e, ok := scope.Get(f.name); ok {
		if raw, okBytes := toBytes(e.Value); okBytes && int64(len(raw))*8 >= width {
			return writeRaw(w, raw, width)
		}
	}
	return writeZeroBits(w, width)
}

// AlignField skips to the next byte boundary, recording the skipped bits when
// there are any. At an aligned position it consumes nothing and records no
// entry.
type AlignField struct {
	name string
}

func NewAlign(name string) *AlignField { return &AlignField{name: name} }

func (f *AlignField) Name() string { return f.name }

func (f *AlignField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	if cur.ByteAligned() {
		return nil, nil
	}
	start := cur.Pos()
	width := (8 - start&7) & 7
	if width > cur.RemainingBits() {
		width = cur.RemainingBits()
	}
	v, err := cur.ReadBits(int(width))
	if err != nil {
		return nil, err
	}
	return scope.Put(f.name, v, start, width, f), nil
}

func (f *AlignField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	pad := (8 - w.BitLen()&7) & 7
	if pad == 0 {
		return nil
	}
	if e, ok := scope.Get(f.name); ok && e.Width == pad {
		if v, okNum := toUint64(e.Value); okNum && v>>pad == 0 {
			return w.WriteBits(v, int(pad))
		}
	}
	return w.WriteBits(0, int(pad))
}

// --- IEEE-754 floats ---

// FloatField decodes a 32- or 64-bit IEEE-754 float. Values surface as
// float64 either way.
type FloatField struct {
	name  string
	bytes int
	order ByteOrder
}

func NewFloat32(name string, order ByteOrder) *FloatField {
	return &FloatField{name: name, bytes: 4, order: order}
}

func NewFloat64(name string, order ByteOrder) *FloatField {
	return &FloatField{name: name, bytes: 8, order: order}
}

func (f *FloatField) Name() string { return f.name }

func (f *FloatField) Decode(_ context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	raw, err := cur.ReadBytes(f.bytes)
	if err != nil {
		return nil, err
	}
	var v float64
	if f.bytes == 4 {
		if f.order == LittleEndian {
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		} else {
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
		}
	} else {
		if f.order == LittleEndian {
			v = math.Float64frombits(binary.LittleEndian.Uint64(raw))
		} else {
			v = math.Float64frombits(binary.BigEndian.Uint64(raw))
		}
	}
	return scope.Put(f.name, v, start, cur.Pos()-start, f), nil
}

func (f *FloatField) Encode(_ context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(f.name)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: "missing context entry"}
	}
	v, ok := toFloat64(e.Value)
	if !ok {
		return &EncodeMismatchError{Field: f.name, Reason: fmt.Sprintf("value %v (%T) is not a float", e.Value, e.Value)}
	}
	raw := make([]byte, f.bytes)
	if f.bytes == 4 {
		bits := math.Float32bits(float32(v))
		if f.order == LittleEndian {
			binary.LittleEndian.PutUint32(raw, bits)
		} else {
			binary.BigEndian.PutUint32(raw, bits)
		}
	} else {
		bits := math.Float64bits(v)
		if f.order == LittleEndian {
			binary.LittleEndian.PutUint64(raw, bits)
		} else {
			binary.BigEndian.PutUint64(raw, bits)
		}
	}
	return w.WriteBytes(raw)
}

// readRaw reads n bits and packs them MSB-first into a byte slice, the same
// layout BitWriter produces.
func readRaw(cur *Cursor, n int64) ([]byte, error) {
	w := NewBitWriter()
	for n > 0 {
		take := n
		if take > 64 {
			take = 64
		}
		v, err := cur.ReadBits(int(take))
		if err != nil {
			return nil, err
		}
		if err := w.WriteBits(v, int(take)); err != nil {
			return nil, err
		}
		n -= take
	}
	return w.Bytes(), nil
}

// writeRaw emits the first n bits of data, MSB-first.
func writeRaw(w *BitWriter, data []byte, n int64) error {
	full := n / 8
	if err := w.WriteBytes(data[:full]); err != nil {
		return err
	}
	if rem := int(n % 8); rem > 0 {
		return w.WriteBits(uint64(data[full]>>(8-rem)), rem)
	}
	return nil
}

func writeZeroBits(w *BitWriter, n int64) error {
	for n > 0 {
		take := n
		if take > 64 {
			take = 64
		}
		if err := w.WriteBits(0, int(take)); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
