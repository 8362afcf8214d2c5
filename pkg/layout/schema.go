package layout

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Layout is the YAML description of a binary format (conventionally a
// .bdl.yaml file). It compiles to a descriptor tree that an Engine can run
// in both directions.
type Layout struct {
	Meta  Meta               `yaml:"meta"`
	Seq   []SeqItem          `yaml:"seq"`
	Types map[string]TypeDef `yaml:"types"`
	Doc   string             `yaml:"doc,omitempty"`
}

// Meta carries format-wide identity and defaults.
type Meta struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title,omitempty"`
	Endian   string `yaml:"endian,omitempty"`   // "be" (default) or "le"
	Encoding string `yaml:"encoding,omitempty"` // default text encoding
}

// SeqItem is one field in a sequence. Type is a builtin ("u2le", "b3",
// "bytes", "str", "f8", "flag", "padding", "pad-to", "align", "remainder")
// or the name of an entry in Types.
type SeqItem struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Size        any    `yaml:"size,omitempty"`     // int, field name, or expression
	Contents    any    `yaml:"contents,omitempty"` // string (literal bytes) or list of byte values
	If          string `yaml:"if,omitempty"`
	Absent      bool   `yaml:"absent-marker,omitempty"`
	Optional    bool   `yaml:"optional,omitempty"`
	Repeat      string `yaml:"repeat,omitempty"` // "eos", "expr", "until"
	RepeatExpr  string `yaml:"repeat-expr,omitempty"`
	RepeatUntil string `yaml:"repeat-until,omitempty"`
	Encoding    string `yaml:"encoding,omitempty"`
	Doc         string `yaml:"doc,omitempty"`
}

// TypeDef is a named reusable sequence, referenced from SeqItem.Type.
type TypeDef struct {
	Seq []SeqItem `yaml:"seq"`
	Doc string    `yaml:"doc,omitempty"`
}

// LoadLayout reads and parses a layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading layout file: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout parses layout YAML.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing layout YAML: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks structural well-formedness without compiling.
func (l *Layout) Validate() error {
	if l.Meta.ID == "" {
		return fmt.Errorf("layout meta.id is required")
	}
	switch l.Meta.Endian {
	case "", "be", "le":
	default:
		return fmt.Errorf("layout %s: meta.endian must be \"be\" or \"le\", got %q", l.Meta.ID, l.Meta.Endian)
	}
	if len(l.Seq) == 0 {
		return fmt.Errorf("layout %s has no seq", l.Meta.ID)
	}
	if err := validateSeq(l.Meta.ID, l.Seq); err != nil {
		return err
	}
	for name, t := range l.Types {
		if len(t.Seq) == 0 {
			return fmt.Errorf("type %s has no seq", name)
		}
		if err := validateSeq(name, t.Seq); err != nil {
			return err
		}
	}
	return nil
}

func validateSeq(owner string, seq []SeqItem) error {
	for i, item := range seq {
		if item.ID == "" && item.Type != "padding" && item.Type != "align" && item.Type != "pad-to" {
			return fmt.Errorf("%s: seq item %d has no id", owner, i)
		}
		if item.Type == "" && item.Contents == nil {
			return fmt.Errorf("%s: field %q has neither type nor contents", owner, item.ID)
		}
		switch item.Repeat {
		case "", "eos":
		case "expr":
			if item.RepeatExpr == "" {
				return fmt.Errorf("%s: field %q: repeat: expr needs repeat-expr", owner, item.ID)
			}
		case "until":
			if item.RepeatUntil == "" {
				return fmt.Errorf("%s: field %q: repeat: until needs repeat-until", owner, item.ID)
			}
		default:
			return fmt.Errorf("%s: field %q: unknown repeat mode %q", owner, item.ID, item.Repeat)
		}
	}
	return nil
}

// Compile turns the layout into a runnable descriptor tree rooted at a
// Sequence named meta.id. Named types are expanded inline; a type that
// references itself, directly or through other types, is rejected.
func (l *Layout) Compile() (Field, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	b := &layoutBuilder{layout: l, expanding: make(map[string]bool)}
	children, err := b.compileSeq(l.Seq)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", l.Meta.ID, err)
	}
	return NewSequence(l.Meta.ID, children...), nil
}

// CompileType compiles a named type from Types as the root descriptor,
// for decoding a fragment of the format on its own. An empty name (or the
// layout's own id) compiles the whole layout.
func (l *Layout) CompileType(name string) (Field, error) {
	if name == "" || name == l.Meta.ID {
		return l.Compile()
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	def, ok := l.Types[name]
	if !ok {
		return nil, fmt.Errorf("layout %s has no type %q", l.Meta.ID, name)
	}
	b := &layoutBuilder{layout: l, expanding: map[string]bool{name: true}}
	children, err := b.compileSeq(def.Seq)
	if err != nil {
		return nil, fmt.Errorf("type %q: %w", name, err)
	}
	return NewSequence(name, children...), nil
}

type layoutBuilder struct {
	layout    *Layout
	expanding map[string]bool // types on the current expansion path
}

func (b *layoutBuilder) compileSeq(seq []SeqItem) ([]Field, error) {
	fields := make([]Field, 0, len(seq))
	for i, item := range seq {
		f, err := b.compileItem(item, i)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func (b *layoutBuilder) compileItem(item SeqItem, idx int) (Field, error) {
	f, err := b.compileBase(item, idx)
	if err != nil {
		return nil, err
	}

	switch item.Repeat {
	case "eos":
		f = NewArrayToEnd(item.ID, f)
	case "expr":
		if n, convErr := strconv.Atoi(strings.TrimSpace(item.RepeatExpr)); convErr == nil {
			f = NewArray(item.ID, f, n)
		} else {
			arr, arrErr := NewArrayExpr(item.ID, f, item.RepeatExpr)
			if arrErr != nil {
				return nil, fmt.Errorf("field %q: %w", item.ID, arrErr)
			}
			f = arr
		}
	case "until":
		arr, arrErr := NewArrayUntil(item.ID, f, item.RepeatUntil)
		if arrErr != nil {
			return nil, fmt.Errorf("field %q: %w", item.ID, arrErr)
		}
		f = arr
	}

	if item.If != "" {
		cond, condErr := NewConditionalExpr(f, item.If)
		if condErr != nil {
			return nil, fmt.Errorf("field %q: %w", item.ID, condErr)
		}
		if item.Absent {
			cond.MarkAbsent()
		}
		f = cond
	}
	if item.Optional {
		opt := NewOptional(f)
		if item.Absent {
			opt.MarkAbsent()
		}
		f = opt
	}
	return f, nil
}

var bitTypeRe = regexp.MustCompile(`^b([1-9][0-9]?)$`)

func (b *layoutBuilder) compileBase(item SeqItem, idx int) (Field, error) {
	if item.Contents != nil {
		expected, err := contentsBytes(item.Contents)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", item.ID, err)
		}
		return NewMagic(item.ID, expected), nil
	}
	order := BigEndian
	if b.layout.Meta.Endian == "le" {
		order = LittleEndian
	}

	// Unsuffixed multi-byte widths follow meta.endian; be/le suffixes pin it.
	switch t := item.Type; t {
	case "u1":
		return U8(item.ID), nil
	case "u2":
		return U16(item.ID, order), nil
	case "u2be":
		return U16(item.ID, BigEndian), nil
	case "u2le":
		return U16(item.ID, LittleEndian), nil
	case "u4":
		return U32(item.ID, order), nil
	case "u4be":
		return U32(item.ID, BigEndian), nil
	case "u4le":
		return U32(item.ID, LittleEndian), nil
	case "u8":
		return U64(item.ID, order), nil
	case "u8be":
		return U64(item.ID, BigEndian), nil
	case "u8le":
		return U64(item.ID, LittleEndian), nil
	case "s1":
		return S8(item.ID), nil
	case "s2":
		return S16(item.ID, order), nil
	case "s2be":
		return S16(item.ID, BigEndian), nil
	case "s2le":
		return S16(item.ID, LittleEndian), nil
	case "s4":
		return S32(item.ID, order), nil
	case "s4be":
		return S32(item.ID, BigEndian), nil
	case "s4le":
		return S32(item.ID, LittleEndian), nil
	case "s8":
		return S64(item.ID, order), nil
	case "s8be":
		return S64(item.ID, BigEndian), nil
	case "s8le":
		return S64(item.ID, LittleEndian), nil
	case "f4":
		return NewFloat32(item.ID, order), nil
	case "f4be":
		return NewFloat32(item.ID, BigEndian), nil
	case "f4le":
		return NewFloat32(item.ID, LittleEndian), nil
	case "f8":
		return NewFloat64(item.ID, order), nil
	case "f8be":
		return NewFloat64(item.ID, BigEndian), nil
	case "f8le":
		return NewFloat64(item.ID, LittleEndian), nil
	case "flag":
		return NewFlag(item.ID), nil
	case "u", "s":
		// bare integer whose endianness follows meta.endian, sized in bytes
		n, err := fixedSize(item)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", item.ID, err)
		}
		if t == "u" {
			return NewUint(item.ID, int(n)*8, order)
		}
		return NewInt(item.ID, int(n)*8, order)
	case "bytes":
		return b.compileBytes(item)
	case "str":
		return b.compileText(item)
	case "padding":
		n, err := fixedSize(item)
		if err != nil {
			return nil, fmt.Errorf("padding item %d: %w", idx, err)
		}
		name := item.ID
		if name == "" {
			name = "padding"
		}
		return NewPadding(name, n*8)
	case "pad-to":
		n, ok := toInt64(item.Size)
		if !ok || n < 0 {
			return nil, fmt.Errorf("pad-to item %d: needs a non-negative byte offset, got %v", idx, item.Size)
		}
		name := item.ID
		if name == "" {
			name = "pad_to"
		}
		return NewPadTo(name, n)
	case "align":
		name := item.ID
		if name == "" {
			name = "align"
		}
		return NewAlign(name), nil
	case "remainder":
		return NewBytesRemaining(item.ID), nil
	}

	if m := bitTypeRe.FindStringSubmatch(item.Type); m != nil {
		bits, _ := strconv.Atoi(m[1])
		if bits == 1 {
			return NewFlag(item.ID), nil
		}
		return UBits(item.ID, bits)
	}

	if def, ok := b.layout.Types[item.Type]; ok {
		if b.expanding[item.Type] {
			return nil, fmt.Errorf("field %q: type %q references itself", item.ID, item.Type)
		}
		b.expanding[item.Type] = true
		children, err := b.compileSeq(def.Seq)
		b.expanding[item.Type] = false
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", item.Type, err)
		}
		// A sized type reference becomes a bounded chunk; unsized inlines as
		// a plain sequence.
		switch s := item.Size.(type) {
		case nil:
			return NewSequence(item.ID, children...), nil
		case int:
			return NewChunk(item.ID, s, children...), nil
		case string:
			if isIdentifier(s) {
				return NewChunkFrom(item.ID, s, children...), nil
			}
			chunk, chunkErr := NewChunkExpr(item.ID, s, children...)
			if chunkErr != nil {
				return nil, fmt.Errorf("field %q: %w", item.ID, chunkErr)
			}
			return chunk, nil
		default:
			return nil, fmt.Errorf("field %q: size must be an int, field name, or expression, got %T", item.ID, item.Size)
		}
	}

	return nil, fmt.Errorf("field %q: unknown type %q", item.ID, item.Type)
}

func (b *layoutBuilder) compileBytes(item SeqItem) (Field, error) {
	switch s := item.Size.(type) {
	case nil:
		return NewBytesRemaining(item.ID), nil
	case int:
		return NewBytes(item.ID, s), nil
	case string:
		if isIdentifier(s) {
			return NewBytesFrom(item.ID, s), nil
		}
		f, err := NewBytesExpr(item.ID, s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", item.ID, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("field %q: size must be an int, field name, or expression, got %T", item.ID, item.Size)
	}
}

func (b *layoutBuilder) compileText(item SeqItem) (Field, error) {
	enc := item.Encoding
	if enc == "" {
		enc = b.layout.Meta.Encoding
	}
	if enc == "" {
		enc = "UTF-8"
	}
	switch s := item.Size.(type) {
	case int:
		return NewText(item.ID, s, enc)
	case string:
		if isIdentifier(s) {
			return NewTextFrom(item.ID, s, enc)
		}
		return nil, fmt.Errorf("field %q: str size must be an int or field name, got expression %q", item.ID, s)
	default:
		return nil, fmt.Errorf("field %q: str needs a size", item.ID)
	}
}

// contentsBytes turns a YAML contents value into the expected constant: a
// string is taken as literal bytes, a list as individual byte values.
func contentsBytes(v any) ([]byte, error) {
	switch c := v.(type) {
	case string:
		return []byte(c), nil
	case []byte:
		return c, nil
	case []any:
		out := make([]byte, len(c))
		for i, item := range c {
			n, ok := toInt64(item)
			if !ok || n < 0 || n > 255 {
				return nil, fmt.Errorf("contents element %d is not a byte value: %v", i, item)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("contents must be a string or list of byte values, got %T", v)
	}
}

func fixedSize(item SeqItem) (int64, error) {
	n, ok := toInt64(item.Size)
	if !ok || n <= 0 {
		return 0, fmt.Errorf("needs a positive integer size, got %v", item.Size)
	}
	return n, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
