package layout

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine drives a layout descriptor in both directions: Decode walks the
// descriptor over a byte buffer and produces a Context, Encode walks the same
// descriptor over a Context and produces bytes. Decoding bytes and encoding
// the result reproduces the original bytes for any layout that covers its
// input.
//
// An Engine is immutable after construction and safe for concurrent use; each
// call gets its own cursor or writer.
type Engine struct {
	root   Field
	logger *slog.Logger
}

// NewEngine creates an engine for the given root descriptor. A nil logger
// falls back to slog.Default.
func NewEngine(root Field, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{root: root, logger: logger}
}

// Root returns the root descriptor.
func (e *Engine) Root() Field { return e.root }

// Decode parses data from bit 0. The returned context is the root field's
// result: for a combinator root, its nested entries; for a primitive root, a
// context holding the single decoded entry. Trailing data past what the root
// consumes is not an error; the root entry's Width says how much was read.
func (e *Engine) Decode(ctx context.Context, data []byte) (*Context, error) {
	return e.DecodeAt(ctx, data, 0)
}

// DecodeAt parses data starting at an arbitrary bit offset.
func (e *Engine) DecodeAt(ctx context.Context, data []byte, startBit int64) (*Context, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	cur, err := NewCursorAt(data, startBit)
	if err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "decoding layout",
		"root", e.root.Name(),
		"bytes", len(data),
		"start_bit", startBit)

	holder := NewContext("")
	entry, err := e.root.Decode(ctx, cur, holder)
	if err != nil {
		return nil, wrapPath(e.root.Name(), err)
	}
	e.logger.DebugContext(ctx, "decoded layout",
		"root", e.root.Name(),
		"bits_consumed", cur.Pos()-startBit)

	if entry != nil {
		if sub, ok := entry.AsContext(); ok {
			return sub, nil
		}
	}
	return holder, nil
}

// Encode serializes a context produced by Decode (or built with
// ContextFromMap) back into bytes. The context must be shaped like the root
// descriptor's output; mismatches surface as EncodeMismatchError with the
// offending field's path.
func (e *Engine) Encode(ctx context.Context, c *Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	e.logger.DebugContext(ctx, "encoding layout", "root", e.root.Name())

	w := NewBitWriter()
	scope := c
	if yieldsContext(e.root) && !isWrapped(c, e.root.Name()) {
		// Decode returns the root combinator's inner context; re-wrap it so
		// the root descriptor finds itself by name.
		scope = singletonView(e.root.Name(), &Entry{Name: e.root.Name(), Value: c}, nil)
	}
	if err := e.root.Encode(ctx, w, scope); err != nil {
		return nil, wrapPath(e.root.Name(), err)
	}
	e.logger.DebugContext(ctx, "encoded layout",
		"root", e.root.Name(),
		"bits_written", w.BitLen())
	return w.Bytes(), nil
}

// yieldsContext reports whether the descriptor's decode result is a nested
// context, i.e. whether Decode handed back the inner context instead of the
// holder. Primitive roots keep their single entry in the holder.
func yieldsContext(f Field) bool {
	switch v := f.(type) {
	case *Sequence, *Array, *Chunk:
		return true
	case *Conditional:
		return yieldsContext(v.child)
	case *Optional:
		return yieldsContext(v.child)
	}
	return false
}

// isWrapped reports whether c already holds the root's result under the
// root's name. A child field that merely shares the root's name does not
// count: its value is a scalar, not a nested context.
func isWrapped(c *Context, rootName string) bool {
	e, ok := c.Get(rootName)
	if !ok {
		return false
	}
	_, isCtx := e.AsContext()
	return isCtx
}

// EncodeMap serializes plain Go values (typically unmarshalled JSON or YAML)
// by first shaping them into a context tree.
func (e *Engine) EncodeMap(ctx context.Context, values map[string]any) ([]byte, error) {
	return e.Encode(ctx, ContextFromMap(e.root.Name(), values))
}

// ContextFromMap builds a context tree from plain Go values, the inverse of
// Context.ToMap: map[string]any becomes a struct context, []any a list
// context, nil an Absent marker. Provenance offsets are zero since the values
// did not come from a decode pass.
func ContextFromMap(name string, values map[string]any) *Context {
	c := NewContext(name)
	for k, v := range values {
		c.Put(k, fromPlain(k, v), 0, 0, nil)
	}
	return c
}

func fromPlain(name string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ContextFromMap(name, val)
	case []any:
		list := &Context{name: name, list: true, index: make(map[string]int)}
		for _, item := range val {
			list.Put("", fromPlain(name, item), 0, 0, nil)
		}
		return list
	case nil:
		return Absent
	default:
		return v
	}
}

// RoundTrip decodes data and immediately re-encodes the result, returning
// both. Useful as a self-check that a layout fully covers its input: when
// the re-encoded bytes differ from the originals the layout is lossy.
func (e *Engine) RoundTrip(ctx context.Context, data []byte) (*Context, []byte, error) {
	c, err := e.Decode(ctx, data)
	if err != nil {
		return nil, nil, fmt.Errorf("round trip decode: %w", err)
	}
	out, err := e.Encode(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("round trip encode: %w", err)
	}
	return c, out, nil
}
