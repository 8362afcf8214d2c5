package layout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/expr-lang/expr/vm"
)

// --- Sequence ---

// Sequence decodes an ordered list of named children into a nested context.
// It is all-or-nothing: a child failure discards the whole sequence and
// propagates with the child's name prepended to the error path.
type Sequence struct {
	name     string
	children []Field
}

func NewSequence(name string, children ...Field) *Sequence {
	return &Sequence{name: name, children: children}
}

func (s *Sequence) Name() string { return s.name }

// Children returns the child descriptors in declared order.
func (s *Sequence) Children() []Field { return s.children }

func (s *Sequence) Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	start := cur.Pos()
	sub := scope.child(s.name, false)
	for _, child := range s.children {
		if _, err := child.Decode(ctx, cur, sub); err != nil {
			return nil, wrapPath(child.Name(), err)
		}
	}
	return scope.Put(s.name, sub, start, cur.Pos()-start, s), nil
}

func (s *Sequence) Encode(ctx context.Context, w *BitWriter, scope *Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e, ok := scope.Get(s.name)
	if !ok {
		return &EncodeMismatchError{Field: s.name, Reason: "missing context entry"}
	}
	sub, ok := e.AsContext()
	if !ok {
		return &EncodeMismatchError{Field: s.name, Reason: fmt.Sprintf("value %T is not a nested context", e.Value)}
	}
	for _, child := range s.children {
		if err := child.Encode(ctx, w, sub); err != nil {
			return wrapPath(child.Name(), err)
		}
	}
	return nil
}

// --- Array ---

type countMode int

const (
	countFixed countMode = iota
	countFrom
	countExpr
	countToEnd
	countUntil
)

// Array repeats a child descriptor, producing a list-shaped context keyed by
// decimal index in decode order. The repeat count is fixed, read from a
// previously decoded field, computed by an expression, "until the data runs
// out", or "until a stop expression over the last element is true".
type Array struct {
	name      string
	elem      Field
	mode      countMode
	fixed     int64
	from      string
	countProg *vm.Program
	untilProg *vm.Program
}

func NewArray(name string, elem Field, count int) *Array {
	return &Array{name: name, elem: elem, mode: countFixed, fixed: int64(count)}
}

// NewArrayFrom repeats as many times as a previously decoded integer field
// says, resolved through the enclosing scopes.
func NewArrayFrom(name string, elem Field, countField string) *Array {
	return &Array{name: name, elem: elem, mode: countFrom, from: countField}
}

// NewArrayExpr computes the repeat count from an expression over already
// decoded values.
func NewArrayExpr(name string, elem Field, countExprSrc string) (*Array, error) {
	program, err := defaultExprPool.Get(countExprSrc)
	if err != nil {
		return nil, err
	}
	return &Array{name: name, elem: elem, mode: countExpr, countProg: program}, nil
}

// NewArrayToEnd repeats until the bounded region runs out of data. An
// element that fails with OutOfData is rolled back and the loop stops, so a
// trailing partial element is left unconsumed rather than failing the parse.
func NewArrayToEnd(name string, elem Field) *Array {
	return &Array{name: name, elem: elem, mode: countToEnd}
}

// NewArrayUntil repeats until the stop expression is true. The expression
// sees the usual scope plus the just-decoded element as "last"; the element
// that satisfies it is kept.
func NewArrayUntil(name string, elem Field, stopExprSrc string) (*Array, error) {
	program, err := defaultExprPool.Get(stopExprSrc)
	if err != nil {
		return nil, err
	}
	return &Array{name: name, elem: elem, mode: countUntil, untilProg: program}, nil
}

func (a *Array) Name() string { return a.name }

// Elem returns the repeated child descriptor.
func (a *Array) Elem() Field { return a.elem }

func (a *Array) Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	start := cur.Pos()
	list := scope.child(a.name, true)

	var count int64 = -1
	switch a.mode {
	case countFixed:
		count = a.fixed
	case countFrom:
		e, ok := scope.Lookup(a.from)
		if !ok {
			return nil, fmt.Errorf("count field %q for %q not decoded yet", a.from, a.name)
		}
		n, okNum := toInt64(e.Value)
		if !okNum || n < 0 {
			return nil, fmt.Errorf("count field %q for %q is not a non-negative integer: %v", a.from, a.name, e.Value)
		}
		count = n
	case countExpr:
		out, err := defaultExprPool.Eval(a.countProg, exprEnv(scope, cur, nil))
		if err != nil {
			return nil, fmt.Errorf("count expression for %q: %w", a.name, err)
		}
		n, okNum := toInt64(out)
		if !okNum || n < 0 {
			return nil, fmt.Errorf("count expression for %q is not a non-negative integer: %v (%T)", a.name, out, out)
		}
		count = n
	}

	for i := int64(0); ; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if count >= 0 && i >= count {
			break
		}
		if a.mode == countToEnd {
			if cur.RemainingBits() == 0 {
				break
			}
			cp := cur.Checkpoint()
			before := cur.Pos()
			if _, err := a.elem.Decode(ctx, cur, list); err != nil {
				if errors.Is(err, ErrOutOfData) {
					cur.Restore(cp)
					break
				}
				return nil, wrapPath(strconv.FormatInt(i, 10), err)
			}
			// An element that consumed nothing (a skipped conditional, an
			// already-aligned align) would repeat forever; stop after one.
			if cur.Pos() == before {
				break
			}
			continue
		}
		entry, err := a.elem.Decode(ctx, cur, list)
		if err != nil {
			return nil, wrapPath(strconv.FormatInt(i, 10), err)
		}
		if a.mode == countUntil {
			env := exprEnv(scope, cur, map[string]any{"last": flattenValue(entry.Value)})
			out, err := defaultExprPool.Eval(a.untilProg, env)
			if err != nil {
				return nil, fmt.Errorf("stop expression for %q: %w", a.name, err)
			}
			if isTrue(out) {
				break
			}
		}
	}

	return scope.Put(a.name, list, start, cur.Pos()-start, a), nil
}

func (a *Array) Encode(ctx context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(a.name)
	if !ok {
		return &EncodeMismatchError{Field: a.name, Reason: "missing context entry"}
	}
	list, ok := e.AsContext()
	if !ok {
		return &EncodeMismatchError{Field: a.name, Reason: fmt.Sprintf("value %T is not a list context", e.Value)}
	}
	if a.mode == countFixed && int64(list.Len()) != a.fixed {
		return &EncodeMismatchError{Field: a.name, Reason: fmt.Sprintf("got %d elements, field declares %d", list.Len(), a.fixed)}
	}
	for i, elem := range list.Entries() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		view := singletonView(a.elem.Name(), elem, scope)
		if err := a.elem.Encode(ctx, w, view); err != nil {
			return wrapPath(strconv.Itoa(i), err)
		}
	}
	return nil
}

// --- Conditional / Optional ---

// Predicate decides a conditional field's presence from already-decoded
// values and the cursor state.
type Predicate func(scope *Context, cur *Cursor) (bool, error)

// FieldEquals is a predicate that is true when a previously decoded field
// equals want (numeric comparison when both sides are numeric).
func FieldEquals(fieldName string, want any) Predicate {
	return func(scope *Context, _ *Cursor) (bool, error) {
		e, ok := scope.Lookup(fieldName)
		if !ok {
			return false, fmt.Errorf("predicate field %q not decoded yet", fieldName)
		}
		if a, okA := toInt64(e.Value); okA {
			if b, okB := toInt64(want); okB {
				return a == b, nil
			}
		}
		return e.Value == want, nil
	}
}

// RemainingAtLeast is a predicate that is true while at least n bits remain.
func RemainingAtLeast(bits int64) Predicate {
	return func(_ *Context, cur *Cursor) (bool, error) {
		return cur.RemainingBits() >= bits, nil
	}
}

// Conditional gates its child on a presence predicate. When the predicate is
// false the child is skipped without moving the cursor; by default no entry
// is recorded, or an explicit Absent marker with MarkAbsent. A true
// predicate means the child must decode: its failure propagates.
type Conditional struct {
	child      Field
	pred       Predicate
	program    *vm.Program
	markAbsent bool
}

func NewConditional(child Field, pred Predicate) *Conditional {
	return &Conditional{child: child, pred: pred}
}

// NewConditionalExpr gates the child on an expression over already decoded
// values and remaining().
func NewConditionalExpr(child Field, predExprSrc string) (*Conditional, error) {
	program, err := defaultExprPool.Get(predExprSrc)
	if err != nil {
		return nil, err
	}
	return &Conditional{child: child, program: program}, nil
}

// MarkAbsent makes a skipped child leave an explicit Absent entry instead of
// no entry at all.
func (c *Conditional) MarkAbsent() *Conditional {
	c.markAbsent = true
	return c
}

func (c *Conditional) Name() string { return c.child.Name() }

// Child returns the gated descriptor.
func (c *Conditional) Child() Field { return c.child }

func (c *Conditional) present(scope *Context, cur *Cursor) (bool, error) {
	if c.pred != nil {
		return c.pred(scope, cur)
	}
	out, err := defaultExprPool.Eval(c.program, exprEnv(scope, cur, nil))
	if err != nil {
		return false, fmt.Errorf("presence expression for %q: %w", c.Name(), err)
	}
	return isTrue(out), nil
}

func (c *Conditional) Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	ok, err := c.present(scope, cur)
	if err != nil {
		return nil, err
	}
	if !ok {
		if c.markAbsent {
			return scope.Put(c.Name(), Absent, cur.Pos(), 0, c), nil
		}
		return nil, nil
	}
	return c.child.Decode(ctx, cur, scope)
}

func (c *Conditional) Encode(ctx context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(c.Name())
	if !ok {
		return nil // absent on decode, absent on encode
	}
	if _, absent := e.Value.(absentValue); absent {
		return nil
	}
	return c.child.Encode(ctx, w, scope)
}

// Optional speculatively decodes its child: on OutOfData or a validation
// mismatch the cursor is rolled back to the checkpoint and the child is
// treated as absent. This is the one place those errors are caught rather
// than propagated; any other failure still surfaces.
type Optional struct {
	child      Field
	markAbsent bool
}

func NewOptional(child Field) *Optional { return &Optional{child: child} }

// MarkAbsent makes a failed probe leave an explicit Absent entry.
func (o *Optional) MarkAbsent() *Optional {
	o.markAbsent = true
	return o
}

func (o *Optional) Name() string { return o.child.Name() }

// Child returns the probed descriptor.
func (o *Optional) Child() Field { return o.child }

func (o *Optional) Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	cp := cur.Checkpoint()
	entry, err := o.child.Decode(ctx, cur, scope)
	if err != nil {
		if errors.Is(err, ErrOutOfData) || errors.Is(err, ErrValidation) {
			cur.Restore(cp)
			if o.markAbsent {
				return scope.Put(o.Name(), Absent, cur.Pos(), 0, o), nil
			}
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (o *Optional) Encode(ctx context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(o.Name())
	if !ok {
		return nil
	}
	if _, absent := e.Value.(absentValue); absent {
		return nil
	}
	return o.child.Encode(ctx, w, scope)
}

// --- Chunk ---

// Chunk bounds its children to a declared byte length. Children that stop
// short of the boundary leave trailing reserved bytes, which are preserved
// under a "reserved" entry and skipped; children that try to read past the
// boundary fail with a BoundsError. After a successful decode the cursor sits
// exactly at chunk start plus the declared length.
type Chunk struct {
	name     string
	length   lengthSpec
	children []Field
}

func NewChunk(name string, byteLen int, children ...Field) *Chunk {
	return &Chunk{name: name, length: lengthSpec{mode: lengthFixed, fixed: int64(byteLen)}, children: children}
}

// NewChunkFrom takes the chunk's byte length from a previously decoded
// integer field.
func NewChunkFrom(name, lengthField string, children ...Field) *Chunk {
	return &Chunk{name: name, length: lengthSpec{mode: lengthFrom, from: lengthField}, children: children}
}

// NewChunkExpr computes the chunk's byte length from an expression.
func NewChunkExpr(name, lengthExprSrc string, children ...Field) (*Chunk, error) {
	program, err := defaultExprPool.Get(lengthExprSrc)
	if err != nil {
		return nil, err
	}
	return &Chunk{name: name, length: lengthSpec{mode: lengthExpr, program: program}, children: children}, nil
}

func (ch *Chunk) Name() string { return ch.name }

// Children returns the child descriptors in declared order.
func (ch *Chunk) Children() []Field { return ch.children }

func (ch *Chunk) Decode(ctx context.Context, cur *Cursor, scope *Context) (*Entry, error) {
	n, err := ch.length.resolve(ch.name, scope, cur)
	if err != nil {
		return nil, err
	}
	declared := n * 8
	start := cur.Pos()
	if declared > cur.RemainingBits() {
		return nil, &OutOfDataError{Offset: start, Requested: declared, Remaining: cur.RemainingBits()}
	}
	prev, err := cur.PushLimit(start + declared)
	if err != nil {
		return nil, err
	}
	sub := scope.child(ch.name, false)
	for _, child := range ch.children {
		select {
		case <-ctx.Done():
			cur.PopLimit(prev)
			return nil, ctx.Err()
		default:
		}
		if _, err := child.Decode(ctx, cur, sub); err != nil {
			cur.PopLimit(prev)
			if errors.Is(err, ErrOutOfData) {
				return nil, wrapPath(child.Name(), &BoundsError{Field: ch.name, Offset: start, DeclaredBits: declared, ConsumedBits: cur.Pos() - start})
			}
			return nil, wrapPath(child.Name(), err)
		}
	}
	if left := start + declared - cur.Pos(); left > 0 {
		resStart := cur.Pos()
		raw, err := readRaw(cur, left)
		if err != nil {
			cur.PopLimit(prev)
			return nil, err
		}
		sub.Put("reserved", raw, resStart, left, nil)
	}
	cur.PopLimit(prev)
	return scope.Put(ch.name, sub, start, declared, ch), nil
}

func (ch *Chunk) Encode(ctx context.Context, w *BitWriter, scope *Context) error {
	e, ok := scope.Get(ch.name)
	if !ok {
		return &EncodeMismatchError{Field: ch.name, Reason: "missing context entry"}
	}
	sub, ok := e.AsContext()
	if !ok {
		return &EncodeMismatchError{Field: ch.name, Reason: fmt.Sprintf("value %T is not a nested context", e.Value)}
	}
	n, err := ch.length.resolve(ch.name, scope, nil)
	if err != nil {
		return err
	}
	declared := n * 8
	start := w.BitLen()
	for _, child := range ch.children {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := child.Encode(ctx, w, sub); err != nil {
			return wrapPath(child.Name(), err)
		}
	}
	consumed := w.BitLen() - start
	if consumed > declared {
		return &BoundsError{Field: ch.name, Offset: start, DeclaredBits: declared, ConsumedBits: consumed}
	}
	if left := declared - consumed; left > 0 {
		if res, found := sub.Get("reserved"); found {
			if raw, okBytes := toBytes(res.Value); okBytes && int64(len(raw))*8 >= left {
				return writeRaw(w, raw, left)
			}
		}
		return writeZeroBits(w, left)
	}
	return nil
}
