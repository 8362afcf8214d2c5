package layout

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks. The concrete error types below carry
// the offset and size detail; they all match their sentinel.
var (
	ErrOutOfData      = errors.New("out of data")
	ErrValidation     = errors.New("validation failed")
	ErrBounds         = errors.New("chunk bounds exceeded")
	ErrEncodeMismatch = errors.New("encode mismatch")
)

// OutOfDataError is returned when a read requests more bits than remain in
// the bounded region the cursor is operating over.
type OutOfDataError struct {
	Offset    int64 // bit offset at which the read was attempted
	Requested int64 // bits requested
	Remaining int64 // bits left before the limit
}

func (e *OutOfDataError) Error() string {
	return fmt.Sprintf("out of data at bit %d: requested %d bits, %d remaining", e.Offset, e.Requested, e.Remaining)
}

func (e *OutOfDataError) Is(target error) bool { return target == ErrOutOfData }

// ValidationError is returned when a decoded value fails an explicit
// constraint, e.g. a magic constant mismatch.
type ValidationError struct {
	Field    string
	Offset   int64 // bit offset of the offending value
	Expected any
	Actual   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q at bit %d: expected %v, got %v", e.Field, e.Offset, e.Expected, e.Actual)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// BoundsError is returned when a chunk's children consume more bits than the
// chunk declared.
type BoundsError struct {
	Field        string
	Offset       int64 // bit offset of the chunk start
	DeclaredBits int64
	ConsumedBits int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("chunk %q at bit %d overran its declared length: %d bits declared, children wanted more than %d", e.Field, e.Offset, e.DeclaredBits, e.ConsumedBits)
}

func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

// EncodeMismatchError is returned when a context handed to encode is missing
// a required entry, or a value does not fit the field's declared shape.
type EncodeMismatchError struct {
	Field  string
	Reason string
}

func (e *EncodeMismatchError) Error() string {
	return fmt.Sprintf("cannot encode %q: %s", e.Field, e.Reason)
}

func (e *EncodeMismatchError) Is(target error) bool { return target == ErrEncodeMismatch }

// PathError carries the field-name path from the root descriptor to the
// point of failure. Combinators prepend their segment as the error bubbles
// up, so the engine surfaces errors like "header.items.3: out of data".
type PathError struct {
	Path []string
	Err  error
}

func (e *PathError) Error() string {
	return strings.Join(e.Path, ".") + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// wrapPath prepends a path segment, creating the PathError on first wrap.
func wrapPath(segment string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return &PathError{Path: append([]string{segment}, pe.Path...), Err: pe.Err}
	}
	return &PathError{Path: []string{segment}, Err: err}
}
