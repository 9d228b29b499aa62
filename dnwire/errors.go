package dnwire

import (
	"errors"
	"fmt"
	"io"
)

// ErrorKind classifies why a buffer failed to decode.
type ErrorKind uint8

const (
	// Truncated means the buffer ended before a length prefix or a fixed
	// size field could be satisfied.
	Truncated ErrorKind = iota + 1

	// InvalidField means a field was present but held a value the format
	// does not allow, e.g. a non-canonical varint or an oversized count.
	InvalidField

	// ChecksumMismatch means the trailing batch checksum did not commit to
	// the batch body.
	ChecksumMismatch
)

// String returns a human readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case InvalidField:
		return "invalid field"
	case ChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

var (
	// ErrTruncated matches any DecodeError of kind Truncated when used
	// with errors.Is.
	ErrTruncated = &DecodeError{Kind: Truncated}

	// ErrInvalidField matches any DecodeError of kind InvalidField when
	// used with errors.Is.
	ErrInvalidField = &DecodeError{Kind: InvalidField}

	// ErrChecksumMismatch matches any DecodeError of kind
	// ChecksumMismatch when used with errors.Is.
	ErrChecksumMismatch = &DecodeError{Kind: ChecksumMismatch}
)

// DecodeError is returned by every decoder in this package. A decoder that
// returns a DecodeError never returns partially decoded values.
type DecodeError struct {
	// Kind is the failure class.
	Kind ErrorKind

	// Field names the element that failed to decode.
	Field string

	// Err is the underlying cause, if any.
	Err error
}

// Error returns a human readable description of the decode failure.
func (e *DecodeError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("decode error: %v", e.Kind)

	case e.Err == nil:
		return fmt.Sprintf("decode error: %v: %s", e.Kind, e.Field)

	default:
		return fmt.Sprintf("decode error: %v: %s: %v", e.Kind, e.Field,
			e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is one of the kind sentinels of this package
// (or an identical DecodeError).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}

	if t.Field == "" && t.Err == nil {
		return t.Kind == e.Kind
	}

	return t.Kind == e.Kind && t.Field == e.Field && t.Err == e.Err
}

func truncated(field string) *DecodeError {
	return &DecodeError{Kind: Truncated, Field: field}
}

func invalidField(field string, format string,
	args ...interface{}) *DecodeError {

	return &DecodeError{
		Kind:  InvalidField,
		Field: field,
		Err:   fmt.Errorf(format, args...),
	}
}

// classify maps an error returned while reading from a buffer onto a
// DecodeError. Anything that is not a short read, such as a non-canonical
// varint reported as a wire.MessageError, is an invalid field.
func classify(field string, err error) *DecodeError {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Kind: Truncated, Field: field, Err: err}
	}

	return &DecodeError{Kind: InvalidField, Field: field, Err: err}
}
