package chainsync

import (
	"errors"
	"fmt"
)

// StreamKind names the kind of data a request fetched.
type StreamKind uint8

const (
	// StreamStatus is the server status request.
	StreamStatus StreamKind = iota

	// StreamHeaders is the block header stream.
	StreamHeaders

	// StreamFilters is the compact filter stream.
	StreamFilters

	// StreamTweaks is the silent payment tweak stream.
	StreamTweaks

	// StreamBlocks is the full block download of watch set matching.
	StreamBlocks
)

// String returns the name of the stream.
func (s StreamKind) String() string {
	switch s {
	case StreamStatus:
		return "status"
	case StreamHeaders:
		return "headers"
	case StreamFilters:
		return "filters"
	case StreamTweaks:
		return "tweaks"
	case StreamBlocks:
		return "blocks"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a SyncError.
type ErrorKind uint8

const (
	// Exhausted means a batch kept failing until its retries ran out.
	// Only the stream the batch belongs to halts.
	Exhausted ErrorKind = iota + 1

	// Invalid means the server returned data that failed validation.
	// Every stream halts.
	Invalid
)

// String returns a human readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case Exhausted:
		return "exhausted"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	// ErrExhausted matches any SyncError of kind Exhausted when used
	// with errors.Is.
	ErrExhausted = &SyncError{Kind: Exhausted}

	// ErrInvalid matches any SyncError of kind Invalid when used with
	// errors.Is.
	ErrInvalid = &SyncError{Kind: Invalid}

	// ErrGenesisMismatch is returned when the server follows another
	// network than the engine is configured for.
	ErrGenesisMismatch = errors.New("server genesis hash mismatch")

	// ErrFilterHeaderMismatch is returned when the computed filter header
	// chain disagrees with the one the server advertises.
	ErrFilterHeaderMismatch = errors.New("filter header mismatch")

	// ErrBlockMismatch is returned when a downloaded block does not match
	// its header or the tweak data of the block.
	ErrBlockMismatch = errors.New("block does not match header")

	// errEmptyBatch is a transient failure for a response without a
	// single item.
	errEmptyBatch = errors.New("empty batch")

	// errUnexpectedStart is a transient failure for a response that does
	// not start at the requested height.
	errUnexpectedStart = errors.New("batch starts at unexpected height")

	// errNoProgress is returned when the server keeps serving headers
	// the chain already has without ever extending the active branch.
	errNoProgress = errors.New("server chain does not extend active tip")
)

// HeightRange is an inclusive range of block heights.
type HeightRange struct {
	Start uint32
	End   uint32
}

// String returns the range in interval notation.
func (r HeightRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// SyncError is returned by the engine for failures that stop a stream.
type SyncError struct {
	// Kind is the failure class.
	Kind ErrorKind

	// Stream is the stream that failed.
	Stream StreamKind

	// Range is the height range of the batch that failed.
	Range HeightRange

	// Err is the last underlying failure.
	Err error
}

// Error returns a human readable description of the failure.
func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v %v %v", e.Stream, e.Kind, e.Range)
	}

	return fmt.Sprintf("%v %v %v: %v", e.Stream, e.Kind, e.Range, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is one of the kind sentinels of this package.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok || t.Err != nil || t.Range != (HeightRange{}) {
		return false
	}

	return t.Kind == e.Kind
}

func invalid(stream StreamKind, r HeightRange, err error) *SyncError {
	return &SyncError{Kind: Invalid, Stream: stream, Range: r, Err: err}
}

// haltsAll reports whether err must stop every stream.
func haltsAll(err error) bool {
	return errors.Is(err, ErrInvalid)
}
