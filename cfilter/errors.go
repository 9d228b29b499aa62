package cfilter

import "errors"

var (
	// ErrUnknownBlock is returned when a filter references a block that
	// is not on the active header chain at the claimed height.
	ErrUnknownBlock = errors.New("filter for unknown block")

	// ErrInvalidFilter is returned when filter data does not parse as a
	// BIP-158 basic filter.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrFilterConflict is returned when a different filter is stored for
	// a block that already has one.
	ErrFilterConflict = errors.New("conflicting filter")

	// ErrFilterNotFound is returned when no filter is stored at a height.
	ErrFilterNotFound = errors.New("filter not found")
)
