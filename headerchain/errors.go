package headerchain

import "errors"

var (
	// ErrInvalidHeader is returned when a header's claimed hash does not
	// match its contents, or when a batch is not contiguous or not linked
	// internally. It signals corrupt data and must not be retried.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrInsufficientWork is returned when a header's hash does not meet
	// the target encoded in its bits, or the target is above the network's
	// proof of work limit.
	ErrInsufficientWork = errors.New("insufficient proof of work")

	// ErrDisconnected is returned when the first new header of a batch
	// does not link to any known header. The caller should fetch the
	// missing range first and try again.
	ErrDisconnected = errors.New("header does not connect to chain")

	// ErrUnknownHeight is returned by reads for a height outside of the
	// active branch.
	ErrUnknownHeight = errors.New("height not in active chain")

	// ErrUnknownHash is returned by reads for a hash not on the active
	// branch.
	ErrUnknownHash = errors.New("hash not in active chain")
)
