package silentpayments

import "errors"

var (
	// ErrInvalidTweak is returned for a tweak entry whose point is not on
	// the curve, or whose shared secret leads to an invalid scalar or the
	// point at infinity. Only the offending entry is skipped.
	ErrInvalidTweak = errors.New("invalid tweak")

	// ErrInvalidKeys is returned when the scan or spend key is missing.
	ErrInvalidKeys = errors.New("invalid silent payment keys")

	// ErrUnknownBlock is returned when tweak data references a block that
	// is not on the active header chain at the claimed height.
	ErrUnknownBlock = errors.New("tweak data for unknown block")

	// ErrTweakConflict is returned when different tweak data is stored for
	// a block that already has some.
	ErrTweakConflict = errors.New("conflicting tweak data")

	// ErrTweakNotFound is returned when no tweak data is stored at a
	// height.
	ErrTweakNotFound = errors.New("tweak data not found")
)
