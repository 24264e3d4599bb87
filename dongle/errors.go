package dongle

import "errors"

// Sentinel errors for dongle operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoWCID indicates all sixteen wireless client slots are taken.
	ErrNoWCID = errors.New("no free wireless client id")

	// ErrMalformedFrame indicates a radio message too short for its
	// declared structure.
	ErrMalformedFrame = errors.New("malformed radio frame")

	// ErrClosed indicates an operation on a closed dongle.
	ErrClosed = errors.New("dongle closed")
)
