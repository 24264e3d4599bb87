package transport

import "errors"

// Sentinel errors for transport operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoSpace indicates no transmit buffer is currently available.
	ErrNoSpace = errors.New("no transmit buffer available")

	// ErrIO indicates the underlying driver rejected a submission.
	ErrIO = errors.New("transport I/O error")

	// ErrUnsupported indicates the transport lacks the capability.
	ErrUnsupported = errors.New("operation not supported by transport")
)
