package gip

import "errors"

// Sentinel errors for bus operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrChunkOverflow indicates a chunk that falls outside the declared
	// total of a chunked transfer.
	ErrChunkOverflow = errors.New("chunk exceeds declared transfer length")

	// ErrMalformedIdentify indicates an identify table whose region falls
	// outside the payload.
	ErrMalformedIdentify = errors.New("malformed identify payload")

	// ErrProtocol indicates a packet that violates the expected exchange
	// (wrong state, wrong size, unexpected subcommand).
	ErrProtocol = errors.New("protocol violation")

	// ErrAdapterClosed indicates an operation on a closed adapter.
	ErrAdapterClosed = errors.New("adapter closed")

	// ErrDriverConflict indicates a driver registration with a class
	// string that is already claimed.
	ErrDriverConflict = errors.New("driver class already registered")
)
