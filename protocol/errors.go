package protocol

import "errors"

// Sentinel errors for packet decoding.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMalformedHeader indicates a truncated header or an oversized varint.
	ErrMalformedHeader = errors.New("malformed packet header")

	// ErrShortBody indicates the buffer ends before the declared payload.
	ErrShortBody = errors.New("packet body shorter than declared length")

	// ErrUnsupportedFormat indicates an unknown audio format code.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)
