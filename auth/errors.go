package auth

import "errors"

// Sentinel errors for handshake processing.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrNoKey indicates no RSA public key was found in the client
	// certificate.
	ErrNoKey = errors.New("no public key in client certificate")

	// ErrTranscriptMismatch indicates the client's Finished value does
	// not match the recomputed transcript PRF.
	ErrTranscriptMismatch = errors.New("handshake transcript mismatch")

	// ErrProtocol indicates a malformed, wrong-size or out-of-order
	// handshake packet. The client is left unauthenticated.
	ErrProtocol = errors.New("handshake protocol violation")

	// ErrPeer indicates the client reported an error code on a
	// handshake header.
	ErrPeer = errors.New("client reported handshake error")
)
