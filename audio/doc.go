// Package audio provides the audio plumbing for GIP clients.
//
// Accessories stream raw 16-bit PCM in 8 ms fragments in both
// directions. This package derives per-direction configurations from
// negotiated format codes, buffers outbound PCM in a ring, and drives
// the 8 ms transmit timer that hands fragments to the bus.
//
// The transmit pipeline:
//
//	PCM Ring → 8 ms timer → fragment copy → GIP audio packets → transport
package audio
