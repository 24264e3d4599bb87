package auth

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// computeECDH generates a fresh P-256 keypair, derives the shared
// secret against the client's raw 64-byte public key, and returns the
// host's raw public key alongside the SHA-256 of the shared X
// coordinate.
func computeECDH(clientPubkey []byte) (hostPubkey []byte, secretHash [sha256.Size]byte, err error) {
	if len(clientPubkey) != ecdhPublicKeyLen {
		return nil, secretHash, fmt.Errorf("client key of %d bytes: %w", len(clientPubkey), ErrProtocol)
	}

	curve := ecdh.P256()

	private, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, secretHash, fmt.Errorf("generate keypair: %w", err)
	}

	// raw coordinates on the wire; uncompressed-point marker only in
	// the stdlib representation
	peer, err := curve.NewPublicKey(append([]byte{0x04}, clientPubkey...))
	if err != nil {
		return nil, secretHash, fmt.Errorf("client public key: %w", ErrProtocol)
	}

	shared, err := private.ECDH(peer)
	if err != nil {
		return nil, secretHash, fmt.Errorf("compute shared secret: %w", err)
	}

	return private.PublicKey().Bytes()[1:], sha256.Sum256(shared), nil
}
