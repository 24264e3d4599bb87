package auth

import (
	"crypto/hmac"
	"crypto/sha256"
)

// prf is the TLS 1.2 P_SHA256 pseudo-random function:
//
//	A(0) = HMAC(key, label || seed)
//	A(i) = HMAC(key, A(i-1))
//	out  = HMAC(key, A(0) || label || seed) || HMAC(key, A(1) || ...) ...
//
// truncated to length bytes.
func prf(key []byte, label string, seed []byte, length int) []byte {
	a := hmacSHA256(key, []byte(label), seed)

	out := make([]byte, 0, length+sha256.Size)
	for len(out) < length {
		out = append(out, hmacSHA256(key, a, []byte(label), seed)...)
		a = hmacSHA256(key, a)
	}

	return out[:length]
}

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, part := range parts {
		mac.Write(part)
	}
	return mac.Sum(nil)
}
