package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/sirupsen/logrus"
)

// rsaPublicKeyPrefix is the ASN.1 SEQUENCE (len = 0x04 + 0x010a) that
// opens the PKCS#1 RSAPublicKey inside a client certificate.
//
// The certificates issued for these devices have an empty subject and
// no subjectAltName, which RFC 5280 section 4.2.1.6 forbids, so a
// conforming X.509 parser rejects them. Scanning for the key material
// directly sidesteps the broken outer structure.
var rsaPublicKeyPrefix = []byte{0x30, 0x82, 0x01, 0x0a}

// findRSAPublicKey locates the 270-byte PKCS#1 RSAPublicKey region in
// a certificate blob. Fails with ErrNoKey when the prefix is absent or
// truncated.
func findRSAPublicKey(cert []byte) ([]byte, error) {
	index := bytes.Index(cert, rsaPublicKeyPrefix)
	if index < 0 || index+rsaPublicKeyLen > len(cert) {
		return nil, ErrNoKey
	}
	return cert[index : index+rsaPublicKeyLen], nil
}

// extractRSAPublicKey locates and parses the client's RSA public key in
// a certificate blob.
func extractRSAPublicKey(cert []byte) (*rsa.PublicKey, error) {
	keyDER, err := findRSAPublicKey(cert)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKCS1PublicKey(keyDER)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "extractRSAPublicKey",
			"error":    err.Error(),
		}).Error("Public key parse failed")
		return nil, fmt.Errorf("parse client key: %w", ErrNoKey)
	}

	return key, nil
}

// encryptPreMaster wraps the pre-master secret under the client's key
// with RSA PKCS#1 v1.5, yielding the fixed 256-byte ciphertext.
func encryptPreMaster(key *rsa.PublicKey, preMaster []byte) ([]byte, error) {
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, key, preMaster)
	if err != nil {
		return nil, fmt.Errorf("encrypt pre-master secret: %w", err)
	}

	if len(encrypted) != encryptedPreMasterLen {
		return nil, fmt.Errorf("ciphertext of %d bytes: %w", len(encrypted), ErrProtocol)
	}

	return encrypted, nil
}
