package identity

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// EnsureIdentity loads the stored identity, generating one on first run.
func EnsureIdentity(store KeyStore) (*Identity, error) {
	id, err := store.LoadIdentity()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}
	return store.GenerateIdentity()
}

// Fingerprint returns the base64 encoding of the certificate public key.
//
// The fingerprint identifies a device across certificate renewals carrying
// the same key, and is what discovery advertises for pairing.
func Fingerprint(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo)
}

// VerificationCode derives the short pairing confirmation code from two
// certificates. Both devices display it during pairing so a human can
// confirm no certificate was substituted in transit.
//
// The two public keys are concatenated in magnitude-sorted byte order, so
// the result is identical regardless of argument order.
func VerificationCode(certA, certB *x509.Certificate) string {
	a := certA.RawSubjectPublicKeyInfo
	b := certB.RawSubjectPublicKeyInfo

	joined := make([]byte, 0, len(a)+len(b))
	if bytes.Compare(a, b) <= 0 {
		joined = append(append(joined, a...), b...)
	} else {
		joined = append(append(joined, b...), a...)
	}

	sum := sha256.Sum256(joined)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}
