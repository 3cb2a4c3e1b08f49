// Package token generates and verifies device bearer secrets.
//
// A secret is random, shown to the caller exactly once at registration.
// The store keeps only its SHA-256 hash plus a short fingerprint used as
// an indexed point-lookup key, so authentication never scans the fleet.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	secretBytes    = 32
	fingerprintHex = 16
)

// NewSecret returns a fresh random bearer secret.
func NewSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 of a secret for storage.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the short indexed lookup key for a secret. It is
// derived from a distinct hash input so the fingerprint is not a prefix
// of the stored hash.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte("fp:" + secret))
	return hex.EncodeToString(sum[:])[:fingerprintHex]
}

// Verify compares a presented secret against a stored hash in constant
// time.
func Verify(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(secret)), []byte(storedHash)) == 1
}
