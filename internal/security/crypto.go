// Package security provides the symmetric cryptography and secret handling
// used by cosync: read keys, encryption of private transactions, key
// derivation, secret files and connection limits.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
)

// MinKeySize is the shortest secret accepted for derivation, and the
// shortest key derived.
const MinKeySize = 16

// GenerateSecureRandom fills data from the system CSPRNG.
func GenerateSecureRandom(data []byte) error {
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return nil
}

// DeriveKey expands secret into size bytes bound to label, using HKDF-SHA256
// with the "cosync:" prefix on the label.
func DeriveKey(secret []byte, label string, size int) ([]byte, error) {
	if len(secret) < MinKeySize || size < MinKeySize {
		return nil, fmt.Errorf("%w: secret %d bytes, output %d bytes, minimum %d",
			ErrWeakKey, len(secret), size, MinKeySize)
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("cosync:"+label)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", label, err)
	}
	return out, nil
}

// Wipe zeroes data.
func Wipe(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}
