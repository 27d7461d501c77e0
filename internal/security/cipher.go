package security

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"cosync/internal/covalue"
)

// Cipher errors
var (
	ErrMalformedCiphertext = errors.New("security: malformed ciphertext")
	ErrDecryptFailed       = errors.New("security: decryption failed")
	ErrMalformedKeySecret  = errors.New("security: malformed key secret")
)

const (
	keyIDPrefix     = "key_z"
	keySecretPrefix = "keySecret_z"
	encryptedPrefix = "encrypted_U"
	nonceSize       = 24
	// KeySize is the size of a read key secret.
	KeySize = 32
)

// ReadKey is a symmetric key protecting private transactions.
type ReadKey struct {
	ID     covalue.KeyID
	Secret [KeySize]byte
}

// NewReadKey generates a random read key with a random identifier.
func NewReadKey() (ReadKey, error) {
	var k ReadKey
	if err := GenerateSecureRandom(k.Secret[:]); err != nil {
		return ReadKey{}, err
	}
	var id [16]byte
	if err := GenerateSecureRandom(id[:]); err != nil {
		return ReadKey{}, err
	}
	k.ID = covalue.KeyID(keyIDPrefix + hex.EncodeToString(id[:]))
	return k, nil
}

// EncodeSecret returns the textual form of the secret.
func (k ReadKey) EncodeSecret() string {
	return keySecretPrefix + hex.EncodeToString(k.Secret[:])
}

// ParseKeySecret parses the output of EncodeSecret.
func ParseKeySecret(id covalue.KeyID, s string) (ReadKey, error) {
	raw, ok := strings.CutPrefix(s, keySecretPrefix)
	if !ok {
		return ReadKey{}, ErrMalformedKeySecret
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != KeySize {
		return ReadKey{}, ErrMalformedKeySecret
	}
	k := ReadKey{ID: id}
	copy(k.Secret[:], b)
	return k, nil
}

// IsKeyID reports whether s names a read key.
func IsKeyID(s string) bool {
	return strings.HasPrefix(s, keyIDPrefix)
}

// Encrypt seals plaintext under the key with a random nonce.
func (k ReadKey) Encrypt(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if err := GenerateSecureRandom(nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &k.Secret)
	return encryptedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (k ReadKey) Decrypt(ciphertext string) ([]byte, error) {
	raw, ok := strings.CutPrefix(ciphertext, encryptedPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing prefix", ErrMalformedCiphertext)
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return nil, ErrMalformedCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &k.Secret)
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrDecryptFailed, k.ID)
	}
	return plain, nil
}
