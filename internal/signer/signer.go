// Package signer holds agent identities: an Ed25519 signing key and an
// X25519 sealing key derived from the same seed.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"cosync/internal/covalue"
	"cosync/internal/security"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
	ErrInvalidAgentID   = errors.New("signer: invalid agent id")
	ErrInvalidSignature = errors.New("signer: invalid signature")
	ErrBadSeal          = errors.New("signer: cannot open sealed message")
)

const (
	sealerPrefix    = "sealer_z"
	signerPrefix    = "signer_z"
	signaturePrefix = "signature_z"
	sealedPrefix    = "sealed_U"
	sealerLabel     = "agent-sealer"
	nonceSize       = 24
)

// Agent is a local identity able to sign transactions and open sealed keys.
type Agent struct {
	signKey  ed25519.PrivateKey
	sealPriv [32]byte
	sealPub  [32]byte
	id       covalue.AgentID
}

// NewAgent creates an agent from a fresh random seed.
func NewAgent() (*Agent, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed derives both key pairs from a 32-byte seed.
func FromSeed(seed []byte) (*Agent, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeyFormat, len(seed))
	}
	a := &Agent{signKey: ed25519.NewKeyFromSeed(seed)}

	sealSeed, err := security.DeriveKey(seed, sealerLabel, curve25519.ScalarSize)
	if err != nil {
		return nil, fmt.Errorf("derive sealer: %w", err)
	}
	copy(a.sealPriv[:], sealSeed)
	security.Wipe(sealSeed)

	pub, err := curve25519.X25519(a.sealPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive sealer public: %w", err)
	}
	copy(a.sealPub[:], pub)

	signPub := a.signKey.Public().(ed25519.PublicKey)
	a.id = covalue.AgentID(sealerPrefix + hex.EncodeToString(a.sealPub[:]) + "/" + signerPrefix + hex.EncodeToString(signPub))
	return a, nil
}

// ID returns the public identifier of the agent.
func (a *Agent) ID() covalue.AgentID {
	return a.id
}

// Seed returns the secret seed, for persisting the identity.
func (a *Agent) Seed() []byte {
	return a.signKey.Seed()
}

// Sign signs msg with the agent's signing key.
func (a *Agent) Sign(msg []byte) covalue.Signature {
	return covalue.Signature(signaturePrefix + hex.EncodeToString(ed25519.Sign(a.signKey, msg)))
}

// Verify checks that sig is agent's signature over msg.
func Verify(agent covalue.AgentID, msg []byte, sig covalue.Signature) error {
	_, pub, err := ParseAgentID(agent)
	if err != nil {
		return err
	}
	raw, ok := strings.CutPrefix(string(sig), signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: missing prefix", ErrInvalidSignature)
	}
	sigBytes, err := hex.DecodeString(raw)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, msg, sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseAgentID recovers both public keys from an agent identifier.
func ParseAgentID(agent covalue.AgentID) ([32]byte, ed25519.PublicKey, error) {
	var sealPub [32]byte
	sealPart, signPart, ok := strings.Cut(string(agent), "/")
	if !ok {
		return sealPub, nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, agent)
	}
	sealHex, ok1 := strings.CutPrefix(sealPart, sealerPrefix)
	signHex, ok2 := strings.CutPrefix(signPart, signerPrefix)
	if !ok1 || !ok2 {
		return sealPub, nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, agent)
	}
	sealBytes, err := hex.DecodeString(sealHex)
	if err != nil || len(sealBytes) != 32 {
		return sealPub, nil, fmt.Errorf("%w: sealer key", ErrInvalidAgentID)
	}
	signBytes, err := hex.DecodeString(signHex)
	if err != nil || len(signBytes) != ed25519.PublicKeySize {
		return sealPub, nil, fmt.Errorf("%w: signer key", ErrInvalidAgentID)
	}
	copy(sealPub[:], sealBytes)
	return sealPub, ed25519.PublicKey(signBytes), nil
}

// Seal encrypts plaintext so that only recipient can open it and it can be
// attributed to a.
func (a *Agent) Seal(recipient covalue.AgentID, plaintext []byte) (string, error) {
	peerPub, _, err := ParseAgentID(recipient)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := box.Seal(nonce[:], plaintext, &nonce, &peerPub, &a.sealPriv)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Unseal opens a message sealed for a by sender.
func (a *Agent) Unseal(sender covalue.AgentID, sealed string) ([]byte, error) {
	peerPub, _, err := ParseAgentID(sender)
	if err != nil {
		return nil, err
	}
	raw, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing prefix", ErrBadSeal)
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(data) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: malformed", ErrBadSeal)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := box.Open(nil, data[nonceSize:], &nonce, &peerPub, &a.sealPriv)
	if !ok {
		return nil, ErrBadSeal
	}
	return plain, nil
}
