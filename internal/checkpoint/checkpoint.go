// Package checkpoint implements the per-session transaction hash chain.
//
// Every transaction extends a rolling SHA-256 chain:
//
//	h(i) = SHA-256("cosync-tx-v1" || h(i-1) || canonical(tx i)),  h(-1) = 0
//
// A signature by the session's agent over h(i) authenticates the whole chain
// up to and including index i. Storage records such signatures as
// checkpoints once enough bytes have accumulated since the previous one, so
// long histories can be verified chunk by chunk.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"cosync/internal/covalue"
	"cosync/internal/signer"
)

const (
	txDomain  = "cosync-tx-v1"
	sigDomain = "cosync-sig-v1"

	// DefaultMaxBytes is the default byte budget between signature checkpoints.
	DefaultMaxBytes = 100 * 1024
)

// Errors
var (
	ErrEmptyChunk       = errors.New("checkpoint: empty chunk")
	ErrMissingSignature = errors.New("checkpoint: chunk has no signature")
	ErrBadSignature     = errors.New("checkpoint: signature does not match chain")
	ErrUnencodable      = errors.New("checkpoint: transaction cannot be encoded")
)

// Hash is a position in a session hash chain.
type Hash [32]byte

// Genesis is the chain value before the first transaction.
var Genesis Hash

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Next extends the chain by one transaction.
func Next(prev Hash, tx covalue.Transaction) (Hash, error) {
	data, err := tx.Canonical()
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	h := sha256.New()
	h.Write([]byte(txDomain))
	h.Write(prev[:])
	h.Write(data)

	var result Hash
	copy(result[:], h.Sum(nil))
	return result, nil
}

// Extend computes the hash after each transaction, starting from prev.
func Extend(prev Hash, txs []covalue.Transaction) ([]Hash, error) {
	out := make([]Hash, len(txs))
	for i, tx := range txs {
		next, err := Next(prev, tx)
		if err != nil {
			return nil, &Error{Offset: i, Err: err}
		}
		out[i] = next
		prev = next
	}
	return out, nil
}

// SignaturePayload returns the bytes signed for a chain head.
func SignaturePayload(session covalue.SessionID, head Hash) []byte {
	buf := make([]byte, 0, len(sigDomain)+len(session)+len(head))
	buf = append(buf, sigDomain...)
	buf = append(buf, session...)
	return append(buf, head[:]...)
}

// Sign signs the chain head of a session owned by agent.
func Sign(agent *signer.Agent, session covalue.SessionID, head Hash) covalue.Signature {
	return agent.Sign(SignaturePayload(session, head))
}

// Error describes a chunk that failed verification.
type Error struct {
	// Offset is the position within the chunk at which the failure was
	// detected. For signature mismatches it is the last transaction.
	Offset int
	Hash   Hash
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint: offset %d (hash %s): %v", e.Offset, e.Hash, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VerifyChunk extends the chain from prev over txs and checks that sig is the
// session agent's signature over the resulting head. It returns the hash
// after each transaction.
func VerifyChunk(session covalue.SessionID, prev Hash, txs []covalue.Transaction, sig covalue.Signature) ([]Hash, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyChunk
	}
	if sig == "" {
		return nil, ErrMissingSignature
	}
	agent, err := session.Agent()
	if err != nil {
		return nil, err
	}

	hashes, err := Extend(prev, txs)
	if err != nil {
		return nil, err
	}
	head := hashes[len(hashes)-1]
	if err := signer.Verify(agent, SignaturePayload(session, head), sig); err != nil {
		return nil, &Error{Offset: len(txs) - 1, Hash: head, Err: fmt.Errorf("%w: %v", ErrBadSignature, err)}
	}
	return hashes, nil
}

// Policy decides where signature checkpoints are placed.
type Policy struct {
	MaxBytes int
}

// DefaultPolicy returns the default checkpoint policy.
func DefaultPolicy() Policy {
	return Policy{MaxBytes: DefaultMaxBytes}
}

// Exceeded reports whether bytes accumulated since the last checkpoint
// require a new one.
func (p Policy) Exceeded(bytesSince int) bool {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	return bytesSince > limit
}
