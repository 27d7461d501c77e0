package covalue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidChange is returned for malformed change payloads.
var ErrInvalidChange = errors.New("covalue: invalid change")

// Privacy is the privacy mode of a transaction.
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// Transaction is a single atomic entry in a session.
type Transaction struct {
	Privacy          Privacy         `json:"privacy"`
	MadeAt           int64           `json:"madeAt"`
	Changes          json.RawMessage `json:"changes,omitempty"`
	EncryptedChanges string          `json:"encryptedChanges,omitempty"`
	KeyUsed          KeyID           `json:"keyUsed,omitempty"`
}

// Canonical returns the bytes that enter the session hash chain.
func (t Transaction) Canonical() ([]byte, error) {
	return json.Marshal(t)
}

// Size is the encoded size used for checkpoint accounting.
func (t Transaction) Size() int {
	data, err := t.Canonical()
	if err != nil {
		return 0
	}
	return len(data)
}

// Operations on map-shaped CoValues.
const (
	OpSet = "set"
	OpDel = "del"
)

// Change is one operation inside a transaction.
type Change struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Set returns a change assigning value to key.
func Set(key string, value any) (Change, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Change{}, fmt.Errorf("encode value for %q: %w", key, err)
	}
	return Change{Op: OpSet, Key: key, Value: raw}, nil
}

// Del returns a change deleting key.
func Del(key string) Change {
	return Change{Op: OpDel, Key: key}
}

// EncodeChanges serializes a change list.
func EncodeChanges(changes []Change) (json.RawMessage, error) {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	if changes == nil {
		changes = []Change{}
	}
	return json.Marshal(changes)
}

// DecodeChanges parses a change list.
func DecodeChanges(raw json.RawMessage) ([]Change, error) {
	var changes []Change
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// Validate checks the change is one of the known operations.
func (c Change) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidChange)
	}
	switch c.Op {
	case OpSet:
		if len(c.Value) == 0 {
			return fmt.Errorf("%w: set %q without value", ErrInvalidChange, c.Key)
		}
	case OpDel:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidChange, c.Op)
	}
	return nil
}

// Trusting builds a plaintext transaction stamped with the current time.
func Trusting(changes ...Change) (Transaction, error) {
	raw, err := EncodeChanges(changes)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		Privacy: PrivacyTrusting,
		MadeAt:  time.Now().UnixMilli(),
		Changes: raw,
	}, nil
}

// SessionContent is a contiguous run of new transactions in one session.
type SessionContent struct {
	After           int           `json:"after"`
	NewTransactions []Transaction `json:"newTransactions"`
	LastSignature   Signature     `json:"lastSignature"`
}

// End returns the count the session reaches after applying the content.
func (c SessionContent) End() int {
	return c.After + len(c.NewTransactions)
}
