// Package covalue defines the data model shared by every cosync component:
// headers, identifiers, transactions, session content and known states.
package covalue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrInvalidID        = errors.New("covalue: invalid id")
	ErrInvalidSessionID = errors.New("covalue: invalid session id")
	ErrInvalidHeader    = errors.New("covalue: invalid header")
	ErrHeaderMismatch   = errors.New("covalue: header does not hash to id")
)

const (
	idPrefix        = "co_z"
	sessionInfix    = "_session_z"
	idHashBytes     = 20
	uniquenessBytes = 16
)

// ID is the content-derived identifier of a CoValue.
type ID string

// AgentID identifies an agent by its sealing and signing public keys.
type AgentID string

// SessionID is an agent identifier plus a per-process session nonce.
type SessionID string

// KeyID names a symmetric read key.
type KeyID string

// Signature is an encoded Ed25519 signature.
type Signature string

// RulesetType selects the permission model of a CoValue.
type RulesetType string

const (
	RulesetGroup          RulesetType = "group"
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

// Ruleset is the permission model attached to a header.
type Ruleset struct {
	Type         RulesetType `json:"type"`
	Group        ID          `json:"group,omitempty"`
	InitialAdmin AgentID     `json:"initialAdmin,omitempty"`
}

// Header describes a CoValue and determines its ID.
type Header struct {
	Type       string          `json:"type"`
	Ruleset    Ruleset         `json:"ruleset"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	Uniqueness string          `json:"uniqueness"`
}

// NewHeader returns a header with a fresh uniqueness nonce.
func NewHeader(typ string, ruleset Ruleset, meta json.RawMessage) Header {
	return Header{
		Type:       typ,
		Ruleset:    ruleset,
		Meta:       meta,
		CreatedAt:  time.Now().UnixMilli(),
		Uniqueness: randomHex(),
	}
}

// GroupHeader returns the header of a new group administered by admin.
func GroupHeader(admin AgentID) Header {
	return NewHeader("comap", Ruleset{Type: RulesetGroup, InitialAdmin: admin}, nil)
}

// OwnedHeader returns the header of a new map owned by group.
func OwnedHeader(group ID) Header {
	return NewHeader("comap", Ruleset{Type: RulesetOwnedByGroup, Group: group}, nil)
}

// Validate checks the header is well formed.
func (h Header) Validate() error {
	if h.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidHeader)
	}
	switch h.Ruleset.Type {
	case RulesetGroup:
		if h.Ruleset.InitialAdmin == "" {
			return fmt.Errorf("%w: group without initial admin", ErrInvalidHeader)
		}
	case RulesetOwnedByGroup:
		if err := h.Ruleset.Group.Validate(); err != nil {
			return fmt.Errorf("%w: owner: %v", ErrInvalidHeader, err)
		}
	case RulesetUnsafeAllowAll:
	default:
		return fmt.Errorf("%w: unknown ruleset %q", ErrInvalidHeader, h.Ruleset.Type)
	}
	return nil
}

// ID derives the CoValue identifier from the header's canonical encoding.
func (h Header) ID() ID {
	data, err := json.Marshal(h)
	if err != nil {
		// Header only holds strings, integers and validated raw JSON.
		panic(fmt.Sprintf("covalue: marshal header: %v", err))
	}
	sum := sha256.Sum256(data)
	return ID(idPrefix + hex.EncodeToString(sum[:idHashBytes]))
}

// Matches reports whether h hashes to id.
func (h Header) Matches(id ID) error {
	if h.ID() != id {
		return fmt.Errorf("%w: %s", ErrHeaderMismatch, id)
	}
	return nil
}

// Validate checks the identifier syntax.
func (id ID) Validate() error {
	s := string(id)
	if !strings.HasPrefix(s, idPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	raw, err := hex.DecodeString(s[len(idPrefix):])
	if err != nil || len(raw) != idHashBytes {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

// IsID reports whether s looks like a CoValue identifier.
func IsID(s string) bool {
	return ID(s).Validate() == nil
}

// NewSessionID returns a new session for agent.
func NewSessionID(agent AgentID) SessionID {
	return SessionID(string(agent) + sessionInfix + randomHex())
}

// Agent returns the agent that owns the session.
func (s SessionID) Agent() (AgentID, error) {
	i := strings.LastIndex(string(s), sessionInfix)
	if i <= 0 || i+len(sessionInfix) == len(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, string(s))
	}
	return AgentID(s[:i]), nil
}

func randomHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:uniquenessBytes])
}
