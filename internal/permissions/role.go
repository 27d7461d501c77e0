// Package permissions evaluates group rulesets: role history as of a point
// in time, validity of transactions against their ruleset, read-key
// discovery through key reveals, and the dependency closure of a CoValue.
package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cosync/internal/covalue"
)

// Errors
var (
	ErrPending   = errors.New("permissions: dependency not available")
	ErrNoReadKey = errors.New("permissions: no readable key")
	ErrBadRole   = errors.New("permissions: invalid role")
)

// Role is a member role in a group.
type Role string

const (
	RoleNone    Role = ""
	RoleRevoked Role = "revoked"
	RoleReader  Role = "reader"
	RoleWriter  Role = "writer"
	RoleAdmin   Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleWriter:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// IsMember reports whether the role grants any access.
func (r Role) IsMember() bool { return r.rank() > 0 }

// CanWrite reports whether the role may author content.
func (r Role) CanWrite() bool { return r.rank() >= RoleWriter.rank() }

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleRevoked, RoleReader, RoleWriter, RoleAdmin:
		return r, nil
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrBadRole, s)
}

func maxRole(a, b Role) Role {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Validity is the outcome of evaluating a transaction against its ruleset.
type Validity string

const (
	ValidityUnknown Validity = "unknown"
	ValidityPending Validity = "pending"
	ValidityValid   Validity = "valid"
	ValidityInvalid Validity = "invalid"
)

// Resolved reports whether the validity is final for the current inputs.
func (v Validity) Resolved() bool {
	return v == ValidityValid || v == ValidityInvalid
}

// TxRef addresses a transaction inside a CoValue.
type TxRef struct {
	Session covalue.SessionID
	Index   int
}

// Entry is a verified transaction ready for evaluation.
type Entry struct {
	Ref    TxRef
	Author covalue.AgentID
	Tx     covalue.Transaction
}

// SortEntries orders entries by timestamp, then session, then index. This
// is the merged order of a CoValue's history.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Tx.MadeAt != b.Tx.MadeAt {
			return a.Tx.MadeAt < b.Tx.MadeAt
		}
		if a.Ref.Session != b.Ref.Session {
			return a.Ref.Session < b.Ref.Session
		}
		return a.Ref.Index < b.Ref.Index
	})
}

// Groups gives access to resolved group states. The boolean is false when
// the group is not available locally.
type Groups interface {
	Group(id covalue.ID) (*GroupState, bool)
}

// GroupMap is a Groups backed by a map.
type GroupMap map[covalue.ID]*GroupState

// Group implements Groups.
func (m GroupMap) Group(id covalue.ID) (*GroupState, bool) {
	g, ok := m[id]
	return g, ok
}

func roleValue(raw json.RawMessage) (Role, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return RoleNone, fmt.Errorf("%w: %v", ErrBadRole, err)
	}
	return ParseRole(s)
}
