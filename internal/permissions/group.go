package permissions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"cosync/internal/covalue"
	"cosync/internal/security"
)

// Reserved group keys.
const (
	EveryoneKey = "everyone"
	ReadKeyKey  = "readKey"
	revealInfix = "_for_"
	agentPrefix = "sealer_z"
)

type keyKind int

const (
	kindOther keyKind = iota
	kindRole
	kindReadKey
	kindReveal
)

// classify returns the kind of a group key and, for reveals, the target.
func classify(key string) (keyKind, string) {
	switch {
	case key == ReadKeyKey:
		return kindReadKey, ""
	case key == EveryoneKey, strings.HasPrefix(key, agentPrefix), covalue.IsID(key):
		return kindRole, ""
	}
	if keyID, target, ok := strings.Cut(key, revealInfix); ok && security.IsKeyID(keyID) && target != "" {
		return kindReveal, target
	}
	return kindOther, ""
}

type record struct {
	at      int64
	author  covalue.AgentID
	value   json.RawMessage
	deleted bool
}

func (r record) role() Role {
	if r.deleted {
		return RoleNone
	}
	role, err := roleValue(r.value)
	if err != nil {
		return RoleNone
	}
	return role
}

// GroupState is the resolved history of a group CoValue.
type GroupState struct {
	ID           covalue.ID
	InitialAdmin covalue.AgentID

	history     map[string][]record
	fingerprint string
}

func newGroupState(id covalue.ID, admin covalue.AgentID) *GroupState {
	return &GroupState{ID: id, InitialAdmin: admin, history: map[string][]record{}}
}

// BuildGroup replays the verified entries of a group in merged order and
// returns the resulting state together with the validity of every entry.
// Each transaction is checked against the roles established by the valid
// transactions before it. A transaction is all-or-nothing.
func BuildGroup(id covalue.ID, header covalue.Header, entries []Entry, groups Groups) (*GroupState, map[TxRef]Validity) {
	g := newGroupState(id, header.Ruleset.InitialAdmin)
	sorted := append([]Entry(nil), entries...)
	SortEntries(sorted)

	results := make(map[TxRef]Validity, len(sorted))
	for _, e := range sorted {
		results[e.Ref] = g.apply(e, groups)
	}
	g.fingerprint = fingerprint(results)
	return g, results
}

func (g *GroupState) apply(e Entry, groups Groups) Validity {
	if e.Tx.Privacy != covalue.PrivacyTrusting {
		return ValidityInvalid
	}
	changes, err := covalue.DecodeChanges(e.Tx.Changes)
	if err != nil {
		return ValidityInvalid
	}
	role, err := g.roleAt(e.Author, e.Tx.MadeAt, groups, map[covalue.ID]bool{})
	if errors.Is(err, ErrPending) {
		return ValidityPending
	}
	for _, c := range changes {
		if !g.allowed(e.Author, role, c) {
			return ValidityInvalid
		}
	}
	for _, c := range changes {
		g.history[c.Key] = append(g.history[c.Key], record{
			at:      e.Tx.MadeAt,
			author:  e.Author,
			value:   c.Value,
			deleted: c.Op == covalue.OpDel,
		})
	}
	return ValidityValid
}

func (g *GroupState) allowed(author covalue.AgentID, role Role, c covalue.Change) bool {
	kind, target := classify(c.Key)
	switch kind {
	case kindRole:
		if role != RoleAdmin {
			return false
		}
		if c.Op == covalue.OpDel {
			return true
		}
		granted, err := roleValue(c.Value)
		if err != nil {
			return false
		}
		return c.Key != EveryoneKey || granted != RoleAdmin
	case kindReadKey:
		var keyID string
		if c.Op != covalue.OpSet || json.Unmarshal(c.Value, &keyID) != nil {
			return false
		}
		return role == RoleAdmin && security.IsKeyID(keyID)
	case kindReveal:
		if target == string(author) {
			return role.IsMember()
		}
		return role == RoleAdmin
	default:
		return role.CanWrite()
	}
}

// at returns the last record for key made at or before t.
func (g *GroupState) at(key string, t int64) (record, bool) {
	hist := g.history[key]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].at <= t {
			return hist[i], true
		}
	}
	return record{}, false
}

// RoleAt returns the role of agent in the group as of time t (unix ms).
// Roles granted to member groups apply to their members. ErrPending is
// returned when a member group needed for the answer is unavailable.
func (g *GroupState) RoleAt(agent covalue.AgentID, t int64, groups Groups) (Role, error) {
	return g.roleAt(agent, t, groups, map[covalue.ID]bool{})
}

// Role returns the current role of agent.
func (g *GroupState) Role(agent covalue.AgentID, groups Groups) (Role, error) {
	return g.RoleAt(agent, math.MaxInt64, groups)
}

func (g *GroupState) roleAt(agent covalue.AgentID, t int64, groups Groups, visiting map[covalue.ID]bool) (Role, error) {
	if visiting[g.ID] {
		return RoleNone, nil
	}
	visiting[g.ID] = true
	defer delete(visiting, g.ID)

	role := RoleNone
	if rec, ok := g.at(string(agent), t); ok {
		role = rec.role()
	} else if agent == g.InitialAdmin {
		role = RoleAdmin
	}
	if rec, ok := g.at(EveryoneKey, t); ok {
		role = maxRole(role, rec.role())
	}

	pending := false
	for key := range g.history {
		if !covalue.IsID(key) {
			continue
		}
		rec, ok := g.at(key, t)
		if !ok {
			continue
		}
		granted := rec.role()
		if !granted.IsMember() || granted.rank() <= role.rank() {
			continue
		}
		member, ok := groups.Group(covalue.ID(key))
		if !ok {
			pending = true
			continue
		}
		memberRole, err := member.roleAt(agent, t, groups, visiting)
		if err != nil {
			pending = true
			continue
		}
		if memberRole.IsMember() {
			role = maxRole(role, granted)
		}
	}
	if pending && role != RoleAdmin {
		return role, fmt.Errorf("%w: member group of %s", ErrPending, g.ID)
	}
	return role, nil
}

// Roles returns the current role of every agent, member group and
// "everyone" entry that has been set explicitly.
func (g *GroupState) Roles() map[string]Role {
	out := map[string]Role{}
	for key, hist := range g.history {
		if kind, _ := classify(key); kind != kindRole || len(hist) == 0 {
			continue
		}
		if r := hist[len(hist)-1].role(); r != RoleNone {
			out[key] = r
		}
	}
	return out
}

// ReadKeyID returns the group's current read key identifier.
func (g *GroupState) ReadKeyID() (covalue.KeyID, bool) {
	hist := g.history[ReadKeyKey]
	if len(hist) == 0 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(hist[len(hist)-1].value, &id); err != nil {
		return "", false
	}
	return covalue.KeyID(id), true
}

// Fingerprint changes whenever the evaluated history changes.
func (g *GroupState) Fingerprint() string {
	return g.fingerprint
}

func fingerprint(results map[TxRef]Validity) string {
	refs := make([]TxRef, 0, len(results))
	for ref := range results {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Session != refs[j].Session {
			return refs[i].Session < refs[j].Session
		}
		return refs[i].Index < refs[j].Index
	})
	h := sha256.New()
	for _, ref := range refs {
		fmt.Fprintf(h, "%s|%d|%s\n", ref.Session, ref.Index, results[ref])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateOwned evaluates transactions of a CoValue owned by a group: a
// transaction is valid when its author could write to the group at the
// time it was made.
func ValidateOwned(header covalue.Header, entries []Entry, groups Groups) map[TxRef]Validity {
	results := make(map[TxRef]Validity, len(entries))
	group, ok := groups.Group(header.Ruleset.Group)
	for _, e := range entries {
		if !ok {
			results[e.Ref] = ValidityPending
			continue
		}
		if e.Tx.Privacy == covalue.PrivacyTrusting {
			if _, err := covalue.DecodeChanges(e.Tx.Changes); err != nil {
				results[e.Ref] = ValidityInvalid
				continue
			}
		}
		role, err := group.RoleAt(e.Author, e.Tx.MadeAt, groups)
		switch {
		case err != nil:
			results[e.Ref] = ValidityPending
		case role.CanWrite():
			results[e.Ref] = ValidityValid
		default:
			results[e.Ref] = ValidityInvalid
		}
	}
	return results
}

// Validate evaluates entries of any CoValue against its ruleset. For groups
// the resolved state is returned as well.
func Validate(id covalue.ID, header covalue.Header, entries []Entry, groups Groups) (*GroupState, map[TxRef]Validity) {
	switch header.Ruleset.Type {
	case covalue.RulesetGroup:
		return BuildGroup(id, header, entries, groups)
	case covalue.RulesetOwnedByGroup:
		return nil, ValidateOwned(header, entries, groups)
	default:
		results := make(map[TxRef]Validity, len(entries))
		for _, e := range entries {
			results[e.Ref] = ValidityValid
		}
		return nil, results
	}
}

// Dependencies lists the CoValues needed to evaluate a CoValue: the owning
// group, or for groups every group referenced by a role grant or a key
// reveal in its trusting transactions.
func Dependencies(header covalue.Header, entries []Entry) []covalue.ID {
	switch header.Ruleset.Type {
	case covalue.RulesetOwnedByGroup:
		return []covalue.ID{header.Ruleset.Group}
	case covalue.RulesetGroup:
	default:
		return nil
	}

	seen := map[covalue.ID]bool{}
	var out []covalue.ID
	add := func(s string) {
		id := covalue.ID(s)
		if covalue.IsID(s) && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range entries {
		if e.Tx.Privacy != covalue.PrivacyTrusting {
			continue
		}
		changes, err := covalue.DecodeChanges(e.Tx.Changes)
		if err != nil {
			continue
		}
		for _, c := range changes {
			switch kind, target := classify(c.Key); kind {
			case kindRole:
				add(c.Key)
			case kindReveal:
				add(target)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
