package node

import (
	"encoding/json"
	"maps"

	"cosync/internal/covalue"
	"cosync/internal/permissions"
)

// Snapshot is the materialized state of a CoValue at one version.
type Snapshot struct {
	ID        covalue.ID
	Header    covalue.Header
	Known     covalue.KnownState
	Version   uint64
	Available bool

	// Pending counts verified transactions whose validity is not settled.
	Pending int
	// Invalid counts transactions rejected by the ruleset.
	Invalid int
	// Undecryptable counts valid private transactions that could not be
	// read with the keys available to this node.
	Undecryptable int

	values map[string]json.RawMessage
	roles  map[string]permissions.Role
}

// Map returns the current key/value content.
func (s *Snapshot) Map() map[string]json.RawMessage {
	return maps.Clone(s.values)
}

// Get decodes the value of key into v. It reports false when the key is
// not set.
func (s *Snapshot) Get(key string, v any) (bool, error) {
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Roles returns the member roles of a group.
func (s *Snapshot) Roles() map[string]permissions.Role {
	return maps.Clone(s.roles)
}

// snapshot materializes the entry: the changes of valid, readable
// transactions applied in merged order, last writer wins.
func (e *entry) snapshot() *Snapshot {
	s := &Snapshot{
		ID:        e.id,
		Known:     e.knownState(),
		Version:   e.version,
		Available: e.availability == availAvailable,
		values:    map[string]json.RawMessage{},
	}
	if e.header != nil {
		s.Header = *e.header
	}

	var ordered []permissions.Entry
	changes := map[permissions.TxRef][]covalue.Change{}
	for _, sid := range e.sessionIDs() {
		log := e.sessions[sid]
		for i := 0; i < log.verified; i++ {
			slot := &log.slots[i]
			switch {
			case slot.validity == permissions.ValidityInvalid:
				s.Invalid++
				continue
			case slot.validity != permissions.ValidityValid:
				s.Pending++
				continue
			case slot.decrypt != decrypted:
				s.Undecryptable++
				continue
			}
			ref := permissions.TxRef{Session: sid, Index: i}
			ordered = append(ordered, permissions.Entry{Ref: ref, Author: log.author, Tx: slot.tx})
			changes[ref] = slot.changes
		}
	}
	permissions.SortEntries(ordered)

	for _, en := range ordered {
		for _, c := range changes[en.Ref] {
			switch c.Op {
			case covalue.OpSet:
				s.values[c.Key] = c.Value
			case covalue.OpDel:
				delete(s.values, c.Key)
			}
		}
	}
	if e.group != nil {
		s.roles = e.group.Roles()
	}
	return s
}
