package covalue

import "maps"

// KnownState summarizes which content a party holds for a CoValue.
type KnownState struct {
	ID       ID                `json:"id"`
	Header   bool              `json:"header"`
	Sessions map[SessionID]int `json:"sessions"`
}

// EmptyKnownState returns a known state holding nothing.
func EmptyKnownState(id ID) KnownState {
	return KnownState{ID: id, Sessions: map[SessionID]int{}}
}

// Clone returns a deep copy.
func (k KnownState) Clone() KnownState {
	out := KnownState{ID: k.ID, Header: k.Header, Sessions: make(map[SessionID]int, len(k.Sessions))}
	maps.Copy(out.Sessions, k.Sessions)
	return out
}

// IsEmpty reports whether the state holds neither header nor transactions.
func (k KnownState) IsEmpty() bool {
	if k.Header {
		return false
	}
	for _, n := range k.Sessions {
		if n > 0 {
			return false
		}
	}
	return true
}

// Count returns the number of transactions held for session s.
func (k KnownState) Count(s SessionID) int {
	return k.Sessions[s]
}

// Merge folds other into k taking the per-session maximum.
func (k *KnownState) Merge(other KnownState) {
	if k.Sessions == nil {
		k.Sessions = map[SessionID]int{}
	}
	if k.ID == "" {
		k.ID = other.ID
	}
	k.Header = k.Header || other.Header
	for s, n := range other.Sessions {
		if n > k.Sessions[s] {
			k.Sessions[s] = n
		}
	}
}

// Covers reports whether k holds everything other holds.
func (k KnownState) Covers(other KnownState) bool {
	if other.Header && !k.Header {
		return false
	}
	for s, n := range other.Sessions {
		if k.Sessions[s] < n {
			return false
		}
	}
	return true
}

// Equal reports whether both states describe the same content.
func (k KnownState) Equal(other KnownState) bool {
	return k.Covers(other) && other.Covers(k)
}

// Ahead returns, for every session where k holds more than other, the
// index from which other is missing transactions.
func (k KnownState) Ahead(other KnownState) map[SessionID]int {
	out := map[SessionID]int{}
	for s, n := range k.Sessions {
		if have := other.Sessions[s]; n > have {
			out[s] = have
		}
	}
	return out
}
