package node

import (
	"sort"
	"sync"
	"time"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
	"cosync/internal/permissions"
	"cosync/internal/security"
)

type availability int

const (
	availUnknown availability = iota
	availAvailable
	availUnavailable
)

type storageState int

const (
	storageUnknown storageState = iota
	storagePending
	storageAbsent
	storageKnown
)

type txState int

const (
	txInStorage txState = iota
	txLoading
	txAvailable
	txVerified
	txFailed
)

type decryptState int

const (
	notDecrypted decryptState = iota
	decrypted
	decryptFailed
)

type txSlot struct {
	state    txState
	tx       covalue.Transaction
	hash     checkpoint.Hash
	validity permissions.Validity
	decrypt  decryptState
	changes  []covalue.Change
	err      error
	// source is the peer the transaction arrived from; empty for local
	// writes and storage.
	source string
	// triedWith is the validation input the last key lookup ran against.
	triedWith string
}

// sessionLog is the per-session transaction log of one CoValue.
type sessionLog struct {
	id     covalue.SessionID
	author covalue.AgentID
	slots  []txSlot
	sigs   map[int]covalue.Signature

	// verified is the length of the verified prefix. It always ends right
	// after a signed index.
	verified int
	// failed is the index of the first transaction that failed
	// verification, or -1.
	failed int

	stored  int
	storing bool
}

func newSessionLog(id covalue.SessionID) (*sessionLog, error) {
	author, err := id.Agent()
	if err != nil {
		return nil, err
	}
	return &sessionLog{id: id, author: author, sigs: map[int]covalue.Signature{}, failed: -1}, nil
}

// count is the length advertised in known states. A failed suffix is not
// counted so that peers resend it.
func (s *sessionLog) count() int {
	if s.failed >= 0 {
		return s.failed
	}
	return len(s.slots)
}

// apply adds content received from a peer. It reports a gap when the
// content starts beyond what is held.
func (s *sessionLog) apply(c covalue.SessionContent, source string) (gap bool) {
	start := s.count()
	if c.After > start {
		return true
	}
	if c.End() <= start {
		return false
	}
	if s.failed >= 0 {
		s.slots = s.slots[:s.failed]
		for idx := range s.sigs {
			if idx >= s.failed {
				delete(s.sigs, idx)
			}
		}
		s.failed = -1
	}
	for _, tx := range c.NewTransactions[start-c.After:] {
		s.slots = append(s.slots, txSlot{state: txAvailable, tx: tx, validity: permissions.ValidityUnknown, source: source})
	}
	s.sigs[c.End()-1] = c.LastSignature
	return false
}

// loading reports whether some slots still wait for storage.
func (s *sessionLog) loading() bool {
	for i := s.verified; i < len(s.slots); i++ {
		if st := s.slots[i].state; st == txInStorage || st == txLoading {
			return true
		}
	}
	return false
}

func (s *sessionLog) head() checkpoint.Hash {
	if s.verified == 0 {
		return checkpoint.Genesis
	}
	return s.slots[s.verified-1].hash
}

// peerState is what one CoValue knows about one peer.
type peerState struct {
	// confirmed is the state the peer has stated it holds.
	confirmed covalue.KnownState
	// optimistic additionally counts content sent but not acknowledged.
	optimistic covalue.KnownState
	stateKnown bool
	subscribed bool

	// pulls counts pulls sent and not yet answered with data.
	pulls     int
	asked     bool
	loadSince time.Time
	notFound  bool

	pendingPull bool
	needPull    bool
	awaitingAck int
}

type listener struct {
	fn       func(*Snapshot)
	notified uint64
	primed   bool
}

// entry is the in-memory state of one CoValue.
type entry struct {
	mu sync.Mutex
	id covalue.ID

	header       *covalue.Header
	headerSource string
	sessions     map[covalue.SessionID]*sessionLog

	storage       storageState
	headerStored  bool
	headerStoring bool
	retryAt       time.Time

	availability availability
	// announced is the availability readers have been told about. It
	// trails availability until the tick's later stages have run.
	announced  availability
	deps       []covalue.ID
	preferPeer string
	// dependents are the CoValues whose permissions need this one.
	dependents map[covalue.ID]struct{}
	// waiters counts Load calls blocked on the entry.
	waiters int
	// local is set once the node created or wrote the CoValue itself.
	local bool

	group        *permissions.GroupState
	groups       permissions.GroupMap
	validatedFor string
	keys         map[covalue.KeyID]security.ReadKey

	peers     map[string]*peerState
	listeners map[ListenerHandle]*listener

	version uint64
	changed chan struct{}
}

func newEntry(id covalue.ID) *entry {
	return &entry{
		id:         id,
		sessions:   map[covalue.SessionID]*sessionLog{},
		keys:       map[covalue.KeyID]security.ReadKey{},
		peers:      map[string]*peerState{},
		listeners:  map[ListenerHandle]*listener{},
		dependents: map[covalue.ID]struct{}{},
		changed:    make(chan struct{}),
	}
}

// signal wakes everyone waiting on the entry.
func (e *entry) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// bump marks a change of the materialized state.
func (e *entry) bump() {
	e.version++
	e.signal()
}

func (e *entry) setHeader(h covalue.Header, source string) {
	e.header = &h
	e.headerSource = source
	if e.availability == availUnavailable {
		e.availability = availUnknown
	}
	e.signal()
}

func (e *entry) session(id covalue.SessionID) *sessionLog {
	if s, ok := e.sessions[id]; ok {
		return s
	}
	s, err := newSessionLog(id)
	if err != nil {
		return nil
	}
	e.sessions[id] = s
	return s
}

func (e *entry) sessionIDs() []covalue.SessionID {
	ids := make([]covalue.SessionID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *entry) peer(id string) *peerState {
	if ps, ok := e.peers[id]; ok {
		return ps
	}
	ps := &peerState{confirmed: covalue.EmptyKnownState(e.id), optimistic: covalue.EmptyKnownState(e.id)}
	e.peers[id] = ps
	return ps
}

func (e *entry) knownState() covalue.KnownState {
	ks := covalue.EmptyKnownState(e.id)
	ks.Header = e.header != nil
	for id, s := range e.sessions {
		ks.Sessions[id] = s.count()
	}
	return ks
}

// verifiedState counts only verified transactions.
func (e *entry) verifiedState() covalue.KnownState {
	ks := covalue.EmptyKnownState(e.id)
	ks.Header = e.header != nil
	for id, s := range e.sessions {
		ks.Sessions[id] = s.verified
	}
	return ks
}

func (e *entry) storageSettled() bool {
	return e.storage == storageAbsent || e.storage == storageKnown
}

// loaded reports whether the header is present and nothing is still
// coming from storage.
func (e *entry) loaded() bool {
	if e.header == nil || !e.storageSettled() {
		return false
	}
	for _, s := range e.sessions {
		if s.loading() {
			return false
		}
	}
	return true
}

// wanted reports whether anything needs the entry's content. Only wanted
// entries have their transactions read from storage or fetched from peers.
func (e *entry) wanted() bool {
	if len(e.listeners) > 0 || e.waiters > 0 || len(e.dependents) > 0 || e.local {
		return true
	}
	for _, ps := range e.peers {
		if ps.pendingPull || ps.subscribed {
			return true
		}
	}
	return false
}

// ready reports whether the entry can be served to readers and peers.
func (e *entry) ready() bool {
	return e.availability == availAvailable && e.loaded()
}

// verifiedEntries returns the verified transactions for evaluation.
func (e *entry) verifiedEntries() []permissions.Entry {
	var out []permissions.Entry
	for _, id := range e.sessionIDs() {
		s := e.sessions[id]
		for i := 0; i < s.verified; i++ {
			out = append(out, permissions.Entry{
				Ref:    permissions.TxRef{Session: id, Index: i},
				Author: s.author,
				Tx:     s.slots[i].tx,
			})
		}
	}
	return out
}

// groupsWithSelf returns the dependency groups plus the entry's own group
// state, if it is a group.
func (e *entry) groupsWithSelf() permissions.GroupMap {
	out := make(permissions.GroupMap, len(e.groups)+1)
	for id, g := range e.groups {
		out[id] = g
	}
	if e.group != nil {
		out[e.id] = e.group
	}
	return out
}

// ownerGroup returns the group whose keys protect the entry's private
// transactions.
func (e *entry) ownerGroup() (*permissions.GroupState, bool) {
	if e.header == nil {
		return nil, false
	}
	switch e.header.Ruleset.Type {
	case covalue.RulesetOwnedByGroup:
		g, ok := e.groups[e.header.Ruleset.Group]
		return g, ok && g != nil
	case covalue.RulesetGroup:
		return e.group, e.group != nil
	default:
		return nil, false
	}
}
