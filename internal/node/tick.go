package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
	"cosync/internal/peer"
	"cosync/internal/permissions"
	"cosync/internal/protocol"
)

// tick collects the effects of one pass over every entry.
type tick struct {
	n          *Node
	now        time.Time
	peers      []*peer.Peer
	effects    []Effect
	progressed bool
}

func (t *tick) emit(eff Effect) {
	t.effects = append(t.effects, eff)
	t.progressed = true
}

func (t *tick) send(p *peer.Peer, msg protocol.Message) {
	t.emit(SendEffect{Peer: p, Message: msg})
}

// sendContent sends a data or push message for e. Every content message of
// one CoValue carries the priority of its header, whether or not the
// header rides along, so the peer queue keeps its chunks in order.
func (t *tick) sendContent(e *entry, p *peer.Peer, msg protocol.Message) {
	msg.Priority = protocol.PriorityFor(e.header)
	t.send(p, msg)
}

// Tick runs every stage once over every entry and returns the effects to
// perform. progressed is false when the tick changed nothing, in which
// case another tick right away would be a no-op.
func (n *Node) Tick(now time.Time) ([]Effect, bool) {
	n.tickMu.Lock()
	defer n.tickMu.Unlock()
	start := time.Now()
	defer func() { n.metrics.ObserveTick(time.Since(start)) }()

	t := &tick{n: n, now: now, peers: n.peerList()}
	stages := []func(*entry){
		t.load,
		t.loadDependencies,
		t.verify,
		t.validate,
		t.decrypt,
		t.notify,
		t.syncOut,
		t.persist,
	}
	for _, stage := range stages {
		// Stages may create entries; later stages see them.
		for _, e := range n.entryList() {
			stage(e)
		}
	}
	return t.effects, t.progressed
}

// load asks storage, then peers, for content the entry does not hold.
func (t *tick) load(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.now.Before(e.retryAt) {
		return
	}
	if e.storage == storageUnknown {
		e.storage = storagePending
		t.emit(LoadMetaEffect{ID: e.id})
		return
	}
	if !e.storageSettled() || !e.wanted() {
		return
	}

	for _, sid := range e.sessionIDs() {
		s := e.sessions[sid]
		for i := 0; i < len(s.slots); {
			if s.slots[i].state != txInStorage {
				i++
				continue
			}
			j := i
			for j < len(s.slots) && s.slots[j].state == txInStorage {
				s.slots[j].state = txLoading
				j++
			}
			t.emit(LoadRangeEffect{ID: e.id, Session: sid, From: i, To: j})
			i = j
		}
	}

	if e.header == nil {
		t.loadFromPeers(e)
		return
	}
	for _, p := range t.peers {
		if !p.Role().Upstream() {
			continue
		}
		ps := e.peer(p.ID())
		if ps.stateKnown || ps.asked {
			continue
		}
		t.pull(e, p, ps)
		ps.asked = true
	}
}

func (t *tick) pull(e *entry, p *peer.Peer, ps *peerState) {
	t.send(p, protocol.Pull(e.knownState()))
	ps.pulls++
	ps.loadSince = t.now
	ps.needPull = false
}

// loadFromPeers asks peer tiers in priority order for an entry without a
// header. A tier is asked only when every better tier has answered that
// it does not know the CoValue or has timed out.
func (t *tick) loadFromPeers(e *entry) {
	var fresh []*peer.Peer
	for _, p := range t.peers {
		ps := e.peer(p.ID())
		if ps.pendingPull || ps.notFound {
			continue
		}
		if ps.asked {
			if ps.pulls == 0 {
				continue
			}
			if t.now.Sub(ps.loadSince) > t.n.cfg.PeerLoadTimeout {
				t.n.log.Debug("peer load timed out", "covalue", e.id, "peer", p.ID())
				ps.notFound = true
				t.progressed = true
				continue
			}
			return
		}
		fresh = append(fresh, p)
	}

	if len(fresh) == 0 {
		if e.availability != availUnavailable {
			e.availability = availUnavailable
			e.bump()
			t.progressed = true
		}
		return
	}

	ask := fresh[:0:0]
	for _, p := range fresh {
		if p.ID() == e.preferPeer {
			ask = append(ask, p)
		}
	}
	if len(ask) == 0 {
		best := fresh[0].Priority()
		for _, p := range fresh {
			if p.Priority() == best {
				ask = append(ask, p)
			}
		}
	}
	for _, p := range ask {
		ps := e.peer(p.ID())
		t.pull(e, p, ps)
		ps.asked = true
	}
}

// loadDependencies makes sure every CoValue the permissions of a wanted
// entry depend on has an entry, preferring the peer that supplied the
// header, and records the entry as their dependent.
func (t *tick) loadDependencies(e *entry) {
	e.mu.Lock()
	if e.header == nil || !e.wanted() {
		e.mu.Unlock()
		return
	}
	deps := permissions.Dependencies(*e.header, e.verifiedEntries())
	deps = slicesWithout(deps, e.id)
	dropped := e.deps
	for _, id := range deps {
		dropped = slicesWithout(dropped, id)
	}
	e.deps = deps
	source := e.headerSource
	e.mu.Unlock()

	for _, id := range dropped {
		if d := t.n.lookup(id); d != nil {
			d.mu.Lock()
			delete(d.dependents, e.id)
			d.mu.Unlock()
		}
	}
	for _, id := range deps {
		d, created := t.n.getOrCreate(id)
		if created {
			t.progressed = true
		}
		d.mu.Lock()
		if _, ok := d.dependents[e.id]; !ok {
			d.dependents[e.id] = struct{}{}
			t.progressed = true
		}
		if d.header == nil && d.preferPeer == "" && source != "" {
			d.preferPeer = source
		}
		d.mu.Unlock()
	}
}

func slicesWithout(ids []covalue.ID, drop covalue.ID) []covalue.ID {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// verify checks every complete signed chunk that follows the verified
// prefix of each session.
func (t *tick) verify(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil {
		return
	}

	for _, sid := range e.sessionIDs() {
		s := e.sessions[sid]
		for s.failed < 0 {
			end := -1
			for i := s.verified; i < len(s.slots); i++ {
				if s.slots[i].state != txAvailable {
					break
				}
				if _, ok := s.sigs[i]; ok {
					end = i
					break
				}
			}
			if end < 0 {
				break
			}

			txs := make([]covalue.Transaction, 0, end+1-s.verified)
			for i := s.verified; i <= end; i++ {
				txs = append(txs, s.slots[i].tx)
			}
			hashes, err := checkpoint.VerifyChunk(sid, s.head(), txs, s.sigs[end])
			if err != nil {
				t.failChunk(e, s, err)
				break
			}
			for i, h := range hashes {
				slot := &s.slots[s.verified+i]
				slot.state = txVerified
				slot.hash = h
				slot.validity = permissions.ValidityUnknown
			}
			s.verified = end + 1
			t.n.metrics.Verified(len(hashes))
			t.progressed = true
		}
	}
}

// failChunk discards everything from the first unverifiable transaction on
// and tells the peer that sent it what we really hold.
func (t *tick) failChunk(e *entry, s *sessionLog, err error) {
	index := s.verified
	var cerr *checkpoint.Error
	if errors.As(err, &cerr) {
		index = s.verified + cerr.Offset
	}
	var source string
	for i := s.verified; i < len(s.slots); i++ {
		if s.slots[i].source != "" {
			source = s.slots[i].source
			break
		}
	}

	failed := len(s.slots) - s.verified
	for i := s.verified; i < len(s.slots); i++ {
		s.slots[i].state = txFailed
		s.slots[i].err = err
	}
	s.failed = s.verified
	t.progressed = true

	t.n.log.Warn("transaction verification failed",
		"covalue", e.id, "session", s.id, "index", index, "peer", source, "error", err)
	t.n.audit.VerificationFailed(string(e.id), string(s.id), index, source, err)
	t.n.metrics.VerificationFailed(failed)

	if p := t.n.peerByID(source); p != nil {
		p.MarkErrored(e.id, err)
		t.send(p, protocol.Known(e.verifiedState(), true))
		if ps, ok := e.peers[source]; ok {
			ps.optimistic = ps.confirmed.Clone()
		}
	}
}

// validate evaluates verified transactions against the ruleset once the
// entry's dependency closure is present, and recomputes availability.
func (t *tick) validate(e *entry) {
	e.mu.Lock()
	hasHeader := e.header != nil
	e.mu.Unlock()
	if !hasHeader {
		return
	}

	closure := permissions.Resolve(graph{t.n}, e.id)
	groups := permissions.GroupMap{}
	var fp strings.Builder
	fp.WriteString("v1;")
	ready, unavailable := closure.Ready(), false
	for _, id := range closure.Order {
		if id == e.id {
			continue
		}
		d := t.n.lookup(id)
		if d == nil {
			ready = false
			continue
		}
		d.mu.Lock()
		if !d.loaded() {
			ready = false
		}
		if d.header != nil && d.header.Ruleset.Type == covalue.RulesetGroup && d.group == nil {
			ready = false
		}
		if d.header == nil && d.availability == availUnavailable {
			unavailable = true
		}
		if d.group != nil {
			groups[id] = d.group
			fmt.Fprintf(&fp, "g:%s=%s;", id, d.group.Fingerprint())
		}
		d.mu.Unlock()
	}
	for _, id := range closure.Missing {
		if id == e.id {
			continue
		}
		if d := t.n.lookup(id); d != nil {
			d.mu.Lock()
			if d.availability == availUnavailable {
				unavailable = true
			}
			d.mu.Unlock()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sid := range e.sessionIDs() {
		fmt.Fprintf(&fp, "s:%s=%d;", sid, e.sessions[sid].verified)
	}
	input := fp.String()
	if input != e.validatedFor {
		e.validatedFor = input
		e.groups = groups
		t.evaluate(e)
		t.progressed = true
	}

	switch {
	case ready && e.availability != availAvailable:
		e.availability = availAvailable
		e.bump()
		t.progressed = true
	case !ready && unavailable && e.availability == availUnknown:
		e.availability = availUnavailable
		e.bump()
		t.progressed = true
	}
}

func (t *tick) evaluate(e *entry) {
	entries := e.verifiedEntries()
	group, results := permissions.Validate(e.id, *e.header, entries, e.groups)

	changed := false
	for _, en := range entries {
		v, ok := results[en.Ref]
		if !ok {
			v = permissions.ValidityPending
		}
		slot := &e.sessions[en.Ref.Session].slots[en.Ref.Index]
		if slot.validity == v {
			continue
		}
		slot.validity = v
		changed = true
		if v.Resolved() {
			t.n.metrics.ValidityOutcome(string(v))
		}
		if v == permissions.ValidityInvalid {
			t.n.log.Info("transaction rejected by ruleset",
				"covalue", e.id, "session", en.Ref.Session, "index", en.Ref.Index, "author", en.Author)
			t.n.audit.PermissionInvalid(string(e.id), string(en.Ref.Session), en.Ref.Index, string(en.Author))
		}
	}
	if group != nil && (e.group == nil || e.group.Fingerprint() != group.Fingerprint()) {
		changed = true
	}
	if group != nil {
		e.group = group
	}
	if changed {
		e.bump()
	}
}

// decrypt decodes the changes of valid transactions. Private transactions
// whose key is not readable yet are retried when the validation inputs
// change.
func (t *tick) decrypt(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil {
		return
	}

	changed := false
	for _, sid := range e.sessionIDs() {
		s := e.sessions[sid]
		for i := 0; i < s.verified; i++ {
			slot := &s.slots[i]
			if slot.validity != permissions.ValidityValid || slot.decrypt != notDecrypted {
				continue
			}
			if slot.tx.Privacy == covalue.PrivacyTrusting {
				changes, err := covalue.DecodeChanges(slot.tx.Changes)
				t.settleDecrypt(e, sid, i, slot, changes, err)
				changed = true
				continue
			}
			if slot.triedWith == e.validatedFor {
				continue
			}
			slot.triedWith = e.validatedFor
			key, err := t.n.readKey(e, slot.tx.KeyUsed)
			if err != nil {
				continue
			}
			plain, err := key.Decrypt(slot.tx.EncryptedChanges)
			var changes []covalue.Change
			if err == nil {
				changes, err = covalue.DecodeChanges(plain)
			}
			t.settleDecrypt(e, sid, i, slot, changes, err)
			changed = true
		}
	}
	if changed {
		e.bump()
		t.progressed = true
	}
}

func (t *tick) settleDecrypt(e *entry, sid covalue.SessionID, index int, slot *txSlot, changes []covalue.Change, err error) {
	if err != nil {
		slot.decrypt = decryptFailed
		slot.err = err
		t.n.log.Warn("transaction could not be decrypted", "covalue", e.id, "session", sid, "index", index, "error", err)
		t.n.audit.DecryptionFailed(string(e.id), string(sid), index, err)
		t.n.metrics.DecryptionFailed()
		return
	}
	slot.decrypt = decrypted
	slot.changes = changes
}

// notify emits one snapshot per listener per materialized change.
func (t *tick) notify(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.announced != e.availability {
		e.announced = e.availability
		e.signal()
	}
	if len(e.listeners) == 0 || e.availability == availUnknown {
		return
	}
	if e.availability == availAvailable && !e.loaded() {
		return
	}

	var snap *Snapshot
	for h, l := range e.listeners {
		if l.primed && l.notified == e.version {
			continue
		}
		if snap == nil {
			snap = e.snapshot()
		}
		l.primed = true
		l.notified = e.version
		t.emit(NotifyEffect{Listener: h, Snapshot: snap, fn: l.fn})
	}
}

// syncOut answers pulls and pushes new content to interested peers.
// Dependencies are pushed to a peer before the content that needs them.
func (t *tick) syncOut(e *entry) {
	e.mu.Lock()
	var targets []*peer.Peer
	for _, p := range t.peers {
		ps, ok := e.peers[p.ID()]
		if !ok {
			continue
		}
		if (ps.pendingPull || t.wantsPush(e, p, ps)) && e.ready() {
			targets = append(targets, p)
		}
	}
	deps := append([]covalue.ID(nil), e.deps...)
	e.mu.Unlock()

	if len(targets) > 0 && len(deps) > 0 {
		closure := permissions.Resolve(graph{t.n}, e.id)
		for _, p := range targets {
			for _, id := range closure.Order {
				if id == e.id {
					continue
				}
				if d := t.n.lookup(id); d != nil {
					t.pushDependency(d, p, e.id)
				}
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range t.peers {
		ps := e.peer(p.ID())
		if ps.needPull {
			t.pull(e, p, ps)
		}
		if ps.pendingPull {
			switch {
			case e.ready():
				t.answerPull(e, p, ps)
			case e.availability == availUnavailable:
				t.send(p, protocol.NotFound(e.id))
				ps.pendingPull = false
			}
			continue
		}
		if e.ready() && t.wantsPush(e, p, ps) {
			t.pushContent(e, p, ps, "")
		}
	}
}

// wantsPush reports whether p should receive content it lacks without
// asking. Upstream peers with no known state are pulled first instead.
func (t *tick) wantsPush(e *entry, p *peer.Peer, ps *peerState) bool {
	if !ps.stateKnown || !(ps.subscribed || p.Role().Upstream()) {
		return false
	}
	theirs := ps.optimistic
	if e.header != nil && !theirs.Header {
		return true
	}
	for sid, s := range e.sessions {
		if s.verified > theirs.Count(sid) {
			return true
		}
	}
	return false
}

func (t *tick) answerPull(e *entry, p *peer.Peer, ps *peerState) {
	chunks := e.contentFor(ps.optimistic, t.n.cfg.CheckpointBytes)
	ks := e.knownState()
	if len(chunks) == 0 {
		t.sendContent(e, p, protocol.Data(e.id, nil, nil, true, ks))
	}
	for i, c := range chunks {
		if i == 0 {
			t.sendContent(e, p, protocol.Data(e.id, c.header, c.sessions, true, ks))
			continue
		}
		t.sendContent(e, p, protocol.Push(e.id, c.header, c.sessions, ks))
		ps.awaitingAck++
	}
	ps.pendingPull = false
	ps.optimistic.Merge(e.verifiedState())
}

func (t *tick) pushContent(e *entry, p *peer.Peer, ps *peerState, dependent covalue.ID) {
	chunks := e.contentFor(ps.optimistic, t.n.cfg.CheckpointBytes)
	ks := e.knownState()
	for _, c := range chunks {
		msg := protocol.Push(e.id, c.header, c.sessions, ks)
		msg.AsDependencyOf = dependent
		t.sendContent(e, p, msg)
		ps.awaitingAck++
	}
	ps.optimistic.Merge(e.verifiedState())
}

// pushDependency sends a dependency to p unless p is known to hold it.
func (t *tick) pushDependency(d *entry, p *peer.Peer, dependent covalue.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready() {
		return
	}
	ps := d.peer(p.ID())
	if ps.pendingPull {
		return
	}
	theirs := ps.optimistic
	if theirs.Header && theirs.Covers(d.verifiedState()) {
		return
	}
	t.pushContent(d, p, ps, dependent)
	ps.subscribed = true
	ps.stateKnown = true
}

// persist writes the header, then each session's verified and validated
// prefix up to its last signed index.
func (t *tick) persist(e *entry) {
	if t.n.store == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil || !e.storageSettled() || t.now.Before(e.retryAt) {
		return
	}

	if !e.headerStored {
		if !e.headerStoring {
			e.headerStoring = true
			t.emit(WriteHeaderEffect{ID: e.id, Header: *e.header})
		}
		return
	}

	for _, sid := range e.sessionIDs() {
		s := e.sessions[sid]
		if s.storing {
			continue
		}
		end := -1
		for i := s.stored; i < s.verified; i++ {
			if !s.slots[i].validity.Resolved() {
				break
			}
			if _, ok := s.sigs[i]; ok {
				end = i
			}
		}
		if end < s.stored {
			continue
		}
		txs := make([]covalue.Transaction, 0, end+1-s.stored)
		for i := s.stored; i <= end; i++ {
			txs = append(txs, s.slots[i].tx)
		}
		s.storing = true
		t.emit(AppendEffect{ID: e.id, Session: sid, After: s.stored, Transactions: txs, Signature: s.sigs[end]})
	}
}

// chunk is one message worth of content.
type chunk struct {
	header   *covalue.Header
	sessions map[covalue.SessionID]covalue.SessionContent
}

// contentFor returns the verified content theirs lacks, split at signed
// indices once a run exceeds maxBytes. Message i carries the i-th run of
// every session; the header rides in the first.
func (e *entry) contentFor(theirs covalue.KnownState, maxBytes int) []chunk {
	var chunks []chunk
	at := func(i int) *chunk {
		for len(chunks) <= i {
			chunks = append(chunks, chunk{sessions: map[covalue.SessionID]covalue.SessionContent{}})
		}
		return &chunks[i]
	}
	if e.header != nil && !theirs.Header {
		h := *e.header
		at(0).header = &h
	}

	for _, sid := range e.sessionIDs() {
		s := e.sessions[sid]
		from := theirs.Count(sid)
		if from >= s.verified {
			continue
		}
		run, size := 0, 0
		content := covalue.SessionContent{After: from}
		for i := from; i < s.verified; i++ {
			content.NewTransactions = append(content.NewTransactions, s.slots[i].tx)
			size += s.slots[i].tx.Size()
			sig, signed := s.sigs[i]
			if !signed || (size <= maxBytes && i < s.verified-1) {
				continue
			}
			content.LastSignature = sig
			at(run).sessions[sid] = content
			run++
			size = 0
			content = covalue.SessionContent{After: i + 1}
		}
	}
	for i := range chunks {
		if len(chunks[i].sessions) == 0 {
			chunks[i].sessions = nil
		}
	}
	return chunks
}
