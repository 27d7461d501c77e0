package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
	"cosync/internal/permissions"
	"cosync/internal/security"
)

// AppendResult describes a transaction appended to the node's session.
type AppendResult struct {
	ID        covalue.ID
	Session   covalue.SessionID
	Index     int
	Signature covalue.Signature
}

// ListenerHandle identifies a subscription.
type ListenerHandle string

// CreateCoValue registers a new CoValue with the given header.
func (n *Node) CreateCoValue(header covalue.Header) (covalue.ID, error) {
	if err := header.Validate(); err != nil {
		return "", err
	}
	id := header.ID()
	e, _ := n.getOrCreate(id)

	e.mu.Lock()
	e.local = true
	if e.header == nil {
		e.setHeader(header, "")
		if e.storage != storageKnown {
			// A fresh header cannot exist in storage yet.
			e.storage = storageAbsent
		}
		for _, p := range n.peerList() {
			if p.Role().Upstream() {
				ps := e.peer(p.ID())
				ps.stateKnown = true
			}
		}
	}
	e.mu.Unlock()

	n.wake()
	return id, nil
}

// AppendTransaction signs tx into the node's session of id. It waits for
// the CoValue to become available and fails with ErrPermissionDenied when
// the ruleset would reject the transaction.
func (n *Node) AppendTransaction(ctx context.Context, id covalue.ID, session covalue.SessionID, tx covalue.Transaction) (AppendResult, error) {
	if session != n.session {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrForeignSession, session)
	}
	if _, err := n.Load(ctx, id); err != nil {
		return AppendResult{}, err
	}

	type outcome struct {
		res AppendResult
		err error
	}
	done := make(chan outcome, 1)
	n.tasks.push(string(id), func() {
		res, err := n.appendLocal(id, tx)
		done <- outcome{res, err}
		n.wake()
	})

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	case <-n.ctx.Done():
		return AppendResult{}, ErrClosed
	}
}

func (n *Node) appendLocal(id covalue.ID, tx covalue.Transaction) (AppendResult, error) {
	e := n.lookup(id)
	if e == nil {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkShape(tx); err != nil {
		return AppendResult{}, err
	}

	s := e.session(n.session)
	if s.verified != len(s.slots) {
		return AppendResult{}, fmt.Errorf("%w: own session %s is still loading", ErrUnavailable, n.session)
	}

	candidate := permissions.Entry{
		Ref:    permissions.TxRef{Session: n.session, Index: len(s.slots)},
		Author: n.agent.ID(),
		Tx:     tx,
	}
	_, results := permissions.Validate(e.id, *e.header, append(e.verifiedEntries(), candidate), e.groups)
	switch results[candidate.Ref] {
	case permissions.ValidityValid:
	case permissions.ValidityPending:
		return AppendResult{}, fmt.Errorf("%w: permissions of %s are not resolved", ErrUnavailable, id)
	default:
		return AppendResult{}, fmt.Errorf("%w: %s cannot write to %s", ErrPermissionDenied, n.agent.ID(), id)
	}

	head, err := checkpoint.Next(s.head(), tx)
	if err != nil {
		return AppendResult{}, err
	}
	sig := checkpoint.Sign(n.agent, n.session, head)
	index := len(s.slots)
	s.slots = append(s.slots, txSlot{state: txVerified, tx: tx, hash: head, validity: permissions.ValidityUnknown})
	s.sigs[index] = sig
	s.verified = index + 1
	e.local = true
	e.signal()

	return AppendResult{ID: id, Session: n.session, Index: index, Signature: sig}, nil
}

func checkShape(tx covalue.Transaction) error {
	switch tx.Privacy {
	case covalue.PrivacyTrusting:
		_, err := covalue.DecodeChanges(tx.Changes)
		return err
	case covalue.PrivacyPrivate:
		if tx.EncryptedChanges == "" || !security.IsKeyID(string(tx.KeyUsed)) {
			return fmt.Errorf("%w: private transaction without key or payload", covalue.ErrInvalidChange)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown privacy %q", covalue.ErrInvalidChange, tx.Privacy)
	}
}

// Set writes key=value to a map CoValue.
func (n *Node) Set(ctx context.Context, id covalue.ID, key string, value any) error {
	c, err := covalue.Set(key, value)
	if err != nil {
		return err
	}
	return n.Change(ctx, id, c)
}

// Delete removes key from a map CoValue.
func (n *Node) Delete(ctx context.Context, id covalue.ID, key string) error {
	return n.Change(ctx, id, covalue.Del(key))
}

// Change appends changes as one transaction. CoValues owned by a group
// with a readable key get a private transaction.
func (n *Node) Change(ctx context.Context, id covalue.ID, changes ...covalue.Change) error {
	if _, err := n.Load(ctx, id); err != nil {
		return err
	}
	tx, err := n.buildTransaction(id, changes)
	if err != nil {
		return err
	}
	_, err = n.AppendTransaction(ctx, id, n.session, tx)
	return err
}

func (n *Node) buildTransaction(id covalue.ID, changes []covalue.Change) (covalue.Transaction, error) {
	e := n.lookup(id)
	if e == nil {
		return covalue.Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	key, private := e.writeKey(n)
	e.mu.Unlock()

	if !private {
		return covalue.Trusting(changes...)
	}
	raw, err := covalue.EncodeChanges(changes)
	if err != nil {
		return covalue.Transaction{}, err
	}
	enc, err := key.Encrypt(raw)
	if err != nil {
		return covalue.Transaction{}, err
	}
	return covalue.Transaction{
		Privacy:          covalue.PrivacyPrivate,
		MadeAt:           time.Now().UnixMilli(),
		EncryptedChanges: enc,
		KeyUsed:          key.ID,
	}, nil
}

// writeKey returns the current read key of the owning group when the
// entry is group-owned and the key is readable by this node.
func (e *entry) writeKey(n *Node) (security.ReadKey, bool) {
	if e.header == nil || e.header.Ruleset.Type != covalue.RulesetOwnedByGroup {
		return security.ReadKey{}, false
	}
	g, ok := e.ownerGroup()
	if !ok {
		return security.ReadKey{}, false
	}
	keyID, ok := g.ReadKeyID()
	if !ok {
		return security.ReadKey{}, false
	}
	key, err := n.readKey(e, keyID)
	return key, err == nil
}

// readKey resolves keyID through the entry's owner group, caching hits.
// The caller holds e.mu.
func (n *Node) readKey(e *entry, keyID covalue.KeyID) (security.ReadKey, error) {
	if key, ok := e.keys[keyID]; ok {
		return key, nil
	}
	g, ok := e.ownerGroup()
	if !ok {
		return security.ReadKey{}, ErrNoReadKey
	}
	key, err := g.ReadKey(keyID, n.agent, e.groupsWithSelf())
	if err != nil {
		return security.ReadKey{}, err
	}
	e.keys[keyID] = key
	return key, nil
}

// CreateGroup creates a group administered by this node's agent with a
// fresh read key revealed to it.
func (n *Node) CreateGroup(ctx context.Context) (covalue.ID, error) {
	id, err := n.CreateCoValue(covalue.GroupHeader(n.agent.ID()))
	if err != nil {
		return "", err
	}
	key, err := security.NewReadKey()
	if err != nil {
		return "", err
	}
	grant, err := permissions.GrantRole(string(n.agent.ID()), permissions.RoleAdmin)
	if err != nil {
		return "", err
	}
	setKey, err := permissions.SetReadKey(key.ID)
	if err != nil {
		return "", err
	}
	reveal, err := permissions.RevealToAgent(n.agent, key, n.agent.ID())
	if err != nil {
		return "", err
	}
	tx, err := covalue.Trusting(grant, setKey, reveal)
	if err != nil {
		return "", err
	}
	if _, err := n.AppendTransaction(ctx, id, n.session, tx); err != nil {
		return "", fmt.Errorf("initialize group: %w", err)
	}
	return id, nil
}

// CreateMap creates a map owned by group.
func (n *Node) CreateMap(ctx context.Context, group covalue.ID) (covalue.ID, error) {
	if _, err := n.Load(ctx, group); err != nil {
		return "", err
	}
	return n.CreateCoValue(covalue.OwnedHeader(group))
}

// groupKey returns the state and current readable key of a group.
func (n *Node) groupKey(ctx context.Context, group covalue.ID) (*permissions.GroupState, security.ReadKey, error) {
	if _, err := n.Load(ctx, group); err != nil {
		return nil, security.ReadKey{}, err
	}
	e := n.lookup(group)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.group == nil {
		return nil, security.ReadKey{}, fmt.Errorf("%w: %s is not a group", ErrNotFound, group)
	}
	keyID, ok := e.group.ReadKeyID()
	if !ok {
		return e.group, security.ReadKey{}, fmt.Errorf("%w: %s has no read key", ErrNoReadKey, group)
	}
	key, err := n.readKey(e, keyID)
	if err != nil {
		return e.group, security.ReadKey{}, fmt.Errorf("%w: %v", ErrNoReadKey, err)
	}
	return e.group, key, nil
}

// reveal builds the change that gives member access to key.
func (n *Node) reveal(ctx context.Context, key security.ReadKey, member string) (covalue.Change, bool, error) {
	switch {
	case member == permissions.EveryoneKey:
		return covalue.Change{}, false, nil
	case covalue.IsID(member):
		_, memberKey, err := n.groupKey(ctx, covalue.ID(member))
		if err != nil {
			return covalue.Change{}, false, err
		}
		c, err := permissions.RevealToGroup(key, memberKey, covalue.ID(member))
		return c, err == nil, err
	default:
		c, err := permissions.RevealToAgent(n.agent, key, covalue.AgentID(member))
		return c, err == nil, err
	}
}

// AddMember grants role to member, an agent ID, a group ID or "everyone",
// and reveals the current read key to it.
func (n *Node) AddMember(ctx context.Context, group covalue.ID, member string, role permissions.Role) error {
	_, key, err := n.groupKey(ctx, group)
	if err != nil {
		return err
	}
	grant, err := permissions.GrantRole(member, role)
	if err != nil {
		return err
	}
	changes := []covalue.Change{grant}
	if role.IsMember() {
		c, ok, err := n.reveal(ctx, key, member)
		if err != nil {
			return fmt.Errorf("reveal key to %s: %w", member, err)
		}
		if ok {
			changes = append(changes, c)
		}
	}
	tx, err := covalue.Trusting(changes...)
	if err != nil {
		return err
	}
	_, err = n.AppendTransaction(ctx, group, n.session, tx)
	return err
}

// RotateReadKey replaces the group's read key, revealing the new key to
// every current member and linking the old key to it.
func (n *Node) RotateReadKey(ctx context.Context, group covalue.ID) (covalue.KeyID, error) {
	state, old, err := n.groupKey(ctx, group)
	if err != nil {
		return "", err
	}
	next, err := security.NewReadKey()
	if err != nil {
		return "", err
	}

	setKey, err := permissions.SetReadKey(next.ID)
	if err != nil {
		return "", err
	}
	link, err := permissions.RevealToKey(old, next)
	if err != nil {
		return "", err
	}
	changes := []covalue.Change{setKey, link}
	for member, role := range state.Roles() {
		if !role.IsMember() {
			continue
		}
		c, ok, err := n.reveal(ctx, next, member)
		if err != nil {
			n.log.Warn("skipping key reveal", "group", group, "member", member, "error", err)
			continue
		}
		if ok {
			changes = append(changes, c)
		}
	}

	tx, err := covalue.Trusting(changes...)
	if err != nil {
		return "", err
	}
	if _, err := n.AppendTransaction(ctx, group, n.session, tx); err != nil {
		return "", err
	}
	return next.ID, nil
}

// Subscribe registers fn for every materialized change of id. The first
// call happens once the CoValue is available or known to be unavailable.
// Calls for one listener never overlap.
func (n *Node) Subscribe(id covalue.ID, fn func(*Snapshot)) ListenerHandle {
	h := ListenerHandle(string(id) + "#" + uuid.NewString())
	e, _ := n.getOrCreate(id)
	e.mu.Lock()
	e.listeners[h] = &listener{fn: fn}
	e.mu.Unlock()
	n.wake()
	return h
}

// Unsubscribe removes a listener. Notifications already dispatched may
// still arrive.
func (n *Node) Unsubscribe(h ListenerHandle) {
	id, _, _ := strings.Cut(string(h), "#")
	e := n.lookup(covalue.ID(id))
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.listeners, h)
	e.mu.Unlock()
}

// Load waits until id is available and returns its snapshot. Concurrent
// loads of one CoValue share a single wait.
func (n *Node) Load(ctx context.Context, id covalue.ID) (*Snapshot, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	ch := n.loads.DoChan(string(id), func() (any, error) {
		return n.load(id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) load(id covalue.ID) (*Snapshot, error) {
	e, _ := n.getOrCreate(id)
	e.mu.Lock()
	e.waiters++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.waiters--
		e.mu.Unlock()
	}()
	n.wake()

	timer := time.NewTimer(n.cfg.LoadTimeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		switch {
		case e.announced == availAvailable && e.loaded():
			snap := e.snapshot()
			e.mu.Unlock()
			return snap, nil
		case e.announced == availUnavailable:
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s: timed out after %s", ErrUnavailable, id, n.cfg.LoadTimeout)
		case <-n.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Snapshot returns the current state of id without waiting.
func (n *Node) Snapshot(id covalue.ID) (*Snapshot, error) {
	e := n.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil {
		if e.availability == availUnavailable {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}
