package node

import (
	"errors"
	"time"

	"cosync/internal/covalue"
	"cosync/internal/metrics"
	"cosync/internal/peer"
	"cosync/internal/protocol"
	"cosync/internal/store"
)

// Effect is a side effect requested by a tick.
type Effect interface {
	effect()
}

// LoadMetaEffect reads what storage holds for a CoValue.
type LoadMetaEffect struct {
	ID covalue.ID
}

// LoadRangeEffect reads the transactions [From, To) of a session.
type LoadRangeEffect struct {
	ID      covalue.ID
	Session covalue.SessionID
	From    int
	To      int
}

// WriteHeaderEffect persists a header.
type WriteHeaderEffect struct {
	ID     covalue.ID
	Header covalue.Header
}

// AppendEffect persists transactions of one session.
type AppendEffect struct {
	ID           covalue.ID
	Session      covalue.SessionID
	After        int
	Transactions []covalue.Transaction
	Signature    covalue.Signature
}

// SendEffect queues a message on a peer.
type SendEffect struct {
	Peer    *peer.Peer
	Message protocol.Message
}

// NotifyEffect delivers a snapshot to a listener.
type NotifyEffect struct {
	Listener ListenerHandle
	Snapshot *Snapshot
	fn       func(*Snapshot)
}

func (LoadMetaEffect) effect()    {}
func (LoadRangeEffect) effect()   {}
func (WriteHeaderEffect) effect() {}
func (AppendEffect) effect()      {}
func (SendEffect) effect()        {}
func (NotifyEffect) effect()      {}

// execute performs effects. Storage results are applied later by tasks on
// the CoValue's queue.
func (n *Node) execute(effects []Effect) {
	for _, eff := range effects {
		switch eff := eff.(type) {
		case SendEffect:
			n.send(eff.Peer, eff.Message)
		case NotifyEffect:
			fn, snap := eff.fn, eff.Snapshot
			n.notifications.push(string(eff.Listener), func() { fn(snap) })
		case LoadMetaEffect:
			if n.store == nil {
				continue
			}
			f := n.store.LoadMeta(n.ctx, eff.ID)
			await(n, eff.ID, f, func(meta *store.Meta, err error) {
				n.applyMeta(eff.ID, meta, err)
			})
		case LoadRangeEffect:
			if n.store == nil {
				continue
			}
			f := n.store.LoadRange(n.ctx, eff.ID, eff.Session, eff.From, eff.To)
			await(n, eff.ID, f, func(txs []covalue.Transaction, err error) {
				n.applyRange(eff, txs, err)
			})
		case WriteHeaderEffect:
			if n.store == nil {
				continue
			}
			f := n.store.WriteHeader(n.ctx, eff.ID, eff.Header)
			await(n, eff.ID, f, func(_ struct{}, err error) {
				n.applyHeaderWritten(eff.ID, err)
			})
		case AppendEffect:
			if n.store == nil {
				continue
			}
			f := n.store.AppendToSession(n.ctx, eff.ID, eff.Session, eff.After, eff.Transactions, eff.Signature)
			await(n, eff.ID, f, func(res store.AppendResult, err error) {
				n.applyAppended(eff, res, err)
			})
		}
	}
}

func (n *Node) send(p *peer.Peer, msg protocol.Message) {
	if p == nil {
		return
	}
	if err := p.Send(msg); err != nil {
		n.log.Debug("dropping message for closed peer", "peer", p.ID(), "message", msg.String())
		return
	}
	n.metrics.Message(string(msg.Action), metrics.Outbound)
}

// await hands the outcome of f to apply on the CoValue's task queue.
func await[T any](n *Node, id covalue.ID, f *store.Future[T], apply func(T, error)) {
	n.effectWG.Add(1)
	go func() {
		defer n.effectWG.Done()
		select {
		case <-f.Done():
		case <-n.ctx.Done():
			return
		}
		n.tasks.push(string(id), func() {
			v, err := f.Result()
			apply(v, err)
			n.wake()
		})
	}()
}

func (n *Node) applyMeta(id covalue.ID, meta *store.Meta, err error) {
	n.metrics.Storage("load_meta", err)
	e := n.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		n.log.Warn("loading covalue metadata failed", "covalue", id, "error", err)
		e.storage = storageUnknown
		e.retryAt = time.Now().Add(n.cfg.StorageRetry)
		return
	}
	defer e.signal()
	if meta == nil {
		e.storage = storageAbsent
		return
	}

	e.storage = storageKnown
	e.headerStored = true
	if e.header == nil {
		e.setHeader(meta.Header, "")
	}
	for sid, sm := range meta.Sessions {
		s := e.session(sid)
		if s == nil {
			n.log.Warn("stored session has a malformed id", "covalue", id, "session", sid)
			continue
		}
		for len(s.slots) < sm.Count {
			s.slots = append(s.slots, txSlot{state: txInStorage})
		}
		for idx, sig := range sm.SignatureAfter {
			if _, ok := s.sigs[idx]; !ok && idx < sm.Count {
				s.sigs[idx] = sig
			}
		}
		if sm.Count > 0 {
			if _, ok := s.sigs[sm.Count-1]; !ok {
				s.sigs[sm.Count-1] = sm.LastSignature
			}
		}
		s.stored = max(s.stored, sm.Count)
	}
}

func (n *Node) applyRange(eff LoadRangeEffect, txs []covalue.Transaction, err error) {
	n.metrics.Storage("load_range", err)
	e := n.lookup(eff.ID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[eff.Session]
	if s == nil {
		return
	}

	if err == nil && len(txs) != eff.To-eff.From {
		err = errors.New("storage returned a short range")
	}
	for i := eff.From; i < eff.To && i < len(s.slots); i++ {
		if s.slots[i].state != txLoading {
			continue
		}
		if err != nil {
			s.slots[i].state = txInStorage
			continue
		}
		s.slots[i] = txSlot{state: txAvailable, tx: txs[i-eff.From], validity: s.slots[i].validity}
	}
	if err != nil {
		n.log.Warn("loading transactions failed", "covalue", eff.ID, "session", eff.Session, "from", eff.From, "to", eff.To, "error", err)
		e.retryAt = time.Now().Add(n.cfg.StorageRetry)
		return
	}
	e.signal()
}

func (n *Node) applyHeaderWritten(id covalue.ID, err error) {
	n.metrics.Storage("write_header", err)
	e := n.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headerStoring = false
	if err != nil {
		n.log.Warn("writing header failed", "covalue", id, "error", err)
		e.retryAt = time.Now().Add(n.cfg.StorageRetry)
		return
	}
	e.headerStored = true
}

func (n *Node) applyAppended(eff AppendEffect, res store.AppendResult, err error) {
	n.metrics.Storage("append", err)
	e := n.lookup(eff.ID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[eff.Session]
	if s == nil {
		return
	}
	s.storing = false

	switch {
	case errors.Is(err, store.ErrGap):
		// Storage holds less than assumed; resend from the start and let
		// the overlap be skipped.
		n.log.Warn("storage gap, rewriting session", "covalue", eff.ID, "session", eff.Session, "after", eff.After)
		s.stored = 0
	case err != nil:
		n.log.Warn("appending transactions failed", "covalue", eff.ID, "session", eff.Session, "error", err)
		e.retryAt = time.Now().Add(n.cfg.StorageRetry)
	default:
		s.stored = max(s.stored, res.Count)
	}
}
