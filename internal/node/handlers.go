package node

import (
	"cosync/internal/covalue"
	"cosync/internal/metrics"
	"cosync/internal/peer"
	"cosync/internal/protocol"
)

// onMessage is the peer handler. Messages are applied on the CoValue's
// task queue so that they serialize with storage results and local writes.
func (n *Node) onMessage(p *peer.Peer, msg protocol.Message) {
	n.metrics.Message(string(msg.Action), metrics.Inbound)
	n.tasks.push(string(msg.ID), func() {
		n.handle(p, msg)
		n.wake()
	})
}

func (n *Node) handle(p *peer.Peer, msg protocol.Message) {
	if n.closed() {
		return
	}
	switch msg.Action {
	case protocol.ActionPull:
		n.handlePull(p, msg)
	case protocol.ActionPush:
		n.handlePush(p, msg)
	case protocol.ActionData:
		n.handleData(p, msg)
	case protocol.ActionAck:
		n.handleAck(p, msg)
	case protocol.ActionKnown:
		n.handleKnown(p, msg)
	default:
		n.violation(p, msg, "unknown action")
	}
}

func (n *Node) violation(p *peer.Peer, msg protocol.Message, reason string) {
	n.log.Warn("protocol violation", "peer", p.ID(), "covalue", msg.ID, "action", msg.Action, "reason", reason)
	n.audit.ProtocolViolation(p.ID(), string(msg.ID), string(msg.Action), reason)
	n.metrics.ProtocolViolation(string(msg.Action))
}

// handlePull records what the peer holds and that it wants the rest. The
// reply is sent by the next tick once the CoValue is ready.
func (n *Node) handlePull(p *peer.Peer, msg protocol.Message) {
	e, _ := n.getOrCreate(msg.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	theirs := msg.State()
	ps := e.peer(p.ID())
	ps.subscribed = true
	ps.stateKnown = true
	ps.pendingPull = true
	ps.confirmed = theirs.Clone()
	ps.optimistic = theirs.Clone()
	if n.behind(e, theirs) {
		ps.needPull = true
	}
}

// handlePush applies content the peer sent on its own and acknowledges it.
func (n *Node) handlePush(p *peer.Peer, msg protocol.Message) {
	e, _ := n.getOrCreate(msg.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ps := e.peer(p.ID())
	if n.applyContent(e, p, msg) {
		ps.needPull = true
	}
	theirs := msg.State()
	ps.subscribed = true
	ps.stateKnown = true
	ps.confirmed.Merge(theirs)
	ps.optimistic.Merge(theirs)
	n.send(p, protocol.Ack(e.knownState()))
}

// handleData applies the answer to one of our pulls.
func (n *Node) handleData(p *peer.Peer, msg protocol.Message) {
	e := n.lookup(msg.ID)
	if e == nil {
		n.violation(p, msg, "data for a covalue that was never requested")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ps := e.peer(p.ID())
	if ps.pulls == 0 {
		n.violation(p, msg, "data without an outstanding pull")
		return
	}
	ps.pulls--
	ps.stateKnown = true

	if !msg.IsKnown() {
		ps.notFound = true
		ps.confirmed = msg.State()
		ps.optimistic = ps.confirmed.Clone()
		e.signal()
		return
	}
	if n.applyContent(e, p, msg) {
		ps.needPull = true
	}
	theirs := msg.State()
	ps.confirmed.Merge(theirs)
	ps.optimistic.Merge(theirs)
}

// handleAck confirms content we pushed.
func (n *Node) handleAck(p *peer.Peer, msg protocol.Message) {
	e := n.lookup(msg.ID)
	if e == nil {
		n.violation(p, msg, "ack for a covalue that was never pushed")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ps := e.peer(p.ID())
	if ps.awaitingAck == 0 {
		n.violation(p, msg, "ack without an outstanding push")
		return
	}
	ps.awaitingAck--
	ps.confirmed.Merge(msg.State())
	ps.optimistic.Merge(ps.confirmed)
}

// handleKnown takes the peer's statement of what it holds. A correction
// replaces our belief, so content it lacks is sent again.
func (n *Node) handleKnown(p *peer.Peer, msg protocol.Message) {
	e, _ := n.getOrCreate(msg.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	theirs := msg.State()
	ps := e.peer(p.ID())
	if msg.IsCorrection {
		n.log.Info("peer corrected its known state", "peer", p.ID(), "covalue", msg.ID)
		ps.confirmed = theirs
	} else {
		ps.confirmed.Merge(theirs)
	}
	ps.optimistic = ps.confirmed.Clone()
	ps.stateKnown = true
	if n.behind(e, theirs) {
		ps.needPull = true
	}
}

// applyContent adds the header and session content of msg. It reports
// whether the content could not be applied without first pulling.
// Content for a CoValue that already failed verification from this peer
// is ignored.
func (n *Node) applyContent(e *entry, p *peer.Peer, msg protocol.Message) bool {
	if p.Errored(e.id) {
		n.log.Debug("ignoring content from errored peer", "peer", p.ID(), "covalue", e.id)
		return false
	}
	if msg.Header != nil && e.header == nil {
		if err := msg.Header.Matches(e.id); err != nil {
			n.violation(p, msg, err.Error())
			return false
		}
		e.setHeader(*msg.Header, p.ID())
	}
	if e.header == nil {
		return len(msg.Sessions) > 0
	}

	gap := false
	for sid, c := range msg.Sessions {
		s := e.session(sid)
		if s == nil {
			n.violation(p, msg, "malformed session id "+string(sid))
			continue
		}
		if s.apply(c, p.ID()) {
			n.log.Debug("content leaves a gap", "peer", p.ID(), "covalue", e.id, "session", sid, "after", c.After, "have", s.count())
			gap = true
		}
	}
	e.signal()
	return gap
}

// behind reports whether theirs holds content we do not.
func (n *Node) behind(e *entry, theirs covalue.KnownState) bool {
	if theirs.Header && e.header == nil {
		return true
	}
	return len(theirs.Ahead(e.knownState())) > 0
}
