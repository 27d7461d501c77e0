package node

import (
	"cosync/internal/peer"
)

// AddPeer attaches p and starts serving it. CoValues that were unavailable
// are looked for again. A peer with the same ID replaces the old one.
func (n *Node) AddPeer(p *peer.Peer) {
	n.mu.Lock()
	old := n.peers[p.ID()]
	n.peers[p.ID()] = p
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}

	for _, e := range n.entryList() {
		e.mu.Lock()
		delete(e.peers, p.ID())
		if e.availability == availUnavailable {
			e.availability = availUnknown
			e.announced = availUnknown
			e.signal()
		}
		e.mu.Unlock()
	}

	n.log.Info("peer added", "peer", p.ID(), "role", p.Role())
	n.audit.PeerAdded(p.ID(), string(p.Role()))
	n.metrics.PeerConnected(string(p.Role()))

	n.peerWG.Add(1)
	go func() {
		defer n.peerWG.Done()
		err := p.Run(n.ctx, n.onMessage)
		n.removePeer(p, err)
	}()
	n.wake()
}

// RemovePeer disconnects the peer with the given ID.
func (n *Node) RemovePeer(id string) {
	if p := n.peerByID(id); p != nil {
		n.removePeer(p, nil)
	}
}

// Peers returns the connected peers.
func (n *Node) Peers() []*peer.Peer {
	return n.peerList()
}

func (n *Node) removePeer(p *peer.Peer, err error) {
	n.mu.Lock()
	current, ok := n.peers[p.ID()]
	if ok && current == p {
		delete(n.peers, p.ID())
	}
	n.mu.Unlock()
	p.Close()
	if !ok || current != p {
		return
	}

	for _, e := range n.entryList() {
		e.mu.Lock()
		delete(e.peers, p.ID())
		e.signal()
		e.mu.Unlock()
	}

	if err != nil {
		n.log.Warn("peer disconnected", "peer", p.ID(), "error", err)
	} else {
		n.log.Info("peer removed", "peer", p.ID())
	}
	n.audit.PeerRemoved(p.ID(), err)
	n.metrics.PeerDisconnected(string(p.Role()))
	n.wake()
}
