// Package node is the local-first sync engine. A Node owns the in-memory
// state of every CoValue it has touched and advances it in ticks: each
// tick runs the load, dependency, verification, validation, decryption,
// notification, sync and storage stages over every CoValue and returns
// the side effects to perform. Effects run outside the tick; their
// results, and every inbound peer message, are applied by per-CoValue
// tasks that never interleave for one CoValue.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
	"cosync/internal/logging"
	"cosync/internal/metrics"
	"cosync/internal/peer"
	"cosync/internal/signer"
	"cosync/internal/store"
)

// Errors
var (
	ErrUnavailable      = errors.New("node: covalue unavailable")
	ErrNotFound         = errors.New("node: covalue not found")
	ErrPermissionDenied = errors.New("node: permission denied")
	ErrNoReadKey        = errors.New("node: no readable key")
	ErrForeignSession   = errors.New("node: session is not owned by this node")
	ErrClosed           = errors.New("node: closed")
)

// Config configures a Node.
type Config struct {
	// Agent signs every transaction made in this node's session.
	Agent *signer.Agent

	// Session defaults to a fresh session of Agent.
	Session covalue.SessionID

	// Store persists content. Nil runs the node purely in memory.
	Store store.AsyncAdapter

	Logger  *slog.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.Metrics

	// LoadTimeout bounds Load.
	LoadTimeout time.Duration

	// PeerLoadTimeout is how long a peer may take to answer a pull for a
	// CoValue we have no header for before the next peer tier is asked.
	PeerLoadTimeout time.Duration

	// TickInterval is the period of background ticks. Ticks also run
	// whenever a task or message changes state.
	TickInterval time.Duration

	// StorageRetry is the delay before a failed storage effect is retried.
	StorageRetry time.Duration

	// CheckpointBytes is the size after which outgoing content is split
	// into another message at the next signed index.
	CheckpointBytes int
}

// DefaultConfig returns a configuration with default timings.
func DefaultConfig(agent *signer.Agent) Config {
	return Config{
		Agent:           agent,
		LoadTimeout:     10 * time.Second,
		PeerLoadTimeout: 5 * time.Second,
		TickInterval:    100 * time.Millisecond,
		StorageRetry:    time.Second,
		CheckpointBytes: checkpoint.DefaultPolicy().MaxBytes,
	}
}

// Node is a sync engine instance.
type Node struct {
	cfg     Config
	agent   *signer.Agent
	session covalue.SessionID
	store   store.AsyncAdapter
	log     *slog.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[covalue.ID]*entry
	peers   map[string]*peer.Peer

	tickMu        sync.Mutex
	tasks         *taskQueue
	notifications *taskQueue
	loads         singleflight.Group
	peerWG        sync.WaitGroup
	effectWG      sync.WaitGroup
	wakeCh        chan struct{}
	closeOnce     sync.Once
}

// New creates a node. Run must be called for background progress.
func New(cfg Config) (*Node, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("node: config has no agent")
	}
	defaults := DefaultConfig(cfg.Agent)
	if cfg.Session == "" {
		cfg.Session = covalue.NewSessionID(cfg.Agent.ID())
	}
	if agent, err := cfg.Session.Agent(); err != nil || agent != cfg.Agent.ID() {
		return nil, fmt.Errorf("%w: %s", ErrForeignSession, cfg.Session)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaults.LoadTimeout
	}
	if cfg.PeerLoadTimeout <= 0 {
		cfg.PeerLoadTimeout = defaults.PeerLoadTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.StorageRetry <= 0 {
		cfg.StorageRetry = defaults.StorageRetry
	}
	if cfg.CheckpointBytes <= 0 {
		cfg.CheckpointBytes = defaults.CheckpointBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:           cfg,
		agent:         cfg.Agent,
		session:       cfg.Session,
		store:         cfg.Store,
		log:           cfg.Logger.With("session", string(cfg.Session)),
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		entries:       map[covalue.ID]*entry{},
		peers:         map[string]*peer.Peer{},
		tasks:         newTaskQueue(),
		notifications: newTaskQueue(),
		wakeCh:        make(chan struct{}, 1),
	}, nil
}

// Agent returns the identity of the node.
func (n *Node) Agent() covalue.AgentID { return n.agent.ID() }

// Session returns the session the node writes to.
func (n *Node) Session() covalue.SessionID { return n.session }

// Run ticks until ctx ends or the node is closed.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		for {
			effects, progressed := n.Tick(time.Now())
			n.execute(effects)
			if !progressed {
				break
			}
			if n.ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.ctx.Done():
			return nil
		case <-n.wakeCh:
		case <-ticker.C:
		}
	}
}

// Close disconnects every peer and stops background work. The store is
// owned by the caller and stays open.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		for _, p := range n.peerList() {
			p.Close()
		}
		n.peerWG.Wait()
		n.effectWG.Wait()
		n.tasks.wait()
		n.notifications.wait()
	})
	return nil
}

func (n *Node) closed() bool {
	return n.ctx.Err() != nil
}

func (n *Node) wake() {
	select {
	case n.wakeCh <- struct{}{}:
	default:
	}
}

// lookup returns the entry for id, or nil.
func (n *Node) lookup(id covalue.ID) *entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.entries[id]
}

// getOrCreate returns the entry for id, creating an empty one that the
// next tick starts loading.
func (n *Node) getOrCreate(id covalue.ID) (*entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[id]; ok {
		return e, false
	}
	e := newEntry(id)
	if n.store == nil {
		e.storage = storageAbsent
	}
	n.entries[id] = e
	n.metrics.SetCoValues(len(n.entries))
	return e, true
}

// entryList returns every entry in ID order.
func (n *Node) entryList() []*entry {
	n.mu.Lock()
	out := make([]*entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// peerList returns connected peers ordered by engagement priority.
func (n *Node) peerList() []*peer.Peer {
	n.mu.Lock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (n *Node) peerByID(id string) *peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// CoValues lists the IDs the node holds state for.
func (n *Node) CoValues() []covalue.ID {
	entries := n.entryList()
	out := make([]covalue.ID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// KnownState returns what the node holds for id.
func (n *Node) KnownState(id covalue.ID) covalue.KnownState {
	e := n.lookup(id)
	if e == nil {
		return covalue.EmptyKnownState(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.knownState()
}

// graph adapts the entry registry to permissions.Graph. Each lookup locks
// a single entry, so it must not be called with an entry lock held.
type graph struct{ n *Node }

func (g graph) Dependencies(id covalue.ID) ([]covalue.ID, bool) {
	e := g.n.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header == nil {
		return nil, false
	}
	return append([]covalue.ID(nil), e.deps...), true
}
