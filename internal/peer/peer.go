// Package peer carries sync messages between this node and a remote one.
//
// A Peer owns one Conn. Outbound messages wait in a priority queue and are
// written by a single writer that pauses while the transport reports more
// than HighWaterMark bytes buffered. Once the remote end has been seen to
// send more than one message in a frame, queued messages are coalesced up
// to MaxBatch per frame. One end of a connection has to start: the end
// with InitiateBatching coalesces from the first frame.
package peer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cosync/internal/covalue"
	"cosync/internal/protocol"
)

// Errors
var (
	ErrClosed = errors.New("peer: closed")
)

// Role describes what a peer is to this node.
type Role string

const (
	RoleClient  Role = "client"
	RoleServer  Role = "server"
	RoleStorage Role = "storage"
)

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleClient, RoleServer, RoleStorage:
		return r, nil
	}
	return "", fmt.Errorf("peer: unknown role %q", s)
}

// Priority returns the engagement order of the role; lower goes first.
func (r Role) Priority() int {
	switch r {
	case RoleStorage:
		return 0
	case RoleServer:
		return 1
	default:
		return 2
	}
}

// Upstream reports whether the peer is a server or storage peer, which
// receive every change without subscribing first.
func (r Role) Upstream() bool {
	return r == RoleServer || r == RoleStorage
}

// Options tunes a peer's outbound path.
type Options struct {
	// HighWaterMark is the buffered byte count above which sends pause.
	HighWaterMark int
	// MaxBatch bounds the messages coalesced into one frame.
	MaxBatch int
	// Batching enables batched frames on this end.
	Batching bool
	// InitiateBatching coalesces before the remote has batched. Dialing
	// ends set it; accepting ends wait to see a batch.
	InitiateBatching bool
	// DrainPoll is how often a paused writer rechecks the buffer.
	DrainPoll time.Duration
	Logger    *slog.Logger
}

// DefaultOptions returns the default outbound settings.
func DefaultOptions() Options {
	return Options{
		HighWaterMark: 1 << 20,
		MaxBatch:      64,
		Batching:      true,
		DrainPoll:     5 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// Handler receives every inbound message of a peer, in arrival order.
type Handler func(p *Peer, msg protocol.Message)

// Peer is one remote counterpart.
type Peer struct {
	id   string
	role Role
	conn Conn
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	queue outQueue
	seq   uint64
	wake  chan struct{}

	remoteBatches atomic.Bool
	sent          atomic.Int64
	received      atomic.Int64

	erroredMu sync.Mutex
	errored   map[covalue.ID]string

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn as a peer.
func New(id string, role Role, conn Conn, opts Options) *Peer {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = DefaultOptions().DrainPoll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Peer{
		id:      id,
		role:    role,
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With("peer", id, "role", string(role)),
		wake:    make(chan struct{}, 1),
		errored: map[covalue.ID]string{},
		done:    make(chan struct{}),
	}
}

// ID returns the peer identifier.
func (p *Peer) ID() string { return p.id }

// Role returns the peer role.
func (p *Peer) Role() Role { return p.role }

// Priority returns the engagement order of the peer.
func (p *Peer) Priority() int { return p.role.Priority() }

// Done is closed when the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Closed reports whether the peer has been closed.
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// SupportsBatching reports whether the remote end has sent a batch.
func (p *Peer) SupportsBatching() bool { return p.remoteBatches.Load() }

// Stats returns the number of messages sent and received.
func (p *Peer) Stats() (sent, received int64) {
	return p.sent.Load(), p.received.Load()
}

// Send queues msg. It never blocks on the network.
func (p *Peer) Send(msg protocol.Message) error {
	if p.Closed() {
		return ErrClosed
	}
	p.mu.Lock()
	p.seq++
	heap.Push(&p.queue, queued{msg: msg, seq: p.seq})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued outbound messages.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// MarkErrored records that content for id received from this peer failed
// verification.
func (p *Peer) MarkErrored(id covalue.ID, err error) {
	p.erroredMu.Lock()
	p.errored[id] = err.Error()
	p.erroredMu.Unlock()
}

// Errored reports whether content for id from this peer failed before.
func (p *Peer) Errored(id covalue.ID) bool {
	p.erroredMu.Lock()
	defer p.erroredMu.Unlock()
	_, ok := p.errored[id]
	return ok
}

// Run reads and writes until the connection fails, ctx ends or the peer
// is closed. Inbound messages go to h from a single goroutine. A clean
// remote close returns nil.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(ctx, h) })
	g.Go(func() error { return p.writeLoop(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-p.done:
		}
		p.conn.Close()
		return nil
	})

	err := g.Wait()
	p.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close closes the connection and drops queued messages.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		p.mu.Lock()
		p.queue = nil
		p.mu.Unlock()
	})
	return nil
}

func (p *Peer) readLoop(ctx context.Context, h Handler) error {
	for {
		frame, err := p.conn.Recv(ctx)
		if err != nil {
			if p.Closed() {
				return ErrConnClosed
			}
			return err
		}
		msgs, _, err := protocol.Decode(frame)
		if err != nil {
			p.log.Warn("dropping malformed frame", "error", err, "bytes", len(frame))
			continue
		}
		if len(msgs) > 1 && !p.remoteBatches.Swap(true) {
			p.log.Debug("remote supports batching")
		}
		for _, m := range msgs {
			p.received.Add(1)
			h(p, m)
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrConnClosed
		case <-p.wake:
		}

		for {
			batch := p.take()
			if len(batch) == 0 {
				break
			}
			if err := p.waitDrain(ctx); err != nil {
				return err
			}
			frame, err := protocol.Encode(batch...)
			if err != nil {
				p.log.Error("dropping unencodable messages", "error", err, "count", len(batch))
				continue
			}
			if err := p.conn.Send(ctx, frame); err != nil {
				return err
			}
			p.sent.Add(int64(len(batch)))
		}
	}
}

func (p *Peer) take() []protocol.Message {
	n := 1
	if p.opts.Batching && (p.opts.InitiateBatching || p.remoteBatches.Load()) {
		n = p.opts.MaxBatch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n = min(n, p.queue.Len())
	out := make([]protocol.Message, 0, n)
	for range n {
		out = append(out, heap.Pop(&p.queue).(queued).msg)
	}
	return out
}

// waitDrain blocks while the transport holds more than the high-water mark.
func (p *Peer) waitDrain(ctx context.Context) error {
	if p.opts.HighWaterMark <= 0 {
		return nil
	}
	for p.conn.Buffered() > p.opts.HighWaterMark {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrConnClosed
		case <-time.After(p.opts.DrainPoll):
		}
	}
	return nil
}

type queued struct {
	msg protocol.Message
	seq uint64
}

// outQueue orders by priority, then FIFO.
type outQueue []queued

func (q outQueue) Len() int { return len(q) }

func (q outQueue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority < q[j].msg.Priority
	}
	return q[i].seq < q[j].seq
}

func (q outQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *outQueue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *outQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
