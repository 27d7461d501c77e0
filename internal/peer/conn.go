package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("peer: connection closed")

// Conn moves whole frames. Send and Recv are each called from one
// goroutine at a time. Buffered reports bytes handed to Send that the
// transport has not yet delivered.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Buffered() int
	Close() error
}

const pipeCapacity = 256

// Pipe returns two connected in-memory connections.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeCapacity)
	ba := make(chan []byte, pipeCapacity)
	shared := &pipeShared{closed: make(chan struct{})}
	a := &pipeConn{out: ab, in: ba, shared: shared}
	b := &pipeConn{out: ba, in: ab, shared: shared}
	a.remote, b.remote = b, a
	return a, b
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeConn struct {
	out      chan<- []byte
	in       <-chan []byte
	buffered atomic.Int64
	remote   *pipeConn
	shared   *pipeShared
}

func (c *pipeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.shared.closed:
		return ErrConnClosed
	default:
	}
	c.buffered.Add(int64(len(frame)))
	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.shared.closed:
		c.buffered.Add(-int64(len(frame)))
		return ErrConnClosed
	case <-ctx.Done():
		c.buffered.Add(-int64(len(frame)))
		return ctx.Err()
	}
}

func (c *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		c.remote.buffered.Add(-int64(len(frame)))
		return frame, nil
	case <-c.shared.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Buffered() int { return int(c.buffered.Load()) }

func (c *pipeConn) Close() error {
	c.shared.once.Do(func() { close(c.shared.closed) })
	return nil
}
