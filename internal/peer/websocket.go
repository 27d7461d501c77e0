package peer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSOptions configures a WebSocket connection.
type WSOptions struct {
	WriteTimeout time.Duration
	// PingInterval is how often an empty keepalive frame is written when
	// the connection is otherwise idle. Zero disables pings.
	PingInterval time.Duration
	// ExpectPings makes Recv fail when nothing arrives for PingTimeout.
	ExpectPings bool
	PingTimeout time.Duration
}

// DefaultWSOptions returns the default WebSocket settings.
func DefaultWSOptions() WSOptions {
	return WSOptions{
		WriteTimeout: 15 * time.Second,
		PingInterval: 5 * time.Second,
		ExpectPings:  true,
		PingTimeout:  30 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn is a Conn over a WebSocket. Each frame is one binary message; an
// empty binary message is a keepalive.
type WSConn struct {
	ws   *websocket.Conn
	opts WSOptions

	wmu       sync.Mutex
	buffered  atomic.Int64
	lastWrite atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(ws *websocket.Conn, opts WSOptions) *WSConn {
	c := &WSConn{ws: ws, opts: opts, done: make(chan struct{})}
	c.lastWrite.Store(time.Now().UnixNano())
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// Dial connects to a WebSocket peer.
func Dial(ctx context.Context, url string, opts WSOptions) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(ws, opts), nil
}

// Upgrade accepts an inbound WebSocket peer.
func Upgrade(w http.ResponseWriter, r *http.Request, opts WSOptions) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewWSConn(ws, opts), nil
}

func (c *WSConn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
	c.lastWrite.Store(time.Now().UnixNano())
	return err
}

// Send implements Conn.
func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.buffered.Add(int64(len(frame)))
	defer c.buffered.Add(-int64(len(frame)))
	// A write deadline that fires cannot be recovered from.
	if err := c.write(frame); err != nil {
		c.Close()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Recv implements Conn. Keepalives are consumed here.
func (c *WSConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.opts.ExpectPings && c.opts.PingTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.opts.PingTimeout))
		}
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrConnClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// Buffered implements Conn.
func (c *WSConn) Buffered() int { return int(c.buffered.Load()) }

// Close implements Conn.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastWrite.Load()))
			if idle < c.opts.PingInterval {
				continue
			}
			if err := c.write(nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
