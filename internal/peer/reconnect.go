package peer

import (
	"context"
	"log/slog"
	"time"
)

// Backoff is an exponential reconnect delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff returns a 1s initial delay doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// DialFunc establishes a connection.
type DialFunc func(ctx context.Context) (Conn, error)

// SessionFunc runs one connected session and returns when it ends.
type SessionFunc func(ctx context.Context, conn Conn) error

// Reconnector keeps a connection to one remote alive.
type Reconnector struct {
	backoff   Backoff
	dial      DialFunc
	session   SessionFunc
	log       *slog.Logger
	networkUp chan struct{}
}

// NewReconnector returns a reconnector. Run starts it.
func NewReconnector(backoff Backoff, dial DialFunc, session SessionFunc, log *slog.Logger) *Reconnector {
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		backoff:   backoff,
		dial:      dial,
		session:   session,
		log:       log,
		networkUp: make(chan struct{}, 1),
	}
}

// NetworkUp signals regained connectivity: a pending wait ends at once and
// the backoff starts over.
func (r *Reconnector) NetworkUp() {
	select {
	case r.networkUp <- struct{}{}:
	default:
	}
}

// Run dials, runs sessions and redials until ctx ends.
func (r *Reconnector) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := r.backoff.Delay(attempt)
			r.log.Info("connect failed", "error", err, "retry_in", delay)
			attempt++
			if !r.wait(ctx, delay, &attempt) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		if err := r.session(ctx, conn); err != nil {
			r.log.Info("session ended", "error", err)
		}
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.wait(ctx, r.backoff.Initial, &attempt) {
			return ctx.Err()
		}
	}
}

func (r *Reconnector) wait(ctx context.Context, d time.Duration, attempt *int) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.networkUp:
		*attempt = 0
		return true
	case <-t.C:
		return true
	}
}
