package security

import (
	"errors"
	"sync"
)

// Connection refusals.
var (
	ErrTooManyConnections = errors.New("security: connection limit reached")
	ErrTooManyFromAddress = errors.New("security: per-address connection limit reached")
)

// ConnectionLimiter bounds concurrent inbound peers, in total and per
// remote address.
type ConnectionLimiter struct {
	mu        sync.Mutex
	open      int
	limit     int
	perAddr   map[string]int
	addrLimit int
}

// NewConnectionLimiter returns a limiter admitting limit connections, at
// most addrLimit of them from one address.
func NewConnectionLimiter(limit, addrLimit int) *ConnectionLimiter {
	return &ConnectionLimiter{
		limit:     limit,
		addrLimit: addrLimit,
		perAddr:   make(map[string]int),
	}
}

// Acquire takes a slot for addr. The returned release frees it and may be
// called more than once.
func (cl *ConnectionLimiter) Acquire(addr string) (release func(), err error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	switch {
	case cl.open >= cl.limit:
		return nil, ErrTooManyConnections
	case cl.perAddr[addr] >= cl.addrLimit:
		return nil, ErrTooManyFromAddress
	}
	cl.open++
	cl.perAddr[addr]++

	var once sync.Once
	return func() { once.Do(func() { cl.release(addr) }) }, nil
}

func (cl *ConnectionLimiter) release(addr string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.open--
	if cl.perAddr[addr]--; cl.perAddr[addr] <= 0 {
		delete(cl.perAddr, addr)
	}
}

// Open returns the number of held slots.
func (cl *ConnectionLimiter) Open() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.open
}
