// Package store persists CoValues: headers, per-session transaction logs and
// signature checkpoints.
//
// The append and diff logic is written once against the row-level Backend
// interface. SyncStore runs it inline on the caller's goroutine; AsyncStore
// runs the same code on a worker pool and hands back futures. Backends exist
// for SQLite, Badger, PostgreSQL and memory.
package store

import (
	"context"
	"errors"

	"cosync/internal/covalue"
)

// Errors
var (
	ErrGap              = errors.New("store: append would leave a gap")
	ErrNoHeader         = errors.New("store: covalue has no header")
	ErrMissingSignature = errors.New("store: append without signature")
	ErrClosed           = errors.New("store: closed")
)

// SessionRow is the persisted summary of one session.
type SessionRow struct {
	Session                 covalue.SessionID `json:"session"`
	LastIdx                 int               `json:"lastIdx"`
	LastSignature           covalue.Signature `json:"lastSignature"`
	BytesSinceLastSignature int               `json:"bytesSinceLastSignature"`
}

// Count returns the number of stored transactions.
func (r SessionRow) Count() int { return r.LastIdx + 1 }

// Tx is a backend transaction. Reads return nil without error for absent
// rows. Transactions returns the stored range [from, to).
type Tx interface {
	Header(id covalue.ID) (*covalue.Header, error)
	PutHeader(id covalue.ID, header covalue.Header) error
	Session(id covalue.ID, session covalue.SessionID) (*SessionRow, error)
	Sessions(id covalue.ID) ([]SessionRow, error)
	PutSession(id covalue.ID, row SessionRow) error
	Transactions(id covalue.ID, session covalue.SessionID, from, to int) ([]covalue.Transaction, error)
	PutTransactions(id covalue.ID, session covalue.SessionID, from int, txs []covalue.Transaction) error
	Signatures(id covalue.ID, session covalue.SessionID) (map[int]covalue.Signature, error)
	PutSignature(id covalue.ID, session covalue.SessionID, idx int, sig covalue.Signature) error
}

// Backend is a physical storage engine. Update runs fn atomically: either
// every write made through the Tx is applied or none is.
type Backend interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Record is the full stored content of a CoValue.
type Record struct {
	ID       covalue.ID                           `json:"id"`
	Header   covalue.Header                       `json:"header"`
	Sessions map[covalue.SessionID]*SessionRecord `json:"sessions"`
}

// SessionRecord is the full stored content of a session.
type SessionRecord struct {
	Transactions   []covalue.Transaction     `json:"transactions"`
	SignatureAfter map[int]covalue.Signature `json:"signatureAfter,omitempty"`
	LastSignature  covalue.Signature         `json:"lastSignature"`
}

// Meta describes what is stored for a CoValue without transaction bodies.
type Meta struct {
	ID       covalue.ID
	Header   covalue.Header
	Sessions map[covalue.SessionID]SessionMeta
}

// SessionMeta is the stored summary of a session.
type SessionMeta struct {
	Count          int
	LastSignature  covalue.Signature
	SignatureAfter map[int]covalue.Signature
}

// KnownState returns the known state implied by the metadata.
func (m *Meta) KnownState() covalue.KnownState {
	ks := covalue.EmptyKnownState(m.ID)
	ks.Header = true
	for s, sm := range m.Sessions {
		ks.Sessions[s] = sm.Count
	}
	return ks
}

// AppendResult reports what an append changed.
type AppendResult struct {
	// Appended is the number of new transactions written.
	Appended int
	// Skipped is the number of leading transactions already stored.
	Skipped int
	// Count is the session length after the append.
	Count int
	// Checkpoint is set when a signature checkpoint was recorded.
	Checkpoint bool
}

// Adapter is the synchronous storage contract.
type Adapter interface {
	Get(ctx context.Context, id covalue.ID) (*Record, error)
	LoadMeta(ctx context.Context, id covalue.ID) (*Meta, error)
	LoadRange(ctx context.Context, id covalue.ID, session covalue.SessionID, from, to int) ([]covalue.Transaction, error)
	WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) error
	AppendToSession(ctx context.Context, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) (AppendResult, error)
	Close() error
}

// AsyncAdapter is the asynchronous storage contract. Every call returns
// immediately; the outcome is delivered through the future.
type AsyncAdapter interface {
	Get(ctx context.Context, id covalue.ID) *Future[*Record]
	LoadMeta(ctx context.Context, id covalue.ID) *Future[*Meta]
	LoadRange(ctx context.Context, id covalue.ID, session covalue.SessionID, from, to int) *Future[[]covalue.Transaction]
	WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) *Future[struct{}]
	AppendToSession(ctx context.Context, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) *Future[AppendResult]
	Close() error
}
