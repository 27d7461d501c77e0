package store

import (
	"context"
	"log/slog"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
)

// Option configures a store.
type Option func(*options)

type options struct {
	policy  checkpoint.Policy
	logger  *slog.Logger
	workers int
}

func defaultOptions() options {
	return options{
		policy:  checkpoint.DefaultPolicy(),
		logger:  slog.Default(),
		workers: 4,
	}
}

// WithCheckpointBytes sets the byte budget between signature checkpoints.
func WithCheckpointBytes(n int) Option {
	return func(o *options) { o.policy = checkpoint.Policy{MaxBytes: n} }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWorkers sets the worker count of an AsyncStore.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// SyncStore implements Adapter by running each operation inline.
type SyncStore struct {
	backend Backend
	opts    options
}

var _ Adapter = (*SyncStore)(nil)

// NewSync returns a synchronous store over backend.
func NewSync(backend Backend, opts ...Option) *SyncStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SyncStore{backend: backend, opts: o}
}

// Get returns everything stored for id, or nil.
func (s *SyncStore) Get(ctx context.Context, id covalue.ID) (*Record, error) {
	var rec *Record
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		rec, err = loadRecord(tx, id)
		return err
	})
	return rec, err
}

// LoadMeta returns the stored header and session summaries, or nil.
func (s *SyncStore) LoadMeta(ctx context.Context, id covalue.ID) (*Meta, error) {
	var meta *Meta
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		meta, err = loadMeta(tx, id)
		return err
	})
	return meta, err
}

// LoadRange returns stored transactions [from, to) of a session.
func (s *SyncStore) LoadRange(ctx context.Context, id covalue.ID, session covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	var txs []covalue.Transaction
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		txs, err = loadRange(tx, id, session, from, to)
		return err
	})
	return txs, err
}

// WriteHeader stores the header unless one is already stored.
func (s *SyncStore) WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) error {
	return s.backend.Update(ctx, func(tx Tx) error {
		return writeHeader(tx, id, header)
	})
}

// AppendToSession appends the unseen suffix of txs to a session.
func (s *SyncStore) AppendToSession(ctx context.Context, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) (AppendResult, error) {
	var res AppendResult
	err := s.backend.Update(ctx, func(tx Tx) error {
		var err error
		res, err = appendToSession(tx, s.opts.policy, id, session, after, txs, lastSignature)
		return err
	})
	if err != nil {
		return AppendResult{}, err
	}
	if res.Checkpoint {
		s.opts.logger.Debug("signature checkpoint recorded", "covalue", id, "session", session, "idx", res.Count-1)
	}
	return res, nil
}

// Close closes the backend.
func (s *SyncStore) Close() error {
	return s.backend.Close()
}

// Async exposes the store through the asynchronous contract. Futures are
// already resolved when returned.
func (s *SyncStore) Async() AsyncAdapter {
	return inlineAsync{s}
}

type inlineAsync struct{ s *SyncStore }

func (a inlineAsync) Get(ctx context.Context, id covalue.ID) *Future[*Record] {
	return Resolved[*Record](a.s.Get(ctx, id))
}

func (a inlineAsync) LoadMeta(ctx context.Context, id covalue.ID) *Future[*Meta] {
	return Resolved[*Meta](a.s.LoadMeta(ctx, id))
}

func (a inlineAsync) LoadRange(ctx context.Context, id covalue.ID, session covalue.SessionID, from, to int) *Future[[]covalue.Transaction] {
	return Resolved[[]covalue.Transaction](a.s.LoadRange(ctx, id, session, from, to))
}

func (a inlineAsync) WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) *Future[struct{}] {
	return Resolved[struct{}](struct{}{}, a.s.WriteHeader(ctx, id, header))
}

func (a inlineAsync) AppendToSession(ctx context.Context, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) *Future[AppendResult] {
	return Resolved[AppendResult](a.s.AppendToSession(ctx, id, session, after, txs, lastSignature))
}

func (a inlineAsync) Close() error { return a.s.Close() }
