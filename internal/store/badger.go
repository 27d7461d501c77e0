package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"cosync/internal/covalue"
)

// Key prefixes. Parts are joined with 0x00 because session IDs contain '/'
// and '_'.
const (
	prefixHeader     = 'h'
	prefixSession    = 's'
	prefixTx         = 't'
	prefixCheckpoint = 'c'
)

// BadgerConfig configures a Badger backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives Badger's internal messages. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns settings for a persistent database.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a throwaway database.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerBackend stores CoValues in a Badger key-value database.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadger opens a Badger backend.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: badger path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &BadgerBackend{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *BadgerBackend) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && b.logger != nil {
				b.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (b *BadgerBackend) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
		b.stopGC = nil
	}
	return b.db.Close()
}

// Update implements Backend.
func (b *BadgerBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// View implements Backend.
func (b *BadgerBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

type badgerTx struct {
	txn *badger.Txn
}

func key(prefix byte, parts ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefix)
	for _, p := range parts {
		buf.WriteByte(0)
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func indexedKey(prefix byte, id covalue.ID, session covalue.SessionID, idx int) []byte {
	k := key(prefix, string(id), string(session))
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, uint64(idx))
}

func (t *badgerTx) getJSON(k []byte, v any) (bool, error) {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *badgerTx) setJSON(k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set(k, raw)
}

func (t *badgerTx) Header(id covalue.ID) (*covalue.Header, error) {
	var h covalue.Header
	ok, err := t.getJSON(key(prefixHeader, string(id)), &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

func (t *badgerTx) PutHeader(id covalue.ID, header covalue.Header) error {
	return t.setJSON(key(prefixHeader, string(id)), header)
}

func (t *badgerTx) Session(id covalue.ID, session covalue.SessionID) (*SessionRow, error) {
	var row SessionRow
	ok, err := t.getJSON(key(prefixSession, string(id), string(session)), &row)
	if err != nil || !ok {
		return nil, err
	}
	return &row, nil
}

func (t *badgerTx) Sessions(id covalue.ID) ([]SessionRow, error) {
	prefix := append(key(prefixSession, string(id)), 0)
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 16, Prefix: prefix})
	defer it.Close()

	var out []SessionRow
	for it.Rewind(); it.Valid(); it.Next() {
		var row SessionRow
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *badgerTx) PutSession(id covalue.ID, row SessionRow) error {
	return t.setJSON(key(prefixSession, string(id), string(row.Session)), row)
}

func (t *badgerTx) Transactions(id covalue.ID, session covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	prefix := append(key(prefixTx, string(id), string(session)), 0)
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
	defer it.Close()

	var out []covalue.Transaction
	for it.Seek(indexedKey(prefixTx, id, session, from)); it.Valid(); it.Next() {
		k := it.Item().Key()
		idx := int(binary.BigEndian.Uint64(k[len(k)-8:]))
		if idx >= to {
			break
		}
		var tx covalue.Transaction
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &tx)
		}); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (t *badgerTx) PutTransactions(id covalue.ID, session covalue.SessionID, from int, txs []covalue.Transaction) error {
	for i, tx := range txs {
		raw, err := tx.Canonical()
		if err != nil {
			return fmt.Errorf("encode transaction %d: %w", from+i, err)
		}
		if err := t.txn.Set(indexedKey(prefixTx, id, session, from+i), raw); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) Signatures(id covalue.ID, session covalue.SessionID) (map[int]covalue.Signature, error) {
	prefix := append(key(prefixCheckpoint, string(id), string(session)), 0)
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
	defer it.Close()

	out := map[int]covalue.Signature{}
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		idx := int(binary.BigEndian.Uint64(k[len(k)-8:]))
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[idx] = covalue.Signature(val)
	}
	return out, nil
}

func (t *badgerTx) PutSignature(id covalue.ID, session covalue.SessionID, idx int, sig covalue.Signature) error {
	return t.txn.Set(indexedKey(prefixCheckpoint, id, session, idx), []byte(sig))
}
