package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cosync/internal/covalue"
)

// SQLiteBackend stores CoValues in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// DB exposes the underlying database handle.
func (b *SQLiteBackend) DB() *sql.DB { return b.db }

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Update implements Backend.
func (b *SQLiteBackend) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View implements Backend.
func (b *SQLiteBackend) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx})
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Header(id covalue.ID) (*covalue.Header, error) {
	var raw string
	err := t.tx.QueryRowContext(t.ctx, `SELECT header FROM covalues WHERE id = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query header: %w", err)
	}
	var h covalue.Header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &h, nil
}

func (t *sqlTx) PutHeader(id covalue.ID, header covalue.Header) error {
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT OR IGNORE INTO covalues (id, header, stored_at) VALUES (?, ?, ?)`,
		string(id), string(raw), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert covalue: %w", err)
	}
	return nil
}

func (t *sqlTx) Session(id covalue.ID, s covalue.SessionID) (*SessionRow, error) {
	row := SessionRow{Session: s}
	var sig string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT last_idx, last_signature, bytes_since_last_signature
		FROM sessions WHERE covalue = ? AND session_id = ?`,
		string(id), string(s),
	).Scan(&row.LastIdx, &sig, &row.BytesSinceLastSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	row.LastSignature = covalue.Signature(sig)
	return &row, nil
}

func (t *sqlTx) Sessions(id covalue.ID) ([]SessionRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT session_id, last_idx, last_signature, bytes_since_last_signature
		FROM sessions WHERE covalue = ? ORDER BY session_id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r        SessionRow
			session  string
			lastSign string
		)
		if err := rows.Scan(&session, &r.LastIdx, &lastSign, &r.BytesSinceLastSignature); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Session = covalue.SessionID(session)
		r.LastSignature = covalue.Signature(lastSign)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) PutSession(id covalue.ID, row SessionRow) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sessions (covalue, session_id, last_idx, last_signature, bytes_since_last_signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (covalue, session_id) DO UPDATE SET
			last_idx = excluded.last_idx,
			last_signature = excluded.last_signature,
			bytes_since_last_signature = excluded.bytes_since_last_signature`,
		string(id), string(row.Session), row.LastIdx, string(row.LastSignature), row.BytesSinceLastSignature)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (t *sqlTx) Transactions(id covalue.ID, s covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT tx FROM transactions
		WHERE covalue = ? AND session_id = ? AND idx >= ? AND idx < ?
		ORDER BY idx`, string(id), string(s), from, to)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []covalue.Transaction
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		var tx covalue.Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (t *sqlTx) PutTransactions(id covalue.ID, s covalue.SessionID, from int, txs []covalue.Transaction) error {
	stmt, err := t.tx.PrepareContext(t.ctx, `
		INSERT INTO transactions (covalue, session_id, idx, tx) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, tx := range txs {
		raw, err := tx.Canonical()
		if err != nil {
			return fmt.Errorf("encode transaction %d: %w", from+i, err)
		}
		if _, err := stmt.ExecContext(t.ctx, string(id), string(s), from+i, string(raw)); err != nil {
			return fmt.Errorf("insert transaction %d: %w", from+i, err)
		}
	}
	return nil
}

func (t *sqlTx) Signatures(id covalue.ID, s covalue.SessionID) (map[int]covalue.Signature, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT idx, signature FROM signature_after
		WHERE covalue = ? AND session_id = ?`, string(id), string(s))
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := map[int]covalue.Signature{}
	for rows.Next() {
		var (
			idx int
			sig string
		)
		if err := rows.Scan(&idx, &sig); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[idx] = covalue.Signature(sig)
	}
	return out, rows.Err()
}

func (t *sqlTx) PutSignature(id covalue.ID, s covalue.SessionID, idx int, sig covalue.Signature) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO signature_after (covalue, session_id, idx, signature) VALUES (?, ?, ?, ?)`,
		string(id), string(s), idx, string(sig))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}
