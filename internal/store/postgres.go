package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cosync/internal/covalue"
)

// PostgresBackend stores CoValues in PostgreSQL. Transaction bodies are kept
// as TEXT, not JSONB, so the bytes that were hashed come back unchanged.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PostgresBackend{pool: pool}
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the tables if they don't exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS covalues (
			id         TEXT PRIMARY KEY,
			header     TEXT NOT NULL,
			stored_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			covalue                     TEXT NOT NULL REFERENCES covalues(id),
			session_id                  TEXT NOT NULL,
			last_idx                    INTEGER NOT NULL,
			last_signature              TEXT NOT NULL,
			bytes_since_last_signature  INTEGER NOT NULL,
			PRIMARY KEY (covalue, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			covalue     TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			tx          TEXT NOT NULL,
			PRIMARY KEY (covalue, session_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS signature_after (
			covalue     TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			signature   TEXT NOT NULL,
			PRIMARY KEY (covalue, session_id, idx)
		)`,
	}
	for _, s := range stmts {
		if _, err := b.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// Update implements Backend. Session rows read inside Update are locked
// until commit so concurrent appends to one session serialize.
func (b *PostgresBackend) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View implements Backend.
func (b *PostgresBackend) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(&pgTx{ctx: ctx, tx: tx})
}

type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	lock bool
}

func (t *pgTx) Header(id covalue.ID) (*covalue.Header, error) {
	var raw string
	err := t.tx.QueryRow(t.ctx, `SELECT header FROM covalues WHERE id = $1`, string(id)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (t *pgTx) PutHeader(id covalue.ID, header covalue.Header) error {
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO covalues (id, header) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		string(id), string(raw))
	if err != nil {
		return fmt.Errorf("insert covalue: %w", err)
	}
	return nil
}

func (t *pgTx) Session(id covalue.ID, s covalue.SessionID) (*SessionRow, error) {
	q := `SELECT last_idx, last_signature, bytes_since_last_signature
		FROM sessions WHERE covalue = $1 AND session_id = $2`
	if t.lock {
		q += ` FOR UPDATE`
	}
	row := SessionRow{Session: s}
	var sig string
	err := t.tx.QueryRow(t.ctx, q, string(id), string(s)).Scan(&row.LastIdx, &sig, &row.BytesSinceLastSignature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	row.LastSignature = covalue.Signature(sig)
	return &row, nil
}

func (t *pgTx) Sessions(id covalue.ID) ([]SessionRow, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT session_id, last_idx, last_signature, bytes_since_last_signature
		FROM sessions WHERE covalue = $1 ORDER BY session_id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r       SessionRow
			session string
			sig     string
		)
		if err := rows.Scan(&session, &r.LastIdx, &sig, &r.BytesSinceLastSignature); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.Session = covalue.SessionID(session)
		r.LastSignature = covalue.Signature(sig)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) PutSession(id covalue.ID, row SessionRow) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO sessions (covalue, session_id, last_idx, last_signature, bytes_since_last_signature)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (covalue, session_id) DO UPDATE SET
			last_idx = EXCLUDED.last_idx,
			last_signature = EXCLUDED.last_signature,
			bytes_since_last_signature = EXCLUDED.bytes_since_last_signature`,
		string(id), string(row.Session), row.LastIdx, string(row.LastSignature), row.BytesSinceLastSignature)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (t *pgTx) Transactions(id covalue.ID, s covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT tx FROM transactions
		WHERE covalue = $1 AND session_id = $2 AND idx >= $3 AND idx < $4
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

func (t *pgTx) PutTransactions(id covalue.ID, s covalue.SessionID, from int, txs []covalue.Transaction) error {
	batch := &pgx.Batch{}
	for i, tx := range txs {
		raw, err := tx.Canonical()
		if err != nil {
			return fmt.Errorf("encode transaction %d: %w", from+i, err)
		}
		batch.Queue(`INSERT INTO transactions (covalue, session_id, idx, tx) VALUES ($1, $2, $3, $4)`,
			string(id), string(s), from+i, string(raw))
	}
	if err := t.tx.SendBatch(t.ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert transactions: %w", err)
	}
	return nil
}

func (t *pgTx) Signatures(id covalue.ID, s covalue.SessionID) (map[int]covalue.Signature, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT idx, signature FROM signature_after WHERE covalue = $1 AND session_id = $2`,
		string(id), string(s))
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

func (t *pgTx) PutSignature(id covalue.ID, s covalue.SessionID, idx int, sig covalue.Signature) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO signature_after (covalue, session_id, idx, signature) VALUES ($1, $2, $3, $4)
		ON CONFLICT (covalue, session_id, idx) DO UPDATE SET signature = EXCLUDED.signature`,
		string(id), string(s), idx, string(sig))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}
