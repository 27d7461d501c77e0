package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"cosync/internal/covalue"
)

type memSession struct {
	row  SessionRow
	txs  []covalue.Transaction
	sigs map[int]covalue.Signature
}

type memEntry struct {
	header   *covalue.Header
	sessions map[covalue.SessionID]*memSession
}

func (e *memEntry) clone() *memEntry {
	out := &memEntry{header: e.header, sessions: make(map[covalue.SessionID]*memSession, len(e.sessions))}
	for s, ms := range e.sessions {
		sigs := make(map[int]covalue.Signature, len(ms.sigs))
		maps.Copy(sigs, ms.sigs)
		out.sessions[s] = &memSession{
			row:  ms.row,
			txs:  append([]covalue.Transaction(nil), ms.txs...),
			sigs: sigs,
		}
	}
	return out
}

// MemoryBackend keeps everything in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[covalue.ID]*memEntry
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{entries: map[covalue.ID]*memEntry{}}
}

// Update implements Backend. Writes go to copies of the touched entries,
// which replace the originals only when fn succeeds.
func (b *MemoryBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &memTx{base: b.entries, staged: map[covalue.ID]*memEntry{}, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	maps.Copy(b.entries, tx.staged)
	return nil
}

// View implements Backend.
func (b *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(&memTx{base: b.entries})
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

type memTx struct {
	base     map[covalue.ID]*memEntry
	staged   map[covalue.ID]*memEntry
	writable bool
}

func (t *memTx) read(id covalue.ID) *memEntry {
	if e, ok := t.staged[id]; ok {
		return e
	}
	return t.base[id]
}

func (t *memTx) write(id covalue.ID) *memEntry {
	if !t.writable {
		panic("store: write in read-only memory transaction")
	}
	if e, ok := t.staged[id]; ok {
		return e
	}
	var e *memEntry
	if base, ok := t.base[id]; ok {
		e = base.clone()
	} else {
		e = &memEntry{sessions: map[covalue.SessionID]*memSession{}}
	}
	t.staged[id] = e
	return e
}

func (t *memTx) session(id covalue.ID, s covalue.SessionID) *memSession {
	e := t.write(id)
	ms, ok := e.sessions[s]
	if !ok {
		ms = &memSession{row: SessionRow{Session: s, LastIdx: -1}, sigs: map[int]covalue.Signature{}}
		e.sessions[s] = ms
	}
	return ms
}

func (t *memTx) Header(id covalue.ID) (*covalue.Header, error) {
	if e := t.read(id); e != nil && e.header != nil {
		h := *e.header
		return &h, nil
	}
	return nil, nil
}

func (t *memTx) PutHeader(id covalue.ID, header covalue.Header) error {
	t.write(id).header = &header
	return nil
}

func (t *memTx) Session(id covalue.ID, s covalue.SessionID) (*SessionRow, error) {
	if e := t.read(id); e != nil {
		if ms, ok := e.sessions[s]; ok && ms.row.LastIdx >= 0 {
			row := ms.row
			return &row, nil
		}
	}
	return nil, nil
}

func (t *memTx) Sessions(id covalue.ID) ([]SessionRow, error) {
	e := t.read(id)
	if e == nil {
		return nil, nil
	}
	rows := make([]SessionRow, 0, len(e.sessions))
	for _, ms := range e.sessions {
		if ms.row.LastIdx >= 0 {
			rows = append(rows, ms.row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Session < rows[j].Session })
	return rows, nil
}

func (t *memTx) PutSession(id covalue.ID, row SessionRow) error {
	t.session(id, row.Session).row = row
	return nil
}

func (t *memTx) Transactions(id covalue.ID, s covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	e := t.read(id)
	if e == nil {
		return nil, nil
	}
	ms, ok := e.sessions[s]
	if !ok {
		return nil, nil
	}
	from = max(from, 0)
	to = min(to, len(ms.txs))
	if from >= to {
		return nil, nil
	}
	return append([]covalue.Transaction(nil), ms.txs[from:to]...), nil
}

func (t *memTx) PutTransactions(id covalue.ID, s covalue.SessionID, from int, txs []covalue.Transaction) error {
	ms := t.session(id, s)
	ms.txs = append(ms.txs[:from], txs...)
	return nil
}

func (t *memTx) Signatures(id covalue.ID, s covalue.SessionID) (map[int]covalue.Signature, error) {
	out := map[int]covalue.Signature{}
	if e := t.read(id); e != nil {
		if ms, ok := e.sessions[s]; ok {
			maps.Copy(out, ms.sigs)
		}
	}
	return out, nil
}

func (t *memTx) PutSignature(id covalue.ID, s covalue.SessionID, idx int, sig covalue.Signature) error {
	t.session(id, s).sigs[idx] = sig
	return nil
}
