package store

import (
	"fmt"

	"cosync/internal/checkpoint"
	"cosync/internal/covalue"
)

// The functions in this file are the only implementation of the storage
// contract. Both store shapes call them inside a backend transaction.

func writeHeader(tx Tx, id covalue.ID, header covalue.Header) error {
	existing, err := tx.Header(id)
	if err != nil {
		return fmt.Errorf("read header %s: %w", id, err)
	}
	if existing != nil {
		return nil
	}
	if err := tx.PutHeader(id, header); err != nil {
		return fmt.Errorf("write header %s: %w", id, err)
	}
	return nil
}

// appendToSession writes the part of txs not yet stored. after is the index
// of txs[0]. Leading transactions that are already stored are skipped; a
// start beyond the stored count is rejected. Encoded bytes accumulate per
// session and a signature checkpoint is recorded at the last new index once
// the policy budget is exceeded.
func appendToSession(tx Tx, policy checkpoint.Policy, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) (AppendResult, error) {
	if lastSignature == "" {
		return AppendResult{}, ErrMissingSignature
	}
	header, err := tx.Header(id)
	if err != nil {
		return AppendResult{}, fmt.Errorf("read header %s: %w", id, err)
	}
	if header == nil {
		return AppendResult{}, fmt.Errorf("%w: %s", ErrNoHeader, id)
	}

	row, err := tx.Session(id, session)
	if err != nil {
		return AppendResult{}, fmt.Errorf("read session %s: %w", session, err)
	}
	if row == nil {
		row = &SessionRow{Session: session, LastIdx: -1}
	}

	count := row.Count()
	if after < 0 || after > count {
		return AppendResult{Count: count}, fmt.Errorf("%w: %s/%s has %d, got after=%d", ErrGap, id, session, count, after)
	}

	skip := count - after
	if skip >= len(txs) {
		return AppendResult{Skipped: len(txs), Count: count}, nil
	}
	fresh := txs[skip:]

	if err := tx.PutTransactions(id, session, count, fresh); err != nil {
		return AppendResult{}, fmt.Errorf("write transactions %s/%s: %w", id, session, err)
	}

	next := SessionRow{
		Session:                 session,
		LastIdx:                 count + len(fresh) - 1,
		LastSignature:           lastSignature,
		BytesSinceLastSignature: row.BytesSinceLastSignature,
	}
	for _, t := range fresh {
		next.BytesSinceLastSignature += t.Size()
	}

	res := AppendResult{Appended: len(fresh), Skipped: skip, Count: next.Count()}
	if policy.Exceeded(next.BytesSinceLastSignature) {
		if err := tx.PutSignature(id, session, next.LastIdx, lastSignature); err != nil {
			return AppendResult{}, fmt.Errorf("write checkpoint %s/%s: %w", id, session, err)
		}
		next.BytesSinceLastSignature = 0
		res.Checkpoint = true
	}

	if err := tx.PutSession(id, next); err != nil {
		return AppendResult{}, fmt.Errorf("write session %s/%s: %w", id, session, err)
	}
	return res, nil
}

func loadMeta(tx Tx, id covalue.ID) (*Meta, error) {
	header, err := tx.Header(id)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", id, err)
	}
	if header == nil {
		return nil, nil
	}
	rows, err := tx.Sessions(id)
	if err != nil {
		return nil, fmt.Errorf("read sessions %s: %w", id, err)
	}

	m := &Meta{ID: id, Header: *header, Sessions: make(map[covalue.SessionID]SessionMeta, len(rows))}
	for _, row := range rows {
		sigs, err := tx.Signatures(id, row.Session)
		if err != nil {
			return nil, fmt.Errorf("read checkpoints %s/%s: %w", id, row.Session, err)
		}
		m.Sessions[row.Session] = SessionMeta{
			Count:          row.Count(),
			LastSignature:  row.LastSignature,
			SignatureAfter: sigs,
		}
	}
	return m, nil
}

func loadRecord(tx Tx, id covalue.ID) (*Record, error) {
	meta, err := loadMeta(tx, id)
	if err != nil || meta == nil {
		return nil, err
	}
	rec := &Record{ID: id, Header: meta.Header, Sessions: make(map[covalue.SessionID]*SessionRecord, len(meta.Sessions))}
	for s, sm := range meta.Sessions {
		txs, err := tx.Transactions(id, s, 0, sm.Count)
		if err != nil {
			return nil, fmt.Errorf("read transactions %s/%s: %w", id, s, err)
		}
		rec.Sessions[s] = &SessionRecord{
			Transactions:   txs,
			SignatureAfter: sm.SignatureAfter,
			LastSignature:  sm.LastSignature,
		}
	}
	return rec, nil
}

func loadRange(tx Tx, id covalue.ID, session covalue.SessionID, from, to int) ([]covalue.Transaction, error) {
	txs, err := tx.Transactions(id, session, from, to)
	if err != nil {
		return nil, fmt.Errorf("read transactions %s/%s[%d:%d]: %w", id, session, from, to, err)
	}
	return txs, nil
}
