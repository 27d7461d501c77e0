package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cosync/internal/covalue"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) Backend { return NewMemory() }},
		{"sqlite", func(t *testing.T) Backend {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "cosync.db"))
			require.NoError(t, err)
			return b
		}},
		{"badger", func(t *testing.T) Backend {
			b, err := OpenBadger(InMemoryBadgerConfig())
			require.NoError(t, err)
			return b
		}},
		{"postgres", func(t *testing.T) Backend {
			dsn := os.Getenv("COSYNC_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("COSYNC_TEST_POSTGRES_DSN not set")
			}
			b, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			return b
		}},
	}
}

// forEachStore runs fn against every backend through both store shapes.
func forEachStore(t *testing.T, fn func(t *testing.T, s AsyncAdapter), opts ...Option) {
	for _, bf := range backends() {
		t.Run(bf.name+"/sync", func(t *testing.T) {
			s := NewSync(bf.open(t), opts...)
			t.Cleanup(func() { s.Close() })
			fn(t, s.Async())
		})
		t.Run(bf.name+"/async", func(t *testing.T) {
			s := NewAsync(bf.open(t), opts...)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func wait[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func testHeader() (covalue.ID, covalue.Header) {
	h := covalue.NewHeader("comap", covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}, nil)
	return h.ID(), h
}

func testTxs(t *testing.T, from, n int) []covalue.Transaction {
	t.Helper()
	txs := make([]covalue.Transaction, n)
	for i := range txs {
		c, err := covalue.Set(fmt.Sprintf("k%d", from+i), from+i)
		require.NoError(t, err)
		tx, err := covalue.Trusting(c)
		require.NoError(t, err)
		txs[i] = tx
	}
	return txs
}

const testSession covalue.SessionID = "sealer_z00/signer_z00_session_z01"

func TestWriteHeaderIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()

		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		other := h
		other.Type = "colist"
		_, err = wait(t, s.WriteHeader(ctx, id, other))
		require.NoError(t, err)

		meta, err := wait(t, s.LoadMeta(ctx, id))
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "comap", meta.Header.Type)
		assert.Empty(t, meta.Sessions)
	})
}

func TestGetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		id, _ := testHeader()
		rec, err := wait(t, s.Get(context.Background(), id))
		require.NoError(t, err)
		assert.Nil(t, rec)

		meta, err := wait(t, s.LoadMeta(context.Background(), id))
		require.NoError(t, err)
		assert.Nil(t, meta)
	})
}

func TestAppendRequiresHeader(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		id, _ := testHeader()
		_, err := wait(t, s.AppendToSession(context.Background(), id, testSession, 0, testTxs(t, 0, 1), "signature_z01"))
		assert.ErrorIs(t, err, ErrNoHeader)
	})
}

func TestAppendRequiresSignature(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()
		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		_, err = wait(t, s.AppendToSession(ctx, id, testSession, 0, testTxs(t, 0, 1), ""))
		assert.ErrorIs(t, err, ErrMissingSignature)
	})
}

func TestAppendAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()
		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		txs := testTxs(t, 0, 3)
		res, err := wait(t, s.AppendToSession(ctx, id, testSession, 0, txs, "signature_z01"))
		require.NoError(t, err)
		assert.Equal(t, AppendResult{Appended: 3, Count: 3}, res)

		rec, err := wait(t, s.Get(ctx, id))
		require.NoError(t, err)
		require.NotNil(t, rec)
		sr := rec.Sessions[testSession]
		require.NotNil(t, sr)
		require.Len(t, sr.Transactions, 3)
		assert.Equal(t, covalue.Signature("signature_z01"), sr.LastSignature)
		for i := range txs {
			want, _ := txs[i].Canonical()
			got, _ := sr.Transactions[i].Canonical()
			assert.Equal(t, string(want), string(got))
		}

		meta, err := wait(t, s.LoadMeta(ctx, id))
		require.NoError(t, err)
		ks := meta.KnownState()
		assert.True(t, ks.Header)
		assert.Equal(t, 3, ks.Sessions[testSession])

		part, err := wait(t, s.LoadRange(ctx, id, testSession, 1, 3))
		require.NoError(t, err)
		assert.Len(t, part, 2)
	})
}

func TestAppendSkipsOverlap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()
		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		_, err = wait(t, s.AppendToSession(ctx, id, testSession, 0, testTxs(t, 0, 2), "signature_z01"))
		require.NoError(t, err)

		// Same content again stores nothing.
		res, err := wait(t, s.AppendToSession(ctx, id, testSession, 0, testTxs(t, 0, 2), "signature_z01"))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Appended)
		assert.Equal(t, 2, res.Skipped)
		assert.Equal(t, 2, res.Count)

		// Overlapping content stores only the new suffix.
		res, err = wait(t, s.AppendToSession(ctx, id, testSession, 1, testTxs(t, 1, 3), "signature_z02"))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Appended)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 4, res.Count)

		rec, err := wait(t, s.Get(ctx, id))
		require.NoError(t, err)
		assert.Len(t, rec.Sessions[testSession].Transactions, 4)
		assert.Equal(t, covalue.Signature("signature_z02"), rec.Sessions[testSession].LastSignature)
	})
}

func TestAppendRejectsGap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()
		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		_, err = wait(t, s.AppendToSession(ctx, id, testSession, 2, testTxs(t, 2, 1), "signature_z01"))
		assert.ErrorIs(t, err, ErrGap)

		meta, err := wait(t, s.LoadMeta(ctx, id))
		require.NoError(t, err)
		assert.Empty(t, meta.Sessions)
	})
}

func TestCheckpointRecorded(t *testing.T) {
	forEachStore(t, func(t *testing.T, s AsyncAdapter) {
		ctx := context.Background()
		id, h := testHeader()
		_, err := wait(t, s.WriteHeader(ctx, id, h))
		require.NoError(t, err)

		txs := testTxs(t, 0, 4)
		size := txs[0].Size()

		// One transaction fits the budget; the second crosses it.
		res, err := wait(t, s.AppendToSession(ctx, id, testSession, 0, txs[:1], "signature_z01"))
		require.NoError(t, err)
		assert.False(t, res.Checkpoint, "size %d", size)

		res, err = wait(t, s.AppendToSession(ctx, id, testSession, 1, txs[1:2], "signature_z02"))
		require.NoError(t, err)
		assert.True(t, res.Checkpoint)

		res, err = wait(t, s.AppendToSession(ctx, id, testSession, 2, txs[2:3], "signature_z03"))
		require.NoError(t, err)
		assert.False(t, res.Checkpoint)

		meta, err := wait(t, s.LoadMeta(ctx, id))
		require.NoError(t, err)
		sm := meta.Sessions[testSession]
		assert.Equal(t, map[int]covalue.Signature{1: "signature_z02"}, sm.SignatureAfter)
		assert.Equal(t, covalue.Signature("signature_z03"), sm.LastSignature)
	}, WithCheckpointBytes(testTxs(t, 0, 1)[0].Size()+1))
}

func TestAsyncPerIDOrdering(t *testing.T) {
	s := NewAsync(NewMemory(), WithWorkers(3))
	defer s.Close()
	ctx := context.Background()

	id, h := testHeader()
	headerDone := s.WriteHeader(ctx, id, h)

	// Queued back to back without waiting; FIFO per ID makes every append
	// see its predecessor.
	futures := make([]*Future[AppendResult], 10)
	for i := range futures {
		futures[i] = s.AppendToSession(ctx, id, testSession, i, testTxs(t, i, 1), covalue.Signature(fmt.Sprintf("signature_z%02d", i)))
	}

	_, err := wait(t, headerDone)
	require.NoError(t, err)
	for i, f := range futures {
		res, err := wait(t, f)
		require.NoError(t, err, "append %d", i)
		assert.Equal(t, i+1, res.Count)
	}
}

func TestAsyncConcurrentIDs(t *testing.T) {
	s := NewAsync(NewMemory())
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, h := testHeader()
			if _, err := s.WriteHeader(ctx, id, h).Wait(ctx); err != nil {
				t.Errorf("write header: %v", err)
				return
			}
			if _, err := s.AppendToSession(ctx, id, testSession, 0, testTxs(t, 0, 2), "signature_z01").Wait(ctx); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
}

// gatedBackend holds every read until release is closed.
type gatedBackend struct {
	Backend
	release chan struct{}
}

func (b *gatedBackend) View(ctx context.Context, fn func(Tx) error) error {
	<-b.release
	return b.Backend.View(ctx, fn)
}

func TestAsyncSubmitDoesNotBlock(t *testing.T) {
	b := &gatedBackend{Backend: NewMemory(), release: make(chan struct{})}
	s := NewAsync(b, WithWorkers(1))
	defer s.Close()
	ctx := context.Background()
	id, _ := testHeader()

	submitted := make(chan []*Future[*Meta], 1)
	go func() {
		fs := make([]*Future[*Meta], 500)
		for i := range fs {
			fs[i] = s.LoadMeta(ctx, id)
		}
		submitted <- fs
	}()

	var fs []*Future[*Meta]
	select {
	case fs = <-submitted:
	case <-time.After(5 * time.Second):
		close(b.release)
		t.Fatal("submitting to a stalled worker blocked the caller")
	}
	close(b.release)
	for _, f := range fs {
		meta, err := wait(t, f)
		require.NoError(t, err)
		assert.Nil(t, meta)
	}
}

func TestAsyncCloseDrainsBacklog(t *testing.T) {
	b := &gatedBackend{Backend: NewMemory(), release: make(chan struct{})}
	s := NewAsync(b, WithWorkers(1))
	ctx := context.Background()
	id, _ := testHeader()

	fs := make([]*Future[*Meta], 20)
	for i := range fs {
		fs[i] = s.LoadMeta(ctx, id)
	}
	close(b.release)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	for _, f := range fs {
		_, err := wait(t, f)
		assert.NoError(t, err)
	}
}

func TestAsyncClosed(t *testing.T) {
	s := NewAsync(NewMemory())
	require.NoError(t, s.Close())

	id, h := testHeader()
	_, err := wait(t, s.WriteHeader(context.Background(), id, h))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cosync.db")
	ctx := context.Background()
	id, h := testHeader()

	b, err := OpenSQLite(path)
	require.NoError(t, err)
	s := NewSync(b)
	require.NoError(t, s.WriteHeader(ctx, id, h))
	_, err = s.AppendToSession(ctx, id, testSession, 0, testTxs(t, 0, 2), "signature_z01")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	b, err = OpenSQLite(path)
	require.NoError(t, err)
	s = NewSync(b)
	defer s.Close()

	v, err := SchemaVersion(b.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	meta, err := s.LoadMeta(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.Sessions[testSession].Count)
}

func TestMemoryRollbackOnError(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	id, h := testHeader()

	err := b.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutHeader(id, h))
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	require.NoError(t, b.View(ctx, func(tx Tx) error {
		got, err := tx.Header(id)
		assert.Nil(t, got)
		return err
	}))
}
