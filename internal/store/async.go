package store

import (
	"context"
	"hash/fnv"
	"sync"

	"cosync/internal/covalue"
)

// Future is the pending result of an asynchronous store operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](val T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(val, err)
	return f
}

func (f *Future[T]) complete(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) { return f.val, f.err }

// Wait blocks until the result is available or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AsyncStore implements AsyncAdapter on a pool of workers. Operations on
// the same CoValue are routed to the same worker and run in FIFO order.
// Submitting never blocks: each worker keeps an unbounded backlog, so a
// slow backend delays results rather than the caller.
type AsyncStore struct {
	sync   *SyncStore
	shards []*shard
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ AsyncAdapter = (*AsyncStore)(nil)

// shard is the backlog of one worker.
type shard struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

func (sh *shard) push(job func()) bool {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return false
	}
	sh.pending = append(sh.pending, job)
	sh.mu.Unlock()
	sh.signal()
	return true
}

func (sh *shard) signal() {
	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

func (sh *shard) close() {
	sh.mu.Lock()
	sh.closed = true
	sh.mu.Unlock()
	sh.signal()
}

// run executes jobs until the shard is closed and its backlog drained.
func (sh *shard) run() {
	for {
		sh.mu.Lock()
		jobs, closed := sh.pending, sh.closed
		sh.pending = nil
		sh.mu.Unlock()

		for _, job := range jobs {
			job()
		}
		if len(jobs) > 0 {
			continue
		}
		if closed {
			return
		}
		<-sh.wake
	}
}

// NewAsync starts an asynchronous store over backend.
func NewAsync(backend Backend, opts ...Option) *AsyncStore {
	s := &AsyncStore{sync: NewSync(backend, opts...)}
	s.shards = make([]*shard, s.sync.opts.workers)
	for i := range s.shards {
		sh := &shard{wake: make(chan struct{}, 1)}
		s.shards[i] = sh
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sh.run()
		}()
	}
	return s
}

// submit queues job on the worker owning id. It reports false once the
// store is closed.
func (s *AsyncStore) submit(id covalue.ID, job func()) bool {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[int(h.Sum32()%uint32(len(s.shards)))].push(job)
}

func run[T any](s *AsyncStore, id covalue.ID, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	if !s.submit(id, func() { f.complete(fn()) }) {
		var zero T
		f.complete(zero, ErrClosed)
	}
	return f
}

// Get implements AsyncAdapter.
func (s *AsyncStore) Get(ctx context.Context, id covalue.ID) *Future[*Record] {
	return run(s, id, func() (*Record, error) { return s.sync.Get(ctx, id) })
}

// LoadMeta implements AsyncAdapter.
func (s *AsyncStore) LoadMeta(ctx context.Context, id covalue.ID) *Future[*Meta] {
	return run(s, id, func() (*Meta, error) { return s.sync.LoadMeta(ctx, id) })
}

// LoadRange implements AsyncAdapter.
func (s *AsyncStore) LoadRange(ctx context.Context, id covalue.ID, session covalue.SessionID, from, to int) *Future[[]covalue.Transaction] {
	return run(s, id, func() ([]covalue.Transaction, error) { return s.sync.LoadRange(ctx, id, session, from, to) })
}

// WriteHeader implements AsyncAdapter.
func (s *AsyncStore) WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) *Future[struct{}] {
	return run(s, id, func() (struct{}, error) { return struct{}{}, s.sync.WriteHeader(ctx, id, header) })
}

// AppendToSession implements AsyncAdapter.
func (s *AsyncStore) AppendToSession(ctx context.Context, id covalue.ID, session covalue.SessionID, after int, txs []covalue.Transaction, lastSignature covalue.Signature) *Future[AppendResult] {
	return run(s, id, func() (AppendResult, error) {
		return s.sync.AppendToSession(ctx, id, session, after, txs, lastSignature)
	})
}

// Close drains pending work and closes the backend.
func (s *AsyncStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, sh := range s.shards {
			sh.close()
		}
		s.wg.Wait()
		err = s.sync.Close()
	})
	return err
}
