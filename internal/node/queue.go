package node

import "sync"

// taskQueue runs tasks in FIFO order per key. A key's worker goroutine is
// started on the first push and exits once its queue drains, so tasks for
// one key never interleave while distinct keys proceed concurrently.
type taskQueue struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newTaskQueue() *taskQueue {
	return &taskQueue{queues: map[string][]func(){}}
}

func (q *taskQueue) push(key string, task func()) {
	q.mu.Lock()
	pending, running := q.queues[key]
	q.queues[key] = append(pending, task)
	q.mu.Unlock()

	if !running {
		q.wg.Add(1)
		go q.drain(key)
	}
}

func (q *taskQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		tasks := q.queues[key]
		if len(tasks) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		q.queues[key] = nil
		q.mu.Unlock()

		for _, task := range tasks {
			task()
		}
	}
}

// wait blocks until every worker has exited.
func (q *taskQueue) wait() {
	q.wg.Wait()
}
