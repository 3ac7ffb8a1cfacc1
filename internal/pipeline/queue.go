package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one queued unit of work, typically a full run execution.
type Job func(ctx context.Context)

// Queue is the FIFO in-process run queue. A single worker drains it, so at
// most one run is ever active: concurrent runs would contend on the shared
// rate-limit budgets and the run-scoped resolution caches.
type Queue struct {
	jobs chan Job
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue builds a queue holding up to size pending jobs.
func NewQueue(size int) *Queue {
	return &Queue{jobs: make(chan Job, size)}
}

// Start launches the worker. It drains until the context is cancelled or
// Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.jobs:
				if !ok {
					return
				}
				job(ctx)
			}
		}
	}()
}

// Enqueue adds a job, failing immediately when the queue is full or closed
// rather than blocking the caller.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return eris.New("pipeline: queue closed")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return eris.New("pipeline: queue full")
	}
}

// Close stops accepting jobs and waits for the worker to finish the backlog.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	zap.L().Debug("pipeline: queue drained")
}
