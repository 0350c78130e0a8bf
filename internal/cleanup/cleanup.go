// Package cleanup runs the post-retrieval DeleteDAG call as a fire-and-forget
// background job on a process-wide worker pool, bounded by a semaphore the
// way the teacher bounds concurrent thumbnail generation, so a burst of
// retrievals can't spawn unbounded goroutines against the result backend.
package cleanup

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Backend is the slice of resultbackend.Client the pool needs to run a
// cleanup job. Defined here, not imported, to avoid a dependency cycle back
// onto the resultbackend package's own tests.
type Backend interface {
	DeleteDAG(ctx context.Context, id string, leafIDs []string) error
}

// Pool runs DeleteDAG jobs on detached goroutines, independent of any
// request's cancellation scope, capped at a fixed number of concurrent
// deletions.
type Pool struct {
	backend Backend
	sem     *semaphore.Weighted
	log     *slog.Logger

	wg sync.WaitGroup
}

// defaultConcurrency bounds how many DeleteDAG calls run against the result
// backend at once.
const defaultConcurrency = 8

// NewPool constructs a pool backed by backend. Call Wait during shutdown to
// let in-flight deletions finish instead of abandoning them.
func NewPool(backend Backend, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		backend: backend,
		sem:     semaphore.NewWeighted(defaultConcurrency),
		log:     log,
	}
}

// Schedule enqueues a DeleteDAG(id, leafIDs) job. It returns immediately;
// the job runs on its own context, detached from any request deadline, so a
// client disconnecting never aborts the delete.
func (p *Pool) Schedule(id string, leafIDs []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.log.Error("cleanup: acquire semaphore", "task_id", id, "err", err)
			return
		}
		defer p.sem.Release(1)

		if err := p.backend.DeleteDAG(ctx, id, leafIDs); err != nil {
			p.log.Warn("cleanup: delete dag failed", "task_id", id, "err", err)
		}
	}()
}

// Wait blocks until every scheduled job has returned. Intended for use
// during graceful shutdown, with a context-bound timeout enforced by the
// caller around the call.
func (p *Pool) Wait() {
	p.wg.Wait()
}
