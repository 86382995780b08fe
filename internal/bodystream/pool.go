// Package bodystream runs payload delivery to callers on its own bounded
// pool so a slow caller callback never blocks the dispatch loop.
package bodystream

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"pkt.systems/manifold/internal/logfields"
	"pkt.systems/pslog"
)

// ErrShuttingDown is returned by Schedule once Shutdown has started.
var ErrShuttingDown = errors.New("bodystream: pool is shutting down")

// Pool executes delivery tasks with bounded concurrency.
type Pool struct {
	logger pslog.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool builds a pool running at most workers tasks concurrently.
func NewPool(workers int, logger pslog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Pool{
		logger: logfields.WithSubsystem(logger, "client.bodystream"),
		sem:    semaphore.NewWeighted(int64(workers)),
	}
}

// Schedule queues task for execution. Tasks run in submission order only as
// far as worker availability allows.
func (p *Pool) Schedule(task func()) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			p.logger.Warn("manifold.bodystream.acquire_failed", "error", err)
			return
		}
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// Shutdown stops admission and invokes done exactly once after every
// scheduled task has finished. Calling Shutdown more than once only fires
// the first done.
func (p *Pool) Shutdown(done func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("manifold.bodystream.shutdown_repeated")
		return
	}
	p.closed = true
	p.mu.Unlock()

	go func() {
		p.wg.Wait()
		p.logger.Debug("manifold.bodystream.drained")
		if done != nil {
			done()
		}
	}()
}
