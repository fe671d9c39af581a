package controller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted tasks on their own goroutines, at most size at a
// time.  Tasks beyond the limit wait for a slot in arrival order; the
// waiting goroutines are the queue.  A size of zero means unbounded.
type Pool struct {
	name   string
	size   int
	sem    *semaphore.Weighted
	logger *slog.Logger

	wg      sync.WaitGroup
	inUse   atomic.Int64
	waiting atomic.Int64
}

// NewPool creates a pool.
func NewPool(name string, size int, logger *slog.Logger) *Pool {
	p := &Pool{name: name, size: size, logger: logger}
	if size > 0 {
		p.sem = semaphore.NewWeighted(int64(size))
	}
	return p
}

// Submit schedules fn.  fn runs with ctx once a slot is free.  If ctx is
// done before a slot frees up, fn never runs.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) {
	p.wg.Add(1)
	p.waiting.Add(1)

	go func() {
		defer p.wg.Done()

		if p.sem != nil {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.waiting.Add(-1)
				p.logger.Info("task abandoned before it started",
					slog.String("pool", p.name),
					slog.String("error", err.Error()),
				)
				return
			}
			defer p.sem.Release(1)
		}
		p.waiting.Add(-1)

		p.inUse.Add(1)
		defer p.inUse.Add(-1)

		fn(ctx)
	}()
}

// Wait blocks until every submitted task has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InUse returns the number of running tasks.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Waiting returns the number of tasks waiting for a slot.
func (p *Pool) Waiting() int { return int(p.waiting.Load()) }

// Size returns the configured limit; zero means unbounded.
func (p *Pool) Size() int { return p.size }
