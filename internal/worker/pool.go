// Package worker provides a bounded pool for fire-and-forget background
// recomputation: when a stale entry is served, the refresh that
// replaces it runs here instead of on the caller's goroutine. Grounded
// on moby-moby's buildkit-vendored resolver/limited.Group, which uses
// the same golang.org/x/sync/semaphore.Weighted gate around unbounded
// concurrent work.
package worker

import (
	"context"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers bounds concurrent background recomputations absent
// any override. It is deliberately small: background refresh exists to
// keep foreground calls fast, not to maximize throughput.
const DefaultMaxWorkers = 8

const envMaxWorkers = "MAX_BACKGROUND_WORKERS"

// Pool runs submitted functions on their own goroutine, admitting at
// most a fixed number concurrently; excess submissions block the
// submitter until a slot frees up.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the process-wide pool, sized from MAX_BACKGROUND_WORKERS
// (falling back to DefaultMaxWorkers), constructed lazily on first use.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(maxWorkersFromEnv())
	})
	return defaultPool
}

func maxWorkersFromEnv() int64 {
	if v := os.Getenv(envMaxWorkers); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxWorkers
}

// New constructs a Pool admitting at most maxWorkers concurrent tasks.
func New(maxWorkers int64) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(maxWorkers)}
}

// Submit runs fn on a new goroutine once a slot is available, blocking
// the caller until then or until ctx is cancelled. A cancelled ctx
// means fn never runs and Submit returns ctx.Err(); the caller decides
// whether to fall back to running fn inline.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.wg.Done()
		fn()
	}()
	return nil
}

// TrySubmit runs fn immediately if a slot is free, otherwise drops it
// and reports false without blocking. Used by the stale-recompute path,
// which would rather skip a refresh than stall the caller that
// triggered it.
func (p *Pool) TrySubmit(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.wg.Done()
		fn()
	}()
	return true
}

// Wait blocks until every submitted task has returned. Primarily for
// tests; production shutdown uses Close.
func (p *Pool) Wait() { p.wg.Wait() }

// Close waits for outstanding tasks to finish or ctx to expire,
// whichever comes first.
func (p *Pool) Close(ctx context.Context) error {
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
