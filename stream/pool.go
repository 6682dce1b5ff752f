package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the number of producers that may run concurrently.
const DefaultPoolSize = 100

// Pool is a bounded set of worker slots.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewPool creates a pool with size slots. Non-positive sizes fall back to
// DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}

	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Active returns the number of occupied slots.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Go runs fn on its own goroutine once a slot is free. fn always runs
// exactly once: if the handle is cancelled (or ctx is done) while waiting
// for a slot, fn runs immediately with the cancelled context and without a
// slot, so it can release whatever it owns.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(ctx)

	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer close(h.done)
		defer cancel()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			fn(ctx)
			return
		}

		p.active.Add(1)

		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
		}()

		fn(ctx)
	}()

	return h
}

// Wait blocks until every goroutine started by Go has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Handle controls one unit of pool work.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests the work to stop. It does not wait.
func (h *Handle) Cancel() {
	if h != nil {
		h.cancel()
	}
}

// Done is closed once the work has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the work has returned or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
