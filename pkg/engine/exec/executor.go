package exec

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor schedules driver work onto worker goroutines. Parallel-mode
// tasks require one; serial-mode tasks run without.
type Executor interface {
	// Submit schedules fn. It must not block the caller; fn runs as soon as
	// a worker is free. Submitting to a closed executor drops fn.
	Submit(fn func())
}

// Pool is a fixed-size worker pool Executor. Work submitted to a pool runs
// one item per worker at a time, in submission order.
type Pool struct {
	work chan func()

	closeOnce sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
}

var _ Executor = (*Pool)(nil)

// NewPool starts a pool with n workers. n must be at least 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		// Deep buffer so Submit never blocks driver re-enqueue paths.
		work:   make(chan func(), 1024),
		cancel: cancel,
		group:  group,
	}

	for i := 0; i < n; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case fn, ok := <-p.work:
					if !ok {
						return nil
					}
					fn()
				}
			}
		})
	}
	return p
}

// Submit implements Executor.
func (p *Pool) Submit(fn func()) {
	defer func() {
		// Submitting to a closed pool loses the race against Close. Dropped
		// work is acceptable there: Close is only called after every task
		// using the pool has terminated.
		_ = recover()
	}()
	p.work <- fn
}

// Close stops accepting work and waits for in-flight work to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.work)
		_ = p.group.Wait()
		p.cancel()
	})
}
