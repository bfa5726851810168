// Package future provides the one-shot completion contract used by the
// execution runtime to represent work that will become runnable later.
//
// A contract is a single-producer pair of [Promise] and [Future]. The
// producer completes the promise exactly once; consumers wait on the future
// or register continuations.
//
// Continuations registered with [Future.OnComplete] execute inline on the
// goroutine that completes the promise, not on a fixed executor. Callers
// that complete promises while holding locks must account for reentrancy.
package future

import (
	"context"
	"sync"
	"time"
)

// Future is the consumer half of a completion contract.
type Future struct {
	comment string

	mu        sync.Mutex
	completed bool
	err       error
	done      chan struct{}
	callbacks []func(error)
}

// Promise is the producer half of a completion contract. A Promise must be
// completed at most once; only the first completion takes effect.
type Promise struct {
	f *Future
}

// Make returns a new completion contract. The comment names the contract in
// diagnostics and has no semantic meaning.
func Make(comment string) (*Promise, *Future) {
	f := &Future{
		comment: comment,
		done:    make(chan struct{}),
	}
	return &Promise{f: f}, f
}

// Completed returns a future that is already complete with the given error.
func Completed(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.completed = true
	f.err = err
	close(f.done)
	return f
}

// Complete fulfills the promise. Registered continuations run inline on the
// calling goroutine. Completing an already completed promise is a no-op.
func (p *Promise) Complete() { p.complete(nil) }

// Fail fulfills the promise with an error observable by every waiter.
func (p *Promise) Fail(err error) { p.complete(err) }

func (p *Promise) complete(err error) {
	f := p.f

	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Comment returns the diagnostic name the contract was created with.
func (f *Future) Comment() string { return f.comment }

// Done reports whether the future has completed.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the error the future completed with, or nil if it has not
// completed or completed successfully.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return nil
	}
	return f.err
}

// C returns a channel that is closed once the future completes.
func (f *Future) C() <-chan struct{} { return f.done }

// Wait blocks until the future completes or ctx is done. It returns the
// completion error, or the context error if the context fired first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor blocks until the future completes or the timeout elapses. A zero
// timeout waits indefinitely. It reports whether the future completed.
func (f *Future) WaitFor(timeout time.Duration) bool {
	if timeout == 0 {
		<-f.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

// OnComplete registers fn to run when the future completes. If the future is
// already complete, fn runs inline before OnComplete returns. fn executes on
// whichever goroutine completes the promise.
func (f *Future) OnComplete(fn func(error)) {
	f.mu.Lock()
	if f.completed {
		err := f.err
		f.mu.Unlock()
		fn(err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// All returns a future that completes once every input future has completed.
// It carries the first error observed, if any. All with no inputs returns an
// already completed future.
func All(comment string, futures ...*Future) *Future {
	if len(futures) == 0 {
		return Completed(nil)
	}

	promise, combined := Make(comment)

	var (
		mu       sync.Mutex
		pending  = len(futures)
		firstErr error
	)
	for _, f := range futures {
		f.OnComplete(func(err error) {
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			pending--
			last := pending == 0
			err = firstErr
			mu.Unlock()

			if last {
				promise.complete(err)
			}
		})
	}
	return combined
}

// Any returns a future that completes once at least one input future has
// completed, carrying that future's error. Any with no inputs returns an
// already completed future.
func Any(comment string, futures ...*Future) *Future {
	if len(futures) == 0 {
		return Completed(nil)
	}

	promise, combined := Make(comment)
	for _, f := range futures {
		f.OnComplete(func(err error) {
			promise.complete(err)
		})
	}
	return combined
}
