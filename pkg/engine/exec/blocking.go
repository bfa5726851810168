package exec

import (
	"sync"

	"github.com/quiverdb/quiver/pkg/engine/future"
)

// driverBlockingState tracks one serial-mode driver's outstanding blocking
// future so Task.Next can skip it until the future realizes. An error
// realized through the future is surfaced on the next check instead of
// being lost on a goroutine.
type driverBlockingState struct {
	mu       sync.Mutex
	blocked  bool
	err      error
	promises []*future.Promise
}

// arm marks the driver blocked on fut. When fut realizes, waiters created
// through blockedOrFuture are released, with the error if fut carried one.
func (s *driverBlockingState) arm(fut *future.Future) {
	s.mu.Lock()
	s.blocked = true
	s.mu.Unlock()

	fut.OnComplete(func(err error) {
		s.mu.Lock()
		s.blocked = false
		if err != nil && s.err == nil {
			s.err = err
		}
		promises := s.promises
		s.promises = nil
		s.mu.Unlock()

		for _, p := range promises {
			if err != nil {
				p.Fail(err)
			} else {
				p.Complete()
			}
		}
	})
}

// blockedOrFuture reports whether the driver is still blocked, handing the
// caller a future to wait on if so. A captured error is returned once here
// and kept for subsequent calls.
func (s *driverBlockingState) blockedOrFuture() (bool, *future.Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, nil, s.err
	}
	if !s.blocked {
		return false, nil, nil
	}
	promise, f := future.Make("driverBlockingState.blockedOrFuture")
	s.promises = append(s.promises, promise)
	return true, f, nil
}
