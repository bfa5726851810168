package exec

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/quiverdb/quiver/pkg/engine/future"
)

// ErrBlockedWithoutFuture is returned by Next when every driver is blocked
// but the caller gave no place to receive the wake-up future.
var ErrBlockedWithoutFuture = errors.New("all drivers blocked but no future location given")

// Next runs the task's drivers round-robin on the calling goroutine and
// returns the next output batch. Serial mode only.
//
// A nil record with a nil error means either that the task finished, or,
// when *out was set, that every driver is blocked; the caller must wait on
// *out before calling Next again.
func (t *Task) Next(out **future.Future) (arrow.Record, error) {
	if t.mode != SerialExecution {
		return nil, fmt.Errorf("task %s: Next requires serial execution mode, have %s", t.id, t.mode)
	}

	t.mu.Lock()
	if !t.isRunningLocked() {
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	if len(t.driverFactories) == 0 {
		if err := t.startSerialLocked(); err != nil {
			t.mu.Unlock()
			t.SetError(err)
			return nil, err
		}
	}
	if t.batchStart.IsZero() {
		t.batchStart = time.Now()
	}
	t.mu.Unlock()

	for {
		runnable := 0
		var blockedFutures []*future.Future

		t.mu.Lock()
		drivers := append([]*Driver(nil), t.drivers...)
		t.mu.Unlock()

		remaining := 0
		for i, d := range drivers {
			if d == nil {
				continue
			}
			remaining++

			blocked, fut, err := t.blockingStates[i].blockedOrFuture()
			if err != nil {
				t.SetError(err)
				return nil, err
			}
			if blocked {
				blockedFutures = append(blockedFutures, fut)
				continue
			}
			runnable++

			record, blk, err := d.next()
			if err != nil {
				return nil, err
			}
			if blk != nil {
				t.blockingStates[i].arm(blk.fut)
				blockedFutures = append(blockedFutures, mustBlockedFuture(t.blockingStates[i]))
				continue
			}
			if record != nil {
				t.observeBatch()
				return record, nil
			}
			// Driver finished; its slot is nil now.
		}

		if err := t.Error(); err != nil {
			return nil, err
		}
		if remaining == 0 || !t.IsRunning() {
			return nil, t.Error()
		}
		if runnable == 0 {
			if out == nil {
				return nil, ErrBlockedWithoutFuture
			}
			*out = future.Any("Task.Next all drivers blocked "+t.id, blockedFutures...)
			return nil, nil
		}
	}
}

func mustBlockedFuture(s *driverBlockingState) *future.Future {
	blocked, fut, err := s.blockedOrFuture()
	if err != nil || !blocked {
		// The future realized between arm and here; a completed future keeps
		// Next's combined wait from stalling.
		return future.Completed(err)
	}
	return fut
}

func (t *Task) observeBatch() {
	t.mu.Lock()
	if !t.batchStart.IsZero() {
		t.cfg.Metrics.batchProcessSeconds.Observe(time.Since(t.batchStart).Seconds())
		t.batchStart = time.Time{}
	}
	t.mu.Unlock()
}

// startSerialLocked plans the fragment and creates all drivers up front.
// Serial drivers are never enqueued; Next polls them directly.
func (t *Task) startSerialLocked() error {
	t.stats.ExecutionStartTime = time.Now()

	if err := t.createDriverFactoriesLocked(1); err != nil {
		return err
	}
	for _, f := range t.driverFactories {
		if !f.SupportsSerialExecution() {
			return fmt.Errorf("pipeline %d does not support serial execution", f.PipelineID)
		}
	}

	t.createSplitGroupStateLocked(UngroupedGroupID)
	drivers, err := t.createDriversLocked(UngroupedGroupID)
	if err != nil {
		return err
	}
	t.drivers = drivers
	t.numRunningDrivers = len(drivers)
	t.blockingStates = make([]*driverBlockingState, len(drivers))
	for i := range t.blockingStates {
		t.blockingStates[i] = &driverBlockingState{}
	}
	return nil
}
