package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/quiverdb/quiver/pkg/engine/future"
)

var (
	// ErrTaskCanceled is the error captured by tasks terminated with
	// RequestCancel.
	ErrTaskCanceled = errors.New("task canceled")

	// ErrTaskAborted is the error captured by tasks terminated with
	// RequestAbort.
	ErrTaskAborted = errors.New("task aborted")
)

// enter transitions an enqueued driver onto the calling thread. It returns
// StopNone when the driver may run, or the stop reason that preempted it.
// On StopTerminate the driver is marked terminated AND placed on-thread so
// the caller unwinds through leave, which closes it.
func (t *Task) enter(state *ThreadState, now time.Time) StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()

	state.enqueued = false
	if state.terminated {
		return StopAlreadyTerminated
	}
	if state.onThread {
		return StopAlreadyOnThread
	}

	reason := t.shouldStopLocked()
	if reason == StopTerminate {
		state.terminated = true
	}
	if reason == StopNone || reason == StopTerminate {
		t.numThreads++
		state.setThread()
		t.onThreadSince = now
	}
	return reason
}

// leave takes a driver off-thread. If termination was requested while the
// driver ran, leave marks it terminated and invokes closeCb after releasing
// the lock.
func (t *Task) leave(state *ThreadState, closeCb func(StopReason)) {
	var pending pendingNotifications
	reason := StopNone

	t.mu.Lock()
	if state.terminated {
		reason = StopTerminate
	} else if t.terminateRequested.Load() {
		reason = StopTerminate
		state.terminated = true
	}
	state.clearThread()
	t.numThreads--
	if t.numThreads == 0 {
		pending.addAll(t.threadFinishPromises)
		t.threadFinishPromises = nil
	}
	t.mu.Unlock()

	pending.notify()

	if reason == StopTerminate && closeCb != nil {
		closeCb(reason)
	}
}

// enterSuspended marks an on-thread driver as suspended: it stays logically
// owned by its goroutine but stops counting as an active thread, so pauses
// and reclamation do not wait for it. Suspensions nest.
func (t *Task) enterSuspended(state *ThreadState) StopReason {
	var pending pendingNotifications

	t.mu.Lock()
	if !state.onThread {
		t.mu.Unlock()
		return StopAlreadyTerminated
	}
	if state.terminated {
		t.mu.Unlock()
		return StopAlreadyTerminated
	}
	state.numSuspensions++
	if state.numSuspensions == 1 {
		t.numThreads--
		if t.numThreads == 0 {
			pending.addAll(t.threadFinishPromises)
			t.threadFinishPromises = nil
		}
	}
	t.mu.Unlock()

	pending.notify()
	return StopNone
}

// leaveSuspended re-activates a suspended driver. The outermost leave must
// not complete while a pause is in effect; it backs off and retries until
// the task is resumed or terminated.
func (t *Task) leaveSuspended(state *ThreadState) StopReason {
	retry := backoff.New(context.Background(), backoff.Config{
		MinBackoff: time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
	})

	for {
		var pending pendingNotifications

		t.mu.Lock()
		state.numSuspensions--
		if state.numSuspensions == 0 {
			t.numThreads++
		}
		if state.terminated || t.terminateRequested.Load() {
			t.mu.Unlock()
			return StopTerminate
		}
		if state.numSuspensions > 0 || !t.pauseRequested.Load() {
			t.mu.Unlock()
			return StopNone
		}

		// Outermost leave while paused: undo and wait for resume.
		state.numSuspensions++
		t.numThreads--
		if t.numThreads == 0 {
			pending.addAll(t.threadFinishPromises)
			t.threadFinishPromises = nil
		}
		t.mu.Unlock()

		pending.notify()
		retry.Wait()
	}
}

// shouldStop is the driver fast path, checked between batches. It reads the
// hot flags without the task mutex and only takes the lock when a yield
// token may be due.
func (t *Task) shouldStop() StopReason {
	if t.terminateRequested.Load() {
		return StopTerminate
	}
	if t.pauseRequested.Load() {
		return StopPause
	}
	if t.toYield.Load() > 0 {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.shouldStopLocked()
	}
	return StopNone
}

func (t *Task) shouldStopLocked() StopReason {
	if t.terminateRequested.Load() {
		return StopTerminate
	}
	if t.pauseRequested.Load() {
		return StopPause
	}
	if t.toYield.Load() > 0 {
		t.toYield.Dec()
		return StopYield
	}
	return StopNone
}

// RequestYield asks every currently on-thread driver to yield its time
// slice once.
func (t *Task) RequestYield() {
	t.mu.Lock()
	t.toYield.Store(int32(t.numThreads))
	t.mu.Unlock()
}

// YieldIfDue requests a yield if some driver has been continuously
// on-thread longer than onThreadTimeout. Returns whether a yield was
// requested.
func (t *Task) YieldIfDue(onThreadTimeout time.Duration) bool {
	if t.pauseRequested.Load() || t.terminateRequested.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numThreads == 0 || t.onThreadSince.IsZero() {
		return false
	}
	if time.Since(t.onThreadSince) <= onThreadTimeout {
		return false
	}
	t.toYield.Store(int32(t.numThreads))
	return true
}

// RequestPause asks all drivers to go off-thread at the next safe point.
// The returned future resolves when no driver remains on-thread. The pause
// stays in effect until Resume.
func (t *Task) RequestPause() *future.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseRequested.Store(true)
	return t.makeFinishFutureLocked("Task.RequestPause " + t.id)
}

// pausedFuture resolves when the current pause is lifted. Serial drivers
// preempted by a pause wait on it.
func (t *Task) pausedFuture() *future.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pauseRequested.Load() || !t.isRunningLocked() {
		return future.Completed(nil)
	}
	promise, f := future.Make("Task.pausedFuture " + t.id)
	t.resumePromises = append(t.resumePromises, promise)
	return f
}

// makeFinishFutureLocked returns a future that resolves when no thread runs
// inside the task. Resolves immediately if none does now.
func (t *Task) makeFinishFutureLocked(comment string) *future.Future {
	if t.numThreads == 0 {
		return future.Completed(nil)
	}
	promise, f := future.Make(comment)
	t.threadFinishPromises = append(t.threadFinishPromises, promise)
	return f
}

// Resume lifts a pause. Off-thread drivers that are not enqueued, not
// blocked and not suspended are re-enqueued. If the task stopped running
// while paused, the remaining off-thread drivers are closed instead.
func Resume(t *Task) {
	var pending pendingNotifications
	var toClose []*Driver

	t.mu.Lock()
	t.pauseRequested.Store(false)

	if t.isRunningLocked() {
		for _, d := range t.drivers {
			if d == nil || d.closed {
				continue
			}
			s := &d.state
			if s.onThread || s.enqueued || s.terminated || s.hasBlockingFuture || s.Suspended() {
				continue
			}
			if !s.endExecTime.IsZero() {
				s.totalPauseTime += time.Since(s.endExecTime)
			}
			pending.defer_(enqueueFn(d))
		}
	} else {
		// Terminate skipped these drivers because the pause held them
		// off-thread for reclamation; close them now.
		toClose = t.takeOffThreadDriversLocked()
		t.maybeFinalizeLocked(&pending)
	}

	pending.addAll(t.resumePromises)
	t.resumePromises = nil
	t.mu.Unlock()

	for _, d := range toClose {
		d.closeByTask()
	}
	pending.notify()
}

// takeOffThreadDriversLocked marks every off-thread, non-suspended driver
// terminated, vacates its slot and does the finished-driver accounting. The
// returned drivers must be closed outside the lock.
func (t *Task) takeOffThreadDriversLocked() []*Driver {
	var out []*Driver
	for i, d := range t.drivers {
		if d == nil || d.closed {
			continue
		}
		s := &d.state
		if s.onThread || s.Suspended() || s.terminated {
			continue
		}
		s.terminated = true
		t.drivers[i] = nil
		out = append(out, d)
		t.driverClosedLocked()
		if gs := t.splitGroupStates[d.dctx.SplitGroupID]; gs != nil {
			gs.numRunningDrivers--
		}
	}
	return out
}

// Terminate moves the task into the given terminal state. The first
// terminate wins; later calls (and terminates racing with it) only return
// the thread-finish future. All side effects run outside the task mutex:
// waking futures, closing off-thread drivers, canceling join bridges,
// aborting exchange clients and releasing queued splits.
func (t *Task) Terminate(state TaskState) *future.Future {
	if !state.Terminal() {
		panic(fmt.Sprintf("Terminate called with non-terminal state %s", state))
	}

	var pending pendingNotifications
	var failing []*future.Promise
	var toClose []*Driver
	var bridges []JoinBridge
	var preloaded []*ConnectorSplit
	type remoteRoute struct {
		client ExchangeClient
		splits []Split
	}
	var remotes []remoteRoute

	t.mu.Lock()
	if !t.isRunningLocked() {
		f := t.makeFinishFutureLocked("Task.Terminate " + t.id)
		t.mu.Unlock()
		return f
	}

	t.state = state
	t.stats.TerminationTime = time.Now()
	if t.err == nil {
		switch state {
		case TaskCanceled:
			t.err = ErrTaskCanceled
		case TaskAborted:
			t.err = ErrTaskAborted
		}
	}
	err := t.err
	t.terminateRequested.Store(true)
	t.cancel(err)
	t.cfg.Metrics.tasksTotal.WithLabelValues(state.String()).Inc()

	level.Debug(t.logger).Log("msg", "terminating task",
		"state", state, "err", err,
		"running_drivers", t.numRunningDrivers, "threads", t.numThreads)

	pending.addAll(t.taskCompletionPromises)
	t.taskCompletionPromises = nil
	pending.addAll(t.stateChangePromises)
	t.stateChangePromises = nil
	pending.addAll(t.resumePromises)
	t.resumePromises = nil

	// An in-flight barrier cannot complete anymore; its waiters get the
	// terminal error, or a cancellation error on a clean finish.
	if t.numDriversUnderBarrier > 0 || len(t.barrierFinishPromises) > 0 {
		failing = append(failing, t.barrierFinishPromises...)
		t.barrierFinishPromises = nil
		t.numDriversUnderBarrier = 0
		t.barrierRequested.Store(false)
	}

	// Wake split waiters and collect undelivered splits: preloaded data
	// sources need closing, remote splits need forwarding to their exchange
	// client so producing tasks learn about the abort.
	for nodeID, ss := range t.splitsStates {
		client := t.exchangeClients[nodeID]
		var remaining []Split
		for _, store := range ss.groupStores {
			pending.promises = store.takeAllPromises(pending.promises)
			for _, split := range store.splits {
				if split.Connector == nil {
					continue
				}
				if split.Connector.DataSource() != nil {
					preloaded = append(preloaded, split.Connector)
				}
				if client != nil {
					remaining = append(remaining, split)
				}
			}
			store.splits = nil
		}
		if client != nil {
			remotes = append(remotes, remoteRoute{client: client, splits: remaining})
		}
	}
	// Splits with a preload in flight are still queued, so the loop above
	// already collected their data sources; only the markers are dropped.
	t.preloadingSplits = make(map[*ConnectorSplit]struct{})

	// Drop split groups that never started.
	t.queuedSplitGroups = nil

	// Cancel the join bridges and close the local exchanges of every active
	// split group so cross-pipeline waiters wake and queued batches are
	// released.
	var exchanges []*LocalExchange
	for _, gs := range t.splitGroupStates {
		for _, b := range gs.bridges {
			bridges = append(bridges, b)
		}
		for _, ex := range gs.localExchanges {
			exchanges = append(exchanges, ex)
		}
	}

	// Off-thread drivers are closed here unless a pause holds them for
	// memory reclamation; then Resume closes them.
	if !t.pauseRequested.Load() {
		toClose = t.takeOffThreadDriversLocked()
	}

	// A terminated task reports no running drivers, and drivers it never
	// created (queued or unseen split groups) will never finish. Settle the
	// totals to the drivers that exist so the finished count can reach them.
	t.numRunningDrivers = 0
	live := 0
	for _, d := range t.drivers {
		if d != nil {
			live++
		}
	}
	t.numTotalDrivers = t.numFinishedDrivers + live

	t.maybeFinalizeLocked(&pending)

	taskID := t.id
	taskUUID := t.uuid
	stats := t.stats.clone()
	hasOutput := t.hasPartitionedOutput
	dropOutput := hasOutput && !t.outputBufferDropped
	if dropOutput {
		t.outputBufferDropped = true
	}
	t.mu.Unlock()

	for _, d := range toClose {
		d.closeByTask()
	}
	for _, b := range bridges {
		b.Cancel()
	}
	for _, ex := range exchanges {
		ex.Close()
	}
	for _, r := range remotes {
		for _, split := range r.splits {
			if remote, ok := split.Connector.Payload.(RemoteConnectorSplit); ok {
				r.client.AddRemoteTaskID(remote.TaskID)
			}
		}
		r.client.NoMoreRemoteTasks()
		if err := r.client.Close(); err != nil {
			level.Warn(t.logger).Log("msg", "failed to close exchange client", "err", err)
		}
	}
	for _, connector := range preloaded {
		if ds := connector.DataSource(); ds != nil {
			if err := ds.Close(); err != nil {
				level.Warn(t.logger).Log("msg", "failed to close preloaded data source", "err", err)
			}
		}
	}
	if dropOutput && t.cfg.OutputBufferManager != nil {
		t.cfg.OutputBufferManager.RemoveTask(taskID)
	}

	barrierErr := err
	if barrierErr == nil {
		barrierErr = fmt.Errorf("task %s terminated with a barrier in progress", taskID)
	}
	for _, p := range failing {
		p.Fail(barrierErr)
	}
	pending.notify()

	notifyTaskListeners(taskUUID, taskID, state, err, stats, t.fragment)

	t.mu.Lock()
	f := t.makeFinishFutureLocked("Task.Terminate finish " + t.id)
	t.mu.Unlock()
	return f
}
