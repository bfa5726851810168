package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/quiverdb/quiver/pkg/engine/memory"
)

// abortWaitLimit bounds how long Abort waits for a task to wind down
// naturally before walking away.
const abortWaitLimit = 60 * time.Second

// TaskReclaimer is installed on a task's root memory pool. It pauses the
// task before letting the pool tree reclaim, so no driver thread touches
// operator state while spilling runs, and always resumes afterwards.
type TaskReclaimer struct {
	task *Task
}

var _ memory.Reclaimer = (*TaskReclaimer)(nil)

// NewTaskReclaimer creates the reclaimer for a task's root pool.
func NewTaskReclaimer(t *Task) *TaskReclaimer { return &TaskReclaimer{task: t} }

// ReclaimableBytes implements memory.Reclaimer by walking the task's pool
// children.
func (r *TaskReclaimer) ReclaimableBytes(pool *memory.Pool) (int64, bool) {
	return pool.ChildrenReclaimableBytes()
}

// Reclaim implements memory.Reclaimer. The task is paused for the duration
// of the pool-tree reclaim; failure to pause within maxWait is a hard
// failure so the arbitrator can move on to another victim. Reclaim errors
// fail the task.
func (r *TaskReclaimer) Reclaim(pool *memory.Pool, targetBytes int64, maxWait time.Duration, stats *memory.Stats) (reclaimed int64, err error) {
	t := r.task
	metrics := t.cfg.Metrics

	if t.IsCancelled() || !t.IsRunning() {
		return 0, nil
	}
	metrics.memoryReclaimsTotal.Inc()

	waitStart := time.Now()
	paused := t.RequestPause()
	// The pause must be lifted no matter how reclaim exits; a paused task
	// never makes progress again otherwise.
	defer Resume(t)

	if maxWait > 0 {
		if !paused.WaitFor(maxWait) {
			metrics.memoryReclaimWaitTimeoutsTotal.Inc()
			return 0, fmt.Errorf("timed out after %v waiting for task %s to pause for memory reclamation",
				maxWait, t.ID())
		}
	} else {
		paused.WaitFor(0)
	}
	waited := time.Since(waitStart)
	stats.ReclaimWaitTime += waited
	metrics.memoryReclaimWaitSeconds.Observe(waited.Seconds())

	if t.IsCancelled() || !t.IsRunning() {
		return 0, nil
	}

	execStart := time.Now()
	reclaimed, err = pool.ReclaimFromChildren(targetBytes, maxWait, stats)
	execTime := time.Since(execStart)
	stats.ReclaimExecTime += execTime
	metrics.memoryReclaimExecSeconds.Observe(execTime.Seconds())

	t.mu.Lock()
	t.stats.MemoryReclaimCount++
	t.stats.MemoryReclaimTime += waited + execTime
	t.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("reclaiming %s from task %s: %w",
			humanize.IBytes(uint64(max64(0, targetBytes))), t.ID(), err)
		t.SetError(err)
		return reclaimed, err
	}

	level.Debug(t.logger).Log("msg", "memory reclaimed",
		"target", humanize.IBytes(uint64(max64(0, targetBytes))),
		"reclaimed", humanize.IBytes(uint64(max64(0, reclaimed))),
		"wait", waited, "exec", execTime)
	return reclaimed, nil
}

// Abort implements memory.Reclaimer: the task is failed with err, then
// Abort waits a bounded time for it to wind down before giving up on
// propagating the abort. The pool tree itself is aborted by the caller.
func (r *TaskReclaimer) Abort(pool *memory.Pool, err error) {
	t := r.task

	t.SetError(err)
	// Deletion, not completion: give running drivers a chance to unwind and
	// release their reservations before the pool tree is aborted under them.
	done := t.TaskDeletionFuture()

	retry := backoff.New(context.Background(), backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
	})
	deadline := time.Now().Add(abortWaitLimit)
	for !done.Done() && time.Now().Before(deadline) {
		retry.Wait()
	}
	if !done.Done() {
		level.Warn(t.logger).Log("msg", "giving up waiting for task to finish during memory abort",
			"task", t.ID(), "waited", abortWaitLimit, "err", err)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
