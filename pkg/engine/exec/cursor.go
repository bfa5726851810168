package exec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/util"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// TaskQueue buffers the batches of a parallel task for a single consumer
// under a byte budget: producing drivers are backpressured through futures,
// the consumer blocks in Dequeue.
type TaskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	batches  []arrow.Record
	bytes    int64
	maxBytes int64

	producers     int
	doneProducers int
	closed        bool
	err           error

	producerPromises []*future.Promise
}

// NewTaskQueue creates a queue with the given byte budget.
func NewTaskQueue(maxBytes int64) *TaskQueue {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	q := &TaskQueue{maxBytes: maxBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a batch, taking over the reference. A nil record marks one
// producer as finished. The returned future, when non-nil, tells the
// producing driver when the consumer has drained below the budget.
func (q *TaskQueue) Enqueue(rec arrow.Record) (*future.Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if rec != nil {
			rec.Release()
		}
		return nil, errors.New("task queue closed")
	}
	if rec == nil {
		q.doneProducers++
		q.cond.Broadcast()
		q.mu.Unlock()
		return nil, nil
	}
	q.batches = append(q.batches, rec)
	q.bytes += util.TotalRecordSize(rec)
	q.cond.Signal()
	if q.bytes <= q.maxBytes {
		q.mu.Unlock()
		return nil, nil
	}
	promise, f := future.Make("TaskQueue.Enqueue")
	q.producerPromises = append(q.producerPromises, promise)
	q.mu.Unlock()
	return f, nil
}

// Dequeue blocks until a batch is available, every producer finished, or
// the queue fails. A nil record with a nil error means end of stream.
func (q *TaskQueue) Dequeue() (arrow.Record, error) {
	q.mu.Lock()
	for {
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		if len(q.batches) > 0 {
			rec := q.batches[0]
			q.batches = q.batches[1:]
			q.bytes -= util.TotalRecordSize(rec)
			var promises []*future.Promise
			if q.bytes <= q.maxBytes {
				promises = q.producerPromises
				q.producerPromises = nil
			}
			q.mu.Unlock()

			for _, p := range promises {
				p.Complete()
			}
			return rec, nil
		}
		if q.closed || (q.producers > 0 && q.doneProducers >= q.producers) {
			q.mu.Unlock()
			return nil, nil
		}
		q.cond.Wait()
	}
}

// SetError fails the queue, waking the consumer and releasing producers.
func (q *TaskQueue) SetError(err error) {
	if err == nil {
		return
	}
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	promises := q.producerPromises
	q.producerPromises = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
}

// Close releases buffered batches and unblocks everyone.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	released := q.batches
	q.batches = nil
	q.bytes = 0
	promises := q.producerPromises
	q.producerPromises = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, rec := range released {
		rec.Release()
	}
	for _, p := range promises {
		p.Complete()
	}
}

func (q *TaskQueue) addProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

// consumer returns the Consumer one output driver feeds.
func (q *TaskQueue) consumer() Consumer {
	q.addProducer()
	return func(rec arrow.Record) (BlockingReason, *future.Future) {
		fut, err := q.Enqueue(rec)
		if err != nil {
			// The queue is gone; drop the batch and let the driver drain.
			return NotBlocked, nil
		}
		if fut != nil {
			return BlockedWaitForConsumer, fut
		}
		return NotBlocked, nil
	}
}

// TaskCursor drives one task and iterates its output batches: serial tasks
// through Task.Next, parallel tasks through a TaskQueue fed by a consumer
// sink.
type TaskCursor struct {
	task    *Task
	queue   *TaskQueue // parallel only
	mode    ExecutionMode
	current arrow.Record

	maxDrivers int
	started    bool
	atEnd      bool
}

// CursorOptions configures NewTaskCursor.
type CursorOptions struct {
	// MaxDrivers bounds per-pipeline concurrency of parallel cursors.
	// Defaults to 1.
	MaxDrivers int

	// QueueBytes is the parallel cursor's buffer budget.
	QueueBytes int64
}

// NewTaskCursor creates the task and its cursor. The task is not started
// until Start (parallel) or the first MoveNext (serial).
func NewTaskCursor(id string, fragment physical.Fragment, mode ExecutionMode, cfg Config, opts CursorOptions) (*TaskCursor, error) {
	c := &TaskCursor{mode: mode, maxDrivers: opts.MaxDrivers}
	if c.maxDrivers < 1 {
		c.maxDrivers = 1
	}

	if mode == ParallelExecution {
		c.queue = NewTaskQueue(opts.QueueBytes)
		queue := c.queue
		cfg.ConsumerSupplier = func() Consumer { return queue.consumer() }
	}

	task, err := NewTask(id, fragment, mode, cfg)
	if err != nil {
		return nil, err
	}
	c.task = task

	if mode == ParallelExecution {
		// The queue must fail when the task does, or Dequeue hangs.
		task.TaskCompletionFuture().OnComplete(func(error) {
			if terr := task.Error(); terr != nil {
				c.queue.SetError(terr)
			}
		})
	}
	return c, nil
}

// Task returns the cursor's task.
func (c *TaskCursor) Task() *Task { return c.task }

// Start begins execution of a parallel cursor. Serial cursors start on the
// first MoveNext.
func (c *TaskCursor) Start() error {
	if c.started {
		return nil
	}
	c.started = true
	if c.mode == ParallelExecution {
		return c.task.Start(c.maxDrivers, 1)
	}
	return nil
}

// MoveNext advances to the next batch, blocking as needed. It returns false
// at end of stream or on failure; the error distinguishes the two.
func (c *TaskCursor) MoveNext() (bool, error) {
	if err := c.Start(); err != nil {
		return false, err
	}
	c.releaseCurrent()
	if c.atEnd {
		return false, c.task.Error()
	}

	if c.mode == ParallelExecution {
		rec, err := c.queue.Dequeue()
		if err != nil {
			c.atEnd = true
			return false, err
		}
		if rec == nil {
			c.atEnd = true
			return false, c.task.Error()
		}
		c.current = rec
		return true, nil
	}

	for {
		var fut *future.Future
		rec, err := c.task.Next(&fut)
		if err != nil {
			c.atEnd = true
			return false, err
		}
		if rec != nil {
			c.current = rec
			return true, nil
		}
		if fut == nil {
			c.atEnd = true
			return false, c.task.Error()
		}
		fut.WaitFor(0)
		if err := fut.Err(); err != nil {
			// The combined future carries the first blocked driver failure.
			c.atEnd = true
			return false, err
		}
	}
}

// Current returns the batch MoveNext produced. The cursor retains the
// reference until the next MoveNext or Close.
func (c *TaskCursor) Current() arrow.Record { return c.current }

// SetError fails the underlying task.
func (c *TaskCursor) SetError(err error) {
	c.task.SetError(err)
	if c.queue != nil {
		c.queue.SetError(err)
	}
}

// Close cancels the task if still running and releases cursor resources.
// It does not wait for full teardown; use WaitForTaskDriversToFinish when
// the caller needs quiescence.
func (c *TaskCursor) Close() {
	c.releaseCurrent()
	c.atEnd = true
	if c.task.IsRunning() {
		c.task.RequestCancel()
	}
	if c.queue != nil {
		c.queue.Close()
	}
}

func (c *TaskCursor) releaseCurrent() {
	if c.current != nil {
		c.current.Release()
		c.current = nil
	}
}

// WaitForTaskDriversToFinish blocks until the task has fully wound down or
// the timeout elapses, reporting which happened.
func WaitForTaskDriversToFinish(t *Task, timeout time.Duration) bool {
	if !t.TaskDeletionFuture().WaitFor(timeout) {
		return false
	}
	return true
}

// waitError renders a quiescence failure for tests and callers that demand
// teardown within a bound.
func waitError(t *Task, timeout time.Duration) error {
	return fmt.Errorf("task %s did not wind down within %v: %s", t.ID(), timeout, t.String())
}
