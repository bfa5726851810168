package exec

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/memory"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// StopReason is what a driver observes at its safe-point checks.
type StopReason int

const (
	// StopNone means continue running.
	StopNone StopReason = iota

	// StopPause means go off-thread but stay resumable.
	StopPause

	// StopTerminate means stop permanently; the driver will be closed.
	StopTerminate

	// StopYield means give up the time slice and reschedule.
	StopYield

	// StopAlreadyTerminated reports an enter attempt on a terminated
	// driver.
	StopAlreadyTerminated

	// StopAlreadyOnThread reports an enter attempt on a driver that is
	// already running on another thread.
	StopAlreadyOnThread
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopPause:
		return "pause"
	case StopTerminate:
		return "terminate"
	case StopYield:
		return "yield"
	case StopAlreadyTerminated:
		return "already terminated"
	case StopAlreadyOnThread:
		return "already on thread"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// ThreadState tracks a driver's position in the on-thread/enqueued/blocked/
// suspended/terminated state machine. All fields are guarded by the owning
// task's mutex; the states are mutually exclusive even though they are
// stored as independent flags.
type ThreadState struct {
	onThread          bool
	enqueued          bool
	terminated        bool
	hasBlockingFuture bool

	// numSuspensions nests; only the outermost suspension affects the
	// task's active-thread counter.
	numSuspensions int

	endExecTime    time.Time
	totalPauseTime time.Duration
}

// IsOnThread reports whether a worker thread is executing the driver.
func (s *ThreadState) IsOnThread() bool { return s.onThread }

// IsTerminated reports whether the driver has been terminated.
func (s *ThreadState) IsTerminated() bool { return s.terminated }

// IsEnqueued reports whether the driver is waiting for a worker thread.
func (s *ThreadState) IsEnqueued() bool { return s.enqueued }

// Suspended reports whether the driver is inside a suspended section.
func (s *ThreadState) Suspended() bool { return s.numSuspensions > 0 }

func (s *ThreadState) setThread()   { s.onThread = true }
func (s *ThreadState) clearThread() { s.onThread = false; s.endExecTime = time.Now() }

// DriverContext carries the identity and resources of one driver.
type DriverContext struct {
	Task         *Task
	DriverID     int
	PipelineID   int
	SplitGroupID int
	PartitionID  int

	Logger log.Logger
	Pool   *memory.Pool

	driver *Driver
}

// FinishBarrier reports that this driver has drained for the current
// barrier. Source operators call it after consuming a barrier marker split
// and flushing pending output.
func (dctx *DriverContext) FinishBarrier() {
	if dctx.driver != nil {
		dctx.driver.finishBarrierIfNeeded()
	}
}

// DriverFactory creates the drivers of one pipeline. Factories are built by
// the planner when the task starts.
type DriverFactory struct {
	PipelineID int

	// NumDrivers is the pipeline's concurrency within one split group.
	NumDrivers int

	// NumTotalDrivers is NumDrivers times the number of split groups the
	// pipeline will run for (recomputed for grouped execution once the true
	// number of groups is known).
	NumTotalDrivers int

	// Grouped marks pipelines whose drivers are created per split group.
	Grouped bool

	// InputDriver marks pipelines whose source consumes task splits.
	InputDriver bool

	// OutputDriver marks the pipeline producing the task's output.
	OutputDriver bool

	// LeafNode is the pipeline's source plan node.
	LeafNode physical.Node

	// Nodes lists the pipeline's plan nodes source-first.
	Nodes []physical.Node

	// MakeOperators builds the operator chain for one driver, source-first.
	MakeOperators func(dctx *DriverContext) ([]Operator, error)
}

// SupportsSerialExecution reports whether the pipeline can run under
// Task.Next.
func (f *DriverFactory) SupportsSerialExecution() bool { return !f.Grouped }

// blockedState captures why a driver went off-thread.
type blockedState struct {
	op     Operator
	reason BlockingReason
	fut    *future.Future
}

// driverResult is the outcome of one runInternal call.
type driverResult struct {
	stop     StopReason
	blocked  *blockedState
	record   arrow.Record
	finished bool
	err      error
}

// Driver runs one pipeline instance's operator chain cooperatively on at
// most one thread at a time.
type Driver struct {
	dctx      *DriverContext
	operators []Operator

	state ThreadState // guarded by task mutex

	// noMoreInputSent[i] records that operators[i] has seen NoMoreInput.
	noMoreInputSent []bool

	// skipBelow cuts operators below this index out of the run loop after
	// DropInput. Only touched on the driver's own thread.
	skipBelow int

	// closed is guarded by the task mutex; a driver is closed exactly once,
	// either by its own thread or by the task.
	closed bool

	// barrier bookkeeping, guarded by the task mutex.
	underBarrier bool

	execTime    time.Duration
	blockedTime time.Duration
}

func newDriver(dctx *DriverContext, operators []Operator) *Driver {
	return &Driver{
		dctx:            dctx,
		operators:       operators,
		noMoreInputSent: make([]bool, len(operators)),
	}
}

// Context returns the driver's context.
func (d *Driver) Context() *DriverContext { return d.dctx }

// State returns the driver's thread state. Callers must hold the task
// mutex.
func (d *Driver) State() *ThreadState { return &d.state }

// RunSuspended executes fn with the driver suspended: the task stops
// counting this thread as active, so pauses and memory reclamation proceed
// around it. Use for external waits (I/O, RPCs) inside operator code.
// Returns the task's error if termination happened while suspended.
func (d *Driver) RunSuspended(fn func() error) error {
	task := d.dctx.Task
	if reason := task.enterSuspended(&d.state); reason != StopNone {
		return fmt.Errorf("driver %d cannot suspend: %s", d.dctx.DriverID, reason)
	}
	err := fn()
	if reason := task.leaveSuspended(&d.state); reason == StopTerminate {
		if terr := task.Error(); terr != nil {
			return terr
		}
		return ErrTaskCanceled
	}
	return err
}

// DropInput tells the driver that op will never need input again (a limit
// downstream was satisfied). Operators upstream of op are cut out of the
// run loop and op sees NoMoreInput. Must be called from the driver's own
// thread, typically by op itself.
func (d *Driver) DropInput(op Operator) {
	idx := op.OperatorID()
	if idx < 0 || idx >= len(d.operators) || d.operators[idx] != op {
		return
	}
	if idx > d.skipBelow {
		d.skipBelow = idx
	}
	if !d.noMoreInputSent[idx] {
		d.noMoreInputSent[idx] = true
		op.NoMoreInput()
	}
}

// FindOperator returns the operator at the given position in the chain.
func (d *Driver) FindOperator(operatorID int) Operator {
	if operatorID < 0 || operatorID >= len(d.operators) {
		return nil
	}
	return d.operators[operatorID]
}

// Enqueue schedules the driver onto its task's executor. It is a no-op for
// terminated or already-enqueued drivers.
func Enqueue(d *Driver) {
	task := d.dctx.Task

	task.mu.Lock()
	if d.state.terminated || d.state.enqueued || d.closed {
		task.mu.Unlock()
		return
	}
	d.state.enqueued = true
	executor := task.cfg.Executor
	task.mu.Unlock()

	if executor == nil {
		// Serial tasks have no executor; Task.Next polls drivers directly.
		task.mu.Lock()
		d.state.enqueued = false
		task.mu.Unlock()
		return
	}
	executor.Submit(d.run)
}

// run is the parallel-mode entry point executed on a worker thread.
func (d *Driver) run() {
	task := d.dctx.Task

	switch reason := task.enter(&d.state, time.Now()); reason {
	case StopAlreadyTerminated, StopAlreadyOnThread:
		return
	case StopTerminate:
		// enter marked the driver terminated and on-thread.
		task.leave(&d.state, d.closeByOwnThread)
		return
	case StopPause:
		// Resume will re-enqueue.
		return
	case StopYield:
		Enqueue(d)
		return
	case StopNone:
	}

	started := time.Now()
	res := d.runInternal(false)
	d.execTime += time.Since(started)

	if res.err != nil {
		task.SetError(res.err)
		// SetError terminated the task; leave observes it and closes us.
		task.leave(&d.state, d.closeByOwnThread)
		return
	}

	switch {
	case res.finished:
		task.leave(&d.state, d.closeByOwnThread)
		d.closeByOwnThread(StopNone)

	case res.blocked != nil:
		blk := res.blocked
		task.mu.Lock()
		d.state.hasBlockingFuture = true
		task.mu.Unlock()

		task.leave(&d.state, d.closeByOwnThread)

		blockStart := time.Now()
		blk.fut.OnComplete(func(err error) {
			d.blockedTime += time.Since(blockStart)
			if err != nil {
				task.SetError(fmt.Errorf("driver %d future for %q realized with error: %w",
					d.dctx.DriverID, blk.reason, err))
			}
			task.mu.Lock()
			d.state.hasBlockingFuture = false
			task.mu.Unlock()
			Enqueue(d)
		})

	case res.stop == StopYield:
		task.leave(&d.state, d.closeByOwnThread)
		Enqueue(d)

	default:
		// Pause or terminate; leave handles the close-on-terminate path.
		task.leave(&d.state, d.closeByOwnThread)
	}
}

// next runs one batch in serial mode. It returns a produced record, or a
// blocked state the caller must wait on, or (nil, nil, nil) when the
// pipeline finished.
func (d *Driver) next() (arrow.Record, *blockedState, error) {
	task := d.dctx.Task

enter:
	for {
		task.mu.Lock()
		d.state.enqueued = true
		task.mu.Unlock()

		switch reason := task.enter(&d.state, time.Now()); reason {
		case StopAlreadyTerminated:
			return nil, nil, nil
		case StopTerminate:
			// enter marked the driver terminated and on-thread.
			task.leave(&d.state, d.closeByOwnThread)
			return nil, nil, nil
		case StopAlreadyOnThread:
			return nil, nil, fmt.Errorf("driver %d is already on thread", d.dctx.DriverID)
		case StopPause:
			// Not on thread; surface the pause as a blocked driver that
			// becomes runnable on resume.
			return nil, &blockedState{reason: BlockedYield, fut: task.pausedFuture()}, nil
		case StopYield:
			// Serial execution has only the caller thread; a yield token
			// was consumed, try again.
			continue enter
		case StopNone:
			break enter
		}
	}

	started := time.Now()
	res := d.runInternal(true)
	d.execTime += time.Since(started)

	if res.err != nil {
		task.SetError(res.err)
		task.leave(&d.state, d.closeByOwnThread)
		return nil, nil, res.err
	}

	if res.finished {
		task.leave(&d.state, d.closeByOwnThread)
		d.closeByOwnThread(StopNone)
		return nil, nil, nil
	}

	task.leave(&d.state, d.closeByOwnThread)

	if res.blocked != nil {
		return nil, res.blocked, nil
	}
	return res.record, nil, nil
}

// runInternal pushes batches between adjacent operators until a batch is
// produced (serial), an operator blocks, the pipeline finishes, or a stop
// signal fires. It runs with the driver on-thread.
func (d *Driver) runInternal(serial bool) driverResult {
	task := d.dctx.Task
	ops := d.operators
	n := len(ops)
	sliceLimit := task.cfg.DriverCPUTimeSliceLimit
	sliceStart := time.Now()
	idlePasses := 0

	for {
		if stop := task.shouldStop(); stop != StopNone {
			return driverResult{stop: stop}
		}
		if sliceLimit > 0 && !serial && time.Since(sliceStart) > sliceLimit {
			return driverResult{stop: StopYield}
		}

		progressed := false

		for i := n - 1; i >= d.skipBelow; i-- {
			op := ops[i]

			if reason, fut := op.IsBlocked(); reason != NotBlocked {
				if fut == nil {
					return driverResult{err: fmt.Errorf(
						"operator %s (%s) reported %q without a future",
						op.Type(), op.PlanNodeID(), reason)}
				}
				return driverResult{blocked: &blockedState{op: op, reason: reason, fut: fut}}
			}

			if i == n-1 {
				// Output operator.
				rec, err := op.GetOutput()
				if err != nil {
					return driverResult{err: operatorError(op, err)}
				}
				if rec != nil {
					progressed = true
					if serial {
						return driverResult{record: rec}
					}
					// Parallel pipelines end in a sink; a record here means
					// the planner wired the pipeline wrong.
					rec.Release()
					return driverResult{err: fmt.Errorf(
						"output operator %s produced a record in parallel mode", op.Type())}
				}
				if op.IsFinished() {
					return driverResult{finished: true}
				}
				continue
			}

			next := ops[i+1]
			if !next.NeedsInput() {
				continue
			}

			rec, err := op.GetOutput()
			if err != nil {
				return driverResult{err: operatorError(op, err)}
			}
			if rec != nil {
				next.AddInput(rec)
				progressed = true
				// Restart from the output end so the new batch drains
				// through before pulling more from the source.
				break
			}
			if op.IsFinished() && !d.noMoreInputSent[i+1] {
				d.noMoreInputSent[i+1] = true
				next.NoMoreInput()
				progressed = true
				break
			}
		}

		if progressed {
			idlePasses = 0
			continue
		}

		// Operators may discover blocking inside GetOutput (a source finding
		// its split queue empty); re-check before declaring a contract
		// violation.
		for i := n - 1; i >= d.skipBelow; i-- {
			if reason, fut := ops[i].IsBlocked(); reason != NotBlocked && fut != nil {
				return driverResult{blocked: &blockedState{op: ops[i], reason: reason, fut: fut}}
			}
		}
		// A blocking future may have realized between GetOutput and the
		// re-check; one extra pass either makes progress or blocks again.
		idlePasses++
		if idlePasses > 1 {
			return driverResult{err: fmt.Errorf(
				"driver %d (pipeline %d) made no progress with no operator blocked",
				d.dctx.DriverID, d.dctx.PipelineID)}
		}
	}
}

func operatorError(op Operator, err error) error {
	return fmt.Errorf("operator %s (%s): %w", op.Type(), op.PlanNodeID(), err)
}

// startBarrier marks the driver as participating in the current barrier.
// Called under the task mutex.
func (d *Driver) startBarrier() { d.underBarrier = true }

// finishBarrierIfNeeded reports the driver's barrier completion to the task
// once, on consuming the barrier marker or finishing.
func (d *Driver) finishBarrierIfNeeded() {
	task := d.dctx.Task
	task.mu.Lock()
	if !d.underBarrier {
		task.mu.Unlock()
		return
	}
	d.underBarrier = false
	task.mu.Unlock()
	task.finishDriverBarrier()
}

// closeByOwnThread closes the driver from its own execution path: closes
// operators, harvests stats and removes the driver from the task. It is a
// no-op if the task already closed the driver.
func (d *Driver) closeByOwnThread(StopReason) {
	task := d.dctx.Task
	task.mu.Lock()
	if d.closed {
		task.mu.Unlock()
		return
	}
	d.closed = true
	task.mu.Unlock()

	d.closeOperators()
	d.finishBarrierIfNeeded()
	removeDriver(task, d)
}

// closeByTask closes a driver that terminate or resume found off-thread.
// The task has already done the driver accounting; only resources and stats
// remain. Called without the task mutex held.
func (d *Driver) closeByTask() {
	task := d.dctx.Task
	task.mu.Lock()
	if d.closed {
		task.mu.Unlock()
		return
	}
	d.closed = true
	task.mu.Unlock()

	d.closeOperators()
}

func (d *Driver) closeOperators() {
	task := d.dctx.Task
	for _, op := range d.operators {
		stats := d.harvestOperatorStats(op)
		task.addOperatorStats(stats)
		if err := op.Close(); err != nil {
			// Teardown errors must not block driver removal.
			level.Warn(d.dctx.Logger).Log(
				"msg", "failed to close operator",
				"operator", op.Type(),
				"plan_node", op.PlanNodeID(),
				"err", err)
		}
	}
	task.addDriverStats(d.dctx.PipelineID, DriverStats{
		DriverID:       d.dctx.DriverID,
		PipelineID:     d.dctx.PipelineID,
		SplitGroupID:   d.dctx.SplitGroupID,
		ExecTime:       d.execTime,
		TotalPauseTime: d.state.totalPauseTime,
		BlockedTime:    d.blockedTime,
	})
}

func (d *Driver) harvestOperatorStats(op Operator) OperatorStats {
	stats := newOperatorStats(op)
	if sp, ok := op.(interface{ Stats() OperatorStats }); ok {
		stats.Add(sp.Stats())
	}
	return stats
}
