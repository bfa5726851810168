// Package exec implements the task/driver runtime of the engine: splitting
// a physical plan fragment into pipelines and drivers, running them
// cooperatively on a worker pool, distributing splits to source operators,
// and coordinating pause/resume/terminate with the memory arbitration
// mechanism.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/memory"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// TaskState is the lifecycle state of a task. Transitions are one-way from
// Running into exactly one terminal state.
type TaskState int

const (
	// TaskRunning is the only non-terminal state.
	TaskRunning TaskState = iota

	// TaskFinished means all drivers completed and all output was consumed.
	TaskFinished

	// TaskCanceled means the task was canceled by its coordinator.
	TaskCanceled

	// TaskAborted means the task was aborted by an external error, such as
	// memory arbitration giving up on it.
	TaskAborted

	// TaskFailed means a driver or operator reported an error.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "Running"
	case TaskFinished:
		return "Finished"
	case TaskCanceled:
		return "Canceled"
	case TaskAborted:
		return "Aborted"
	case TaskFailed:
		return "Failed"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Terminal reports whether the state is a terminal one.
func (s TaskState) Terminal() bool { return s != TaskRunning }

// ExecutionMode selects how a task's drivers are scheduled.
type ExecutionMode int

const (
	// ParallelExecution runs drivers on the configured executor.
	ParallelExecution ExecutionMode = iota

	// SerialExecution runs all drivers on the caller thread via Task.Next.
	SerialExecution
)

func (m ExecutionMode) String() string {
	switch m {
	case ParallelExecution:
		return "parallel"
	case SerialExecution:
		return "serial"
	default:
		return fmt.Sprintf("ExecutionMode(%d)", int(m))
	}
}

// Consumer receives output batches of a parallel task. It may apply
// backpressure by returning a blocking reason and a future.
type Consumer func(arrow.Record) (BlockingReason, *future.Future)

// ConsumerSupplier produces one Consumer per output driver.
type ConsumerSupplier func() Consumer

// Config carries the collaborators and tunables of a task.
type Config struct {
	// Logger defaults to a nop logger.
	Logger log.Logger

	// Metrics defaults to a process-wide shared instance.
	Metrics *Metrics

	// Executor runs drivers in parallel mode. Must be nil for serial
	// tasks and non-nil for parallel tasks.
	Executor Executor

	// Planner turns the plan fragment into driver factories.
	Planner Planner

	// OutputBufferManager receives batches from partitioned-output
	// pipelines. Required only when the fragment has one.
	OutputBufferManager OutputBufferManager

	// ConsumerSupplier, when set, attaches a consumer sink to the output
	// pipeline. Parallel mode only.
	ConsumerSupplier ConsumerSupplier

	// SpillDirectory is the base path for spill files, created lazily on
	// first spill. Empty disables spilling to disk.
	SpillDirectory string

	// DriverCPUTimeSliceLimit bounds continuous on-thread time of one
	// driver before it yields. Zero disables slicing.
	DriverCPUTimeSliceLimit time.Duration

	// MaxSplitPreload enables speculative split preloading when positive.
	MaxSplitPreload int

	// SplitPreload starts asynchronous preloading of a split. Required when
	// MaxSplitPreload is positive.
	SplitPreload SplitPreloadFunc

	// OnAddSplit, when set, observes every split accepted by the task.
	// Called outside the task lock.
	OnAddSplit func(planNodeID physical.NodeID, split Split)

	// LocalExchangeBufferBytes is the shared byte budget of each local
	// exchange. Defaults to 32 MiB.
	LocalExchangeBufferBytes int64

	// MaxTaskMemoryBytes caps the task memory pool. Zero means unbounded.
	MaxTaskMemoryBytes int64
}

var defaultMetrics = NewMetrics()

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = defaultMetrics
	}
	if c.LocalExchangeBufferBytes <= 0 {
		c.LocalExchangeBufferBytes = 32 << 20
	}
}

// Task executes one instance of a physical plan fragment.
type Task struct {
	id       string
	uuid     uuid.UUID
	mode     ExecutionMode
	fragment physical.Fragment
	cfg      Config
	logger   log.Logger
	pool     *memory.Pool

	// Hot flags read without the task mutex in shouldStop. All mutations
	// that must be atomic with on/off-thread transitions still happen under
	// mu.
	pauseRequested     atomic.Bool
	terminateRequested atomic.Bool
	toYield            atomic.Int32
	barrierRequested   atomic.Bool

	cancelCtx context.Context
	cancel    context.CancelCauseFunc

	// mu is the coarse task lock guarding all bookkeeping below. Promise
	// fulfillment and driver closing happen outside of it.
	mu sync.Mutex

	state TaskState
	err   error

	onThreadSince time.Time
	numThreads    int

	driverFactories []*DriverFactory
	drivers         []*Driver // nullable slots, reused per split group
	blockingStates  []*driverBlockingState

	numTotalDrivers    int
	numRunningDrivers  int
	numFinishedDrivers int

	numDriversUngrouped     int
	numDriversPerSplitGroup int
	concurrentSplitGroups   int
	numRunningSplitGroups   int
	seenSplitGroups         map[int]struct{}
	queuedSplitGroups       []int

	splitsStates     map[physical.NodeID]*splitsState
	splitGroupStates map[int]*splitGroupState
	preloadingSplits map[*ConnectorSplit]struct{}

	exchangeClients map[physical.NodeID]ExchangeClient

	barrierStart           time.Time
	numDriversUnderBarrier int
	barrierFinishPromises  []*future.Promise

	threadFinishPromises   []*future.Promise
	resumePromises         []*future.Promise
	stateChangePromises    []*future.Promise
	taskCompletionPromises []*future.Promise
	taskDeletionPromises   []*future.Promise

	stats TaskStats

	noMoreOutputBuffers       bool
	partitionedOutputConsumed bool
	hasPartitionedOutput      bool
	outputBufferDropped       bool

	spillDirOnce sync.Once
	spillDir     string
	spillDirErr  error

	batchStart time.Time
	finalized  bool
}

// NewTask creates a task for the fragment and registers it in the running
// task list. User errors (invalid fragment, mode mismatches) are returned
// synchronously.
func NewTask(id string, fragment physical.Fragment, mode ExecutionMode, cfg Config) (*Task, error) {
	if id == "" {
		return nil, errors.New("task ID must not be empty")
	}
	if err := fragment.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan fragment: %w", err)
	}
	cfg.applyDefaults()
	if mode == ParallelExecution && cfg.Executor == nil {
		return nil, errors.New("parallel execution requires an executor")
	}
	if mode == SerialExecution {
		if cfg.Executor != nil {
			return nil, errors.New("serial execution must not supply an executor")
		}
		if cfg.ConsumerSupplier != nil {
			return nil, errors.New("serial execution does not support delivering results to a callback")
		}
		if fragment.IsGroupedExecution() {
			return nil, errors.New("serial execution supports only ungrouped execution")
		}
	}
	if cfg.Planner == nil {
		return nil, errors.New("task requires a planner")
	}
	if cfg.MaxSplitPreload > 0 && cfg.SplitPreload == nil {
		return nil, errors.New("split preloading requires a preload function")
	}

	t := &Task{
		id:       id,
		uuid:     uuid.New(),
		mode:     mode,
		fragment: fragment,
		cfg:      cfg,
		logger:   log.With(cfg.Logger, "task_id", id),

		state:            TaskRunning,
		seenSplitGroups:  make(map[int]struct{}),
		splitsStates:     make(map[physical.NodeID]*splitsState),
		splitGroupStates: make(map[int]*splitGroupState),
		preloadingSplits: make(map[*ConnectorSplit]struct{}),
		exchangeClients:  make(map[physical.NodeID]ExchangeClient),
		stats:            newTaskStats(),
	}
	t.cancelCtx, t.cancel = context.WithCancelCause(context.Background())

	t.pool = memory.NewPool("task."+id, memory.PoolOptions{
		MaxCapacity: cfg.MaxTaskMemoryBytes,
		Reclaimer:   NewTaskReclaimer(t),
	})

	t.buildSplitStates()

	taskList().add(t)
	return t, nil
}

// buildSplitStates creates one split queue per splittable leaf and one
// remote-split route per exchange leaf.
func (t *Task) buildSplitStates() {
	for _, leaf := range t.fragment.LeafNodes() {
		switch n := leaf.(type) {
		case *physical.TableScanNode:
			t.splitsStates[n.ID()] = newSplitsState(n.ID(), true)
		case *physical.ExchangeNode:
			t.splitsStates[n.ID()] = newSplitsState(n.ID(), false)
		}
	}
}

// ID returns the task ID.
func (t *Task) ID() string { return t.id }

// UUID returns the task's random UUID used by listeners and tracing.
func (t *Task) UUID() uuid.UUID { return t.uuid }

// Mode returns the task's execution mode.
func (t *Task) Mode() ExecutionMode { return t.mode }

// Fragment returns the plan fragment. It is read-only after construction.
func (t *Task) Fragment() physical.Fragment { return t.fragment }

// Pool returns the root of the task's memory pool tree.
func (t *Task) Pool() *memory.Pool { return t.pool }

// CancellationContext is done once termination begins. Long-running
// operator code polls it at safe points.
func (t *Task) CancellationContext() context.Context { return t.cancelCtx }

// IsCancelled reports whether termination has begun.
func (t *Task) IsCancelled() bool { return t.cancelCtx.Err() != nil }

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the task is still in the Running state.
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunningLocked()
}

// IsFinished reports whether the task reached the Finished state.
func (t *Task) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskFinished
}

func (t *Task) isRunningLocked() bool { return t.state == TaskRunning }

// Error returns the task's captured error, if any. The first error wins.
func (t *Task) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ErrorMessage renders the captured error, or "" if none.
func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		return ""
	}
	return t.err.Error()
}

// NumTotalDrivers returns the number of drivers the task will run in total.
// For grouped execution the value is recomputed once the true number of
// split groups is known; treat it as an audited state transition, not a
// constant.
func (t *Task) NumTotalDrivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numTotalDrivers
}

// NumRunningDrivers returns the number of drivers created and not yet
// finished.
func (t *Task) NumRunningDrivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numRunningDrivers
}

// NumFinishedDrivers returns the number of drivers that have finished.
func (t *Task) NumFinishedDrivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numFinishedDrivers
}

// TimeSinceStart returns how long the task has been executing, or zero if
// it has not started.
func (t *Task) TimeSinceStart() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeSinceStartLocked()
}

func (t *Task) timeSinceStartLocked() time.Duration {
	if t.stats.ExecutionStartTime.IsZero() {
		return 0
	}
	return time.Since(t.stats.ExecutionStartTime)
}

// Start begins parallel execution with up to maxDrivers drivers per
// pipeline and up to concurrentSplitGroups split groups in flight.
func (t *Task) Start(maxDrivers, concurrentSplitGroups int) error {
	if t.mode != ParallelExecution {
		return fmt.Errorf("task %s: Start requires parallel execution mode, have %s", t.id, t.mode)
	}
	if maxDrivers < 1 {
		return fmt.Errorf("maxDrivers must be at least 1, got %d", maxDrivers)
	}
	if concurrentSplitGroups < 1 {
		return fmt.Errorf("concurrentSplitGroups must be at least 1, got %d", concurrentSplitGroups)
	}

	if err := t.start(maxDrivers, concurrentSplitGroups); err != nil {
		if t.IsRunning() {
			t.SetError(err)
		}
		return err
	}
	return nil
}

func (t *Task) start(maxDrivers, concurrentSplitGroups int) error {
	t.mu.Lock()
	if !t.isRunningLocked() {
		err := t.err
		t.mu.Unlock()
		level.Warn(t.logger).Log("msg", "task terminated before start", "err", err)
		return nil
	}
	t.stats.ExecutionStartTime = time.Now()
	if err := t.createDriverFactoriesLocked(maxDrivers); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if err := t.initializePartitionedOutput(); err != nil {
		return err
	}
	return t.createAndStartDrivers(concurrentSplitGroups)
}

func (t *Task) createDriverFactoriesLocked(maxDrivers int) error {
	if len(t.driverFactories) != 0 {
		return fmt.Errorf("task %s already started", t.id)
	}
	factories, err := t.cfg.Planner.Plan(t.fragment, t.cfg.ConsumerSupplier, maxDrivers)
	if err != nil {
		return fmt.Errorf("planning task %s: %w", t.id, err)
	}
	if len(factories) == 0 {
		return fmt.Errorf("planning task %s produced no pipelines", t.id)
	}
	t.driverFactories = factories

	for _, f := range factories {
		if f.Grouped {
			t.numDriversPerSplitGroup += f.NumDrivers
		} else {
			t.numDriversUngrouped += f.NumDrivers
		}
		t.numTotalDrivers += f.NumTotalDrivers
		t.stats.PipelineStats = append(t.stats.PipelineStats, PipelineStats{
			InputPipeline:  f.InputDriver,
			OutputPipeline: f.OutputDriver,
		})
	}
	return t.validateGroupedExecutionLeafNodesLocked()
}

func (t *Task) validateGroupedExecutionLeafNodesLocked() error {
	if !t.fragment.IsGroupedExecution() {
		return nil
	}
	for id := range t.fragment.GroupedLeafIDs {
		found := false
		for _, f := range t.driverFactories {
			if f.LeafNode != nil && f.LeafNode.ID() == id {
				if !f.InputDriver {
					return fmt.Errorf("grouped execution leaf node %q is not a splittable source", id)
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("grouped execution leaf node %q is not a leaf of any pipeline", id)
		}
	}
	return nil
}

func (t *Task) initializePartitionedOutput() error {
	var outputNode *physical.PartitionedOutputNode
	numProducingDrivers := 0
	for _, f := range t.driverFactories {
		for _, n := range f.Nodes {
			if po, ok := n.(*physical.PartitionedOutputNode); ok {
				if outputNode != nil {
					return fmt.Errorf("task %s has more than one partitioned output node", t.id)
				}
				outputNode = po
				numProducingDrivers = f.NumDrivers
			}
		}
	}
	if outputNode == nil {
		return nil
	}
	if t.cfg.OutputBufferManager == nil {
		return fmt.Errorf("task %s has a partitioned output but no output buffer manager", t.id)
	}
	t.mu.Lock()
	t.hasPartitionedOutput = true
	t.mu.Unlock()
	if err := t.cfg.OutputBufferManager.InitializeTask(t, outputNode.NumPartitions()); err != nil {
		return err
	}
	t.cfg.OutputBufferManager.UpdateNumDrivers(t.id, numProducingDrivers)
	return nil
}

func (t *Task) createAndStartDrivers(concurrentSplitGroups int) error {
	var pending pendingNotifications
	defer pending.notify()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isRunningLocked() {
		return fmt.Errorf("task %s terminated before start: %v", t.id, t.err)
	}
	if len(t.drivers) != 0 {
		return fmt.Errorf("task %s already has drivers", t.id)
	}
	t.concurrentSplitGroups = concurrentSplitGroups

	// Slots in the front are reserved for grouped-execution drivers;
	// ungrouped drivers come after them.
	if t.numDriversPerSplitGroup > 0 {
		t.drivers = make([]*Driver, t.numDriversPerSplitGroup*concurrentSplitGroups)
	}

	if t.numDriversUngrouped > 0 {
		t.createSplitGroupStateLocked(UngroupedGroupID)
		drivers, err := t.createDriversLocked(UngroupedGroupID)
		if err != nil {
			return err
		}
		if t.fragment.IsGroupedExecution() {
			t.splitGroupStates[UngroupedGroupID].mixedExecutionMode = true
		}
		t.drivers = append(t.drivers, drivers...)

		// Enqueue inside the lock so pauses and cancellations observe a
		// consistent driver set.
		for _, d := range drivers {
			t.numRunningDrivers++
			pending.defer_(enqueueFn(d))
		}
	}

	if t.numDriversPerSplitGroup > 0 {
		t.ensureSplitGroupsAreBeingProcessedLocked(&pending)
	}
	return nil
}

func enqueueFn(d *Driver) func() {
	return func() { Enqueue(d) }
}

// createDriversLocked builds the drivers of one split group across all
// matching pipelines and starts the group's join bridges.
func (t *Task) createDriversLocked(splitGroupID int) ([]*Driver, error) {
	grouped := splitGroupID != UngroupedGroupID
	groupState := t.splitGroupStates[splitGroupID]

	var drivers []*Driver
	for _, f := range t.driverFactories {
		if f.Grouped != grouped {
			continue
		}
		offset := 0
		if grouped {
			offset = f.NumDrivers * splitGroupID
		}
		for partition := 0; partition < f.NumDrivers; partition++ {
			pool, err := t.pool.AddChild(
				fmt.Sprintf("pipeline.%d.driver.%d.group.%d", f.PipelineID, offset+partition, splitGroupID),
				memory.PoolOptions{})
			if err != nil {
				return nil, err
			}
			dctx := &DriverContext{
				Task:         t,
				DriverID:     offset + partition,
				PipelineID:   f.PipelineID,
				SplitGroupID: splitGroupID,
				PartitionID:  partition,
				Logger: log.With(t.logger,
					"pipeline", f.PipelineID, "driver", offset+partition, "split_group", splitGroupID),
				Pool: pool,
			}
			ops, err := f.MakeOperators(dctx)
			if err != nil {
				return nil, fmt.Errorf("creating operators for pipeline %d: %w", f.PipelineID, err)
			}
			d := newDriver(dctx, ops)
			dctx.driver = d
			drivers = append(drivers, d)
			groupState.numRunningDrivers++
		}
	}

	if grouped {
		t.numRunningSplitGroups++
	}
	for _, bridge := range groupState.bridges {
		bridge.Start()
	}
	return drivers, nil
}

// removeDriver detaches a finished driver from its task, updates split
// group accounting and, if it was the last driver, finishes the task.
func removeDriver(t *Task, d *Driver) {
	var pending pendingNotifications
	allFinished := false

	t.mu.Lock()
	found := false
	for i, slot := range t.drivers {
		if slot != d {
			continue
		}
		found = true

		groupID := d.dctx.SplitGroupID
		groupState := t.splitGroupStates[groupID]
		groupState.numRunningDrivers--

		if t.isOutputPipelineLocked(d.dctx.PipelineID) {
			groupState.numFinishedOutputDrivers++
		}

		t.drivers[i] = nil
		t.driverClosedLocked()
		allFinished = t.checkIfFinishedLocked()

		if groupState.numRunningDrivers == 0 {
			if groupID != UngroupedGroupID {
				t.numRunningSplitGroups--
				t.stats.CompletedSplitGroups[groupID] = struct{}{}
				pending.addAll(t.stateChangePromises)
				t.stateChangePromises = nil
				groupState.clear(&pending)
				delete(t.splitGroupStates, groupID)
				t.ensureSplitGroupsAreBeingProcessedLocked(&pending)
			} else if !groupState.mixedExecutionMode {
				groupState.clear(&pending)
			}
		}
		break
	}
	if found && t.numFinishedDrivers == t.numTotalDrivers {
		level.Debug(t.logger).Log("msg", "all drivers finished",
			"drivers", t.numFinishedDrivers,
			"runtime", t.timeSinceStartLocked())
	}
	t.maybeFinalizeLocked(&pending)
	t.mu.Unlock()

	pending.notify()

	if !found {
		level.Warn(t.logger).Log("msg", "trying to remove a driver twice from its task")
	}
	if allFinished {
		t.Terminate(TaskFinished)
	}
}

func (t *Task) driverClosedLocked() {
	if t.isRunningLocked() {
		t.numRunningDrivers--
	}
	t.numFinishedDrivers++
}

func (t *Task) isOutputPipelineLocked(pipelineID int) bool {
	for _, f := range t.driverFactories {
		if f.PipelineID == pipelineID {
			return f.OutputDriver
		}
	}
	return false
}

func (t *Task) outputPipelineLocked() *DriverFactory {
	for _, f := range t.driverFactories {
		if f.OutputDriver {
			return f
		}
	}
	return nil
}

// checkIfFinishedLocked reports whether the task just became finishable:
// every driver finished (or every output driver finished under ungrouped
// execution) and all partitioned output was consumed.
func (t *Task) checkIfFinishedLocked() bool {
	if !t.isRunningLocked() {
		return false
	}

	allFinished := t.numFinishedDrivers == t.numTotalDrivers
	if !allFinished && !t.fragment.IsGroupedExecution() {
		if out := t.outputPipelineLocked(); out != nil {
			if t.splitGroupStates[UngroupedGroupID] != nil &&
				t.splitGroupStates[UngroupedGroupID].numFinishedOutputDrivers == out.NumDrivers {
				allFinished = true
				if t.stats.ExecutionEndTime.IsZero() {
					t.stats.ExecutionEndTime = time.Now()
				}
			}
		}
	}

	if allFinished {
		if !t.hasPartitionedOutput || t.partitionedOutputConsumed {
			t.stats.EndTime = time.Now()
			return true
		}
	}
	return false
}

// ensureSplitGroupsAreBeingProcessedLocked starts drivers for queued split
// groups while concurrency slots are free.
func (t *Task) ensureSplitGroupsAreBeingProcessedLocked(pending *pendingNotifications) {
	if !t.isRunningLocked() || t.numDriversPerSplitGroup == 0 {
		return
	}

	for t.numRunningSplitGroups < t.concurrentSplitGroups && len(t.queuedSplitGroups) > 0 {
		groupID := t.queuedSplitGroups[0]
		t.queuedSplitGroups = t.queuedSplitGroups[1:]

		t.createSplitGroupStateLocked(groupID)
		drivers, err := t.createDriversLocked(groupID)
		if err != nil {
			pending.defer_(func() { t.SetError(err) })
			return
		}

		// Move the new drivers into vacant slots and enqueue them.
		slot := 0
		for _, d := range drivers {
			for slot < len(t.drivers) && t.drivers[slot] != nil {
				slot++
			}
			if slot == len(t.drivers) {
				t.drivers = append(t.drivers, d)
			} else {
				t.drivers[slot] = d
			}
			t.numRunningDrivers++
			pending.defer_(enqueueFn(d))
		}
	}
}

// SetError captures the first error and fails the task. Subsequent calls
// are no-ops.
func (t *Task) SetError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if !t.isRunningLocked() || t.err != nil {
		t.mu.Unlock()
		return
	}
	t.err = err
	t.mu.Unlock()

	t.Terminate(TaskFailed)
}

// RequestCancel terminates the task with the Canceled state.
func (t *Task) RequestCancel() *future.Future {
	return t.Terminate(TaskCanceled)
}

// RequestAbort terminates the task with the Aborted state.
func (t *Task) RequestAbort() *future.Future {
	return t.Terminate(TaskAborted)
}

// maybeFinalizeLocked fires task-deletion promises and unregisters the task
// once it is terminal and every driver has been accounted for.
func (t *Task) maybeFinalizeLocked(pending *pendingNotifications) {
	if t.finalized || t.isRunningLocked() || t.numFinishedDrivers != t.numTotalDrivers {
		return
	}
	t.finalized = true
	pending.addAll(t.taskDeletionPromises)
	t.taskDeletionPromises = nil
	pending.defer_(func() {
		taskList().remove(t)
		t.removeSpillDirectoryIfExists()
	})
}

// TaskCompletionFuture resolves when the task reaches a terminal state. It
// resolves exactly once per waiter regardless of how many termination paths
// race.
func (t *Task) TaskCompletionFuture() *future.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isRunningLocked() {
		return t.makeFinishFutureLocked("Task.TaskCompletionFuture")
	}
	promise, f := future.Make("Task.TaskCompletionFuture " + t.id)
	t.taskCompletionPromises = append(t.taskCompletionPromises, promise)
	return f
}

// TaskDeletionFuture resolves once the task is terminal, fully drained and
// unregistered.
func (t *Task) TaskDeletionFuture() *future.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return future.Completed(nil)
	}
	promise, f := future.Make("Task.TaskDeletionFuture " + t.id)
	t.taskDeletionPromises = append(t.taskDeletionPromises, promise)
	return f
}

// StateChangeFuture resolves on the next split-group completion or terminal
// transition. A zero maxWait never times out.
func (t *Task) StateChangeFuture(maxWait time.Duration) *future.Future {
	t.mu.Lock()
	if !t.isRunningLocked() {
		t.mu.Unlock()
		return future.Completed(nil)
	}
	promise, f := future.Make("Task.StateChangeFuture " + t.id)
	t.stateChangePromises = append(t.stateChangePromises, promise)
	t.mu.Unlock()

	if maxWait > 0 {
		timeout, tf := future.Make("Task.StateChangeFuture timeout " + t.id)
		timer := time.AfterFunc(maxWait, timeout.Complete)
		f.OnComplete(func(error) { timer.Stop() })
		return future.Any("Task.StateChangeFuture within "+t.id, f, tf)
	}
	return f
}

// TaskStats returns a copy of the task's statistics.
func (t *Task) TaskStats() TaskStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

func (t *Task) addOperatorStats(stats OperatorStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Find the pipeline owning the operator's plan node and merge.
	for i := range t.stats.PipelineStats {
		ps := &t.stats.PipelineStats[i]
		for j := range ps.OperatorStats {
			if ps.OperatorStats[j].OperatorID == stats.OperatorID &&
				ps.OperatorStats[j].PlanNodeID == stats.PlanNodeID {
				ps.OperatorStats[j].Add(stats)
				return
			}
		}
	}
	// First driver of the pipeline to close; seed the slot.
	for i, f := range t.driverFactories {
		for _, n := range f.Nodes {
			if string(n.ID()) == stats.PlanNodeID {
				t.stats.PipelineStats[i].OperatorStats = append(t.stats.PipelineStats[i].OperatorStats, stats)
				return
			}
		}
	}
	// Synthetic operators (sinks) attach to the output pipeline.
	for i, f := range t.driverFactories {
		if f.OutputDriver {
			t.stats.PipelineStats[i].OperatorStats = append(t.stats.PipelineStats[i].OperatorStats, stats)
			return
		}
	}
}

func (t *Task) addDriverStats(pipelineID int, stats DriverStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pipelineID < 0 || pipelineID >= len(t.stats.PipelineStats) {
		return
	}
	t.stats.PipelineStats[pipelineID].DriverStats = append(
		t.stats.PipelineStats[pipelineID].DriverStats, stats)
}

// DriverCounts breaks the task's drivers down by state.
func (t *Task) DriverCounts() DriverCounts {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := DriverCounts{Blocked: make(map[BlockingReason]int)}
	for _, d := range t.drivers {
		if d == nil {
			continue
		}
		switch {
		case d.state.onThread:
			counts.OnThread++
		case d.state.enqueued:
			counts.Enqueued++
		case d.state.Suspended():
			counts.Suspended++
		case d.state.hasBlockingFuture:
			counts.Blocked[BlockedWaitForProducer]++
		default:
			counts.OffThreadIdle++
		}
	}
	return counts
}

// GetDriver returns the driver in the given slot, or nil once it finished.
func (t *Task) GetDriver(i int) *Driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.drivers) {
		return nil
	}
	return t.drivers[i]
}

// SetAllOutputConsumed tells the task its partitioned output has been fully
// consumed downstream, possibly finishing it.
func (t *Task) SetAllOutputConsumed() {
	t.mu.Lock()
	t.partitionedOutputConsumed = true
	allFinished := t.checkIfFinishedLocked()
	t.mu.Unlock()

	if allFinished {
		t.Terminate(TaskFinished)
	}
}

// UpdateOutputBuffers forwards output buffer updates to the buffer manager.
// Messages received after a no-more-buffers message are ignored.
func (t *Task) UpdateOutputBuffers(numBuffers int, noMoreBuffers bool) bool {
	if t.cfg.OutputBufferManager == nil {
		return false
	}
	t.mu.Lock()
	if t.noMoreOutputBuffers {
		t.mu.Unlock()
		return false
	}
	if noMoreBuffers {
		t.noMoreOutputBuffers = true
	}
	t.mu.Unlock()
	return t.cfg.OutputBufferManager.UpdateOutputBuffers(t.id, numBuffers, noMoreBuffers)
}

// GetOrCreateSpillDirectory creates the task's spill directory on first
// use.
func (t *Task) GetOrCreateSpillDirectory() (string, error) {
	if t.cfg.SpillDirectory == "" {
		return "", errors.New("task has no spill directory configured")
	}
	t.spillDirOnce.Do(func() {
		dir := t.cfg.SpillDirectory + "/" + t.id
		if err := os.MkdirAll(dir, 0o777); err != nil {
			t.spillDirErr = fmt.Errorf("creating spill directory %s: %w", dir, err)
			return
		}
		t.spillDir = dir
	})
	return t.spillDir, t.spillDirErr
}

func (t *Task) removeSpillDirectoryIfExists() {
	if t.spillDir == "" {
		return
	}
	if err := os.RemoveAll(t.spillDir); err != nil {
		// Teardown must not fail because spill cleanup did.
		level.Warn(t.logger).Log("msg", "failed to remove spill directory",
			"dir", t.spillDir, "err", err)
	}
}

// String renders a short human-readable summary.
func (t *Task) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("{Task %s: %s, %d/%d drivers finished, %d threads}",
		ShortID(t.id), t.state, t.numFinishedDrivers, t.numTotalDrivers, t.numThreads)
}

// ToJSON renders the task for diagnostics endpoints.
func (t *Task) ToJSON() ([]byte, error) {
	t.mu.Lock()
	snapshot := map[string]any{
		"id":                 t.id,
		"uuid":               t.uuid.String(),
		"state":              t.state.String(),
		"mode":               t.mode.String(),
		"numTotalDrivers":    t.numTotalDrivers,
		"numRunningDrivers":  t.numRunningDrivers,
		"numFinishedDrivers": t.numFinishedDrivers,
		"numThreads":         t.numThreads,
		"pauseRequested":     t.pauseRequested.Load(),
		"terminateRequested": t.terminateRequested.Load(),
		"error":              t.errorMessageLocked(),
	}
	t.mu.Unlock()
	return json.Marshal(snapshot)
}

func (t *Task) errorMessageLocked() string {
	if t.err == nil {
		return ""
	}
	return t.err.Error()
}

// ShortID compresses a task ID for logging, keeping head and tail.
func ShortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + ".." + id[len(id)-6:]
}
