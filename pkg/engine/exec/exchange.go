package exec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/util"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// ExchangeClient fetches the output of remote tasks for an exchange leaf.
// The wire transport lives outside this module; the runtime only routes
// remote task IDs into the client and closes it at terminate.
type ExchangeClient interface {
	// AddRemoteTaskID registers a producing task discovered through a
	// remote split.
	AddRemoteTaskID(taskID string)

	// NoMoreRemoteTasks seals the set of producing tasks.
	NoMoreRemoteTasks()

	// Close aborts outstanding fetches and releases buffered data.
	Close() error
}

// RegisterExchangeClient attaches the exchange client serving one exchange
// leaf. Terminate forwards undelivered remote splits to it so producing
// tasks learn about the abort.
func (t *Task) RegisterExchangeClient(planNodeID physical.NodeID, client ExchangeClient) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isRunningLocked() {
		return fmt.Errorf("task %s is not running: %s", t.id, t.state)
	}
	if _, ok := t.exchangeClients[planNodeID]; ok {
		return fmt.Errorf("exchange client for node %q already registered", planNodeID)
	}
	t.exchangeClients[planNodeID] = client
	return nil
}

// OutputBufferManager receives the batches of a task's partitioned-output
// pipeline and serves them to downstream consumers. Implementations may be
// backed by a shuffle transport; an in-memory one ships for tests and
// single-process use.
type OutputBufferManager interface {
	// InitializeTask creates the task's output buffers.
	InitializeTask(task *Task, numPartitions int) error

	// Enqueue adds a batch to one partition, taking over the reference. A
	// non-nil future applies backpressure to the producing driver.
	Enqueue(taskID string, partition int, rec arrow.Record) (*future.Future, error)

	// NoMoreData seals all partitions of the task.
	NoMoreData(taskID string)

	// UpdateOutputBuffers adjusts the consumer set. Returns false when the
	// task's buffers are gone.
	UpdateOutputBuffers(taskID string, numBuffers int, noMoreBuffers bool) bool

	// UpdateNumDrivers tells the buffers how many producing drivers feed
	// them, so the last NoMoreData can be detected.
	UpdateNumDrivers(taskID string, numDrivers int)

	// RemoveTask drops the task's buffers, releasing retained batches.
	RemoveTask(taskID string)
}

// taskBuffers is one task's in-memory output state.
type taskBuffers struct {
	task       *Task
	partitions []localExchangeQueue
	mem        localExchangeMemoryManager

	numDrivers     int
	finishedDrives int
	noMoreData     bool
	consumedAtEnd  []bool
}

// InMemoryBufferManager keeps the partitioned output of tasks in process
// memory under a per-task byte budget.
type InMemoryBufferManager struct {
	mu       sync.Mutex
	maxBytes int64
	tasks    map[string]*taskBuffers
}

var _ OutputBufferManager = (*InMemoryBufferManager)(nil)

// NewInMemoryBufferManager creates a manager giving each task's output the
// provided byte budget.
func NewInMemoryBufferManager(maxBytesPerTask int64) *InMemoryBufferManager {
	if maxBytesPerTask <= 0 {
		maxBytesPerTask = 32 << 20
	}
	return &InMemoryBufferManager{
		maxBytes: maxBytesPerTask,
		tasks:    make(map[string]*taskBuffers),
	}
}

// InitializeTask implements OutputBufferManager.
func (m *InMemoryBufferManager) InitializeTask(task *Task, numPartitions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID()]; ok {
		return fmt.Errorf("output buffers for task %s already initialized", task.ID())
	}
	m.tasks[task.ID()] = &taskBuffers{
		task:          task,
		partitions:    make([]localExchangeQueue, numPartitions),
		mem:           localExchangeMemoryManager{maxBytes: m.maxBytes},
		consumedAtEnd: make([]bool, numPartitions),
	}
	return nil
}

// Enqueue implements OutputBufferManager.
func (m *InMemoryBufferManager) Enqueue(taskID string, partition int, rec arrow.Record) (*future.Future, error) {
	m.mu.Lock()
	tb, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		rec.Release()
		return nil, fmt.Errorf("task %s: %w", taskID, ErrOutputBuffersGone)
	}
	if partition < 0 || partition >= len(tb.partitions) {
		m.mu.Unlock()
		rec.Release()
		return nil, fmt.Errorf("task %s has no output partition %d", taskID, partition)
	}
	q := &tb.partitions[partition]
	q.batches = append(q.batches, rec)
	promise := popPromise(&q.promises)
	m.mu.Unlock()

	if promise != nil {
		promise.Complete()
	}
	if over, fut := tb.mem.increase(util.TotalRecordSize(rec)); over {
		return fut, nil
	}
	return nil, nil
}

// NoMoreData implements OutputBufferManager. The last producing driver's
// call seals the buffers and wakes draining consumers.
func (m *InMemoryBufferManager) NoMoreData(taskID string) {
	var promises []*future.Promise

	m.mu.Lock()
	tb, ok := m.tasks[taskID]
	if ok {
		tb.finishedDrives++
		if tb.numDrivers == 0 || tb.finishedDrives >= tb.numDrivers {
			tb.noMoreData = true
			for i := range tb.partitions {
				promises = append(promises, tb.partitions[i].promises...)
				tb.partitions[i].promises = nil
			}
		}
	}
	m.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
}

// GetData returns the next batch of one partition for a downstream
// consumer, or a future to wait on, or atEnd once the partition drained.
// Draining the last partition reports full consumption back to the task.
func (m *InMemoryBufferManager) GetData(taskID string, partition int) (arrow.Record, *future.Future, bool, error) {
	m.mu.Lock()
	tb, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, false, fmt.Errorf("task %s: %w", taskID, ErrOutputBuffersGone)
	}
	if partition < 0 || partition >= len(tb.partitions) {
		m.mu.Unlock()
		return nil, nil, false, fmt.Errorf("task %s has no output partition %d", taskID, partition)
	}
	q := &tb.partitions[partition]
	if len(q.batches) > 0 {
		rec := q.batches[0]
		q.batches = q.batches[1:]
		m.mu.Unlock()

		tb.mem.decrease(util.TotalRecordSize(rec))
		return rec, nil, false, nil
	}
	if tb.noMoreData {
		task := m.markConsumedLocked(tb, partition)
		m.mu.Unlock()

		if task != nil {
			task.SetAllOutputConsumed()
		}
		return nil, nil, true, nil
	}
	promise, f := future.Make("InMemoryBufferManager.GetData")
	q.promises = append(q.promises, promise)
	m.mu.Unlock()
	return nil, f, false, nil
}

// markConsumedLocked records one partition's full consumption, returning
// the task when it was the last one.
func (m *InMemoryBufferManager) markConsumedLocked(tb *taskBuffers, partition int) *Task {
	if tb.consumedAtEnd[partition] {
		return nil
	}
	tb.consumedAtEnd[partition] = true
	for _, done := range tb.consumedAtEnd {
		if !done {
			return nil
		}
	}
	return tb.task
}

// UpdateOutputBuffers implements OutputBufferManager. The in-memory manager
// has a fixed partition set, so only liveness is reported.
func (m *InMemoryBufferManager) UpdateOutputBuffers(taskID string, numBuffers int, noMoreBuffers bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskID]
	return ok
}

// UpdateNumDrivers implements OutputBufferManager.
func (m *InMemoryBufferManager) UpdateNumDrivers(taskID string, numDrivers int) {
	m.mu.Lock()
	if tb, ok := m.tasks[taskID]; ok {
		tb.numDrivers = numDrivers
	}
	m.mu.Unlock()
}

// RemoveTask implements OutputBufferManager.
func (m *InMemoryBufferManager) RemoveTask(taskID string) {
	var released []arrow.Record
	var promises []*future.Promise

	m.mu.Lock()
	if tb, ok := m.tasks[taskID]; ok {
		for i := range tb.partitions {
			released = append(released, tb.partitions[i].batches...)
			promises = append(promises, tb.partitions[i].promises...)
		}
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()

	for _, rec := range released {
		rec.Release()
	}
	for _, p := range promises {
		p.Complete()
	}
}

// ErrOutputBuffersGone distinguishes consumers arriving after RemoveTask.
var ErrOutputBuffersGone = errors.New("output buffers removed")
