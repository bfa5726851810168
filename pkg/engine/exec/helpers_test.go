package exec

import (
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/memory"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "v", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func makeBatch(t *testing.T, values ...int64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(arrowmem.DefaultAllocator, testSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(values, nil)
	return b.NewRecord()
}

func recordValues(t *testing.T, rec arrow.Record) []int64 {
	t.Helper()
	col, ok := rec.Column(0).(*array.Int64)
	require.True(t, ok, "test records carry a single int64 column")
	out := make([]int64, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		out = append(out, col.Value(i))
	}
	return out
}

// splitWithValues wraps one batch as a connector split; the scan source
// emits the payload batch when it consumes the split.
func splitWithValues(t *testing.T, values ...int64) *ConnectorSplit {
	t.Helper()
	return &ConnectorSplit{
		ConnectorID: "test",
		Payload:     makeBatch(t, values...),
		SplitWeight: int64(len(values)),
	}
}

func requireTaskWindsDown(t *testing.T, task *Task) {
	t.Helper()
	if !WaitForTaskDriversToFinish(task, 5*time.Second) {
		t.Fatal(waitError(task, 5*time.Second))
	}
}

// drainSerial pulls every batch out of a serial task, waiting on the blocked
// future when all drivers stall.
func drainSerial(t *testing.T, task *Task) []int64 {
	t.Helper()
	var rows []int64
	for {
		var fut *future.Future
		rec, err := task.Next(&fut)
		require.NoError(t, err)
		if rec != nil {
			rows = append(rows, recordValues(t, rec)...)
			rec.Release()
			continue
		}
		if fut == nil {
			return rows
		}
		require.True(t, fut.WaitFor(5*time.Second), "drivers stayed blocked")
	}
}

// testFactory builds the test operators for domain plan nodes: scans consume
// task splits, values nodes emit fixed batches, filters pass through,
// order-by accumulates with a spillable pool, projects act as a limit.
type testFactory struct {
	// values supplies fresh batches per driver for each ValuesNode.
	values map[physical.NodeID]func(t *testing.T) []arrow.Record
	t      *testing.T
}

var _ OperatorFactory = (*testFactory)(nil)

func (f *testFactory) Create(dctx *DriverContext, operatorID int, node physical.Node) (Operator, error) {
	switch n := node.(type) {
	case *physical.TableScanNode:
		return newScanSource(dctx, operatorID, n.ID()), nil
	case *physical.ValuesNode:
		var batches []arrow.Record
		if fn := f.values[n.ID()]; fn != nil {
			batches = fn(f.t)
		}
		return newValuesSource(operatorID, n.ID(), batches), nil
	case *physical.FilterNode:
		return newPassthrough(operatorID, n.ID()), nil
	case *physical.ProjectNode:
		return newLimitOne(dctx, operatorID, n.ID()), nil
	case *physical.OrderByNode:
		return newSpillAccumulator(dctx, operatorID, n.ID())
	case *physical.HashJoinNode:
		return newHashJoinProbe(dctx, operatorID, n), nil
	default:
		return nil, errUnsupportedNode(node)
	}
}

func (f *testFactory) CreateJoinBuild(dctx *DriverContext, operatorID int, node physical.Node) (Operator, error) {
	switch n := node.(type) {
	case *physical.HashJoinNode:
		return newHashJoinBuild(dctx, operatorID, n), nil
	default:
		return nil, errUnsupportedNode(node)
	}
}

type unsupportedNodeError struct{ node physical.Node }

func errUnsupportedNode(node physical.Node) error { return &unsupportedNodeError{node: node} }

func (e *unsupportedNodeError) Error() string {
	return "test factory does not support node " + string(e.node.ID()) + " (" + e.node.Name() + ")"
}

// scanSource consumes splits from the task split queues and emits each
// split's payload batch. Barrier markers are drained in place.
type scanSource struct {
	baseOperator
	dctx    *DriverContext
	nodeID  physical.NodeID
	blocked blockedOn

	finished bool
}

var (
	_ SourceOperator       = (*scanSource)(nil)
	_ BarrierAwareOperator = (*scanSource)(nil)
)

func newScanSource(dctx *DriverContext, operatorID int, nodeID physical.NodeID) *scanSource {
	return &scanSource{
		baseOperator: baseOperator{operatorID, string(nodeID), "TestScan"},
		dctx:         dctx,
		nodeID:       nodeID,
	}
}

func (o *scanSource) Splittable() bool { return true }
func (o *scanSource) DrainBarrier()    { o.dctx.FinishBarrier() }

func (o *scanSource) IsBlocked() (BlockingReason, *future.Future) { return o.blocked.check() }
func (o *scanSource) NeedsInput() bool                            { return false }
func (o *scanSource) NoMoreInput()                                {}
func (o *scanSource) IsFinished() bool                            { return o.finished }
func (o *scanSource) Close() error                                { return nil }

func (o *scanSource) AddInput(arrow.Record) {
	panic("scanSource is a source operator")
}

func (o *scanSource) GetOutput() (arrow.Record, error) {
	for {
		if o.finished {
			return nil, nil
		}
		split, ok, fut, err := o.dctx.Task.GetSplitOrFuture(o.dctx.SplitGroupID, o.nodeID)
		if err != nil {
			return nil, err
		}
		if fut != nil {
			o.blocked.set(BlockedWaitForSplit, fut)
			return nil, nil
		}
		if !ok {
			o.finished = true
			return nil, nil
		}
		if split.IsBarrier() {
			o.DrainBarrier()
			continue
		}
		rec := split.Connector.Payload.(arrow.Record)
		o.dctx.Task.SplitFinished(true, split.Connector.SplitWeight)
		return rec, nil
	}
}

// valuesSource emits a fixed list of batches.
type valuesSource struct {
	baseOperator
	batches []arrow.Record
	pos     int
}

func newValuesSource(operatorID int, nodeID physical.NodeID, batches []arrow.Record) *valuesSource {
	return &valuesSource{
		baseOperator: baseOperator{operatorID, string(nodeID), "TestValues"},
		batches:      batches,
	}
}

func (o *valuesSource) IsBlocked() (BlockingReason, *future.Future) { return NotBlocked, nil }
func (o *valuesSource) NeedsInput() bool                            { return false }
func (o *valuesSource) NoMoreInput()                                {}
func (o *valuesSource) IsFinished() bool                            { return o.pos >= len(o.batches) }

func (o *valuesSource) AddInput(arrow.Record) {
	panic("valuesSource is a source operator")
}

func (o *valuesSource) GetOutput() (arrow.Record, error) {
	if o.pos >= len(o.batches) {
		return nil, nil
	}
	rec := o.batches[o.pos]
	o.pos++
	return rec, nil
}

func (o *valuesSource) Close() error {
	for ; o.pos < len(o.batches); o.pos++ {
		o.batches[o.pos].Release()
	}
	return nil
}

// passthrough forwards every batch unchanged.
type passthrough struct {
	baseOperator
	input    arrow.Record
	noMore   bool
	finished bool
}

func newPassthrough(operatorID int, nodeID physical.NodeID) *passthrough {
	return &passthrough{baseOperator: baseOperator{operatorID, string(nodeID), "TestPassthrough"}}
}

func (o *passthrough) IsBlocked() (BlockingReason, *future.Future) { return NotBlocked, nil }
func (o *passthrough) NeedsInput() bool                            { return o.input == nil && !o.noMore }
func (o *passthrough) AddInput(rec arrow.Record)                   { o.input = rec }
func (o *passthrough) NoMoreInput()                                { o.noMore = true }
func (o *passthrough) IsFinished() bool                            { return o.finished }

func (o *passthrough) GetOutput() (arrow.Record, error) {
	if o.input != nil {
		rec := o.input
		o.input = nil
		return rec, nil
	}
	if o.noMore {
		o.finished = true
	}
	return nil, nil
}

func (o *passthrough) Close() error {
	if o.input != nil {
		o.input.Release()
		o.input = nil
	}
	return nil
}

// limitOne keeps the first batch and tells its driver to drop all upstream
// input, exercising Driver.DropInput.
type limitOne struct {
	baseOperator
	dctx *DriverContext

	kept     arrow.Record
	noMore   bool
	finished bool
}

func newLimitOne(dctx *DriverContext, operatorID int, nodeID physical.NodeID) *limitOne {
	return &limitOne{
		baseOperator: baseOperator{operatorID, string(nodeID), "TestLimitOne"},
		dctx:         dctx,
	}
}

func (o *limitOne) IsBlocked() (BlockingReason, *future.Future) { return NotBlocked, nil }
func (o *limitOne) NeedsInput() bool                            { return o.kept == nil && !o.noMore }
func (o *limitOne) NoMoreInput()                                { o.noMore = true }
func (o *limitOne) IsFinished() bool                            { return o.finished }

func (o *limitOne) AddInput(rec arrow.Record) {
	if o.kept != nil {
		rec.Release()
		return
	}
	o.kept = rec
	o.dctx.driver.DropInput(o)
}

func (o *limitOne) GetOutput() (arrow.Record, error) {
	if o.kept != nil {
		rec := o.kept
		o.kept = nil
		return rec, nil
	}
	if o.noMore {
		o.finished = true
	}
	return nil, nil
}

func (o *limitOne) Close() error {
	if o.kept != nil {
		o.kept.Release()
		o.kept = nil
	}
	return nil
}

// spillAccumulator buffers its whole input before emitting, reserving the
// bytes on a child pool with itself installed as the pool's reclaimer.
// Reclaim moves buffered batches to the spilled list and releases the
// reservation, standing in for a sort operator spilling run files.
type spillAccumulator struct {
	baseOperator
	pool *memory.Pool

	mu            sync.Mutex
	retained      []arrow.Record
	retainedBytes int64
	spilled       []arrow.Record

	reserveErr error
	noMore     bool
	finished   bool
}

var _ memory.Reclaimer = (*spillAccumulator)(nil)

func newSpillAccumulator(dctx *DriverContext, operatorID int, nodeID physical.NodeID) (*spillAccumulator, error) {
	o := &spillAccumulator{
		baseOperator: baseOperator{operatorID, string(nodeID), "TestSpillAccumulator"},
	}
	pool, err := dctx.Pool.AddChild(string(nodeID), memory.PoolOptions{Reclaimer: o})
	if err != nil {
		return nil, err
	}
	o.pool = pool
	return o, nil
}

func (o *spillAccumulator) IsBlocked() (BlockingReason, *future.Future) { return NotBlocked, nil }
func (o *spillAccumulator) NeedsInput() bool                            { return !o.noMore }
func (o *spillAccumulator) NoMoreInput()                                { o.noMore = true }
func (o *spillAccumulator) IsFinished() bool                            { return o.finished }

func (o *spillAccumulator) AddInput(rec arrow.Record) {
	bytes := util.TotalRecordSize(rec)
	if err := o.pool.Reserve(bytes); err != nil && o.reserveErr == nil {
		o.reserveErr = err
	}
	o.mu.Lock()
	o.retained = append(o.retained, rec)
	o.retainedBytes += bytes
	o.mu.Unlock()
}

func (o *spillAccumulator) GetOutput() (arrow.Record, error) {
	if o.reserveErr != nil {
		return nil, o.reserveErr
	}
	if !o.noMore || o.finished {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.spilled) > 0 {
		rec := o.spilled[0]
		o.spilled = o.spilled[1:]
		return rec, nil
	}
	if len(o.retained) > 0 {
		rec := o.retained[0]
		o.retained = o.retained[1:]
		bytes := util.TotalRecordSize(rec)
		o.retainedBytes -= bytes
		o.pool.Release(bytes)
		return rec, nil
	}
	o.finished = true
	return nil, nil
}

func (o *spillAccumulator) Close() error {
	o.mu.Lock()
	for _, rec := range o.retained {
		rec.Release()
	}
	for _, rec := range o.spilled {
		rec.Release()
	}
	o.retained, o.spilled = nil, nil
	o.pool.Release(o.retainedBytes)
	o.retainedBytes = 0
	o.mu.Unlock()
	return o.pool.Close()
}

// ReclaimableBytes implements memory.Reclaimer.
func (o *spillAccumulator) ReclaimableBytes(*memory.Pool) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retainedBytes, o.retainedBytes > 0
}

// Reclaim implements memory.Reclaimer. The owning task is paused while this
// runs, so no driver thread touches the operator concurrently.
func (o *spillAccumulator) Reclaim(pool *memory.Pool, _ int64, _ time.Duration, stats *memory.Stats) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	freed := o.retainedBytes
	if freed == 0 {
		stats.NumNonReclaimableAttempts++
		return 0, nil
	}
	o.spilled = append(o.spilled, o.retained...)
	stats.SpilledBytes += freed
	stats.SpilledFiles += int64(len(o.retained))
	o.retained = nil
	o.retainedBytes = 0
	pool.Release(freed)
	return freed, nil
}

// Abort implements memory.Reclaimer.
func (o *spillAccumulator) Abort(*memory.Pool, error) {}

// hashJoinProbe waits for the build side through the join bridge, then
// passes probe batches through.
type hashJoinProbe struct {
	baseOperator
	dctx *DriverContext
	node *physical.HashJoinNode

	table     any
	bridgeErr error
	input     arrow.Record
	noMore    bool
	finished  bool
}

func newHashJoinProbe(dctx *DriverContext, operatorID int, node *physical.HashJoinNode) *hashJoinProbe {
	return &hashJoinProbe{
		baseOperator: baseOperator{operatorID, string(node.ID()), "TestHashJoinProbe"},
		dctx:         dctx,
		node:         node,
	}
}

func (o *hashJoinProbe) IsBlocked() (BlockingReason, *future.Future) {
	if o.table != nil || o.bridgeErr != nil {
		return NotBlocked, nil
	}
	bridge, err := o.dctx.Task.GetHashJoinBridge(o.dctx.SplitGroupID, o.node.ID())
	if err != nil {
		o.bridgeErr = err
		return NotBlocked, nil
	}
	table, fut, err := bridge.HashTableOrFuture()
	if err != nil {
		o.bridgeErr = err
		return NotBlocked, nil
	}
	if fut != nil {
		return BlockedWaitForJoinBuild, fut
	}
	o.table = table
	return NotBlocked, nil
}

func (o *hashJoinProbe) NeedsInput() bool          { return o.input == nil && !o.noMore }
func (o *hashJoinProbe) AddInput(rec arrow.Record) { o.input = rec }
func (o *hashJoinProbe) NoMoreInput()              { o.noMore = true }
func (o *hashJoinProbe) IsFinished() bool          { return o.finished }

func (o *hashJoinProbe) GetOutput() (arrow.Record, error) {
	if o.bridgeErr != nil {
		return nil, o.bridgeErr
	}
	if o.input != nil {
		rec := o.input
		o.input = nil
		return rec, nil
	}
	if o.noMore {
		o.finished = true
	}
	return nil, nil
}

func (o *hashJoinProbe) Close() error {
	if o.input != nil {
		o.input.Release()
		o.input = nil
	}
	return nil
}

// hashJoinBuild collects the build side and publishes it through the join
// bridge once its input ends.
type hashJoinBuild struct {
	baseOperator
	dctx *DriverContext
	node *physical.HashJoinNode

	batches  []arrow.Record
	finished bool
}

func newHashJoinBuild(dctx *DriverContext, operatorID int, node *physical.HashJoinNode) *hashJoinBuild {
	return &hashJoinBuild{
		baseOperator: baseOperator{operatorID, string(node.ID()), "TestHashJoinBuild"},
		dctx:         dctx,
		node:         node,
	}
}

func (o *hashJoinBuild) IsBlocked() (BlockingReason, *future.Future) { return NotBlocked, nil }
func (o *hashJoinBuild) NeedsInput() bool                            { return !o.finished }
func (o *hashJoinBuild) AddInput(rec arrow.Record)                   { o.batches = append(o.batches, rec) }
func (o *hashJoinBuild) GetOutput() (arrow.Record, error)            { return nil, nil }
func (o *hashJoinBuild) IsFinished() bool                            { return o.finished }

func (o *hashJoinBuild) NoMoreInput() {
	if o.finished {
		return
	}
	o.finished = true
	bridge, err := o.dctx.Task.GetHashJoinBridge(o.dctx.SplitGroupID, o.node.ID())
	if err != nil {
		return
	}
	batches := o.batches
	o.batches = nil
	// Publishing wakes probe drivers inline.
	_ = bridge.SetHashTable(batches)
}

func (o *hashJoinBuild) Close() error {
	for _, rec := range o.batches {
		rec.Release()
	}
	o.batches = nil
	return nil
}

// fakeExchangeClient records the terminate-time routing of undelivered
// remote splits.
type fakeExchangeClient struct {
	mu        sync.Mutex
	taskIDs   []string
	noMore    bool
	closed    bool
	closeErr  error
	numCloses int
}

var _ ExchangeClient = (*fakeExchangeClient)(nil)

func (c *fakeExchangeClient) AddRemoteTaskID(taskID string) {
	c.mu.Lock()
	c.taskIDs = append(c.taskIDs, taskID)
	c.mu.Unlock()
}

func (c *fakeExchangeClient) NoMoreRemoteTasks() {
	c.mu.Lock()
	c.noMore = true
	c.mu.Unlock()
}

func (c *fakeExchangeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.numCloses++
	return c.closeErr
}

// readyDataSource is a preloaded reader in the given readiness state.
type readyDataSource struct {
	ready  bool
	mu     sync.Mutex
	closed bool
}

var _ DataSource = (*readyDataSource)(nil)

func (d *readyDataSource) Ready() bool { return d.ready }

func (d *readyDataSource) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *readyDataSource) wasClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func newScanFragment(id physical.NodeID) physical.Fragment {
	return physical.NewFragment(physical.NewTableScanNode(id))
}

func newSerialScanTask(t *testing.T, taskID string) *Task {
	t.Helper()
	task, err := NewTask(taskID, newScanFragment("scan"), SerialExecution, Config{
		Planner: &LocalPlanner{Factory: &testFactory{t: t}},
		Metrics: NewMetrics(),
	})
	require.NoError(t, err)
	return task
}
