package exec

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

func TestAddSplitWithSequenceDeduplicates(t *testing.T) {
	task := newSerialScanTask(t, "split-sequence")

	taken, err := task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 1)), 5)
	require.NoError(t, err)
	require.True(t, taken)

	// Redelivery of the same sequence, and anything below the watermark, is
	// dropped.
	taken, err = task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 99)), 5)
	require.NoError(t, err)
	require.False(t, taken)
	taken, err = task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 98)), 4)
	require.NoError(t, err)
	require.False(t, taken)

	taken, err = task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 2)), 6)
	require.NoError(t, err)
	require.True(t, taken)

	require.NoError(t, task.SetMaxSplitSequenceID("scan", 10))
	// Lowering the watermark is a silent no-op.
	require.NoError(t, task.SetMaxSplitSequenceID("scan", 3))

	taken, err = task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 97)), 10)
	require.NoError(t, err)
	require.False(t, taken)
	taken, err = task.AddSplitWithSequence("scan", NewSplit(splitWithValues(t, 3)), 11)
	require.NoError(t, err)
	require.True(t, taken)

	task.NoMoreSplits("scan")
	require.Equal(t, []int64{1, 2, 3}, drainSerial(t, task))
	require.Equal(t, TaskFinished, task.State())
	requireTaskWindsDown(t, task)
}

func TestAddSplitValidation(t *testing.T) {
	task := newSerialScanTask(t, "split-validation")

	err := task.AddSplit("nope", NewSplit(splitWithValues(t, 1)))
	require.ErrorContains(t, err, "not a split source")

	// The scan runs ungrouped, so grouped splits are rejected.
	err = task.AddSplit("scan", NewGroupedSplit(&ConnectorSplit{ConnectorID: "test"}, 3))
	require.ErrorContains(t, err, "ungrouped execution")

	task.NoMoreSplits("scan")
	err = task.AddSplit("scan", NewSplit(splitWithValues(t, 1)))
	require.ErrorIs(t, err, ErrNoMoreSplits)

	// Sealing twice is harmless.
	task.NoMoreSplits("scan")

	require.Empty(t, drainSerial(t, task))
	require.Equal(t, TaskFinished, task.State())
	requireTaskWindsDown(t, task)
}

func TestGroupedLeafRejectsUngroupedSplit(t *testing.T) {
	fragment := physical.Fragment{
		Root:           physical.NewTableScanNode("scan"),
		Strategy:       physical.Grouped,
		NumSplitGroups: 2,
		GroupedLeafIDs: map[physical.NodeID]struct{}{"scan": {}},
	}
	pool := NewPool(1)
	defer pool.Close()
	task, err := NewTask("grouped-validation", fragment, ParallelExecution, Config{
		Planner:  &LocalPlanner{Factory: &testFactory{t: t}},
		Executor: pool,
		Metrics:  NewMetrics(),
	})
	require.NoError(t, err)

	err = task.AddSplit("scan", NewSplit(&ConnectorSplit{ConnectorID: "test"}))
	require.ErrorContains(t, err, "has no group")

	task.RequestCancel()
	requireTaskWindsDown(t, task)
}

func TestSplitPreloadOvertaking(t *testing.T) {
	var (
		mu        sync.Mutex
		preloaded []*ConnectorSplit
	)
	task, err := NewTask("split-preload", newScanFragment("scan"), SerialExecution, Config{
		Planner:         &LocalPlanner{Factory: &testFactory{t: t}},
		Metrics:         NewMetrics(),
		MaxSplitPreload: 2,
		SplitPreload: func(cs *ConnectorSplit) {
			mu.Lock()
			preloaded = append(preloaded, cs)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	slow := &ConnectorSplit{ConnectorID: "test"}
	fast := &ConnectorSplit{ConnectorID: "test"}
	fast.SetDataSource(&readyDataSource{ready: true})

	require.NoError(t, task.AddSplit("scan", NewSplit(slow)))
	require.NoError(t, task.AddSplit("scan", NewSplit(fast)))

	// The split whose preload already finished overtakes FIFO order, and a
	// preload is kicked off for the one passed over.
	split, ok, fut, err := task.GetSplitOrFuture(UngroupedGroupID, "scan")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, fut)
	require.Same(t, fast, split.Connector)

	mu.Lock()
	require.Equal(t, []*ConnectorSplit{slow}, preloaded)
	mu.Unlock()

	split, ok, fut, err = task.GetSplitOrFuture(UngroupedGroupID, "scan")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, fut)
	require.Same(t, slow, split.Connector)

	// A preload must be requested at most once per split.
	mu.Lock()
	require.Len(t, preloaded, 1)
	mu.Unlock()

	// Terminate closes the data sources of undelivered preloaded splits.
	pending := &ConnectorSplit{ConnectorID: "test"}
	ds := &readyDataSource{ready: true}
	pending.SetDataSource(ds)
	require.NoError(t, task.AddSplit("scan", NewSplit(pending)))

	task.RequestCancel()
	requireTaskWindsDown(t, task)
	require.True(t, ds.wasClosed())
}

func TestBarrierRoundTrip(t *testing.T) {
	task := newSerialScanTask(t, "barrier")
	require.NoError(t, task.AddSplit("scan", NewSplit(splitWithValues(t, 1))))

	// Consume the first split so the scan driver exists and is live.
	var fut *future.Future
	rec, err := task.Next(&fut)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, []int64{1}, recordValues(t, rec))
	rec.Release()

	barrier := task.RequestBarrier()
	require.False(t, barrier.Done())
	require.True(t, task.UnderBarrier())

	// A second request piggybacks on the in-flight barrier.
	piggyback := task.RequestBarrier()
	require.False(t, piggyback.Done())

	// The driver drains up to its marker, then blocks waiting for splits.
	fut = nil
	rec, err = task.Next(&fut)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NotNil(t, fut)

	require.True(t, barrier.WaitFor(time.Second))
	require.NoError(t, barrier.Err())
	require.True(t, piggyback.Done())
	require.NoError(t, piggyback.Err())
	require.False(t, task.UnderBarrier())
	require.Equal(t, 1, task.TaskStats().NumBarriers)

	// The task keeps accepting and processing splits after the checkpoint.
	require.NoError(t, task.AddSplit("scan", NewSplit(splitWithValues(t, 2))))
	task.NoMoreSplits("scan")
	require.Equal(t, []int64{2}, drainSerial(t, task))
	require.Equal(t, TaskFinished, task.State())
	requireTaskWindsDown(t, task)
}

func TestBarrierFailsOnTerminate(t *testing.T) {
	task := newSerialScanTask(t, "barrier-terminate")
	require.NoError(t, task.AddSplit("scan", NewSplit(splitWithValues(t, 1))))

	var fut *future.Future
	rec, err := task.Next(&fut)
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec.Release()

	barrier := task.RequestBarrier()
	require.False(t, barrier.Done())

	task.RequestCancel()
	require.True(t, barrier.WaitFor(time.Second))
	require.ErrorIs(t, barrier.Err(), ErrTaskCanceled)
	requireTaskWindsDown(t, task)
}

func TestBarrierRequiresSerialExecution(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	task, err := NewTask("barrier-parallel", newScanFragment("scan"), ParallelExecution, Config{
		Planner:  &LocalPlanner{Factory: &testFactory{t: t}},
		Executor: pool,
		Metrics:  NewMetrics(),
	})
	require.NoError(t, err)

	barrier := task.RequestBarrier()
	require.True(t, barrier.Done())
	require.ErrorContains(t, barrier.Err(), "serial execution")

	task.RequestCancel()
	requireTaskWindsDown(t, task)
}

func TestBarrierAfterNoMoreSplits(t *testing.T) {
	task := newSerialScanTask(t, "barrier-sealed")
	task.NoMoreSplits("scan")

	barrier := task.RequestBarrier()
	require.True(t, barrier.Done())
	require.ErrorContains(t, barrier.Err(), "no-more-splits")

	require.Empty(t, drainSerial(t, task))
	requireTaskWindsDown(t, task)
}

func TestNoMoreSplitsForGroupWakesWaiters(t *testing.T) {
	task := newSerialScanTask(t, "no-more-group")

	_, ok, fut, err := task.GetSplitOrFuture(UngroupedGroupID, "scan")
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, fut, "an open source hands out a wait future")

	task.NoMoreSplitsForGroup("scan", UngroupedGroupID)
	require.True(t, fut.WaitFor(time.Second))

	_, ok, fut, err = task.GetSplitOrFuture(UngroupedGroupID, "scan")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, fut, "a sealed group reports drained")

	task.RequestCancel()
	requireTaskWindsDown(t, task)
}
