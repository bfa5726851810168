package exec

import (
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

func TestGroupedExecution(t *testing.T) {
	fragment := physical.Fragment{
		Root:           physical.NewTableScanNode("scan"),
		Strategy:       physical.Grouped,
		NumSplitGroups: 3,
		GroupedLeafIDs: map[physical.NodeID]struct{}{"scan": {}},
	}

	var (
		mu   sync.Mutex
		rows []int64
	)
	consumer := func(rec arrow.Record) (BlockingReason, *future.Future) {
		if rec == nil {
			return NotBlocked, nil
		}
		mu.Lock()
		rows = append(rows, recordValues(t, rec)...)
		mu.Unlock()
		rec.Release()
		return NotBlocked, nil
	}

	pool := NewPool(2)
	defer pool.Close()
	task, err := NewTask("grouped", fragment, ParallelExecution, Config{
		Planner:          &LocalPlanner{Factory: &testFactory{t: t}},
		Executor:         pool,
		Metrics:          NewMetrics(),
		ConsumerSupplier: func() Consumer { return consumer },
	})
	require.NoError(t, err)
	require.NoError(t, task.Start(1, 1))

	// Each split group gets its own driver, created lazily as the group's
	// first split arrives.
	require.NoError(t, task.AddSplit("scan", NewGroupedSplit(splitWithValues(t, 1, 2), 0)))
	require.NoError(t, task.AddSplit("scan", NewGroupedSplit(splitWithValues(t, 3), 1)))
	task.NoMoreSplits("scan")

	require.True(t, task.TaskCompletionFuture().WaitFor(5*time.Second))
	require.Equal(t, TaskFinished, task.State())
	requireTaskWindsDown(t, task)

	mu.Lock()
	got := append([]int64(nil), rows...)
	mu.Unlock()
	require.ElementsMatch(t, []int64{1, 2, 3}, got)

	// Group 2 never saw a split, so only two group drivers ever ran.
	require.Equal(t, 2, task.NumTotalDrivers())

	stats := task.TaskStats()
	require.Contains(t, stats.CompletedSplitGroups, 0)
	require.Contains(t, stats.CompletedSplitGroups, 1)
	require.NotContains(t, stats.CompletedSplitGroups, 2)
}

func TestGroupedTerminateBeforeAllGroupsSeen(t *testing.T) {
	fragment := physical.Fragment{
		Root:           physical.NewTableScanNode("scan"),
		Strategy:       physical.Grouped,
		NumSplitGroups: 3,
		GroupedLeafIDs: map[physical.NodeID]struct{}{"scan": {}},
	}

	pool := NewPool(2)
	defer pool.Close()
	task, err := NewTask("grouped-early-cancel", fragment, ParallelExecution, Config{
		Planner:  &LocalPlanner{Factory: &testFactory{t: t}},
		Executor: pool,
		Metrics:  NewMetrics(),
		ConsumerSupplier: func() Consumer {
			return func(rec arrow.Record) (BlockingReason, *future.Future) {
				if rec != nil {
					rec.Release()
				}
				return NotBlocked, nil
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, task.Start(1, 1))

	// Only one of the three planned groups ever gets a split; its driver is
	// the only one that exists when the task is canceled.
	require.NoError(t, task.AddSplit("scan", NewGroupedSplit(splitWithValues(t, 1), 0)))

	task.RequestCancel()
	requireTaskWindsDown(t, task)

	// The planned driver total must not keep the task alive: the drivers of
	// the unseen groups will never be created, let alone finish.
	require.Equal(t, TaskCanceled, task.State())
	require.Zero(t, task.NumRunningDrivers())
	require.Equal(t, task.NumFinishedDrivers(), task.NumTotalDrivers())
	require.Nil(t, FindTask(task.ID()))
}
