package exec

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// ErrNoMoreSplits is returned when a split arrives for a source that was
// already sealed with NoMoreSplits.
var ErrNoMoreSplits = errors.New("no more splits expected")

// AddSplit queues a split for a source plan node and wakes one waiting
// driver. For grouped execution the first split of an unseen group
// registers the group and may start its drivers.
func (t *Task) AddSplit(planNodeID physical.NodeID, split Split) error {
	_, err := t.addSplit(planNodeID, split, -1, false)
	return err
}

// AddSplitWithSequence queues a split carrying a delivery sequence ID.
// Splits whose sequence ID does not exceed the node's watermark are dropped
// as duplicates; the caller learns whether the split was taken. This is
// best-effort deduplication of redelivery, not an ordering guarantee.
func (t *Task) AddSplitWithSequence(planNodeID physical.NodeID, split Split, sequenceID int64) (bool, error) {
	return t.addSplit(planNodeID, split, sequenceID, true)
}

func (t *Task) addSplit(planNodeID physical.NodeID, split Split, sequenceID int64, withSequence bool) (bool, error) {
	var pending pendingNotifications
	defer pending.notify()

	t.mu.Lock()
	defer t.mu.Unlock()

	ss, err := t.splitsStateForAddLocked(planNodeID)
	if err != nil {
		return false, err
	}

	if withSequence {
		if sequenceID <= ss.maxSequenceID {
			return false, nil
		}
		ss.maxSequenceID = sequenceID
	}

	groupID := UngroupedGroupID
	if t.fragment.LeafRunsGroupedExecution(planNodeID) {
		if !split.HasGroup() {
			return false, fmt.Errorf("node %q runs grouped execution but split has no group", planNodeID)
		}
		groupID = split.GroupID
		if _, seen := t.seenSplitGroups[groupID]; !seen {
			t.seenSplitGroups[groupID] = struct{}{}
			t.queuedSplitGroups = append(t.queuedSplitGroups, groupID)
			t.ensureSplitGroupsAreBeingProcessedLocked(&pending)
		}
	} else if split.HasGroup() {
		return false, fmt.Errorf("node %q runs ungrouped execution but split targets group %d", planNodeID, split.GroupID)
	}

	store := ss.store(groupID)
	if store.noMoreSplits {
		return false, fmt.Errorf("group %d of node %q: %w", groupID, planNodeID, ErrNoMoreSplits)
	}
	store.splits = append(store.splits, split)
	pending.add(store.takePromise())

	t.stats.NumTotalSplits++
	t.stats.NumQueuedSplits++
	if ss.sourceIsTableScan && split.Connector != nil {
		t.stats.NumQueuedTableScanSplits++
		t.stats.QueuedTableScanSplitWeights += split.Connector.SplitWeight
	}
	t.cfg.Metrics.splitsTotal.Inc()

	if t.cfg.OnAddSplit != nil {
		pending.defer_(func() { t.cfg.OnAddSplit(planNodeID, split) })
	}
	return true, nil
}

func (t *Task) splitsStateForAddLocked(planNodeID physical.NodeID) (*splitsState, error) {
	if !t.isRunningLocked() {
		return nil, fmt.Errorf("task %s is not running: %s", t.id, t.state)
	}
	ss, ok := t.splitsStates[planNodeID]
	if !ok {
		return nil, fmt.Errorf("plan node %q is not a split source of task %s", planNodeID, t.id)
	}
	if ss.noMoreSplits {
		return nil, fmt.Errorf("node %q: %w", planNodeID, ErrNoMoreSplits)
	}
	return ss, nil
}

// SetMaxSplitSequenceID raises the node's duplicate-detection watermark.
// Lowering it is a silent no-op.
func (t *Task) SetMaxSplitSequenceID(planNodeID physical.NodeID, sequenceID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, err := t.splitsStateForAddLocked(planNodeID)
	if err != nil {
		return err
	}
	if sequenceID > ss.maxSequenceID {
		ss.maxSequenceID = sequenceID
	}
	return nil
}

// NoMoreSplits seals a source plan node: no split will ever arrive for any
// group. All waiting drivers wake; under grouped execution this may settle
// the final driver count and finish the task.
func (t *Task) NoMoreSplits(planNodeID physical.NodeID) {
	var pending pendingNotifications
	allFinished := false

	t.mu.Lock()
	ss, ok := t.splitsStates[planNodeID]
	if ok && !ss.noMoreSplits {
		ss.noMoreSplits = true
		for _, store := range ss.groupStores {
			store.noMoreSplits = true
			pending.promises = store.takeAllPromises(pending.promises)
		}
		allFinished = t.checkNoMoreSplitGroupsLocked(&pending)
	}
	t.mu.Unlock()

	pending.notify()
	if allFinished {
		t.Terminate(TaskFinished)
	}
}

// NoMoreSplitsForGroup seals one split group of a source plan node, waking
// that group's waiters.
func (t *Task) NoMoreSplitsForGroup(planNodeID physical.NodeID, groupID int) {
	var pending pendingNotifications

	t.mu.Lock()
	if ss, ok := t.splitsStates[planNodeID]; ok {
		store := ss.store(groupID)
		if !store.noMoreSplits {
			store.noMoreSplits = true
			pending.promises = store.takeAllPromises(pending.promises)
		}
	}
	t.mu.Unlock()

	pending.notify()
}

// checkNoMoreSplitGroupsLocked recomputes the task's total driver count
// once every grouped leaf is sealed: the plan's declared group count is an
// upper bound, the observed groups are the truth. Returns whether the task
// just became finishable.
func (t *Task) checkNoMoreSplitGroupsLocked(pending *pendingNotifications) bool {
	if !t.isRunningLocked() || !t.fragment.IsGroupedExecution() || t.numDriversPerSplitGroup == 0 {
		return false
	}
	for id := range t.fragment.GroupedLeafIDs {
		if ss, ok := t.splitsStates[id]; !ok || !ss.noMoreSplits {
			return false
		}
	}

	total := t.numDriversUngrouped + t.numDriversPerSplitGroup*len(t.seenSplitGroups)
	if total != t.numTotalDrivers {
		level.Debug(t.logger).Log("msg", "settling total driver count",
			"declared", t.numTotalDrivers, "actual", total,
			"split_groups", len(t.seenSplitGroups))
		t.numTotalDrivers = total
	}
	pending.addAll(t.stateChangePromises)
	t.stateChangePromises = nil
	return t.checkIfFinishedLocked()
}

// GetSplitOrFuture hands a source operator its next split. It returns
// (split, true, nil, nil) when one is available, (zero, false, nil, nil)
// when the source is drained for good, or a future to wait on.
//
// With preloading enabled, a split whose preload already finished is served
// ahead of FIFO order; barrier markers are never preloaded and never
// overtaken.
func (t *Task) GetSplitOrFuture(splitGroupID int, planNodeID physical.NodeID) (Split, bool, *future.Future, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ss, ok := t.splitsStates[planNodeID]
	if !ok {
		return Split{}, false, nil, fmt.Errorf("plan node %q is not a split source of task %s", planNodeID, t.id)
	}
	store := ss.store(splitGroupID)

	if len(store.splits) == 0 {
		if store.noMoreSplits || ss.noMoreSplits {
			return Split{}, false, nil, nil
		}
		promise, f := future.Make(fmt.Sprintf("Task.GetSplitOrFuture %s/%s", t.id, planNodeID))
		store.splitPromises = append(store.splitPromises, promise)
		return Split{}, false, f, nil
	}

	split := t.dequeueSplitLocked(ss, store)

	t.stats.NumQueuedSplits--
	t.stats.NumRunningSplits++
	if t.stats.FirstSplitStart.IsZero() {
		t.stats.FirstSplitStart = time.Now()
	}
	t.stats.LastSplitStart = time.Now()
	if ss.sourceIsTableScan && split.Connector != nil {
		t.stats.NumQueuedTableScanSplits--
		t.stats.NumRunningTableScanSplits++
		t.stats.QueuedTableScanSplitWeights -= split.Connector.SplitWeight
		t.stats.RunningTableScanSplitWeights += split.Connector.SplitWeight
	}
	return split, true, nil, nil
}

// dequeueSplitLocked picks the next split, preferring one whose preload is
// ready within the lookahead window, and kicks off preloads for the rest of
// the window. The window never crosses a barrier marker.
func (t *Task) dequeueSplitLocked(ss *splitsState, store *splitsStore) Split {
	pick := 0
	if t.cfg.MaxSplitPreload > 0 && ss.sourceIsTableScan {
		window := t.cfg.MaxSplitPreload
		if window > len(store.splits) {
			window = len(store.splits)
		}
		for i := 0; i < window; i++ {
			candidate := store.splits[i]
			if candidate.IsBarrier() {
				break
			}
			cs := candidate.Connector
			if cs == nil {
				continue
			}
			if ds := cs.DataSource(); ds != nil && ds.Ready() {
				pick = i
				break
			}
			if _, requested := t.preloadingSplits[cs]; !requested {
				t.preloadingSplits[cs] = struct{}{}
				t.cfg.SplitPreload(cs)
			}
		}
	}

	split := store.splits[pick]
	store.splits = append(store.splits[:pick], store.splits[pick+1:]...)
	if split.Connector != nil {
		delete(t.preloadingSplits, split.Connector)
	}
	return split
}

// SplitFinished records that a previously fetched split has been fully
// processed.
func (t *Task) SplitFinished(fromTableScan bool, weight int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.NumFinishedSplits++
	t.stats.NumRunningSplits--
	if fromTableScan {
		t.stats.NumRunningTableScanSplits--
		t.stats.RunningTableScanSplitWeights -= weight
	}
}

// RequestBarrier asks the task to bring all pipelines to a consistent
// checkpoint: a barrier marker is queued behind the currently pending
// splits of every table-scan leaf, and the returned future resolves when
// every participating driver has drained up to its marker. Concurrent
// requests share the in-flight barrier's future.
//
// Barriers are supported under serial execution only, and only while every
// splittable leaf can still receive splits.
func (t *Task) RequestBarrier() *future.Future {
	var pending pendingNotifications
	defer pending.notify()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode != SerialExecution {
		return future.Completed(fmt.Errorf("task %s: barriers require serial execution", t.id))
	}
	if !t.isRunningLocked() {
		err := t.err
		if err == nil {
			err = fmt.Errorf("task %s is not running", t.id)
		}
		return future.Completed(err)
	}

	promise, f := future.Make("Task.RequestBarrier " + t.id)
	if t.barrierRequested.Load() {
		// Piggyback on the in-flight barrier.
		t.barrierFinishPromises = append(t.barrierFinishPromises, promise)
		return f
	}

	for _, ss := range t.splitsStates {
		if !ss.sourceIsTableScan {
			continue
		}
		if ss.noMoreSplits {
			return future.Completed(fmt.Errorf(
				"task %s: cannot start a barrier, node %q already received no-more-splits",
				t.id, ss.planNodeID))
		}
	}

	t.barrierRequested.Store(true)
	t.barrierStart = time.Now()
	t.barrierFinishPromises = append(t.barrierFinishPromises, promise)

	// Queue a marker behind the pending splits of every table-scan leaf.
	for _, ss := range t.splitsStates {
		if !ss.sourceIsTableScan {
			continue
		}
		store := ss.store(UngroupedGroupID)
		store.splits = append(store.splits, newBarrierSplit())
		pending.add(store.takePromise())
	}

	// Every live driver of a split-consuming pipeline must drain.
	t.numDriversUnderBarrier = 0
	for _, d := range t.drivers {
		if d == nil || d.closed || d.state.terminated {
			continue
		}
		if !t.isInputPipelineLocked(d.dctx.PipelineID) {
			continue
		}
		d.startBarrier()
		t.numDriversUnderBarrier++
	}

	if t.numDriversUnderBarrier == 0 {
		t.endBarrierLocked(&pending)
	}
	return f
}

func (t *Task) isInputPipelineLocked(pipelineID int) bool {
	for _, f := range t.driverFactories {
		if f.PipelineID == pipelineID {
			return f.InputDriver
		}
	}
	return false
}

// finishDriverBarrier counts one driver's barrier completion, ending the
// barrier when the last one reports.
func (t *Task) finishDriverBarrier() {
	var pending pendingNotifications

	t.mu.Lock()
	if t.numDriversUnderBarrier > 0 {
		t.numDriversUnderBarrier--
		if t.numDriversUnderBarrier == 0 {
			t.endBarrierLocked(&pending)
		}
	}
	t.mu.Unlock()

	pending.notify()
}

func (t *Task) endBarrierLocked(pending *pendingNotifications) {
	if !t.barrierRequested.Load() {
		return
	}
	t.barrierRequested.Store(false)
	elapsed := time.Since(t.barrierStart)
	t.stats.NumBarriers++
	t.cfg.Metrics.barrierProcessSeconds.Observe(elapsed.Seconds())
	level.Debug(t.logger).Log("msg", "barrier finished", "duration", elapsed)

	pending.addAll(t.barrierFinishPromises)
	t.barrierFinishPromises = nil
}

// UnderBarrier reports whether a barrier is currently draining.
func (t *Task) UnderBarrier() bool { return t.barrierRequested.Load() }
