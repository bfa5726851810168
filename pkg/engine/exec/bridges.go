package exec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// ErrJoinBridgeCancelled is returned to bridge consumers once the owning
// task terminates.
var ErrJoinBridgeCancelled = errors.New("join bridge cancelled")

// JoinBridge connects the build and probe pipelines of a join within one
// split group. Bridges are started together with the group's drivers and
// cancelled when the group or the task tears down.
type JoinBridge interface {
	Start()
	Cancel()
}

// joinBridgeBase carries the shared publish-once machinery. Waiter promises
// are completed, never failed: woken drivers re-check the task state and
// observe the termination themselves.
type joinBridgeBase struct {
	mu        sync.Mutex
	started   bool
	cancelled bool
	hasData   bool
	data      any
	promises  []*future.Promise
}

func (b *joinBridgeBase) start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
}

func (b *joinBridgeBase) cancel() {
	b.mu.Lock()
	b.cancelled = true
	promises := b.promises
	b.promises = nil
	b.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
}

func (b *joinBridgeBase) set(data any) error {
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		return ErrJoinBridgeCancelled
	}
	if b.hasData {
		b.mu.Unlock()
		return errors.New("join bridge data already set")
	}
	b.hasData = true
	b.data = data
	promises := b.promises
	b.promises = nil
	b.mu.Unlock()

	for _, p := range promises {
		p.Complete()
	}
	return nil
}

// get returns the published data, or a future the caller must wait on.
func (b *joinBridgeBase) get(comment string) (any, *future.Future, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled {
		return nil, nil, ErrJoinBridgeCancelled
	}
	if !b.started {
		return nil, nil, errors.New("join bridge consumed before start")
	}
	if b.hasData {
		return b.data, nil, nil
	}
	promise, f := future.Make(comment)
	b.promises = append(b.promises, promise)
	return nil, f, nil
}

// HashJoinBridge publishes the build side's hash table to probe drivers.
// The table representation is owned by the operator implementations.
type HashJoinBridge struct {
	base joinBridgeBase
}

// NewHashJoinBridge creates an unstarted hash join bridge.
func NewHashJoinBridge() *HashJoinBridge { return &HashJoinBridge{} }

// Start implements JoinBridge.
func (b *HashJoinBridge) Start() { b.base.start() }

// Cancel implements JoinBridge.
func (b *HashJoinBridge) Cancel() { b.base.cancel() }

// SetHashTable publishes the built table and wakes probe-side waiters.
func (b *HashJoinBridge) SetHashTable(table any) error { return b.base.set(table) }

// HashTableOrFuture returns the table if published, or a future that
// resolves when it is.
func (b *HashJoinBridge) HashTableOrFuture() (any, *future.Future, error) {
	return b.base.get("HashJoinBridge.HashTableOrFuture")
}

// NestedLoopJoinBridge publishes the build side's materialized batches.
type NestedLoopJoinBridge struct {
	base joinBridgeBase
}

// NewNestedLoopJoinBridge creates an unstarted nested loop join bridge.
func NewNestedLoopJoinBridge() *NestedLoopJoinBridge { return &NestedLoopJoinBridge{} }

// Start implements JoinBridge.
func (b *NestedLoopJoinBridge) Start() { b.base.start() }

// Cancel implements JoinBridge.
func (b *NestedLoopJoinBridge) Cancel() { b.base.cancel() }

// SetData publishes the build side batches.
func (b *NestedLoopJoinBridge) SetData(batches []arrow.Record) error { return b.base.set(batches) }

// DataOrFuture returns the build batches if published, or a future.
func (b *NestedLoopJoinBridge) DataOrFuture() ([]arrow.Record, *future.Future, error) {
	data, f, err := b.base.get("NestedLoopJoinBridge.DataOrFuture")
	if data == nil {
		return nil, f, err
	}
	return data.([]arrow.Record), f, err
}

// peerGroup coordinates the drivers of one blocking operator (hash build)
// within a split group: all peers but the last block; the last peer
// receives the others' state to merge and their promises to fulfill.
type peerGroup struct {
	numRequested int
	peers        []*Driver
	promises     []*future.Promise
}

// splitGroupState is the per-split-group arena: driver accounting, join
// bridges, local exchanges and peer groups. Guarded by the task mutex.
type splitGroupState struct {
	numRunningDrivers        int
	numFinishedOutputDrivers int

	// mixedExecutionMode marks the ungrouped state of a plan that also runs
	// grouped pipelines; its arena outlives individual split groups.
	mixedExecutionMode bool

	bridges        map[physical.NodeID]JoinBridge
	localExchanges map[physical.NodeID]*LocalExchange
	peerGroups     map[physical.NodeID]*peerGroup
}

// clear tears the arena down after the group's last driver finished.
func (gs *splitGroupState) clear(pending *pendingNotifications) {
	for _, ex := range gs.localExchanges {
		pending.defer_(ex.Close)
	}
	gs.bridges = nil
	gs.localExchanges = nil
	gs.peerGroups = nil
}

// createSplitGroupStateLocked builds the arena for one split group: a
// bridge per join node and an exchange per local partition node, scanned
// from the pipelines matching the group's execution mode.
func (t *Task) createSplitGroupStateLocked(groupID int) {
	if _, ok := t.splitGroupStates[groupID]; ok {
		return
	}
	gs := &splitGroupState{
		bridges:        make(map[physical.NodeID]JoinBridge),
		localExchanges: make(map[physical.NodeID]*LocalExchange),
		peerGroups:     make(map[physical.NodeID]*peerGroup),
	}
	grouped := groupID != UngroupedGroupID

	for _, f := range t.driverFactories {
		if f.Grouped != grouped {
			continue
		}
		for i, n := range f.Nodes {
			switch node := n.(type) {
			case *physical.HashJoinNode:
				if _, ok := gs.bridges[node.ID()]; !ok {
					gs.bridges[node.ID()] = NewHashJoinBridge()
				}
			case *physical.NestedLoopJoinNode:
				if _, ok := gs.bridges[node.ID()]; !ok {
					gs.bridges[node.ID()] = NewNestedLoopJoinBridge()
				}
			case *physical.LocalPartitionNode:
				// The producing pipeline ends in the partition node; its
				// driver count is the exchange's producer count.
				if i == len(f.Nodes)-1 {
					gs.localExchanges[node.ID()] = NewLocalExchange(
						node.NumPartitions(), f.NumDrivers, t.cfg.LocalExchangeBufferBytes)
				}
			}
		}
	}
	t.splitGroupStates[groupID] = gs
}

// groupStateForLocked resolves the arena for a driver's split group,
// falling back to the ungrouped arena in mixed-mode plans.
func (t *Task) groupStateForLocked(splitGroupID int, planNodeID physical.NodeID) *splitGroupState {
	if gs := t.splitGroupStates[splitGroupID]; gs != nil {
		if _, ok := gs.bridges[planNodeID]; ok {
			return gs
		}
		if _, ok := gs.localExchanges[planNodeID]; ok {
			return gs
		}
	}
	return t.splitGroupStates[UngroupedGroupID]
}

// GetHashJoinBridge returns the hash join bridge of a join node within a
// split group.
func (t *Task) GetHashJoinBridge(splitGroupID int, planNodeID physical.NodeID) (*HashJoinBridge, error) {
	bridge, err := t.getJoinBridge(splitGroupID, planNodeID)
	if err != nil {
		return nil, err
	}
	hb, ok := bridge.(*HashJoinBridge)
	if !ok {
		return nil, fmt.Errorf("bridge for node %q is not a hash join bridge", planNodeID)
	}
	return hb, nil
}

// GetNestedLoopJoinBridge returns the nested loop join bridge of a join
// node within a split group.
func (t *Task) GetNestedLoopJoinBridge(splitGroupID int, planNodeID physical.NodeID) (*NestedLoopJoinBridge, error) {
	bridge, err := t.getJoinBridge(splitGroupID, planNodeID)
	if err != nil {
		return nil, err
	}
	nb, ok := bridge.(*NestedLoopJoinBridge)
	if !ok {
		return nil, fmt.Errorf("bridge for node %q is not a nested loop join bridge", planNodeID)
	}
	return nb, nil
}

func (t *Task) getJoinBridge(splitGroupID int, planNodeID physical.NodeID) (JoinBridge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gs := t.groupStateForLocked(splitGroupID, planNodeID)
	if gs == nil {
		return nil, fmt.Errorf("no split group state for group %d", splitGroupID)
	}
	bridge, ok := gs.bridges[planNodeID]
	if !ok {
		return nil, fmt.Errorf("no join bridge for plan node %q in group %d", planNodeID, splitGroupID)
	}
	return bridge, nil
}

// GetLocalExchange returns the local exchange of a partition node within a
// split group.
func (t *Task) GetLocalExchange(splitGroupID int, planNodeID physical.NodeID) (*LocalExchange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gs := t.groupStateForLocked(splitGroupID, planNodeID)
	if gs == nil {
		return nil, fmt.Errorf("no split group state for group %d", splitGroupID)
	}
	ex, ok := gs.localExchanges[planNodeID]
	if !ok {
		return nil, fmt.Errorf("no local exchange for plan node %q in group %d", planNodeID, splitGroupID)
	}
	return ex, nil
}

// AllPeersFinished is the pipeline-local barrier used by blocking operators
// (hash builds): every peer driver of a plan node calls it when its input
// is exhausted. All but the last receive a future; the last receives true
// together with its peers and the promises it must fulfill once the merged
// state is published.
func (t *Task) AllPeersFinished(planNodeID physical.NodeID, caller *Driver, numPeers int) (bool, *future.Future, []*Driver, []*future.Promise, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminateRequested.Load() {
		return false, nil, nil, nil, fmt.Errorf("task %s terminating: %w", t.id, ErrTaskCanceled)
	}

	gs := t.splitGroupStates[caller.dctx.SplitGroupID]
	if gs == nil {
		gs = t.splitGroupStates[UngroupedGroupID]
	}
	if gs == nil {
		return false, nil, nil, nil, fmt.Errorf("no split group state for driver group %d", caller.dctx.SplitGroupID)
	}

	pg := gs.peerGroups[planNodeID]
	if pg == nil {
		pg = &peerGroup{}
		gs.peerGroups[planNodeID] = pg
	}

	pg.numRequested++
	if pg.numRequested == numPeers {
		peers, promises := pg.peers, pg.promises
		delete(gs.peerGroups, planNodeID)
		return true, nil, peers, promises, nil
	}
	if pg.numRequested > numPeers {
		return false, nil, nil, nil, fmt.Errorf(
			"plan node %q: %d peers reported finished, expected at most %d",
			planNodeID, pg.numRequested, numPeers)
	}

	pg.peers = append(pg.peers, caller)
	promise, f := future.Make(fmt.Sprintf("Task.AllPeersFinished %s", planNodeID))
	pg.promises = append(pg.promises, promise)
	return false, f, nil, nil, nil
}

// FindPeerOperators returns the operators implementing the same plan node
// as op across all drivers of the given pipeline.
func (t *Task) FindPeerOperators(pipelineID int, op Operator) []Operator {
	t.mu.Lock()
	defer t.mu.Unlock()

	var peers []Operator
	for _, d := range t.drivers {
		if d == nil || d.dctx.PipelineID != pipelineID {
			continue
		}
		for _, candidate := range d.operators {
			if candidate.PlanNodeID() == op.PlanNodeID() {
				peers = append(peers, candidate)
			}
		}
	}
	return peers
}
