package exec

import (
	"sync/atomic"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/physical"
)

// UngroupedGroupID is the split group ID used for all splits under ungrouped
// execution, and for ungrouped pipelines in mixed-mode plans.
const UngroupedGroupID = -1

// DataSource is the pre-opened reader attached to a connector split by
// speculative preloading. The storage implementation is external; the
// runtime only needs readiness and teardown.
type DataSource interface {
	// Ready reports whether the preload has finished and the split can be
	// consumed without waiting on I/O.
	Ready() bool

	// Close releases the preloaded resources without consuming the split.
	Close() error
}

// ConnectorSplit is a unit of input work produced by a connector split
// source.
type ConnectorSplit struct {
	// ConnectorID names the connector the split belongs to.
	ConnectorID string

	// Payload is opaque to the runtime and interpreted by the source
	// operator.
	Payload any

	// SplitWeight contributes to scheduling fairness accounting only.
	SplitWeight int64

	// dataSource is set by the preload goroutine while the split may be
	// inspected under the task lock, hence the atomic.
	dataSource atomic.Value // of DataSource
}

// SetDataSource attaches the preloaded reader. Called by the preload
// implementation, possibly concurrently with split queue inspection.
func (c *ConnectorSplit) SetDataSource(ds DataSource) {
	if ds != nil {
		c.dataSource.Store(ds)
	}
}

// DataSource returns the preloaded reader, or nil if preloading has not
// finished.
func (c *ConnectorSplit) DataSource() DataSource {
	ds, _ := c.dataSource.Load().(DataSource)
	return ds
}

// RemoteConnectorSplit is the payload of splits referencing the output of
// another task, consumed through an exchange client.
type RemoteConnectorSplit struct {
	// TaskID identifies the producing task.
	TaskID string
}

// SplitPreloadFunc starts asynchronous preloading of a connector split,
// eventually populating its DataSource.
type SplitPreloadFunc func(*ConnectorSplit)

// Split is the unit of work fed to a source operator. A split is either a
// connector split or a synthetic barrier marker.
type Split struct {
	Connector *ConnectorSplit

	// GroupID buckets the split under grouped execution. UngroupedGroupID
	// means the split belongs to the shared driver set.
	GroupID int

	barrier bool
}

// NewSplit wraps a connector split for ungrouped execution.
func NewSplit(connector *ConnectorSplit) Split {
	return Split{Connector: connector, GroupID: UngroupedGroupID}
}

// NewGroupedSplit wraps a connector split for a specific split group.
func NewGroupedSplit(connector *ConnectorSplit, groupID int) Split {
	return Split{Connector: connector, GroupID: groupID}
}

// newBarrierSplit creates the synthetic marker injected into every leaf
// split queue when a barrier starts.
func newBarrierSplit() Split {
	return Split{GroupID: UngroupedGroupID, barrier: true}
}

// IsBarrier reports whether the split is a barrier marker.
func (s Split) IsBarrier() bool { return s.barrier }

// HasGroup reports whether the split targets a specific split group.
func (s Split) HasGroup() bool { return s.GroupID != UngroupedGroupID }

// splitsStore is the per-group queue of pending splits for one source plan
// node. All fields are guarded by the task mutex.
type splitsStore struct {
	splits       []Split
	noMoreSplits bool
	// splitPromises wake drivers blocked in GetSplitOrFuture. Fulfilled
	// outside the task lock.
	splitPromises []*future.Promise
}

// takePromise pops one waiter promise to fulfill after the lock is
// released, or returns nil if nobody is waiting.
func (s *splitsStore) takePromise() *future.Promise {
	if len(s.splitPromises) == 0 {
		return nil
	}
	promise := s.splitPromises[len(s.splitPromises)-1]
	s.splitPromises = s.splitPromises[:len(s.splitPromises)-1]
	return promise
}

// takeAllPromises moves every waiter promise out for fulfillment outside
// the lock.
func (s *splitsStore) takeAllPromises(out []*future.Promise) []*future.Promise {
	out = append(out, s.splitPromises...)
	s.splitPromises = nil
	return out
}

// splitsState tracks split delivery for one source plan node across all
// split groups. Guarded by the task mutex.
type splitsState struct {
	planNodeID physical.NodeID

	// sourceIsTableScan distinguishes table-scan leaves (splittable,
	// barrier-capable) from exchange leaves.
	sourceIsTableScan bool

	// maxSequenceID drops duplicate splits delivered through
	// AddSplitWithSequence. Only non-increasing sequence IDs are dropped;
	// this is deduplication, not an ordering guarantee.
	maxSequenceID int64

	// noMoreSplits is one-way: once set it never reverts.
	noMoreSplits bool

	groupStores map[int]*splitsStore
}

func newSplitsState(id physical.NodeID, isTableScan bool) *splitsState {
	return &splitsState{
		planNodeID:        id,
		sourceIsTableScan: isTableScan,
		maxSequenceID:     -1,
		groupStores:       make(map[int]*splitsStore),
	}
}

func (s *splitsState) store(groupID int) *splitsStore {
	store, ok := s.groupStores[groupID]
	if !ok {
		store = &splitsStore{}
		s.groupStores[groupID] = store
	}
	return store
}
