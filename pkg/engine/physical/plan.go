// Package physical holds the read-only representation of a physical plan
// fragment handed to task execution. It carries only what driver planning
// needs: node identity, node kind, and input edges. Building or optimizing
// plans is out of scope.
package physical

import (
	"fmt"
)

// NodeID identifies a plan node within a fragment.
type NodeID string

// Node is one operator site in the plan fragment tree.
type Node interface {
	ID() NodeID
	Name() string
	Inputs() []Node
}

// SourceNode is implemented by leaf nodes that consume splits.
type SourceNode interface {
	Node
	// Splittable reports whether the node is fed through the task split
	// queues (table scans). Exchange sources return false.
	Splittable() bool
}

type baseNode struct {
	id     NodeID
	inputs []Node
}

func (b baseNode) ID() NodeID     { return b.id }
func (b baseNode) Inputs() []Node { return b.inputs }

// TableScanNode reads splits supplied through the task.
type TableScanNode struct{ baseNode }

func NewTableScanNode(id NodeID) *TableScanNode {
	return &TableScanNode{baseNode{id: id}}
}

func (*TableScanNode) Name() string     { return "TableScan" }
func (*TableScanNode) Splittable() bool { return true }

// ValuesNode produces a fixed set of in-memory batches.
type ValuesNode struct{ baseNode }

func NewValuesNode(id NodeID) *ValuesNode { return &ValuesNode{baseNode{id: id}} }

func (*ValuesNode) Name() string     { return "Values" }
func (*ValuesNode) Splittable() bool { return false }

// ExchangeNode consumes batches fetched from remote tasks.
type ExchangeNode struct{ baseNode }

func NewExchangeNode(id NodeID) *ExchangeNode { return &ExchangeNode{baseNode{id: id}} }

func (*ExchangeNode) Name() string     { return "Exchange" }
func (*ExchangeNode) Splittable() bool { return false }

// FilterNode drops rows not matching a predicate. The predicate itself lives
// in the operator implementation.
type FilterNode struct{ baseNode }

func NewFilterNode(id NodeID, input Node) *FilterNode {
	return &FilterNode{baseNode{id: id, inputs: []Node{input}}}
}

func (*FilterNode) Name() string { return "Filter" }

// ProjectNode computes output columns from input columns.
type ProjectNode struct{ baseNode }

func NewProjectNode(id NodeID, input Node) *ProjectNode {
	return &ProjectNode{baseNode{id: id, inputs: []Node{input}}}
}

func (*ProjectNode) Name() string { return "Project" }

// OrderByNode sorts its input; its operator is typically spillable.
type OrderByNode struct{ baseNode }

func NewOrderByNode(id NodeID, input Node) *OrderByNode {
	return &OrderByNode{baseNode{id: id, inputs: []Node{input}}}
}

func (*OrderByNode) Name() string { return "OrderBy" }

// HashJoinNode joins a probe input (index 0) against a built hash table
// (index 1). The build side runs in its own pipeline and hands the table
// over through a join bridge.
type HashJoinNode struct{ baseNode }

func NewHashJoinNode(id NodeID, probe, build Node) *HashJoinNode {
	return &HashJoinNode{baseNode{id: id, inputs: []Node{probe, build}}}
}

func (*HashJoinNode) Name() string { return "HashJoin" }

// Probe returns the probe-side input.
func (n *HashJoinNode) Probe() Node { return n.inputs[0] }

// Build returns the build-side input.
func (n *HashJoinNode) Build() Node { return n.inputs[1] }

// NestedLoopJoinNode joins without a hash table; the build side is still
// collected once and handed over through a bridge.
type NestedLoopJoinNode struct{ baseNode }

func NewNestedLoopJoinNode(id NodeID, probe, build Node) *NestedLoopJoinNode {
	return &NestedLoopJoinNode{baseNode{id: id, inputs: []Node{probe, build}}}
}

func (*NestedLoopJoinNode) Name() string { return "NestedLoopJoin" }

func (n *NestedLoopJoinNode) Probe() Node { return n.inputs[0] }
func (n *NestedLoopJoinNode) Build() Node { return n.inputs[1] }

// LocalPartitionNode repartitions batches between pipelines of the same
// task through local exchange queues.
type LocalPartitionNode struct {
	baseNode
	numPartitions int
}

func NewLocalPartitionNode(id NodeID, numPartitions int, input Node) *LocalPartitionNode {
	return &LocalPartitionNode{
		baseNode:      baseNode{id: id, inputs: []Node{input}},
		numPartitions: numPartitions,
	}
}

func (*LocalPartitionNode) Name() string { return "LocalPartition" }

// NumPartitions returns the number of consumer partitions.
func (n *LocalPartitionNode) NumPartitions() int { return n.numPartitions }

// PartitionedOutputNode hands batches to the output buffer manager for
// consumption by downstream tasks.
type PartitionedOutputNode struct {
	baseNode
	numPartitions int
}

func NewPartitionedOutputNode(id NodeID, numPartitions int, input Node) *PartitionedOutputNode {
	return &PartitionedOutputNode{
		baseNode:      baseNode{id: id, inputs: []Node{input}},
		numPartitions: numPartitions,
	}
}

func (*PartitionedOutputNode) Name() string { return "PartitionedOutput" }

func (n *PartitionedOutputNode) NumPartitions() int { return n.numPartitions }

// ExecutionStrategy selects how splits are distributed across drivers.
type ExecutionStrategy int

const (
	// Ungrouped runs all splits through one shared driver set.
	Ungrouped ExecutionStrategy = iota

	// Grouped buckets splits into split groups, each processed by its own
	// driver set.
	Grouped
)

func (s ExecutionStrategy) String() string {
	switch s {
	case Ungrouped:
		return "ungrouped"
	case Grouped:
		return "grouped"
	default:
		return fmt.Sprintf("ExecutionStrategy(%d)", int(s))
	}
}

// Fragment is the slice of a distributed plan that one task executes.
type Fragment struct {
	Root           Node
	Strategy       ExecutionStrategy
	NumSplitGroups int
	GroupedLeafIDs map[NodeID]struct{}
}

// NewFragment builds an ungrouped fragment rooted at root.
func NewFragment(root Node) Fragment {
	return Fragment{Root: root}
}

// IsGroupedExecution reports whether the fragment buckets splits into
// groups.
func (f Fragment) IsGroupedExecution() bool { return f.Strategy == Grouped }

// LeafRunsGroupedExecution reports whether a leaf node's splits arrive
// bucketed by split group.
func (f Fragment) LeafRunsGroupedExecution(id NodeID) bool {
	_, ok := f.GroupedLeafIDs[id]
	return ok
}

// LeafNodes returns the fragment's leaves in depth-first order.
func (f Fragment) LeafNodes() []Node {
	var leaves []Node
	var walk func(Node)
	walk = func(n Node) {
		inputs := n.Inputs()
		if len(inputs) == 0 {
			leaves = append(leaves, n)
			return
		}
		for _, in := range inputs {
			walk(in)
		}
	}
	if f.Root != nil {
		walk(f.Root)
	}
	return leaves
}

// Validate checks fragment-level user errors: a missing root, duplicate
// plan-node IDs, and grouped-execution leaf declarations that do not match
// the tree.
func (f Fragment) Validate() error {
	if f.Root == nil {
		return fmt.Errorf("plan fragment has no root node")
	}

	seen := make(map[NodeID]struct{})
	var walk func(Node) error
	walk = func(n Node) error {
		if _, dup := seen[n.ID()]; dup {
			return fmt.Errorf("duplicate plan node ID %q", n.ID())
		}
		seen[n.ID()] = struct{}{}
		for _, in := range n.Inputs() {
			if err := walk(in); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(f.Root); err != nil {
		return err
	}

	if f.IsGroupedExecution() {
		if len(f.GroupedLeafIDs) == 0 {
			return fmt.Errorf("grouped execution requires at least one grouped leaf node")
		}
		leaves := make(map[NodeID]struct{})
		for _, leaf := range f.LeafNodes() {
			leaves[leaf.ID()] = struct{}{}
		}
		for id := range f.GroupedLeafIDs {
			if _, ok := leaves[id]; !ok {
				return fmt.Errorf("grouped execution leaf node %q is not a leaf of the fragment", id)
			}
		}
	} else if len(f.GroupedLeafIDs) > 0 {
		return fmt.Errorf("grouped leaf nodes declared on an ungrouped fragment")
	}
	return nil
}
