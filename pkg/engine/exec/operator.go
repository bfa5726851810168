package exec

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/quiverdb/quiver/pkg/engine/future"
	"github.com/quiverdb/quiver/pkg/engine/memory"
)

// BlockingReason tells the driver why an operator cannot make progress.
type BlockingReason int

const (
	// NotBlocked means the operator can run.
	NotBlocked BlockingReason = iota

	// BlockedWaitForSplit means a source operator is waiting for a split to
	// arrive through the task split queues.
	BlockedWaitForSplit

	// BlockedWaitForConsumer means a downstream party (local exchange
	// consumer, output buffer, task queue) is applying backpressure.
	BlockedWaitForConsumer

	// BlockedWaitForProducer means an upstream party has not produced data
	// yet (local exchange producer, exchange fetch).
	BlockedWaitForProducer

	// BlockedWaitForJoinBuild means a probe-side operator is waiting for
	// the build side to publish through the join bridge.
	BlockedWaitForJoinBuild

	// BlockedWaitForMemory means the operator is waiting for a memory
	// reservation to be satisfiable.
	BlockedWaitForMemory

	// BlockedYield means the operator voluntarily gives up its time slice.
	BlockedYield
)

func (r BlockingReason) String() string {
	switch r {
	case NotBlocked:
		return "not blocked"
	case BlockedWaitForSplit:
		return "wait for split"
	case BlockedWaitForConsumer:
		return "wait for consumer"
	case BlockedWaitForProducer:
		return "wait for producer"
	case BlockedWaitForJoinBuild:
		return "wait for join build"
	case BlockedWaitForMemory:
		return "wait for memory"
	case BlockedYield:
		return "yield"
	default:
		return fmt.Sprintf("BlockingReason(%d)", int(r))
	}
}

// Operator is one stage of a pipeline. Implementations live outside this
// module; the driver only relies on this contract.
//
// The driver guarantees single-threaded access: no two methods of the same
// operator instance run concurrently. Blocking is signalled through
// IsBlocked rather than by blocking inside a method.
type Operator interface {
	// OperatorID returns the operator's index within its pipeline.
	OperatorID() int

	// PlanNodeID returns the plan node this operator implements.
	PlanNodeID() string

	// Type returns the operator type name for diagnostics and stats.
	Type() string

	// IsBlocked reports whether the operator can make progress. A blocked
	// operator returns the reason and a future that completes when it
	// should be retried.
	IsBlocked() (BlockingReason, *future.Future)

	// NeedsInput reports whether AddInput may be called.
	NeedsInput() bool

	// AddInput hands the operator a batch. The operator takes over the
	// caller's reference.
	AddInput(arrow.Record)

	// NoMoreInput signals that AddInput will not be called again.
	NoMoreInput()

	// GetOutput returns the operator's next output batch, or nil if none is
	// available right now.
	GetOutput() (arrow.Record, error)

	// IsFinished reports whether the operator will never produce output
	// again.
	IsFinished() bool

	// Close releases the operator's resources. Called exactly once, off the
	// hot path, with no concurrent method calls.
	Close() error
}

// ReclaimableOperator is implemented by operators that can release memory on
// demand, typically by spilling.
type ReclaimableOperator interface {
	Operator

	// ReclaimableBytes returns how much the operator could release, and
	// whether it is currently reclaimable.
	ReclaimableBytes() (int64, bool)

	// Reclaim releases up to targetBytes, recording spill activity in
	// stats. The task is paused while this runs: no driver thread touches
	// the operator concurrently.
	Reclaim(targetBytes int64, stats *memory.Stats) (int64, error)
}

// SourceOperator is implemented by leaf operators fed by task splits.
type SourceOperator interface {
	Operator

	// Splittable reports whether the operator consumes splits from the
	// task split queues (table scans).
	Splittable() bool
}

// BarrierAwareOperator is implemented by source operators that participate
// in barrier checkpointing. DrainBarrier is invoked when the operator
// consumes a barrier marker split.
type BarrierAwareOperator interface {
	SourceOperator

	DrainBarrier()
}

// OperatorStats aggregates per-operator counters harvested when drivers
// close.
type OperatorStats struct {
	OperatorID   int
	PlanNodeID   string
	OperatorType string

	InputRows   int64
	InputBytes  int64
	OutputRows  int64
	OutputBytes int64

	BlockedWallTime map[BlockingReason]time.Duration

	NumSplits int64
}

func newOperatorStats(op Operator) OperatorStats {
	return OperatorStats{
		OperatorID:      op.OperatorID(),
		PlanNodeID:      op.PlanNodeID(),
		OperatorType:    op.Type(),
		BlockedWallTime: make(map[BlockingReason]time.Duration),
	}
}

// Add merges other into s.
func (s *OperatorStats) Add(other OperatorStats) {
	s.InputRows += other.InputRows
	s.InputBytes += other.InputBytes
	s.OutputRows += other.OutputRows
	s.OutputBytes += other.OutputBytes
	s.NumSplits += other.NumSplits
	if s.BlockedWallTime == nil {
		s.BlockedWallTime = make(map[BlockingReason]time.Duration)
	}
	for reason, d := range other.BlockedWallTime {
		s.BlockedWallTime[reason] += d
	}
}
