package exec

import (
	"time"
)

// DriverStats is harvested from a driver when it closes.
type DriverStats struct {
	DriverID     int
	PipelineID   int
	SplitGroupID int

	ExecTime       time.Duration
	TotalPauseTime time.Duration
	BlockedTime    time.Duration
}

// PipelineStats aggregates the operators and drivers of one pipeline.
type PipelineStats struct {
	InputPipeline  bool
	OutputPipeline bool

	OperatorStats []OperatorStats
	DriverStats   []DriverStats
}

// TaskStats is the task-level counter block. A copy is returned by
// Task.TaskStats; the live struct is guarded by the task mutex.
type TaskStats struct {
	CreateTime         time.Time
	FirstSplitStart    time.Time
	LastSplitStart     time.Time
	ExecutionStartTime time.Time
	ExecutionEndTime   time.Time
	TerminationTime    time.Time
	EndTime            time.Time

	NumTotalSplits    int
	NumQueuedSplits   int
	NumRunningSplits  int
	NumFinishedSplits int

	NumQueuedTableScanSplits     int
	NumRunningTableScanSplits    int
	QueuedTableScanSplitWeights  int64
	RunningTableScanSplitWeights int64

	NumBarriers        int
	MemoryReclaimCount int
	MemoryReclaimTime  time.Duration

	CompletedSplitGroups map[int]struct{}

	PipelineStats []PipelineStats
}

func newTaskStats() TaskStats {
	return TaskStats{
		CreateTime:           time.Now(),
		CompletedSplitGroups: make(map[int]struct{}),
	}
}

// clone returns a deep-enough copy safe to hand to callers outside the task
// mutex.
func (s TaskStats) clone() TaskStats {
	out := s
	out.CompletedSplitGroups = make(map[int]struct{}, len(s.CompletedSplitGroups))
	for g := range s.CompletedSplitGroups {
		out.CompletedSplitGroups[g] = struct{}{}
	}
	out.PipelineStats = make([]PipelineStats, len(s.PipelineStats))
	for i, p := range s.PipelineStats {
		cp := p
		cp.OperatorStats = append([]OperatorStats(nil), p.OperatorStats...)
		cp.DriverStats = append([]DriverStats(nil), p.DriverStats...)
		out.PipelineStats[i] = cp
	}
	return out
}

// DriverCounts breaks down the task's drivers by state at one instant.
type DriverCounts struct {
	OnThread      int
	Enqueued      int
	Blocked       map[BlockingReason]int
	Suspended     int
	OffThreadIdle int
}
