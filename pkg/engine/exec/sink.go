package exec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/util"
)

// ErrUnexpectedStateTransition is wrapped by sink lifecycle violations:
// appending after finish, double close, or closing an aborted sink.
var ErrUnexpectedStateTransition = errors.New("unexpected state transition")

// SinkState is the lifecycle state of a data sink.
type SinkState int

const (
	// SinkRunning accepts data.
	SinkRunning SinkState = iota

	// SinkFinishing drains buffered data; no new appends.
	SinkFinishing

	// SinkClosed committed its data.
	SinkClosed

	// SinkAborted discarded its data.
	SinkAborted
)

func (s SinkState) String() string {
	switch s {
	case SinkRunning:
		return "Running"
	case SinkFinishing:
		return "Finishing"
	case SinkClosed:
		return "Closed"
	case SinkAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("SinkState(%d)", int(s))
	}
}

// SinkStats summarizes what a sink received.
type SinkStats struct {
	NumRows      int64
	NumBytes     int64
	NumBatches   int64
	SpilledBytes int64
}

// DataSink receives the final output of a pipeline, typically to persist
// it. The lifecycle is one-way: Running → Finishing → Closed, or → Aborted
// from any non-terminal state. Violations fail loudly rather than corrupt
// the target.
type DataSink interface {
	// AppendData adds a batch, taking over the reference.
	AppendData(rec arrow.Record) error

	// Finish flushes incrementally; it returns true once all buffered data
	// has been drained and Close may commit.
	Finish() (bool, error)

	// Close commits. Only legal after Finish reported done.
	Close() error

	// Abort discards everything. Legal from any non-terminal state.
	Abort() error

	// Stats reports what the sink received so far.
	Stats() SinkStats
}

// BufferedSink is an in-memory DataSink used by tests and single-process
// pipelines; committed batches are handed to an optional commit callback.
type BufferedSink struct {
	mu      sync.Mutex
	state   SinkState
	batches []arrow.Record
	stats   SinkStats

	// OnCommit, when set, receives the buffered batches at Close and takes
	// over their references.
	OnCommit func([]arrow.Record) error
}

var _ DataSink = (*BufferedSink)(nil)

// NewBufferedSink creates a sink in the Running state.
func NewBufferedSink() *BufferedSink { return &BufferedSink{} }

// State returns the sink's lifecycle state.
func (s *BufferedSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AppendData implements DataSink.
func (s *BufferedSink) AppendData(rec arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SinkRunning {
		rec.Release()
		return fmt.Errorf("%w: append on %s sink", ErrUnexpectedStateTransition, s.state)
	}
	s.batches = append(s.batches, rec)
	s.stats.NumBatches++
	s.stats.NumRows += rec.NumRows()
	s.stats.NumBytes += util.TotalRecordSize(rec)
	return nil
}

// Finish implements DataSink. The in-memory sink has nothing incremental to
// drain, so the first call completes the transition.
func (s *BufferedSink) Finish() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SinkRunning, SinkFinishing:
		s.state = SinkFinishing
		return true, nil
	default:
		return false, fmt.Errorf("%w: finish on %s sink", ErrUnexpectedStateTransition, s.state)
	}
}

// Close implements DataSink.
func (s *BufferedSink) Close() error {
	s.mu.Lock()
	if s.state != SinkFinishing {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: close on %s sink, expected %s", ErrUnexpectedStateTransition, state, SinkFinishing)
	}
	s.state = SinkClosed
	batches := s.batches
	s.batches = nil
	commit := s.OnCommit
	s.mu.Unlock()

	if commit != nil {
		return commit(batches)
	}
	for _, rec := range batches {
		rec.Release()
	}
	return nil
}

// Abort implements DataSink.
func (s *BufferedSink) Abort() error {
	s.mu.Lock()
	if s.state == SinkClosed || s.state == SinkAborted {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: abort on %s sink", ErrUnexpectedStateTransition, state)
	}
	s.state = SinkAborted
	batches := s.batches
	s.batches = nil
	s.mu.Unlock()

	for _, rec := range batches {
		rec.Release()
	}
	return nil
}

// Stats implements DataSink.
func (s *BufferedSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
