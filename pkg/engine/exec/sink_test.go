package exec

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
)

func TestBufferedSinkLifecycle(t *testing.T) {
	var committed []arrow.Record
	sink := NewBufferedSink()
	sink.OnCommit = func(batches []arrow.Record) error {
		committed = batches
		return nil
	}
	require.Equal(t, SinkRunning, sink.State())

	require.NoError(t, sink.AppendData(makeBatch(t, 1, 2)))
	require.NoError(t, sink.AppendData(makeBatch(t, 3)))

	stats := sink.Stats()
	require.EqualValues(t, 2, stats.NumBatches)
	require.EqualValues(t, 3, stats.NumRows)
	require.Positive(t, stats.NumBytes)

	done, err := sink.Finish()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, SinkFinishing, sink.State())

	// Finish is idempotent while draining.
	done, err = sink.Finish()
	require.NoError(t, err)
	require.True(t, done)

	require.ErrorIs(t, sink.AppendData(makeBatch(t, 4)), ErrUnexpectedStateTransition)

	require.NoError(t, sink.Close())
	require.Equal(t, SinkClosed, sink.State())
	require.Len(t, committed, 2)
	for _, rec := range committed {
		rec.Release()
	}

	require.ErrorIs(t, sink.Close(), ErrUnexpectedStateTransition)
	require.ErrorIs(t, sink.Abort(), ErrUnexpectedStateTransition)

	_, err = sink.Finish()
	require.ErrorIs(t, err, ErrUnexpectedStateTransition)
}

func TestBufferedSinkCloseRequiresFinish(t *testing.T) {
	sink := NewBufferedSink()
	require.NoError(t, sink.AppendData(makeBatch(t, 1)))
	require.ErrorIs(t, sink.Close(), ErrUnexpectedStateTransition)
	require.NoError(t, sink.Abort())
}

func TestBufferedSinkAbortDiscards(t *testing.T) {
	sink := NewBufferedSink()
	sink.OnCommit = func([]arrow.Record) error {
		t.Fatal("aborted sink must not commit")
		return nil
	}
	require.NoError(t, sink.AppendData(makeBatch(t, 1)))

	require.NoError(t, sink.Abort())
	require.Equal(t, SinkAborted, sink.State())

	require.ErrorIs(t, sink.AppendData(makeBatch(t, 2)), ErrUnexpectedStateTransition)
	_, err := sink.Finish()
	require.ErrorIs(t, err, ErrUnexpectedStateTransition)
	require.ErrorIs(t, sink.Abort(), ErrUnexpectedStateTransition)
}
