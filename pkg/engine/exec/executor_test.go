package exec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	pool := NewPool(3)

	var (
		wg  sync.WaitGroup
		ran atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			ran.Inc()
		})
	}
	wg.Wait()
	require.EqualValues(t, 10, ran.Load())

	pool.Close()
	pool.Close() // idempotent

	// Submissions after close are dropped, not panicking.
	pool.Submit(func() { t.Error("work submitted after close must not run") })
}
