package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompleteOnce(t *testing.T) {
	promise, f := Make("test")
	require.False(t, f.Done())

	promise.Complete()
	require.True(t, f.Done())
	require.NoError(t, f.Err())

	// Only the first completion takes effect.
	promise.Fail(errors.New("too late"))
	require.NoError(t, f.Err())
}

func TestFailCarriesError(t *testing.T) {
	promise, f := Make("test")
	want := errors.New("boom")
	promise.Fail(want)

	require.True(t, f.Done())
	require.ErrorIs(t, f.Err(), want)
	require.ErrorIs(t, f.Wait(context.Background()), want)
}

func TestOnCompleteRunsInlineWhenDone(t *testing.T) {
	promise, f := Make("test")
	promise.Complete()

	var ran bool
	f.OnComplete(func(error) { ran = true })
	require.True(t, ran, "continuation must run inline on an already completed future")
}

func TestOnCompleteRunsOnCompletingGoroutine(t *testing.T) {
	promise, f := Make("test")

	ch := make(chan error, 1)
	f.OnComplete(func(err error) { ch <- err })

	go promise.Complete()

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestWaitContextCanceled(t *testing.T) {
	_, f := Make("test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Wait(ctx), context.Canceled)
}

func TestWaitFor(t *testing.T) {
	promise, f := Make("test")
	require.False(t, f.WaitFor(10*time.Millisecond))

	promise.Complete()
	require.True(t, f.WaitFor(10*time.Millisecond))
}

func TestAll(t *testing.T) {
	p1, f1 := Make("a")
	p2, f2 := Make("b")

	combined := All("all", f1, f2)
	require.False(t, combined.Done())

	p1.Complete()
	require.False(t, combined.Done())

	p2.Complete()
	require.True(t, combined.Done())
	require.NoError(t, combined.Err())
}

func TestAllFirstErrorWins(t *testing.T) {
	p1, f1 := Make("a")
	p2, f2 := Make("b")

	combined := All("all", f1, f2)

	first := errors.New("first")
	p1.Fail(first)
	p2.Fail(errors.New("second"))

	require.True(t, combined.Done())
	require.ErrorIs(t, combined.Err(), first)
}

func TestAny(t *testing.T) {
	p1, f1 := Make("a")
	_, f2 := Make("b")

	combined := Any("any", f1, f2)
	require.False(t, combined.Done())

	p1.Complete()
	require.True(t, combined.Done())
}

func TestAnyEmpty(t *testing.T) {
	require.True(t, Any("empty").Done())
	require.True(t, All("empty").Done())
}

func TestConcurrentWaiters(t *testing.T) {
	promise, f := Make("test")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.Wait(context.Background()))
		}()
	}

	promise.Complete()
	wg.Wait()
}
