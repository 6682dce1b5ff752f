package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/promptmesh/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRun_ReturnsValue(t *testing.T) {
	l := New()
	defer l.Close()

	v, err := Run(context.Background(), l, func(ctx context.Context) (int, error) {
		assert.True(t, OnLoop(ctx))
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, OnLoop(context.Background()))
}

func TestRun_Reentrant(t *testing.T) {
	l := New()
	defer l.Close()

	v, err := Run(context.Background(), l, func(ctx context.Context) (string, error) {
		// A nested call with the loop's context must not deadlock.
		return Run(ctx, l, func(ctx context.Context) (string, error) {
			return "inner", nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "inner", v)
}

func TestRun_ErrorAndPanic(t *testing.T) {
	logs := &testutil.LogRecorder{}
	l := New(func(o *Options) { o.Logger = logs })
	defer l.Close()

	boom := errors.New("boom")
	v, err := Run(context.Background(), l, func(ctx context.Context) (int, error) {
		return 7, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v, "failed jobs yield the zero value")

	v, err = Run(context.Background(), l, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Zero(t, v)

	assert.True(t, logs.Contains("loop job failed: boom"))
	assert.True(t, logs.Contains("loop job panicked: kaboom"))

	// The loop keeps serving after a panic.
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRun_SerialExecution(t *testing.T) {
	l := New()
	defer l.Close()

	counter := 0
	inFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				inFlight++
				assert.Equal(t, 1, inFlight)
				counter++
				inFlight--
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestRun_FIFO(t *testing.T) {
	l := New()
	defer l.Close()

	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Go(func(ctx context.Context) { order = append(order, i) }))
	}

	err := l.Do(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestRun_CallerContextCancelled(t *testing.T) {
	l := New()
	defer l.Close()

	release := make(chan struct{})
	require.NoError(t, l.Go(func(ctx context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
	assert.False(t, ran, "jobs of departed callers are skipped")
}

func TestClose(t *testing.T) {
	l := New()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Go(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Do(context.Background(), func(ctx context.Context) error { return nil })
	}()

	testutil.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue) == 1
	}, "job queued")

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	testutil.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.closed
	}, "loop marked closed")

	close(release)
	<-closed

	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.ErrorIs(t, l.Go(func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, l.Do(context.Background(), func(context.Context) error { return nil }), ErrClosed)

	l.Close() // idempotent
}
