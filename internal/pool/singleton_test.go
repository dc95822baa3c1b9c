package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/pool"
)

const testIdleTimeout = 50 * time.Millisecond

func newTestSingleton(t *testing.T, handler pool.Handler) *pool.Singleton {
	t.Helper()

	s := pool.NewSingleton(pool.SingletonOptions{
		Name:         "video",
		Handler:      handler,
		IdleTimeout:  testIdleTimeout,
		DrainTimeout: time.Second,
		Logger:       discardLogger(),
	})
	s.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = s.Stop(ctx)
	})

	return s
}

func TestSingletonStartsOnFirstSubmit(t *testing.T) {
	t.Parallel()

	s := newTestSingleton(t, echoHandler)

	assert.False(t, s.Running())

	future, err := s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "v.mp4"})
	require.NoError(t, err)
	assert.True(t, s.Running())

	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v.mp4", result.Payload)
}

func TestSingletonSubmitBeforeStart(t *testing.T) {
	t.Parallel()

	s := pool.NewSingleton(pool.SingletonOptions{
		Name:        "video",
		Handler:     echoHandler,
		IdleTimeout: testIdleTimeout,
		Logger:      discardLogger(),
	})

	_, err := s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "early.mp4"})
	require.Error(t, err)
	assert.Equal(t, faults.KindUnavailable, faults.KindOf(err))
}

func TestSingletonStopsWhenIdle(t *testing.T) {
	t.Parallel()

	s := newTestSingleton(t, echoHandler)

	future, err := s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "v.mp4"})
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !s.Running()
	}, waitFor, pollTick)
}

func TestSingletonRespawnsAfterIdleStop(t *testing.T) {
	t.Parallel()

	s := newTestSingleton(t, echoHandler)

	future, err := s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "first.mp4"})
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !s.Running()
	}, waitFor, pollTick)

	// A later submit wakes a fresh worker.
	future, err = s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "second.mp4"})
	require.NoError(t, err)

	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second.mp4", result.Payload)
}

func TestSingletonAcquireBlocksIdleStop(t *testing.T) {
	t.Parallel()

	s := newTestSingleton(t, echoHandler)

	s.Acquire()

	future, err := s.Submit(pool.Task{Kind: pool.KindHLS, RelPath: "held.mp4"})
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	require.NoError(t, err)

	// Well past the idle timeout the held pool must still be alive.
	time.Sleep(4 * testIdleTimeout)
	assert.True(t, s.Running())

	s.Release()

	require.Eventually(t, func() bool {
		return !s.Running()
	}, waitFor, pollTick)
}
