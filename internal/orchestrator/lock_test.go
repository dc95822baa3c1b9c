package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/orchestrator"
)

const lockTTL = time.Minute

func TestLocalLockerMutualExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := orchestrator.NewLocker(ctx, "", discardLogger())

	release, acquired, err := locker.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	assert.False(t, again, "a held lock refuses a second holder")

	_, other, err := locker.Acquire(ctx, "lock:misc", lockTTL)
	require.NoError(t, err)
	assert.True(t, other, "distinct keys do not contend")

	release(ctx)
	release(ctx)

	_, reacquired, err := locker.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	assert.True(t, reacquired, "release frees the key; double release is harmless")
}

func TestNewLockerFallsBackWhenRedisUnreachable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Nothing listens on this port; the ping fails fast.
	locker := orchestrator.NewLocker(ctx, "127.0.0.1:1", discardLogger())

	release, acquired, err := locker.Acquire(ctx, "lock:misc", lockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := locker.Acquire(ctx, "lock:misc", lockTTL)
	require.NoError(t, err)
	assert.False(t, again, "the fallback still excludes concurrent holders")

	release(ctx)
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx := context.Background()
	locker := orchestrator.NewLocker(ctx, srv.Addr(), discardLogger())

	release, acquired, err := locker.Acquire(ctx, "lock:thumb-maintenance", lockTTL)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, srv.Exists("lock:thumb-maintenance"))

	_, again, err := locker.Acquire(ctx, "lock:thumb-maintenance", lockTTL)
	require.NoError(t, err)
	assert.False(t, again, "the key excludes a second holder across processes")

	release(ctx)
	assert.False(t, srv.Exists("lock:thumb-maintenance"), "release deletes the key")

	_, reacquired, err := locker.Acquire(ctx, "lock:thumb-maintenance", lockTTL)
	require.NoError(t, err)
	assert.True(t, reacquired)
}

func TestRedisLockerExpiryHandsOverOwnership(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx := context.Background()
	locker := orchestrator.NewLocker(ctx, srv.Addr(), discardLogger())

	staleRelease, acquired, err := locker.Acquire(ctx, "lock:hls-maintenance", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// The TTL lapses while the stale holder is still running.
	srv.FastForward(2 * time.Second)
	require.False(t, srv.Exists("lock:hls-maintenance"))

	_, taken, err := locker.Acquire(ctx, "lock:hls-maintenance", lockTTL)
	require.NoError(t, err)
	require.True(t, taken, "an expired lock is free for the next holder")

	// The stale holder finishing late must not free the new owner's lock.
	staleRelease(ctx)
	assert.True(t, srv.Exists("lock:hls-maintenance"),
		"compare-and-delete ignores a lock owned by someone else")
}

func TestRedisLockerTwoInstancesRace(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx := context.Background()

	a := orchestrator.NewLocker(ctx, srv.Addr(), discardLogger())
	b := orchestrator.NewLocker(ctx, srv.Addr(), discardLogger())

	releaseA, gotA, err := a.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	require.True(t, gotA)

	_, gotB, err := b.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	assert.False(t, gotB, "a second instance loses the race")

	releaseA(ctx)

	_, gotB, err = b.Acquire(ctx, "lock:index-maintenance", lockTTL)
	require.NoError(t, err)
	assert.True(t, gotB, "the second instance wins after release")
}
