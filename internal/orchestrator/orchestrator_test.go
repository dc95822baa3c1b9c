package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/orchestrator"
	"github.com/stillframe/shoebox/internal/sched"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// allowSwitch is a budget source tests can flip while the loop runs.
type allowSwitch struct {
	allow atomic.Bool
}

func (s *allowSwitch) budget() sched.Budget {
	return sched.Budget{AllowHeavyTasks: s.allow.Load()}
}

func newOrch(t *testing.T, budget func() sched.Budget) *orchestrator.Orchestrator {
	t.Helper()

	o := orchestrator.New(orchestrator.Options{
		Budget:       budget,
		Locker:       orchestrator.NewLocker(context.Background(), "", discardLogger()),
		TickInterval: 2 * time.Millisecond,
		Logger:       discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		o.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("orchestrator did not stop")
		}
	})

	return o
}

func alwaysAllow() sched.Budget {
	return sched.Budget{AllowHeavyTasks: true}
}

func TestOneShotRunsOnceAndRetires(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	var runs atomic.Int64

	o.RunWhenIdle("once", func(context.Context) error {
		runs.Add(1)

		return nil
	}, orchestrator.TaskOptions{})

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, waitFor, pollTick)

	require.Eventually(t, func() bool {
		return len(o.Tasks()) == 0
	}, waitFor, pollTick, "a completed one-shot leaves the registry")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "a one-shot runs exactly once")
}

func TestStartDelayDefersFirstRun(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	var runs atomic.Int64

	o.RunWhenIdle("delayed", func(context.Context) error {
		runs.Add(1)

		return nil
	}, orchestrator.TaskOptions{StartDelay: 80 * time.Millisecond})

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, runs.Load(), "nothing runs before the start delay")

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, waitFor, pollTick)
}

func TestPeriodicTaskKeepsItsCadence(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	var runs atomic.Int64

	o.RunWhenIdle("periodic", func(context.Context) error {
		runs.Add(1)

		return nil
	}, orchestrator.TaskOptions{Every: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, waitFor, pollTick)

	infos := o.Tasks()
	require.Len(t, infos, 1, "periodic tasks stay registered")
	assert.Equal(t, "periodic", infos[0].Name)
}

func TestBudgetGateDefersHeavyTasks(t *testing.T) {
	t.Parallel()

	sw := &allowSwitch{}
	o := newOrch(t, sw.budget)

	var runs atomic.Int64

	o.RunWhenIdle("gated", func(context.Context) error {
		runs.Add(1)

		return nil
	}, orchestrator.TaskOptions{RetryInterval: 5 * time.Millisecond})

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, runs.Load(), "nothing dispatches while the budget refuses")

	sw.allow.Store(true)

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, waitFor, pollTick, "the deferred task runs once pressure clears")
}

func TestCategoryLockSerializesTasks(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	holdersDone := make(chan struct{})

	var first, second atomic.Bool

	o.RunWhenIdle("holder", func(ctx context.Context) error {
		first.Store(true)

		select {
		case <-holdersDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, orchestrator.TaskOptions{Category: orchestrator.CategoryThumb, RetryInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		return first.Load()
	}, waitFor, pollTick)

	o.RunWhenIdle("blocked", func(context.Context) error {
		second.Store(true)

		return nil
	}, orchestrator.TaskOptions{Category: orchestrator.CategoryThumb, RetryInterval: 5 * time.Millisecond})

	time.Sleep(60 * time.Millisecond)
	assert.False(t, second.Load(), "same-category tasks wait for the lock")

	close(holdersDone)

	require.Eventually(t, func() bool {
		return second.Load()
	}, waitFor, pollTick, "the lock frees when the holder finishes")
}

func TestDistinctCategoriesRunConcurrently(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	release := make(chan struct{})

	var holderRunning, other atomic.Bool

	o.RunWhenIdle("holder", func(ctx context.Context) error {
		holderRunning.Store(true)

		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, orchestrator.TaskOptions{Category: orchestrator.CategoryIndex})

	o.RunWhenIdle("other", func(context.Context) error {
		other.Store(true)

		return nil
	}, orchestrator.TaskOptions{Category: orchestrator.CategoryHLS})

	require.Eventually(t, func() bool {
		return holderRunning.Load() && other.Load()
	}, waitFor, pollTick, "different categories do not contend")

	close(release)
}

func TestFailingOneShotRetriesThenDrops(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	var runs atomic.Int64

	o.RunWhenIdle("doomed", func(context.Context) error {
		runs.Add(1)

		return faults.New(faults.KindExternal, "", "tool exploded")
	}, orchestrator.TaskOptions{RetryInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		return runs.Load() == 3 && len(o.Tasks()) == 0
	}, waitFor, pollTick, "three straight failures retire a one-shot")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(3), runs.Load())
}

func TestPauseStopsDispatch(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)
	o.Pause()

	var runs atomic.Int64

	o.RunWhenIdle("paused", func(context.Context) error {
		runs.Add(1)

		return nil
	}, orchestrator.TaskOptions{})

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, runs.Load(), "a paused orchestrator dispatches nothing")

	o.Resume()

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, waitFor, pollTick)
}

func TestTaskPanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	var runs atomic.Int64

	o.RunWhenIdle("panicky", func(context.Context) error {
		runs.Add(1)
		panic("maintenance went sideways")
	}, orchestrator.TaskOptions{RetryInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		return runs.Load() == 3 && len(o.Tasks()) == 0
	}, waitFor, pollTick, "panics are contained and counted like failures")
}

func TestTaskTimeoutCutsLongRuns(t *testing.T) {
	t.Parallel()

	o := newOrch(t, alwaysAllow)

	finished := make(chan error, 1)

	o.RunWhenIdle("slow", func(ctx context.Context) error {
		<-ctx.Done()
		finished <- ctx.Err()

		return ctx.Err()
	}, orchestrator.TaskOptions{Timeout: 30 * time.Millisecond, RetryInterval: time.Hour})

	select {
	case err := <-finished:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(waitFor):
		t.Fatal("task never hit its deadline")
	}
}

func TestRegisterBuiltinsHonorsDisableFlag(t *testing.T) {
	t.Parallel()

	names := func(o *orchestrator.Orchestrator) []string {
		infos := o.Tasks()
		out := make([]string, 0, len(infos))

		for _, info := range infos {
			out = append(out, info.Name)
		}

		return out
	}

	cfg := &config.Config{}
	cfg.Normalize()

	enabled := orchestrator.New(orchestrator.Options{Budget: alwaysAllow, Logger: discardLogger()})
	enabled.RegisterBuiltins(orchestrator.Builtins{Config: cfg, Logger: discardLogger()})
	assert.Contains(t, names(enabled), orchestrator.TaskIndexRebuild)
	assert.Contains(t, names(enabled), orchestrator.TaskDBMaintenance)

	cfg2 := &config.Config{DisableStartupIndex: true}
	cfg2.Normalize()

	disabled := orchestrator.New(orchestrator.Options{Budget: alwaysAllow, Logger: discardLogger()})
	disabled.RegisterBuiltins(orchestrator.Builtins{Config: cfg2, Logger: discardLogger()})
	assert.NotContains(t, names(disabled), orchestrator.TaskIndexRebuild)
	assert.Contains(t, names(disabled), orchestrator.TaskBackfill)
}
