// Package orchestrator schedules background maintenance against the idle
// capacity of the host. A single loop owns a named task registry; each due
// task is gated on the resource budget, serialized through a per-category
// advisory lock, and run on a disposable worker under a hard deadline.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/internal/sched"
	"github.com/stillframe/shoebox/pkg/observability"
)

// Category groups maintenance tasks that must not run concurrently.
type Category string

// Maintenance categories. Tasks within one category are mutually
// exclusive; distinct categories run side by side unless GlobalLock is set.
const (
	CategoryIndex Category = "index-maintenance"
	CategoryThumb Category = "thumb-maintenance"
	CategoryHLS   Category = "hls-maintenance"
	CategoryMisc  Category = "misc"
)

const (
	// DefaultTickInterval is how often the loop looks for due tasks.
	DefaultTickInterval = time.Second

	// DefaultRetryInterval reschedules a task refused by the budget or the
	// lock when the registration left the knob unset.
	DefaultRetryInterval = time.Minute

	// DefaultLockTTL bounds an advisory lock whose registration left the
	// knob unset, matching the index maintenance default.
	DefaultLockTTL = 30 * time.Minute

	// maxConsecutiveFailures is how many failed runs in a row a task gets
	// before a one-shot is dropped and a periodic falls back to its cadence.
	maxConsecutiveFailures = 3

	// globalLockKey is the single key all categories contend on when
	// GlobalLock is set.
	globalLockKey = "lock:maintenance"
)

// TaskFunc is one maintenance run. It must honor ctx; the orchestrator
// additionally races it against the registered timeout.
type TaskFunc func(ctx context.Context) error

// TaskOptions tune one registered task.
type TaskOptions struct {
	// StartDelay postpones the first attempt after registration.
	StartDelay time.Duration

	// RetryInterval reschedules an attempt refused by the budget gate, a
	// held lock, or a failed run.
	RetryInterval time.Duration

	// Timeout is the hard deadline for one run. Zero means the disposable
	// worker default of 20 minutes.
	Timeout time.Duration

	// LockTTL bounds the advisory lock; a crashed holder frees it after
	// this long.
	LockTTL time.Duration

	// Every reschedules completed runs at this cadence. Zero makes the
	// task one-shot: it is removed after a completed run.
	Every time.Duration

	// Category selects the advisory lock the task contends on.
	Category Category
}

// Options configure an Orchestrator.
type Options struct {
	// Budget returns the current resource snapshot; heavy maintenance only
	// dispatches while it admits heavy tasks.
	Budget func() sched.Budget

	// Locker grants the per-category advisory locks.
	Locker Locker

	// GlobalLock collapses every category onto one lock so at most one
	// maintenance task runs at a time across the deployment.
	GlobalLock bool

	// TickInterval overrides the loop cadence when positive.
	TickInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.CoreMetrics
}

// TaskInfo is a point-in-time view of one registered task.
type TaskInfo struct {
	Name      string    `json:"name"`
	Category  Category  `json:"category"`
	NextRun   time.Time `json:"nextRun"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	LastError string    `json:"lastError,omitempty"`
}

type task struct {
	name string
	fn   TaskFunc
	opts TaskOptions

	nextRun  time.Time
	running  bool
	runs     int64
	failures int
	lastErr  string
}

// Orchestrator owns the maintenance registry and its dispatch loop.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	tasks  map[string]*task
	paused bool

	wg sync.WaitGroup
}

// New builds an Orchestrator. Run must be called for tasks to dispatch.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	return &Orchestrator{
		opts:   opts,
		logger: logger.With(slog.String("component", "orchestrator")),
		tick:   tick,
		now:    time.Now,
		tasks:  map[string]*task{},
	}
}

// RunWhenIdle registers or replaces a named task. The first attempt happens
// StartDelay from now; a replacement resets the schedule and takes effect
// even while the previous registration is mid-run.
func (o *Orchestrator) RunWhenIdle(name string, fn TaskFunc, opts TaskOptions) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}

	if opts.Category == "" {
		opts.Category = CategoryMisc
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tasks[name] = &task{
		name:    name,
		fn:      fn,
		opts:    opts,
		nextRun: o.now().Add(opts.StartDelay),
	}

	o.logger.Debug("task registered",
		slog.String("task", name),
		slog.String("category", string(opts.Category)),
		slog.Duration("start_delay", opts.StartDelay),
	)
}

// Remove drops a task from the registry. An in-flight run finishes but its
// outcome no longer reschedules anything.
func (o *Orchestrator) Remove(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.tasks, name)
}

// Pause stops dispatching new runs until Resume. In-flight runs continue.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.paused = true
}

// Resume re-enables dispatch after Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.paused = false
}

// Tasks returns the registry snapshot sorted by name.
func (o *Orchestrator) Tasks() []TaskInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]TaskInfo, 0, len(o.tasks))

	for _, t := range o.tasks {
		infos = append(infos, TaskInfo{
			Name:      t.name,
			Category:  t.opts.Category,
			NextRun:   t.nextRun,
			Running:   t.running,
			Runs:      t.runs,
			LastError: t.lastErr,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// Run dispatches due tasks every tick until ctx is cancelled, then waits
// for in-flight runs to unwind before returning.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()

			return
		case <-ticker.C:
			o.dispatchDue(ctx)
		}
	}
}

// dispatchDue starts every due task that passes the budget gate and wins
// its category lock. Refusals reschedule at the task's retry interval.
func (o *Orchestrator) dispatchDue(ctx context.Context) {
	now := o.now()
	due := o.collectDue(now)

	if len(due) == 0 {
		return
	}

	budget := o.opts.Budget()

	for _, t := range due {
		if !budget.AllowHeavyTasks {
			o.reschedule(t, now.Add(t.opts.RetryInterval))

			o.logger.Debug("task deferred by budget", slog.String("task", t.name))

			continue
		}

		release, acquired, err := o.opts.Locker.Acquire(ctx, o.lockKey(t.opts.Category), t.opts.LockTTL)
		if err != nil {
			o.reschedule(t, now.Add(t.opts.RetryInterval))

			o.logger.Warn("lock acquire failed",
				slog.String("task", t.name),
				slog.Any("error", err),
			)

			continue
		}

		if !acquired {
			o.reschedule(t, now.Add(t.opts.RetryInterval))

			continue
		}

		o.markRunning(t)
		o.wg.Add(1)

		go o.execute(ctx, t, release)
	}
}

// collectDue returns due, not-running tasks ordered by due time then name.
func (o *Orchestrator) collectDue(now time.Time) []*task {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		return nil
	}

	var due []*task

	for _, t := range o.tasks {
		if !t.running && !t.nextRun.After(now) {
			due = append(due, t)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].nextRun.Equal(due[j].nextRun) {
			return due[i].name < due[j].name
		}

		return due[i].nextRun.Before(due[j].nextRun)
	})

	return due
}

func (o *Orchestrator) reschedule(t *task, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.nextRun = at
}

func (o *Orchestrator) markRunning(t *task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.running = true
}

// execute runs one task on a disposable worker, releases the category lock,
// and settles the schedule from the outcome.
func (o *Orchestrator) execute(ctx context.Context, t *task, release func(context.Context)) {
	defer o.wg.Done()

	start := o.now()
	err := pool.RunDisposable(ctx, o.logger, t.name, t.opts.Timeout, t.fn)

	release(context.WithoutCancel(ctx))
	o.record(ctx, err, o.now().Sub(start))
	o.settle(t, err)
}

// settle reschedules or retires a task after a run. A replaced registration
// is left alone; the stale pointer no longer appears in the registry.
func (o *Orchestrator) settle(t *task, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.running = false
	t.runs++

	if o.tasks[t.name] != t {
		return
	}

	now := o.now()

	if err == nil {
		t.failures = 0
		t.lastErr = ""

		if t.opts.Every > 0 {
			t.nextRun = now.Add(t.opts.Every)

			return
		}

		delete(o.tasks, t.name)

		o.logger.Info("task finished", slog.String("task", t.name))

		return
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown, not a failure. Leave the schedule for a restart.
		t.nextRun = now.Add(t.opts.RetryInterval)

		return
	}

	t.failures++
	t.lastErr = err.Error()

	o.logger.Warn("task failed",
		slog.String("task", t.name),
		slog.Int("consecutive", t.failures),
		slog.Any("error", err),
	)

	if t.failures < maxConsecutiveFailures {
		t.nextRun = now.Add(t.opts.RetryInterval)

		return
	}

	if t.opts.Every > 0 {
		t.failures = 0
		t.nextRun = now.Add(t.opts.Every)

		return
	}

	delete(o.tasks, t.name)

	o.logger.Error("task dropped after repeated failures",
		slog.String("task", t.name),
		slog.String("error", t.lastErr),
	)
}

func (o *Orchestrator) lockKey(cat Category) string {
	if o.opts.GlobalLock {
		return globalLockKey
	}

	return "lock:" + string(cat)
}

func (o *Orchestrator) record(ctx context.Context, err error, took time.Duration) {
	if o.opts.Metrics == nil {
		return
	}

	status := observability.StatusOK
	if err != nil {
		status = observability.StatusError
	}

	o.opts.Metrics.RecordTask(context.WithoutCancel(ctx), observability.TaskKindMaintenance, status, took)
}
