package pool

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/pkg/observability"
)

// StatusOK is the default result status for a completed task.
const StatusOK = "ok"

const (
	// DefaultDrainTimeout bounds how long Drain waits for inflight results.
	DefaultDrainTimeout = 30 * time.Second

	// queueFactor sets the submit backlog limit as a multiple of the
	// worker count.
	queueFactor = 2

	// taskBufferSize is the hard capacity of the shared task channel;
	// the queueFactor limit is enforced well below it.
	taskBufferSize = 1024

	// resultBufferSize bounds the results channel. Sized for bursts, not
	// correctness; the results loop outlives every worker.
	resultBufferSize = 256

	// exitBufferSize must exceed the largest worker count so exit
	// notifications never block a dying worker.
	exitBufferSize = 64

	// maxRestartsPerWindow is how many panic restarts are allowed within
	// restartWindow before the pool degrades.
	maxRestartsPerWindow = 3

	// restartWindow is the sliding window for panic restart accounting.
	restartWindow = time.Minute

	// drainPollInterval is how often Drain re-checks for outstanding
	// futures.
	drainPollInterval = 50 * time.Millisecond
)

// WorkerStatus classifies a worker in a health snapshot.
type WorkerStatus string

const (
	// StatusHealthy means the worker heartbeat is current.
	StatusHealthy WorkerStatus = "healthy"

	// StatusUnhealthy means the worker missed two heartbeats; it is
	// replaced on the next dispatch.
	StatusUnhealthy WorkerStatus = "unhealthy"
)

// WorkerHealth is one worker's entry in a health snapshot.
type WorkerHealth struct {
	WorkerID      string       `json:"workerId"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Inflight      int          `json:"inflight"`
}

// Health is a point-in-time view of the pool.
type Health struct {
	Name     string         `json:"name"`
	Degraded bool           `json:"degraded"`
	Workers  []WorkerHealth `json:"workers"`
}

// Options configure a pool.
type Options struct {
	// Name labels the pool in logs, metrics, and task channels.
	Name string

	// Size is the initial worker count.
	Size int

	// Handler executes tasks. Required.
	Handler Handler

	// DrainTimeout overrides DefaultDrainTimeout when positive.
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.CoreMetrics
}

type workerEntry struct {
	w      *worker
	cancel context.CancelFunc
}

type pendingTask struct {
	future  *Future
	kind    TaskKind
	started time.Time
}

// Pool owns a set of identical workers consuming a shared task channel.
type Pool struct {
	name         string
	handler      Handler
	logger       *slog.Logger
	metrics      *observability.CoreMetrics
	drainTimeout time.Duration

	tasks   chan Message
	results chan Message
	exits   chan workerExit

	ctx      context.Context
	cancel   context.CancelFunc
	loopStop chan struct{}
	workerWG sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*workerEntry
	pending  map[string]pendingTask
	restarts []time.Time
	target   int
	seq      int
	draining bool
	degraded bool
	started  bool
}

// New builds a pool; Start must be called before Submit.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	return &Pool{
		name:         opts.Name,
		handler:      opts.Handler,
		logger:       logger.With(slog.String("pool", opts.Name)),
		metrics:      opts.Metrics,
		drainTimeout: drainTimeout,
		tasks:        make(chan Message, taskBufferSize),
		results:      make(chan Message, resultBufferSize),
		exits:        make(chan workerExit, exitBufferSize),
		loopStop:     make(chan struct{}),
		workers:      make(map[string]*workerEntry),
		pending:      make(map[string]pendingTask),
		target:       max(opts.Size, 1),
	}
}

// Start spawns the workers and supervision loops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()

	if p.started {
		p.mu.Unlock()

		return
	}

	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for range p.target {
		p.spawnLocked()
	}

	p.mu.Unlock()

	go p.resultsLoop()
	go p.exitLoop()
}

// Submit enqueues a task and returns its completion future. It fails fast
// with an unavailable fault when the backlog exceeds twice the worker
// count, when the pool is draining, or when it has degraded.
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.Lock()

	if !p.started || p.draining {
		p.mu.Unlock()

		return nil, faults.New(faults.KindUnavailable, faults.CodePoolDraining, "pool not accepting tasks")
	}

	if p.degraded {
		p.mu.Unlock()

		return nil, faults.New(faults.KindUnavailable, faults.CodePoolDegraded, "pool degraded")
	}

	p.replaceUnhealthyLocked()

	maxQueue := p.target * queueFactor
	if len(p.tasks) >= maxQueue {
		p.mu.Unlock()

		return nil, faults.Newf(faults.KindUnavailable, faults.CodePoolBusy,
			"pool %s backlog exceeds %d", p.name, maxQueue)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	task.Channel = p.name

	future := newFuture(task.ID)
	p.pending[task.ID] = pendingTask{future: future, kind: task.Kind, started: time.Now()}

	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return future, nil
	default:
		p.mu.Lock()
		delete(p.pending, task.ID)
		p.mu.Unlock()

		return nil, faults.Newf(faults.KindUnavailable, faults.CodePoolBusy,
			"pool %s task channel full", p.name)
	}
}

// Resize adjusts the worker count: growth starts workers immediately,
// shrinking poisons surplus workers so they exit after their current task.
func (p *Pool) Resize(n int) {
	n = max(n, 1)

	p.mu.Lock()

	if !p.started || p.draining {
		p.mu.Unlock()

		return
	}

	previous := p.target
	p.target = n

	for len(p.workers) < n {
		p.spawnLocked()
	}

	surplus := len(p.workers) - n
	p.mu.Unlock()

	if previous != n {
		p.logger.Info("pool resized",
			slog.Int("from", previous),
			slog.Int("to", n),
		)
	}

	for range surplus {
		select {
		case p.tasks <- Shutdown{Drain: true}:
		default:
			return
		}
	}
}

// Drain stops intake, asks workers to finish, waits for inflight results
// up to the drain timeout, then cancels whatever remains.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()

	if !p.started || p.draining {
		p.mu.Unlock()

		return nil
	}

	p.draining = true
	liveWorkers := len(p.workers)
	p.mu.Unlock()

	for range liveWorkers {
		select {
		case p.tasks <- Shutdown{Drain: true}:
		default:
		}
	}

	deadline := time.NewTimer(p.drainTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	var timedOut bool

wait:
	for p.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			timedOut = true

			break wait
		case <-deadline.C:
			timedOut = true

			break wait
		case <-ticker.C:
		}
	}

	// Hard stop: cancel worker contexts, wait for goroutines, fail any
	// futures that never resolved.
	p.cancel()
	p.workerWG.Wait()

	p.mu.Lock()
	for id, pt := range p.pending {
		pt.future.resolve(Result{}, faults.New(faults.KindUnavailable, faults.CodePoolDraining, "pool drained"))
		delete(p.pending, id)
	}
	p.mu.Unlock()

	close(p.loopStop)

	if timedOut {
		p.logger.Warn("drain timed out with tasks outstanding")

		return faults.New(faults.KindTimeout, "", "pool drain timed out")
	}

	return nil
}

// Health reports the pool and per-worker status.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := Health{
		Name:     p.name,
		Degraded: p.degraded,
		Workers:  make([]WorkerHealth, 0, len(p.workers)),
	}

	stale := heartbeatInterval * missedBeatsUnhealthy

	for id, entry := range p.workers {
		last := entry.w.lastHeartbeat()

		status := StatusHealthy
		if time.Since(last) > stale {
			status = StatusUnhealthy
		}

		snapshot.Workers = append(snapshot.Workers, WorkerHealth{
			WorkerID:      id,
			Status:        status,
			LastHeartbeat: last,
			Inflight:      int(entry.w.inflight.Load()),
		})
	}

	return snapshot
}

// WorkerCount returns the live worker count.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.workers)
}

// PendingCount returns how many submitted tasks have not resolved yet.
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// Degraded reports whether panic restarts exhausted the restart budget.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.degraded
}

func (p *Pool) spawnLocked() {
	p.seq++
	id := p.name + "-" + strconv.Itoa(p.seq)

	ctx, cancel := context.WithCancel(p.ctx)
	w := &worker{
		id:      id,
		channel: p.name,
		handler: p.handler,
		inbox:   p.tasks,
		results: p.results,
		exits:   p.exits,
		baseCtx: ctx,
		logger:  p.logger,
	}

	p.workers[id] = &workerEntry{w: w, cancel: cancel}

	p.workerWG.Add(1)

	go func() {
		defer p.workerWG.Done()
		w.run()
	}()
}

// replaceUnhealthyLocked culls workers that missed two heartbeats and
// starts replacements, keeping the pool at target size.
func (p *Pool) replaceUnhealthyLocked() {
	stale := heartbeatInterval * missedBeatsUnhealthy

	for id, entry := range p.workers {
		if time.Since(entry.w.lastHeartbeat()) <= stale {
			continue
		}

		p.logger.Warn("replacing unhealthy worker", slog.String("worker_id", id))
		entry.cancel()
		delete(p.workers, id)
	}

	for len(p.workers) < p.target {
		p.spawnLocked()
	}
}

func (p *Pool) resultsLoop() {
	for {
		select {
		case <-p.loopStop:
			return
		case msg := <-p.results:
			switch m := msg.(type) {
			case Result:
				p.resolvePending(m.TaskID, m, nil)
			case ErrorMsg:
				p.resolvePending(m.TaskID, Result{TaskID: m.TaskID}, m.Err())
			default:
			}
		}
	}
}

func (p *Pool) resolvePending(taskID string, result Result, err error) {
	p.mu.Lock()

	pt, ok := p.pending[taskID]
	if ok {
		delete(p.pending, taskID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	status := observability.StatusOK
	if err != nil {
		status = observability.StatusError
	}

	if p.metrics != nil {
		p.metrics.RecordTask(context.Background(), string(pt.kind), status, time.Since(pt.started))
	}

	pt.future.resolve(result, err)
}

func (p *Pool) exitLoop() {
	for {
		select {
		case <-p.loopStop:
			return
		case exit := <-p.exits:
			p.handleExit(exit)
		}
	}
}

// handleExit removes the worker and, for panic exits, restarts it with
// backoff. More than three panic restarts inside one minute degrade the
// pool instead of thrashing.
func (p *Pool) handleExit(exit workerExit) {
	p.mu.Lock()

	entry, known := p.workers[exit.id]
	if known {
		entry.cancel()
		delete(p.workers, exit.id)
	}

	if !exit.panicked || p.draining {
		p.mu.Unlock()

		return
	}

	now := time.Now()
	p.restarts = pruneWindow(p.restarts, now.Add(-restartWindow))

	if len(p.restarts) >= maxRestartsPerWindow {
		p.degraded = true
		p.mu.Unlock()

		p.logger.Error("pool degraded: restart budget exhausted",
			slog.Int("restarts", maxRestartsPerWindow),
			slog.Duration("window", restartWindow),
		)

		return
	}

	p.restarts = append(p.restarts, now)
	attempt := len(p.restarts)
	p.mu.Unlock()

	delay := restartBackoff(attempt)
	p.logger.Warn("restarting worker after panic",
		slog.String("worker_id", exit.id),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
	)

	go func() {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.draining || p.degraded {
			return
		}

		if len(p.workers) < p.target {
			p.spawnLocked()
		}
	}()
}

// restartBackoff is the delay before panic restart n: 1 s, 4 s, 9 s.
func restartBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]

	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	return kept
}

