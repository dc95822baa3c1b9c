package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/faults"
)

// DefaultIdleTimeout is how long a singleton lingers without work before
// its worker exits.
const DefaultIdleTimeout = 5 * time.Minute

// SingletonOptions configure a lazily started one-worker pool.
type SingletonOptions struct {
	Name    string
	Handler Handler

	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration

	// DrainTimeout is passed through to the underlying pool.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Singleton runs one worker on demand. The first Submit starts it; an
// idle period with no work and no holders stops it; the next Submit
// starts it again. Acquire and Release refcount holders that need the
// worker kept warm across many submits, such as an HLS batch.
type Singleton struct {
	opts SingletonOptions

	ctx context.Context

	mu      sync.Mutex
	pool    *Pool
	refs    int
	lastUse time.Time
	timer   *time.Timer
}

// NewSingleton builds the singleton; Start must be called before Submit.
func NewSingleton(opts SingletonOptions) *Singleton {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Singleton{opts: opts}
}

// Start records the lifetime context. No worker is spawned yet.
func (s *Singleton) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
}

// Submit wakes the worker if needed and enqueues the task.
func (s *Singleton) Submit(task Task) (*Future, error) {
	s.mu.Lock()

	pool, err := s.ensureStartedLocked()
	if err != nil {
		s.mu.Unlock()

		return nil, err
	}

	s.lastUse = time.Now()
	s.armTimerLocked()
	s.mu.Unlock()

	return pool.Submit(task)
}

// Acquire increments the holder count, keeping the worker warm.
func (s *Singleton) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs++
	s.lastUse = time.Now()
}

// Release decrements the holder count; at zero the idle clock starts.
func (s *Singleton) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}

	s.lastUse = time.Now()
	s.armTimerLocked()
}

// Running reports whether a worker is currently alive.
func (s *Singleton) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pool != nil
}

// Health reports the inner pool's health, or an empty snapshot when idle.
func (s *Singleton) Health() Health {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil {
		return Health{Name: s.opts.Name}
	}

	return pool.Health()
}

// Stop drains the worker if one is running.
func (s *Singleton) Stop(ctx context.Context) error {
	s.mu.Lock()

	pool := s.pool
	s.pool = nil

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if pool == nil {
		return nil
	}

	return pool.Drain(ctx)
}

func (s *Singleton) ensureStartedLocked() (*Pool, error) {
	if s.ctx == nil {
		return nil, faults.Newf(faults.KindUnavailable, "", "singleton %s not started", s.opts.Name)
	}

	if s.pool != nil {
		return s.pool, nil
	}

	s.pool = New(Options{
		Name:         s.opts.Name,
		Size:         1,
		Handler:      s.opts.Handler,
		DrainTimeout: s.opts.DrainTimeout,
		Logger:       s.opts.Logger,
	})
	s.pool.Start(s.ctx)

	s.opts.Logger.Info("singleton worker started", slog.String("pool", s.opts.Name))

	return s.pool, nil
}

func (s *Singleton) armTimerLocked() {
	if s.pool == nil {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(s.opts.IdleTimeout, s.reapIfIdle)
}

// reapIfIdle stops the worker when nothing used it for the idle window
// and no holder keeps it warm. A respawn is just the next Submit.
func (s *Singleton) reapIfIdle() {
	s.mu.Lock()

	pool := s.pool
	if pool == nil || s.refs > 0 || time.Since(s.lastUse) < s.opts.IdleTimeout || pool.PendingCount() > 0 {
		s.armTimerLocked()
		s.mu.Unlock()

		return
	}

	s.pool = nil
	s.timer = nil
	s.mu.Unlock()

	s.opts.Logger.Info("singleton worker idle, stopping", slog.String("pool", s.opts.Name))

	drainCtx, cancel := context.WithTimeout(context.Background(), pool.drainTimeout)
	defer cancel()

	_ = pool.Drain(drainCtx)
}
