package thumbs

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// rateWindow is the sliding window width.
	rateWindow = time.Second

	// rateBase is the steady-state request budget per window.
	rateBase = 50

	// burstFactor multiplies the budget while a burst grant is active.
	burstFactor = 2

	// burstDuration is how long one burst grant lasts.
	burstDuration = 5 * time.Second

	// warnInterval throttles refusal warnings to one per interval.
	warnInterval = 5 * time.Second
)

// Limiter is the sliding-window gate on the on-demand thumbnail path. A
// window that fills at steady state earns one burst grant doubling the
// budget for a few seconds; demand beyond the doubled budget is refused
// until the window drains below the base rate again.
type Limiter struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	stamps     []time.Time
	burstUntil time.Time
	rearmed    bool
	lastWarn   time.Time
}

// NewLimiter builds a limiter on the wall clock.
func NewLimiter(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{logger: logger, now: time.Now, rearmed: true}
}

// Allow records one request attempt and reports whether it may proceed.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	// The next burst only arms after demand dropped back below base rate;
	// otherwise sustained overload would keep the doubled budget forever.
	if len(l.stamps) < rateBase {
		l.rearmed = true
	}

	limit := rateBase
	inBurst := now.Before(l.burstUntil)

	if inBurst {
		limit = rateBase * burstFactor
	}

	if len(l.stamps) < limit {
		l.stamps = append(l.stamps, now)

		return true
	}

	if !inBurst && l.rearmed {
		l.burstUntil = now.Add(burstDuration)
		l.rearmed = false
		l.stamps = append(l.stamps, now)

		l.logger.Info("thumbnail demand burst, doubling window budget",
			slog.Int("base", rateBase),
			slog.Duration("for", burstDuration),
		)

		return true
	}

	if now.Sub(l.lastWarn) >= warnInterval {
		l.lastWarn = now

		l.logger.Warn("thumbnail rate limit exceeded",
			slog.Int("window", len(l.stamps)),
			slog.Int("limit", limit),
		)
	}

	return false
}

// Snapshot reports the current window occupancy and effective limit.
func (l *Limiter) Snapshot() (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	limit = rateBase
	if now.Before(l.burstUntil) {
		limit = rateBase * burstFactor
	}

	return len(l.stamps), limit
}

// prune drops stamps older than one window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)

	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}

	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}
