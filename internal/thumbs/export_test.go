package thumbs

import (
	"log/slog"
	"time"

	"github.com/stillframe/shoebox/internal/pool"
)

// QualityFor exposes the quality tier decision.
var QualityFor = qualityFor

// SeekOffset exposes the poster-frame seek decision.
var SeekOffset = seekOffset

// HasFilesWithin exposes the artifact-root emptiness scan.
var HasFilesWithin = hasFilesWithin

// WriteAtomic exposes the temp-and-rename artifact writer.
var WriteAtomic = writeAtomic

// NewLimiterWithClock builds a limiter on a fake clock.
func NewLimiterWithClock(logger *slog.Logger, clock func() time.Time) *Limiter {
	l := NewLimiter(logger)
	l.now = clock

	return l
}

// SetHandlerForTest swaps the task handler; call before Start.
func (e *Engine) SetHandlerForTest(h pool.Handler) {
	e.handler = h
}

// SetBatchIntervalForTest shrinks the back-fill spacing.
func (e *Engine) SetBatchIntervalForTest(d time.Duration) {
	e.backfill.interval = d
}
