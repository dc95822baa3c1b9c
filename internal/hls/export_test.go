package hls

import (
	"time"

	"github.com/stillframe/shoebox/internal/pool"
)

// MaxTranscodeAttempts exposes the permanent-failure retry budget.
const MaxTranscodeAttempts = maxTranscodeAttempts

// SetHandlerForTest swaps the transcode handler; call before Start.
func (e *Engine) SetHandlerForTest(h pool.Handler) {
	e.handler = h
}

// ReserveForTest marks rel in-flight, reporting whether the slot was free.
func (e *Engine) ReserveForTest(rel string) bool {
	return e.inflight.TryAdd(rel)
}

// SetInflightClockForTest replaces the reservation clock.
func (e *Engine) SetInflightClockForTest(now func() time.Time) {
	e.inflight.now = now
}
