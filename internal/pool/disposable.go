package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stillframe/shoebox/internal/faults"
)

// DefaultDisposableTimeout bounds a disposable worker that never set its
// own deadline.
const DefaultDisposableTimeout = 20 * time.Minute

// RunDisposable runs fn on a one-shot goroutine under a hard deadline.
// The goroutine is always reaped: when fn returns, when the deadline
// fires, or when ctx is cancelled. Its exit is not a pool event.
func RunDisposable(ctx context.Context, logger *slog.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultDisposableTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- faults.Newf(faults.KindInternal, "", "disposable %s panicked: %v", name, r)
			}
		}()

		done <- fn(runCtx)
	}()

	start := time.Now()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("disposable %s: %w", name, err)
		}

		logger.Debug("disposable worker finished",
			slog.String("name", name),
			slog.Duration("elapsed", time.Since(start)),
		)

		return nil
	case <-runCtx.Done():
		// The goroutine observes runCtx and unwinds on its own; the
		// buffered channel lets its late send complete without a leak.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return faults.Wrap(faults.KindTimeout, "",
				fmt.Sprintf("disposable %s exceeded %s", name, timeout), runCtx.Err())
		}

		return runCtx.Err()
	}
}
