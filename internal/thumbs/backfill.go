package thumbs

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/faults"
)

const (
	// BatchInterval is the minimum spacing between back-fill batches.
	BatchInterval = 30 * time.Second

	// DefaultBatchLimit bounds one back-fill round.
	DefaultBatchLimit = 100

	// maxAttempts excludes rows that already failed this many times from
	// back-fill candidacy.
	maxAttempts = 3
)

// Summary tallies one back-fill invocation (all rounds in loop mode).
type Summary struct {
	Processed    int `json:"processed"`
	Queued       int `json:"queued"`
	Skipped      int `json:"skipped"`
	FoundMissing int `json:"foundMissing"`
}

func (s *Summary) add(other Summary) {
	s.Processed += other.Processed
	s.Queued += other.Queued
	s.Skipped += other.Skipped
	s.FoundMissing += other.FoundMissing
}

// backfillState throttles batches to one per interval across callers.
type backfillState struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// take claims the next batch slot or reports how long until one opens.
func (b *backfillState) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if wait := b.interval - now.Sub(b.last); wait > 0 {
		return wait, false
	}

	b.last = now

	return 0, true
}

// BatchBackfillMissing selects rows still awaiting an artifact, drops rows
// whose source vanished, and regenerates the rest through the normal
// ensure path. Batches are spaced at least BatchInterval apart; in loop
// mode the call drives itself, round after round, until a round finds
// nothing left.
func (e *Engine) BatchBackfillMissing(ctx context.Context, limit int, loop bool) (Summary, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	var total Summary

	for {
		wait, ok := e.backfill.take()
		if !ok {
			if !loop {
				return total, faults.Newf(faults.KindUnavailable, faults.CodeRateLimitExceeded,
					"back-fill throttled, next batch in %s", wait.Round(time.Second))
			}

			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(wait):
			}

			continue
		}

		round, err := e.backfillRound(ctx, limit)
		total.add(round)

		if err != nil {
			return total, err
		}

		if !loop || round.FoundMissing == 0 {
			return total, nil
		}
	}
}

// backfillRound runs one bounded batch. Ensures fan out at pool width so
// the submit queue never overflows.
func (e *Engine) backfillRound(ctx context.Context, limit int) (Summary, error) {
	candidates, err := e.opts.Store.PendingThumbCandidates(ctx, limit, maxAttempts)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{FoundMissing: len(candidates)}
	if len(candidates) == 0 {
		return sum, nil
	}

	var (
		mu    sync.Mutex
		stale []string
	)

	var g errgroup.Group
	g.SetLimit(e.pool.WorkerCount())

	for _, rel := range candidates {
		g.Go(func() error {
			abs := e.SourceAbs(rel)

			if _, err := os.Stat(abs); err != nil {
				mu.Lock()
				stale = append(stale, rel)
				mu.Unlock()

				return nil
			}

			ticket, err := e.ensure(ctx, abs, rel)
			if err != nil {
				mu.Lock()
				sum.Skipped++
				mu.Unlock()

				return nil
			}

			if ticket.Status == catalog.StatusExists {
				mu.Lock()
				sum.Skipped++
				mu.Unlock()

				return nil
			}

			mu.Lock()
			sum.Queued++
			mu.Unlock()

			final, err := ticket.Wait(ctx)

			mu.Lock()
			defer mu.Unlock()

			if err == nil && final.Status == catalog.StatusExists {
				sum.Processed++
			} else {
				sum.Skipped++
			}

			return nil
		})
	}

	_ = g.Wait()

	if len(stale) > 0 {
		if err := e.opts.Store.DeleteThumbRows(ctx, stale); err != nil {
			return sum, err
		}

		sum.Skipped += len(stale)
	}

	return sum, nil
}
