package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFlushInterval is how often the recorder persists buffered
	// views.
	DefaultFlushInterval = 5 * time.Second

	// recorderSoftCap is the buffered-view count past which the recorder
	// flushes early instead of waiting for the next tick.
	recorderSoftCap = 256

	// recorderFlushTimeout bounds one background flush.
	recorderFlushTimeout = 10 * time.Second
)

// viewKey identifies one (user, item) pair in the buffer.
type viewKey struct {
	user string
	item string
}

// ViewRecorder buffers view appends in memory and persists them from a
// single background writer, so a browsing burst costs one transaction per
// flush instead of one write per view. Entries for the same (user, item)
// pair coalesce keeping the newest timestamp, mirroring the persisted
// conflict rule. Close stops the writer and flushes whatever is left.
//
// Reads go straight to the database; a just-recorded view becomes visible
// after the next flush.
type ViewRecorder struct {
	store    *Store
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[viewKey]int64
	order   []viewKey

	kick chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewViewRecorder starts the background writer. An interval of zero or
// less selects DefaultFlushInterval.
func NewViewRecorder(store *Store, logger *slog.Logger, interval time.Duration) *ViewRecorder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	r := &ViewRecorder{
		store:    store,
		logger:   logger.With(slog.String("component", "views")),
		interval: interval,
		pending:  make(map[viewKey]int64),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go r.writeLoop()

	return r
}

// Record buffers one view. It never touches the database and never
// blocks beyond the buffer mutex.
func (r *ViewRecorder) Record(v View) {
	key := viewKey{user: v.UserID, item: v.ItemPath}

	r.mu.Lock()

	prev, ok := r.pending[key]
	switch {
	case !ok:
		r.order = append(r.order, key)
		r.pending[key] = v.ViewedAt
	case v.ViewedAt > prev:
		r.pending[key] = v.ViewedAt
	}

	over := len(r.pending) >= recorderSoftCap

	r.mu.Unlock()

	if over {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops the writer and runs a final flush under ctx. Safe to call
// more than once; later calls return the first result.
func (r *ViewRecorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.closeErr = r.flush(ctx)
	})

	return r.closeErr
}

func (r *ViewRecorder) writeLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-r.kick:
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), recorderFlushTimeout)
		err := r.flush(ctx)

		cancel()

		if err != nil {
			r.logger.Warn("view flush failed, will retry", slog.Any("error", err))
		}
	}
}

// flush takes the buffer and persists it in first-recorded order. On
// failure the rows return to the buffer for the next attempt; the upsert
// is idempotent, so rows that landed before a partial failure are safe to
// resend.
func (r *ViewRecorder) flush(ctx context.Context) error {
	r.mu.Lock()

	if len(r.pending) == 0 {
		r.mu.Unlock()

		return nil
	}

	pending := r.pending
	order := r.order
	r.pending = make(map[viewKey]int64)
	r.order = nil

	r.mu.Unlock()

	rows := make([][]any, 0, len(order))
	for _, key := range order {
		rows = append(rows, []any{key.user, key.item, pending[key]})
	}

	if err := r.store.reg.Batch(ctx, DBHistory, upsertViewSQL, rows); err != nil {
		r.restore(pending, order)

		return err
	}

	return nil
}

// restore merges a failed batch back under anything recorded since,
// keeping the newer timestamp per pair and the original arrival order.
func (r *ViewRecorder) restore(pending map[viewKey]int64, order []viewKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[viewKey]int64, len(pending)+len(r.pending))
	mergedOrder := make([]viewKey, 0, len(order)+len(r.order))

	for _, key := range order {
		merged[key] = pending[key]
		mergedOrder = append(mergedOrder, key)
	}

	for _, key := range r.order {
		ts, ok := merged[key]
		if !ok {
			merged[key] = r.pending[key]
			mergedOrder = append(mergedOrder, key)

			continue
		}

		if r.pending[key] > ts {
			merged[key] = r.pending[key]
		}
	}

	r.pending = merged
	r.order = mergedOrder
}
