// Package thumbs generates thumbnail artifacts on demand and in bulk:
// webp for photos, one poster frame for videos. Concurrent requests for
// the same item collapse onto a single generation, the thumb_status
// single-holder claim keeps bulk and on-demand paths from double work,
// and every completed artifact is announced on the event bus.
package thumbs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stillframe/shoebox/internal/cache"
	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/pkg/observability"
)

// PoolName labels the shared thumbnail worker pool.
const PoolName = "thumb"

// refusalCacheSize bounds the too-large-source cache; entries expire so a
// replaced file gets another chance.
const refusalCacheSize = 512

// refusalCacheTTL is how long a decode refusal is remembered.
const refusalCacheTTL = time.Hour

// Generated is the payload published on events.TopicThumbnailGenerated.
type Generated struct {
	Path  string `json:"path"`
	MTime int64  `json:"mtime"`
}

// Ticket is the outcome of an ensure call. Status exists carries the
// artifact path; status processing means generation is underway and Wait
// blocks until it lands.
type Ticket struct {
	Status       catalog.ArtifactStatus
	ArtifactPath string

	done <-chan singleflight.Result
}

// Wait blocks until the underlying generation resolves and returns its
// final ticket. Tickets without a pending generation return immediately.
func (t Ticket) Wait(ctx context.Context) (Ticket, error) {
	if t.done == nil {
		return t, nil
	}

	select {
	case <-ctx.Done():
		return t, ctx.Err()
	case res := <-t.done:
		if res.Err != nil {
			return Ticket{Status: catalog.StatusFailed}, res.Err
		}

		return res.Val.(Ticket), nil
	}
}

// Options configure the thumbnail engine.
type Options struct {
	// PhotosDir is the absolute media root.
	PhotosDir string

	// ThumbsRoot is the absolute artifact root.
	ThumbsRoot string

	// Workers is the initial worker count; the scheduler resizes later.
	Workers int

	Store   *catalog.Store
	Bus     *events.Bus
	Runner  hls.Runner
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.CoreMetrics
}

// Engine owns the thumbnail worker pool and the in-flight bookkeeping
// around it.
type Engine struct {
	opts   Options
	logger *slog.Logger

	pool    *pool.Pool
	group   singleflight.Group
	limiter *Limiter
	refused *cache.LRU[string]

	// handler executes pool tasks; tests swap it before Start.
	handler pool.Handler

	// lifetime bounds every generation, so shutdown cancels tasks rather
	// than the request that happened to trigger them first.
	lifetime context.Context

	backfill backfillState
}

// New builds the engine; Start must be called before any ensure.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	e := &Engine{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "thumbs")),
		limiter: NewLimiter(opts.Logger),
		refused: cache.New[string](refusalCacheSize, refusalCacheTTL),
	}
	e.handler = e.dispatch
	e.backfill.interval = BatchInterval

	return e
}

// Start spawns the worker pool bound to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.lifetime = ctx

	e.pool = pool.New(pool.Options{
		Name:    PoolName,
		Size:    e.opts.Workers,
		Handler: e.runTask,
		Logger:  e.opts.Logger,
		Metrics: e.opts.Metrics,
	})
	e.pool.Start(ctx)
}

// Drain stops accepting work and waits for in-flight generations.
func (e *Engine) Drain(ctx context.Context) error {
	if e.pool == nil {
		return nil
	}

	return e.pool.Drain(ctx)
}

// Resize adjusts the worker count to the scheduler's current budget.
func (e *Engine) Resize(n int) {
	if e.pool != nil {
		e.pool.Resize(n)
	}
}

// Health reports the pool health snapshot.
func (e *Engine) Health() pool.Health {
	if e.pool == nil {
		return pool.Health{Name: PoolName}
	}

	return e.pool.Health()
}

// ActiveCount reports generations currently claimed by workers or queued.
func (e *Engine) ActiveCount() int {
	if e.pool == nil {
		return 0
	}

	return e.pool.PendingCount()
}

// LimiterSnapshot reports the rate window occupancy for stats output.
func (e *Engine) LimiterSnapshot() (used, limit int) {
	return e.limiter.Snapshot()
}

// ArtifactAbs returns the absolute artifact path derived from a
// normalized item path.
func (e *Engine) ArtifactAbs(rel string) string {
	return filepath.Join(e.opts.ThumbsRoot, filepath.FromSlash(media.ThumbRelPath(rel)))
}

// SourceAbs returns the absolute source path for a normalized item path.
func (e *Engine) SourceAbs(rel string) string {
	return filepath.Join(e.opts.PhotosDir, filepath.FromSlash(rel))
}

// EnsureThumbnail is the on-demand entry point: it answers exists
// immediately when the artifact is on disk, otherwise starts (or joins)
// a generation and reports processing. This path is rate limited.
func (e *Engine) EnsureThumbnail(ctx context.Context, absSrc, relPath string) (Ticket, error) {
	rel, err := media.Normalize(relPath)
	if err != nil {
		return Ticket{}, err
	}

	if !media.IsMedia(rel) {
		return Ticket{}, faults.Newf(faults.KindValidation, faults.CodePathNotFound,
			"no thumbnail for %q", rel)
	}

	if !e.limiter.Allow() {
		return Ticket{}, faults.New(faults.KindUnavailable, faults.CodeRateLimitExceeded,
			"thumbnail rate limit exceeded")
	}

	return e.ensure(ctx, absSrc, rel)
}

// ensure is the unthrottled core shared with the back-fill path.
func (e *Engine) ensure(ctx context.Context, absSrc, rel string) (Ticket, error) {
	out := e.ArtifactAbs(rel)

	if fileExists(out) {
		return Ticket{Status: catalog.StatusExists, ArtifactPath: out}, nil
	}

	if msg, ok := e.refused.Get(rel); ok {
		return Ticket{}, faults.New(faults.KindValidation, faults.CodeSourceTooLarge, msg)
	}

	trace := events.TraceFrom(ctx)

	// One generation per path at a time; joiners share the same channel
	// result. The group drops the key before delivering, so by the time a
	// waiter wakes the status row is already final.
	ch := e.group.DoChan(rel, func() (any, error) {
		return e.generate(absSrc, rel, out, trace)
	})

	return Ticket{Status: catalog.StatusProcessing, done: ch}, nil
}

// generate claims the row, runs the task, and finalizes. It runs inside
// the singleflight group, once per in-flight path.
func (e *Engine) generate(absSrc, rel, out string, trace events.TraceContext) (Ticket, error) {
	ctx := e.lifetime

	info, err := os.Stat(absSrc)
	if err != nil {
		return Ticket{}, faults.Wrap(faults.KindNotFound, faults.CodePathNotFound,
			"source missing: "+rel, err)
	}

	mtime := info.ModTime().Unix()

	claimed, err := e.opts.Store.ClaimThumbProcessing(ctx, rel, mtime)
	if err != nil {
		return Ticket{}, err
	}

	if !claimed {
		// Another holder is already generating this path; its completion
		// will land the artifact.
		return Ticket{Status: catalog.StatusProcessing}, nil
	}

	kind := pool.KindImageThumb
	metricKind := observability.TaskKindThumbnail

	if media.TypeOf(rel) == media.TypeVideo {
		kind = pool.KindVideoThumb
		metricKind = observability.TaskKindVideoThumb
	}

	if e.opts.Metrics != nil {
		defer e.opts.Metrics.TrackInflightThumb(ctx)()
	}

	start := time.Now()

	fut, err := e.pool.Submit(pool.Task{
		ID:      uuid.NewString(),
		Channel: PoolName,
		Kind:    kind,
		AbsPath: absSrc,
		RelPath: rel,
		OutPath: out,
		Trace:   trace,
		Ctx:     ctx,
	})
	if err != nil {
		e.release(rel, catalog.StatusPending)

		return Ticket{}, err
	}

	_, err = fut.Wait(ctx)

	return e.finalize(rel, out, mtime, metricKind, start, err)
}

// finalize applies the terminal row transition for one generation and
// resolves the shared outcome.
func (e *Engine) finalize(rel, out string, mtime int64, metricKind string, start time.Time, taskErr error) (Ticket, error) {
	// Row updates must land even when the engine is shutting down, and
	// the trace should survive into the completion log.
	ctx := context.WithoutCancel(e.lifetime)
	took := time.Since(start)

	if taskErr == nil {
		if err := e.opts.Store.MarkThumbExists(ctx, rel, mtime); err != nil {
			return Ticket{}, err
		}

		e.record(ctx, metricKind, observability.StatusOK, took)
		e.opts.Bus.Publish(ctx, events.TopicThumbnailGenerated, Generated{Path: rel, MTime: mtime})

		return Ticket{Status: catalog.StatusExists, ArtifactPath: out}, nil
	}

	e.record(ctx, metricKind, observability.StatusError, took)

	// Shutdown is not a failure: the claim reverts so the next boot's
	// back-fill retries the path.
	if e.lifetime.Err() != nil || errors.Is(taskErr, context.Canceled) {
		e.release(rel, catalog.StatusPending)

		return Ticket{}, taskErr
	}

	if faults.CodeOf(taskErr) == faults.CodeSourceTooLarge {
		e.refused.Put(rel, taskErr.Error())
	}

	if err := e.opts.Store.MarkThumbFailed(ctx, rel, taskErr.Error()); err != nil {
		e.logger.Error("mark thumb failed",
			slog.String("path", rel),
			slog.Any("error", err),
		)
	}

	return Ticket{Status: catalog.StatusFailed}, taskErr
}

// release reverts a claimed row, logging rather than propagating: the
// caller already has a primary error to report.
func (e *Engine) release(rel string, to catalog.ArtifactStatus) {
	ctx := context.WithoutCancel(e.lifetime)

	if err := e.opts.Store.ReleaseThumb(ctx, rel, to); err != nil {
		e.logger.Error("release thumb claim",
			slog.String("path", rel),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) record(ctx context.Context, kind, status string, took time.Duration) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordThumbnail(ctx, kind, status, took)
	}
}

// runTask is the pool handler; indirected so tests can substitute the
// heavy encoders.
func (e *Engine) runTask(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	return e.handler(ctx, task, emit)
}

// dispatch routes a task to the image or video path.
func (e *Engine) dispatch(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	switch task.Kind {
	case pool.KindImageThumb:
		return e.runImageTask(ctx, task, emit)
	case pool.KindVideoThumb:
		return e.runVideoTask(ctx, task, emit)
	default:
		return pool.Result{}, faults.Newf(faults.KindInternal, "",
			"thumb pool cannot handle %s tasks", task.Kind)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
