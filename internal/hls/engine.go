// Package hls turns source videos into HTTP Live Streaming renditions: an
// index.m3u8 playlist plus MPEG-TS segments under a per-item hash
// directory. Batches run through the refcounted video singleton one task
// at a time, guarded by a rearming watchdog that only trips after a full
// silence window, and an in-flight set keeps concurrent batches from
// transcoding the same item twice.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/pkg/observability"
)

// PoolName labels the video worker singleton.
const PoolName = "video"

// Per-task outcomes reported by the transcode worker.
const (
	// StatusSuccess means a fresh rendition landed on disk.
	StatusSuccess = "success"

	// StatusSkippedExists means the playlist was already on disk; the
	// status row is healed instead of re-encoding.
	StatusSkippedExists = "skipped_hls_exists"

	// StatusSkippedPermanent means the item burned through its retry
	// budget and is not attempted again.
	StatusSkippedPermanent = "skipped_permanent_failure"
)

// progressBufferSize bounds the batch progress channel; sends never
// block, a full channel drops beats.
const progressBufferSize = 64

// Generated is the payload published on events.TopicHLSGenerated.
type Generated struct {
	Path         string  `json:"path"`
	PlaylistPath string  `json:"playlistPath"`
	DurationS    float64 `json:"durationS"`
}

// Summary tallies one batch.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// BatchOptions tune one RunBatch call.
type BatchOptions struct {
	// Timeout overrides the configured watchdog window when positive.
	Timeout time.Duration
}

// Options configure the HLS engine.
type Options struct {
	// PhotosDir is the absolute media root.
	PhotosDir string

	// HLSRoot is the absolute artifact root.
	HLSRoot string

	Store   *catalog.Store
	Bus     *events.Bus
	Runner  Runner
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.CoreMetrics
}

// Engine owns the video singleton and the batch bookkeeping around it.
type Engine struct {
	opts   Options
	logger *slog.Logger

	video    *pool.Singleton
	inflight *inflightSet

	// handler executes pool tasks; tests swap it before Start.
	handler pool.Handler

	lifetime context.Context
}

// New builds the engine; Start must be called before RunBatch.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ttl := config.DefaultHLSInflightTTLMS * time.Millisecond
	if opts.Config != nil {
		ttl = opts.Config.HLSInflightTTL()
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "hls")),
		inflight: newInflightSet(ttl),
	}
	e.handler = e.runTranscode

	e.video = pool.NewSingleton(pool.SingletonOptions{
		Name:    PoolName,
		Handler: e.runTask,
		Logger:  opts.Logger,
	})

	return e
}

// Start records the lifetime context; the video worker itself stays cold
// until the first batch.
func (e *Engine) Start(ctx context.Context) {
	e.lifetime = ctx
	e.video.Start(ctx)
}

// Stop tears the video worker down, draining its current task.
func (e *Engine) Stop(ctx context.Context) error {
	return e.video.Stop(ctx)
}

// Health reports the singleton health snapshot.
func (e *Engine) Health() pool.Health {
	return e.video.Health()
}

// Running reports whether the video worker is currently warm.
func (e *Engine) Running() bool {
	return e.video.Running()
}

// InflightCount reports rels currently reserved by batches.
func (e *Engine) InflightCount() int {
	return e.inflight.Len()
}

// ArtifactDir returns the absolute rendition directory for a normalized
// item path.
func (e *Engine) ArtifactDir(rel string) string {
	return filepath.Join(e.opts.HLSRoot, media.HLSDir(rel))
}

// PlaylistRel returns the playlist path relative to the HLS root, the
// form stored in hls_status.
func PlaylistRel(rel string) string {
	return path.Join(media.HLSDir(rel), media.PlaylistName)
}

// batchTask is one accepted unit of work inside RunBatch.
type batchTask struct {
	abs string
	rel string
}

// RunBatch transcodes the given paths through the video worker. Inputs
// that are not videos are dropped before the tally; rels already reserved
// by another batch count as skipped. The batch fails as a whole only when
// the worker goes silent for the watchdog window, dies mid-task, or the
// context is cancelled; per-item transcode failures just mark the row and
// move on.
func (e *Engine) RunBatch(ctx context.Context, paths []string, opts BatchOptions) (Summary, error) {
	var summary Summary

	tasks := e.accept(paths, &summary)
	summary.Total += len(tasks)

	if len(tasks) == 0 {
		return summary, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.opts.Config.HLSBatchTimeout()
	}

	// The worker stays warm for the whole batch instead of idle-reaping
	// between tasks.
	e.video.Acquire()
	defer e.video.Release()

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()

	summary, err := e.drain(batchCtx, tasks, timeout, summary)

	e.recordBatch(start, err)

	return summary, err
}

// accept normalizes and reserves the batch inputs: non-videos drop
// silently, duplicate or already-in-flight rels count as skipped.
func (e *Engine) accept(paths []string, summary *Summary) []batchTask {
	tasks := make([]batchTask, 0, len(paths))

	for _, raw := range paths {
		rel, err := media.Normalize(raw)
		if err != nil || media.TypeOf(rel) != media.TypeVideo {
			continue
		}

		if !e.inflight.TryAdd(rel) {
			summary.Total++
			summary.Skipped++

			continue
		}

		tasks = append(tasks, batchTask{
			abs: filepath.Join(e.opts.PhotosDir, filepath.FromSlash(rel)),
			rel: rel,
		})
	}

	return tasks
}

// drain pushes tasks through the worker one at a time; the singleton's
// backlog is a single slot, so pipelining buys nothing. The watchdog is
// shared across the whole batch and rearms on every progress message and
// every result.
func (e *Engine) drain(ctx context.Context, tasks []batchTask, timeout time.Duration, summary Summary) (Summary, error) {
	progress := make(chan pool.Message, progressBufferSize)
	trace := events.TraceFrom(ctx)

	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	for i, t := range tasks {
		remaining := len(tasks) - i

		claimed, err := e.opts.Store.ClaimHLSProcessing(ctx, t.rel)
		if err != nil {
			e.logger.Error("claim hls row",
				slog.String("path", t.rel),
				slog.Any("error", err),
			)
			summary.Failed++
			e.inflight.Remove(t.rel)

			continue
		}

		if !claimed {
			// Row is exists, or another instance holds the claim.
			summary.Skipped++
			e.inflight.Remove(t.rel)

			continue
		}

		fut, err := e.video.Submit(pool.Task{
			ID:       uuid.NewString(),
			Kind:     pool.KindHLS,
			AbsPath:  t.abs,
			RelPath:  t.rel,
			OutPath:  e.ArtifactDir(t.rel),
			Trace:    trace,
			Ctx:      ctx,
			Progress: progress,
		})
		if err != nil {
			e.release(t.rel, catalog.StatusPending)
			e.abandon(tasks[i:])

			return summary, faults.Wrap(faults.KindUnavailable, faults.CodeOf(err),
				fmt.Sprintf("video worker unavailable with %d tasks remaining", remaining), err)
		}

		outcome, err := e.await(ctx, fut, progress, watchdog, timeout)
		if err != nil {
			// Watchdog or cancellation; the running transcode aborts with
			// the batch context. The current rel stays reserved until its
			// TTL lapses in case the worker has not observed the cancel.
			e.release(t.rel, catalog.StatusPending)
			e.abandon(tasks[i+1:])

			return summary, err
		}

		if dead := e.settle(t, outcome, &summary); dead {
			e.abandon(tasks[i+1:])

			return summary, faults.Newf(faults.KindInternal, "",
				"video worker died with %d tasks remaining", remaining)
		}
	}

	return summary, nil
}

// taskOutcome is one resolved future.
type taskOutcome struct {
	result pool.Result
	err    error
}

// await blocks until the submitted task resolves, rearming the watchdog
// on every progress message. Only full silence for the watchdog window
// fails the wait.
func (e *Engine) await(ctx context.Context, fut *pool.Future, progress <-chan pool.Message, watchdog *time.Timer, timeout time.Duration) (taskOutcome, error) {
	for {
		select {
		case <-ctx.Done():
			return taskOutcome{}, ctx.Err()

		case <-watchdog.C:
			return taskOutcome{}, faults.New(faults.KindTimeout, "",
				"video worker silent for "+timeout.String())

		case <-progress:
			rearm(watchdog, timeout)

		case <-fut.Done():
			rearm(watchdog, timeout)

			res, err := fut.Wait(context.Background())

			return taskOutcome{result: res, err: err}, nil
		}
	}
}

// settle applies the terminal row transition for one task and updates the
// tally. It reports true when the worker itself died, which fails the
// whole batch.
func (e *Engine) settle(t batchTask, out taskOutcome, summary *Summary) (workerDead bool) {
	// Row updates must land even when the batch is being torn down.
	ctx := context.WithoutCancel(e.lifetime)

	defer e.inflight.Remove(t.rel)

	if out.err != nil {
		summary.Failed++

		if markErr := e.opts.Store.MarkHLSFailed(ctx, t.rel, out.err.Error()); markErr != nil {
			e.logger.Error("mark hls failed",
				slog.String("path", t.rel),
				slog.Any("error", markErr),
			)
		}

		// Only a panicked worker fails the whole batch; handler faults,
		// internal ones included, just mark the row.
		return faults.CodeOf(out.err) == faults.CodeWorkerPanic
	}

	switch out.result.Status {
	case StatusSkippedPermanent:
		summary.Skipped++
		e.release(t.rel, catalog.StatusFailed)

	case StatusSkippedExists:
		summary.Skipped++
		e.markExists(ctx, t.rel, probeFrom(out.result.Payload))

	default:
		summary.Success++
		info := probeFrom(out.result.Payload)
		e.markExists(ctx, t.rel, info)
		e.opts.Bus.Publish(ctx, events.TopicHLSGenerated, Generated{
			Path:         t.rel,
			PlaylistPath: PlaylistRel(t.rel),
			DurationS:    info.DurationS,
		})
	}

	return false
}

// markExists finalizes a rendition row with its playlist path and
// duration.
func (e *Engine) markExists(ctx context.Context, rel string, info ProbeInfo) {
	if err := e.opts.Store.MarkHLSExists(ctx, rel, PlaylistRel(rel), info.DurationS); err != nil {
		e.logger.Error("mark hls exists",
			slog.String("path", rel),
			slog.Any("error", err),
		)
	}
}

// release reverts a claimed row, logging rather than propagating: the
// caller already has a primary error to report.
func (e *Engine) release(rel string, to catalog.ArtifactStatus) {
	ctx := context.WithoutCancel(e.lifetime)

	if err := e.opts.Store.ReleaseHLS(ctx, rel, to); err != nil {
		e.logger.Error("release hls claim",
			slog.String("path", rel),
			slog.Any("error", err),
		)
	}
}

// abandon frees in-flight reservations for tasks that will never be
// submitted.
func (e *Engine) abandon(tasks []batchTask) {
	for _, t := range tasks {
		e.inflight.Remove(t.rel)
	}
}

func (e *Engine) recordBatch(start time.Time, err error) {
	if e.opts.Metrics == nil {
		return
	}

	status := observability.StatusOK
	if err != nil {
		status = observability.StatusError
	}

	e.opts.Metrics.RecordHLSBatch(context.WithoutCancel(e.lifetime), status, time.Since(start))
}

// CleanupOrphans removes rendition directories whose source item is gone:
// rows without an item are deleted along with their directories, then any
// directory under the HLS root that no catalog video maps to is swept.
func (e *Engine) CleanupOrphans(ctx context.Context) (int, error) {
	removed := 0

	orphans, err := e.opts.Store.OrphanHLSPaths(ctx)
	if err != nil {
		return 0, err
	}

	for _, rel := range orphans {
		if err := os.RemoveAll(e.ArtifactDir(rel)); err != nil {
			e.logger.Warn("remove orphan hls dir",
				slog.String("path", rel),
				slog.Any("error", err),
			)

			continue
		}

		removed++
	}

	if len(orphans) > 0 {
		if err := e.opts.Store.DeleteHLSRows(ctx, orphans); err != nil {
			return removed, err
		}
	}

	swept, err := e.sweepUnmapped(ctx)

	return removed + swept, err
}

// sweepUnmapped deletes hash directories no current video item derives.
// Directory names are one-way hashes, so the expected set is computed
// from the catalog side.
func (e *Engine) sweepUnmapped(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(e.opts.HLSRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	paths, err := e.opts.Store.MediaPaths(ctx)
	if err != nil {
		return 0, err
	}

	expected := make(map[string]struct{}, len(paths))

	for _, rel := range paths {
		if media.TypeOf(rel) == media.TypeVideo {
			expected[media.HLSDir(rel)] = struct{}{}
		}
	}

	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, ok := expected[entry.Name()]; ok {
			continue
		}

		if err := os.RemoveAll(filepath.Join(e.opts.HLSRoot, entry.Name())); err != nil {
			e.logger.Warn("sweep hls dir",
				slog.String("dir", entry.Name()),
				slog.Any("error", err),
			)

			continue
		}

		removed++
	}

	return removed, nil
}

// runTask is the singleton handler; indirected so tests can substitute
// the transcoder.
func (e *Engine) runTask(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	return e.handler(ctx, task, emit)
}

// rearm restarts a watchdog timer, draining a stale fire first.
func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	t.Reset(d)
}

func probeFrom(payload any) ProbeInfo {
	info, _ := payload.(ProbeInfo)

	return info
}
