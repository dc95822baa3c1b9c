package hls

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
)

const (
	// maxTranscodeAttempts is the retry budget before an item is skipped
	// as permanently failed.
	maxTranscodeAttempts = 3

	// progressBeatInterval spaces liveness beats during long encodes so
	// the batch watchdog can tell a slow worker from a dead one.
	progressBeatInterval = 30 * time.Second
)

// runTranscode is the video worker handler: probe, encode into a staging
// directory, fsync, and rename the whole rendition into place. A hung
// encoder is cut off by the per-task deadline; the batch watchdog only
// covers worker death because the beats keep it armed while ffmpeg runs.
func (e *Engine) runTranscode(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	if task.Kind != pool.KindHLS {
		return pool.Result{}, faults.Newf(faults.KindInternal, "",
			"video worker cannot handle %s tasks", task.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Config.HLSBatchTimeout())
	defer cancel()

	playlist := filepath.Join(task.OutPath, media.PlaylistName)

	if fileExists(playlist) {
		return e.skipExisting(ctx, task, emit)
	}

	row, found, err := e.opts.Store.HLSStatusFor(ctx, task.RelPath)
	if err == nil && found && row.Attempts >= maxTranscodeAttempts {
		return pool.Result{Status: StatusSkippedPermanent}, nil
	}

	info, err := e.opts.Runner.Probe(ctx, task.AbsPath)
	if err != nil {
		return pool.Result{}, err
	}

	emit(pool.Log{
		Level:   slog.LevelInfo,
		Message: "transcode started",
		Attrs: []slog.Attr{
			slog.String("path", task.RelPath),
			slog.Float64("duration_s", info.DurationS),
		},
	})

	stopBeats := beatWhile(ctx, emit)
	defer stopBeats()

	parent := filepath.Dir(task.OutPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "create hls root", err)
	}

	staging, err := os.MkdirTemp(parent, ".hls-*")
	if err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "create staging dir", err)
	}

	// A successful rename moves the directory away; this only cleans up
	// after failures.
	defer os.RemoveAll(staging)

	err = e.opts.Runner.Transcode(ctx, TranscodeSpec{
		Source:            task.AbsPath,
		OutDir:            staging,
		KeyframeIntervalS: DefaultKeyframeIntervalS,
	})
	if err != nil {
		return pool.Result{}, err
	}

	if err := syncTree(staging); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "sync rendition", err)
	}

	// A stale partial from a crashed run would make the rename fail.
	if err := os.RemoveAll(task.OutPath); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "clear stale rendition", err)
	}

	if err := os.Rename(staging, task.OutPath); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "land rendition", err)
	}

	return pool.Result{Status: StatusSuccess, Payload: info}, nil
}

// skipExisting handles a rendition already on disk: probe the source so
// the healed row carries a real duration, but never re-encode.
func (e *Engine) skipExisting(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	info, err := e.opts.Runner.Probe(ctx, task.AbsPath)
	if err != nil {
		emit(pool.Log{
			Level:   slog.LevelWarn,
			Message: "probe failed for existing rendition",
			Attrs: []slog.Attr{
				slog.String("path", task.RelPath),
				slog.String("error", err.Error()),
			},
		})

		info = ProbeInfo{}
	}

	return pool.Result{Status: StatusSkippedExists, Payload: info}, nil
}

// beatWhile emits heartbeats until the returned stop function runs.
func beatWhile(ctx context.Context, emit func(pool.Message)) func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(progressBeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				emit(pool.Heartbeat{At: at})
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() { close(stop) })
	}
}

// syncTree fsyncs every file in dir and then the directory itself, so the
// rename that follows publishes fully durable artifacts.
func syncTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if err := syncFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return syncFile(dir)
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	if syncErr != nil {
		return syncErr
	}

	return closeErr
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
