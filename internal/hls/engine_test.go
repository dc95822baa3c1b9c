package hls_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
)

const (
	clipA = "albums/vacation/a.mp4"
	clipB = "albums/vacation/b.mp4"
	clipC = "albums/vacation/c.mp4"

	waitFor = 3 * time.Second
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()

	reg, err := catalog.Open(t.TempDir(), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, reg.Close())
	})

	require.NoError(t, reg.Migrate(context.Background()))

	return catalog.NewStore(reg)
}

func testConfig() *config.Config {
	return &config.Config{
		HLS: config.HLSConfig{
			BatchTimeoutMS: config.DefaultHLSBatchTimeoutMS,
			InflightTTLMS:  config.DefaultHLSInflightTTLMS,
		},
		Video: config.VideoConfig{
			MaxConcurrency: config.DefaultVideoMaxConcurrency,
			ThumbTimeoutMS: config.DefaultVideoThumbTimeoutMS,
		},
	}
}

// fakeRunner satisfies hls.Runner without shelling out. Transcode writes a
// playlist and one segment into the staging dir, or fails for sources
// whose name matches failSource.
type fakeRunner struct {
	mu         sync.Mutex
	duration   float64
	probeErr   error
	failSource string
	transcodes []hls.TranscodeSpec
}

func (f *fakeRunner) Probe(_ context.Context, _ string) (hls.ProbeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.probeErr != nil {
		return hls.ProbeInfo{}, f.probeErr
	}

	return hls.ProbeInfo{DurationS: f.duration, Width: 1920, Height: 1080}, nil
}

func (f *fakeRunner) Transcode(_ context.Context, spec hls.TranscodeSpec) error {
	f.mu.Lock()
	f.transcodes = append(f.transcodes, spec)
	fail := f.failSource != "" && strings.HasSuffix(spec.Source, f.failSource)
	f.mu.Unlock()

	if fail {
		return faults.New(faults.KindExternal, "", "ffmpeg: invalid data found when processing input")
	}

	if err := os.WriteFile(filepath.Join(spec.OutDir, media.PlaylistName), []byte("#EXTM3U\n"), 0o644); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(spec.OutDir, "seg_000.ts"), []byte("ts"), 0o644)
}

func (f *fakeRunner) ExtractFrame(_ context.Context, spec hls.FrameSpec) error {
	return os.WriteFile(spec.Dest, []byte("jpeg"), 0o644)
}

func (f *fakeRunner) transcodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.transcodes)
}

type testEnv struct {
	engine *hls.Engine
	store  *catalog.Store
	bus    *events.Bus
	runner *fakeRunner
	photos string
	root   string
}

// newTestEnv builds an engine over temp roots. When handler is nil the
// real transcode path runs against the fake runner.
func newTestEnv(t *testing.T, handler pool.Handler) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  newTestStore(t),
		bus:    events.NewBus(discardLogger(), nil),
		runner: &fakeRunner{duration: 42.5},
		photos: t.TempDir(),
		root:   t.TempDir(),
	}

	env.engine = hls.New(hls.Options{
		PhotosDir: env.photos,
		HLSRoot:   env.root,
		Store:     env.store,
		Bus:       env.bus,
		Runner:    env.runner,
		Config:    testConfig(),
		Logger:    discardLogger(),
	})

	if handler != nil {
		env.engine.SetHandlerForTest(handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Start(ctx)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), waitFor)
		defer stopCancel()

		_ = env.engine.Stop(stopCtx)
		cancel()
	})

	return env
}

// seedClip writes a fake video file under the photos root.
func (env *testEnv) seedClip(t *testing.T, rel string) {
	t.Helper()

	abs := filepath.Join(env.photos, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("video-bytes"), 0o644))
}

func (env *testEnv) statusRow(t *testing.T, rel string) *catalog.HLSRow {
	t.Helper()

	row, found, err := env.store.HLSStatusFor(context.Background(), rel)
	require.NoError(t, err)
	require.True(t, found, "expected hls row for %s", rel)

	return row
}

// collectGenerated subscribes to the generated topic and returns a getter
// for the payloads seen so far.
func collectGenerated(env *testEnv) func() []hls.Generated {
	var mu sync.Mutex

	var seen []hls.Generated

	env.bus.Subscribe(events.TopicHLSGenerated, func(_ context.Context, payload any) error {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, payload.(hls.Generated))

		return nil
	})

	return func() []hls.Generated {
		mu.Lock()
		defer mu.Unlock()

		return append([]hls.Generated(nil), seen...)
	}
}

func TestRunBatchTranscodesAndMarksRows(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.runner.failSource = "b.mp4"

	for _, rel := range []string{clipA, clipB, clipC} {
		env.seedClip(t, rel)
	}

	generated := collectGenerated(env)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA, clipB, clipC}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 3, Success: 2, Failed: 1, Skipped: 0}, sum)

	for _, rel := range []string{clipA, clipC} {
		row := env.statusRow(t, rel)
		assert.Equal(t, catalog.StatusExists, row.Status)
		require.NotNil(t, row.PlaylistPath)
		assert.Equal(t, hls.PlaylistRel(rel), *row.PlaylistPath)
		require.NotNil(t, row.DurationS)
		assert.InDelta(t, 42.5, *row.DurationS, 0.001)

		assert.FileExists(t, filepath.Join(env.engine.ArtifactDir(rel), media.PlaylistName))
		assert.FileExists(t, filepath.Join(env.engine.ArtifactDir(rel), "seg_000.ts"))
	}

	bad := env.statusRow(t, clipB)
	assert.Equal(t, catalog.StatusFailed, bad.Status)
	require.NotNil(t, bad.LastError)
	assert.Contains(t, *bad.LastError, "invalid data")
	assert.NoFileExists(t, filepath.Join(env.engine.ArtifactDir(clipB), media.PlaylistName))

	assert.Len(t, generated(), 2)
	assert.Zero(t, env.engine.InflightCount())
}

func TestRunBatchDropsNonVideoInputs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedClip(t, clipA)

	sum, err := env.engine.RunBatch(context.Background(),
		[]string{"albums/pic.jpg", "albums/vacation", "../escape.mp4", clipA},
		hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 1, Success: 1}, sum)
}

func TestRunBatchSkipsReservedPaths(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	env := newTestEnv(t, func(_ context.Context, _ pool.Task, _ func(pool.Message)) (pool.Result, error) {
		calls.Add(1)

		return pool.Result{Status: hls.StatusSuccess}, nil
	})

	require.True(t, env.engine.ReserveForTest(clipA))

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 1, Skipped: 1}, sum)
	assert.Zero(t, calls.Load(), "reserved path must not reach the worker")

	_, found, err := env.store.HLSStatusFor(context.Background(), clipA)
	require.NoError(t, err)
	assert.False(t, found, "reserved path must not be claimed")
}

func TestRunBatchSkipsRowsAlreadyExists(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	env := newTestEnv(t, func(_ context.Context, _ pool.Task, _ func(pool.Message)) (pool.Result, error) {
		calls.Add(1)

		return pool.Result{Status: hls.StatusSuccess}, nil
	})

	ctx := context.Background()

	claimed, err := env.store.ClaimHLSProcessing(ctx, clipA)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, env.store.MarkHLSExists(ctx, clipA, hls.PlaylistRel(clipA), 10))

	sum, err := env.engine.RunBatch(ctx, []string{clipA}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 1, Skipped: 1}, sum)
	assert.Zero(t, calls.Load())

	row := env.statusRow(t, clipA)
	assert.Equal(t, catalog.StatusExists, row.Status)
	require.NotNil(t, row.DurationS)
	assert.InDelta(t, 10, *row.DurationS, 0.001, "existing row must not be rewritten")
}

func TestRunBatchHealsArtifactAlreadyOnDisk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedClip(t, clipA)

	dir := env.engine.ArtifactDir(clipA)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, media.PlaylistName), []byte("#EXTM3U\n"), 0o644))

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 1, Skipped: 1}, sum)
	assert.Zero(t, env.runner.transcodeCount(), "on-disk rendition must not re-encode")

	row := env.statusRow(t, clipA)
	assert.Equal(t, catalog.StatusExists, row.Status)
	require.NotNil(t, row.DurationS)
	assert.InDelta(t, 42.5, *row.DurationS, 0.001)
}

func TestRunBatchSkipsPermanentFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedClip(t, clipA)

	ctx := context.Background()
	require.NoError(t, env.store.EnsureHLSPending(ctx, clipA))

	for range hls.MaxTranscodeAttempts {
		require.NoError(t, env.store.MarkHLSFailed(ctx, clipA, "ffmpeg: broken pipe"))
	}

	sum, err := env.engine.RunBatch(ctx, []string{clipA}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 1, Skipped: 1}, sum)
	assert.Zero(t, env.runner.transcodeCount())

	row := env.statusRow(t, clipA)
	assert.Equal(t, catalog.StatusFailed, row.Status)
	assert.Equal(t, hls.MaxTranscodeAttempts, row.Attempts, "skip must not burn another attempt")
}

func TestRunBatchWatchdogFailsSilentBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(ctx context.Context, _ pool.Task, _ func(pool.Message)) (pool.Result, error) {
		<-ctx.Done()

		return pool.Result{}, ctx.Err()
	})
	env.seedClip(t, clipA)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA},
		hls.BatchOptions{Timeout: 50 * time.Millisecond})

	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindTimeout), "got %v", err)
	assert.Equal(t, hls.Summary{Total: 1}, sum)

	row := env.statusRow(t, clipA)
	assert.Equal(t, catalog.StatusPending, row.Status, "stalled claim must revert for retry")
}

func TestRunBatchProgressRearmsWatchdog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(ctx context.Context, _ pool.Task, emit func(pool.Message)) (pool.Result, error) {
		// Each beat lands well inside the watchdog window; the total run
		// is several windows long.
		for range 5 {
			select {
			case <-ctx.Done():
				return pool.Result{}, ctx.Err()
			case <-time.After(20 * time.Millisecond):
				emit(pool.Heartbeat{At: time.Now()})
			}
		}

		return pool.Result{Status: hls.StatusSuccess}, nil
	})
	env.seedClip(t, clipA)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA},
		hls.BatchOptions{Timeout: 60 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, hls.Summary{Total: 1, Success: 1}, sum)
}

func TestRunBatchWorkerDeathFailsBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, _ pool.Task, _ func(pool.Message)) (pool.Result, error) {
		panic("codec blew up")
	})

	env.seedClip(t, clipA)
	env.seedClip(t, clipB)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA, clipB}, hls.BatchOptions{})

	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindInternal), "got %v", err)
	assert.Contains(t, err.Error(), "2 tasks remaining")
	assert.Equal(t, hls.Summary{Total: 2, Failed: 1}, sum)

	row := env.statusRow(t, clipA)
	assert.Equal(t, catalog.StatusFailed, row.Status)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "panic")

	assert.True(t, env.engine.ReserveForTest(clipB), "abandoned reservation must be freed")
}

func TestRunBatchHandlerFaultMarksRowAndContinues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, task pool.Task, _ func(pool.Message)) (pool.Result, error) {
		if strings.HasSuffix(task.RelPath, "a.mp4") {
			return pool.Result{}, faults.New(faults.KindInternal, "", "land rendition: device busy")
		}

		return pool.Result{Status: hls.StatusSuccess}, nil
	})

	env.seedClip(t, clipA)
	env.seedClip(t, clipB)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA, clipB}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 2, Success: 1, Failed: 1}, sum)
	assert.Equal(t, catalog.StatusFailed, env.statusRow(t, clipA).Status)
	assert.Equal(t, catalog.StatusExists, env.statusRow(t, clipB).Status)
}

func TestRunBatchDeduplicatesWithinBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedClip(t, clipA)

	sum, err := env.engine.RunBatch(context.Background(), []string{clipA, clipA}, hls.BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, hls.Summary{Total: 2, Success: 1, Skipped: 1}, sum)
	assert.Equal(t, 1, env.runner.transcodeCount())
}

func TestInflightReservationExpires(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var mu sync.Mutex

	current := time.Now()

	env.engine.SetInflightClockForTest(func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return current
	})

	require.True(t, env.engine.ReserveForTest(clipA))
	require.False(t, env.engine.ReserveForTest(clipA))

	mu.Lock()
	current = current.Add(31 * time.Minute)
	mu.Unlock()

	assert.True(t, env.engine.ReserveForTest(clipA), "expired reservation must free the slot")
}

func TestCleanupOrphansRemovesUnmappedRenditions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	const keep = "albums/keep.mp4"

	const gone = "albums/gone.mp4"

	require.NoError(t, env.store.UpsertItems(ctx, []catalog.Item{
		{Path: "albums", Type: media.TypeAlbum, ParentPath: ""},
		{Path: keep, Type: media.TypeVideo, MTime: 1, SizeBytes: 10, ParentPath: "albums"},
	}))

	claimed, err := env.store.ClaimHLSProcessing(ctx, keep)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, env.store.MarkHLSExists(ctx, keep, hls.PlaylistRel(keep), 12))
	require.NoError(t, env.store.EnsureHLSPending(ctx, gone))

	for _, rel := range []string{keep, gone} {
		dir := env.engine.ArtifactDir(rel)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, media.PlaylistName), []byte("#EXTM3U\n"), 0o644))
	}

	unmapped := filepath.Join(env.root, "deadbeefdeadbeef")
	require.NoError(t, os.MkdirAll(unmapped, 0o755))

	removed, err := env.engine.CleanupOrphans(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.DirExists(t, env.engine.ArtifactDir(keep))
	assert.NoDirExists(t, env.engine.ArtifactDir(gone))
	assert.NoDirExists(t, unmapped)

	_, found, err := env.store.HLSStatusFor(ctx, gone)
	require.NoError(t, err)
	assert.False(t, found, "orphan row must be deleted")
}
