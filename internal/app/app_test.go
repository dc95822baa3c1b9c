package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/stillframe/shoebox/internal/app"
	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/pkg/observability"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 50 * time.Millisecond

	// quietMaintenanceDelayMS keeps orchestrator tasks outside the test
	// window so assertions see only the boot-time state.
	quietMaintenanceDelayMS = 600000

	// selfHealSeedRows exceeds the minimum row count the wipe detection
	// requires before it considers a reset.
	selfHealSeedRows = 150
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProviders() observability.Providers {
	return observability.Providers{
		Tracer:   nooptrace.NewTracerProvider().Tracer("test"),
		Meter:    noopmetric.NewMeterProvider().Meter("test"),
		Logger:   discardLogger(),
		Shutdown: func(context.Context) error { return nil },
	}
}

// fakeRunner satisfies hls.Runner without shelling out; video thumbnails
// land through ExtractFrame so generation works end to end.
type fakeRunner struct{}

func (fakeRunner) Probe(_ context.Context, _ string) (hls.ProbeInfo, error) {
	return hls.ProbeInfo{DurationS: 100, Width: 1920, Height: 1080}, nil
}

func (fakeRunner) Transcode(_ context.Context, _ hls.TranscodeSpec) error {
	return nil
}

func (fakeRunner) ExtractFrame(_ context.Context, spec hls.FrameSpec) error {
	if err := os.MkdirAll(filepath.Dir(spec.Dest), 0o755); err != nil {
		return err
	}

	return os.WriteFile(spec.Dest, []byte("poster"), 0o644)
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func testConfig(t *testing.T, photos string) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Port:      freePort(t),
		PhotosDir: photos,
		DataDir:   t.TempDir(),
	}
	cfg.Normalize()
	cfg.Index.StartDelayMS = quietMaintenanceDelayMS

	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()

	a, err := app.New(app.Options{
		Config:    cfg,
		Providers: testProviders(),
		Runner:    fakeRunner{},
	})
	require.NoError(t, err)

	return a
}

// runAsync launches Run on a cancelable context and returns its error
// channel. The cancel is hooked into cleanup for failure paths; passing
// tests cancel and drain explicitly.
func runAsync(t *testing.T, a *app.App) (<-chan error, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)

	go func() { done <- a.Run(ctx) }()

	return done, cancel
}

func waitHealthy(t *testing.T, baseURL string) {
	t.Helper()

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			return false
		}

		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode == http.StatusOK
	}, waitFor, pollTick)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("run did not stop in time")

		return nil
	}
}

func browseContains(baseURL, rel string) bool {
	resp, err := http.Get(baseURL + "/api/browse")
	if err != nil {
		return false
	}

	defer resp.Body.Close()

	var page struct {
		Items []struct {
			Path string `json:"path"`
		} `json:"items"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return false
	}

	for _, item := range page.Items {
		if item.Path == rel {
			return true
		}
	}

	return false
}

func TestRunServesAndShutsDownCleanly(t *testing.T) {
	t.Parallel()

	photos := t.TempDir()
	cfg := testConfig(t, photos)
	a := newApp(t, cfg)

	done, cancel := runAsync(t, a)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	waitHealthy(t, baseURL)

	for _, dir := range []string{cfg.DBDir(), cfg.ThumbsRoot(), cfg.HLSRoot(), cfg.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir(), dir)
	}

	// A file dropped into the photo root flows through the watcher into
	// the catalog. Rewriting on each attempt covers the window between
	// the listener opening and the watch starting.
	clip := filepath.Join(photos, "clip.mp4")

	require.Eventually(t, func() bool {
		if err := os.WriteFile(clip, []byte("mp4"), 0o644); err != nil {
			return false
		}

		return browseContains(baseURL, "clip.mp4")
	}, waitFor, 4*pollTick)

	// The indexed video serves a generated poster thumbnail.
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/api/thumbnail?path=clip.mp4")
		if err != nil {
			return false
		}

		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode == http.StatusOK
	}, waitFor, 4*pollTick)

	// A view posted right before shutdown still lands: the recorder's
	// final flush runs while the catalog is open.
	viewResp, err := http.Post(baseURL+"/api/history", "application/json",
		strings.NewReader(`{"itemPath":"clip.mp4","viewedAt":1700000001}`))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, viewResp.Body)
	require.NoError(t, viewResp.Body.Close())
	require.Equal(t, http.StatusAccepted, viewResp.StatusCode)

	cancel()

	require.NoError(t, waitDone(t, done))

	reg, err := catalog.Open(cfg.DBDir(), discardLogger())
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	views, err := catalog.NewStore(reg).RecentViews(context.Background(), "local", 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "clip.mp4", views[0].ItemPath)
	assert.Equal(t, int64(1700000001), views[0].ViewedAt)
}

func TestRunRejectsMissingPhotoRoot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent"))
	a := newApp(t, cfg)

	err := a.Run(context.Background())

	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
	assert.Equal(t, app.ExitFatal, app.ExitCode(err))
}

func TestRunRefusesCorruptCatalog(t *testing.T) {
	t.Parallel()

	photos := t.TempDir()
	cfg := testConfig(t, photos)

	require.NoError(t, os.MkdirAll(cfg.DBDir(), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.DBDir(), "main.sqlite"), []byte("not a database"), 0o644))

	a := newApp(t, cfg)

	err := a.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, app.ExitFatal, app.ExitCode(err))
}

// seedExistsRows writes items whose thumb rows claim exists while the
// artifact root holds nothing, the state a wiped volume leaves behind.
func seedExistsRows(t *testing.T, cfg *config.Config, n int) {
	t.Helper()

	reg, err := catalog.Open(cfg.DBDir(), discardLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Migrate(context.Background()))

	store := catalog.NewStore(reg)

	items := make([]catalog.Item, 0, n)
	rows := make([]catalog.ThumbRow, 0, n)

	for i := range n {
		rel := fmt.Sprintf("img%03d.jpg", i)
		items = append(items, catalog.Item{Path: rel, Type: media.TypePhoto, MTime: int64(i)})
		rows = append(rows, catalog.ThumbRow{Path: rel, MTime: int64(i)})
	}

	require.NoError(t, store.UpsertItems(context.Background(), items))
	require.NoError(t, store.EnsureThumbPendingBatch(context.Background(), rows))

	reset, err := store.ResetThumbStatuses(context.Background(),
		[]catalog.ArtifactStatus{catalog.StatusPending}, catalog.StatusExists)
	require.NoError(t, err)
	require.EqualValues(t, n, reset)

	require.NoError(t, reg.Close())
}

func TestSelfHealResetsWipedThumbRoot(t *testing.T) {
	t.Parallel()

	photos := t.TempDir()
	cfg := testConfig(t, photos)

	seedExistsRows(t, cfg, selfHealSeedRows)

	a := newApp(t, cfg)
	done, cancel := runAsync(t, a)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	waitHealthy(t, baseURL)

	resp, err := http.Get(baseURL + "/api/thumbnail/stats")
	require.NoError(t, err)

	defer resp.Body.Close()

	var stats struct {
		Counts map[string]int64 `json:"counts"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, selfHealSeedRows, stats.Counts["pending"])
	assert.Zero(t, stats.Counts["exists"])

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestExitCodeMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, app.ExitOK, app.ExitCode(nil))
	assert.Equal(t, app.ExitFatal, app.ExitCode(errors.New("boot failed")))
	assert.Equal(t, app.ExitPanic, app.ExitCode(fmt.Errorf("serve: %w", app.ErrPanic)))
}
