// Package app wires the media pipeline together and owns the process
// lifecycle: ordered boot, signal-driven shutdown, and exit codes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/hardware"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/indexer"
	"github.com/stillframe/shoebox/internal/orchestrator"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/internal/sched"
	"github.com/stillframe/shoebox/internal/server"
	"github.com/stillframe/shoebox/internal/thumbs"
	"github.com/stillframe/shoebox/pkg/observability"
)

// Exit codes for the serve process.
const (
	// ExitOK is a clean shutdown.
	ExitOK = 0

	// ExitFatal is a configuration, migration, or corruption failure.
	ExitFatal = 1

	// ExitPanic is an unrecovered panic, reported after a best-effort
	// database close.
	ExitPanic = 2
)

const (
	// shutdownTimeout is the hard deadline for the drain sequence.
	shutdownTimeout = 30 * time.Second

	// viewsCloseTimeout bounds the view-history flush on abnormal exits,
	// where no drain deadline is in force.
	viewsCloseTimeout = 5 * time.Second

	// integrityRecheckDelay schedules the post-boot integrity sweep after
	// startup IO has settled.
	integrityRecheckDelay = 5 * time.Minute

	// indexReconcileDelay is the first filesystem-versus-catalog diff,
	// catching changes made while the process was down.
	indexReconcileDelay = 10 * time.Minute

	// indexReconcileEvery repeats the diff as a net under missed watcher
	// events.
	indexReconcileEvery = 6 * time.Hour

	// memMBPerGB converts the probed memory figure for the budget.
	memMBPerGB = 1024
)

// Names of the maintenance tasks the app itself registers.
const (
	taskIntegrityRecheck = "integrity-recheck"
	taskIndexReconcile   = "index-reconcile"
)

// ErrPanic marks a run that ended in a panic.
var ErrPanic = errors.New("panic while serving")

// ExitCode maps a Run error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPanic):
		return ExitPanic
	default:
		return ExitFatal
	}
}

// Options wire an App.
type Options struct {
	Config    *config.Config
	Providers observability.Providers

	// Runner overrides the media tool runner, for tests. Nil selects the
	// ffmpeg and ffprobe binaries named by the config.
	Runner hls.Runner
}

// App owns the wired components and their start and stop order.
type App struct {
	cfg    *config.Config
	prov   observability.Providers
	logger *slog.Logger
	runner hls.Runner

	metrics *observability.CoreMetrics
	bus     *events.Bus

	registry *catalog.Registry
	store    *catalog.Store
	views    *catalog.ViewRecorder
	thumbs   *thumbs.Engine
	hls      *hls.Engine
	indexer  *indexer.Indexer
	sched    *sched.Scheduler
	orch     *orchestrator.Orchestrator
	server   *server.Server

	// stopRun cancels the context the background components run under.
	stopRun  context.CancelFunc
	orchDone chan struct{}
	serveErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

// New builds the component graph skeleton. Run opens the databases and
// starts everything in boot order.
func New(opts Options) (*App, error) {
	metrics, err := observability.NewCoreMetrics(opts.Providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &App{
		cfg:      opts.Config,
		prov:     opts.Providers,
		logger:   opts.Providers.Logger.With(slog.String("component", "app")),
		runner:   opts.Runner,
		metrics:  metrics,
		bus:      events.NewBus(opts.Providers.Logger, metrics),
		orchDone: make(chan struct{}),
	}, nil
}

// Run boots the pipeline in order, serves until ctx is cancelled or the
// listener fails, then drains everything under the shutdown deadline.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.closeViews()
			a.closeRegistry()
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	// Background components outlive the signal context so shutdown can
	// drain them deliberately instead of racing the cancellation.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopRun = stop

	if err := a.boot(ctx, runCtx); err != nil {
		stop()
		a.closeViews()
		a.closeRegistry()

		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr := <-a.serveErr:
		if serveErr != nil {
			a.logger.Error("http listener failed", slog.Any("error", serveErr))
			err = serveErr
		}
	}

	if shutdownErr := a.shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	return err
}

// boot performs the ordered startup: hardware probe, directory checks,
// catalog open and migration, engine construction, thumbnail self-heal,
// background loops, the HTTP listener, and finally the live watcher.
func (a *App) boot(ctx, runCtx context.Context) error {
	hw := hardware.Detect()

	a.logger.Info("hardware detected",
		slog.Int("cpus", hw.CPUs),
		slog.Float64("memory_gb", hw.MemoryGB),
		slog.Bool("container", hw.IsContainer),
	)

	if err := a.ensureDirs(); err != nil {
		return err
	}

	if err := a.openCatalog(ctx); err != nil {
		return err
	}

	a.buildEngines(hw)

	healed, err := a.thumbs.SelfHeal(ctx)
	if err != nil {
		return fmt.Errorf("thumbnail self-heal: %w", err)
	}

	if healed > 0 {
		a.logger.Info("thumbnail rows reset after wiped artifact root",
			slog.Int64("rows", healed))
	}

	a.startBackground(ctx, runCtx)

	if err := a.startServer(); err != nil {
		return err
	}

	if err := a.indexer.Watch(runCtx); err != nil {
		// The periodic reconcile still converges the catalog.
		a.logger.Warn("filesystem watch unavailable", slog.Any("error", err))
	}

	return nil
}

// openCatalog opens the registry, gates boot on integrity, applies
// migrations, and imports a legacy single-file catalog when present.
func (a *App) openCatalog(ctx context.Context) error {
	reg, err := catalog.Open(a.cfg.DBDir(), a.prov.Logger)
	if err != nil {
		return err
	}

	a.registry = reg

	if err := reg.IntegrityCheck(ctx); err != nil {
		return err
	}

	if err := reg.Migrate(ctx); err != nil {
		return err
	}

	a.store = catalog.NewStore(reg)
	a.views = catalog.NewViewRecorder(a.store, a.prov.Logger, catalog.DefaultFlushInterval)

	imported, err := a.store.ImportLegacy(ctx, a.cfg.DataDir)
	if err != nil {
		// A failed import leaves the legacy file in place for the next
		// boot; the catalog still rebuilds from the filesystem.
		a.logger.Warn("legacy catalog import failed", slog.Any("error", err))
	} else if imported {
		a.logger.Info("legacy catalog imported")
	}

	return nil
}

// buildEngines constructs the scheduler and the three engines, sizing the
// thumbnail pool from the initial budget.
func (a *App) buildEngines(hw hardware.Info) {
	cfg := a.cfg

	a.sched = sched.New(sched.Options{
		CPUs:           hw.CPUs,
		MemBudgetMB:    int(hw.MemoryGB * memMBPerGB),
		ThumbWorkerCap: cfg.NumWorkers,
		VideoWorkerCap: cfg.Video.MaxConcurrency,
		Logger:         a.prov.Logger,
	})

	runner := a.runner
	if runner == nil {
		runner = hls.NewFFmpegRunner(cfg.FFmpegPath, cfg.FFprobePath, a.prov.Logger)
	}

	a.thumbs = thumbs.New(thumbs.Options{
		PhotosDir:  cfg.PhotosDir,
		ThumbsRoot: cfg.ThumbsRoot(),
		Workers:    a.sched.Budget().Concurrency(sched.PoolThumb),
		Store:      a.store,
		Bus:        a.bus,
		Runner:     runner,
		Config:     cfg,
		Logger:     a.prov.Logger,
		Metrics:    a.metrics,
	})

	a.hls = hls.New(hls.Options{
		PhotosDir: cfg.PhotosDir,
		HLSRoot:   cfg.HLSRoot(),
		Store:     a.store,
		Bus:       a.bus,
		Runner:    runner,
		Config:    cfg,
		Logger:    a.prov.Logger,
		Metrics:   a.metrics,
	})

	a.indexer = indexer.New(indexer.Options{
		PhotosDir: cfg.PhotosDir,
		Store:     a.store,
		Bus:       a.bus,
		Config:    cfg,
		Logger:    a.prov.Logger,
		Metrics:   a.metrics,
		Budget:    a.sched.Budget,
	})
}

// startBackground starts the engines, the scheduler loop, budget
// application, and the maintenance orchestrator with its task registry.
func (a *App) startBackground(ctx, runCtx context.Context) {
	a.thumbs.Start(runCtx)
	a.hls.Start(runCtx)
	a.indexer.Start(runCtx)

	go a.sched.Run(runCtx)
	go a.applyBudgets(runCtx)

	a.orch = orchestrator.New(orchestrator.Options{
		Budget:  a.sched.Budget,
		Locker:  orchestrator.NewLocker(ctx, a.cfg.RedisAddr, a.prov.Logger),
		Logger:  a.prov.Logger,
		Metrics: a.metrics,
	})

	a.orch.RegisterBuiltins(orchestrator.Builtins{
		Store:  a.store,
		Index:  a.indexer,
		Thumbs: a.thumbs,
		HLS:    a.hls,
		Config: a.cfg,
		Logger: a.logger,
	})

	a.orch.RunWhenIdle(taskIntegrityRecheck, a.registry.IntegrityCheck, orchestrator.TaskOptions{
		StartDelay: integrityRecheckDelay,
		Category:   orchestrator.CategoryMisc,
	})

	a.orch.RunWhenIdle(taskIndexReconcile, a.runIndexReconcile, orchestrator.TaskOptions{
		StartDelay: indexReconcileDelay,
		Every:      indexReconcileEvery,
		Category:   orchestrator.CategoryIndex,
	})

	go func() {
		a.orch.Run(runCtx)
		close(a.orchDone)
	}()

	if err := a.metrics.RegisterGauges(a.gaugeSnapshot); err != nil {
		a.logger.Warn("register gauges", slog.Any("error", err))
	}
}

// runIndexReconcile diffs the filesystem against the catalog and replays
// the differences through the change pipeline.
func (a *App) runIndexReconcile(ctx context.Context) error {
	diff, err := a.indexer.Reconcile(ctx)
	if err != nil {
		return err
	}

	if !diff.Empty() {
		a.logger.Info("reconcile repaired catalog drift",
			slog.Int("added_albums", len(diff.AddedAlbums)),
			slog.Int("removed_albums", len(diff.RemovedAlbums)),
			slog.Int("added_media", len(diff.AddedMedia)),
			slog.Int("removed_media", len(diff.RemovedMedia)),
		)
	}

	return nil
}

// applyBudgets resizes the thumbnail pool as budget snapshots arrive.
func (a *App) applyBudgets(ctx context.Context) {
	updates := a.sched.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case budget := <-updates:
			a.thumbs.Resize(budget.Concurrency(sched.PoolThumb))
		}
	}
}

// gaugeSnapshot feeds the observable gauges on each metrics scrape.
func (a *App) gaugeSnapshot() observability.GaugeSnapshot {
	healths := []pool.Health{a.thumbs.Health(), a.hls.Health(), a.indexer.Health()}
	workers := make(map[string]int64, len(healths))

	for _, h := range healths {
		workers[h.Name] = int64(len(h.Workers))
	}

	return observability.GaugeSnapshot{
		PoolWorkers: workers,
		AllowHeavy:  a.sched.Budget().AllowHeavyTasks,
	}
}

// startServer assembles the HTTP surface and opens the listener.
func (a *App) startServer() error {
	a.server = server.New(server.Options{
		Store:          a.store,
		Views:          a.views,
		Thumbs:         a.thumbs,
		HLS:            a.hls,
		Indexer:        a.indexer,
		Bus:            a.bus,
		Sched:          a.sched,
		Config:         a.cfg,
		MetricsHandler: a.prov.MetricsHandler,
		Tracer:         a.prov.Tracer,
		Logger:         a.prov.Logger,
	})

	errc, err := a.server.Start()
	if err != nil {
		return err
	}

	a.serveErr = errc

	return nil
}

// shutdown drains in boot-reverse order: stop accepting requests, pause
// maintenance, drain the engines, stop the background loops, and close
// the databases, all under one hard deadline.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error

	record := func(stage string, err error) {
		if err == nil {
			return
		}

		a.logger.Warn("shutdown stage failed",
			slog.String("stage", stage),
			slog.Any("error", err),
		)

		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	record("http", a.server.Shutdown(ctx))

	a.orch.Pause()

	record("thumbs", a.thumbs.Drain(ctx))
	record("hls", a.hls.Stop(ctx))
	record("indexer", a.indexer.Stop(ctx))

	a.stopRun()

	select {
	case <-a.orchDone:
	case <-ctx.Done():
		record("orchestrator", ctx.Err())
	}

	record("views", a.views.Close(ctx))
	record("catalog", a.closeRegistryErr())

	a.logger.Info("shutdown complete")

	return firstErr
}

// closeViews flushes and stops the view recorder, logging any error. Runs
// before the registry closes so the final batch still has a database.
func (a *App) closeViews() {
	if a.views == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), viewsCloseTimeout)
	defer cancel()

	if err := a.views.Close(ctx); err != nil {
		a.logger.Warn("flush view history", slog.Any("error", err))
	}
}

// closeRegistry checkpoints and closes the databases, logging any error.
func (a *App) closeRegistry() {
	if err := a.closeRegistryErr(); err != nil {
		a.logger.Warn("close catalog", slog.Any("error", err))
	}
}

func (a *App) closeRegistryErr() error {
	if a.registry == nil {
		return nil
	}

	a.closeOnce.Do(func() { a.closeErr = a.registry.Close() })

	return a.closeErr
}
