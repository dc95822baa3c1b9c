package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/indexer"
	"github.com/stillframe/shoebox/internal/thumbs"
)

// Built-in task names.
const (
	TaskIndexRebuild  = "startup-index-rebuild"
	TaskBackfill      = "startup-backfill"
	TaskThumbRecon    = "thumb-reconcile"
	TaskHLSCleanup    = "hls-cleanup"
	TaskDBMaintenance = "db-maintenance"
)

const (
	// metaBackfillLimit bounds one metadata back-fill pass.
	metaBackfillLimit = 1000

	// thumbReconcileEvery is the thumbnail reconcile cadence.
	thumbReconcileEvery = time.Hour

	// hlsCleanupEvery is the orphan rendition sweep cadence.
	hlsCleanupEvery = time.Hour

	// hlsCleanupDelay staggers the first sweep away from boot IO.
	hlsCleanupDelay = 30 * time.Minute

	// dbMaintenanceEvery refreshes planner statistics daily.
	dbMaintenanceEvery = 24 * time.Hour

	// dbMaintenanceDelay staggers the first maintenance run.
	dbMaintenanceDelay = time.Hour
)

// Builtins carries the engines the shipped maintenance tasks drive.
type Builtins struct {
	Store  *catalog.Store
	Index  *indexer.Indexer
	Thumbs *thumbs.Engine
	HLS    *hls.Engine
	Config *config.Config
	Logger *slog.Logger
}

// RegisterBuiltins wires the maintenance tasks the core ships: the startup
// index rebuild and back-fill, hourly thumbnail reconcile and HLS cleanup,
// and daily database maintenance.
func (o *Orchestrator) RegisterBuiltins(b Builtins) {
	cfg := b.Config

	if cfg.DisableStartupIndex {
		b.Logger.Info("startup index rebuild disabled")
	} else {
		o.RunWhenIdle(TaskIndexRebuild, b.runIndexRebuild, TaskOptions{
			StartDelay:    cfg.IndexStartDelay(),
			RetryInterval: cfg.IndexRetryInterval(),
			Timeout:       cfg.IndexTimeout(),
			LockTTL:       cfg.IndexLockTTL(),
			Category:      CategoryIndex,
		})
	}

	o.RunWhenIdle(TaskBackfill, b.runBackfill, TaskOptions{
		StartDelay:    cfg.IndexStartDelay(),
		RetryInterval: cfg.IndexRetryInterval(),
		Category:      CategoryThumb,
	})

	o.RunWhenIdle(TaskThumbRecon, b.runThumbReconcile, TaskOptions{
		StartDelay:    thumbReconcileEvery,
		RetryInterval: cfg.IndexRetryInterval(),
		Every:         thumbReconcileEvery,
		Category:      CategoryThumb,
	})

	o.RunWhenIdle(TaskHLSCleanup, b.runHLSCleanup, TaskOptions{
		StartDelay:    hlsCleanupDelay,
		RetryInterval: cfg.IndexRetryInterval(),
		Every:         hlsCleanupEvery,
		Category:      CategoryHLS,
	})

	o.RunWhenIdle(TaskDBMaintenance, b.runDBMaintenance, TaskOptions{
		StartDelay:    dbMaintenanceDelay,
		RetryInterval: cfg.IndexRetryInterval(),
		Every:         dbMaintenanceEvery,
		Category:      CategoryMisc,
	})
}

// runIndexRebuild walks the photo root when the catalog is empty or a
// resume pointer marks an interrupted build. A populated catalog with no
// pointer means boot found nothing to do.
func (b Builtins) runIndexRebuild(ctx context.Context) error {
	count, err := b.Store.ItemCount(ctx)
	if err != nil {
		return err
	}

	prog, err := b.Store.IndexProgress(ctx)
	if err != nil {
		return err
	}

	if count > 0 && prog.LastPath == "" {
		b.Logger.Info("catalog already built, skipping rebuild",
			slog.Int64("items", count))

		return nil
	}

	stats, err := b.Index.FullWalk(ctx)
	if err != nil {
		return err
	}

	b.Logger.Info("index rebuild finished",
		slog.Int64("upserted", stats.Upserted),
		slog.Int64("albums", stats.Albums),
		slog.Int64("media", stats.Media),
		slog.Bool("resumed", stats.Resumed),
	)

	return nil
}

// runBackfill repairs item metadata and regenerates missing thumbnails in
// loop mode until a round finds nothing left.
func (b Builtins) runBackfill(ctx context.Context) error {
	updated, err := b.Thumbs.BackfillMeta(ctx, metaBackfillLimit)
	if err != nil {
		return err
	}

	sum, err := b.Thumbs.BatchBackfillMissing(ctx, 0, true)
	if err != nil {
		return err
	}

	b.Logger.Info("startup back-fill finished",
		slog.Int("meta_updated", updated),
		slog.Int("processed", sum.Processed),
		slog.Int("skipped", sum.Skipped),
	)

	return nil
}

func (b Builtins) runThumbReconcile(ctx context.Context) error {
	stats, err := b.Thumbs.Reconcile(ctx)
	if err != nil {
		return err
	}

	if stats.OrphanRows > 0 || stats.Demoted > 0 {
		b.Logger.Info("thumb reconcile repaired drift",
			slog.Int("orphan_rows", stats.OrphanRows),
			slog.Int("demoted", stats.Demoted),
		)
	}

	return nil
}

func (b Builtins) runHLSCleanup(ctx context.Context) error {
	removed, err := b.HLS.CleanupOrphans(ctx)
	if err != nil {
		return err
	}

	if removed > 0 {
		b.Logger.Info("hls cleanup removed orphan renditions",
			slog.Int("removed", removed))
	}

	return nil
}

func (b Builtins) runDBMaintenance(ctx context.Context) error {
	return b.Store.Registry().Maintain(ctx)
}
