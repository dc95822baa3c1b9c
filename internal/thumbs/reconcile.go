package thumbs

import (
	"context"
	"os"
	"sync"

	"github.com/h2non/bimg"
	"golang.org/x/sync/errgroup"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/media"
)

// demoteSampleSize bounds how many exists rows one reconcile pass verifies
// on disk. The hourly cadence converges on full coverage over time.
const demoteSampleSize = 200

// ReconcileStats tallies one reconcile pass.
type ReconcileStats struct {
	OrphanRows int `json:"orphanRows"`
	Demoted    int `json:"demoted"`
}

// Reconcile repairs drift between thumb rows and the world around them:
// rows whose catalog item vanished are dropped along with their artifact
// files, and a sample of exists rows is spot-checked against the artifact
// root, demoting rows whose file is gone so the back-fill regenerates them.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	orphans, err := e.opts.Store.OrphanThumbPaths(ctx)
	if err != nil {
		return stats, err
	}

	for _, rel := range orphans {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		_ = os.Remove(e.ArtifactAbs(rel))
	}

	if len(orphans) > 0 {
		if err := e.opts.Store.DeleteThumbRows(ctx, orphans); err != nil {
			return stats, err
		}

		stats.OrphanRows = len(orphans)
	}

	sample, err := e.opts.Store.SampleThumbRows(ctx, catalog.StatusExists, demoteSampleSize)
	if err != nil {
		return stats, err
	}

	for _, row := range sample {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if _, err := os.Stat(e.ArtifactAbs(row.Path)); err == nil {
			continue
		}

		demoted, err := e.opts.Store.DemoteThumbExists(ctx, row.Path)
		if err != nil {
			return stats, err
		}

		if demoted {
			stats.Demoted++
		}
	}

	return stats, nil
}

// BackfillMeta fills missing mtime, size, and photo dimensions for up to
// limit catalog items. Sources that vanished are left for reconciliation.
// Returns how many items were updated.
func (e *Engine) BackfillMeta(ctx context.Context, limit int) (int, error) {
	candidates, err := e.opts.Store.BackfillCandidates(ctx, limit)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		updated int
	)

	var g errgroup.Group
	g.SetLimit(max(e.pool.WorkerCount(), 1))

	for _, rel := range candidates {
		g.Go(func() error {
			abs := e.SourceAbs(rel)

			info, err := os.Stat(abs)
			if err != nil {
				return nil
			}

			var width, height *int64

			if media.TypeOf(rel) == media.TypePhoto {
				width, height = probeDimensions(abs)
			}

			err = e.opts.Store.UpdateItemMeta(ctx, rel, info.ModTime().Unix(), width, height, info.Size())
			if err != nil {
				return err
			}

			mu.Lock()
			updated++
			mu.Unlock()

			return nil
		})
	}

	err = g.Wait()

	return updated, err
}

// probeDimensions reads pixel dimensions from an image file. Undecodable
// sources report nil; the thumbnail path surfaces their real error later.
func probeDimensions(abs string) (width, height *int64) {
	buf, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil
	}

	size, err := bimg.NewImage(buf).Size()
	if err != nil {
		return nil, nil
	}

	w, h := int64(size.Width), int64(size.Height)

	return &w, &h
}
