package thumbs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stillframe/shoebox/internal/catalog"
)

const (
	// selfHealMinRows is the exists-row count a catalog must exceed before
	// a wipe reset is considered; small catalogs just regenerate on demand.
	selfHealMinRows = 100

	// selfHealSample is how many exists rows are spot-checked on disk.
	selfHealSample = 50

	// selfHealScanDepth is how many directory levels the emptiness scan
	// descends under the artifact root.
	selfHealScanDepth = 2
)

// SelfHeal detects an artifact root that was wiped while the catalog still
// believes its thumbnails exist: the root holds no files in its top two
// levels and a random sample of exists rows finds nothing on disk. When
// both hold, every exists row resets to pending so the back-fill
// regenerates. Returns the number of rows reset.
func (e *Engine) SelfHeal(ctx context.Context) (int64, error) {
	existsRows, err := e.opts.Store.CountThumbStatus(ctx, catalog.StatusExists)
	if err != nil {
		return 0, err
	}

	if existsRows <= selfHealMinRows {
		return 0, nil
	}

	// The sample runs unconditionally; a reset needs both the scan and
	// the sample to agree the root is empty.
	sample, err := e.opts.Store.SampleThumbRows(ctx, catalog.StatusExists, selfHealSample)
	if err != nil {
		return 0, err
	}

	for _, row := range sample {
		if fileExists(e.ArtifactAbs(row.Path)) {
			return 0, nil
		}
	}

	if hasFilesWithin(e.opts.ThumbsRoot, selfHealScanDepth) {
		return 0, nil
	}

	reset, err := e.opts.Store.ResetThumbStatuses(ctx,
		[]catalog.ArtifactStatus{catalog.StatusExists}, catalog.StatusPending)
	if err != nil {
		return 0, err
	}

	e.logger.Warn("artifact root looks wiped, rescheduling thumbnails",
		slog.String("root", e.opts.ThumbsRoot),
		slog.Int64("reset", reset),
	)

	return reset, nil
}

// hasFilesWithin reports whether any regular file lives within depth
// directory levels under root.
func hasFilesWithin(root string, depth int) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			return true
		}

		if depth > 1 && hasFilesWithin(filepath.Join(root, entry.Name()), depth-1) {
			return true
		}
	}

	return false
}
