package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stillframe/shoebox/internal/media"
)

// Diff is the gap between filesystem and catalog found by a reconcile.
type Diff struct {
	AddedAlbums   []string `json:"addedAlbums"`
	RemovedAlbums []string `json:"removedAlbums"`
	AddedMedia    []string `json:"addedMedia"`
	RemovedMedia  []string `json:"removedMedia"`
}

// Empty reports whether the two sides already agree.
func (d Diff) Empty() bool {
	return len(d.AddedAlbums) == 0 && len(d.RemovedAlbums) == 0 &&
		len(d.AddedMedia) == 0 && len(d.RemovedMedia) == 0
}

// changes converts the diff into change records: removals first so a
// path that switched type is deleted before its reinsert, then albums
// shallowest first so parents exist before children.
func (d Diff) changes() []Change {
	out := make([]Change, 0,
		len(d.RemovedMedia)+len(d.RemovedAlbums)+len(d.AddedAlbums)+len(d.AddedMedia))

	for _, rel := range d.RemovedMedia {
		out = append(out, Change{Op: OpUnlink, Path: rel})
	}

	for _, rel := range d.RemovedAlbums {
		out = append(out, Change{Op: OpUnlinkDir, Path: rel})
	}

	for _, rel := range d.AddedAlbums {
		out = append(out, Change{Op: OpAddDir, Path: rel})
	}

	for _, rel := range d.AddedMedia {
		out = append(out, Change{Op: OpAdd, Path: rel})
	}

	return out
}

// Reconcile diffs the filesystem against the catalog and repairs the gap
// through the regular change path, which keeps the full-text view in
// parity as a side effect.
func (ix *Indexer) Reconcile(ctx context.Context) (Diff, error) {
	fsAlbumSet, fsMediaSet, err := ix.scanTree(ctx)
	if err != nil {
		return Diff{}, err
	}

	dbAlbums, err := ix.opts.Store.AlbumPaths(ctx)
	if err != nil {
		return Diff{}, err
	}

	dbMedia, err := ix.opts.Store.MediaPaths(ctx)
	if err != nil {
		return Diff{}, err
	}

	fsAlbums := setToSlice(fsAlbumSet)
	fsMedia := setToSlice(fsMediaSet)

	diff := Diff{
		AddedAlbums:   missingFrom(fsAlbums, dbAlbums),
		RemovedAlbums: missingFrom(dbAlbums, fsAlbums),
		AddedMedia:    missingFrom(fsMedia, dbMedia),
		RemovedMedia:  missingFrom(dbMedia, fsMedia),
	}

	if diff.Empty() {
		return diff, nil
	}

	if err := ix.Apply(ctx, diff.changes()); err != nil {
		return diff, err
	}

	ix.publishProgress(ctx, Progress{
		Phase: PhaseReconcile,
		Processed: int64(len(diff.AddedAlbums) + len(diff.RemovedAlbums) +
			len(diff.AddedMedia) + len(diff.RemovedMedia)),
	})

	return diff, nil
}

// scanTree collects album and media paths from disk, fanning subtrees out
// across the configured scan concurrency.
func (ix *Indexer) scanTree(ctx context.Context) (albums, mediaPaths map[string]struct{}, err error) {
	albums = make(map[string]struct{})
	mediaPaths = make(map[string]struct{})

	entries, err := os.ReadDir(ix.opts.PhotosDir)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)

	limit := ix.opts.Config.Index.Concurrency
	if limit <= 0 {
		limit = 1
	}

	group.SetLimit(limit)

	for _, entry := range entries {
		name := entry.Name()
		if media.ShouldSkip(name) || entry.Type()&fs.ModeSymlink != 0 {
			continue
		}

		if !entry.IsDir() {
			if entry.Type().IsRegular() && media.IsMedia(name) {
				mu.Lock()
				mediaPaths[name] = struct{}{}
				mu.Unlock()
			}

			continue
		}

		mu.Lock()
		albums[name] = struct{}{}
		mu.Unlock()

		group.Go(func() error {
			localAlbums, localMedia, scanErr := ix.scanSubtree(groupCtx, name)
			if scanErr != nil {
				return scanErr
			}

			mu.Lock()
			defer mu.Unlock()

			for rel := range localAlbums {
				albums[rel] = struct{}{}
			}

			for rel := range localMedia {
				mediaPaths[rel] = struct{}{}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	return albums, mediaPaths, nil
}

// scanSubtree walks one top-level directory, applying the same skip rules
// as the full walk.
func (ix *Indexer) scanSubtree(ctx context.Context, relRoot string) (map[string]struct{}, map[string]struct{}, error) {
	albums := make(map[string]struct{})
	mediaPaths := make(map[string]struct{})

	absRoot := ix.abs(relRoot)

	err := filepath.WalkDir(absRoot, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if abs == absRoot {
			return nil
		}

		name := d.Name()
		if media.ShouldSkip(name) {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		rel, ok := ix.relOf(abs)
		if !ok {
			return nil
		}

		if d.IsDir() {
			albums[rel] = struct{}{}

			return nil
		}

		if d.Type().IsRegular() && media.IsMedia(rel) {
			mediaPaths[rel] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return albums, mediaPaths, nil
}

// missingFrom returns the members of have absent from want, sorted.
func missingFrom(have, want []string) []string {
	wantSet := make(map[string]struct{}, len(want))

	for _, rel := range want {
		wantSet[rel] = struct{}{}
	}

	var out []string

	for _, rel := range have {
		if _, ok := wantSet[rel]; !ok {
			out = append(out, rel)
		}
	}

	sort.Strings(out)

	return out
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))

	for rel := range set {
		out = append(out, rel)
	}

	sort.Strings(out)

	return out
}
