package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/media"
)

// Stats summarizes one full walk.
type Stats struct {
	Upserted int64 `json:"upserted"`
	Albums   int64 `json:"albums"`
	Media    int64 `json:"media"`
	Resumed  bool  `json:"resumed"`
}

// frame is one directory on the explicit walk stack.
type frame struct {
	rel     string
	entries []fs.DirEntry
	next    int
}

// walker carries the mutable state of one walk.
type walker struct {
	ix        *Indexer
	pointer   string
	batchSize int
	batch     []catalog.Item
	stats     Stats
}

// walk traverses the photo root depth first on an explicit stack, sorted
// per directory so emitted paths are globally ordered and the persisted
// pointer can resume a crashed build. Batches commit atomically; the
// pointer only advances after its batch lands, so a crash between the two
// replays at most one committed batch.
func (ix *Indexer) walk(ctx context.Context) (Stats, error) {
	progress, err := ix.opts.Store.IndexProgress(ctx)
	if err != nil {
		return Stats{}, err
	}

	w := &walker{
		ix:        ix,
		pointer:   progress.LastPath,
		batchSize: ix.opts.Config.Index.BatchSize,
	}
	w.stats.Resumed = w.pointer != ""

	err = ix.opts.Store.SetIndexProgress(ctx, catalog.Progress{
		LastPath: w.pointer,
		State:    catalog.IndexBuilding,
	})
	if err != nil {
		return Stats{}, err
	}

	if err := w.run(ctx); err != nil {
		// The pointer survives; the next walk resumes after the last
		// committed batch.
		if stateErr := ix.opts.Store.SetIndexState(context.WithoutCancel(ctx), catalog.IndexPaused); stateErr != nil {
			ix.logger.Error("mark index paused", slog.Any("error", stateErr))
		}

		return w.stats, err
	}

	err = ix.opts.Store.SetIndexProgress(ctx, catalog.Progress{State: catalog.IndexIdle})
	if err != nil {
		return w.stats, err
	}

	ix.publishProgress(ctx, Progress{Phase: PhaseWalk, Processed: w.stats.Upserted})
	ix.logger.Info("index walk finished",
		slog.Int64("upserted", w.stats.Upserted),
		slog.Int64("albums", w.stats.Albums),
		slog.Int64("media", w.stats.Media),
		slog.Bool("resumed", w.stats.Resumed),
	)

	return w.stats, nil
}

func (w *walker) run(ctx context.Context) error {
	root, ok := w.load("")
	if !ok {
		return nil
	}

	stack := []*frame{root}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]

			continue
		}

		entry := top.entries[top.next]
		top.next++

		name := entry.Name()
		if media.ShouldSkip(name) || entry.Type()&fs.ModeSymlink != 0 {
			continue
		}

		rel := name
		if top.rel != "" {
			rel = top.rel + "/" + name
		}

		if entry.IsDir() {
			if w.skipDir(rel) {
				continue
			}

			if cmpPath(rel, w.pointer) > 0 {
				w.add(albumItem(rel, entryMTime(entry)))
			}

			if child, ok := w.load(rel); ok {
				stack = append(stack, child)
			}

			if err := w.maybeFlush(ctx); err != nil {
				return err
			}

			continue
		}

		if !entry.Type().IsRegular() || cmpPath(rel, w.pointer) <= 0 || !media.IsMedia(rel) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		w.add(catalog.Item{
			Path:       rel,
			Type:       media.TypeOf(rel),
			MTime:      info.ModTime().Unix(),
			SizeBytes:  info.Size(),
			ParentPath: media.Parent(rel),
		})

		if err := w.maybeFlush(ctx); err != nil {
			return err
		}
	}

	return w.flush(ctx)
}

// skipDir prunes a subtree the pointer already covers. A directory that
// is an ancestor of the pointer must still be descended: part of its
// subtree lies beyond the pointer.
func (w *walker) skipDir(rel string) bool {
	if w.pointer == "" {
		return false
	}

	return cmpPath(rel, w.pointer) <= 0 && !strings.HasPrefix(w.pointer, rel+"/")
}

// load reads and returns a directory frame; unreadable directories are
// logged and skipped rather than failing the walk.
func (w *walker) load(rel string) (*frame, bool) {
	entries, err := os.ReadDir(w.ix.abs(rel))
	if err != nil {
		w.ix.logger.Warn("skip unreadable directory",
			slog.String("path", rel),
			slog.Any("error", err),
		)

		return nil, false
	}

	return &frame{rel: rel, entries: entries}, true
}

func (w *walker) add(item catalog.Item) {
	w.batch = append(w.batch, item)
}

func (w *walker) maybeFlush(ctx context.Context) error {
	if len(w.batch) < w.batchSize {
		return nil
	}

	return w.flush(ctx)
}

// flush commits the batch, advances the resume pointer, and reports
// progress. When a scheduler budget is wired, heavy work pauses between
// batches until the budget clears.
func (w *walker) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	if err := w.waitForBudget(ctx); err != nil {
		return err
	}

	store := w.ix.opts.Store

	if err := store.UpsertItems(ctx, w.batch); err != nil {
		return err
	}

	thumbRows := make([]catalog.ThumbRow, 0, len(w.batch))

	for _, item := range w.batch {
		if item.Type == media.TypeAlbum {
			w.stats.Albums++

			continue
		}

		w.stats.Media++

		thumbRows = append(thumbRows, catalog.ThumbRow{Path: item.Path, MTime: item.MTime})
	}

	if err := store.EnsureThumbPendingBatch(ctx, thumbRows); err != nil {
		return err
	}

	last := w.batch[len(w.batch)-1].Path
	if err := store.AdvanceIndexPointer(ctx, last); err != nil {
		return err
	}

	w.stats.Upserted += int64(len(w.batch))

	if w.ix.opts.Metrics != nil {
		w.ix.opts.Metrics.AddItemsUpserted(ctx, int64(len(w.batch)))
	}

	w.ix.publishProgress(ctx, Progress{
		Phase:     PhaseWalk,
		Processed: w.stats.Upserted,
		LastPath:  last,
	})

	w.batch = w.batch[:0]

	return nil
}

func (w *walker) waitForBudget(ctx context.Context) error {
	if w.ix.opts.Budget == nil {
		return nil
	}

	for !w.ix.opts.Budget().AllowHeavyTasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.ix.opts.Config.IndexRetryInterval()):
		}
	}

	return nil
}

func entryMTime(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}

	return info.ModTime().Unix()
}

// cmpPath orders normalized paths by their slash components, the order
// the walk emits them in. Plain string comparison would misplace names
// containing bytes that sort below '/'.
func cmpPath(a, b string) int {
	for a != "" && b != "" {
		aHead, aTail, _ := strings.Cut(a, "/")
		bHead, bTail, _ := strings.Cut(b, "/")

		if c := strings.Compare(aHead, bHead); c != 0 {
			return c
		}

		a, b = aTail, bTail
	}

	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}
