package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/stillframe/shoebox/internal/media"
)

// Watch mirrors live filesystem mutations into change records until ctx
// ends. Every directory in the tree is registered up front; directories
// created later join the watch set as their create events arrive.
func (ix *Indexer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := ix.watchTree(watcher, ix.opts.PhotosDir); err != nil {
		_ = watcher.Close()

		return err
	}

	go ix.watchLoop(ctx, watcher)

	return nil
}

// watchTree registers root and every non-skipped directory beneath it.
func (ix *Indexer) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			ix.logger.Warn("watch scan", slog.String("path", abs), slog.Any("error", err))

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if abs != root && media.ShouldSkip(d.Name()) {
			return fs.SkipDir
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return fs.SkipDir
		}

		if err := watcher.Add(abs); err != nil {
			ix.logger.Warn("watch add", slog.String("path", abs), slog.Any("error", err))
		}

		return nil
	})
}

func (ix *Indexer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		if err := watcher.Close(); err != nil {
			ix.logger.Warn("close watcher", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			ix.handleEvent(ctx, watcher, ev)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			ix.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// handleEvent maps one fsnotify event to change records. Removals consult
// the catalog to tell albums from media: the path is already gone from
// disk by the time the event arrives.
func (ix *Indexer) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	rel, ok := ix.relOf(ev.Name)
	if !ok || media.ShouldSkip(filepath.Base(ev.Name)) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		ix.handleCreate(watcher, ev.Name, rel)

	case ev.Op.Has(fsnotify.Write):
		if media.IsMedia(rel) {
			ix.Enqueue(Change{Op: OpAdd, Path: rel})
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		ix.handleRemoval(ctx, rel)
	}
}

func (ix *Indexer) handleCreate(watcher *fsnotify.Watcher, abs, rel string) {
	info, err := os.Lstat(abs)
	if err != nil || info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		// Files can land between mkdir and the watch registration, so
		// the new subtree is scanned as well as watched.
		if err := watcher.Add(abs); err != nil {
			ix.logger.Warn("watch add", slog.String("path", rel), slog.Any("error", err))
		}

		ix.Enqueue(Change{Op: OpAddDir, Path: rel})
		ix.enqueueSubtree(watcher, abs, rel)

		return
	}

	if media.IsMedia(rel) {
		ix.Enqueue(Change{Op: OpAdd, Path: rel})
	}
}

// enqueueSubtree records everything already inside a newly created
// directory.
func (ix *Indexer) enqueueSubtree(watcher *fsnotify.Watcher, absDir, relDir string) {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if media.ShouldSkip(name) || entry.Type()&fs.ModeSymlink != 0 {
			continue
		}

		abs := filepath.Join(absDir, name)
		rel := relDir + "/" + name

		if entry.IsDir() {
			if err := watcher.Add(abs); err != nil {
				ix.logger.Warn("watch add", slog.String("path", rel), slog.Any("error", err))
			}

			ix.Enqueue(Change{Op: OpAddDir, Path: rel})
			ix.enqueueSubtree(watcher, abs, rel)

			continue
		}

		if entry.Type().IsRegular() && media.IsMedia(rel) {
			ix.Enqueue(Change{Op: OpAdd, Path: rel})
		}
	}
}

func (ix *Indexer) handleRemoval(ctx context.Context, rel string) {
	item, found, err := ix.opts.Store.ItemByPath(ctx, rel)
	if err != nil {
		ix.logger.Warn("lookup removed path", slog.String("path", rel), slog.Any("error", err))

		return
	}

	if !found {
		// Created and deleted inside one debounce window; the add will
		// see the missing file and no-op.
		return
	}

	if item.Type == media.TypeAlbum {
		ix.Enqueue(Change{Op: OpUnlinkDir, Path: rel})

		return
	}

	ix.Enqueue(Change{Op: OpUnlink, Path: rel})
}
