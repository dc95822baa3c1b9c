// Package indexer keeps the catalog in step with the photo root. A full
// walk builds the item table from scratch and can resume mid-tree after a
// crash, a filesystem watcher turns live mutations into change records,
// and reconciliation diffs disk against catalog to repair anything the
// watcher missed. All three paths funnel through the same change
// application so the full-text view never drifts from the item table.
package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/internal/sched"
	"github.com/stillframe/shoebox/pkg/observability"
)

// PoolName labels the indexing worker singleton.
const PoolName = "index"

// debounceWindow coalesces watcher bursts before applying them.
const debounceWindow = 250 * time.Millisecond

// batchQueueSize bounds change batches waiting for the apply loop.
const batchQueueSize = 16

// Walk phases published on events.TopicIndexProgress.
const (
	PhaseWalk      = "walk"
	PhaseReconcile = "reconcile"
)

// Progress is the payload published on events.TopicIndexProgress.
type Progress struct {
	Phase     string `json:"phase"`
	Processed int64  `json:"processed"`
	LastPath  string `json:"lastPath,omitempty"`
}

// Op is a filesystem mutation kind.
type Op string

// Change record operations, media and album flavored.
const (
	OpAdd       Op = "add"
	OpUnlink    Op = "unlink"
	OpAddDir    Op = "addDir"
	OpUnlinkDir Op = "unlinkDir"
)

// Change is one filesystem mutation to mirror into the catalog.
type Change struct {
	Op   Op
	Path string
}

// Options configure the indexer.
type Options struct {
	// PhotosDir is the absolute media root.
	PhotosDir string

	Store   *catalog.Store
	Bus     *events.Bus
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.CoreMetrics

	// Budget, when set, gates walk batches: flushing pauses while heavy
	// tasks are disallowed.
	Budget func() sched.Budget
}

// Indexer owns the index worker and the watcher-fed change queue.
type Indexer struct {
	opts   Options
	logger *slog.Logger

	index *pool.Singleton

	lifetime context.Context

	// debounce is the coalescing window; tests shrink it.
	debounce time.Duration

	mu     sync.Mutex
	queued []Change
	seen   map[string]struct{}
	armed  bool

	batches chan []Change
}

// New builds the indexer; Start must be called before use.
func New(opts Options) *Indexer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ix := &Indexer{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "indexer")),
		debounce: debounceWindow,
		seen:     make(map[string]struct{}),
		batches:  make(chan []Change, batchQueueSize),
	}

	ix.index = pool.NewSingleton(pool.SingletonOptions{
		Name:    PoolName,
		Handler: ix.runWalkTask,
		Logger:  opts.Logger,
	})

	return ix
}

// Start records the lifetime context and launches the apply loop. The
// index worker itself stays cold until the first walk.
func (ix *Indexer) Start(ctx context.Context) {
	ix.lifetime = ctx
	ix.index.Start(ctx)

	go ix.applyLoop(ctx)
}

// Stop tears down the index worker, draining a running walk.
func (ix *Indexer) Stop(ctx context.Context) error {
	return ix.index.Stop(ctx)
}

// Health reports the index worker health snapshot.
func (ix *Indexer) Health() pool.Health {
	return ix.index.Health()
}

// FullWalk rebuilds the catalog from the photo root through the index
// worker, resuming after the persisted pointer when one is set.
func (ix *Indexer) FullWalk(ctx context.Context) (Stats, error) {
	fut, err := ix.index.Submit(pool.Task{
		Kind:  pool.KindIndex,
		Trace: events.TraceFrom(ctx),
		Ctx:   ctx,
	})
	if err != nil {
		return Stats{}, err
	}

	res, err := fut.Wait(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats, _ := res.Payload.(Stats)

	return stats, nil
}

// runWalkTask is the index worker handler.
func (ix *Indexer) runWalkTask(ctx context.Context, task pool.Task, _ func(pool.Message)) (pool.Result, error) {
	if task.Kind != pool.KindIndex {
		return pool.Result{}, faults.Newf(faults.KindInternal, "",
			"index worker cannot handle %s tasks", task.Kind)
	}

	stats, err := ix.walk(ctx)
	if err != nil {
		return pool.Result{}, err
	}

	return pool.Result{Payload: stats}, nil
}

// Enqueue stages change records for the debounced apply loop. Exact
// duplicates inside one window collapse; distinct records keep their
// arrival order.
func (ix *Indexer) Enqueue(changes ...Change) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, ch := range changes {
		key := string(ch.Op) + "|" + ch.Path
		if _, dup := ix.seen[key]; dup {
			continue
		}

		ix.seen[key] = struct{}{}
		ix.queued = append(ix.queued, ch)
	}

	if len(ix.queued) == 0 || ix.armed {
		return
	}

	// The window opens at the first record rather than rearming per
	// record, so a steady trickle cannot defer application forever.
	ix.armed = true

	time.AfterFunc(ix.debounce, ix.flushChanges)
}

// flushChanges hands the coalesced window to the apply loop.
func (ix *Indexer) flushChanges() {
	ix.mu.Lock()
	batch := ix.queued
	ix.queued = nil
	ix.seen = make(map[string]struct{})
	ix.armed = false
	ix.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	select {
	case ix.batches <- batch:
	case <-ix.lifetime.Done():
	}
}

// applyLoop applies change batches one at a time, in arrival order.
func (ix *Indexer) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-ix.batches:
			if err := ix.Apply(ctx, batch); err != nil {
				ix.logger.Error("apply changes", slog.Any("error", err))
			}
		}
	}
}

// Apply mirrors change records into the catalog sequentially. A missing
// source file on add is a race with deletion, not an error.
func (ix *Indexer) Apply(ctx context.Context, changes []Change) error {
	for _, ch := range changes {
		var err error

		switch ch.Op {
		case OpAdd:
			err = ix.applyAdd(ctx, ch.Path)
		case OpAddDir:
			err = ix.applyAddDir(ctx, ch.Path)
		case OpUnlink:
			_, err = ix.opts.Store.DeleteItem(ctx, ch.Path)
		case OpUnlinkDir:
			_, err = ix.opts.Store.DeleteTree(ctx, ch.Path)
		default:
			err = faults.Newf(faults.KindInternal, "", "unknown change op %q", ch.Op)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (ix *Indexer) applyAdd(ctx context.Context, rel string) error {
	abs := ix.abs(rel)

	info, err := os.Stat(abs)
	if err != nil {
		return nil
	}

	if err := ix.upsertParents(ctx, rel); err != nil {
		return err
	}

	mtime := info.ModTime().Unix()

	err = ix.opts.Store.UpsertItem(ctx, catalog.Item{
		Path:       rel,
		Type:       media.TypeOf(rel),
		MTime:      mtime,
		SizeBytes:  info.Size(),
		ParentPath: media.Parent(rel),
	})
	if err != nil {
		return err
	}

	return ix.opts.Store.EnsureThumbPending(ctx, rel, mtime)
}

func (ix *Indexer) applyAddDir(ctx context.Context, rel string) error {
	info, err := os.Stat(ix.abs(rel))
	if err != nil {
		return nil
	}

	if err := ix.upsertParents(ctx, rel); err != nil {
		return err
	}

	return ix.opts.Store.UpsertItem(ctx, albumItem(rel, info.ModTime().Unix()))
}

// upsertParents guarantees the album chain above rel, nearest last so
// ancestors land before their children.
func (ix *Indexer) upsertParents(ctx context.Context, rel string) error {
	chain := media.ParentChain(rel)
	if len(chain) == 0 {
		return nil
	}

	albums := make([]catalog.Item, 0, len(chain))

	for i := len(chain) - 1; i >= 0; i-- {
		parent := chain[i]

		mtime := int64(0)
		if info, err := os.Stat(ix.abs(parent)); err == nil {
			mtime = info.ModTime().Unix()
		}

		albums = append(albums, albumItem(parent, mtime))
	}

	return ix.opts.Store.UpsertItems(ctx, albums)
}

func (ix *Indexer) abs(rel string) string {
	return filepath.Join(ix.opts.PhotosDir, filepath.FromSlash(rel))
}

func albumItem(rel string, mtime int64) catalog.Item {
	return catalog.Item{
		Path:       rel,
		Type:       media.TypeAlbum,
		MTime:      mtime,
		ParentPath: media.Parent(rel),
	}
}

// relOf converts an absolute watcher path to a normalized catalog path.
func (ix *Indexer) relOf(abs string) (string, bool) {
	rel, err := filepath.Rel(ix.opts.PhotosDir, abs)
	if err != nil || rel == "." {
		return "", false
	}

	normalized, err := media.Normalize(filepath.ToSlash(rel))
	if err != nil {
		return "", false
	}

	return normalized, true
}

func (ix *Indexer) publishProgress(ctx context.Context, p Progress) {
	if ix.opts.Bus != nil {
		ix.opts.Bus.Publish(ctx, events.TopicIndexProgress, p)
	}
}
