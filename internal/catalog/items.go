package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/stillframe/shoebox/internal/media"
)

// Item is one catalog row: an album, photo, or video identified by its
// normalized relative path.
type Item struct {
	Path       string     `db:"path"        json:"path"`
	Type       media.Type `db:"type"        json:"type"`
	MTime      int64      `db:"mtime"       json:"mtime"`
	Width      *int64     `db:"width"       json:"width,omitempty"`
	Height     *int64     `db:"height"      json:"height,omitempty"`
	SizeBytes  int64      `db:"size_bytes"  json:"sizeBytes"`
	ParentPath string     `db:"parent_path" json:"parentPath"`
}

// BrowseSort selects the ordering for album listings.
type BrowseSort string

const (
	// SortByName orders by path, ascending.
	SortByName BrowseSort = "name"

	// SortByMTime orders newest first.
	SortByMTime BrowseSort = "mtime"
)

// Page is one page of browse or search results.
type Page struct {
	Items        []Item `json:"items"`
	PageNum      int    `json:"page"`
	TotalPages   int    `json:"totalPages"`
	TotalResults int    `json:"totalResults"`
}

// Store provides the typed catalog operations on top of the registry
// wrappers. All statements join any transaction carried on ctx.
type Store struct {
	reg *Registry
}

// NewStore wraps a registry.
func NewStore(reg *Registry) *Store {
	return &Store{reg: reg}
}

// Registry exposes the underlying registry for transaction composition.
func (s *Store) Registry() *Registry {
	return s.reg
}

// Ping verifies the main database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int

	_, err := s.reg.QueryOne(ctx, DBMain, &one, `SELECT 1`)

	return err
}

const upsertItemSQL = `
INSERT INTO items (path, type, mtime, width, height, size_bytes, parent_path)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (path) DO UPDATE SET
    mtime       = excluded.mtime,
    width       = excluded.width,
    height      = excluded.height,
    size_bytes  = excluded.size_bytes,
    parent_path = excluded.parent_path`

const (
	deleteItemFTSSQL = `DELETE FROM items_fts WHERE path = ?`
	insertItemFTSSQL = `INSERT INTO items_fts (path, title) VALUES (?, ?)`
)

// UpsertItems writes a batch of items and keeps the full-text view in
// parity: exactly one FTS row per item, refreshed on every upsert. The
// whole batch commits atomically.
func (s *Store) UpsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	itemRows := make([][]any, 0, len(items))
	ftsDeletes := make([][]any, 0, len(items))
	ftsInserts := make([][]any, 0, len(items))

	for _, it := range items {
		itemRows = append(itemRows, []any{
			it.Path, it.Type, it.MTime, it.Width, it.Height, it.SizeBytes, it.ParentPath,
		})
		ftsDeletes = append(ftsDeletes, []any{it.Path})
		ftsInserts = append(ftsInserts, []any{it.Path, titleFor(it.Path)})
	}

	return s.reg.WithTransaction(ctx, DBMain, Immediate, func(txCtx context.Context) error {
		err := s.reg.Batch(txCtx, DBMain, upsertItemSQL, itemRows)
		if err != nil {
			return err
		}

		err = s.reg.Batch(txCtx, DBMain, deleteItemFTSSQL, ftsDeletes)
		if err != nil {
			return err
		}

		return s.reg.Batch(txCtx, DBMain, insertItemFTSSQL, ftsInserts)
	})
}

// UpsertItem writes a single item (and its FTS row).
func (s *Store) UpsertItem(ctx context.Context, item Item) error {
	return s.UpsertItems(ctx, []Item{item})
}

// DeleteItem removes one item with its FTS row and artifact status rows.
// Reports whether the item existed.
func (s *Store) DeleteItem(ctx context.Context, itemPath string) (bool, error) {
	var existed bool

	err := s.reg.WithTransaction(ctx, DBMain, Immediate, func(txCtx context.Context) error {
		changes, err := s.reg.Exec(txCtx, DBMain, `DELETE FROM items WHERE path = ?`, itemPath)
		if err != nil {
			return err
		}

		existed = changes > 0

		for _, stmt := range []string{
			`DELETE FROM items_fts WHERE path = ?`,
			`DELETE FROM thumb_status WHERE path = ?`,
			`DELETE FROM hls_status WHERE path = ?`,
		} {
			_, err := s.reg.Exec(txCtx, DBMain, stmt, itemPath)
			if err != nil {
				return err
			}
		}

		return nil
	})

	return existed, err
}

// DeleteTree removes an album row and everything beneath it, cascading to
// FTS and status rows. Uses a half-open path range instead of LIKE so
// metacharacters in names need no escaping: '0' is the byte after '/'.
func (s *Store) DeleteTree(ctx context.Context, root string) (int64, error) {
	var removed int64

	err := s.reg.WithTransaction(ctx, DBMain, Immediate, func(txCtx context.Context) error {
		for _, table := range []string{"items", "items_fts", "thumb_status", "hls_status"} {
			stmt := fmt.Sprintf(
				`DELETE FROM %s WHERE path = ? OR (path >= ? || '/' AND path < ? || '0')`, table)

			changes, err := s.reg.Exec(txCtx, DBMain, stmt, root, root, root)
			if err != nil {
				return err
			}

			if table == "items" {
				removed = changes
			}
		}

		return nil
	})

	return removed, err
}

// ItemByPath fetches one item.
func (s *Store) ItemByPath(ctx context.Context, itemPath string) (*Item, bool, error) {
	var item Item

	found, err := s.reg.QueryOne(ctx, DBMain, &item,
		`SELECT path, type, mtime, width, height, size_bytes, parent_path FROM items WHERE path = ?`, itemPath)
	if err != nil || !found {
		return nil, false, err
	}

	return &item, true, nil
}

// UpdateItemMeta back-fills mtime, dimensions, and size for one item.
func (s *Store) UpdateItemMeta(ctx context.Context, itemPath string, mtime int64, width, height *int64, sizeBytes int64) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE items SET mtime = ?, width = ?, height = ?, size_bytes = ? WHERE path = ?`,
		mtime, width, height, sizeBytes, itemPath)

	return err
}

// Browse returns one page of an album's direct children, albums first.
func (s *Store) Browse(ctx context.Context, parent string, pageNum, limit int, sort BrowseSort) (*Page, error) {
	var total int

	_, err := s.reg.QueryOne(ctx, DBMain, &total,
		`SELECT COUNT(*) FROM items WHERE parent_path = ?`, parent)
	if err != nil {
		return nil, err
	}

	order := `path ASC`
	if sort == SortByMTime {
		order = `mtime DESC, path ASC`
	}

	items := []Item{}

	err = s.reg.Query(ctx, DBMain, &items,
		`SELECT path, type, mtime, width, height, size_bytes, parent_path
		   FROM items WHERE parent_path = ?
		  ORDER BY (type = 'album') DESC, `+order+`
		  LIMIT ? OFFSET ?`,
		parent, limit, (pageNum-1)*limit)
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:        items,
		PageNum:      pageNum,
		TotalPages:   totalPages(total, limit),
		TotalResults: total,
	}, nil
}

// SearchReady reports whether full-text search can serve queries: both the
// items table and its FTS view must be non-empty.
func (s *Store) SearchReady(ctx context.Context) (bool, error) {
	itemCount, err := s.ItemCount(ctx)
	if err != nil {
		return false, err
	}

	ftsCount, err := s.FTSCount(ctx)
	if err != nil {
		return false, err
	}

	return itemCount > 0 && ftsCount > 0, nil
}

// Search runs a full-text prefix query over paths and titles.
func (s *Store) Search(ctx context.Context, query string, pageNum, limit int) (*Page, error) {
	match := ftsQuery(query)

	var total int

	_, err := s.reg.QueryOne(ctx, DBMain, &total,
		`SELECT COUNT(*) FROM items_fts WHERE items_fts MATCH ?`, match)
	if err != nil {
		return nil, err
	}

	items := []Item{}

	err = s.reg.Query(ctx, DBMain, &items,
		`SELECT i.path, i.type, i.mtime, i.width, i.height, i.size_bytes, i.parent_path
		   FROM items_fts
		   JOIN items i ON i.path = items_fts.path
		  WHERE items_fts MATCH ?
		  ORDER BY rank
		  LIMIT ? OFFSET ?`,
		match, limit, (pageNum-1)*limit)
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:        items,
		PageNum:      pageNum,
		TotalPages:   totalPages(total, limit),
		TotalResults: total,
	}, nil
}

// ItemCount returns the total item row count.
func (s *Store) ItemCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM items`)
}

// FTSCount returns the FTS row count; it must equal ItemCount.
func (s *Store) FTSCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM items_fts`)
}

// AlbumPaths returns every album path, ordered.
func (s *Store) AlbumPaths(ctx context.Context) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT path FROM items WHERE type = ? ORDER BY path`, media.TypeAlbum)

	return paths, err
}

// MediaPaths returns every photo and video path, ordered.
func (s *Store) MediaPaths(ctx context.Context) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT path FROM items WHERE type != ? ORDER BY path`, media.TypeAlbum)

	return paths, err
}

// BackfillCandidates returns media paths still missing mtime or photo
// dimensions, for the startup back-fill task.
func (s *Store) BackfillCandidates(ctx context.Context, limit int) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT path FROM items
		  WHERE type != ?
		    AND (mtime = 0 OR (type = ? AND (width IS NULL OR height IS NULL)))
		  ORDER BY path LIMIT ?`,
		media.TypeAlbum, media.TypePhoto, limit)

	return paths, err
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64

	_, err := s.reg.QueryOne(ctx, DBMain, &n, query, args...)

	return n, err
}

/// titleFor derives the searchable display title: the base name without its
// extension.
func titleFor(itemPath string) string {
	base := path.Base(itemPath)

	return strings.TrimSuffix(base, path.Ext(base))
}

// ftsQuery converts raw user input into a safe FTS5 phrase-prefix match.
func ftsQuery(query string) string {
	escaped := strings.ReplaceAll(query, `"`, `""`)

	return `"` + escaped + `"*`
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}

	return (total + limit - 1) / limit
}
