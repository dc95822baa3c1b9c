package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pierrec/lz4/v4"

	"github.com/stillframe/shoebox/internal/media"
)

const (
	// legacyDBName is the single-file database older releases wrote.
	legacyDBName = "gallery.db"

	// legacyBackupSuffix names the compressed copy kept before import.
	legacyBackupSuffix = ".bak.lz4"

	// legacyImportedSuffix marks a consumed legacy database so restarts
	// never import it twice.
	legacyImportedSuffix = ".imported"

	// legacyDSNOptions opens the legacy file without rewriting its
	// journal mode.
	legacyDSNOptions = "?_pragma=busy_timeout(5000)"
)

type legacyItemRow struct {
	Path       string `db:"path"`
	Type       string `db:"type"`
	MTime      int64  `db:"mtime"`
	Width      *int64 `db:"width"`
	Height     *int64 `db:"height"`
	SizeBytes  int64  `db:"size_bytes"`
	ParentPath string `db:"parent_path"`
}

type legacyStatusRow struct {
	Path         string   `db:"path"`
	Status       string   `db:"status"`
	MTime        int64    `db:"mtime"`
	PlaylistPath *string  `db:"playlist_path"`
	DurationS    *float64 `db:"duration_s"`
}

type legacyKVRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// ImportLegacy migrates a pre-split gallery.db into the current databases.
// It returns false when no legacy file is present. The original is backed
// up compressed and then renamed so the import runs at most once. Missing
// tables in the legacy file are logged and skipped, never fatal.
func (s *Store) ImportLegacy(ctx context.Context, dataDir string) (bool, error) {
	legacyPath := filepath.Join(dataDir, legacyDBName)

	_, err := os.Stat(legacyPath)
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("stat legacy database: %w", err)
	}

	err = backupCompressed(legacyPath, legacyPath+legacyBackupSuffix)
	if err != nil {
		return false, fmt.Errorf("back up legacy database: %w", err)
	}

	legacy, err := sqlx.Connect("sqlite", legacyPath+legacyDSNOptions)
	if err != nil {
		return false, fmt.Errorf("open legacy database: %w", err)
	}

	importErr := s.importLegacyTables(ctx, legacy)

	closeErr := legacy.Close()
	if importErr != nil {
		return false, importErr
	}

	if closeErr != nil {
		return false, fmt.Errorf("close legacy database: %w", closeErr)
	}

	err = os.Rename(legacyPath, legacyPath+legacyImportedSuffix)
	if err != nil {
		return false, fmt.Errorf("rename legacy database: %w", err)
	}

	s.reg.logger.InfoContext(ctx, "legacy database imported", "path", legacyPath)

	return true, nil
}

func (s *Store) importLegacyTables(ctx context.Context, legacy *sqlx.DB) error {
	items, ok := s.legacyItems(ctx, legacy)
	if ok {
		err := s.UpsertItems(ctx, items)
		if err != nil {
			return fmt.Errorf("import legacy items: %w", err)
		}
	}

	s.importLegacyThumbs(ctx, legacy)
	s.importLegacyHLS(ctx, legacy)
	s.importLegacySettings(ctx, legacy)
	s.importLegacyViews(ctx, legacy)

	return nil
}

// legacyItems reads both the items table and, when present, the separate
// albums table older layouts used; album rows become items of album type.
func (s *Store) legacyItems(ctx context.Context, legacy *sqlx.DB) ([]Item, bool) {
	rows := []legacyItemRow{}

	err := legacy.SelectContext(ctx, &rows,
		`SELECT path, type, mtime,
		        width, height,
		        COALESCE(size_bytes, 0) AS size_bytes,
		        COALESCE(parent_path, '') AS parent_path
		   FROM items`)
	if err != nil {
		s.warnLegacy(ctx, "items", err)

		return nil, false
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		typ := media.Type(row.Type)
		if typ != media.TypeAlbum && typ != media.TypePhoto && typ != media.TypeVideo {
			continue
		}

		items = append(items, Item{
			Path:       row.Path,
			Type:       typ,
			MTime:      row.MTime,
			Width:      row.Width,
			Height:     row.Height,
			SizeBytes:  row.SizeBytes,
			ParentPath: row.ParentPath,
		})
	}

	albums := []legacyItemRow{}

	err = legacy.SelectContext(ctx, &albums,
		`SELECT path, COALESCE(mtime, 0) AS mtime FROM albums`)
	if err != nil {
		s.warnLegacy(ctx, "albums", err)
	} else {
		for _, row := range albums {
			items = append(items, Item{
				Path:       row.Path,
				Type:       media.TypeAlbum,
				MTime:      row.MTime,
				ParentPath: media.Parent(row.Path),
			})
		}
	}

	return items, true
}

func (s *Store) importLegacyThumbs(ctx context.Context, legacy *sqlx.DB) {
	rows := []legacyStatusRow{}

	err := legacy.SelectContext(ctx, &rows,
		`SELECT path, COALESCE(status, 'pending') AS status, COALESCE(mtime, 0) AS mtime
		   FROM thumb_status`)
	if err != nil {
		s.warnLegacy(ctx, "thumb_status", err)

		return
	}

	args := make([][]any, 0, len(rows))
	for _, row := range rows {
		args = append(args, []any{row.Path, sanitizeStatus(row.Status), row.MTime})
	}

	err = s.reg.Batch(ctx, DBMain,
		`INSERT INTO thumb_status (path, status, mtime) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO NOTHING`, args)
	if err != nil {
		s.warnLegacy(ctx, "thumb_status", err)
	}
}

func (s *Store) importLegacyHLS(ctx context.Context, legacy *sqlx.DB) {
	rows := []legacyStatusRow{}

	err := legacy.SelectContext(ctx, &rows,
		`SELECT path, COALESCE(status, 'pending') AS status, playlist_path, duration_s
		   FROM hls_status`)
	if err != nil {
		s.warnLegacy(ctx, "hls_status", err)

		return
	}

	args := make([][]any, 0, len(rows))
	for _, row := range rows {
		args = append(args, []any{row.Path, sanitizeStatus(row.Status), row.PlaylistPath, row.DurationS})
	}

	err = s.reg.Batch(ctx, DBMain,
		`INSERT INTO hls_status (path, status, playlist_path, duration_s) VALUES (?, ?, ?, ?)
		 ON CONFLICT (path) DO NOTHING`, args)
	if err != nil {
		s.warnLegacy(ctx, "hls_status", err)
	}
}

func (s *Store) importLegacySettings(ctx context.Context, legacy *sqlx.DB) {
	rows := []legacyKVRow{}

	err := legacy.SelectContext(ctx, &rows, `SELECT key, value FROM settings`)
	if err != nil {
		s.warnLegacy(ctx, "settings", err)

		return
	}

	for _, row := range rows {
		err = s.SetSetting(ctx, row.Key, row.Value)
		if err != nil {
			s.warnLegacy(ctx, "settings", err)

			return
		}
	}
}

func (s *Store) importLegacyViews(ctx context.Context, legacy *sqlx.DB) {
	rows := []View{}

	err := legacy.SelectContext(ctx, &rows,
		`SELECT user_id, item_path, COALESCE(viewed_at, 0) AS viewed_at FROM view_history`)
	if err != nil {
		s.warnLegacy(ctx, "view_history", err)

		return
	}

	args := make([][]any, 0, len(rows))
	for _, row := range rows {
		args = append(args, []any{row.UserID, row.ItemPath, row.ViewedAt})
	}

	err = s.reg.Batch(ctx, DBHistory, upsertViewSQL, args)
	if err != nil {
		s.warnLegacy(ctx, "view_history", err)
	}
}

func (s *Store) warnLegacy(ctx context.Context, table string, err error) {
	if isMissingTable(err) {
		s.reg.logger.WarnContext(ctx, "legacy table absent, skipping", "table", table)

		return
	}

	s.reg.logger.WarnContext(ctx, "legacy import incomplete", "table", table, "error", err)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func sanitizeStatus(raw string) ArtifactStatus {
	switch ArtifactStatus(raw) {
	case StatusPending, StatusExists, StatusFailed, StatusMissing:
		return ArtifactStatus(raw)
	default:
		// Interrupted processing rows restart from pending.
		return StatusPending
	}
}

// backupCompressed writes an lz4 frame copy of src to dst.
func backupCompressed(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw := lz4.NewWriter(out)

	_, err = io.Copy(zw, in)
	if err != nil {
		_ = out.Close()

		return err
	}

	err = zw.Close()
	if err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
