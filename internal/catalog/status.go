package catalog

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ArtifactStatus is the lifecycle state of a derived artifact (thumbnail
// or HLS rendition).
type ArtifactStatus string

const (
	// StatusPending marks an artifact awaiting generation.
	StatusPending ArtifactStatus = "pending"

	// StatusProcessing marks an artifact a worker is generating right now.
	// At most one holder per path.
	StatusProcessing ArtifactStatus = "processing"

	// StatusExists marks an artifact present at its derived path.
	StatusExists ArtifactStatus = "exists"

	// StatusFailed marks a generation failure; attempts counts retries.
	StatusFailed ArtifactStatus = "failed"

	// StatusMissing marks an artifact whose file disappeared after being
	// recorded as existing.
	StatusMissing ArtifactStatus = "missing"
)

// claimableStates are the states a worker may claim processing from. A row
// at exists never moves to processing directly; self-heal resets it to
// pending first.
var claimableStates = []ArtifactStatus{StatusPending, StatusMissing, StatusFailed}

// ThumbRow is one thumb_status row.
type ThumbRow struct {
	Path      string         `db:"path"`
	Status    ArtifactStatus `db:"status"`
	MTime     int64          `db:"mtime"`
	Attempts  int            `db:"attempts"`
	LastError *string        `db:"last_error"`
	UpdatedAt int64          `db:"updated_at"`
}

// HLSRow is one hls_status row.
type HLSRow struct {
	Path         string         `db:"path"`
	Status       ArtifactStatus `db:"status"`
	PlaylistPath *string        `db:"playlist_path"`
	DurationS    *float64       `db:"duration_s"`
	Attempts     int            `db:"attempts"`
	LastError    *string        `db:"last_error"`
	UpdatedAt    int64          `db:"updated_at"`
}

// StatusCount pairs a status value with its row count.
type StatusCount struct {
	Status ArtifactStatus `db:"status"`
	Count  int64          `db:"n"`
}

// EnsureThumbPending creates a pending thumb row if none exists yet.
func (s *Store) EnsureThumbPending(ctx context.Context, itemPath string, mtime int64) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`INSERT INTO thumb_status (path, status, mtime) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO NOTHING`,
		itemPath, StatusPending, mtime)

	return err
}

// EnsureThumbPendingBatch creates pending thumb rows for many paths.
func (s *Store) EnsureThumbPendingBatch(ctx context.Context, rows []ThumbRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([][]any, 0, len(rows))
	for _, row := range rows {
		args = append(args, []any{row.Path, StatusPending, row.MTime})
	}

	return s.reg.Batch(ctx, DBMain,
		`INSERT INTO thumb_status (path, status, mtime) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO NOTHING`, args)
}

// ClaimThumbProcessing attempts the pending → processing transition. The
// guarded update is the single-holder guarantee: only one caller sees a
// changed row.
func (s *Store) ClaimThumbProcessing(ctx context.Context, itemPath string, mtime int64) (bool, error) {
	err := s.EnsureThumbPending(ctx, itemPath, mtime)
	if err != nil {
		return false, err
	}

	changes, err := s.reg.Exec(ctx, DBMain,
		`UPDATE thumb_status
		    SET status = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ? AND status IN (?, ?, ?)`,
		StatusProcessing, itemPath,
		claimableStates[0], claimableStates[1], claimableStates[2])
	if err != nil {
		return false, err
	}

	return changes > 0, nil
}

// MarkThumbExists records a finished artifact.
func (s *Store) MarkThumbExists(ctx context.Context, itemPath string, mtime int64) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE thumb_status
		    SET status = ?, mtime = ?, last_error = NULL, updated_at = strftime('%s', 'now')
		  WHERE path = ?`,
		StatusExists, mtime, itemPath)

	return err
}

// MarkThumbFailed records a failure and bumps the attempt counter.
func (s *Store) MarkThumbFailed(ctx context.Context, itemPath, errMsg string) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE thumb_status
		    SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ?`,
		StatusFailed, errMsg, itemPath)

	return err
}

// ReleaseThumb reverts a processing row to the given state; used when a
// task is cancelled before completing. Only a processing row changes.
func (s *Store) ReleaseThumb(ctx context.Context, itemPath string, to ArtifactStatus) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE thumb_status
		    SET status = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ? AND status = ?`,
		to, itemPath, StatusProcessing)

	return err
}

// ThumbStatusFor fetches one thumb row.
func (s *Store) ThumbStatusFor(ctx context.Context, itemPath string) (*ThumbRow, bool, error) {
	var row ThumbRow

	found, err := s.reg.QueryOne(ctx, DBMain, &row,
		`SELECT path, status, mtime, attempts, last_error, updated_at FROM thumb_status WHERE path = ?`,
		itemPath)
	if err != nil || !found {
		return nil, false, err
	}

	return &row, true, nil
}

// ThumbStatusCounts returns row counts grouped by status.
func (s *Store) ThumbStatusCounts(ctx context.Context) (map[ArtifactStatus]int64, error) {
	return s.statusCounts(ctx, `SELECT status, COUNT(*) AS n FROM thumb_status GROUP BY status`)
}

// PendingThumbCandidates returns paths whose thumbnail still needs work,
// in path order, limited. Only paths with a live item row qualify, and a
// positive maxAttempts excludes rows that already failed that many times.
func (s *Store) PendingThumbCandidates(ctx context.Context, limit, maxAttempts int) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT ts.path
		   FROM thumb_status ts
		   JOIN items i ON i.path = ts.path
		  WHERE ts.status IN (?, ?, ?)
		    AND (? <= 0 OR ts.attempts < ?)
		  ORDER BY ts.path LIMIT ?`,
		claimableStates[0], claimableStates[1], claimableStates[2],
		maxAttempts, maxAttempts, limit)

	return paths, err
}

// DemoteThumbExists downgrades a stale exists row to missing; it is called
// when the artifact file is gone from disk. Rows in any other state are
// left alone.
func (s *Store) DemoteThumbExists(ctx context.Context, itemPath string) (bool, error) {
	n, err := s.reg.Exec(ctx, DBMain,
		`UPDATE thumb_status
		    SET status = ?, updated_at = strftime('%s','now')
		  WHERE path = ? AND status = ?`,
		StatusMissing, itemPath, StatusExists)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// CountThumbStatus counts rows in one state.
func (s *Store) CountThumbStatus(ctx context.Context, status ArtifactStatus) (int64, error) {
	var n int64

	_, err := s.reg.QueryOne(ctx, DBMain, &n,
		`SELECT COUNT(*) FROM thumb_status WHERE status = ?`, status)

	return n, err
}

// SampleThumbRows returns up to n random rows in the given state; the
// self-heal check samples exists rows to verify artifacts on disk.
func (s *Store) SampleThumbRows(ctx context.Context, status ArtifactStatus, n int) ([]ThumbRow, error) {
	rows := []ThumbRow{}

	err := s.reg.Query(ctx, DBMain, &rows,
		`SELECT path, status, mtime, attempts, last_error, updated_at
		   FROM thumb_status WHERE status = ?
		  ORDER BY RANDOM() LIMIT ?`,
		status, n)

	return rows, err
}

// ResetThumbStatuses moves every row in one of the from states to the to
// state, returning how many rows changed. Self-heal uses it to reset
// exists rows whose artifacts vanished.
func (s *Store) ResetThumbStatuses(ctx context.Context, from []ArtifactStatus, to ArtifactStatus) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		`UPDATE thumb_status SET status = ?, updated_at = strftime('%s', 'now') WHERE status IN (?)`,
		to, from)
	if err != nil {
		return 0, err
	}

	return s.reg.Exec(ctx, DBMain, query, args...)
}

// OrphanThumbPaths returns thumb rows whose item no longer exists.
func (s *Store) OrphanThumbPaths(ctx context.Context) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT ts.path
		   FROM thumb_status ts
		   LEFT JOIN items i ON i.path = ts.path
		  WHERE i.path IS NULL ORDER BY ts.path`)

	return paths, err
}

// DeleteThumbRows removes thumb rows for the given paths.
func (s *Store) DeleteThumbRows(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(paths))
	for _, p := range paths {
		rows = append(rows, []any{p})
	}

	return s.reg.Batch(ctx, DBMain, `DELETE FROM thumb_status WHERE path = ?`, rows)
}

// EnsureHLSPending creates a pending HLS row if none exists yet.
func (s *Store) EnsureHLSPending(ctx context.Context, itemPath string) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`INSERT INTO hls_status (path, status) VALUES (?, ?)
		 ON CONFLICT (path) DO NOTHING`,
		itemPath, StatusPending)

	return err
}

// ClaimHLSProcessing attempts the pending → processing transition for an
// HLS row, same single-holder discipline as thumbnails.
func (s *Store) ClaimHLSProcessing(ctx context.Context, itemPath string) (bool, error) {
	err := s.EnsureHLSPending(ctx, itemPath)
	if err != nil {
		return false, err
	}

	changes, err := s.reg.Exec(ctx, DBMain,
		`UPDATE hls_status
		    SET status = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ? AND status IN (?, ?, ?)`,
		StatusProcessing, itemPath,
		claimableStates[0], claimableStates[1], claimableStates[2])
	if err != nil {
		return false, err
	}

	return changes > 0, nil
}

// MarkHLSExists records a finished rendition with its playlist path and
// probed duration.
func (s *Store) MarkHLSExists(ctx context.Context, itemPath, playlistPath string, durationS float64) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE hls_status
		    SET status = ?, playlist_path = ?, duration_s = ?, last_error = NULL,
		        updated_at = strftime('%s', 'now')
		  WHERE path = ?`,
		StatusExists, playlistPath, durationS, itemPath)

	return err
}

// MarkHLSFailed records a transcode failure and bumps the attempt counter.
func (s *Store) MarkHLSFailed(ctx context.Context, itemPath, errMsg string) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE hls_status
		    SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ?`,
		StatusFailed, errMsg, itemPath)

	return err
}

// ReleaseHLS reverts a processing HLS row, mirroring ReleaseThumb.
func (s *Store) ReleaseHLS(ctx context.Context, itemPath string, to ArtifactStatus) error {
	_, err := s.reg.Exec(ctx, DBMain,
		`UPDATE hls_status
		    SET status = ?, updated_at = strftime('%s', 'now')
		  WHERE path = ? AND status = ?`,
		to, itemPath, StatusProcessing)

	return err
}

// HLSStatusFor fetches one HLS row.
func (s *Store) HLSStatusFor(ctx context.Context, itemPath string) (*HLSRow, bool, error) {
	var row HLSRow

	found, err := s.reg.QueryOne(ctx, DBMain, &row,
		`SELECT path, status, playlist_path, duration_s, attempts, last_error, updated_at
		   FROM hls_status WHERE path = ?`,
		itemPath)
	if err != nil || !found {
		return nil, false, err
	}

	return &row, true, nil
}

// HLSStatusCounts returns row counts grouped by status.
func (s *Store) HLSStatusCounts(ctx context.Context) (map[ArtifactStatus]int64, error) {
	return s.statusCounts(ctx, `SELECT status, COUNT(*) AS n FROM hls_status GROUP BY status`)
}

// OrphanHLSPaths returns HLS rows whose item no longer exists; the cleanup
// task deletes their artifact directories and rows.
func (s *Store) OrphanHLSPaths(ctx context.Context) ([]string, error) {
	paths := []string{}

	err := s.reg.Query(ctx, DBMain, &paths,
		`SELECT hs.path
		   FROM hls_status hs
		   LEFT JOIN items i ON i.path = hs.path
		  WHERE i.path IS NULL ORDER BY hs.path`)

	return paths, err
}

// DeleteHLSRows removes HLS rows for the given paths.
func (s *Store) DeleteHLSRows(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(paths))
	for _, p := range paths {
		rows = append(rows, []any{p})
	}

	return s.reg.Batch(ctx, DBMain, `DELETE FROM hls_status WHERE path = ?`, rows)
}

func (s *Store) statusCounts(ctx context.Context, query string) (map[ArtifactStatus]int64, error) {
	rows := []StatusCount{}

	err := s.reg.Query(ctx, DBMain, &rows, query)
	if err != nil {
		return nil, err
	}

	counts := make(map[ArtifactStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}
