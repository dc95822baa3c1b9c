package catalog

import "context"

// IndexState is the coarse lifecycle of the filesystem indexer, persisted
// alongside the resume pointer.
type IndexState string

const (
	// IndexIdle means no build is running and the last one finished.
	IndexIdle IndexState = "idle"

	// IndexBuilding means a full build is in progress; the resume pointer
	// advances as batches commit.
	IndexBuilding IndexState = "building"

	// IndexPaused means the indexer stopped on a terminal failure and
	// waits for operator attention.
	IndexPaused IndexState = "paused"
)

// progressKey is the single index_progress row the indexer maintains.
const progressKey = "last_processed_path"

// Progress is the persisted indexer position.
type Progress struct {
	LastPath string
	State    IndexState
}

type progressRow struct {
	Value  string `db:"value"`
	Status string `db:"status"`
}

// IndexProgress reads the resume pointer and state.
func (s *Store) IndexProgress(ctx context.Context) (Progress, error) {
	var row progressRow

	found, err := s.reg.QueryOne(ctx, DBIndex, &row,
		`SELECT value, status FROM index_progress WHERE key = ?`, progressKey)
	if err != nil {
		return Progress{}, err
	}

	if !found {
		return Progress{State: IndexIdle}, nil
	}

	return Progress{LastPath: row.Value, State: IndexState(row.Status)}, nil
}

// SetIndexProgress stores both the resume pointer and the state.
func (s *Store) SetIndexProgress(ctx context.Context, p Progress) error {
	_, err := s.reg.Exec(ctx, DBIndex,
		`INSERT INTO index_progress (key, value, status) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value = excluded.value, status = excluded.status,
		   updated_at = strftime('%s', 'now')`,
		progressKey, p.LastPath, p.State)

	return err
}

// SetIndexState updates the state without touching the pointer.
func (s *Store) SetIndexState(ctx context.Context, state IndexState) error {
	_, err := s.reg.Exec(ctx, DBIndex,
		`UPDATE index_progress SET status = ?, updated_at = strftime('%s', 'now') WHERE key = ?`,
		state, progressKey)

	return err
}

// AdvanceIndexPointer moves the resume pointer after a committed batch.
func (s *Store) AdvanceIndexPointer(ctx context.Context, lastPath string) error {
	_, err := s.reg.Exec(ctx, DBIndex,
		`UPDATE index_progress SET value = ?, updated_at = strftime('%s', 'now') WHERE key = ?`,
		lastPath, progressKey)

	return err
}
