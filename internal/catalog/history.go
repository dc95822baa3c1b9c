package catalog

import "context"

// View is one view-history row.
type View struct {
	UserID   string `db:"user_id" json:"userId"`
	ItemPath string `db:"item_path" json:"itemPath"`
	ViewedAt int64  `db:"viewed_at" json:"viewedAt"`
}

// upsertViewSQL appends a view with newer-wins semantics: an older
// timestamp never overwrites a newer one for the same (user, item) pair.
const upsertViewSQL = `
INSERT INTO view_history (user_id, item_path, viewed_at) VALUES (?, ?, ?)
ON CONFLICT (user_id, item_path) DO UPDATE SET viewed_at = excluded.viewed_at
WHERE excluded.viewed_at > view_history.viewed_at`

// RecordView upserts a single view. Bulk appends should go through the
// ViewRecorder instead, which batches them.
func (s *Store) RecordView(ctx context.Context, v View) error {
	_, err := s.reg.Exec(ctx, DBHistory, upsertViewSQL, v.UserID, v.ItemPath, v.ViewedAt)

	return err
}

// RecentViews returns a user's most recent views, newest first.
func (s *Store) RecentViews(ctx context.Context, userID string, limit int) ([]View, error) {
	views := []View{}

	err := s.reg.Query(ctx, DBHistory, &views,
		`SELECT user_id, item_path, viewed_at FROM view_history
		  WHERE user_id = ? ORDER BY viewed_at DESC LIMIT ?`,
		userID, limit)

	return views, err
}
