package catalog

import "context"

// Setting reads one key from the settings database. Missing keys return
// the given fallback.
func (s *Store) Setting(ctx context.Context, key, fallback string) (string, error) {
	var value string

	found, err := s.reg.QueryOne(ctx, DBSettings, &value,
		`SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		return "", err
	}

	if !found {
		return fallback, nil
	}

	return value, nil
}

// SetSetting upserts one key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.reg.Exec(ctx, DBSettings,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value = excluded.value, updated_at = strftime('%s', 'now')`,
		key, value)

	return err
}

// Settings returns every key/value pair.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}

	err := s.reg.Query(ctx, DBSettings, &rows, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}

	return out, nil
}
