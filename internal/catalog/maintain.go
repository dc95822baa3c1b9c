package catalog

import (
	"context"
	"fmt"
)

// Maintain refreshes query-planner statistics on every database. Runs as
// a daily idle task.
func (r *Registry) Maintain(ctx context.Context) error {
	for _, name := range Names {
		_, err := r.Exec(ctx, name, `ANALYZE`)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", name, err)
		}

		_, err = r.Exec(ctx, name, `PRAGMA optimize`)
		if err != nil {
			return fmt.Errorf("optimize %s: %w", name, err)
		}
	}

	return nil
}
