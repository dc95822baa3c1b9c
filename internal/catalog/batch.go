package catalog

import (
	"context"
	"fmt"
)

// batchChunkSize is how many rows Batch applies between cancellation
// checks.
const batchChunkSize = 500

// Batch executes one statement for every row, preparing it once. Outside a
// transaction the whole batch runs under a single IMMEDIATE transaction;
// inside one it joins the caller's.
func (r *Registry) Batch(ctx context.Context, name DBName, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	if r.InTransaction(ctx, name) {
		return r.runBatch(ctx, name, query, rows)
	}

	return r.WithTransaction(ctx, name, Immediate, func(txCtx context.Context) error {
		return r.runBatch(txCtx, name, query, rows)
	})
}

func (r *Registry) runBatch(ctx context.Context, name DBName, query string, rows [][]any) error {
	ex, err := r.executorFor(ctx, name)
	if err != nil {
		return err
	}

	stmt, err := ex.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch %s: %w", name, err)
	}
	defer stmt.Close()

	for start := 0; start < len(rows); start += batchChunkSize {
		end := min(start+batchChunkSize, len(rows))

		for _, row := range rows[start:end] {
			_, err := stmt.ExecContext(ctx, row...)
			if err != nil {
				return fmt.Errorf("batch exec %s: %w", name, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch cancelled: %w", err)
		}
	}

	return nil
}
