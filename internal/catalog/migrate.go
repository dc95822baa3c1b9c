package catalog

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// migrationsRoot is the embedded directory holding one numbered migration
// sequence per logical database.
const migrationsRoot = "migrations"

// Migrate brings every logical database up to the latest schema version.
// The sequence is linear and never destructive; goose records the applied
// version inside each file.
func (r *Registry) Migrate(ctx context.Context) error {
	for _, name := range Names {
		sub, err := fs.Sub(migrationsFS, migrationsRoot+"/"+string(name))
		if err != nil {
			return fmt.Errorf("migrations for %s: %w", name, err)
		}

		provider, err := goose.NewProvider(goose.DialectSQLite3, r.dbs[name].DB, sub)
		if err != nil {
			return fmt.Errorf("migration provider %s: %w", name, err)
		}

		results, err := provider.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}

		for _, res := range results {
			r.logger.InfoContext(ctx, "applied migration",
				slog.String("db", string(name)),
				slog.String("migration", res.Source.Path),
			)
		}
	}

	return nil
}
