// Package catalog owns the four SQLite databases behind the media catalog:
// items and their full-text view, artifact status rows, settings, view
// history, and indexer progress. All access goes through the registry's
// wrappers so every statement gets slow-query logging and transactions
// compose through context.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/stillframe/shoebox/internal/faults"
)

// DBName identifies one of the logical catalog databases.
type DBName string

// The four logical databases. Each lives in its own file so writer
// contention on one never blocks the others.
const (
	// DBMain holds items, the FTS view, and artifact status rows.
	DBMain DBName = "main"

	// DBSettings holds key/value settings.
	DBSettings DBName = "settings"

	// DBHistory holds view history and collaborator download tables.
	DBHistory DBName = "history"

	// DBIndex holds indexer progress and status.
	DBIndex DBName = "index"
)

// Names lists the logical databases in open order.
var Names = []DBName{DBMain, DBSettings, DBHistory, DBIndex}

const (
	// dsnPragmas set WAL journaling, relaxed fsync, foreign keys, and a 5 s
	// busy timeout on every new connection.
	dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	// dbFileExt is the on-disk extension for catalog files.
	dbFileExt = ".sqlite"

	// maxOpenConns bounds each file's connection pool. SQLite serializes
	// writers anyway; a small pool keeps readers flowing without churn.
	maxOpenConns = 4

	// slowQueryThreshold is the duration above which a statement logs a
	// warning with its SQL.
	slowQueryThreshold = 250 * time.Millisecond

	// sqlLogMaxLen truncates logged SQL to keep log lines readable.
	sqlLogMaxLen = 200

	// dbDirPerm is the mode for the created database directory.
	dbDirPerm = 0o755
)

// ErrUnknownDB is returned when an operation names a database the registry
// does not manage.
var ErrUnknownDB = errors.New("unknown catalog database")

// Registry owns the catalog connections for the process lifetime. Other
// components borrow handles through its query wrappers and the transaction
// wrapper; none of them open files directly.
type Registry struct {
	dir    string
	logger *slog.Logger
	dbs    map[DBName]*sqlx.DB
}

// Open creates the database directory if needed and opens all four logical
// databases with the standard pragmas.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	err := os.MkdirAll(dir, dbDirPerm)
	if err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	reg := &Registry{
		dir:    dir,
		logger: logger,
		dbs:    make(map[DBName]*sqlx.DB, len(Names)),
	}

	for _, name := range Names {
		db, err := sqlx.Connect("sqlite", reg.Path(name)+dsnPragmas)
		if err != nil {
			closeErr := reg.Close()

			return nil, errors.Join(fmt.Errorf("open %s: %w", name, err), closeErr)
		}

		db.SetMaxOpenConns(maxOpenConns)
		reg.dbs[name] = db
	}

	return reg, nil
}

// Path returns the on-disk file for a logical database.
func (r *Registry) Path(name DBName) string {
	return filepath.Join(r.dir, string(name)+dbFileExt)
}

// DB exposes the raw handle for one database. Migrations and tests use it;
// everything else should go through the wrappers.
func (r *Registry) DB(name DBName) *sqlx.DB {
	return r.dbs[name]
}

// Close checkpoints each WAL into its main file and closes the pools.
func (r *Registry) Close() error {
	var errs []error

	for name, db := range r.dbs {
		if db == nil {
			continue
		}

		_, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err != nil {
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", name, err))
		}

		err = db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// IntegrityCheck runs PRAGMA integrity_check on every database. Any result
// other than "ok" is a corruption fault; boot halts on it.
func (r *Registry) IntegrityCheck(ctx context.Context) error {
	for _, name := range Names {
		var result string

		err := r.dbs[name].GetContext(ctx, &result, "PRAGMA integrity_check")
		if err != nil {
			return faults.Wrap(faults.KindCorruption, "", fmt.Sprintf("integrity check %s", name), err)
		}

		if result != "ok" {
			return faults.New(faults.KindCorruption, "", fmt.Sprintf("database %s corrupt: %s", name, result))
		}
	}

	return nil
}

// executor is the subset of sqlx operations the wrappers need. Both
// *sqlx.DB and the transaction-pinned *sqlx.Conn satisfy it.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
}

// Query runs a multi-row select into dest (a slice pointer), joining the
// active transaction on ctx when one exists.
func (r *Registry) Query(ctx context.Context, name DBName, dest any, query string, args ...any) error {
	ex, err := r.executorFor(ctx, name)
	if err != nil {
		return err
	}

	defer r.logSlow(ctx, time.Now(), query)

	err = ex.SelectContext(ctx, dest, query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}

	return nil
}

// QueryOne runs a single-row select into dest. A missing row is not an
// error; it reports found=false.
func (r *Registry) QueryOne(ctx context.Context, name DBName, dest any, query string, args ...any) (bool, error) {
	ex, err := r.executorFor(ctx, name)
	if err != nil {
		return false, err
	}

	defer r.logSlow(ctx, time.Now(), query)

	err = ex.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("query one %s: %w", name, err)
	}

	return true, nil
}

// Exec runs a statement and returns the affected row count.
func (r *Registry) Exec(ctx context.Context, name DBName, query string, args ...any) (int64, error) {
	ex, err := r.executorFor(ctx, name)
	if err != nil {
		return 0, err
	}

	defer r.logSlow(ctx, time.Now(), query)

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec %s: %w", name, err)
	}

	changes, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected %s: %w", name, err)
	}

	return changes, nil
}

func (r *Registry) executorFor(ctx context.Context, name DBName) (executor, error) {
	if state := activeTx(ctx, name); state != nil {
		return state.conn, nil
	}

	db, ok := r.dbs[name]
	if !ok || db == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDB, name)
	}

	return db, nil
}

func (r *Registry) logSlow(ctx context.Context, start time.Time, query string) {
	elapsed := time.Since(start)
	if elapsed < slowQueryThreshold {
		return
	}

	r.logger.WarnContext(ctx, "slow query",
		slog.Duration("elapsed", elapsed),
		slog.String("query", truncateSQL(query)),
	)
}

func truncateSQL(query string) string {
	if len(query) <= sqlLogMaxLen {
		return query
	}

	return query[:sqlLogMaxLen] + "..."
}
