package catalog_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/catalog"
)

// batchOverChunk exceeds one batch chunk so chunking is exercised.
const batchOverChunk = 600

func newTestRegistry(t *testing.T) *catalog.Registry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := catalog.Open(t.TempDir(), logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, reg.Close())
	})

	require.NoError(t, reg.Migrate(context.Background()))

	return reg
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()

	return catalog.NewStore(newTestRegistry(t))
}

func TestOpenCreatesOneFilePerDatabase(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	for _, name := range catalog.Names {
		_, err := os.Stat(reg.Path(name))
		assert.NoError(t, err, "database file for %s", name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	require.NoError(t, reg.Migrate(context.Background()))
}

func TestIntegrityCheckPassesOnFreshDatabases(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	require.NoError(t, reg.IntegrityCheck(context.Background()))
}

func TestQueryOneReportsMissingRowWithoutError(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	var value string

	found, err := reg.QueryOne(context.Background(), catalog.DBSettings, &value,
		`SELECT value FROM settings WHERE key = ?`, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecReportsAffectedRows(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	affected, err := reg.Exec(ctx, catalog.DBSettings,
		`INSERT INTO settings (key, value) VALUES (?, ?)`, "k", "v")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	affected, err = reg.Exec(ctx, catalog.DBSettings,
		`DELETE FROM settings WHERE key = ?`, "absent")
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestExecRejectsUnknownDatabase(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	_, err := reg.Exec(context.Background(), catalog.DBName("bogus"), `SELECT 1`)
	require.ErrorIs(t, err, catalog.ErrUnknownDB)
}

func TestBatchInsertsAcrossChunks(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := context.Background()

	rows := make([][]any, 0, batchOverChunk)
	for i := range batchOverChunk {
		rows = append(rows, []any{keyN(i), "v"})
	}

	require.NoError(t, reg.Batch(ctx, catalog.DBSettings,
		`INSERT INTO settings (key, value) VALUES (?, ?)`, rows))

	var n int64

	found, err := reg.QueryOne(ctx, catalog.DBSettings, &n, `SELECT COUNT(*) FROM settings`)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(batchOverChunk), n)
}

func TestBatchWithNoRowsIsNoOp(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	require.NoError(t, reg.Batch(context.Background(), catalog.DBSettings,
		`INSERT INTO settings (key, value) VALUES (?, ?)`, nil))
}

func TestMaintainRunsOnAllDatabases(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	require.NoError(t, reg.Maintain(context.Background()))
}

func keyN(i int) string {
	return "key-" + strconv.Itoa(i)
}
