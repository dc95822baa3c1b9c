package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/catalog"
)

var errTxBoom = errors.New("boom")

func setKey(ctx context.Context, reg *catalog.Registry, key, value string) error {
	_, err := reg.Exec(ctx, catalog.DBSettings,
		`INSERT INTO settings (key, value) VALUES (?, ?)`, key, value)

	return err
}

func hasKey(t *testing.T, reg *catalog.Registry, key string) bool {
	t.Helper()

	var value string

	found, err := reg.QueryOne(context.Background(), catalog.DBSettings, &value,
		`SELECT value FROM settings WHERE key = ?`, key)
	require.NoError(t, err)

	return found
}

func TestWithTransactionCommits(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.WithTransaction(context.Background(), catalog.DBSettings, catalog.Immediate,
		func(ctx context.Context) error {
			return setKey(ctx, reg, "committed", "yes")
		})
	require.NoError(t, err)

	assert.True(t, hasKey(t, reg, "committed"))
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.WithTransaction(context.Background(), catalog.DBSettings, catalog.Immediate,
		func(ctx context.Context) error {
			writeErr := setKey(ctx, reg, "doomed", "yes")
			require.NoError(t, writeErr)

			return errTxBoom
		})
	require.ErrorIs(t, err, errTxBoom)

	assert.False(t, hasKey(t, reg, "doomed"))
}

func TestNestedTransactionRollsBackOnlyItsSavepoint(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.WithTransaction(context.Background(), catalog.DBSettings, catalog.Immediate,
		func(ctx context.Context) error {
			writeErr := setKey(ctx, reg, "outer", "yes")
			require.NoError(t, writeErr)

			nestedErr := reg.WithTransaction(ctx, catalog.DBSettings, catalog.Immediate,
				func(ctx context.Context) error {
					innerErr := setKey(ctx, reg, "inner", "yes")
					require.NoError(t, innerErr)

					return errTxBoom
				})
			require.ErrorIs(t, nestedErr, errTxBoom)

			// Outer keeps going after the savepoint rolled back.
			return nil
		})
	require.NoError(t, err)

	assert.True(t, hasKey(t, reg, "outer"))
	assert.False(t, hasKey(t, reg, "inner"))
}

func TestWrapperQueriesJoinActiveTransaction(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.WithTransaction(context.Background(), catalog.DBSettings, catalog.Deferred,
		func(ctx context.Context) error {
			require.True(t, reg.InTransaction(ctx, catalog.DBSettings))
			require.False(t, reg.InTransaction(ctx, catalog.DBMain))

			writeErr := setKey(ctx, reg, "visible", "inside")
			require.NoError(t, writeErr)

			var value string

			found, readErr := reg.QueryOne(ctx, catalog.DBSettings, &value,
				`SELECT value FROM settings WHERE key = ?`, "visible")
			require.NoError(t, readErr)
			require.True(t, found)
			assert.Equal(t, "inside", value)

			return nil
		})
	require.NoError(t, err)
}

func TestInTransactionFalseOutside(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	assert.False(t, reg.InTransaction(context.Background(), catalog.DBSettings))
}

func TestBatchJoinsEnclosingTransaction(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	err := reg.WithTransaction(context.Background(), catalog.DBSettings, catalog.Immediate,
		func(ctx context.Context) error {
			batchErr := reg.Batch(ctx, catalog.DBSettings,
				`INSERT INTO settings (key, value) VALUES (?, ?)`,
				[][]any{{"b1", "v"}, {"b2", "v"}})
			require.NoError(t, batchErr)

			return errTxBoom
		})
	require.ErrorIs(t, err, errTxBoom)

	assert.False(t, hasKey(t, reg, "b1"))
	assert.False(t, hasKey(t, reg, "b2"))
}

func TestIsBusyClassification(t *testing.T) {
	t.Parallel()

	busy := errors.New("stmt exec: database is locked (5) (SQLITE_BUSY)")

	assert.True(t, catalog.IsBusy(busy))
	assert.True(t, catalog.IsBusy(fmt.Errorf("exec main: %w", busy)))
	assert.False(t, catalog.IsBusy(errors.New("syntax error")))
	assert.False(t, catalog.IsBusy(nil))
}
