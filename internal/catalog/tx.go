package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
)

// TxMode selects the SQLite transaction mode for the outermost BEGIN.
type TxMode string

const (
	// Immediate takes the write lock up front, failing fast on contention
	// instead of at first write.
	Immediate TxMode = "IMMEDIATE"

	// Deferred takes locks lazily; use for read-mostly transactions.
	Deferred TxMode = "DEFERRED"
)

const (
	// busyRetryAttempts bounds retries of an outer transaction that lost a
	// SQLITE_BUSY race.
	busyRetryAttempts = 5

	// busyBackoffBase is the delay before the first retry.
	busyBackoffBase = 50 * time.Millisecond

	// busyBackoffCap is the largest delay between retries.
	busyBackoffCap = 800 * time.Millisecond

	// busyJitterFraction randomizes each delay by this fraction in both
	// directions, de-synchronizing competing writers.
	busyJitterFraction = 0.25
)

// SQLite primary result codes the retry logic recognizes.
const (
	sqliteBusyCode   = 5
	sqliteLockedCode = 6

	// sqlitePrimaryCodeMask extracts the primary code from an extended one.
	sqlitePrimaryCodeMask = 0xff
)

type txKey struct{ name DBName }

type txState struct {
	conn  *sqlx.Conn
	depth int
}

func activeTx(ctx context.Context, name DBName) *txState {
	state, _ := ctx.Value(txKey{name: name}).(*txState)

	return state
}

// InTransaction reports whether ctx carries an open transaction for name.
func (r *Registry) InTransaction(ctx context.Context, name DBName) bool {
	return activeTx(ctx, name) != nil
}

// WithTransaction runs fn inside a transaction on the named database. The
// transaction state rides on the context fn receives: wrapper queries join
// it, and nested WithTransaction calls become savepoints that roll back
// independently. The outermost call retries on SQLITE_BUSY with
// exponential backoff and jitter; savepoint failures never retry.
func (r *Registry) WithTransaction(ctx context.Context, name DBName, mode TxMode, fn func(ctx context.Context) error) error {
	if state := activeTx(ctx, name); state != nil {
		return r.runSavepoint(ctx, state, fn)
	}

	var lastErr error

	for attempt := range busyRetryAttempts {
		lastErr = r.runOuterTx(ctx, name, mode, fn)
		if lastErr == nil || !IsBusy(lastErr) {
			return lastErr
		}

		if attempt == busyRetryAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff(attempt)):
		}
	}

	return fmt.Errorf("transaction on %s exhausted %d busy retries: %w", name, busyRetryAttempts, lastErr)
}

func (r *Registry) runOuterTx(ctx context.Context, name DBName, mode TxMode, fn func(ctx context.Context) error) error {
	db, ok := r.dbs[name]
	if !ok || db == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDB, name)
	}

	conn, err := db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection %s: %w", name, err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, "BEGIN "+string(mode))
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", mode, name, err)
	}

	state := &txState{conn: conn}
	txCtx := context.WithValue(ctx, txKey{name: name}, state)

	err = fn(txCtx)
	if err != nil {
		// Rollback on a background context: the fn error may be a
		// cancellation, and the connection must still be released cleanly.
		_, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		if rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback %s: %w", name, rbErr))
		}

		return err
	}

	_, err = conn.ExecContext(ctx, "COMMIT")
	if err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")

		return fmt.Errorf("commit %s: %w", name, err)
	}

	return nil
}

func (r *Registry) runSavepoint(ctx context.Context, state *txState, fn func(ctx context.Context) error) error {
	state.depth++
	defer func() { state.depth-- }()

	sp := fmt.Sprintf("sp_%d", state.depth)

	_, err := state.conn.ExecContext(ctx, "SAVEPOINT "+sp)
	if err != nil {
		return fmt.Errorf("savepoint %s: %w", sp, err)
	}

	err = fn(ctx)
	if err != nil {
		_, rbErr := state.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO "+sp)
		_, relErr := state.conn.ExecContext(context.WithoutCancel(ctx), "RELEASE "+sp)

		if rbErr != nil || relErr != nil {
			return errors.Join(err, rbErr, relErr)
		}

		return err
	}

	_, err = state.conn.ExecContext(ctx, "RELEASE "+sp)
	if err != nil {
		return fmt.Errorf("release %s: %w", sp, err)
	}

	return nil
}

// IsBusy reports whether err is a SQLITE_BUSY or SQLITE_LOCKED result,
// including their extended codes.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & sqlitePrimaryCodeMask

		return code == sqliteBusyCode || code == sqliteLockedCode
	}

	msg := err.Error()

	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func busyBackoff(attempt int) time.Duration {
	delay := busyBackoffBase << attempt
	if delay > busyBackoffCap {
		delay = busyBackoffCap
	}

	jitter := 1 + busyJitterFraction*(2*rand.Float64()-1)

	return time.Duration(float64(delay) * jitter)
}
