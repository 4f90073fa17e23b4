// Package store provides the two durable storage engines: an append-only fact
// store and a mutable entity store. Each wraps one SQLite database with WAL
// journaling, durable default commits, bounded lock waits, and goose
// migrations from the embedded filesystem.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/accord/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DefaultLockWait bounds how long a writer waits on a contended lock before
// failing with ErrBusy. Never indefinite.
const DefaultLockWait = 5 * time.Second

// timeLayout is a fixed-width RFC 3339 form: always nine fractional digits,
// always UTC. RFC3339Nano trims trailing fractional zeros, which makes text
// comparison diverge from chronological order at sub-second boundaries;
// columns used in WHERE and ORDER BY need the padded form.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders t for storage and SQL comparison.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Execer is the write target shared by *sql.DB, *sql.Tx, and *ExclusiveTx.
// Store insert helpers take an Execer so the coordinator can route staged
// writes through its exclusive transactions.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// openDatabase opens a SQLite database with the standard pragma set applied
// per connection via the DSN, so pooled connections behave identically.
func openDatabase(path string, lockWait time.Duration) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		fmt.Sprintf("&_pragma=busy_timeout(%d)", lockWait.Milliseconds()) +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// gooseMu serializes migration runs: goose tracks the base filesystem and
// dialect as package-level state, and both stores migrate at open time.
var gooseMu sync.Mutex

// runMigrations applies all pending migrations for one store from the
// embedded SQL directory.
func runMigrations(db *sql.DB, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite's lock-contention failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "(5)")
}

// ExclusiveTx is a connection-level exclusive write transaction. BEGIN
// IMMEDIATE takes the write lock up front, so lock contention surfaces here
// (as ErrBusy after the bounded wait) rather than at commit time.
type ExclusiveTx struct {
	conn *sql.Conn
	done bool
}

func beginExclusive(ctx context.Context, db *sql.DB, lockWait time.Duration) (*ExclusiveTx, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	// busy_timeout is per connection; set it explicitly in case the pool
	// handed back a connection opened before a config change.
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", lockWait.Milliseconds())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		if isBusy(err) {
			return nil, fmt.Errorf("acquire exclusive lock: %w", ErrBusy)
		}
		return nil, fmt.Errorf("begin immediate: %w", err)
	}

	return &ExclusiveTx{conn: conn}, nil
}

// ExecContext implements Execer against the transaction's connection.
func (t *ExclusiveTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.done {
		return nil, ErrTxFinished
	}
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryRowContext reads through the transaction's connection, observing
// uncommitted writes.
func (t *ExclusiveTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// QueryContext reads through the transaction's connection.
func (t *ExclusiveTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.done {
		return nil, ErrTxFinished
	}
	return t.conn.QueryContext(ctx, query, args...)
}

// Commit makes the transaction durable and releases the connection.
// Irrevocable once it returns nil.
func (t *ExclusiveTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxFinished
	}
	t.done = true

	_, err := t.conn.ExecContext(ctx, "COMMIT")
	closeErr := t.conn.Close()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("release connection: %w", closeErr)
	}
	return nil
}

// Rollback discards the transaction and releases the connection. Calling
// Rollback on a finished transaction is a no-op.
func (t *ExclusiveTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	closeErr := t.conn.Close()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("release connection: %w", closeErr)
	}
	return nil
}
