package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/persistence/sqlc"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Options configures how the on-disk store is opened.
type Options struct {
	Path             string
	BusyTimeoutMS    int
	HashKey          string
	TaskRetentionDay int
}

// DB owns the sqlite connection pool plus the query layer and credential
// hasher that sit on top of it.
type DB struct {
	SQL     *sql.DB
	Queries *sqlc.Queries
	Hasher  *Hasher
}

// Open applies the schema (idempotently) and runs startup recovery: any
// session left bound to a worker node, and any task left in a non-terminal
// state, belongs to a console process that no longer exists.
func Open(ctx context.Context, opts Options) (*DB, error) {
	conn, err := sql.Open("sqlite", buildDSN(opts.Path, opts.BusyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", opts.Path, err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	db := &DB{
		SQL:     conn,
		Queries: sqlc.New(conn),
		Hasher:  NewHasher(opts.HashKey),
	}

	if err := db.recoverFromPriorRun(ctx, opts); err != nil {
		conn.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}

	return db, nil
}

func (db *DB) recoverFromPriorRun(ctx context.Context, opts Options) error {
	if _, err := db.Queries.ClearAllWorkerSessions(ctx); err != nil {
		return fmt.Errorf("clear stale worker sessions: %w", err)
	}

	retention := time.Duration(opts.TaskRetentionDay) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	now := time.Now()
	_, err := db.Queries.RecoverRunningTasks(ctx, sqlc.RecoverRunningTasksParams{
		ErrorMessage:      "console process restarted while task was in flight",
		UpdatedAtUnixMs:   now.UnixMilli(),
		CompletedAtUnixMs: now.UnixMilli(),
		ExpiresAtUnixMs:   now.Add(retention).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	return nil
}

// buildDSN accepts either a bare filesystem path or a full "file:" URI
// (tests use file:...?mode=memory&cache=shared) and appends the pragmas the
// console requires either way.
func buildDSN(path string, busyTimeoutMS int) string {
	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", busyTimeoutMS)
	if !strings.HasPrefix(path, "file:") {
		return "file:" + path + "?" + pragmas
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + pragmas
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn (or the commit) fails.
func (db *DB) WithTx(ctx context.Context, fn func(q *sqlc.Queries) error) error {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(db.Queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) Close() error {
	return db.SQL.Close()
}
