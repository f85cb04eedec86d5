// Package store provides the data access layer. DB wraps a *pgxpool.Pool and
// hands out single borrowed connections; Queries runs the job-queue SQL on any
// pgx executor (pool, pooled connection or transaction).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a connection pool plus the observer that receives its
// connection-level errors. DB does not decide whether the pool is closed;
// whoever created the pool owns that.
type DB struct {
	pool    *pgxpool.Pool
	observe ErrorObserver
}

// NewDB wraps pool. A nil observe falls back to LogObserver on the default
// logger.
func NewDB(pool *pgxpool.Pool, observe ErrorObserver) *DB {
	if observe == nil {
		observe = LogObserver(slog.Default(), nil)
	}
	return &DB{pool: pool, observe: Safe(observe, slog.Default())}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations.
func (d *DB) Pool() *pgxpool.Pool { return d.pool }

// Close closes the underlying pool. Only the pool's owner may call it.
func (d *DB) Close() { d.pool.Close() }

// WithConn borrows one connection from the pool for the duration of fn and
// returns it afterwards, whatever fn returns. Connection-level failures are
// also reported to the observer.
func (d *DB) WithConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		d.observe(err)
		return &AcquireError{Err: err}
	}
	defer conn.Release()

	err = fn(conn)
	if err != nil && IsConnError(err) {
		d.observe(err)
	}
	return err
}

// WithSQLConn is WithConn for database/sql consumers such as golang-migrate.
// The *sql.Conn is backed by exactly one connection from the same pool.
func (d *DB) WithSQLConn(ctx context.Context, fn func(*sql.Conn) error) error {
	sqlDB := stdlib.OpenDBFromPool(d.pool)
	defer sqlDB.Close() //nolint:errcheck // closes the adapter, not the pool

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		d.observe(err)
		return &AcquireError{Err: err}
	}
	defer conn.Close() //nolint:errcheck // returns the connection to the pool

	err = fn(conn)
	if err != nil && IsConnError(err) {
		d.observe(err)
	}
	return err
}

// AcquireError reports that no connection could be borrowed from the pool.
type AcquireError struct {
	Err error
}

func (e *AcquireError) Error() string { return fmt.Sprintf("acquire connection: %v", e.Err) }

func (e *AcquireError) Unwrap() error { return e.Err }
