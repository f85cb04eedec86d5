// Package migrate applies the embedded schema migrations over a single
// borrowed database connection.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/scarson/pgworker/migrations"
)

// MigrationsTable records the applied schema version. It lives outside the
// pgworker schema so that dropping the schema forces a clean re-migration.
const MigrationsTable = "pgworker_migrations"

// Apply runs all pending migrations on conn. It is safe to call repeatedly
// and concurrently: golang-migrate serialises runners with an advisory lock
// and an up-to-date schema is not an error. conn stays open; the caller
// returns it to its pool.
func Apply(ctx context.Context, conn *sql.Conn) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; fix it manually and retry", version)
	}
	slog.Debug("schema up to date", "version", version)

	// The driver's Close would close conn too; the borrowed connection belongs
	// to the caller, so only the source is released here.
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}
