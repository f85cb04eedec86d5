// ABOUTME: Test helpers that start a Postgres testcontainer for integration tests.
// ABOUTME: NewTestPostgres gives a bare database; NewTestDB also applies migrations.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/pgworker/internal/migrate"
	"github.com/scarson/pgworker/internal/store"
)

// NewTestPostgres starts a Postgres testcontainer and returns its connection
// string. The database is empty: no pgworker schema has been applied. The
// container is terminated via t.Cleanup. Skipped under -short.
func NewTestPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: needs Docker for a Postgres testcontainer")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("pgworker_test"),
		tcpostgres.WithUsername("pgworker_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return connStr
}

// NewTestPool returns a caller-owned pool on connStr, closed via t.Cleanup.
func NewTestPool(t *testing.T, connStr string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// NewTestDB starts a container, applies all migrations and returns a DB on a
// test-owned pool.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	pool := NewTestPool(t, NewTestPostgres(t))
	db := store.NewDB(pool, nil)

	if err := db.WithSQLConn(context.Background(), func(conn *sql.Conn) error {
		return migrate.Apply(context.Background(), conn)
	}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SchemaExists reports whether the pgworker schema is present.
func SchemaExists(t *testing.T, pool *pgxpool.Pool) bool {
	t.Helper()
	var exists bool
	if err := pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`,
		"pgworker",
	).Scan(&exists); err != nil {
		t.Fatalf("query pg_namespace: %v", err)
	}
	return exists
}
