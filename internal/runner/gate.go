package runner

import (
	"context"
	"database/sql"
	"errors"

	"github.com/scarson/pgworker/internal/migrate"
	"github.com/scarson/pgworker/internal/store"
)

// ensureSchema brings the schema up to date on one connection borrowed from
// db. The connection goes back to the pool whatever the outcome.
func ensureSchema(ctx context.Context, db *store.DB) error {
	ctx, span := tracer.Start(ctx, "pgworker.migrate")
	defer span.End()

	err := db.WithSQLConn(ctx, func(conn *sql.Conn) error {
		if err := migrate.Apply(ctx, conn); err != nil {
			return &MigrationError{Err: err}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	recordError(span, err)

	var migErr *MigrationError
	if errors.As(err, &migErr) {
		return migErr
	}
	return &ConnectionError{Op: "borrow connection for migration", Err: err}
}
