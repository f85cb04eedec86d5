// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
//
// Files follow golang-migrate naming: NNNNNN_name.up.sql / .down.sql.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Version is the highest migration version in FS. Update it when new
// migrations are added.
const Version = 2
