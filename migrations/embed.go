// Package migrations holds the bridge's SQLite schema, embedded into the
// binary and applied with database.DB.Migrate.
package migrations

import "embed"

// FS contains every *.sql file of this directory at its root.
//
//go:embed *.sql
var FS embed.FS
