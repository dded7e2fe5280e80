// Package migrations holds the SQLite schema, applied in filename order by
// pkg/database.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
