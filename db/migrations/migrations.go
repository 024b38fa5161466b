// Package migrations embeds the goose SQL migrations.
package migrations

import "embed"

// Dir is the directory of the SQL files inside FS.
const Dir = "sql"

// FS holds the SQL migrations.
//
//go:embed sql/*.sql
var FS embed.FS
