// Package migrations holds the Postgres schema as numbered SQL files.
package migrations

import "embed"

// FS exposes every *.sql file in this directory, applied in lexical order
// by storage.DB.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
