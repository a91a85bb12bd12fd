package db

import "embed"

// MigrationFS embeds the SQL migrations for accounts, terms acceptances and refresh sessions.
// cmd/migrate applies them through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
