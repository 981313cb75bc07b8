// Copyright 2025 James Ross
package pgstore

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending goose migration embedded under
// migrations/. Grounded on the same goose-driven schema workflow
// jordigilh-kubernaut's datastorage suite exercises, pointed at this
// module's request/batch/file schema instead.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
