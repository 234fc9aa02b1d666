// Package migrate applies the SQL migrations under migrations/ with goose.
// Migrations are embedded into the binary so deployment never depends on a
// separate copy of the SQL tree being present next to the executable.
package migrate

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

const dir = "migrations"

// Up applies every pending migration in order. db must be a *sql.DB over
// the same Postgres instance the pgxpool serves (goose uses database/sql,
// not pgx, directly).
func Up(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

// Status reports the applied/pending state of each migration, to inspect
// drift. The server itself only calls Up.
func Status(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Status(db, dir)
}
