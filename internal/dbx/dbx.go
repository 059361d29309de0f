// Package dbx opens the Postgres connection pool shared by every
// persistence-backed component (aiqueue, migration, config settings) and
// applies goose migrations at startup.
package dbx

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Open connects to dsn and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbx: ping: %w", err)
	}
	return db, nil
}

// Migrate applies every pending migration in migrations to db using goose,
// tracking applied versions in the goose_db_version table.
func Migrate(db *sqlx.DB, migrations embed.FS, dir string) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("dbx: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, dir); err != nil {
		return fmt.Errorf("dbx: migrate up: %w", err)
	}
	return nil
}

// IsNoRows reports whether err is the sentinel sqlx/database-sql returns for
// a query that matched zero rows.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}
