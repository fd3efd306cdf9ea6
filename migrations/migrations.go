// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Supported dialects. The value doubles as the migration directory name.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// goose keeps its base FS and dialect in package globals.
var mu sync.Mutex

// Dir returns the migration directory and goose dialect name for a dialect.
func Dir(dialect string) (dir, gooseDialect string, err error) {
	switch dialect {
	case SQLite:
		return SQLite, "sqlite3", nil
	case Postgres:
		return Postgres, "postgres", nil
	default:
		return "", "", fmt.Errorf("unknown dialect %q", dialect)
	}
}

// Setup points goose at the embedded files for dialect and returns the directory to pass to goose commands.
func Setup(dialect string) (string, error) {
	dir, gd, err := Dir(dialect)
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(gd); err != nil {
		return "", fmt.Errorf("set dialect: %w", err)
	}
	return dir, nil
}

// Run applies all pending migrations for dialect to the given database.
func Run(db *sql.DB, dialect string) error {
	mu.Lock()
	defer mu.Unlock()

	dir, err := Setup(dialect)
	if err != nil {
		return err
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
