package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pinggy/migrations"
)

// Open connects to the backend named by driver. For SQLite the parent
// directory of path is created when missing.
func Open(ctx context.Context, driver, path, dsn string) (Storage, error) {
	switch driver {
	case migrations.SQLite:
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return nil, fmt.Errorf("create data directory: %w", err)
				}
			}
		}
		return NewSQLite(path)
	case migrations.Postgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
