package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmehdipour/event-outbox/internal/db/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Migrate runs a goose command ("up", "down", "status", "reset", ...) with the
// embedded migrations for driver.
func Migrate(ctx context.Context, sqlDB *sqlx.DB, driver, command string, args ...string) error {
	if sqlDB == nil {
		return fmt.Errorf("db is required")
	}

	dialect, dir, err := migrationSource(driver)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect %s: %w", dialect, err)
	}
	if err := goose.RunContext(ctx, command, sqlDB.DB, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	return nil
}

// MigrateQuiet is Migrate("up") with goose logging silenced.
func MigrateQuiet(ctx context.Context, sqlDB *sqlx.DB, driver string) error {
	gooseMu.Lock()
	goose.SetLogger(goose.NopLogger())
	gooseMu.Unlock()

	return Migrate(ctx, sqlDB, driver, "up")
}

func migrationSource(driver string) (dialect, dir string, err error) {
	switch driver {
	case DriverMySQL:
		return "mysql", "mysql", nil
	case DriverSQLite, "sqlite3":
		return "sqlite3", "sqlite", nil
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
