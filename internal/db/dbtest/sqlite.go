// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewSQLite returns a file-backed SQLite database under t.TempDir() with every
// migration applied. It is closed when the test ends.
func NewSQLite(t testing.TB) *sqlx.DB {
	t.Helper()
	return NewSQLiteAt(t, filepath.Join(t.TempDir(), "events.db"))
}

// NewSQLiteAt opens path as a separate handle, so two calls with the same path
// behave like two processes sharing one database.
func NewSQLiteAt(t testing.TB, path string) *sqlx.DB {
	t.Helper()

	sqlDB, err := db.NewSQLiteConnection(path, db.SQLOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.MigrateQuiet(context.Background(), sqlDB, db.DriverSQLite))

	return sqlDB
}
