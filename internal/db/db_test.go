package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/jmehdipour/event-outbox/internal/db/dbtest"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	dsn := db.SQLiteDSN("/tmp/x.db", 2*time.Second)
	assert.Equal(t, "file:/tmp/x.db?_pragma=busy_timeout(2000)&_pragma=foreign_keys(1)&_time_format=sqlite&_pragma=journal_mode(WAL)", dsn)

	mem := db.SQLiteDSN("file::memory:?cache=shared", 0)
	assert.Equal(t, "file::memory:?cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", mem)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open("oracle", "dsn", db.SQLOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestMigrateCreatesOutboxIndexes(t *testing.T) {
	sqlDB := dbtest.NewSQLite(t)

	var names []string
	err := sqlDB.Select(&names, `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'event_records' ORDER BY name`)
	require.NoError(t, err)

	assert.Subset(t, names, []string{
		"ix_event_records_aggregate_occurred",
		"ix_event_records_correlation",
		"ix_event_records_outbox",
		"ix_event_records_tenant_occurred",
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	sqlDB := dbtest.NewSQLite(t)
	require.NoError(t, db.MigrateQuiet(context.Background(), sqlDB, db.DriverSQLite))
}

func TestWithinTx(t *testing.T) {
	sqlDB := dbtest.NewSQLite(t)
	ctx := context.Background()
	insert := func(tx *sqlx.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, tenant_id, customer_id, status, total_cents, currency, created_at, updated_at)
			VALUES (?, 't1', 'c1', 'placed', 100, 'EUR', ?, ?)`, id, time.Now().UTC(), time.Now().UTC())
		return err
	}
	count := func() int {
		var n int
		require.NoError(t, sqlDB.Get(&n, `SELECT COUNT(*) FROM orders`))
		return n
	}

	t.Run("commits on success", func(t *testing.T) {
		err := db.WithinTx(ctx, sqlDB, func(tx *sqlx.Tx) error { return insert(tx, "o1") })
		require.NoError(t, err)
		assert.Equal(t, 1, count())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithinTx(ctx, sqlDB, func(tx *sqlx.Tx) error {
			require.NoError(t, insert(tx, "o2"))
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, count())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = db.WithinTx(ctx, sqlDB, func(tx *sqlx.Tx) error {
				require.NoError(t, insert(tx, "o3"))
				panic("kaboom")
			})
		})
		assert.Equal(t, 1, count())
	})
}
