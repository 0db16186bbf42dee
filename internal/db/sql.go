package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type SQLOpts struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration // sqlite only
}

// Open dispatches on the driver name and returns a pinged *sqlx.DB.
func Open(driver, dsn string, opts SQLOpts) (*sqlx.DB, error) {
	switch driver {
	case DriverMySQL:
		return NewMySQLConnection(dsn, opts)
	case DriverSQLite, "sqlite3":
		return NewSQLiteConnection(dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewMySQLConnection opens a *sqlx.DB with sensible pool/timeouts.
// The DSN must carry parseTime=true so DATETIME columns scan into time.Time.
func NewMySQLConnection(dsn string, opts SQLOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	db, err := sqlx.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, err
	}

	applyPool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// NewSQLiteConnection opens a pure-Go SQLite database. Times are written in the
// sqlite text format so they sort lexicographically, and the pool is pinned to
// one connection because SQLite serializes writers anyway.
func NewSQLiteConnection(path string, opts SQLOpts) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty SQLite path")
	}

	db, err := sqlx.Open(DriverSQLite, SQLiteDSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, err
	}

	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	applyPool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// SQLiteDSN appends the pragmas the event store relies on to path.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_time_format=sqlite",
	}
	if !strings.Contains(path, ":memory:") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	return path + sep + strings.Join(params, "&")
}

func applyPool(db *sqlx.DB, opts SQLOpts) {
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
}

func ping(db *sqlx.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return db.PingContext(ctx)
}
