package bunx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

// DatabaseType is the SQL backend selected by a DSN.
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgres"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

const (
	defaultMaxConns = 25
	connectTimeout  = 10 * time.Second
)

var postgresSchemes = []string{"postgres://", "postgresql://", "unix://"}

// sqlitePragmas run once on the single SQLite connection. In-memory
// databases ignore WAL and keep the "memory" journal.
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// DetectDatabaseType maps postgres URLs to PostgreSQL and anything else
// (":memory:", "file:" URIs, plain paths) to SQLite.
func DetectDatabaseType(dsn string) DatabaseType {
	lower := strings.ToLower(dsn)
	for _, scheme := range postgresSchemes {
		if strings.HasPrefix(lower, scheme) {
			return DatabaseTypePostgreSQL
		}
	}
	return DatabaseTypeSQLite
}

// NewDB opens dsn and pings it. maxConns bounds the PostgreSQL pool and
// defaults to 25; SQLite always uses a single connection so writers
// serialize and ":memory:" stays one database.
func NewDB(dsn string, maxConns int) (*bun.DB, error) {
	var (
		db    *bun.DB
		setup []string
	)
	switch DetectDatabaseType(dsn) {
	case DatabaseTypePostgreSQL:
		if maxConns <= 0 {
			maxConns = defaultMaxConns
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		sqldb.SetMaxOpenConns(maxConns)
		sqldb.SetMaxIdleConns(maxConns)
		db = bun.NewDB(sqldb, pgdialect.New())

	case DatabaseTypeSQLite:
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
		setup = sqlitePragmas
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	for _, stmt := range setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", stmt, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close closes db; nil is a no-op.
func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
