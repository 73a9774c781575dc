// Package store opens the relational database behind the consent ledger,
// profiles, rewards, and audit tables, and hosts the row stores that do not
// belong to a single domain package.
//
// Postgres is the production backend. SQLite (via the pure-Go driver) backs
// development and tests. Both are addressed through database/sql with $N
// placeholders, which both drivers accept; the few dialect differences are
// switched on the Dialect value Open returns.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend so stores can adjust DDL and locking.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Open connects to the database named by url. Postgres URLs use the
// postgres:// or postgresql:// scheme; anything else is treated as a SQLite
// path or file: URL.
func Open(url string) (*sql.DB, Dialect, error) {
	if url == "" {
		return nil, "", fmt.Errorf("store: database URL is empty")
	}
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, "", fmt.Errorf("store: opening postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	dsn := strings.TrimPrefix(url, "sqlite://")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("store: opening sqlite: %w", err)
	}
	// SQLite has a single writer. Funneling the pool through one
	// connection avoids SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("store: configuring sqlite: %w", err)
	}
	return db, DialectSQLite, nil
}
