// Package database opens the relational store behind every ledger-core table
// and classifies driver errors. Postgres is used in production; SQLite backs
// lite mode and tests.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a *sql.DB that remembers its dialect. Queries use $N placeholders,
// which both drivers accept.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap tags an existing handle, e.g. one returned by sqlmock.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// sqliteBusyTimeout keeps writer contention visible to the retry policy
// instead of hiding it inside the driver.
const sqliteBusyTimeout = 50 * time.Millisecond

// Open connects to dsn. postgres:// and postgresql:// URLs select Postgres;
// anything else is treated as a SQLite path, optionally prefixed with sqlite: or file:.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database: empty dsn")
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("database: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database: ping postgres: %w", err)
		}
		return Wrap(db, Postgres), nil
	}

	return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
}

// OpenSQLite opens (creating if needed) a SQLite database file. Write
// transactions begin IMMEDIATE so the chain tail is read under the write lock.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("database: create data dir: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	return Wrap(db, SQLite), nil
}

// LockLedgerTail serializes chain-tail readers inside tx. On Postgres it takes
// a table lock that fails fast (55P03) instead of queueing; SQLite already
// holds the database write lock from BEGIN IMMEDIATE.
func (db *DB) LockLedgerTail(ctx context.Context, tx *sql.Tx) error {
	if db.Dialect != Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "LOCK TABLE ledger_events IN SHARE ROW EXCLUSIVE MODE NOWAIT")
	return err
}

// InTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
