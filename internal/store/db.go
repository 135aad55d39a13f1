package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the session's local SQLite store. Reads go straight to the pool;
// writes run one at a time through withTx so concurrent components never
// interleave updates to the same record.
type DB struct {
	*sql.DB
	wmu sync.Mutex
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	db.wmu.Lock()
	defer db.wmu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	db.wmu.Lock()
	defer db.wmu.Unlock()
	return db.Exec(query, args...)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
