package policy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const tableSchema = `
CREATE TABLE IF NOT EXISTS policy_values (
    state      TEXT    NOT NULL,
    action     INTEGER NOT NULL,
    value      REAL    NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (state, action)
)`

// SQLiteTable is a durable Table backed by an embedded SQLite file.
//
// All rows are loaded into memory on Open. Set updates memory and marks the
// key dirty; Flush writes dirty keys in one transaction.
type SQLiteTable struct {
	db *sql.DB

	mu     sync.RWMutex
	values map[Key]float64
	dirty  map[Key]struct{}
}

// OpenSQLite creates or opens the table at path and loads existing values.
func OpenSQLite(path string) (*SQLiteTable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to policy database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		tableSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	t := &SQLiteTable{
		db:     db,
		values: make(map[Key]float64),
		dirty:  make(map[Key]struct{}),
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *SQLiteTable) load() error {
	rows, err := t.db.Query(`SELECT state, action, value FROM policy_values`)
	if err != nil {
		return fmt.Errorf("load policy values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k Key
		var v float64
		if err := rows.Scan(&k.State, &k.Action, &v); err != nil {
			return fmt.Errorf("scan policy value: %w", err)
		}
		t.values[k] = v
	}
	return rows.Err()
}

func (t *SQLiteTable) Get(_ context.Context, state string, action int) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[Key{state, action}], nil
}

func (t *SQLiteTable) Set(_ context.Context, state string, action int, value float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := Key{state, action}
	t.values[k] = value
	t.dirty[k] = struct{}{}
	return nil
}

// Flush writes all dirty keys. On failure the keys stay dirty so a later
// Flush retries them.
func (t *SQLiteTable) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.dirty) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO policy_values (state, action, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (state, action) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare policy flush: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for k := range t.dirty {
		if _, err := stmt.ExecContext(ctx, k.State, k.Action, t.values[k], now); err != nil {
			return fmt.Errorf("write policy value %s/%d: %w", k.State, k.Action, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policy flush: %w", err)
	}
	clear(t.dirty)
	return nil
}

// Len returns the number of stored keys.
func (t *SQLiteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// Close closes the database. Unflushed values are lost.
func (t *SQLiteTable) Close() error {
	return t.db.Close()
}
