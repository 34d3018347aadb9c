// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sqlite provides a storage.Backend over a single SQLite table.
//
// The pure-Go modernc.org/sqlite driver is used so the binary stays free of
// cgo. Revision checks are expressed as conditional statements, so several
// processes may safely share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/jeremyhahn/go-credvault/pkg/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL
)`

// Config configures the SQLite backend
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeoutMS is how long a writer waits for a lock. Defaults to 5000.
	BusyTimeoutMS int
}

// Storage is a SQLite implementation of storage.Backend
type Storage struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// New opens (creating if necessary) the database and initializes the schema.
func New(config *Config) (*Storage, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("sqlite storage: path cannot be empty")
	}
	busy := config.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to open: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes
	// writers within the process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite storage: failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite storage: failed to initialize schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// begin is ready plus key validation for per-key operations
func (s *Storage) begin(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return storage.ValidateKey(key)
}

func (s *Storage) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Get retrieves the entry for the given key
func (s *Storage) Get(ctx context.Context, key string) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(ctx, key); err != nil {
		return nil, err
	}

	e := &storage.Entry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&e.Value, &e.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to get %q: %w", key, err)
	}
	if e.Value == nil {
		e.Value = []byte{}
	}
	return e, nil
}

// Put stores the value unconditionally and returns the new revision
func (s *Storage) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	if value == nil {
		value = []byte{}
	}

	var rev uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv (key, value, revision) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = kv.revision + 1
		RETURNING revision`, key, value).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("sqlite storage: failed to put %q: %w", key, err)
	}
	return rev, nil
}

// UpdateIfUnchanged stores value only if the current revision equals expected.
// An expected revision of 0 inserts only when the key is absent.
func (s *Storage) UpdateIfUnchanged(ctx context.Context, key string, expected uint64, value []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(ctx, key); err != nil {
		return false, err
	}
	if value == nil {
		value = []byte{}
	}

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision) VALUES (?, ?, 1) ON CONFLICT(key) DO NOTHING`,
			key, value)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ?, revision = revision + 1 WHERE key = ? AND revision = ?`,
			value, key, expected)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite storage: failed to update %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite storage: failed to update %q: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes the key
func (s *Storage) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.begin(ctx, key); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite storage: failed to delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite storage: failed to delete %q: %w", key, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns all keys with the given prefix in sorted order
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: failed to list %q: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite storage: failed to list %q: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database. Subsequent calls are no-ops.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ storage.Backend = (*Storage)(nil)
