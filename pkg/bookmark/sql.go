// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bookmark

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLDialect carries the per-engine differences of the SQL bookmark
// store: driver name, placeholder style, and the insert-or-ignore
// spelling.
type SQLDialect struct {
	driver       string
	bindType     int
	insertIgnore string
	timestamp    string
}

// SQLiteDialect returns the embedded sqlite dialect.
func SQLiteDialect() SQLDialect {
	return SQLDialect{
		driver:       "sqlite",
		bindType:     sqlx.QUESTION,
		insertIgnore: `INSERT OR IGNORE INTO bookmarks (path, status, processed_at) VALUES (?, ?, ?)`,
		timestamp:    "TIMESTAMP",
	}
}

// PostgresDialect returns the postgres dialect (pgx stdlib driver).
func PostgresDialect() SQLDialect {
	return SQLDialect{
		driver:       "pgx",
		bindType:     sqlx.DOLLAR,
		insertIgnore: `INSERT INTO bookmarks (path, status, processed_at) VALUES (?, ?, ?) ON CONFLICT (path) DO NOTHING`,
		timestamp:    "TIMESTAMPTZ",
	}
}

// SQLStore is the database-backed bookmark store.
//
// The mutex enforces the single-writer policy: one connection, reads
// and writes serialized per process.
type SQLStore struct {
	mu      sync.Mutex
	db      *sqlx.DB
	dialect SQLDialect
}

// OpenSQLStore opens the database at dsn and ensures the bookmarks
// table exists.
func OpenSQLStore(dialect SQLDialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("bookmark: %s store requires a dsn", dialect.driver)
	}
	db, err := sqlx.Open(dialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("bookmark: open %s store: %w", dialect.driver, err)
	}
	db.SetMaxOpenConns(1)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bookmarks (
		path TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		processed_at %s NOT NULL
	)`, dialect.timestamp)
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bookmark: initialize schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// NewSQLStoreWithDB wraps an already-open connection. Used by tests.
func NewSQLStoreWithDB(db *sqlx.DB, dialect SQLDialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) rebind(query string) string {
	return sqlx.Rebind(s.dialect.bindType, query)
}

func (s *SQLStore) IsProcessed(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	query := s.rebind(`SELECT COUNT(*) FROM bookmarks WHERE path = ?`)
	if err := s.db.Get(&n, query, NormalizePath(path)); err != nil {
		return false, fmt.Errorf("bookmark: lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) MarkProcessed(path, status string) error {
	if status == "" {
		status = DefaultStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := sqlx.Rebind(s.dialect.bindType, s.dialect.insertIgnore)
	if _, err := s.db.Exec(query, NormalizePath(path), status, time.Now().UTC()); err != nil {
		return fmt.Errorf("bookmark: mark: %w", err)
	}
	return nil
}

func (s *SQLStore) All() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	if err := s.db.Select(&paths, `SELECT path FROM bookmarks ORDER BY path`); err != nil {
		return nil, fmt.Errorf("bookmark: list: %w", err)
	}
	return paths, nil
}

func (s *SQLStore) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM bookmarks`)
	if err != nil {
		return 0, fmt.Errorf("bookmark: clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bookmark: clear count: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
