// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bookmark implements the idempotent processed-file set used by
// the watcher for deduplication.
//
// Paths pass through NormalizePath at every trust boundary: lookup,
// insert, and the watcher's duplicate-detection set. Callers never
// compare raw OS paths. Marking an already-marked path is a no-op, so
// re-running the watcher over a directory is safe (at-least-once
// delivery with idempotent bookmarks).
package bookmark

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultStatus is the status written when MarkProcessed is called with
// an empty status.
const DefaultStatus = "processed"

var (
	// ErrUnsupportedType indicates the factory was asked for a store
	// tier that this build does not ship.
	ErrUnsupportedType = errors.New("bookmark: unsupported store type")
)

// NormalizePath converts a path to the canonical bookmark form: forward
// slashes only. Windows paths compare equal to their POSIX spellings
// after normalization.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}

// Store is the processed-file set contract.
//
// # Thread Safety
//
// Implementations are safe for one writer and any number of readers in
// a single process. MarkProcessed has insert-or-ignore semantics.
type Store interface {
	// IsProcessed reports whether the normalized path has been marked.
	IsProcessed(path string) (bool, error)

	// MarkProcessed records the normalized path. An empty status is
	// recorded as DefaultStatus. Re-marking an existing path is a
	// no-op, never an error.
	MarkProcessed(path, status string) error

	// All returns every normalized path in the store, sorted.
	All() ([]string, error)

	// ClearAll removes every bookmark and returns how many were removed.
	ClearAll() (int, error)

	// Close releases the store's resources.
	Close() error
}

// Config selects and configures a bookmark store.
type Config struct {
	// Type is one of "file", "sqlite", "postgres", "redis", "s3".
	// Only the first three ship in this tier.
	Type string `yaml:"type" validate:"required,oneof=file sqlite postgres redis s3"`

	// Path is the backing file for the "file" and "sqlite" types.
	Path string `yaml:"path"`

	// DSN overrides Path as the connection string for database types.
	DSN string `yaml:"dsn"`

	Logger *slog.Logger `yaml:"-"`
}

// New builds the store named by cfg.Type. The redis and s3 tiers are
// recognized but not shipped here; they return ErrUnsupportedType.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "file":
		return OpenFileStore(cfg.Path)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		return OpenSQLStore(SQLiteDialect(), dsn)
	case "postgres":
		return OpenSQLStore(PostgresDialect(), cfg.DSN)
	case "redis", "s3":
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, cfg.Type)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnsupportedType, cfg.Type)
	}
}
