// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package document implements the persistence.Provider contract over
// an embedded BadgerDB document store.
//
// Documents are JSON objects stored under "doc/<collection>/<id>" keys
// with manual secondary index keys for pipeline_run_id, timestamp, and
// the audit (event_type, level) pair. The provider emits engine-neutral
// operation documents (see Operation) which an executor interprets
// against badger, mirroring how a driver for a remote document store
// would ship them over the wire.
package document

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// StoreConfig holds configuration for the underlying BadgerDB instance.
type StoreConfig struct {
	// Path is the directory for database files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode. Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites
	// a value log file.
	GCDiscardRatio float64
}

// DefaultStoreConfig returns production defaults: synchronous writes,
// five-minute GC interval, 0.5 discard ratio.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns a configuration for tests: in-memory,
// no sync, no GC.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openStore opens the BadgerDB instance described by cfg.
func openStore(cfg StoreConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent document store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create document store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return db, nil
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing to collect, not a failure.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("document store GC error", "error", err)
			}
		}
	}
}
