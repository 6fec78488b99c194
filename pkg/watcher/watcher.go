// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watcher implements the polling file source that feeds the
// pipeline.
//
// # Description
//
// The watcher enumerates a directory tree, emits the contents of files
// it has not seen before, and marks each emitted file in the bookmark
// store so a path is delivered at most once per store lifetime. In
// continuous mode it re-scans on an interval; an optional fsnotify
// watcher only shortens the wait between scans, it never bypasses the
// bookmark check.
//
// # Thread Safety
//
// Run is single-goroutine; Stop may be called from any goroutine and is
// idempotent.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridianhealth/meridian/pkg/bookmark"
	"github.com/meridianhealth/meridian/pkg/errclass"
	"github.com/meridianhealth/meridian/pkg/model"
)

const (
	defaultScanInterval = time.Second
	sourceName          = "file_watcher"
)

var (
	// ErrWatchPath indicates the watch directory could not be created.
	ErrWatchPath = errors.New("watcher: watch path unavailable")

	// ErrAllFailed indicates a scan discovered files but emitted none.
	ErrAllFailed = errors.New("watcher: every discovered file failed")

	// ErrStopped indicates Run exited because Stop was called.
	ErrStopped = errors.New("watcher: stopped")
)

// EmitFunc receives one payload per newly discovered file. A blocking
// emit is the watcher's backpressure point; returning an error stops
// the run.
type EmitFunc func(ctx context.Context, payload model.RawPayload) error

// Config configures a Watcher.
type Config struct {
	// WatchPath is the directory to scan. Created if missing.
	WatchPath string `validate:"required"`

	// Extensions filters files by suffix. Default is {".json"}.
	Extensions []string

	// Continuous keeps scanning on ScanInterval until Stop.
	Continuous bool

	// ScanInterval is the wait between continuous scans. Default 1s.
	ScanInterval time.Duration

	// Notify enables the fsnotify early wake-up between scans.
	Notify bool

	// Bookmarks deduplicates across runs. Required.
	Bookmarks bookmark.Store `validate:"required"`

	Logger *slog.Logger
}

// Stats summarizes one Run.
type Stats struct {
	Scanned int
	Emitted int
	Failed  int
	Skipped int
}

// Watcher is the polling file source.
type Watcher struct {
	cfg        Config
	logger     *slog.Logger
	classifier *errclass.Classifier

	known map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates cfg and ensures the watch path exists. A path that
// cannot be created is fatal.
func New(cfg Config) (*Watcher, error) {
	if cfg.WatchPath == "" {
		return nil, fmt.Errorf("%w: empty path", ErrWatchPath)
	}
	if cfg.Bookmarks == nil {
		return nil, errors.New("watcher: bookmark store is required")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".json"}
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.WatchPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchPath, err)
	}

	return &Watcher{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "watcher", "path", cfg.WatchPath),
		classifier: errclass.NewClassifier(),
		known:      make(map[string]bool),
		stopCh:     make(chan struct{}),
	}, nil
}

// Stop signals Run to exit after its current file. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run scans once, then keeps scanning when Continuous is set. It
// returns ErrAllFailed when the first scan found files and every one of
// them failed, ErrStopped when Stop ended a continuous run, and nil
// otherwise.
func (w *Watcher) Run(ctx context.Context, emit EmitFunc) (Stats, error) {
	var total Stats

	first, err := w.scanOnce(ctx, emit, &total)
	if err != nil {
		return total, err
	}
	if first.Scanned > 0 && first.Emitted == 0 && first.Failed > 0 {
		return total, fmt.Errorf("%w: %d file(s)", ErrAllFailed, first.Failed)
	}
	if first.Failed > 0 {
		w.logger.Warn("scan completed partially",
			"emitted", first.Emitted, "failed", first.Failed)
	}
	if !w.cfg.Continuous {
		return total, nil
	}

	wake := w.notifyChannel()
	for {
		if stopped := w.wait(ctx, wake); stopped {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, ErrStopped
		}
		if _, err := w.scanOnce(ctx, emit, &total); err != nil {
			return total, err
		}
	}
}

// scanOnce enumerates the tree and processes the diff against known
// files. The per-scan stats come back for failure-policy decisions;
// totals accumulate into the run stats.
func (w *Watcher) scanOnce(ctx context.Context, emit EmitFunc, total *Stats) (Stats, error) {
	var scan Stats

	current, err := w.listFiles()
	if err != nil {
		return scan, err
	}

	for _, path := range current {
		if w.known[path] {
			continue
		}
		scan.Scanned++

		select {
		case <-w.stopCh:
			total.add(scan)
			return scan, nil
		case <-ctx.Done():
			total.add(scan)
			return scan, ctx.Err()
		default:
		}

		switch w.processFile(ctx, path, emit) {
		case outcomeEmitted:
			w.known[path] = true
			scan.Emitted++
		case outcomeSkipped:
			w.known[path] = true
			scan.Skipped++
		case outcomeFailed:
			// Left out of known so the next scan retries it.
			scan.Failed++
		case outcomeAbort:
			total.add(scan)
			return scan, ctx.Err()
		}
	}
	total.add(scan)
	return scan, nil
}

type outcome int

const (
	outcomeEmitted outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeAbort
)

// processFile reads one file, emits it, and bookmarks it. A file that
// vanished between listing and open is a warning, not a failure.
func (w *Watcher) processFile(ctx context.Context, path string, emit EmitFunc) outcome {
	processed, err := w.cfg.Bookmarks.IsProcessed(path)
	if err != nil {
		w.logger.Error("bookmark lookup failed", "file", path, "error", err)
		return outcomeFailed
	}
	if processed {
		return outcomeSkipped
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("file disappeared before read", "file", path)
			return outcomeSkipped
		}
		classified := w.classifier.Classify(err, "watcher", path, nil)
		w.logger.Error("file read failed",
			"file", path,
			"category", classified.Analysis.Category,
			"pattern", classified.Analysis.Pattern,
			"error", err)
		return outcomeFailed
	}

	payload := model.RawPayload{
		Path:      path,
		Data:      string(data),
		SizeBytes: int64(len(data)),
		Source:    sourceName,
		ReadAt:    time.Now().UTC(),
	}
	if err := emit(ctx, payload); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return outcomeAbort
		}
		w.logger.Error("emit failed", "file", path, "error", err)
		return outcomeFailed
	}

	if err := w.cfg.Bookmarks.MarkProcessed(path, bookmark.DefaultStatus); err != nil {
		// The payload is already downstream; a lost bookmark means a
		// duplicate on restart, which consumers must tolerate anyway.
		w.logger.Warn("bookmark write failed", "file", path, "error", err)
	}
	return outcomeEmitted
}

// listFiles walks the tree and returns normalized paths whose suffix
// matches the configured extensions.
func (w *Watcher) listFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.cfg.WatchPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees degrade the scan, never abort it.
			w.logger.Warn("walk error", "file", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if w.matchesExtension(path) {
			files = append(files, bookmark.NormalizePath(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watcher: walk %s: %w", w.cfg.WatchPath, err)
	}
	return files, nil
}

func (w *Watcher) matchesExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// wait blocks until the scan interval elapses, a filesystem event
// arrives, or the run is stopped. Returns true when the run must exit.
func (w *Watcher) wait(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(w.cfg.ScanInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	case <-wake:
		return false
	}
}

// notifyChannel starts the fsnotify listener when enabled. Events only
// wake the poll loop early; discovery still goes through the scan so
// dedup and extension filtering stay in one place.
func (w *Watcher) notifyChannel() <-chan struct{} {
	if !w.cfg.Notify {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return nil
	}
	if err := fsw.Add(w.cfg.WatchPath); err != nil {
		w.logger.Warn("fsnotify add failed, polling only", "error", err)
		fsw.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-w.stopCh:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("fsnotify error", "error", err)
			}
		}
	}()
	return wake
}

func (s *Stats) add(other Stats) {
	s.Scanned += other.Scanned
	s.Emitted += other.Emitted
	s.Failed += other.Failed
	s.Skipped += other.Skipped
}
