// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bookmark

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

// FileStore is the single-file bookmark store. Bookmarks are stored as
// JSON lines; the full set lives in memory and marks append to the
// file, so IsProcessed never touches disk.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
	seen map[string]model.Bookmark
	enc  *json.Encoder
}

// OpenFileStore opens or creates the bookmark file at path and loads
// the existing set.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("bookmark: file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("bookmark: create store directory: %w", err)
	}

	seen := make(map[string]model.Bookmark)
	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var b model.Bookmark
			if err := json.Unmarshal(line, &b); err != nil {
				// A torn trailing line from a crash is skipped; the
				// path will simply be reprocessed.
				continue
			}
			seen[b.Path] = b
		}
		_ = data.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("bookmark: read store: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("bookmark: open store: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("bookmark: open store for append: %w", err)
	}
	return &FileStore{
		path: path,
		file: file,
		seen: seen,
		enc:  json.NewEncoder(file),
	}, nil
}

func (s *FileStore) IsProcessed(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[NormalizePath(path)]
	return ok, nil
}

func (s *FileStore) MarkProcessed(path, status string) error {
	if status == "" {
		status = DefaultStatus
	}
	normalized := NormalizePath(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[normalized]; ok {
		return nil
	}
	b := model.Bookmark{Path: normalized, Status: status, ProcessedAt: time.Now().UTC()}
	if err := s.enc.Encode(b); err != nil {
		return fmt.Errorf("bookmark: append: %w", err)
	}
	s.seen[normalized] = b
	return nil
}

func (s *FileStore) All() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.seen))
	for path := range s.seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FileStore) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.seen)
	if err := s.file.Close(); err != nil {
		return 0, fmt.Errorf("bookmark: close before truncate: %w", err)
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, fmt.Errorf("bookmark: truncate store: %w", err)
	}
	s.file = file
	s.enc = json.NewEncoder(file)
	s.seen = make(map[string]model.Bookmark)
	return n, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
