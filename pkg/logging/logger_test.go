// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, LevelInfo.toSlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel())
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "pipeline",
		Quiet:   true,
	})

	logger.Info("run started", "run_id", "01ABC")
	require.NoError(t, logger.Close())

	name := "pipeline_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "run started")
	assert.Contains(t, string(data), "01ABC")
	assert.Contains(t, string(data), `"service":"pipeline"`)
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter, Service: "test"})

	logger.Info("exported message", "key", "value")
	logger.Debug("filtered out")

	// Export is asynchronous; give it a moment.
	assert.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "exported message", entries[0].Message)
	assert.Equal(t, "value", entries[0].Attrs["key"])
	assert.Equal(t, "test", entries[0].Service)
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter})
	child := parent.With("run_id", "r1")

	child.Info("child message")
	assert.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".meridian"), expandPath("~/.meridian"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "", expandPath(""))
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", 3, "ignored-non-string-key"})
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "two", m["b"])
	assert.Len(t, m, 2)
}
