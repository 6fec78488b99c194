// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.DataIntelligence.Enabled)
	assert.Equal(t, 1024, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, []string{".json"}, cfg.Adapter.Extensions)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_intelligence:
  performance_mode: comprehensive
adapter:
  watch_path: /tmp/claims
  extensions: [".x12", ".json"]
pipeline:
  timeout_seconds: 30
  stages:
    deid:
      enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/claims", cfg.Adapter.WatchPath)
	assert.Equal(t, []string{".x12", ".json"}, cfg.Adapter.Extensions)
	assert.Equal(t, 30.0, cfg.Pipeline.TimeoutSeconds)
	assert.True(t, cfg.Pipeline.Stages.Deid.Enabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1024, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, "sqlite", cfg.Persistence.Database.Type)
}

func TestParse_UnknownKeysIgnored(t *testing.T) {
	cfg, err := Parse([]byte("some_future_key: 7\nadapter:\n  watch_path: /in\n"))
	require.NoError(t, err)
	assert.Equal(t, "/in", cfg.Adapter.WatchPath)
}

func TestParse_InvalidValuesFailFast(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		path string
	}{
		{
			name: "sampling rate out of range",
			yaml: "data_intelligence:\n  sampling:\n    rate: 1.5\n",
			path: "data_intelligence.sampling.rate",
		},
		{
			name: "bad performance mode",
			yaml: "data_intelligence:\n  performance_mode: turbo\n",
			path: "data_intelligence.performance_mode",
		},
		{
			name: "bad export format",
			yaml: "data_intelligence:\n  features:\n    ingestion_tracking:\n      export_formats: [pdf]\n",
			path: "data_intelligence.features.ingestion_tracking.export_formats",
		},
		{
			name: "bad database type",
			yaml: "persistence:\n  database:\n    type: oracle\n",
			path: "persistence.database.type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, cerr.Path, tc.path)
		})
	}
}

func TestPerformanceModePresets(t *testing.T) {
	t.Run("fast lowers sampling", func(t *testing.T) {
		cfg, err := Parse([]byte("data_intelligence:\n  performance_mode: fast\n"))
		require.NoError(t, err)
		assert.InDelta(t, 0.1, cfg.DataIntelligence.Sampling.Rate, 1e-9)
		assert.False(t, cfg.DataIntelligence.Features.QualityScoring.OutlierDetection)
	})

	t.Run("comprehensive raises everything", func(t *testing.T) {
		cfg, err := Parse([]byte("data_intelligence:\n  performance_mode: comprehensive\n"))
		require.NoError(t, err)
		assert.InDelta(t, 1.0, cfg.DataIntelligence.Sampling.Rate, 1e-9)
		assert.True(t, cfg.DataIntelligence.Features.AuditTrail.RecordLevelTrack)
		assert.True(t, cfg.DataIntelligence.Features.SystemMetrics.ResourceUtilization)
	})
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("pipeline: [not: a: map"))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "yaml", cerr.Path)
}
