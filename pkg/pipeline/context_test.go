// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/config"
)

func TestContext_IsStageEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.Stages.Deid.Enabled = true
	cfg.Pipeline.Stages.Embedding.Enabled = false
	pc := NewContext(ContextConfig{Config: cfg})

	assert.True(t, pc.IsStageEnabled(StageIngestion))
	assert.True(t, pc.IsStageEnabled(StageDeid))
	assert.True(t, pc.IsStageEnabled(StageChunking))
	assert.False(t, pc.IsStageEnabled(StageEmbedding))
	assert.False(t, pc.IsStageEnabled("reticulation"))
}

func TestContext_GeneratesRunID(t *testing.T) {
	pc := NewContext(ContextConfig{})
	assert.Len(t, pc.PipelineID(), 26)
	assert.Equal(t, config.DefaultConfig().Pipeline.Name, pc.Name())
}

func TestContext_ErrorsAndWarningsUnderConcurrency(t *testing.T) {
	pc := NewContext(ContextConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pc.AddError(StageChunking, "boom")
				pc.AddWarning("careful")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, pc.Errors(), 400)
	assert.Len(t, pc.Warnings(), 400)

	s := pc.GetSummary()
	assert.Equal(t, 400, s.ErrorCount)
	assert.Equal(t, 400, s.WarningCount)
	assert.Equal(t, "chunking: boom", s.Errors[0])
}

func TestContext_ExecutedStagesInOrder(t *testing.T) {
	pc := NewContext(ContextConfig{})
	pc.StartStage(StageIngestion)
	pc.StartStage(StageChunking)
	pc.EndStage(StageChunking)
	pc.EndStage(StageIngestion)

	assert.Equal(t, []string{StageIngestion, StageChunking}, pc.ExecutedStages())
}

func TestContext_ExportResults(t *testing.T) {
	result := &RunResult{
		RunID:  "run-1",
		Status: StatusCompleted,
		Results: map[string]*StageResult{
			StageIngestion: {Stage: StageIngestion, Status: StatusCompleted, Processed: 2},
		},
	}

	t.Run("json round trip", func(t *testing.T) {
		pc := NewContext(ContextConfig{OutputPath: t.TempDir()})
		path, err := pc.ExportResults(result, "json")
		require.NoError(t, err)
		assert.FileExists(t, path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded RunResult
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "run-1", decoded.RunID)
		assert.Equal(t, 2, decoded.Results[StageIngestion].Processed)
	})

	t.Run("yaml", func(t *testing.T) {
		pc := NewContext(ContextConfig{OutputPath: t.TempDir()})
		path, err := pc.ExportResults(result, "yaml")
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("unsupported format", func(t *testing.T) {
		pc := NewContext(ContextConfig{OutputPath: t.TempDir()})
		_, err := pc.ExportResults(result, "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported export format")
	})
}
