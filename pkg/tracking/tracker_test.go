// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T, stage string) *StageTracker {
	t.Helper()
	return NewStageTracker(TrackerConfig{Stage: stage, RunID: "run-1", Enabled: true})
}

func TestTracker_RatesSumAtMostOneHundred(t *testing.T) {
	tr := newTracker(t, "ingestion")
	tr.StartBatch("b1", nil)
	tr.RecordSuccess("r1")
	tr.RecordFailure("r2", errors.New("boom"), "PARSING_ERROR")
	tr.RecordSkip("r3", "duplicate")
	tr.RecordPartialSuccess("r4", []string{"missing field"})

	batch := tr.FinishBatch()
	require.NotNil(t, batch)
	assert.Equal(t, int64(4), batch.Total)
	assert.Equal(t, int64(1), batch.Successful)
	assert.Equal(t, int64(1), batch.Failed)
	assert.Equal(t, int64(1), batch.Skipped)
	assert.Equal(t, int64(1), batch.Partial)
	// Skipped and partial are in neither rate.
	assert.LessOrEqual(t, batch.SuccessRate+batch.FailureRate, 100.0)
	assert.Equal(t, int64(1), batch.ErrorCategories["PARSING_ERROR"])
}

func TestTracker_AutoBatch(t *testing.T) {
	tr := newTracker(t, "ingestion")
	tr.RecordSuccess("r1")

	batch := tr.FinishBatch()
	require.NotNil(t, batch)
	assert.True(t, strings.HasPrefix(batch.BatchID, "auto_batch_"))
	assert.Equal(t, int64(1), batch.Total)
}

func TestTracker_StartBatchReplacesCurrent(t *testing.T) {
	tr := newTracker(t, "ingestion")
	tr.StartBatch("b1", nil)
	tr.RecordSuccess("r1")
	tr.StartBatch("b2", nil)

	summary := tr.Summary()
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, int64(1), summary.Total)
}

func TestTracker_CompletedHistoryBounded(t *testing.T) {
	tr := newTracker(t, "ingestion")
	for i := 0; i < completedBatchCap+20; i++ {
		tr.StartBatch(fmt.Sprintf("b%d", i), nil)
		tr.FinishBatch()
	}
	assert.Len(t, tr.snapshotBatches(), completedBatchCap)
}

func TestTracker_TrackBatchFinishesOnError(t *testing.T) {
	tr := newTracker(t, "ingestion")
	sentinel := errors.New("boom")

	err := tr.TrackBatch("b1", nil, func() error {
		tr.RecordFailure("r1", sentinel, "SYSTEM_ERROR")
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	batches := tr.snapshotBatches()
	require.Len(t, batches, 1)
	assert.NotNil(t, batches[0].CompletedAt)
}

func TestTracker_DisabledIsNoOp(t *testing.T) {
	tr := NewStageTracker(TrackerConfig{Stage: "ingestion", Enabled: false})
	tr.StartBatch("b1", nil)
	tr.RecordSuccess("r1")
	assert.Nil(t, tr.FinishBatch())

	summary := tr.Summary()
	assert.Zero(t, summary.Total)
	assert.Equal(t, []string{"tracking disabled"}, summary.Recommendations)

	// Export of a disabled tracker is a warning, not an error.
	assert.NoError(t, tr.Export(filepath.Join(t.TempDir(), "out.json"), FormatJSON))
}

func TestTracker_Recommendations(t *testing.T) {
	t.Run("high failure rate", func(t *testing.T) {
		tr := newTracker(t, "ingestion")
		tr.StartBatch("b1", nil)
		tr.RecordFailure("r1", errors.New("boom"), "SYSTEM_ERROR")
		for i := 0; i < 4; i++ {
			tr.RecordSuccess(fmt.Sprintf("r%d", i+2))
		}
		tr.FinishBatch()

		recs := tr.Summary().Recommendations
		require.NotEmpty(t, recs)
		assert.Contains(t, recs[0], "high failure rate")
	})

	t.Run("chunk size skew", func(t *testing.T) {
		tr := NewChunkingTracker(TrackerConfig{RunID: "run-1", Enabled: true})
		tr.StartBatch("b1", nil)
		tr.RecordSuccess("r1", WithDomainMetric("chunk_size", 3000))
		tr.FinishBatch()

		recs := tr.Summary().Recommendations
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0], "chunk size skew")
	})

	t.Run("healthy", func(t *testing.T) {
		tr := newTracker(t, "embedding")
		tr.StartBatch("b1", nil)
		tr.RecordSuccess("r1", WithProcessingTime(5))
		tr.FinishBatch()

		assert.Equal(t, []string{"healthy"}, tr.Summary().Recommendations)
	})
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	tr := newTracker(t, "embedding")
	tr.StartBatch("b1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordSuccess(fmt.Sprintf("w%d-r%d", worker, j))
			}
		}(i)
	}
	wg.Wait()

	batch := tr.FinishBatch()
	require.NotNil(t, batch)
	assert.Equal(t, int64(800), batch.Total)
	assert.Equal(t, int64(800), batch.Successful)
}

func TestTracker_ExportCSVLayout(t *testing.T) {
	tr := newTracker(t, "ingestion")
	tr.StartBatch("b1", nil)
	tr.RecordSuccess("r1", WithBytes(200))
	tr.RecordSuccess("r2", WithBytes(300))
	tr.FinishBatch()

	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, tr.Export(path, FormatCSV))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	// Summary header, summary row, blank line, section label, detail
	// header, one batch row.
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "stage,"))
	assert.Empty(t, lines[2])
	assert.Equal(t, "Batch Details", lines[3])
	assert.True(t, strings.HasPrefix(lines[5], "b1,"))
}

func TestTracker_ExportJSON(t *testing.T) {
	tr := newTracker(t, "ingestion")
	tr.StartBatch("b1", nil)
	tr.RecordSuccess("r1")
	tr.FinishBatch()

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, tr.Export(path, FormatJSON))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var payload struct {
		Summary TrackerSummary  `json:"summary"`
		Batches []*BatchMetrics `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, int64(1), payload.Summary.Total)
	require.Len(t, payload.Batches, 1)
	assert.Equal(t, "b1", payload.Batches[0].BatchID)
}

func TestTracker_ExportUnknownFormat(t *testing.T) {
	tr := newTracker(t, "ingestion")
	err := tr.Export(filepath.Join(t.TempDir(), "out.xml"), "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}
