// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence/document"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	provider := document.New(document.Config{Store: document.InMemoryStoreConfig()})
	require.NoError(t, provider.Connect(context.Background()))
	t.Cleanup(func() { _ = provider.Disconnect() })
	return NewRepository(provider, nil)
}

func TestRepository_StartRun(t *testing.T) {
	repo := newRepo(t)

	run, err := repo.StartRun(context.Background(), "nightly", map[string]any{"mode": "fast"})
	require.NoError(t, err)
	assert.Len(t, run.ID, 26)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	stored, err := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "nightly", stored.Name)

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := repo.StartRun(context.Background(), "", nil)
		assert.Error(t, err)
	})
}

func TestRepository_CounterInvariant(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	run, err := repo.StartRun(ctx, "nightly", nil)
	require.NoError(t, err)

	require.NoError(t, repo.AddCounts(ctx, run.ID, 10, 7, 2, 1))
	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, stored.Successful+stored.Failed+stored.Skipped, stored.Total)

	t.Run("negative deltas rejected", func(t *testing.T) {
		err := repo.AddCounts(ctx, run.ID, -1, 0, 0, 0)
		assert.Error(t, err)
	})
}

func TestRepository_RecordFailure(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	run, err := repo.StartRun(ctx, "nightly", nil)
	require.NoError(t, err)

	statID, recID, err := repo.RecordFailure(ctx, &model.IngestionStat{
		PipelineRunID: run.ID,
		StageName:     "ingestion",
		ErrorCategory: "PARSING_ERROR",
		ErrorMessage:  "JSON parse failure",
	}, `{"incomplete"`, "", "")
	require.NoError(t, err)
	assert.Positive(t, statID)
	assert.Positive(t, recID)

	records, err := repo.FailedRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, statID, records[0].StatID)
	assert.Contains(t, records[0].FailureReason, "JSON")
}

func TestRepository_TransactionFallsBackWhenUnsupported(t *testing.T) {
	repo := newRepo(t)

	ran := false
	err := repo.Transaction(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRepository_CleanupValidation(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.Cleanup(context.Background(), 0)
	assert.Error(t, err)
}
