// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relational

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence"
)

func newMockProvider(t *testing.T, opts ...func(*sqlmock.Sqlmock)) (*Provider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := NewWithDB(sqlx.NewDb(db, "sqlmock"), SQLite(), nil)
	return provider, mock
}

func TestStartPipelineRun(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectExec(`INSERT INTO pipeline_runs`).
		WithArgs("run-1", "nightly", sqlmock.AnyArg(), string(model.RunStatusRunning), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.StartPipelineRun(context.Background(), "run-1", "nightly", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePipelineRun_TerminalGuard(t *testing.T) {
	p, mock := newMockProvider(t)

	t.Run("running run transitions", func(t *testing.T) {
		mock.ExpectExec(`UPDATE pipeline_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		err := p.CompletePipelineRun(context.Background(), "run-1", model.RunStatusCompleted, "")
		require.NoError(t, err)
	})

	t.Run("terminal run is a no-op", func(t *testing.T) {
		mock.ExpectExec(`UPDATE pipeline_runs`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := p.CompletePipelineRun(context.Background(), "run-1", model.RunStatusFailed, "late")
		require.NoError(t, err)
	})

	t.Run("non-terminal status rejected", func(t *testing.T) {
		err := p.CompletePipelineRun(context.Background(), "run-1", model.RunStatusRunning, "")
		assert.ErrorIs(t, err, persistence.ErrQuery)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePipelineRunCounts_GuardsTerminal(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectExec(`UPDATE pipeline_runs SET`).
		WithArgs(int64(2), int64(1), int64(1), int64(0), "run-1", string(model.RunStatusRunning)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.UpdatePipelineRunCounts(context.Background(), "run-1", 2, 1, 1, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIngestionStat_ReturnsID(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectExec(`INSERT INTO ingestion_stats`).
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := p.RecordIngestionStat(context.Background(), &model.IngestionStat{
		PipelineRunID: "run-1",
		StageName:     "ingestion",
		Status:        model.RecordStatusSuccess,
		Timestamp:     time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailedRecord(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectExec(`INSERT INTO failed_records`).
		WithArgs(int64(42), `{"incomplete"`, nil, "JSON parse failure", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	id, err := p.RecordFailedRecord(context.Background(), 42, `{"incomplete"`, "JSON parse failure", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_NestedRejected(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := p.Transaction(context.Background(), func(ctx context.Context) error {
		inner := p.Transaction(ctx, func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, inner, persistence.ErrTransaction)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollbackOnError(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := p.Transaction(context.Background(), func(ctx context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldData_ChildrenBeforeParents(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM failed_records`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM ingestion_stats`).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM quality_metrics`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM audit_events`).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM performance_metrics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM system_metrics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM pipeline_runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := p.CleanupOldData(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipelineRun_NotFound(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery(`SELECT \* FROM pipeline_runs`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	run, err := p.GetPipelineRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIngestionSummary(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery(`SELECT(.|\n)*FROM ingestion_stats`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"total", "successful", "failed", "skipped", "avg_processing_time_ms", "total_bytes_processed",
		}).AddRow(2, 2, 0, 0, 12.5, 500))
	mock.ExpectQuery(`SELECT error_category`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"error_category", "n"}))

	summary, err := p.GetIngestionSummary(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Total)
	assert.Equal(t, int64(500), summary.TotalBytesProcessed)
	assert.Empty(t, summary.ErrorBreakdown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupportsFeature(t *testing.T) {
	sqliteProvider := New(Config{Dialect: SQLite()})
	assert.True(t, sqliteProvider.SupportsFeature(persistence.FeatureTransactions))
	assert.False(t, sqliteProvider.SupportsFeature(persistence.FeatureFullTextSearch))
	assert.False(t, sqliteProvider.SupportsFeature("nonsense"))

	pgProvider := New(Config{Dialect: Postgres()})
	assert.True(t, pgProvider.SupportsFeature(persistence.FeatureFullTextSearch))
}

func TestDialect_Rebind(t *testing.T) {
	assert.Equal(t, "SELECT ?", SQLite().Rebind("SELECT ?"))
	assert.Equal(t, "SELECT $1", Postgres().Rebind("SELECT ?"))
}
