// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tracking is the telemetry substrate of the pipeline: the
// repository over the persistence provider, the per-stage batch
// trackers, and the audit logger.
//
// The repository is the only component that talks to the persistence
// provider. Trackers and the audit logger write through it; stages
// never touch storage directly.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence"
)

// NewRunID returns a new lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Repository is the high-level tracking API over a persistence
// provider. It validates inputs, stamps missing timestamps, and maps
// domain structs onto provider calls.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the provider.
type Repository struct {
	provider persistence.Provider
	logger   *slog.Logger
}

// NewRepository wraps a connected provider. A nil logger discards.
func NewRepository(provider persistence.Provider, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Repository{provider: provider, logger: logger}
}

// Provider exposes the underlying provider for feature queries.
func (r *Repository) Provider() persistence.Provider {
	return r.provider
}

// StartRun creates a new pipeline run in the running state and returns
// it. The id is a fresh ULID.
func (r *Repository) StartRun(ctx context.Context, name string, config map[string]any) (*model.PipelineRun, error) {
	if name == "" {
		return nil, fmt.Errorf("tracking: run name is required")
	}
	run := &model.PipelineRun{
		ID:        NewRunID(),
		Name:      name,
		StartedAt: time.Now().UTC(),
		Status:    model.RunStatusRunning,
		Config:    config,
	}
	if err := r.provider.StartPipelineRun(ctx, run.ID, run.Name, config); err != nil {
		return nil, err
	}
	r.logger.Info("pipeline run started", "run_id", run.ID, "name", name)
	return run, nil
}

// CompleteRun moves a run to a terminal status. Completing an already
// terminal run is a no-op at the provider level.
func (r *Repository) CompleteRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if err := r.provider.CompletePipelineRun(ctx, runID, status, errMsg); err != nil {
		return err
	}
	r.logger.Info("pipeline run completed", "run_id", runID, "status", string(status))
	return nil
}

// AddCounts applies additive counter deltas to a running run.
func (r *Repository) AddCounts(ctx context.Context, runID string, dTotal, dSuccessful, dFailed, dSkipped int64) error {
	if dTotal < 0 || dSuccessful < 0 || dFailed < 0 || dSkipped < 0 {
		return fmt.Errorf("tracking: counter deltas must be non-negative")
	}
	return r.provider.UpdatePipelineRunCounts(ctx, runID, dTotal, dSuccessful, dFailed, dSkipped)
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	return r.provider.GetPipelineRun(ctx, runID)
}

func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.provider.GetRecentPipelineRuns(ctx, limit)
}

// RecordStat writes one ingestion stat, stamping a missing timestamp.
func (r *Repository) RecordStat(ctx context.Context, stat *model.IngestionStat) (int64, error) {
	if stat.PipelineRunID == "" || stat.StageName == "" {
		return 0, fmt.Errorf("tracking: ingestion stat requires run id and stage name")
	}
	if stat.Timestamp.IsZero() {
		stat.Timestamp = time.Now().UTC()
	}
	return r.provider.RecordIngestionStat(ctx, stat)
}

// RecordFailure writes the failure stat and its forensic payload in one
// call, returning both ids.
func (r *Repository) RecordFailure(ctx context.Context, stat *model.IngestionStat, original, normalized, stack string) (int64, int64, error) {
	stat.Status = model.RecordStatusFailure
	statID, err := r.RecordStat(ctx, stat)
	if err != nil {
		return 0, 0, err
	}
	recID, err := r.provider.RecordFailedRecord(ctx, statID, original, stat.ErrorMessage, normalized, stack)
	if err != nil {
		return statID, 0, err
	}
	return statID, recID, nil
}

func (r *Repository) RecordQuality(ctx context.Context, metric *model.QualityMetric) (int64, error) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	return r.provider.RecordQualityMetric(ctx, metric)
}

func (r *Repository) RecordAudit(ctx context.Context, event *model.AuditEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return r.provider.RecordAuditEvent(ctx, event)
}

func (r *Repository) RecordAuditBatch(ctx context.Context, events []*model.AuditEvent) error {
	now := time.Now().UTC()
	for _, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
	}
	return r.provider.RecordAuditEvents(ctx, events)
}

func (r *Repository) RecordPerformance(ctx context.Context, metric *model.PerformanceMetric) (int64, error) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	return r.provider.RecordPerformanceMetric(ctx, metric)
}

func (r *Repository) RecordSystem(ctx context.Context, metric *model.SystemMetric) (int64, error) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	return r.provider.RecordSystemMetric(ctx, metric)
}

func (r *Repository) FailedRecords(ctx context.Context, runID string) ([]model.FailedRecord, error) {
	return r.provider.GetFailedRecords(ctx, runID)
}

func (r *Repository) IngestionSummary(ctx context.Context, runID string, start, end *time.Time) (*persistence.IngestionSummary, error) {
	return r.provider.GetIngestionSummary(ctx, runID, start, end)
}

func (r *Repository) QualitySummary(ctx context.Context, runID string) (*persistence.QualitySummary, error) {
	return r.provider.GetQualitySummary(ctx, runID)
}

// Cleanup purges telemetry older than daysToKeep days.
func (r *Repository) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		return 0, fmt.Errorf("tracking: daysToKeep must be positive")
	}
	n, err := r.provider.CleanupOldData(ctx, daysToKeep)
	if err != nil {
		return n, err
	}
	r.logger.Info("old telemetry purged", "rows", n, "days_kept", daysToKeep)
	return n, nil
}

// Transaction runs fn in a provider transaction when the engine
// supports one, and directly otherwise.
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.provider.SupportsFeature(persistence.FeatureTransactions) {
		return r.provider.Transaction(ctx, fn)
	}
	return fn(ctx)
}
