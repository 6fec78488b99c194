// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persistence defines the engine-agnostic storage contract for
// the tracking substrate.
//
// Two implementations ship with the pipeline:
//
//   - relational: sqlx over sqlite or postgres
//   - document: an embedded BadgerDB document store
//
// Higher layers (the tracking repository) talk only to the Provider
// interface and query SupportsFeature instead of branching on engine
// type. Error kinds are distinct wrapped sentinels testable with
// errors.Is.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Sentinel error kinds. Providers wrap engine errors in exactly one of
// these so callers can branch without knowing the engine.
var (
	// ErrConnection indicates the backend is unreachable or the
	// connection was lost.
	ErrConnection = errors.New("persistence: connection error")

	// ErrQuery indicates a malformed or rejected operation.
	ErrQuery = errors.New("persistence: query error")

	// ErrTransaction indicates a transaction could not complete, or a
	// nested transaction was attempted.
	ErrTransaction = errors.New("persistence: transaction error")

	// ErrNotSupported indicates the engine or tier does not implement
	// the requested feature.
	ErrNotSupported = errors.New("persistence: not supported")

	// ErrNotFound indicates a lookup matched nothing.
	ErrNotFound = errors.New("persistence: not found")
)

// Feature names recognized by SupportsFeature.
const (
	FeatureTransactions   = "transactions"
	FeatureJSONExtract    = "json_extract"
	FeatureFullTextSearch = "full_text_search"
)

// IngestionSummary is the analytics rollup over ingestion stats.
type IngestionSummary struct {
	Total               int64            `json:"total"`
	Successful          int64            `json:"successful"`
	Failed              int64            `json:"failed"`
	Skipped             int64            `json:"skipped"`
	ErrorBreakdown      map[string]int64 `json:"error_breakdown"`
	AvgProcessingTimeMS float64          `json:"avg_processing_time_ms"`
	TotalBytesProcessed int64            `json:"total_bytes_processed"`
}

// QualitySummary is the analytics rollup over quality metrics.
type QualitySummary struct {
	Total           int64   `json:"total"`
	AvgCompleteness float64 `json:"avg_completeness"`
	AvgConsistency  float64 `json:"avg_consistency"`
	AvgValidity     float64 `json:"avg_validity"`
	AvgAccuracy     float64 `json:"avg_accuracy"`
	AvgOverall      float64 `json:"avg_overall"`
	MinOverall      float64 `json:"min_overall"`
	MaxOverall      float64 `json:"max_overall"`
}

// Provider is the unified CRUD and analytics contract over a relational
// or document backend.
//
// # Lifecycle
//
// Connect must be called before any other method; Disconnect releases
// the connection. HealthCheck returns false on any transient fault
// (after one internal retry) rather than returning an error.
// InitializeSchema is idempotent.
//
// # Run counters
//
// UpdatePipelineRunCounts applies additive increments and must refuse
// to mutate a run whose status is terminal. CompletePipelineRun sets
// the terminal state exactly once.
//
// # Thread Safety
//
// All implementations are safe for concurrent use by multiple writers.
// Transaction is scoped per call; nested calls return ErrTransaction.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect() error
	HealthCheck(ctx context.Context) bool
	InitializeSchema(ctx context.Context) error
	SupportsFeature(name string) bool

	StartPipelineRun(ctx context.Context, id, name string, config map[string]any) error
	CompletePipelineRun(ctx context.Context, id string, status model.RunStatus, errMsg string) error
	UpdatePipelineRunCounts(ctx context.Context, id string, dTotal, dSuccessful, dFailed, dSkipped int64) error
	GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error)
	GetRecentPipelineRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)

	RecordIngestionStat(ctx context.Context, stat *model.IngestionStat) (int64, error)
	RecordFailedRecord(ctx context.Context, statID int64, original, reason, normalized, stack string) (int64, error)
	RecordQualityMetric(ctx context.Context, metric *model.QualityMetric) (int64, error)
	RecordAuditEvent(ctx context.Context, event *model.AuditEvent) (int64, error)
	RecordAuditEvents(ctx context.Context, events []*model.AuditEvent) error
	RecordPerformanceMetric(ctx context.Context, metric *model.PerformanceMetric) (int64, error)
	RecordSystemMetric(ctx context.Context, metric *model.SystemMetric) (int64, error)

	GetFailedRecords(ctx context.Context, runID string) ([]model.FailedRecord, error)
	GetIngestionSummary(ctx context.Context, runID string, start, end *time.Time) (*IngestionSummary, error)
	GetQualitySummary(ctx context.Context, runID string) (*QualitySummary, error)

	CleanupOldData(ctx context.Context, daysToKeep int) (int64, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// CutoffTime returns the purge cutoff for CleanupOldData implementations.
func CutoffTime(daysToKeep int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -daysToKeep)
}
