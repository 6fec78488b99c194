// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

// completedBatchCap bounds the completed-batch history per tracker.
const completedBatchCap = 100

// RecordOutcome is one record result inside a batch. Kept only when
// detailed history is enabled.
type RecordOutcome struct {
	RecordID         string             `json:"record_id"`
	Status           model.RecordStatus `json:"status"`
	ErrorCategory    string             `json:"error_category,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	ProcessingTimeMS float64            `json:"processing_time_ms,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}

// BatchMetrics is the per-batch counter set of one stage.
type BatchMetrics struct {
	BatchID     string         `json:"batch_id"`
	RunID       string         `json:"run_id"`
	Stage       string         `json:"stage"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Partial    int64 `json:"partial"`

	ErrorCategories map[string]int64 `json:"error_categories,omitempty"`

	// TotalProcessingMS accumulates per-record processing time.
	TotalProcessingMS float64 `json:"total_processing_ms"`
	BytesProcessed    int64   `json:"bytes_processed"`

	// DomainTotals accumulates stage-specific quantities, e.g. chunk
	// counts or embedding dimensions. Averages are derived at finish.
	DomainTotals map[string]float64 `json:"domain_totals,omitempty"`

	// Derived at finish time.
	SuccessRate      float64 `json:"success_rate"`
	FailureRate      float64 `json:"failure_rate"`
	AvgProcessingMS  float64 `json:"avg_processing_time_ms"`
	RecordsPerSecond float64 `json:"records_per_second"`

	Records []RecordOutcome `json:"records,omitempty"`
}

// finalize computes derived rates. Skipped and partial records are in
// neither success_rate nor failure_rate, so the two sum to at most 100.
func (b *BatchMetrics) finalize(now time.Time) {
	b.CompletedAt = &now
	if b.Total > 0 {
		b.SuccessRate = float64(b.Successful) / float64(b.Total) * 100
		b.FailureRate = float64(b.Failed) / float64(b.Total) * 100
		b.AvgProcessingMS = b.TotalProcessingMS / float64(b.Total)
	}
	elapsed := now.Sub(b.StartedAt).Seconds()
	if elapsed > 0 {
		b.RecordsPerSecond = float64(b.Total) / elapsed
	}
}

// RecordOption attaches per-record measurements.
type RecordOption func(*recordParams)

type recordParams struct {
	processingMS float64
	bytes        int64
	domain       map[string]float64
	errMessage   string
}

// WithProcessingTime attaches the record's processing time in ms.
func WithProcessingTime(ms float64) RecordOption {
	return func(p *recordParams) { p.processingMS = ms }
}

// WithBytes attaches the record's payload size.
func WithBytes(n int64) RecordOption {
	return func(p *recordParams) { p.bytes = n }
}

// WithDomainMetric accumulates a stage-specific quantity such as
// "chunks" or "embedding_dims".
func WithDomainMetric(name string, value float64) RecordOption {
	return func(p *recordParams) {
		if p.domain == nil {
			p.domain = make(map[string]float64)
		}
		p.domain[name] += value
	}
}

// TrackerConfig configures one stage tracker.
type TrackerConfig struct {
	// Stage is the stage name stamped on every stat.
	Stage string

	// RunID binds the tracker to a pipeline run.
	RunID string

	// Enabled gates all tracking. A disabled tracker accepts calls as
	// no-ops and exports nothing.
	Enabled bool

	// DetailedHistory keeps per-record outcomes in memory. Off by
	// default to bound memory.
	DetailedHistory bool

	// Repository, when non-nil, write-through persists each record as
	// an ingestion stat. Persistence errors are logged, never returned.
	Repository *Repository

	Logger *slog.Logger
}

// StageTracker maintains the current batch and a bounded history of
// completed batches for one stage.
//
// # Thread Safety
//
// All operations are safe for concurrent use; counter updates and list
// appends happen under one per-tracker lock.
type StageTracker struct {
	cfg    TrackerConfig
	logger *slog.Logger

	mu        sync.Mutex
	current   *BatchMetrics
	completed []*BatchMetrics

	// recommend overrides the default recommendation rules. Set by the
	// stage-specific constructors.
	recommend func(s *TrackerSummary) []string
}

// NewStageTracker builds a tracker for cfg.Stage.
func NewStageTracker(cfg TrackerConfig) *StageTracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StageTracker{cfg: cfg, logger: logger}
}

// NewIngestionTracker tracks the ingestion stage.
func NewIngestionTracker(cfg TrackerConfig) *StageTracker {
	cfg.Stage = "ingestion"
	return NewStageTracker(cfg)
}

// NewChunkingTracker tracks the chunking stage. Its recommendations
// include chunk-size skew detection.
func NewChunkingTracker(cfg TrackerConfig) *StageTracker {
	cfg.Stage = "chunking"
	t := NewStageTracker(cfg)
	t.recommend = chunkingRecommendations
	return t
}

// NewEmbeddingTracker tracks the embedding stage.
func NewEmbeddingTracker(cfg TrackerConfig) *StageTracker {
	cfg.Stage = "embedding"
	return NewStageTracker(cfg)
}

// NewQualityTracker tracks the quality-scoring stage.
func NewQualityTracker(cfg TrackerConfig) *StageTracker {
	cfg.Stage = "quality"
	return NewStageTracker(cfg)
}

// Stage returns the tracker's stage name.
func (t *StageTracker) Stage() string { return t.cfg.Stage }

// Enabled reports whether the tracker is recording.
func (t *StageTracker) Enabled() bool { return t.cfg.Enabled }

// StartBatch opens a new current batch. Any prior current batch is
// finalized and moved to the completed history first.
func (t *StageTracker) StartBatch(batchID string, metadata map[string]any) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startBatchLocked(batchID, metadata)
}

func (t *StageTracker) startBatchLocked(batchID string, metadata map[string]any) {
	if t.current != nil {
		t.finishBatchLocked()
	}
	t.current = &BatchMetrics{
		BatchID:         batchID,
		RunID:           t.cfg.RunID,
		Stage:           t.cfg.Stage,
		StartedAt:       time.Now().UTC(),
		Metadata:        metadata,
		ErrorCategories: make(map[string]int64),
		DomainTotals:    make(map[string]float64),
	}
}

// ensureBatchLocked auto-opens a batch when a record arrives without
// one.
func (t *StageTracker) ensureBatchLocked() {
	if t.current == nil {
		id := fmt.Sprintf("auto_batch_%d", time.Now().UnixNano())
		t.logger.Debug("auto-created batch", "stage", t.cfg.Stage, "batch_id", id)
		t.startBatchLocked(id, nil)
	}
}

// FinishBatch finalizes the current batch and returns it, or nil when
// no batch is open.
func (t *StageTracker) FinishBatch() *BatchMetrics {
	if !t.cfg.Enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishBatchLocked()
}

func (t *StageTracker) finishBatchLocked() *BatchMetrics {
	if t.current == nil {
		return nil
	}
	batch := t.current
	batch.finalize(time.Now().UTC())
	t.completed = append(t.completed, batch)
	if len(t.completed) > completedBatchCap {
		t.completed = t.completed[len(t.completed)-completedBatchCap:]
	}
	t.current = nil
	return batch
}

// TrackBatch runs fn inside a batch scope; the batch is finished on
// every exit path, including a panic in fn.
func (t *StageTracker) TrackBatch(batchID string, metadata map[string]any, fn func() error) error {
	if !t.cfg.Enabled {
		return fn()
	}
	t.StartBatch(batchID, metadata)
	defer t.FinishBatch()
	return fn()
}

// RecordSuccess counts one successful record.
func (t *StageTracker) RecordSuccess(recordID string, opts ...RecordOption) {
	t.record(recordID, model.RecordStatusSuccess, "", "", opts...)
}

// RecordFailure counts one failed record under its error category.
func (t *StageTracker) RecordFailure(recordID string, err error, category string, opts ...RecordOption) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if category == "" {
		category = "UNKNOWN_ERROR"
	}
	t.record(recordID, model.RecordStatusFailure, category, message, opts...)
}

// RecordSkip counts one skipped record.
func (t *StageTracker) RecordSkip(recordID, reason string, opts ...RecordOption) {
	t.record(recordID, model.RecordStatusSkipped, "", reason, opts...)
}

// RecordPartialSuccess counts a record that landed downstream with
// issues.
func (t *StageTracker) RecordPartialSuccess(recordID string, issues []string, opts ...RecordOption) {
	message := ""
	if len(issues) > 0 {
		message = fmt.Sprintf("%d issues: %v", len(issues), issues)
	}
	t.record(recordID, model.RecordStatusPartialSuccess, "", message, opts...)
}

func (t *StageTracker) record(recordID string, status model.RecordStatus, category, message string, opts ...RecordOption) {
	if !t.cfg.Enabled {
		return
	}
	params := recordParams{errMessage: message}
	for _, opt := range opts {
		opt(&params)
	}

	t.mu.Lock()
	t.ensureBatchLocked()
	b := t.current
	b.Total++
	switch status {
	case model.RecordStatusSuccess:
		b.Successful++
	case model.RecordStatusFailure:
		b.Failed++
		b.ErrorCategories[category]++
	case model.RecordStatusSkipped:
		b.Skipped++
	case model.RecordStatusPartialSuccess:
		b.Partial++
	}
	b.TotalProcessingMS += params.processingMS
	b.BytesProcessed += params.bytes
	for name, value := range params.domain {
		b.DomainTotals[name] += value
	}
	if t.cfg.DetailedHistory {
		b.Records = append(b.Records, RecordOutcome{
			RecordID:         recordID,
			Status:           status,
			ErrorCategory:    category,
			ErrorMessage:     message,
			ProcessingTimeMS: params.processingMS,
			Timestamp:        time.Now().UTC(),
		})
	}
	t.mu.Unlock()

	t.persist(recordID, status, category, message, params)
}

// persist write-throughs the record as an ingestion stat. Failures are
// logged and swallowed so telemetry never breaks the pipeline.
func (t *StageTracker) persist(recordID string, status model.RecordStatus, category, message string, params recordParams) {
	if t.cfg.Repository == nil {
		return
	}
	stat := &model.IngestionStat{
		PipelineRunID:    t.cfg.RunID,
		StageName:        t.cfg.Stage,
		RecordID:         recordID,
		Status:           status,
		ErrorCategory:    category,
		ErrorMessage:     message,
		ProcessingTimeMS: params.processingMS,
		RecordSizeBytes:  params.bytes,
	}
	if _, err := t.cfg.Repository.RecordStat(context.Background(), stat); err != nil {
		t.logger.Warn("failed to persist stage stat",
			"stage", t.cfg.Stage, "record_id", recordID, "error", err)
	}
}

// TrackerSummary aggregates all batches, the current one included.
type TrackerSummary struct {
	Stage           string             `json:"stage"`
	Batches         int                `json:"batches"`
	Total           int64              `json:"total"`
	Successful      int64              `json:"successful"`
	Failed          int64              `json:"failed"`
	Skipped         int64              `json:"skipped"`
	Partial         int64              `json:"partial"`
	SuccessRate     float64            `json:"success_rate"`
	FailureRate     float64            `json:"failure_rate"`
	AvgProcessingMS float64            `json:"avg_processing_time_ms"`
	BytesProcessed  int64              `json:"bytes_processed"`
	ErrorCategories map[string]int64   `json:"error_categories,omitempty"`
	DomainAverages  map[string]float64 `json:"domain_averages,omitempty"`
	Recommendations []string           `json:"recommendations"`
}

// Summary snapshots all batches under the lock and derives rates and
// recommendations outside it.
func (t *StageTracker) Summary() *TrackerSummary {
	s := &TrackerSummary{
		Stage:           t.cfg.Stage,
		ErrorCategories: make(map[string]int64),
		DomainAverages:  make(map[string]float64),
	}
	if !t.cfg.Enabled {
		s.Recommendations = []string{"tracking disabled"}
		return s
	}

	t.mu.Lock()
	batches := make([]*BatchMetrics, 0, len(t.completed)+1)
	batches = append(batches, t.completed...)
	if t.current != nil {
		batches = append(batches, t.current)
	}
	var totalProcessingMS float64
	domainTotals := make(map[string]float64)
	for _, b := range batches {
		s.Batches++
		s.Total += b.Total
		s.Successful += b.Successful
		s.Failed += b.Failed
		s.Skipped += b.Skipped
		s.Partial += b.Partial
		s.BytesProcessed += b.BytesProcessed
		totalProcessingMS += b.TotalProcessingMS
		for category, n := range b.ErrorCategories {
			s.ErrorCategories[category] += n
		}
		for name, v := range b.DomainTotals {
			domainTotals[name] += v
		}
	}
	t.mu.Unlock()

	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
		s.FailureRate = float64(s.Failed) / float64(s.Total) * 100
		s.AvgProcessingMS = totalProcessingMS / float64(s.Total)
		for name, v := range domainTotals {
			s.DomainAverages[name] = v / float64(s.Total)
		}
	}

	recommend := t.recommend
	if recommend == nil {
		recommend = defaultRecommendations
	}
	s.Recommendations = recommend(s)
	return s
}

func defaultRecommendations(s *TrackerSummary) []string {
	var recs []string
	if s.FailureRate > 10 {
		recs = append(recs, fmt.Sprintf("high failure rate (%.1f%%): inspect error categories", s.FailureRate))
	}
	if s.AvgProcessingMS > 1000 {
		recs = append(recs, fmt.Sprintf("slow processing (%.0f ms/record avg): consider more workers", s.AvgProcessingMS))
	}
	if len(recs) == 0 {
		recs = append(recs, "healthy")
	}
	return recs
}

func chunkingRecommendations(s *TrackerSummary) []string {
	recs := defaultRecommendations(s)
	if avg, ok := s.DomainAverages["chunk_size"]; ok && (avg > 2000 || avg < 200) {
		skew := fmt.Sprintf("chunk size skew (avg %.0f chars): tune chunk_size/overlap", avg)
		if len(recs) == 1 && recs[0] == "healthy" {
			recs = []string{skew}
		} else {
			recs = append(recs, skew)
		}
	}
	return recs
}
