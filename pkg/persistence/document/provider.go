// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence"
)

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings. All times are normalized to UTC before formatting.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Config holds the document provider configuration.
type Config struct {
	Store  StoreConfig
	Logger *slog.Logger
}

// Provider implements persistence.Provider over an embedded BadgerDB
// document store. Every call builds an Operation and hands it to the
// executor; the provider itself never touches badger keys.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions serialize conflicting
// writers internally; the provider only guards its own lifecycle state.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	db   *badger.DB
	exec *executor
	gc   *gcRunner
}

// New creates a document provider. Connect must be called before use.
func New(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{cfg: cfg, logger: logger}
}

func (p *Provider) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := openStore(p.cfg.Store)
	if err != nil {
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	}
	p.db = db
	p.exec = newExecutor(db)

	if p.cfg.Store.GCInterval > 0 {
		p.gc = newGCRunner(db, p.cfg.Store.GCInterval, p.cfg.Store.GCDiscardRatio, p.logger)
		p.gc.start()
	}
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	if p.gc != nil {
		p.gc.stop()
		p.gc = nil
	}
	p.exec.close()
	err := p.db.Close()
	p.db = nil
	p.exec = nil
	if err != nil {
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	}
	return nil
}

// HealthCheck probes the store with a no-op read transaction, retrying
// once before reporting unhealthy.
func (p *Provider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return false
	}
	probe := func() error {
		return db.View(func(txn *badger.Txn) error { return nil })
	}
	if err := probe(); err != nil {
		if err := probe(); err != nil {
			p.logger.Warn("document store health check failed", "error", err)
			return false
		}
	}
	return true
}

// InitializeSchema is a no-op: collections and indexes are materialized
// lazily by the executor on first write.
func (p *Provider) InitializeSchema(_ context.Context) error {
	return nil
}

func (p *Provider) SupportsFeature(name string) bool {
	switch name {
	case persistence.FeatureJSONExtract:
		return true
	case persistence.FeatureTransactions, persistence.FeatureFullTextSearch:
		return false
	default:
		return false
	}
}

// run hands one operation to the executor, mapping engine errors onto
// the persistence sentinels.
func (p *Provider) run(op Operation) (*Result, error) {
	p.mu.Lock()
	exec := p.exec
	p.mu.Unlock()
	if exec == nil {
		return nil, fmt.Errorf("%w: not connected", persistence.ErrConnection)
	}
	res, err := exec.execute(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", persistence.ErrQuery, op.Kind, op.Collection, err)
	}
	return res, nil
}

// insert runs insert_one and parses the assigned id.
func (p *Provider) insert(collection string, doc map[string]any) (int64, error) {
	res, err := p.run(Operation{Collection: collection, Kind: OpInsertOne, Document: doc})
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(res.LastID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric document id %q", persistence.ErrQuery, res.LastID)
	}
	return id, nil
}

// =============================================================================
// Run Lifecycle
// =============================================================================

func (p *Provider) StartPipelineRun(_ context.Context, id, name string, config map[string]any) error {
	doc := map[string]any{
		"id":                 id,
		"name":               name,
		"started_at":         formatTime(time.Now()),
		"status":             string(model.RunStatusRunning),
		"total_records":      0,
		"successful_records": 0,
		"failed_records":     0,
		"skipped_records":    0,
	}
	if config != nil {
		doc["config_snapshot"] = config
	}
	_, err := p.run(Operation{Collection: "pipeline_runs", Kind: OpInsertOne, Document: doc})
	return err
}

func (p *Provider) CompletePipelineRun(_ context.Context, id string, status model.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", persistence.ErrQuery, status)
	}
	set := map[string]any{
		"status":       string(status),
		"completed_at": formatTime(time.Now()),
	}
	if errMsg != "" {
		set["error_message"] = errMsg
	}
	// Matching on status=running makes the terminal transition a no-op
	// for runs that already finished.
	_, err := p.run(Operation{
		Collection: "pipeline_runs",
		Kind:       OpUpdateOne,
		Filter:     map[string]any{"id": id, "status": string(model.RunStatusRunning)},
		Update:     map[string]any{"$set": set},
	})
	return err
}

func (p *Provider) UpdatePipelineRunCounts(_ context.Context, id string, dTotal, dSuccessful, dFailed, dSkipped int64) error {
	_, err := p.run(Operation{
		Collection: "pipeline_runs",
		Kind:       OpUpdateOne,
		Filter:     map[string]any{"id": id, "status": string(model.RunStatusRunning)},
		Update: map[string]any{"$inc": map[string]any{
			"total_records":      dTotal,
			"successful_records": dSuccessful,
			"failed_records":     dFailed,
			"skipped_records":    dSkipped,
		}},
	})
	return err
}

func (p *Provider) GetPipelineRun(_ context.Context, id string) (*model.PipelineRun, error) {
	res, err := p.run(Operation{
		Collection: "pipeline_runs",
		Kind:       OpFindOne,
		Filter:     map[string]any{"id": id},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	var run model.PipelineRun
	if err := decodeDoc(res.Rows[0], &run); err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrQuery, err)
	}
	return &run, nil
}

func (p *Provider) GetRecentPipelineRuns(_ context.Context, limit int) ([]model.PipelineRun, error) {
	res, err := p.run(Operation{
		Collection: "pipeline_runs",
		Kind:       OpFind,
		Sort:       []SortField{{Field: "started_at", Desc: true}},
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	runs := make([]model.PipelineRun, 0, len(res.Rows))
	for _, row := range res.Rows {
		var run model.PipelineRun
		if err := decodeDoc(row, &run); err != nil {
			return nil, fmt.Errorf("%w: %v", persistence.ErrQuery, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// =============================================================================
// Telemetry Writers
// =============================================================================

func (p *Provider) RecordIngestionStat(_ context.Context, stat *model.IngestionStat) (int64, error) {
	doc := map[string]any{
		"pipeline_run_id":    stat.PipelineRunID,
		"stage_name":         stat.StageName,
		"file_path":          stat.FilePath,
		"record_id":          stat.RecordID,
		"record_type":        stat.RecordType,
		"status":             string(stat.Status),
		"error_category":     stat.ErrorCategory,
		"error_message":      stat.ErrorMessage,
		"processing_time_ms": stat.ProcessingTimeMS,
		"record_size_bytes":  stat.RecordSizeBytes,
		"data_source":        stat.DataSource,
		"timestamp":          formatTime(orNow(stat.Timestamp)),
	}
	if stat.ErrorDetails != nil {
		doc["error_details"] = stat.ErrorDetails
	}
	return p.insert("ingestion_stats", doc)
}

func (p *Provider) RecordFailedRecord(_ context.Context, statID int64, original, reason, normalized, stack string) (int64, error) {
	doc := map[string]any{
		"stat_id":        statID,
		"original_data":  original,
		"failure_reason": reason,
		"timestamp":      formatTime(time.Now()),
	}
	if normalized != "" {
		doc["normalized_data"] = normalized
	}
	if stack != "" {
		doc["stack_trace"] = stack
	}
	return p.insert("failed_records", doc)
}

func (p *Provider) RecordQualityMetric(_ context.Context, metric *model.QualityMetric) (int64, error) {
	doc := map[string]any{
		"pipeline_run_id":    metric.PipelineRunID,
		"record_id":          metric.RecordID,
		"record_type":        metric.RecordType,
		"completeness_score": metric.Completeness,
		"consistency_score":  metric.Consistency,
		"validity_score":     metric.Validity,
		"accuracy_score":     metric.Accuracy,
		"outlier_score":      metric.Outlier,
		"data_usage_score":   metric.DataUsage,
		"overall_score":      metric.OverallScore,
		"sampled":            metric.Sampled,
		"timestamp":          formatTime(orNow(metric.Timestamp)),
	}
	addList(doc, "missing_fields", metric.MissingFields)
	addList(doc, "invalid_fields", metric.InvalidFields)
	addList(doc, "outlier_fields", metric.OutlierFields)
	addList(doc, "unused_fields", metric.UnusedFields)
	if len(metric.Issues) > 0 {
		doc["issues"] = toAnySlice(metric.Issues)
	}
	return p.insert("quality_metrics", doc)
}

func (p *Provider) RecordAuditEvent(_ context.Context, event *model.AuditEvent) (int64, error) {
	return p.insert("audit_events", auditDoc(event))
}

// RecordAuditEvents writes a batch. The document engine has no
// multi-document transaction here, so a mid-batch failure leaves the
// earlier events written; the caller re-buffers the remainder.
func (p *Provider) RecordAuditEvents(_ context.Context, events []*model.AuditEvent) error {
	for _, event := range events {
		if _, err := p.insert("audit_events", auditDoc(event)); err != nil {
			return err
		}
	}
	return nil
}

func auditDoc(event *model.AuditEvent) map[string]any {
	doc := map[string]any{
		"pipeline_run_id": event.PipelineRunID,
		"event_type":      string(event.EventType),
		"stage_name":      event.StageName,
		"message":         event.Message,
		"level":           string(event.Level),
		"record_id":       event.RecordID,
		"correlation_id":  event.CorrelationID,
		"timestamp":       formatTime(orNow(event.Timestamp)),
	}
	if event.Details != nil {
		doc["details"] = event.Details
	}
	return doc
}

func (p *Provider) RecordPerformanceMetric(_ context.Context, metric *model.PerformanceMetric) (int64, error) {
	doc := map[string]any{
		"pipeline_run_id":      metric.PipelineRunID,
		"stage_name":           metric.StageName,
		"started_at":           formatTime(metric.StartedAt),
		"duration_ms":          metric.DurationMS,
		"records_processed":    metric.RecordsProcessed,
		"records_per_second":   metric.RecordsPerSecond,
		"memory_usage_mb":      metric.MemoryUsageMB,
		"cpu_usage_percent":    metric.CPUUsagePercent,
		"bottleneck_indicator": metric.Bottleneck,
		"timestamp":            formatTime(orNow(metric.Timestamp)),
	}
	if metric.CompletedAt != nil {
		doc["completed_at"] = formatTime(*metric.CompletedAt)
	}
	return p.insert("performance_metrics", doc)
}

func (p *Provider) RecordSystemMetric(_ context.Context, metric *model.SystemMetric) (int64, error) {
	doc := map[string]any{
		"pipeline_run_id": metric.PipelineRunID,
		"hostname":        metric.Hostname,
		"os":              metric.OS,
		"os_version":      metric.OSVersion,
		"runtime_version": metric.RuntimeVersion,
		"cpu_model":       metric.CPUModel,
		"cpu_cores":       metric.CPUCores,
		"memory_total_gb": metric.MemoryTotalGB,
		"gpu_available":   metric.GPUAvailable,
		"gpu_model":       metric.GPUModel,
		"timestamp":       formatTime(orNow(metric.Timestamp)),
	}
	if metric.AdditionalInfo != nil {
		doc["additional_info"] = metric.AdditionalInfo
	}
	return p.insert("system_metrics", doc)
}

// =============================================================================
// Analytics
// =============================================================================

func (p *Provider) GetFailedRecords(_ context.Context, runID string) ([]model.FailedRecord, error) {
	stats, err := p.run(Operation{
		Collection: "ingestion_stats",
		Kind:       OpFind,
		Filter:     map[string]any{"pipeline_run_id": runID},
	})
	if err != nil {
		return nil, err
	}

	var records []model.FailedRecord
	for _, stat := range stats.Rows {
		res, err := p.run(Operation{
			Collection: "failed_records",
			Kind:       OpFind,
			Filter:     map[string]any{"stat_id": stat["id"]},
			Sort:       []SortField{{Field: "timestamp"}},
		})
		if err != nil {
			return nil, err
		}
		for _, row := range res.Rows {
			var rec model.FailedRecord
			if err := decodeDoc(row, &rec); err != nil {
				return nil, fmt.Errorf("%w: %v", persistence.ErrQuery, err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (p *Provider) GetIngestionSummary(_ context.Context, runID string, start, end *time.Time) (*persistence.IngestionSummary, error) {
	match := map[string]any{"pipeline_run_id": runID}
	if tsRange := timeRange(start, end); tsRange != nil {
		match["timestamp"] = tsRange
	}

	res, err := p.run(Operation{
		Collection: "ingestion_stats",
		Kind:       OpAggregate,
		Pipeline: []map[string]any{
			{"$match": match},
			{"$group": map[string]any{
				"_id":       "$status",
				"count":     map[string]any{"$sum": 1},
				"time_sum":  map[string]any{"$sum": "$processing_time_ms"},
				"bytes_sum": map[string]any{"$sum": "$record_size_bytes"},
			}},
		},
	})
	if err != nil {
		return nil, err
	}

	summary := &persistence.IngestionSummary{ErrorBreakdown: map[string]int64{}}
	var timeSum float64
	for _, row := range res.Rows {
		count := int64(asFloat(row["count"]))
		summary.Total += count
		timeSum += asFloat(row["time_sum"])
		summary.TotalBytesProcessed += int64(asFloat(row["bytes_sum"]))
		switch model.RecordStatus(fmt.Sprintf("%v", row["_id"])) {
		case model.RecordStatusSuccess, model.RecordStatusPartialSuccess:
			summary.Successful += count
		case model.RecordStatusFailure:
			summary.Failed += count
		case model.RecordStatusSkipped:
			summary.Skipped += count
		}
	}
	if summary.Total > 0 {
		summary.AvgProcessingTimeMS = timeSum / float64(summary.Total)
	}

	failureMatch := map[string]any{"pipeline_run_id": runID, "status": string(model.RecordStatusFailure)}
	if tsRange := timeRange(start, end); tsRange != nil {
		failureMatch["timestamp"] = tsRange
	}
	breakdown, err := p.run(Operation{
		Collection: "ingestion_stats",
		Kind:       OpAggregate,
		Pipeline: []map[string]any{
			{"$match": failureMatch},
			{"$group": map[string]any{
				"_id":   "$error_category",
				"count": map[string]any{"$sum": 1},
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range breakdown.Rows {
		category := fmt.Sprintf("%v", row["_id"])
		if category == "" || category == "<nil>" {
			category = "UNKNOWN_ERROR"
		}
		summary.ErrorBreakdown[category] += int64(asFloat(row["count"]))
	}
	return summary, nil
}

func (p *Provider) GetQualitySummary(_ context.Context, runID string) (*persistence.QualitySummary, error) {
	res, err := p.run(Operation{
		Collection: "quality_metrics",
		Kind:       OpAggregate,
		Pipeline: []map[string]any{
			{"$match": map[string]any{"pipeline_run_id": runID}},
			{"$group": map[string]any{
				"_id":              nil,
				"total":            map[string]any{"$sum": 1},
				"avg_completeness": map[string]any{"$avg": "$completeness_score"},
				"avg_consistency":  map[string]any{"$avg": "$consistency_score"},
				"avg_validity":     map[string]any{"$avg": "$validity_score"},
				"avg_accuracy":     map[string]any{"$avg": "$accuracy_score"},
				"avg_overall":      map[string]any{"$avg": "$overall_score"},
				"min_overall":      map[string]any{"$min": "$overall_score"},
				"max_overall":      map[string]any{"$max": "$overall_score"},
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	summary := &persistence.QualitySummary{}
	if len(res.Rows) == 0 {
		return summary, nil
	}
	row := res.Rows[0]
	summary.Total = int64(asFloat(row["total"]))
	summary.AvgCompleteness = asFloat(row["avg_completeness"])
	summary.AvgConsistency = asFloat(row["avg_consistency"])
	summary.AvgValidity = asFloat(row["avg_validity"])
	summary.AvgAccuracy = asFloat(row["avg_accuracy"])
	summary.AvgOverall = asFloat(row["avg_overall"])
	summary.MinOverall = asFloat(row["min_overall"])
	summary.MaxOverall = asFloat(row["max_overall"])
	return summary, nil
}

// =============================================================================
// Maintenance
// =============================================================================

// CleanupOldData purges child documents before their runs so a crash
// mid-purge never orphans telemetry under a deleted run.
func (p *Provider) CleanupOldData(_ context.Context, daysToKeep int) (int64, error) {
	cutoff := formatTime(persistence.CutoffTime(daysToKeep))

	var total int64
	children := []string{
		"failed_records", "ingestion_stats", "quality_metrics",
		"audit_events", "performance_metrics", "system_metrics",
	}
	for _, collection := range children {
		res, err := p.run(Operation{
			Collection: collection,
			Kind:       OpDeleteMany,
			Filter:     map[string]any{"timestamp": map[string]any{"$lt": cutoff}},
		})
		if err != nil {
			return total, err
		}
		total += res.RowCount
	}

	res, err := p.run(Operation{
		Collection: "pipeline_runs",
		Kind:       OpDeleteMany,
		Filter:     map[string]any{"started_at": map[string]any{"$lt": cutoff}},
	})
	if err != nil {
		return total, err
	}
	total += res.RowCount
	return total, nil
}

// Transaction is not supported by the document tier: each operation is
// individually atomic but there is no cross-operation transaction.
func (p *Provider) Transaction(_ context.Context, _ func(ctx context.Context) error) error {
	return fmt.Errorf("%w: document store transactions", persistence.ErrNotSupported)
}

// =============================================================================
// Helpers
// =============================================================================

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func addList(doc map[string]any, key string, values []string) {
	if len(values) > 0 {
		doc[key] = toAnySlice(values)
	}
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func asFloat(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func timeRange(start, end *time.Time) map[string]any {
	if start == nil && end == nil {
		return nil
	}
	r := map[string]any{}
	if start != nil {
		r["$gte"] = formatTime(*start)
	}
	if end != nil {
		r["$lte"] = formatTime(*end)
	}
	return r
}

// decodeDoc maps a stored document back onto a model struct. Executor
// assigned ids are strings; numeric id fields are re-parsed first.
func decodeDoc(doc map[string]any, out any) error {
	clean := make(map[string]any, len(doc))
	for k, v := range doc {
		clean[k] = v
	}
	for _, key := range []string{"id", "stat_id"} {
		if s, ok := clean[key].(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				clean[key] = n
			}
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
