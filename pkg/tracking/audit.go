// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/meridian/pkg/model"
)

const (
	// auditBufferCap bounds the in-memory event buffer; oldest events
	// are evicted first.
	auditBufferCap = 1000

	// defaultAutoFlushThreshold is how many unflushed events trigger a
	// batched write through the repository.
	defaultAutoFlushThreshold = 100

	// qualityWarnBelow is the score under which a data-quality check
	// event is logged at WARNING instead of INFO.
	qualityWarnBelow = 0.8
)

// AuditConfig configures the audit logger.
type AuditConfig struct {
	RunID string

	// Repository mirrors events to storage. Nil keeps events in memory
	// only.
	Repository *Repository

	// AutoFlushThreshold overrides the default batch-flush trigger.
	AutoFlushThreshold int

	// RecordLevelTracking gates LogRecordProcessed. When false the
	// call is a no-op.
	RecordLevelTracking bool

	Logger *slog.Logger
}

// AuditLogger is the structured event stream of one pipeline run.
//
// Events buffer in memory and flush through the repository in batches.
// Storage errors are logged and swallowed: audit logging must never
// fail the pipeline.
//
// # Thread Safety
//
// Safe for concurrent use. The correlation stack is per-logger, so
// correlation scopes from concurrent goroutines interleave; give each
// worker its own scope id.
type AuditLogger struct {
	cfg    AuditConfig
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []*model.AuditEvent
	unflushed []*model.AuditEvent
	corrStack []string
}

// NewAuditLogger builds an audit logger for one run.
func NewAuditLogger(cfg AuditConfig) *AuditLogger {
	if cfg.AutoFlushThreshold <= 0 {
		cfg.AutoFlushThreshold = defaultAutoFlushThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuditLogger{cfg: cfg, logger: logger}
}

// PushCorrelation enters a correlation scope and returns the active id.
// An empty id generates a short one. The returned function pops the
// scope.
func (a *AuditLogger) PushCorrelation(id string) (string, func()) {
	if id == "" {
		id = uuid.NewString()[:8]
	}
	a.mu.Lock()
	a.corrStack = append(a.corrStack, id)
	a.mu.Unlock()
	return id, func() {
		a.mu.Lock()
		if n := len(a.corrStack); n > 0 {
			a.corrStack = a.corrStack[:n-1]
		}
		a.mu.Unlock()
	}
}

// LogEvent records one event, tagging it with the innermost correlation
// id and flushing the batch when the threshold is reached.
func (a *AuditLogger) LogEvent(event *model.AuditEvent) {
	if event.PipelineRunID == "" {
		event.PipelineRunID = a.cfg.RunID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	if event.CorrelationID == "" && len(a.corrStack) > 0 {
		event.CorrelationID = a.corrStack[len(a.corrStack)-1]
	}
	a.buffer = append(a.buffer, event)
	if len(a.buffer) > auditBufferCap {
		a.buffer = a.buffer[len(a.buffer)-auditBufferCap:]
	}
	a.unflushed = append(a.unflushed, event)
	shouldFlush := len(a.unflushed) >= a.cfg.AutoFlushThreshold
	a.mu.Unlock()

	if shouldFlush {
		a.Flush()
	}
}

// Flush writes all unflushed events through the repository as one
// batch. Storage errors re-buffer the events and are not propagated.
func (a *AuditLogger) Flush() {
	a.mu.Lock()
	pending := a.unflushed
	a.unflushed = nil
	a.mu.Unlock()

	if len(pending) == 0 || a.cfg.Repository == nil {
		return
	}
	if err := a.cfg.Repository.RecordAuditBatch(context.Background(), pending); err != nil {
		a.logger.Warn("audit flush failed", "events", len(pending), "error", err)
		a.mu.Lock()
		a.unflushed = append(pending, a.unflushed...)
		a.mu.Unlock()
	}
}

// =============================================================================
// Convenience wrappers
// =============================================================================

func (a *AuditLogger) LogPipelineStarted(details map[string]any) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventPipelineStarted,
		Message:   "pipeline started",
		Level:     model.AuditInfo,
		Details:   details,
	})
}

func (a *AuditLogger) LogPipelineCompleted(status model.RunStatus, details map[string]any) {
	level := model.AuditInfo
	if status != model.RunStatusCompleted {
		level = model.AuditError
	}
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventPipelineCompleted,
		Message:   fmt.Sprintf("pipeline completed with status %s", status),
		Level:     level,
		Details:   details,
	})
}

func (a *AuditLogger) LogStageStarted(stage string) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventStageStarted,
		StageName: stage,
		Message:   fmt.Sprintf("stage %s started", stage),
		Level:     model.AuditInfo,
	})
}

func (a *AuditLogger) LogStageCompleted(stage string, details map[string]any) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventStageCompleted,
		StageName: stage,
		Message:   fmt.Sprintf("stage %s completed", stage),
		Level:     model.AuditInfo,
		Details:   details,
	})
}

func (a *AuditLogger) LogStageFailed(stage string, err error) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventStageFailed,
		StageName: stage,
		Message:   fmt.Sprintf("stage %s failed: %v", stage, err),
		Level:     model.AuditError,
	})
}

// LogRecordProcessed is a no-op unless record-level tracking is
// enabled in the configuration.
func (a *AuditLogger) LogRecordProcessed(stage, recordID string, status model.RecordStatus) {
	if !a.cfg.RecordLevelTracking {
		return
	}
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventRecordProcessed,
		StageName: stage,
		RecordID:  recordID,
		Message:   fmt.Sprintf("record %s: %s", recordID, status),
		Level:     model.AuditDebug,
	})
}

func (a *AuditLogger) LogValidationFailed(stage, recordID, reason string) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventValidationFailed,
		StageName: stage,
		RecordID:  recordID,
		Message:   reason,
		Level:     model.AuditWarning,
	})
}

// LogDataQualityCheck records a quality score. Scores under 0.8 log at
// WARNING.
func (a *AuditLogger) LogDataQualityCheck(stage, recordID string, score float64, issues []string) {
	level := model.AuditInfo
	if score < qualityWarnBelow {
		level = model.AuditWarning
	}
	details := map[string]any{"score": score}
	if len(issues) > 0 {
		details["issues"] = issues
	}
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventQualityCheck,
		StageName: stage,
		RecordID:  recordID,
		Message:   fmt.Sprintf("quality score %.3f", score),
		Level:     level,
		Details:   details,
	})
}

func (a *AuditLogger) LogPerformanceMetric(stage string, details map[string]any) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventPerformance,
		StageName: stage,
		Message:   "performance metric",
		Level:     model.AuditInfo,
		Details:   details,
	})
}

func (a *AuditLogger) LogWarning(stage, message string) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventWarning,
		StageName: stage,
		Message:   message,
		Level:     model.AuditWarning,
	})
}

func (a *AuditLogger) LogError(stage, message string) {
	a.LogEvent(&model.AuditEvent{
		EventType: model.EventError,
		StageName: stage,
		Message:   message,
		Level:     model.AuditError,
	})
}

// =============================================================================
// Filters and export
// =============================================================================

// EventFilter narrows GetEvents and GetEventCount. Zero values match
// everything.
type EventFilter struct {
	EventType model.EventType
	Level     model.AuditLevel
	StageName string
}

func (f EventFilter) matches(e *model.AuditEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.StageName != "" && e.StageName != f.StageName {
		return false
	}
	return true
}

// GetEvents returns buffered events matching the filter, oldest first.
func (a *AuditLogger) GetEvents(filter EventFilter) []*model.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range a.buffer {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// GetEventCount counts buffered events matching the filter.
func (a *AuditLogger) GetEventCount(filter EventFilter) int {
	return len(a.GetEvents(filter))
}

// ExportEvents writes matching buffered events to path as json or csv.
func (a *AuditLogger) ExportEvents(path, format string, eventType model.EventType) error {
	events := a.GetEvents(EventFilter{EventType: eventType})

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return fmt.Errorf("tracking: marshal audit export: %w", err)
		}
		if err := os.WriteFile(path, data, 0640); err != nil {
			return fmt.Errorf("tracking: write audit export: %w", err)
		}
		return nil
	case FormatCSV:
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("tracking: create audit export: %w", err)
		}
		defer file.Close()

		w := csv.NewWriter(file)
		rows := [][]string{{"timestamp", "event_type", "level", "stage_name", "record_id", "correlation_id", "message"}}
		for _, e := range events {
			rows = append(rows, []string{
				e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
				string(e.EventType),
				string(e.Level),
				e.StageName,
				e.RecordID,
				e.CorrelationID,
				e.Message,
			})
		}
		if err := w.WriteAll(rows); err != nil {
			return fmt.Errorf("tracking: write audit export: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("tracking: unsupported export format %q (json or csv)", format)
	}
}

// BufferedCount returns how many events are held in memory.
func (a *AuditLogger) BufferedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
