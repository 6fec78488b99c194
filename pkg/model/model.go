// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the domain types shared across the pipeline:
// run and record telemetry, quality scores, audit events, and the
// clinical payloads that flow between stages.
//
// These types are persistence-agnostic. The persistence providers map
// them onto tables or collections; the stages and trackers pass them
// by value or pointer without touching storage.
package model

import (
	"time"
)

// =============================================================================
// Status Enums
// =============================================================================

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final. A run in a terminal
// state must never transition again.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RecordStatus is the outcome of one processed record attempt.
type RecordStatus string

const (
	RecordStatusSuccess        RecordStatus = "success"
	RecordStatusFailure        RecordStatus = "failure"
	RecordStatusSkipped        RecordStatus = "skipped"
	RecordStatusPartialSuccess RecordStatus = "partial_success"
)

// Severity grades quality issues and classified errors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditLevel is the level of an audit event.
type AuditLevel string

const (
	AuditDebug    AuditLevel = "DEBUG"
	AuditInfo     AuditLevel = "INFO"
	AuditWarning  AuditLevel = "WARNING"
	AuditError    AuditLevel = "ERROR"
	AuditCritical AuditLevel = "CRITICAL"
)

// EventType enumerates the audit event kinds emitted by the pipeline.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventRecordProcessed   EventType = "record_processed"
	EventValidationFailed  EventType = "validation_failed"
	EventQualityCheck      EventType = "data_quality_check"
	EventPerformance       EventType = "performance_metric"
	EventWarning           EventType = "warning"
	EventError             EventType = "error"
)

// =============================================================================
// Run Telemetry
// =============================================================================

// PipelineRun identifies one execution of the pipeline.
//
// Counters are additive and maintained by the tracking repository; they
// satisfy Successful + Failed + Skipped <= Total at all times. Once the
// status is terminal the row is immutable.
type PipelineRun struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	StartedAt   time.Time      `json:"started_at" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Status      RunStatus      `json:"status" db:"status"`
	Total       int64          `json:"total_records" db:"total_records"`
	Successful  int64          `json:"successful_records" db:"successful_records"`
	Failed      int64          `json:"failed_records" db:"failed_records"`
	Skipped     int64          `json:"skipped_records" db:"skipped_records"`
	Config      map[string]any `json:"config_snapshot,omitempty" db:"-"`
	ErrorMsg    string         `json:"error_message,omitempty" db:"error_message"`
}

// IngestionStat records one processed record attempt. Immutable once written.
type IngestionStat struct {
	ID               int64          `json:"id" db:"id"`
	PipelineRunID    string         `json:"pipeline_run_id" db:"pipeline_run_id"`
	StageName        string         `json:"stage_name" db:"stage_name"`
	FilePath         string         `json:"file_path,omitempty" db:"file_path"`
	RecordID         string         `json:"record_id,omitempty" db:"record_id"`
	RecordType       string         `json:"record_type,omitempty" db:"record_type"`
	Status           RecordStatus   `json:"status" db:"status"`
	ErrorCategory    string         `json:"error_category,omitempty" db:"error_category"`
	ErrorMessage     string         `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails     map[string]any `json:"error_details,omitempty" db:"-"`
	ProcessingTimeMS float64        `json:"processing_time_ms" db:"processing_time_ms"`
	RecordSizeBytes  int64          `json:"record_size_bytes" db:"record_size_bytes"`
	DataSource       string         `json:"data_source,omitempty" db:"data_source"`
	Timestamp        time.Time      `json:"timestamp" db:"timestamp"`
}

// FailedRecord carries the original payload of a failure for forensic
// replay. It references its IngestionStat and is purged with it.
type FailedRecord struct {
	ID             int64     `json:"id" db:"id"`
	StatID         int64     `json:"stat_id" db:"stat_id"`
	OriginalData   string    `json:"original_data" db:"original_data"`
	NormalizedData string    `json:"normalized_data,omitempty" db:"normalized_data"`
	FailureReason  string    `json:"failure_reason" db:"failure_reason"`
	StackTrace     string    `json:"stack_trace,omitempty" db:"stack_trace"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// QualityIssue is one structured finding attached to a QualityMetric.
type QualityIssue struct {
	Dimension    string         `json:"dimension"`
	Severity     Severity       `json:"severity"`
	FieldName    string         `json:"field_name"`
	IssueType    string         `json:"issue_type"`
	Description  string         `json:"description"`
	SuggestedFix string         `json:"suggested_fix,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// QualityMetric is one scored record. All dimension scores and the
// overall score are in [0, 1].
type QualityMetric struct {
	ID            int64          `json:"id" db:"id"`
	PipelineRunID string         `json:"pipeline_run_id" db:"pipeline_run_id"`
	RecordID      string         `json:"record_id,omitempty" db:"record_id"`
	RecordType    string         `json:"record_type,omitempty" db:"record_type"`
	Completeness  float64        `json:"completeness_score" db:"completeness_score"`
	Consistency   float64        `json:"consistency_score" db:"consistency_score"`
	Validity      float64        `json:"validity_score" db:"validity_score"`
	Accuracy      float64        `json:"accuracy_score" db:"accuracy_score"`
	Outlier       float64        `json:"outlier_score" db:"outlier_score"`
	DataUsage     float64        `json:"data_usage_score" db:"data_usage_score"`
	OverallScore  float64        `json:"overall_score" db:"overall_score"`
	MissingFields []string       `json:"missing_fields,omitempty" db:"-"`
	InvalidFields []string       `json:"invalid_fields,omitempty" db:"-"`
	OutlierFields []string       `json:"outlier_fields,omitempty" db:"-"`
	UnusedFields  []string       `json:"unused_fields,omitempty" db:"-"`
	Issues        []QualityIssue `json:"issues,omitempty" db:"-"`
	Sampled       bool           `json:"sampled" db:"sampled"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
}

// AuditEvent is one observable pipeline event in the correlated stream.
type AuditEvent struct {
	ID            int64          `json:"id" db:"id"`
	PipelineRunID string         `json:"pipeline_run_id" db:"pipeline_run_id"`
	EventType     EventType      `json:"event_type" db:"event_type"`
	StageName     string         `json:"stage_name,omitempty" db:"stage_name"`
	Message       string         `json:"message" db:"message"`
	Level         AuditLevel     `json:"level" db:"level"`
	RecordID      string         `json:"record_id,omitempty" db:"record_id"`
	Details       map[string]any `json:"details,omitempty" db:"-"`
	CorrelationID string         `json:"correlation_id,omitempty" db:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
}

// PerformanceMetric is one stage timing row. DurationMS and
// RecordsPerSecond are derived at finish time.
type PerformanceMetric struct {
	ID               int64      `json:"id" db:"id"`
	PipelineRunID    string     `json:"pipeline_run_id" db:"pipeline_run_id"`
	StageName        string     `json:"stage_name" db:"stage_name"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS       float64    `json:"duration_ms" db:"duration_ms"`
	RecordsProcessed int64      `json:"records_processed" db:"records_processed"`
	RecordsPerSecond float64    `json:"records_per_second" db:"records_per_second"`
	MemoryUsageMB    float64    `json:"memory_usage_mb,omitempty" db:"memory_usage_mb"`
	CPUUsagePercent  float64    `json:"cpu_usage_percent,omitempty" db:"cpu_usage_percent"`
	Bottleneck       string     `json:"bottleneck_indicator,omitempty" db:"bottleneck_indicator"`
	Timestamp        time.Time  `json:"timestamp" db:"timestamp"`
}

// SystemMetric is a point-in-time host snapshot bound to a run.
type SystemMetric struct {
	ID             int64          `json:"id" db:"id"`
	PipelineRunID  string         `json:"pipeline_run_id" db:"pipeline_run_id"`
	Hostname       string         `json:"hostname" db:"hostname"`
	OS             string         `json:"os" db:"os"`
	OSVersion      string         `json:"os_version" db:"os_version"`
	RuntimeVersion string         `json:"runtime_version" db:"runtime_version"`
	CPUModel       string         `json:"cpu_model" db:"cpu_model"`
	CPUCores       int            `json:"cpu_cores" db:"cpu_cores"`
	MemoryTotalGB  float64        `json:"memory_total_gb" db:"memory_total_gb"`
	GPUAvailable   bool           `json:"gpu_available" db:"gpu_available"`
	GPUModel       string         `json:"gpu_model,omitempty" db:"gpu_model"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty" db:"-"`
	Timestamp      time.Time      `json:"timestamp" db:"timestamp"`
}

// Bookmark marks a normalized file path as processed. Paths always use
// forward slashes; see bookmark.NormalizePath.
type Bookmark struct {
	Path        string    `json:"path" db:"path"`
	Status      string    `json:"status" db:"status"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}
