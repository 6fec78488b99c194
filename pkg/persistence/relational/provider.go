// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package relational implements the persistence.Provider contract over
// sqlite or postgres via sqlx.
//
// Queries are written once with '?' placeholders and rebound per
// dialect. Structured fields (maps, slices) are serialized to JSON
// text; timestamps are stored in UTC.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence"
)

// Config configures a relational provider.
type Config struct {
	// Dialect selects the engine. Use SQLite() or Postgres().
	Dialect Dialect

	// DSN is the full connection string. For sqlite this is the file
	// path (":memory:" for tests); for postgres a pgx DSN.
	DSN string

	// MaxOpenConns limits the pool. Default: 8 (1 for sqlite).
	MaxOpenConns int

	// Logger receives provider-level diagnostics. Nil disables.
	Logger *slog.Logger
}

// Provider is the sqlx-backed persistence.Provider.
//
// # Thread Safety
//
// Safe for concurrent use. One transaction may be open per provider at
// a time; a nested Transaction call returns ErrTransaction.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	db *sqlx.DB
	tx *sqlx.Tx
}

var _ persistence.Provider = (*Provider)(nil)

// New creates an unconnected Provider. Call Connect before use.
func New(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxOpenConns <= 0 {
		if cfg.Dialect.Name == "sqlite" {
			cfg.MaxOpenConns = 1
		} else {
			cfg.MaxOpenConns = 8
		}
	}
	return &Provider{cfg: cfg, logger: cfg.Logger}
}

// NewWithDB wraps an existing *sqlx.DB. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, dialect Dialect, logger *slog.Logger) *Provider {
	p := New(Config{Dialect: dialect, Logger: logger})
	p.db = db
	return p
}

// Connect opens the database and verifies connectivity.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := sqlx.Open(p.cfg.Dialect.Driver, p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", persistence.ErrConnection, p.cfg.Dialect.Name, err)
	}
	db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping %s: %v", persistence.ErrConnection, p.cfg.Dialect.Name, err)
	}

	p.db = db
	p.logger.Info("relational provider connected", "dialect", p.cfg.Dialect.Name)
	return nil
}

// Disconnect closes the pool. Safe to call twice.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", persistence.ErrConnection, err)
	}
	return nil
}

// HealthCheck pings the backend, retrying once on transient failure.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	db := p.database()
	if db == nil {
		return false
	}
	if err := db.PingContext(ctx); err == nil {
		return true
	}
	// One retry covers a dropped idle connection.
	if err := db.PingContext(ctx); err != nil {
		p.logger.Warn("health check failed", "error", err)
		return false
	}
	return true
}

// SupportsFeature reports engine capabilities by name.
func (p *Provider) SupportsFeature(name string) bool {
	switch name {
	case persistence.FeatureTransactions:
		return true
	case persistence.FeatureJSONExtract:
		return true
	case persistence.FeatureFullTextSearch:
		return p.cfg.Dialect.Name == "postgres"
	default:
		return false
	}
}

// InitializeSchema creates tables and indexes. Idempotent.
func (p *Provider) InitializeSchema(ctx context.Context) error {
	db := p.database()
	if db == nil {
		return fmt.Errorf("%w: not connected", persistence.ErrConnection)
	}
	for _, stmt := range p.cfg.Dialect.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: schema: %v", persistence.ErrQuery, err)
		}
	}
	return nil
}

// =============================================================================
// Pipeline Runs
// =============================================================================

// StartPipelineRun inserts a new run in the running state.
func (p *Provider) StartPipelineRun(ctx context.Context, id, name string, config map[string]any) error {
	configJSON, err := marshalOrNil(config)
	if err != nil {
		return fmt.Errorf("%w: marshal config: %v", persistence.ErrQuery, err)
	}
	query := p.cfg.Dialect.Rebind(`INSERT INTO pipeline_runs
		(id, name, started_at, status, config_snapshot)
		VALUES (?, ?, ?, ?, ?)`)
	_, err = p.execer().ExecContext(ctx, query, id, name, time.Now().UTC(), model.RunStatusRunning, configJSON)
	if err != nil {
		return wrapExec(err)
	}
	return nil
}

// CompletePipelineRun sets the terminal status. The WHERE guard makes
// the transition observed-once: completing an already-terminal run is
// a logged no-op.
func (p *Provider) CompletePipelineRun(ctx context.Context, id string, status model.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", persistence.ErrQuery, status)
	}
	query := p.cfg.Dialect.Rebind(`UPDATE pipeline_runs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?`)
	res, err := p.execer().ExecContext(ctx, query, status, time.Now().UTC(), nullString(errMsg), id, model.RunStatusRunning)
	if err != nil {
		return wrapExec(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		p.logger.Warn("complete on non-running pipeline run ignored", "run_id", id, "status", status)
	}
	return nil
}

// UpdatePipelineRunCounts applies additive increments. Terminal runs
// are not mutated.
func (p *Provider) UpdatePipelineRunCounts(ctx context.Context, id string, dTotal, dSuccessful, dFailed, dSkipped int64) error {
	query := p.cfg.Dialect.Rebind(`UPDATE pipeline_runs SET
		total_records = total_records + ?,
		successful_records = successful_records + ?,
		failed_records = failed_records + ?,
		skipped_records = skipped_records + ?
		WHERE id = ? AND status = ?`)
	_, err := p.execer().ExecContext(ctx, query, dTotal, dSuccessful, dFailed, dSkipped, id, model.RunStatusRunning)
	if err != nil {
		return wrapExec(err)
	}
	return nil
}

// runRow is the scan target for pipeline_runs.
type runRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	Status      string         `db:"status"`
	Total       int64          `db:"total_records"`
	Successful  int64          `db:"successful_records"`
	Failed      int64          `db:"failed_records"`
	Skipped     int64          `db:"skipped_records"`
	Config      sql.NullString `db:"config_snapshot"`
	ErrorMsg    sql.NullString `db:"error_message"`
}

func (r runRow) toModel() model.PipelineRun {
	run := model.PipelineRun{
		ID:         r.ID,
		Name:       r.Name,
		StartedAt:  r.StartedAt,
		Status:     model.RunStatus(r.Status),
		Total:      r.Total,
		Successful: r.Successful,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		ErrorMsg:   r.ErrorMsg.String,
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time
		run.CompletedAt = &completed
	}
	if r.Config.Valid && r.Config.String != "" {
		_ = json.Unmarshal([]byte(r.Config.String), &run.Config)
	}
	return run
}

// GetPipelineRun fetches one run, or (nil, nil) when absent.
func (p *Provider) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	query := p.cfg.Dialect.Rebind(`SELECT * FROM pipeline_runs WHERE id = ?`)
	var row runRow
	err := sqlx.GetContext(ctx, p.queryer(), &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapExec(err)
	}
	run := row.toModel()
	return &run, nil
}

// GetRecentPipelineRuns returns runs ordered newest first.
func (p *Provider) GetRecentPipelineRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = 10
	}
	query := p.cfg.Dialect.Rebind(`SELECT * FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`)
	var rows []runRow
	if err := sqlx.SelectContext(ctx, p.queryer(), &rows, query, limit); err != nil {
		return nil, wrapExec(err)
	}
	runs := make([]model.PipelineRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

// =============================================================================
// Record Writers
// =============================================================================

// RecordIngestionStat inserts one stat row and returns its id.
func (p *Provider) RecordIngestionStat(ctx context.Context, stat *model.IngestionStat) (int64, error) {
	details, err := marshalOrNil(stat.ErrorDetails)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal error details: %v", persistence.ErrQuery, err)
	}
	ts := stat.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return p.insert(ctx, `INSERT INTO ingestion_stats
		(pipeline_run_id, stage_name, file_path, record_id, record_type, status,
		 error_category, error_message, error_details, processing_time_ms,
		 record_size_bytes, data_source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stat.PipelineRunID, stat.StageName, nullString(stat.FilePath),
		nullString(stat.RecordID), nullString(stat.RecordType), stat.Status,
		nullString(stat.ErrorCategory), nullString(stat.ErrorMessage), details,
		stat.ProcessingTimeMS, stat.RecordSizeBytes, nullString(stat.DataSource), ts.UTC())
}

// RecordFailedRecord inserts the failure payload for forensic replay.
func (p *Provider) RecordFailedRecord(ctx context.Context, statID int64, original, reason, normalized, stack string) (int64, error) {
	return p.insert(ctx, `INSERT INTO failed_records
		(stat_id, original_data, normalized_data, failure_reason, stack_trace, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		statID, original, nullString(normalized), reason, nullString(stack), time.Now().UTC())
}

// RecordQualityMetric inserts one scored record.
func (p *Provider) RecordQualityMetric(ctx context.Context, m *model.QualityMetric) (int64, error) {
	missing, _ := marshalOrNil(m.MissingFields)
	invalid, _ := marshalOrNil(m.InvalidFields)
	outliers, _ := marshalOrNil(m.OutlierFields)
	unused, _ := marshalOrNil(m.UnusedFields)
	issues, err := marshalOrNil(m.Issues)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal issues: %v", persistence.ErrQuery, err)
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return p.insert(ctx, `INSERT INTO quality_metrics
		(pipeline_run_id, record_id, record_type, completeness_score, consistency_score,
		 validity_score, accuracy_score, outlier_score, data_usage_score, overall_score,
		 missing_fields, invalid_fields, outlier_fields, unused_fields, issues, sampled, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PipelineRunID, nullString(m.RecordID), nullString(m.RecordType),
		m.Completeness, m.Consistency, m.Validity, m.Accuracy, m.Outlier, m.DataUsage,
		m.OverallScore, missing, invalid, outliers, unused, issues, m.Sampled, ts.UTC())
}

// RecordAuditEvent inserts one event.
func (p *Provider) RecordAuditEvent(ctx context.Context, e *model.AuditEvent) (int64, error) {
	details, err := marshalOrNil(e.Details)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal details: %v", persistence.ErrQuery, err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return p.insert(ctx, `INSERT INTO audit_events
		(pipeline_run_id, event_type, stage_name, message, level, record_id, details, correlation_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PipelineRunID, e.EventType, nullString(e.StageName), e.Message, e.Level,
		nullString(e.RecordID), details, nullString(e.CorrelationID), ts.UTC())
}

// RecordAuditEvents inserts a batch inside one transaction.
func (p *Provider) RecordAuditEvents(ctx context.Context, events []*model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return p.Transaction(ctx, func(ctx context.Context) error {
		for _, e := range events {
			if _, err := p.RecordAuditEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordPerformanceMetric inserts one stage timing row.
func (p *Provider) RecordPerformanceMetric(ctx context.Context, m *model.PerformanceMetric) (int64, error) {
	var completed any
	if m.CompletedAt != nil {
		completed = m.CompletedAt.UTC()
	}
	return p.insert(ctx, `INSERT INTO performance_metrics
		(pipeline_run_id, stage_name, started_at, completed_at, duration_ms,
		 records_processed, records_per_second, memory_usage_mb, cpu_usage_percent,
		 bottleneck_indicator, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PipelineRunID, m.StageName, m.StartedAt.UTC(), completed, m.DurationMS,
		m.RecordsProcessed, m.RecordsPerSecond, m.MemoryUsageMB, m.CPUUsagePercent,
		nullString(m.Bottleneck), time.Now().UTC())
}

// RecordSystemMetric inserts one host snapshot.
func (p *Provider) RecordSystemMetric(ctx context.Context, m *model.SystemMetric) (int64, error) {
	info, err := marshalOrNil(m.AdditionalInfo)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal additional info: %v", persistence.ErrQuery, err)
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return p.insert(ctx, `INSERT INTO system_metrics
		(pipeline_run_id, hostname, os, os_version, runtime_version, cpu_model,
		 cpu_cores, memory_total_gb, gpu_available, gpu_model, additional_info, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PipelineRunID, m.Hostname, m.OS, m.OSVersion, m.RuntimeVersion, m.CPUModel,
		m.CPUCores, m.MemoryTotalGB, m.GPUAvailable, nullString(m.GPUModel), info, ts.UTC())
}

// =============================================================================
// Analytics
// =============================================================================

// GetFailedRecords returns the failure payloads for one run.
func (p *Provider) GetFailedRecords(ctx context.Context, runID string) ([]model.FailedRecord, error) {
	query := p.cfg.Dialect.Rebind(`SELECT f.id, f.stat_id, f.original_data,
		COALESCE(f.normalized_data, '') AS normalized_data, f.failure_reason,
		COALESCE(f.stack_trace, '') AS stack_trace, f.timestamp
		FROM failed_records f
		JOIN ingestion_stats s ON s.id = f.stat_id
		WHERE s.pipeline_run_id = ?
		ORDER BY f.id`)
	var records []model.FailedRecord
	if err := sqlx.SelectContext(ctx, p.queryer(), &records, query, runID); err != nil {
		return nil, wrapExec(err)
	}
	return records, nil
}

// GetIngestionSummary aggregates ingestion stats, optionally filtered
// by run and time range.
func (p *Provider) GetIngestionSummary(ctx context.Context, runID string, start, end *time.Time) (*persistence.IngestionSummary, error) {
	where, args := summaryFilter(runID, start, end)

	query := p.cfg.Dialect.Rebind(`SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS successful,
		COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0) AS failed,
		COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped,
		COALESCE(AVG(processing_time_ms), 0) AS avg_processing_time_ms,
		COALESCE(SUM(record_size_bytes), 0) AS total_bytes_processed
		FROM ingestion_stats` + where)

	var row struct {
		Total               int64   `db:"total"`
		Successful          int64   `db:"successful"`
		Failed              int64   `db:"failed"`
		Skipped             int64   `db:"skipped"`
		AvgProcessingTimeMS float64 `db:"avg_processing_time_ms"`
		TotalBytesProcessed int64   `db:"total_bytes_processed"`
	}
	if err := sqlx.GetContext(ctx, p.queryer(), &row, query, args...); err != nil {
		return nil, wrapExec(err)
	}

	summary := &persistence.IngestionSummary{
		Total:               row.Total,
		Successful:          row.Successful,
		Failed:              row.Failed,
		Skipped:             row.Skipped,
		AvgProcessingTimeMS: row.AvgProcessingTimeMS,
		TotalBytesProcessed: row.TotalBytesProcessed,
		ErrorBreakdown:      make(map[string]int64),
	}

	breakdownQuery := p.cfg.Dialect.Rebind(`SELECT error_category, COUNT(*) AS n
		FROM ingestion_stats` + andWhere(where, `status = 'failure' AND error_category IS NOT NULL`) + `
		GROUP BY error_category`)
	rows, err := p.queryer().QueryxContext(ctx, breakdownQuery, args...)
	if err != nil {
		return nil, wrapExec(err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, wrapExec(err)
		}
		summary.ErrorBreakdown[category] = n
	}
	return summary, rows.Err()
}

// GetQualitySummary aggregates quality metrics, optionally per run.
func (p *Provider) GetQualitySummary(ctx context.Context, runID string) (*persistence.QualitySummary, error) {
	where, args := summaryFilter(runID, nil, nil)
	query := p.cfg.Dialect.Rebind(`SELECT
		COUNT(*) AS total,
		COALESCE(AVG(completeness_score), 0) AS avg_completeness,
		COALESCE(AVG(consistency_score), 0) AS avg_consistency,
		COALESCE(AVG(validity_score), 0) AS avg_validity,
		COALESCE(AVG(accuracy_score), 0) AS avg_accuracy,
		COALESCE(AVG(overall_score), 0) AS avg_overall,
		COALESCE(MIN(overall_score), 0) AS min_overall,
		COALESCE(MAX(overall_score), 0) AS max_overall
		FROM quality_metrics` + where)

	var summary persistence.QualitySummary
	if err := sqlx.GetContext(ctx, p.queryer(), &summary, query, args...); err != nil {
		return nil, wrapExec(err)
	}
	return &summary, nil
}

// CleanupOldData purges rows older than the cutoff, children before
// parents, and returns the total rows removed.
func (p *Provider) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := persistence.CutoffTime(daysToKeep)
	var total int64

	err := p.Transaction(ctx, func(ctx context.Context) error {
		statements := []string{
			`DELETE FROM failed_records WHERE stat_id IN
				(SELECT id FROM ingestion_stats WHERE timestamp < ?)`,
			`DELETE FROM ingestion_stats WHERE timestamp < ?`,
			`DELETE FROM quality_metrics WHERE timestamp < ?`,
			`DELETE FROM audit_events WHERE timestamp < ?`,
			`DELETE FROM performance_metrics WHERE timestamp < ?`,
			`DELETE FROM system_metrics WHERE timestamp < ?`,
			`DELETE FROM pipeline_runs WHERE started_at < ? AND status != 'running'`,
		}
		for _, stmt := range statements {
			res, err := p.execer().ExecContext(ctx, p.cfg.Dialect.Rebind(stmt), cutoff)
			if err != nil {
				return wrapExec(err)
			}
			if n, err := res.RowsAffected(); err == nil {
				total += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.logger.Info("cleanup removed old telemetry", "rows", total, "cutoff", cutoff)
	return total, nil
}

// Transaction runs fn inside a transaction, committing on nil and
// rolling back on error. Nested calls are rejected.
func (p *Provider) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.tx != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: nested transaction", persistence.ErrTransaction)
	}
	db := p.db
	if db == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: not connected", persistence.ErrConnection)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: begin: %v", persistence.ErrTransaction, err)
	}
	p.tx = tx
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.tx = nil
		p.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", persistence.ErrTransaction, err)
	}
	return nil
}

// =============================================================================
// Internals
// =============================================================================

// insert executes an INSERT written with '?' placeholders and returns
// the generated id via RETURNING or LastInsertId per dialect.
func (p *Provider) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if p.cfg.Dialect.UseReturning {
		bound := p.cfg.Dialect.Rebind(query + " RETURNING id")
		var id int64
		if err := p.queryer().QueryRowxContext(ctx, bound, args...).Scan(&id); err != nil {
			return 0, wrapExec(err)
		}
		return id, nil
	}
	res, err := p.execer().ExecContext(ctx, p.cfg.Dialect.Rebind(query), args...)
	if err != nil {
		return 0, wrapExec(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapExec(err)
	}
	return id, nil
}

// execer returns the open transaction when one is active, else the pool.
func (p *Provider) execer() sqlx.ExecerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

// queryer mirrors execer for reads.
func (p *Provider) queryer() sqlx.QueryerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

func (p *Provider) database() *sqlx.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db
}

// wrapExec maps a driver error to the provider error taxonomy.
func wrapExec(err error) error {
	switch {
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %v", persistence.ErrConnection, err)
	case errors.Is(err, sql.ErrTxDone):
		return fmt.Errorf("%w: %v", persistence.ErrTransaction, err)
	default:
		return fmt.Errorf("%w: %v", persistence.ErrQuery, err)
	}
}

// marshalOrNil serializes a structured field, mapping empty values to
// SQL NULL.
func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []model.QualityIssue:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// summaryFilter builds a WHERE clause for the analytics queries.
func summaryFilter(runID string, start, end *time.Time) (string, []any) {
	var clauses []string
	var args []any
	if runID != "" {
		clauses = append(clauses, "pipeline_run_id = ?")
		args = append(args, runID)
	}
	if start != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, start.UTC())
	}
	if end != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, end.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, clause := range clauses[1:] {
		where += " AND " + clause
	}
	return where, args
}

// andWhere appends extra conditions to a possibly-empty WHERE clause.
func andWhere(where, extra string) string {
	if where == "" {
		return " WHERE " + extra
	}
	return where + " AND " + extra
}
