// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relational

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dialect encapsulates the per-engine differences of the relational
// provider: driver name, placeholder style, DDL, and whether inserts
// can return the generated id directly.
//
// Queries throughout the provider are written with '?' placeholders and
// rebound through Rebind before execution.
type Dialect struct {
	// Name is "sqlite" or "postgres".
	Name string

	// Driver is the database/sql driver name to open.
	Driver string

	// bindType is the sqlx placeholder style for Rebind.
	bindType int

	// UseReturning selects "INSERT ... RETURNING id" over LastInsertId.
	UseReturning bool

	// schema is the ordered, idempotent DDL for InitializeSchema.
	schema []string
}

// Rebind converts '?' placeholders to the engine's style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// Schema returns the ordered DDL statements. All statements use
// IF NOT EXISTS so InitializeSchema is idempotent.
func (d Dialect) Schema() []string {
	return d.schema
}

// SQLite returns the dialect for the embedded sqlite engine
// (modernc.org/sqlite, driver name "sqlite").
func SQLite() Dialect {
	return Dialect{
		Name:         "sqlite",
		Driver:       "sqlite",
		bindType:     sqlx.QUESTION,
		UseReturning: false,
		schema:       schemaFor("INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "INTEGER", "TEXT"),
	}
}

// Postgres returns the dialect for postgres (jackc/pgx stdlib driver).
func Postgres() Dialect {
	return Dialect{
		Name:         "postgres",
		Driver:       "pgx",
		bindType:     sqlx.DOLLAR,
		UseReturning: true,
		schema:       schemaFor("BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "BOOLEAN", "JSONB"),
	}
}

// schemaFor renders the shared schema with engine-specific column
// types: serial primary keys, timestamp type, boolean type, and the
// type used for JSON-serialized structured fields.
func schemaFor(serialPK, ts, boolean, jsonType string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			started_at %[1]s NOT NULL,
			completed_at %[1]s,
			status TEXT NOT NULL,
			total_records BIGINT NOT NULL DEFAULT 0,
			successful_records BIGINT NOT NULL DEFAULT 0,
			failed_records BIGINT NOT NULL DEFAULT 0,
			skipped_records BIGINT NOT NULL DEFAULT 0,
			config_snapshot %[2]s,
			error_message TEXT
		)`, ts, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs (started_at DESC)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ingestion_stats (
			id %[1]s,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			stage_name TEXT NOT NULL,
			file_path TEXT,
			record_id TEXT,
			record_type TEXT,
			status TEXT NOT NULL,
			error_category TEXT,
			error_message TEXT,
			error_details %[3]s,
			processing_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			record_size_bytes BIGINT NOT NULL DEFAULT 0,
			data_source TEXT,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_ingestion_stats_run_ts ON ingestion_stats (pipeline_run_id, timestamp)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS failed_records (
			id %[1]s,
			stat_id BIGINT NOT NULL REFERENCES ingestion_stats(id),
			original_data TEXT NOT NULL,
			normalized_data TEXT,
			failure_reason TEXT NOT NULL,
			stack_trace TEXT,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts),
		`CREATE INDEX IF NOT EXISTS idx_failed_records_stat ON failed_records (stat_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS quality_metrics (
			id %[1]s,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			record_id TEXT,
			record_type TEXT,
			completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			consistency_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			validity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			accuracy_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			outlier_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			data_usage_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			missing_fields %[4]s,
			invalid_fields %[4]s,
			outlier_fields %[4]s,
			unused_fields %[4]s,
			issues %[4]s,
			sampled %[3]s NOT NULL,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts, boolean, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_quality_metrics_run_ts ON quality_metrics (pipeline_run_id, timestamp)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_events (
			id %[1]s,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			event_type TEXT NOT NULL,
			stage_name TEXT,
			message TEXT NOT NULL,
			level TEXT NOT NULL,
			record_id TEXT,
			details %[3]s,
			correlation_id TEXT,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run_ts ON audit_events (pipeline_run_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type_level ON audit_events (event_type, level)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS performance_metrics (
			id %[1]s,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			stage_name TEXT NOT NULL,
			started_at %[2]s NOT NULL,
			completed_at %[2]s,
			duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			records_processed BIGINT NOT NULL DEFAULT 0,
			records_per_second DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_usage_mb DOUBLE PRECISION,
			cpu_usage_percent DOUBLE PRECISION,
			bottleneck_indicator TEXT,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts),
		`CREATE INDEX IF NOT EXISTS idx_performance_metrics_run_ts ON performance_metrics (pipeline_run_id, timestamp)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS system_metrics (
			id %[1]s,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			hostname TEXT,
			os TEXT,
			os_version TEXT,
			runtime_version TEXT,
			cpu_model TEXT,
			cpu_cores INTEGER,
			memory_total_gb DOUBLE PRECISION,
			gpu_available %[3]s NOT NULL,
			gpu_model TEXT,
			additional_info %[4]s,
			timestamp %[2]s NOT NULL
		)`, serialPK, ts, boolean, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_system_metrics_run_ts ON system_metrics (pipeline_run_id, timestamp)`,
	}
}
