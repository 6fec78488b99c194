// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Export formats accepted by StageTracker.Export and
// AuditLogger.ExportEvents.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export writes the tracker's batches to path in the given format.
// Exporting a disabled tracker is a no-op with a warning.
func (t *StageTracker) Export(path, format string) error {
	if !t.cfg.Enabled {
		t.logger.Warn("export skipped: tracker disabled", "stage", t.cfg.Stage)
		return nil
	}
	switch format {
	case FormatJSON:
		return t.exportJSON(path)
	case FormatCSV:
		return t.exportCSV(path)
	default:
		return fmt.Errorf("tracking: unsupported export format %q (json or csv)", format)
	}
}

// snapshotBatches copies the batch list under the lock. The current
// batch is included unfinalized.
func (t *StageTracker) snapshotBatches() []*BatchMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	batches := make([]*BatchMetrics, 0, len(t.completed)+1)
	batches = append(batches, t.completed...)
	if t.current != nil {
		batches = append(batches, t.current)
	}
	return batches
}

func (t *StageTracker) exportJSON(path string) error {
	batches := t.snapshotBatches()
	summary := t.Summary()

	payload := map[string]any{
		"summary": summary,
		"batches": batches,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("tracking: marshal export: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("tracking: create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("tracking: write export: %w", err)
	}
	return nil
}

// exportCSV writes a summary header row, a blank line, then a labeled
// detail section.
func (t *StageTracker) exportCSV(path string) error {
	batches := t.snapshotBatches()
	summary := t.Summary()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("tracking: create export directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tracking: create export: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	rows := [][]string{
		{"stage", "batches", "total", "successful", "failed", "skipped", "partial", "success_rate", "failure_rate", "avg_processing_time_ms"},
		{
			summary.Stage,
			strconv.Itoa(summary.Batches),
			strconv.FormatInt(summary.Total, 10),
			strconv.FormatInt(summary.Successful, 10),
			strconv.FormatInt(summary.Failed, 10),
			strconv.FormatInt(summary.Skipped, 10),
			strconv.FormatInt(summary.Partial, 10),
			fmt.Sprintf("%.2f", summary.SuccessRate),
			fmt.Sprintf("%.2f", summary.FailureRate),
			fmt.Sprintf("%.2f", summary.AvgProcessingMS),
		},
		{},
		{"Batch Details"},
		{"batch_id", "started_at", "completed_at", "total", "successful", "failed", "skipped", "partial", "success_rate", "records_per_second"},
	}
	for _, b := range batches {
		completedAt := ""
		if b.CompletedAt != nil {
			completedAt = b.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		rows = append(rows, []string{
			b.BatchID,
			b.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
			completedAt,
			strconv.FormatInt(b.Total, 10),
			strconv.FormatInt(b.Successful, 10),
			strconv.FormatInt(b.Failed, 10),
			strconv.FormatInt(b.Skipped, 10),
			strconv.FormatInt(b.Partial, 10),
			fmt.Sprintf("%.2f", b.SuccessRate),
			fmt.Sprintf("%.2f", b.RecordsPerSecond),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("tracking: write export: %w", err)
	}
	return nil
}
