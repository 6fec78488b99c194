// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhealth/meridian/pkg/tracking"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	statusLimit int    // Number of recent runs to list
	statusRunID string // Inspect one run in detail
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// statusCmd lists recent pipeline runs or inspects one run.
//
// # Examples
//
//	meridian status                 # Ten most recent runs
//	meridian status --limit 25     # More history
//	meridian status --run <id>     # Ingestion and quality rollups for a run
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent pipeline runs and their telemetry rollups",
	RunE:  runStatusCommand,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10,
		"Number of recent runs to list")
	statusCmd.Flags().StringVar(&statusRunID, "run", "",
		"Show the detailed rollup for one run id")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	defer log.Close()
	logger := log.Slog()

	ctx := cmd.Context()
	provider, repo, err := openTrackingStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Disconnect() }()

	if statusRunID != "" {
		return printRunDetail(cmd, repo, statusRunID)
	}

	runs, err := repo.RecentRuns(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No pipeline runs recorded.")
		return nil
	}

	fmt.Printf("%-28s %-24s %-10s %8s %8s %8s\n",
		"RUN ID", "STARTED", "STATUS", "TOTAL", "OK", "FAILED")
	for _, run := range runs {
		fmt.Printf("%-28s %-24s %-10s %8d %8d %8d\n",
			run.ID,
			run.StartedAt.Format(time.RFC3339),
			run.Status,
			run.Total, run.Successful, run.Failed)
	}
	return nil
}

func printRunDetail(cmd *cobra.Command, repo *tracking.Repository, runID string) error {
	ctx := cmd.Context()

	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Name)
	fmt.Printf("  status:   %s\n", run.Status)
	fmt.Printf("  started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("  finished: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("  records:  total=%d ok=%d failed=%d skipped=%d\n",
		run.Total, run.Successful, run.Failed, run.Skipped)
	if run.ErrorMsg != "" {
		fmt.Printf("  error:    %s\n", run.ErrorMsg)
	}

	if summary, err := repo.IngestionSummary(ctx, runID, nil, nil); err == nil && summary.Total > 0 {
		fmt.Printf("\nIngestion: %d records, %.1f ms avg, %d bytes\n",
			summary.Total, summary.AvgProcessingTimeMS, summary.TotalBytesProcessed)
		for category, count := range summary.ErrorBreakdown {
			fmt.Printf("  %-24s %d\n", category, count)
		}
	}

	if summary, err := repo.QualitySummary(ctx, runID); err == nil && summary.Total > 0 {
		fmt.Printf("\nQuality: %d scored, overall avg=%.3f min=%.3f max=%.3f\n",
			summary.Total, summary.AvgOverall, summary.MinOverall, summary.MaxOverall)
	}

	failed, err := repo.FailedRecords(ctx, runID)
	if err == nil && len(failed) > 0 {
		fmt.Printf("\nFailed records: %d (replay with `meridian replay --run %s`)\n", len(failed), runID)
	}
	return nil
}
