// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/stages"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var replayRunID string // Source run for the failed records

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// replayCmd re-ingests the failed records of a previous run.
//
// # Description
//
// Loads the stored original payloads for every failed record of the
// given run and pushes them through the full stage set under a fresh
// run id. Records that fail again are stored again, so replay is safe
// to repeat after fixing the underlying data.
//
// # Examples
//
//	meridian replay --run 01JD3Z8K2M4N5P6Q7R8S9T0V1W
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-ingest the failed records of a previous run",
	RunE:  runReplayCommand,
}

func init() {
	replayCmd.Flags().StringVar(&replayRunID, "run", "",
		"Run id whose failed records should be replayed")
	_ = replayCmd.MarkFlagRequired("run")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runReplayCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	defer log.Close()
	logger := log.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, repo, err := openTrackingStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Disconnect() }()

	failed, err := repo.FailedRecords(ctx, replayRunID)
	if err != nil {
		return fmt.Errorf("loading failed records for %s: %w", replayRunID, err)
	}
	if len(failed) == 0 {
		fmt.Printf("Run %s has no failed records to replay.\n", replayRunID)
		return nil
	}

	payloads := make([]model.RawPayload, 0, len(failed))
	for _, rec := range failed {
		payloads = append(payloads, model.RawPayload{
			Path:      fmt.Sprintf("replay/%s/%d", replayRunID, rec.ID),
			Data:      rec.OriginalData,
			SizeBytes: int64(len(rec.OriginalData)),
			Source:    "replay",
			ReadAt:    time.Now().UTC(),
		})
	}

	fmt.Printf("Replaying %d failed records from run %s\n", len(payloads), replayRunID)

	cfg.Pipeline.Name = cfg.Pipeline.Name + "-replay"
	source := stages.NewReplaySource(stages.ReplaySourceConfig{
		Payloads: payloads,
		Scorer:   buildScorer(cfg),
		Logger:   logger,
	})

	rt, err := buildRuntime(ctx, cfg, repo, source, logger)
	if err != nil {
		return err
	}

	_, err = executeRun(ctx, rt)
	return err
}
