// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runWatchPath  string  // Override adapter.watch_path
	runContinuous bool    // Keep watching after the first scan
	runTimeout    float64 // Override pipeline.timeout_seconds
	runOutput     string  // Override pipeline.output_path
	runName       string  // Override pipeline.name
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd executes one pipeline run.
//
// # Description
//
// Loads the configuration, wires the tracking store and stages, and
// drives the executor until the source is exhausted (or until Ctrl-C,
// the configured timeout, or --continuous is stopped).
//
// # Examples
//
//	meridian run                          # One scan of the watch path
//	meridian run --watch-path ./inbox     # Override the watch path
//	meridian run --continuous             # Keep watching for new files
//	meridian run --timeout 300            # Cancel after five minutes
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion pipeline over the configured watch path",
	RunE:  runPipelineCommand,
}

func init() {
	runCmd.Flags().StringVar(&runWatchPath, "watch-path", "",
		"Directory to ingest from (overrides adapter.watch_path)")
	runCmd.Flags().BoolVar(&runContinuous, "continuous", false,
		"Keep watching for new files until interrupted")
	runCmd.Flags().Float64Var(&runTimeout, "timeout", 0,
		"Run timeout in seconds (overrides pipeline.timeout_seconds)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "",
		"Directory for the run result export (overrides pipeline.output_path)")
	runCmd.Flags().StringVar(&runName, "name", "",
		"Pipeline run name (overrides pipeline.name)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runPipelineCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWatchPath != "" {
		cfg.Adapter.WatchPath = runWatchPath
	}
	if runContinuous {
		cfg.Adapter.Continuous = true
	}
	if runTimeout > 0 {
		cfg.Pipeline.TimeoutSeconds = runTimeout
	}
	if runOutput != "" {
		cfg.Pipeline.OutputPath = runOutput
	}
	if runName != "" {
		cfg.Pipeline.Name = runName
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
	defer func() {
		if err := provider.Disconnect(); err != nil {
			logger.Warn("failed to disconnect tracking store", "error", err)
		}
	}()

	source, closeSource, err := buildWatcherSource(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	rt, err := buildRuntime(ctx, cfg, repo, source, logger)
	if err != nil {
		return err
	}

	_, err = executeRun(ctx, rt)
	return err
}
