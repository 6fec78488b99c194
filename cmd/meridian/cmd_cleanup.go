// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupDays int // Retention window in days

// cleanupCmd purges telemetry older than the retention window.
//
// # Examples
//
//	meridian cleanup              # Purge data older than 90 days
//	meridian cleanup --days 30    # Tighter retention
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge tracking data older than the retention window",
	RunE:  runCleanupCommand,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 90,
		"Keep data newer than this many days")
}

func runCleanupCommand(cmd *cobra.Command, _ []string) error {
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

	deleted, err := repo.Cleanup(ctx, cleanupDays)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Printf("Deleted %d rows older than %d days.\n", deleted, cleanupDays)
	return nil
}
