// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/meridianhealth/meridian/pkg/config"
	"github.com/meridianhealth/meridian/pkg/logging"
)

// --- Global Command Variables ---
var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "meridian",
		Short: "A cli to run and inspect the Meridian healthcare ingestion pipeline",
		Long: `Meridian ingests healthcare records (FHIR JSON, HL7v2, X12),
normalizes and enriches them through a staged pipeline, and tracks
every record attempt in a queryable telemetry store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configured YAML file. A missing file yields the
// defaults; an invalid file yields a *config.ConfigurationError, which
// main maps to the configuration exit code.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// buildLogger derives the process logger from config, with --verbose
// forcing debug level.
func buildLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "meridian",
		JSON:    cfg.Logging.JSON,
	})
}
