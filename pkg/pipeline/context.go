// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianhealth/meridian/pkg/config"
	"github.com/meridianhealth/meridian/pkg/perf"
	"github.com/meridianhealth/meridian/pkg/tracking"
)

// ContextConfig wires a run's collaborators. Repository and the
// trackers may be nil for runs with data intelligence disabled.
type ContextConfig struct {
	Config     *config.Config
	PipelineID string
	Name       string
	OutputPath string
	Verbose    bool

	Repository *tracking.Repository
	Audit      *tracking.AuditLogger
	Ingestion  *tracking.StageTracker
	Chunking   *tracking.StageTracker
	Embedding  *tracking.StageTracker
	Quality    *tracking.StageTracker
	Perf       *perf.Tracker

	Logger *slog.Logger
}

// Context is the per-run shared state: immutable wiring plus
// mutex-guarded errors, warnings, and the executed-stage list.
//
// # Thread Safety
//
// Safe for concurrent use by stage workers.
type Context struct {
	cfg ContextConfig

	mu             sync.Mutex
	errors         []StageError
	warnings       []string
	executedStages []string
}

// StageError attributes one run-level error to a stage.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (e StageError) String() string {
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// NewContext builds a run context. A nil Config gets the defaults; a
// nil Logger discards.
func NewContext(cfg ContextConfig) *Context {
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}
	if cfg.PipelineID == "" {
		cfg.PipelineID = tracking.NewRunID()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Config.Pipeline.Name
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = cfg.Config.Pipeline.OutputPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Context{cfg: cfg}
}

func (c *Context) PipelineID() string { return c.cfg.PipelineID }

func (c *Context) Name() string { return c.cfg.Name }

func (c *Context) Config() *config.Config { return c.cfg.Config }

func (c *Context) Logger() *slog.Logger { return c.cfg.Logger }

func (c *Context) Repository() *tracking.Repository { return c.cfg.Repository }

func (c *Context) Audit() *tracking.AuditLogger { return c.cfg.Audit }

func (c *Context) Perf() *perf.Tracker { return c.cfg.Perf }

// Tracker returns the stage tracker for a stage name, or nil when that
// stage carries no tracker.
func (c *Context) Tracker(stage string) *tracking.StageTracker {
	switch stage {
	case StageIngestion:
		return c.cfg.Ingestion
	case StageChunking:
		return c.cfg.Chunking
	case StageEmbedding:
		return c.cfg.Embedding
	}
	return nil
}

// QualityTracker returns the quality-scoring tracker, or nil.
func (c *Context) QualityTracker() *tracking.StageTracker { return c.cfg.Quality }

// IsStageEnabled reports whether a stage participates in this run.
// Ingestion is always on; unknown names are always off.
func (c *Context) IsStageEnabled(name string) bool {
	stages := c.cfg.Config.Pipeline.Stages
	switch name {
	case StageIngestion:
		return true
	case StageDeid:
		return stages.Deid.Enabled
	case StageChunking:
		return stages.Chunking.Enabled
	case StageEmbedding:
		return stages.Embedding.Enabled
	case StageVectorstore:
		return stages.Vectorstore.Enabled
	}
	return false
}

// StartStage records the stage start in the audit trail and the
// performance tracker.
func (c *Context) StartStage(name string) {
	c.mu.Lock()
	c.executedStages = append(c.executedStages, name)
	c.mu.Unlock()

	if c.cfg.Audit != nil {
		c.cfg.Audit.LogStageStarted(name)
	}
	if c.cfg.Perf != nil {
		c.cfg.Perf.StartStep(name, nil)
	}
}

// EndStage closes out the stage in the audit trail and the performance
// tracker.
func (c *Context) EndStage(name string) {
	if c.cfg.Perf != nil {
		c.cfg.Perf.FinishStep(name)
	}
	if c.cfg.Audit != nil {
		c.cfg.Audit.LogStageCompleted(name, nil)
	}
}

// AddError records a stage-attributed run error.
func (c *Context) AddError(stage, message string) {
	c.mu.Lock()
	c.errors = append(c.errors, StageError{Stage: stage, Message: message})
	c.mu.Unlock()

	c.cfg.Logger.Error("pipeline error", "stage", stage, "message", message)
	if c.cfg.Audit != nil {
		c.cfg.Audit.LogError(stage, message)
	}
}

// AddWarning records a run warning.
func (c *Context) AddWarning(message string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, message)
	c.mu.Unlock()

	c.cfg.Logger.Warn("pipeline warning", "message", message)
	if c.cfg.Audit != nil {
		c.cfg.Audit.LogWarning("", message)
	}
}

// Errors returns a copy of the recorded errors.
func (c *Context) Errors() []StageError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StageError, len(c.errors))
	copy(out, c.errors)
	return out
}

// Warnings returns a copy of the recorded warnings.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// ExecutedStages returns the stages started so far, in start order.
func (c *Context) ExecutedStages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.executedStages))
	copy(out, c.executedStages)
	return out
}

// Summary is the run digest surfaced to the CLI.
type Summary struct {
	PipelineID     string   `json:"pipeline_id"`
	Name           string   `json:"name"`
	ExecutedStages []string `json:"executed_stages"`
	ErrorCount     int      `json:"error_count"`
	WarningCount   int      `json:"warning_count"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// GetSummary snapshots the run state.
func (c *Context) GetSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		PipelineID:     c.cfg.PipelineID,
		Name:           c.cfg.Name,
		ExecutedStages: append([]string(nil), c.executedStages...),
		ErrorCount:     len(c.errors),
		WarningCount:   len(c.warnings),
		Warnings:       append([]string(nil), c.warnings...),
	}
	for _, e := range c.errors {
		s.Errors = append(s.Errors, e.String())
	}
	return s
}

// ExportResults writes the run result to the output path as json or
// yaml. The output directory is created on demand.
func (c *Context) ExportResults(result *RunResult, format string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(result, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(result)
	default:
		return "", fmt.Errorf("pipeline: unsupported export format %q", format)
	}
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal results: %w", err)
	}

	if err := os.MkdirAll(c.cfg.OutputPath, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: create output path: %w", err)
	}
	name := fmt.Sprintf("run_%s_%s.%s", c.cfg.PipelineID, time.Now().UTC().Format("20060102T150405"), format)
	path := filepath.Join(c.cfg.OutputPath, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write results: %w", err)
	}
	return path, nil
}
