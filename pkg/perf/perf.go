// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package perf tracks per-step and pipeline-level timing and derives
// bottleneck analyses from the completed steps.
package perf

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/tracking"
)

// stepHistoryCap bounds the retained step history (FIFO eviction).
const stepHistoryCap = 100

// Bottleneck thresholds. A step is a bottleneck when its share of the
// pipeline wall time is at least dominantShare, or at least
// significantShare while running more than twice the average step
// duration. A step is failure-flagged at failureRateThreshold.
const (
	dominantShare        = 0.50
	significantShare     = 0.30
	failureRateThreshold = 0.10
)

// StepMetrics is the timing record of one pipeline step.
type StepMetrics struct {
	StepName         string         `json:"step_name"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	DurationMS       float64        `json:"duration_ms"`
	RecordsProcessed int64          `json:"records_processed"`
	BytesProcessed   int64          `json:"bytes_processed"`
	SuccessCount     int64          `json:"success_count"`
	FailureCount     int64          `json:"failure_count"`
	RecordsPerSecond float64        `json:"records_per_second"`
	BytesPerSecond   float64        `json:"bytes_per_second"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// finish stamps the end time and derives rates.
func (s *StepMetrics) finish(now time.Time) {
	s.EndTime = &now
	s.DurationMS = float64(now.Sub(s.StartTime)) / float64(time.Millisecond)
	secs := now.Sub(s.StartTime).Seconds()
	if secs > 0 {
		s.RecordsPerSecond = float64(s.RecordsProcessed) / secs
		s.BytesPerSecond = float64(s.BytesProcessed) / secs
	}
}

// FailureRate is failures over processed records, in [0, 1].
func (s *StepMetrics) FailureRate() float64 {
	if s.RecordsProcessed == 0 {
		return 0
	}
	return float64(s.FailureCount) / float64(s.RecordsProcessed)
}

// PipelineMetrics aggregates a pipeline's completed steps.
type PipelineMetrics struct {
	RunID            string        `json:"run_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	TotalDurationMS  float64       `json:"total_duration_ms"`
	AvgRecordsPerSec float64       `json:"avg_records_per_second"`
	Steps            []StepMetrics `json:"steps"`
	Bottlenecks      []string      `json:"bottlenecks,omitempty"`
}

// BottleneckAnalysis ranks the slowest and most failure-prone steps.
type BottleneckAnalysis struct {
	SlowestSteps     []StepMetrics `json:"slowest_steps"`
	HighFailureSteps []StepMetrics `json:"high_failure_steps"`
	Recommendations  []string      `json:"recommendations"`
}

// Tracker owns the ordered step history for one pipeline run.
//
// # Thread Safety
//
// All mutations are serialized under one lock, so concurrent
// StartStep/FinishStep calls from multiple workers never interleave
// into a split step.
type Tracker struct {
	runID  string
	logger *slog.Logger

	// repo, when set, persists each finished step as a
	// PerformanceMetric row. Errors are logged, not returned.
	repo *tracking.Repository

	mu        sync.Mutex
	startTime time.Time
	endTime   *time.Time
	active    map[string]*StepMetrics
	completed []StepMetrics
}

// NewTracker starts tracking a run. repo and logger may be nil.
func NewTracker(runID string, repo *tracking.Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		runID:     runID,
		logger:    logger,
		repo:      repo,
		startTime: time.Now().UTC(),
		active:    make(map[string]*StepMetrics),
	}
}

// StartStep opens a step. Starting an already-active step restarts it
// with a warning.
func (t *Tracker) StartStep(name string, metadata map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[name]; ok {
		t.logger.Warn("step restarted while active", "step", name)
	}
	t.active[name] = &StepMetrics{
		StepName:  name,
		StartTime: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// AddStepCounts accumulates record counters on an active step.
func (t *Tracker) AddStepCounts(name string, records, bytes, successes, failures int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	step, ok := t.active[name]
	if !ok {
		t.logger.Warn("counts for inactive step dropped", "step", name)
		return
	}
	step.RecordsProcessed += records
	step.BytesProcessed += bytes
	step.SuccessCount += successes
	step.FailureCount += failures
}

// FinishStep closes a step, derives its rates, appends it to the
// bounded history, and persists it when a repository is attached.
func (t *Tracker) FinishStep(name string) *StepMetrics {
	t.mu.Lock()
	step, ok := t.active[name]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("finish for unknown step ignored", "step", name)
		return nil
	}
	delete(t.active, name)
	step.finish(time.Now().UTC())
	t.completed = append(t.completed, *step)
	if len(t.completed) > stepHistoryCap {
		t.completed = t.completed[len(t.completed)-stepHistoryCap:]
	}
	t.mu.Unlock()

	t.persist(step)
	return step
}

func (t *Tracker) persist(step *StepMetrics) {
	if t.repo == nil {
		return
	}
	metric := &model.PerformanceMetric{
		PipelineRunID:    t.runID,
		StageName:        step.StepName,
		StartedAt:        step.StartTime,
		CompletedAt:      step.EndTime,
		DurationMS:       step.DurationMS,
		RecordsProcessed: step.RecordsProcessed,
		RecordsPerSecond: step.RecordsPerSecond,
	}
	if _, err := t.repo.RecordPerformance(context.Background(), metric); err != nil {
		t.logger.Warn("failed to persist step metric", "step", step.StepName, "error", err)
	}
}

// Finish closes the pipeline and derives the aggregate, including the
// bottleneck list.
func (t *Tracker) Finish() *PipelineMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.endTime = &now

	m := &PipelineMetrics{
		RunID:           t.runID,
		StartTime:       t.startTime,
		EndTime:         t.endTime,
		TotalDurationMS: float64(now.Sub(t.startTime)) / float64(time.Millisecond),
		Steps:           append([]StepMetrics(nil), t.completed...),
	}
	var rateSum float64
	for _, step := range m.Steps {
		rateSum += step.RecordsPerSecond
	}
	if len(m.Steps) > 0 {
		m.AvgRecordsPerSec = rateSum / float64(len(m.Steps))
	}
	for _, step := range m.Steps {
		if isBottleneck(step, m.Steps, m.TotalDurationMS) {
			m.Bottlenecks = append(m.Bottlenecks, step.StepName)
		}
	}
	return m
}

// isBottleneck applies the share and failure thresholds against the
// pipeline total.
func isBottleneck(step StepMetrics, steps []StepMetrics, totalMS float64) bool {
	if step.FailureRate() >= failureRateThreshold {
		return true
	}
	if totalMS <= 0 {
		return false
	}
	share := step.DurationMS / totalMS
	if share >= dominantShare {
		return true
	}
	var sum float64
	for _, s := range steps {
		sum += s.DurationMS
	}
	avg := sum / float64(len(steps))
	return share >= significantShare && step.DurationMS > 2*avg
}

// Analyze ranks completed steps into a bottleneck report.
func (t *Tracker) Analyze() *BottleneckAnalysis {
	t.mu.Lock()
	steps := append([]StepMetrics(nil), t.completed...)
	start := t.startTime
	end := time.Now().UTC()
	if t.endTime != nil {
		end = *t.endTime
	}
	t.mu.Unlock()

	totalMS := float64(end.Sub(start)) / float64(time.Millisecond)

	analysis := &BottleneckAnalysis{}
	bySlowness := append([]StepMetrics(nil), steps...)
	sort.SliceStable(bySlowness, func(i, j int) bool {
		return bySlowness[i].DurationMS > bySlowness[j].DurationMS
	})
	if len(bySlowness) > 3 {
		bySlowness = bySlowness[:3]
	}
	analysis.SlowestSteps = bySlowness

	for _, step := range steps {
		if step.FailureRate() >= failureRateThreshold {
			analysis.HighFailureSteps = append(analysis.HighFailureSteps, step)
		}
	}

	for _, step := range bySlowness {
		if totalMS <= 0 {
			break
		}
		share := step.DurationMS / totalMS
		if share >= significantShare {
			analysis.Recommendations = append(analysis.Recommendations,
				fmt.Sprintf("step %s consumed %.0f%% of wall time: consider parallelizing it", step.StepName, share*100))
		}
	}
	for _, step := range analysis.HighFailureSteps {
		analysis.Recommendations = append(analysis.Recommendations,
			fmt.Sprintf("step %s failed %.0f%% of its records: inspect its error categories", step.StepName, step.FailureRate()*100))
	}
	if len(analysis.Recommendations) == 0 {
		analysis.Recommendations = append(analysis.Recommendations, "no bottlenecks detected")
	}
	return analysis
}
