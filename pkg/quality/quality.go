// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package quality scores records along six dimensions and derives a
// weighted overall score in [0, 1].
//
// The six dimensions are completeness, consistency, validity, accuracy,
// outlier detection, and data usage. Outlier detection keeps a running
// per-field distribution updated across batches; everything else is
// stateless per record.
package quality

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Dimension names used in weights, metrics, and issues.
const (
	DimCompleteness = "completeness"
	DimConsistency  = "consistency"
	DimValidity     = "validity"
	DimAccuracy     = "accuracy"
	DimOutlier      = "outlier"
	DimDataUsage    = "data_usage"
)

// DefaultWeights is the default dimension weighting. The weights sum
// to 1.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		DimCompleteness: 0.25,
		DimConsistency:  0.20,
		DimValidity:     0.15,
		DimAccuracy:     0.15,
		DimOutlier:      0.15,
		DimDataUsage:    0.10,
	}
}

// placeholderValues are treated as absent in completeness checks.
var placeholderValues = map[string]bool{
	"null": true, "none": true, "n/a": true, "na": true, "unknown": true, "": true,
}

// testValues are treated as inaccurate placeholders in accuracy checks.
var testValues = map[string]bool{
	"0": true, "test": true, "dummy": true, "sample": true,
}

// Config configures the scorer.
type Config struct {
	// Weights per dimension; must sum to 1 within 1e-9. Nil uses
	// DefaultWeights.
	Weights map[string]float64

	// RequiredFields and OptionalFields map record types to field
	// names for completeness scoring.
	RequiredFields map[string][]string
	OptionalFields map[string][]string

	// SamplingRate is the probability a record in a batch is scored.
	// Rate 0 excludes every record; rate 1 scores every record.
	SamplingRate float64

	// MinimumBatchSize is the batch size below which sampling is
	// skipped and every record is scored. Zero applies sampling to
	// batches of any size.
	MinimumBatchSize int

	// UsedFields, when non-nil, lists fields consumed downstream per
	// record type. Without it, only temp_*/debug_* fields are treated
	// as likely redundant.
	UsedFields map[string][]string
}

// Scorer computes quality metrics.
//
// # Thread Safety
//
// Safe for concurrent scoring; the distribution table is lock-guarded.
type Scorer struct {
	cfg     Config
	weights map[string]float64

	mu            sync.Mutex
	distributions map[string]*Distribution

	// rng drives sampling; overridable in tests.
	rng *rand.Rand
}

// NewScorer validates the weights and builds a scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("quality: negative weight")
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return nil, fmt.Errorf("quality: weights sum to %.6f, want 1", sum)
	}
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		return nil, fmt.Errorf("quality: sampling rate %.3f outside [0,1]", cfg.SamplingRate)
	}
	return &Scorer{
		cfg:           cfg,
		weights:       weights,
		distributions: make(map[string]*Distribution),
		rng:           rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// UpdateDistributions folds a batch's numeric fields into the running
// per-field distributions used by outlier detection.
func (s *Scorer) UpdateDistributions(records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		for field, value := range record {
			x, ok := asNumber(value)
			if !ok {
				continue
			}
			d, ok := s.distributions[field]
			if !ok {
				d = &Distribution{}
				s.distributions[field] = d
			}
			d.Update(x)
		}
	}
}

// ScoreRecord scores one record. Every dimension score and the overall
// are clamped to [0, 1].
func (s *Scorer) ScoreRecord(runID, recordID, recordType string, record map[string]any) *model.QualityMetric {
	metric := &model.QualityMetric{
		PipelineRunID: runID,
		RecordID:      recordID,
		RecordType:    recordType,
		Sampled:       true,
	}

	var issues []model.QualityIssue

	metric.Completeness, issues = s.scoreCompleteness(recordType, record, metric, issues)
	metric.Consistency, issues = s.scoreConsistency(record, issues)
	metric.Validity, issues = s.scoreValidity(issues, metric)
	metric.Accuracy, issues = s.scoreAccuracy(record, metric, issues)
	metric.Outlier, issues = s.scoreOutliers(record, metric, issues)
	metric.DataUsage, issues = s.scoreDataUsage(recordType, record, metric, issues)

	metric.Issues = issues
	metric.OverallScore = clamp01(
		metric.Completeness*s.weights[DimCompleteness] +
			metric.Consistency*s.weights[DimConsistency] +
			metric.Validity*s.weights[DimValidity] +
			metric.Accuracy*s.weights[DimAccuracy] +
			metric.Outlier*s.weights[DimOutlier] +
			metric.DataUsage*s.weights[DimDataUsage])
	return metric
}

// ScoreBatch scores records with sampling. Records excluded by the
// sampling rate receive a placeholder metric with Sampled=false.
// Batches below MinimumBatchSize are always fully scored.
func (s *Scorer) ScoreBatch(runID, recordType string, records []map[string]any) []*model.QualityMetric {
	sampling := len(records) >= s.cfg.MinimumBatchSize
	metrics := make([]*model.QualityMetric, 0, len(records))
	for i, record := range records {
		recordID := fmt.Sprintf("record_%d", i)
		if id, ok := record["id"].(string); ok && id != "" {
			recordID = id
		}
		if sampling && s.rng.Float64() >= s.cfg.SamplingRate {
			metrics = append(metrics, placeholderMetric(runID, recordID, recordType))
			continue
		}
		metrics = append(metrics, s.ScoreRecord(runID, recordID, recordType, record))
	}
	return metrics
}

// placeholderMetric is the synthetic score for a record excluded by
// sampling.
func placeholderMetric(runID, recordID, recordType string) *model.QualityMetric {
	return &model.QualityMetric{
		PipelineRunID: runID,
		RecordID:      recordID,
		RecordType:    recordType,
		Completeness:  1,
		Consistency:   1,
		Validity:      1,
		Accuracy:      1,
		Outlier:       1,
		DataUsage:     1,
		OverallScore:  1,
		Sampled:       false,
	}
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// asNumber extracts a float from the dynamic value types a decoded
// record can carry.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
