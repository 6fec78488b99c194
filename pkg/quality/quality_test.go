// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
)

func newScorer(t *testing.T, cfg Config) *Scorer {
	t.Helper()
	s, err := NewScorer(cfg)
	require.NoError(t, err)
	return s
}

func TestNewScorer_WeightValidation(t *testing.T) {
	t.Run("default weights sum to one", func(t *testing.T) {
		_, err := NewScorer(Config{})
		assert.NoError(t, err)
	})

	t.Run("bad sum rejected", func(t *testing.T) {
		_, err := NewScorer(Config{Weights: map[string]float64{DimCompleteness: 0.5}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sum")
	})

	t.Run("negative weight rejected", func(t *testing.T) {
		_, err := NewScorer(Config{Weights: map[string]float64{
			DimCompleteness: 1.5, DimConsistency: -0.5,
		}})
		assert.Error(t, err)
	})
}

func TestCompleteness(t *testing.T) {
	s := newScorer(t, Config{
		RequiredFields: map[string][]string{"patient": {"id", "name"}},
		OptionalFields: map[string][]string{"patient": {"notes"}},
	})

	t.Run("full record scores one", func(t *testing.T) {
		m := s.ScoreRecord("run", "r1", "patient", map[string]any{
			"id": "p-1", "name": "Ada", "notes": "ok",
		})
		assert.InDelta(t, 1.0, m.Completeness, 1e-9)
		assert.Empty(t, m.MissingFields)
	})

	t.Run("missing required field", func(t *testing.T) {
		m := s.ScoreRecord("run", "r2", "patient", map[string]any{"id": "p-2"})
		// required 1/2 * 0.8 + optional 0/1 * 0.2
		assert.InDelta(t, 0.4, m.Completeness, 1e-9)
		assert.Equal(t, []string{"name"}, m.MissingFields)
	})

	t.Run("placeholder counts as absent", func(t *testing.T) {
		m := s.ScoreRecord("run", "r3", "patient", map[string]any{
			"id": "p-3", "name": "N/A", "notes": "ok",
		})
		assert.InDelta(t, 0.6, m.Completeness, 1e-9)
	})
}

func TestConsistency(t *testing.T) {
	s := newScorer(t, Config{})

	t.Run("clean record", func(t *testing.T) {
		m := s.ScoreRecord("run", "r1", "patient", map[string]any{
			"email":      "ada@example.org",
			"heart_rate": 72.0,
		})
		assert.InDelta(t, 1.0, m.Consistency, 1e-9)
	})

	t.Run("bad email is a format mismatch", func(t *testing.T) {
		m := s.ScoreRecord("run", "r2", "patient", map[string]any{"email": "not-an-email"})
		assert.Less(t, m.Consistency, 1.0)
		assert.Equal(t, []string{"email"}, m.InvalidFields)
		assert.InDelta(t, 0.9, m.Validity, 1e-9)
	})

	t.Run("range violation", func(t *testing.T) {
		m := s.ScoreRecord("run", "r3", "patient", map[string]any{"age": 200.0})
		assert.Less(t, m.Consistency, 1.0)
	})

	t.Run("temporal order violation", func(t *testing.T) {
		m := s.ScoreRecord("run", "r4", "patient", map[string]any{
			"birth_date":     "1990-06-01",
			"admission_date": "1980-01-01",
		})
		found := false
		for _, issue := range m.Issues {
			if issue.IssueType == "temporal_order" {
				found = true
			}
		}
		assert.True(t, found)
	})
}

func TestAccuracy_TestValues(t *testing.T) {
	s := newScorer(t, Config{})
	m := s.ScoreRecord("run", "r1", "patient", map[string]any{
		"name": "test", "city": "dummy", "street": "Main St",
	})
	assert.InDelta(t, 0.9, m.Accuracy, 1e-9)
}

func TestOutliers(t *testing.T) {
	s := newScorer(t, Config{})

	t.Run("domain outlier", func(t *testing.T) {
		m := s.ScoreRecord("run", "r1", "patient", map[string]any{"heart_rate": 10.0})
		assert.Equal(t, []string{"heart_rate"}, m.OutlierFields)
		assert.InDelta(t, 0.8, m.Outlier, 1e-9)
	})

	t.Run("statistical outlier after distribution update", func(t *testing.T) {
		var batch []map[string]any
		for i := 0; i < 50; i++ {
			batch = append(batch, map[string]any{"lab_value": 100.0 + float64(i%5)})
		}
		s.UpdateDistributions(batch)

		m := s.ScoreRecord("run", "r2", "patient", map[string]any{"lab_value": 500.0})
		assert.Contains(t, m.OutlierFields, "lab_value")

		normal := s.ScoreRecord("run", "r3", "patient", map[string]any{"lab_value": 102.0})
		assert.Empty(t, normal.OutlierFields)
	})
}

func TestDataUsage(t *testing.T) {
	t.Run("scratch fields without tracking", func(t *testing.T) {
		s := newScorer(t, Config{})
		m := s.ScoreRecord("run", "r1", "patient", map[string]any{
			"id": "p-1", "temp_calc": 1.0, "debug_flags": "x",
		})
		assert.Len(t, m.UnusedFields, 2)
		assert.InDelta(t, 0.9, m.DataUsage, 1e-9)
	})

	t.Run("tracked usage weights by importance", func(t *testing.T) {
		s := newScorer(t, Config{
			UsedFields: map[string][]string{"patient": {"name"}},
		})
		m := s.ScoreRecord("run", "r1", "patient", map[string]any{
			"id": "p-1", "name": "Ada", "notes": "hello",
		})
		// id unused at 0.15, notes unused at 0.05.
		assert.InDelta(t, 0.8, m.DataUsage, 1e-9)
	})
}

func TestOverall_WeightedSum(t *testing.T) {
	s := newScorer(t, Config{
		RequiredFields: map[string][]string{"patient": {"id", "name"}},
	})
	m := s.ScoreRecord("run", "r1", "patient", map[string]any{
		"id": "p-1", "email": "bad-email", "age": 200.0,
	})

	weights := DefaultWeights()
	want := m.Completeness*weights[DimCompleteness] +
		m.Consistency*weights[DimConsistency] +
		m.Validity*weights[DimValidity] +
		m.Accuracy*weights[DimAccuracy] +
		m.Outlier*weights[DimOutlier] +
		m.DataUsage*weights[DimDataUsage]
	assert.InDelta(t, want, m.OverallScore, 1e-9)

	for _, score := range []float64{m.Completeness, m.Consistency, m.Validity, m.Accuracy, m.Outlier, m.DataUsage, m.OverallScore} {
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestScoreRecord_IncompletePatient(t *testing.T) {
	// A structurally-weighted patient profile: record shape matters more
	// than value-level plausibility.
	s := newScorer(t, Config{
		Weights: map[string]float64{
			DimCompleteness: 0.30,
			DimConsistency:  0.40,
			DimValidity:     0.10,
			DimAccuracy:     0.10,
			DimOutlier:      0.05,
			DimDataUsage:    0.05,
		},
		RequiredFields: map[string][]string{
			"patient": {"id", "name", "birth_date", "email"},
		},
	})

	m := s.ScoreRecord("run", "p2", "patient", map[string]any{
		"id":         "p2",
		"name":       "",
		"birth_date": nil,
		"email":      "invalid-email",
	})

	assert.Less(t, m.OverallScore, 0.5)
	assert.Contains(t, m.MissingFields, "birth_date")
	assert.Contains(t, m.InvalidFields, "email")

	types := make(map[string]model.Severity, len(m.Issues))
	for _, issue := range m.Issues {
		types[issue.IssueType] = issue.Severity
	}
	assert.Equal(t, model.SeverityHigh, types["missing_field"])
	assert.Contains(t, types, "format_mismatch")
}

func TestScoreBatch_Sampling(t *testing.T) {
	var records []map[string]any
	for i := 0; i < 200; i++ {
		records = append(records, map[string]any{"value": float64(i)})
	}

	t.Run("rate zero excludes every record", func(t *testing.T) {
		s := newScorer(t, Config{SamplingRate: 0})
		metrics := s.ScoreBatch("run", "obs", records)
		require.Len(t, metrics, 200)
		for _, m := range metrics {
			assert.False(t, m.Sampled)
			assert.Equal(t, 1.0, m.OverallScore)
		}
	})

	t.Run("rate one scores every record", func(t *testing.T) {
		s := newScorer(t, Config{SamplingRate: 1})
		metrics := s.ScoreBatch("run", "obs", records)
		require.Len(t, metrics, 200)
		for _, m := range metrics {
			assert.True(t, m.Sampled)
		}
	})

	t.Run("small batches skip sampling", func(t *testing.T) {
		s := newScorer(t, Config{SamplingRate: 0, MinimumBatchSize: 500})
		metrics := s.ScoreBatch("run", "obs", records)
		require.Len(t, metrics, 200)
		for _, m := range metrics {
			assert.True(t, m.Sampled)
		}
	})

	t.Run("partial rate yields placeholders", func(t *testing.T) {
		s := newScorer(t, Config{SamplingRate: 0.5})
		s.rng = rand.New(rand.NewSource(7))
		metrics := s.ScoreBatch("run", "obs", records)
		require.Len(t, metrics, 200)

		sampled := 0
		for _, m := range metrics {
			if m.Sampled {
				sampled++
			} else {
				assert.Equal(t, 1.0, m.OverallScore)
			}
		}
		assert.Greater(t, sampled, 0)
		assert.Less(t, sampled, 200)
	})
}

func TestAggregate(t *testing.T) {
	metrics := []*model.QualityMetric{
		{OverallScore: 0.95, Sampled: true},
		{OverallScore: 0.85, Sampled: true, Issues: []model.QualityIssue{{IssueType: "missing_field", FieldName: "name"}}},
		{OverallScore: 0.75, Sampled: true, Issues: []model.QualityIssue{{IssueType: "missing_field", FieldName: "name"}}},
		{OverallScore: 0.40, Sampled: true},
		{OverallScore: 1.0, Sampled: false},
	}

	r := Aggregate(metrics, 3)
	assert.Equal(t, 5, r.Total)
	assert.Equal(t, 4, r.Sampled)
	assert.Equal(t, 1, r.Excellent)
	assert.Equal(t, 1, r.Good)
	assert.Equal(t, 1, r.Fair)
	assert.Equal(t, 1, r.Poor)
	assert.InDelta(t, 0.40, r.MinOverall, 1e-9)
	assert.InDelta(t, 0.95, r.MaxOverall, 1e-9)
	require.NotEmpty(t, r.TopIssues)
	assert.Equal(t, "missing_field", r.TopIssues[0].IssueType)
	assert.Equal(t, 2, r.TopIssues[0].Count)
	assert.InDelta(t, 100.0, r.TopIssues[0].Percent, 1e-9)
}

func TestDistribution_Welford(t *testing.T) {
	d := &Distribution{}
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		d.Update(x)
	}
	assert.InDelta(t, 5.0, d.Mean, 1e-9)
	assert.InDelta(t, 2.0, d.StdDev(), 1e-9)
	assert.Equal(t, 2.0, d.Min)
	assert.Equal(t, 9.0, d.Max)

	assert.True(t, d.IsOutlier(12))
	assert.False(t, d.IsOutlier(9))
}
