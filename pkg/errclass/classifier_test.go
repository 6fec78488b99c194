// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
)

func jsonError() error {
	var v map[string]any
	return json.Unmarshal([]byte(`{"incomplete"`), &v)
}

func TestClassify_TypeMatches(t *testing.T) {
	c := NewClassifier()

	t.Run("json parse error", func(t *testing.T) {
		err := jsonError()
		require.Error(t, err)

		classified := c.Classify(err, "ingestion", "rec-1", nil)
		assert.Equal(t, CategoryParse, classified.Analysis.Category)
		assert.Equal(t, PatternJSONParse, classified.Analysis.Pattern)
		assert.Equal(t, model.SeverityMedium, classified.Analysis.Severity)
		assert.True(t, classified.Analysis.IsRecoverable)
		assert.Equal(t, confidenceTypeMatch, classified.Analysis.ConfidenceScore)
	})

	t.Run("permission denied", func(t *testing.T) {
		classified := c.Classify(fmt.Errorf("open file: %w", os.ErrPermission), "ingestion", "", nil)
		assert.Equal(t, CategoryPermission, classified.Analysis.Category)
		assert.Equal(t, PatternPermission, classified.Analysis.Pattern)
		assert.Equal(t, model.SeverityHigh, classified.Analysis.Severity)
		assert.False(t, classified.Analysis.IsRecoverable)
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		classified := c.Classify(context.DeadlineExceeded, "embedding", "", nil)
		assert.Equal(t, CategoryNetwork, classified.Analysis.Category)
		assert.Equal(t, PatternTimeout, classified.Analysis.Pattern)
		assert.True(t, classified.Analysis.IsRecoverable)
	})
}

func TestClassify_MessageMatches(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		msg      string
		category Category
		pattern  Pattern
	}{
		{"missing required field: birth_date", CategoryValidation, PatternMissingField},
		{"request failed: rate limit exceeded", CategoryRateLimit, PatternRateLimit},
		{"dial tcp: connection refused", CategoryNetwork, PatternConnRefused},
		{"write /data/out: no space left on device", CategorySystem, PatternDiskFull},
		{"fatal: out of memory", CategorySystem, PatternMemory},
		{"schema validation failed for Patient", CategorySchema, PatternSchemaMismatch},
	}

	for _, tt := range tests {
		t.Run(string(tt.pattern), func(t *testing.T) {
			classified := c.Classify(errors.New(tt.msg), "stage", "", nil)
			assert.Equal(t, tt.category, classified.Analysis.Category)
			assert.Equal(t, tt.pattern, classified.Analysis.Pattern)
			assert.Equal(t, confidenceMessageMatch, classified.Analysis.ConfidenceScore)
		})
	}
}

func TestClassify_Fallback(t *testing.T) {
	c := NewClassifier()
	classified := c.Classify(errors.New("something completely different"), "stage", "", nil)
	assert.Equal(t, CategorySystem, classified.Analysis.Category)
	assert.Equal(t, PatternUnknown, classified.Analysis.Pattern)
	assert.Equal(t, confidenceFallback, classified.Analysis.ConfidenceScore)
}

func TestClassify_ConfidenceBounds(t *testing.T) {
	c := NewClassifier()
	errs := []error{jsonError(), errors.New("timeout"), errors.New("weird")}
	for _, err := range errs {
		classified := c.Classify(err, "s", "", nil)
		assert.GreaterOrEqual(t, classified.Analysis.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, classified.Analysis.ConfidenceScore, 1.0)
	}
}

func TestClassify_SimilarErrorsCount(t *testing.T) {
	c := NewClassifier()
	first := c.Classify(errors.New("operation timed out"), "s", "", nil)
	second := c.Classify(errors.New("another timeout"), "s", "", nil)
	assert.Equal(t, 0, first.Analysis.SimilarErrorsCount)
	assert.Equal(t, 1, second.Analysis.SimilarErrorsCount)
}

func TestClassifiedError_Unwrap(t *testing.T) {
	c := NewClassifier()
	base := os.ErrPermission
	classified := c.Classify(fmt.Errorf("wrapped: %w", base), "s", "", nil)
	assert.True(t, errors.Is(&classified, os.ErrPermission))
}

func TestAggregate(t *testing.T) {
	c := NewClassifier()
	errs := []ClassifiedError{
		c.Classify(jsonError(), "ingestion", "", nil),
		c.Classify(jsonError(), "ingestion", "", nil),
		c.Classify(errors.New("connection refused"), "vectorstore", "", nil),
	}

	stats := Aggregate(errs)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByCategory[CategoryParse])
	assert.Equal(t, 1, stats.ByCategory[CategoryNetwork])
	assert.Equal(t, "ingestion", stats.MostCommonStage)
	assert.Equal(t, 3, stats.Recoverable)
	assert.InDelta(t, (0.9+0.9+0.7)/3, stats.AvgConfidence, 1e-9)
}

func TestAggregate_Empty(t *testing.T) {
	stats := Aggregate(nil)
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, stats.MostCommonStage)
	assert.Zero(t, stats.AvgConfidence)
}
