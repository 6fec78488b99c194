// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package perf

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepMetrics_Rates(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)
	tr.StartStep("ingestion", nil)
	tr.AddStepCounts("ingestion", 100, 5000, 95, 5)
	time.Sleep(5 * time.Millisecond)

	step := tr.FinishStep("ingestion")
	require.NotNil(t, step)
	assert.Positive(t, step.DurationMS)
	assert.Positive(t, step.RecordsPerSecond)
	assert.Positive(t, step.BytesPerSecond)
	assert.InDelta(t, 0.05, step.FailureRate(), 1e-9)
}

func TestFinishUnknownStep(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)
	assert.Nil(t, tr.FinishStep("never-started"))
}

func TestStepHistoryBounded(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)
	for i := 0; i < stepHistoryCap+10; i++ {
		name := fmt.Sprintf("step-%d", i)
		tr.StartStep(name, nil)
		tr.FinishStep(name)
	}
	m := tr.Finish()
	assert.Len(t, m.Steps, stepHistoryCap)
	// Oldest steps were evicted.
	assert.Equal(t, "step-10", m.Steps[0].StepName)
}

func TestBottleneck_FailureRate(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)
	tr.StartStep("embedding", nil)
	tr.AddStepCounts("embedding", 10, 0, 8, 2)
	tr.FinishStep("embedding")

	m := tr.Finish()
	assert.Contains(t, m.Bottlenecks, "embedding")

	analysis := tr.Analyze()
	require.Len(t, analysis.HighFailureSteps, 1)
	assert.Equal(t, "embedding", analysis.HighFailureSteps[0].StepName)
	assert.Contains(t, analysis.Recommendations[len(analysis.Recommendations)-1], "20% of its records")
}

func TestBottleneck_DurationShare(t *testing.T) {
	steps := []StepMetrics{
		{StepName: "slow", DurationMS: 700, RecordsProcessed: 10, SuccessCount: 10},
		{StepName: "fast", DurationMS: 100, RecordsProcessed: 10, SuccessCount: 10},
		{StepName: "faster", DurationMS: 50, RecordsProcessed: 10, SuccessCount: 10},
	}

	t.Run("dominant share flags", func(t *testing.T) {
		assert.True(t, isBottleneck(steps[0], steps, 1000))
	})
	t.Run("small share does not flag", func(t *testing.T) {
		assert.False(t, isBottleneck(steps[1], steps, 1000))
	})
	t.Run("significant share above twice average flags", func(t *testing.T) {
		// share 35%, avg 283ms, 2*avg = 567ms < 3500ms.
		wide := []StepMetrics{
			{StepName: "mid", DurationMS: 3500, RecordsProcessed: 10, SuccessCount: 10},
			{StepName: "a", DurationMS: 100},
			{StepName: "b", DurationMS: 100},
		}
		assert.True(t, isBottleneck(wide[0], wide, 10000))
	})
}

func TestConcurrentSteps(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("worker-%d", n)
			tr.StartStep(name, nil)
			tr.AddStepCounts(name, 10, 0, 10, 0)
			step := tr.FinishStep(name)
			assert.NotNil(t, step)
			assert.Equal(t, int64(10), step.RecordsProcessed)
		}(i)
	}
	wg.Wait()

	m := tr.Finish()
	assert.Len(t, m.Steps, 8)
}

func TestAnalyze_NoBottlenecks(t *testing.T) {
	tr := NewTracker("run-1", nil, nil)
	tr.StartStep("a", nil)
	tr.AddStepCounts("a", 10, 0, 10, 0)
	tr.FinishStep("a")

	// A long wall clock keeps every step share small.
	tr.startTime = time.Now().Add(-time.Hour)
	analysis := tr.Analyze()
	assert.Equal(t, []string{"no bottlenecks detected"}, analysis.Recommendations)
}
