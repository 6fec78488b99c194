// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sysmetrics

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_NeverErrors(t *testing.T) {
	c := NewCollector(nil)
	s := c.Snapshot()

	assert.False(t, s.Timestamp.IsZero())
	assert.Equal(t, runtime.NumCPU(), s.CPU.Cores)
	assert.Equal(t, runtime.GOOS, s.OS.OS)
	assert.Equal(t, runtime.Version(), s.OS.RuntimeVersion)
	assert.NotEmpty(t, s.OS.Hostname)
}

func TestOSMetricsCached(t *testing.T) {
	c := NewCollector(nil)
	first := c.collectOS()
	second := c.collectOS()
	assert.Equal(t, first, second)
}

func TestToModel(t *testing.T) {
	s := Snapshot{
		CPU:    CPUMetrics{Model: "test-cpu", Cores: 8, LoadAverage1: 0.5},
		Memory: MemoryMetrics{TotalGB: 16},
		OS:     OSMetrics{Hostname: "host-1", OS: "linux"},
		GPU:    GPUMetrics{CUDAAvailable: true, Model: "test-gpu"},
	}
	m := ToModel("run-1", s)
	assert.Equal(t, "run-1", m.PipelineRunID)
	assert.Equal(t, "test-cpu", m.CPUModel)
	assert.Equal(t, 8, m.CPUCores)
	assert.True(t, m.GPUAvailable)
	assert.Equal(t, 0.5, m.AdditionalInfo["load_average_1m"])
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(NewCollector(nil), time.Second, nil)
	m.Start()

	// The sampler takes one snapshot immediately.
	require.Eventually(t, func() bool {
		return len(m.History()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	after := len(m.History())

	// No samples arrive after Stop returns.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, len(m.History()))
}

func TestMonitor_DoubleStartIsNoOp(t *testing.T) {
	m := NewMonitor(NewCollector(nil), time.Second, nil)
	m.Start()
	m.Start()
	m.Stop()

	t.Run("stop after stop is safe", func(t *testing.T) {
		m.Stop()
	})
}

func TestMonitor_HistoryBounded(t *testing.T) {
	m := NewMonitor(NewCollector(nil), time.Second, nil)
	for i := 0; i < historyCap+25; i++ {
		m.append(Snapshot{Timestamp: time.Now()})
	}
	assert.Len(t, m.History(), historyCap)
}
