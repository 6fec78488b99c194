// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sysmetrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

// historyCap bounds the sampler's history (FIFO eviction).
const historyCap = 1000

// Monitor samples snapshots at a fixed interval on its own goroutine.
//
// Start is reentrant: a second Start while running is a no-op with a
// warning. Stop joins the sampler goroutine before returning.
type Monitor struct {
	collector *Collector
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	history []Snapshot
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor wraps a collector. Intervals under one second are raised
// to one second.
func NewMonitor(collector *Collector, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval < time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{collector: collector, interval: interval, logger: logger}
}

// Start launches the sampler goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("system metrics monitor already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop signals the sampler and waits for it to exit. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.append(m.collector.Snapshot())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.append(m.collector.Snapshot())
		}
	}
}

func (m *Monitor) append(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
}

// History returns a copy of the sample history, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.history...)
}

// ToModel converts a snapshot into the persisted SystemMetric shape.
func ToModel(runID string, s Snapshot) *model.SystemMetric {
	return &model.SystemMetric{
		PipelineRunID:  runID,
		Hostname:       s.OS.Hostname,
		OS:             s.OS.OS,
		OSVersion:      s.OS.OSVersion,
		RuntimeVersion: s.OS.RuntimeVersion,
		CPUModel:       s.CPU.Model,
		CPUCores:       s.CPU.Cores,
		MemoryTotalGB:  s.Memory.TotalGB,
		GPUAvailable:   s.GPU.CUDAAvailable,
		GPUModel:       s.GPU.Model,
		AdditionalInfo: map[string]any{
			"load_average_1m":     s.CPU.LoadAverage1,
			"memory_used_percent": s.Memory.UsedPercent,
			"storage_free_gb":     s.Storage.FreeGB,
		},
		Timestamp: s.Timestamp,
	}
}
