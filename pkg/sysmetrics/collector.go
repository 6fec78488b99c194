// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sysmetrics collects point-in-time host snapshots: CPU,
// memory, storage, OS, and GPU.
//
// Every sub-collector degrades instead of failing: a host probe error
// yields a zero-valued struct, never an error to the caller. OS details
// are cached after the first probe since they cannot change within a
// run.
package sysmetrics

import (
	"bufio"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CPUMetrics describes the host CPU.
type CPUMetrics struct {
	Model        string  `json:"model"`
	Cores        int     `json:"cores"`
	LoadAverage1 float64 `json:"load_average_1m"`
}

// MemoryMetrics describes host memory in GB.
type MemoryMetrics struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// StorageMetrics describes the filesystem holding the working
// directory.
type StorageMetrics struct {
	TotalGB float64 `json:"total_gb"`
	FreeGB  float64 `json:"free_gb"`
}

// OSMetrics describes the operating system and runtime.
type OSMetrics struct {
	Hostname       string `json:"hostname"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	Arch           string `json:"arch"`
	RuntimeVersion string `json:"runtime_version"`
}

// GPUMetrics describes CUDA availability.
type GPUMetrics struct {
	CUDAAvailable bool   `json:"cuda_available"`
	Model         string `json:"model,omitempty"`
	MemoryTotalMB int64  `json:"memory_total_mb,omitempty"`
}

// Snapshot is one full host sample.
type Snapshot struct {
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Storage   StorageMetrics `json:"storage"`
	OS        OSMetrics      `json:"os"`
	GPU       GPUMetrics     `json:"gpu"`
	Timestamp time.Time      `json:"timestamp"`
}

// Collector produces snapshots and optionally samples in the
// background.
//
// # Thread Safety
//
// Safe for concurrent use; the cached OS probe and the sample history
// are lock-guarded.
type Collector struct {
	logger *slog.Logger

	osOnce   sync.Once
	cachedOS OSMetrics
}

// NewCollector builds a collector. A nil logger discards.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{logger: logger}
}

// Snapshot samples every sub-collector. Probe failures leave the
// corresponding struct zero-valued.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		CPU:       c.collectCPU(),
		Memory:    c.collectMemory(),
		Storage:   c.collectStorage(),
		OS:        c.collectOS(),
		GPU:       c.collectGPU(),
		Timestamp: time.Now().UTC(),
	}
}

func (c *Collector) collectCPU() CPUMetrics {
	m := CPUMetrics{Cores: runtime.NumCPU()}

	if file, err := os.Open("/proc/cpuinfo"); err == nil {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "model name") {
				if _, after, ok := strings.Cut(line, ":"); ok {
					m.Model = strings.TrimSpace(after)
				}
				break
			}
		}
		_ = file.Close()
	}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
				m.LoadAverage1 = v
			}
		}
	}
	return m
}

func (c *Collector) collectMemory() MemoryMetrics {
	var m MemoryMetrics
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		c.logger.Debug("memory probe unavailable", "error", err)
		return m
	}
	defer file.Close()

	values := map[string]float64{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		if kb, err := strconv.ParseFloat(fields[1], 64); err == nil {
			values[key] = kb
		}
	}

	const kbPerGB = 1024 * 1024
	m.TotalGB = values["MemTotal"] / kbPerGB
	m.AvailableGB = values["MemAvailable"] / kbPerGB
	if m.TotalGB > 0 {
		m.UsedPercent = (m.TotalGB - m.AvailableGB) / m.TotalGB * 100
	}
	return m
}

func (c *Collector) collectStorage() StorageMetrics {
	var m StorageMetrics
	wd, err := os.Getwd()
	if err != nil {
		return m
	}
	var fs syscall.Statfs_t
	if err := syscall.Statfs(wd, &fs); err != nil {
		c.logger.Debug("storage probe unavailable", "error", err)
		return m
	}
	const bytesPerGB = 1 << 30
	m.TotalGB = float64(fs.Blocks) * float64(fs.Bsize) / bytesPerGB
	m.FreeGB = float64(fs.Bavail) * float64(fs.Bsize) / bytesPerGB
	return m
}

func (c *Collector) collectOS() OSMetrics {
	c.osOnce.Do(func() {
		m := OSMetrics{
			OS:             runtime.GOOS,
			Arch:           runtime.GOARCH,
			RuntimeVersion: runtime.Version(),
		}
		if hostname, err := os.Hostname(); err == nil {
			m.Hostname = hostname
		}
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
					m.OSVersion = strings.Trim(value, `"`)
					break
				}
			}
		}
		c.cachedOS = m
	})
	return c.cachedOS
}

// collectGPU probes nvidia-smi. A CUDA runtime library probe would go
// first on hosts that ship one; the CLI fallback covers both cases
// here.
func (c *Collector) collectGPU() GPUMetrics {
	var m GPUMetrics
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return m
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return m
	}
	parts := strings.Split(line, ",")
	m.CUDAAvailable = true
	m.Model = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		if mb, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
			m.MemoryTotalMB = mb
		}
	}
	return m
}
