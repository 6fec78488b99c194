// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package errclass

import (
	"sort"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Statistics aggregates a collection of classified errors.
type Statistics struct {
	Total           int                      `json:"total"`
	ByCategory      map[Category]int         `json:"by_category"`
	ByPattern       map[Pattern]int          `json:"by_pattern"`
	BySeverity      map[model.Severity]int   `json:"by_severity"`
	ByStage         map[string]int           `json:"by_stage"`
	MostCommonStage string                   `json:"most_common_stage,omitempty"`
	AvgConfidence   float64                  `json:"avg_confidence"`
	Recoverable     int                      `json:"recoverable"`
}

// Aggregate computes summary statistics for a batch of classified
// errors. An empty input yields a zero-valued Statistics.
func Aggregate(errs []ClassifiedError) Statistics {
	stats := Statistics{
		ByCategory: make(map[Category]int),
		ByPattern:  make(map[Pattern]int),
		BySeverity: make(map[model.Severity]int),
		ByStage:    make(map[string]int),
	}
	if len(errs) == 0 {
		return stats
	}

	var confidenceSum float64
	for _, e := range errs {
		stats.Total++
		stats.ByCategory[e.Analysis.Category]++
		stats.ByPattern[e.Analysis.Pattern]++
		stats.BySeverity[e.Analysis.Severity]++
		if e.StageName != "" {
			stats.ByStage[e.StageName]++
		}
		if e.Analysis.IsRecoverable {
			stats.Recoverable++
		}
		confidenceSum += e.Analysis.ConfidenceScore
	}
	stats.AvgConfidence = confidenceSum / float64(stats.Total)

	// Deterministic tie-break: highest count, then lexicographic.
	stages := make([]string, 0, len(stats.ByStage))
	for stage := range stats.ByStage {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	best := -1
	for _, stage := range stages {
		if stats.ByStage[stage] > best {
			best = stats.ByStage[stage]
			stats.MostCommonStage = stage
		}
	}

	return stats
}
