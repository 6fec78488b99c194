// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import (
	"sort"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Score bucket boundaries for aggregate reporting.
const (
	bucketExcellent = 0.9
	bucketGood      = 0.8
	bucketFair      = 0.7
)

// IssueFrequency is one entry of the top-issue ranking.
type IssueFrequency struct {
	IssueType string  `json:"issue_type"`
	FieldName string  `json:"field_name"`
	Count     int     `json:"count"`
	Percent   float64 `json:"percent"`
}

// Report aggregates a set of scored metrics.
type Report struct {
	Total     int `json:"total"`
	Sampled   int `json:"sampled"`
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`

	AvgOverall float64 `json:"avg_overall"`
	MinOverall float64 `json:"min_overall"`
	MaxOverall float64 `json:"max_overall"`

	TopIssues []IssueFrequency `json:"top_issues,omitempty"`
}

// Aggregate buckets scored metrics and ranks the most common issues.
// Placeholder metrics count toward Total but not the buckets or
// averages.
func Aggregate(metrics []*model.QualityMetric, topN int) *Report {
	r := &Report{Total: len(metrics)}
	if topN <= 0 {
		topN = 5
	}

	type issueKey struct {
		issueType string
		fieldName string
	}
	issueCounts := make(map[issueKey]int)
	totalIssues := 0

	var sum float64
	first := true
	for _, m := range metrics {
		if !m.Sampled {
			continue
		}
		r.Sampled++
		sum += m.OverallScore
		if first || m.OverallScore < r.MinOverall {
			r.MinOverall = m.OverallScore
		}
		if first || m.OverallScore > r.MaxOverall {
			r.MaxOverall = m.OverallScore
		}
		first = false

		switch {
		case m.OverallScore >= bucketExcellent:
			r.Excellent++
		case m.OverallScore >= bucketGood:
			r.Good++
		case m.OverallScore >= bucketFair:
			r.Fair++
		default:
			r.Poor++
		}
		for _, issue := range m.Issues {
			issueCounts[issueKey{issue.IssueType, issue.FieldName}]++
			totalIssues++
		}
	}
	if r.Sampled > 0 {
		r.AvgOverall = sum / float64(r.Sampled)
	}

	for key, count := range issueCounts {
		freq := IssueFrequency{IssueType: key.issueType, FieldName: key.fieldName, Count: count}
		if totalIssues > 0 {
			freq.Percent = float64(count) / float64(totalIssues) * 100
		}
		r.TopIssues = append(r.TopIssues, freq)
	}
	sort.Slice(r.TopIssues, func(i, j int) bool {
		if r.TopIssues[i].Count != r.TopIssues[j].Count {
			return r.TopIssues[i].Count > r.TopIssues[j].Count
		}
		if r.TopIssues[i].IssueType != r.TopIssues[j].IssueType {
			return r.TopIssues[i].IssueType < r.TopIssues[j].IssueType
		}
		return r.TopIssues[i].FieldName < r.TopIssues[j].FieldName
	})
	if len(r.TopIssues) > topN {
		r.TopIssues = r.TopIssues[:topN]
	}
	return r
}
