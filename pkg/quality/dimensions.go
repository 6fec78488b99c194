// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-\.\s\(\)]{6,}$`)
)

// dateLayouts are tried in order when a field name implies a date.
var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

// logicalRanges is the plausibility table for consistency checking.
var logicalRanges = map[string][2]float64{
	"age":                 {0, 150},
	"heart_rate":          {20, 250},
	"temperature_celsius": {30, 45},
	"weight_kg":           {0, 700},
	"height_cm":           {0, 300},
	"respiratory_rate":    {0, 100},
}

// domainPlausibility is the hard-coded outlier table; tighter than the
// logical ranges, which bound what is representable rather than what
// is likely.
var domainPlausibility = map[string][2]float64{
	"age":                 {0, 120},
	"heart_rate":          {30, 220},
	"temperature_celsius": {34, 42},
	"weight_kg":           {0.5, 400},
	"systolic_bp":         {50, 250},
}

// fieldImportance maps field names to the data-usage penalty applied
// when the field goes unconsumed.
var fieldImportance = map[string]float64{
	"id":         0.15,
	"patient_id": 0.15,
	"name":       0.10,
	"date":       0.10,
	"notes":      0.05,
	"comments":   0.05,
}

const defaultUnusedPenalty = 0.05

// isPresent reports whether a value counts toward completeness.
func isPresent(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return !placeholderValues[strings.ToLower(strings.TrimSpace(s))]
	}
	return true
}

// scoreCompleteness weights required-field coverage 0.8 and
// optional-field coverage 0.2.
func (s *Scorer) scoreCompleteness(recordType string, record map[string]any, metric *model.QualityMetric, issues []model.QualityIssue) (float64, []model.QualityIssue) {
	required := s.cfg.RequiredFields[recordType]
	optional := s.cfg.OptionalFields[recordType]

	coverage := func(fields []string, severity model.Severity) float64 {
		if len(fields) == 0 {
			return 1
		}
		present := 0
		for _, field := range fields {
			value, exists := record[field]
			if exists && isPresent(value) {
				present++
				continue
			}
			issueType := "missing_field"
			description := fmt.Sprintf("field %s is missing", field)
			if exists {
				issueType = "placeholder_value"
				description = fmt.Sprintf("field %s holds an empty or placeholder value", field)
			}
			if severity == model.SeverityHigh {
				metric.MissingFields = append(metric.MissingFields, field)
			}
			issues = append(issues, model.QualityIssue{
				Dimension:   DimCompleteness,
				Severity:    severity,
				FieldName:   field,
				IssueType:   issueType,
				Description: description,
			})
		}
		return float64(present) / float64(len(fields))
	}

	requiredCoverage := coverage(required, model.SeverityHigh)
	optionalCoverage := coverage(optional, model.SeverityLow)
	return clamp01(requiredCoverage*0.8 + optionalCoverage*0.2), issues
}

// scoreConsistency runs the four sub-checks: format, logical range,
// cross-field, and temporal order. Score is 1 minus the violation
// share of performed checks.
func (s *Scorer) scoreConsistency(record map[string]any, issues []model.QualityIssue) (float64, []model.QualityIssue) {
	checks, violations := 0, 0

	addIssue := func(field, issueType, description string, severity model.Severity) {
		violations++
		issues = append(issues, model.QualityIssue{
			Dimension:   DimConsistency,
			Severity:    severity,
			FieldName:   field,
			IssueType:   issueType,
			Description: description,
		})
	}

	// Format consistency inferred from field names.
	for field, value := range record {
		str, ok := value.(string)
		if !ok || str == "" {
			continue
		}
		lower := strings.ToLower(field)
		switch {
		case strings.Contains(lower, "email"):
			checks++
			if !emailPattern.MatchString(str) {
				addIssue(field, "format_mismatch", fmt.Sprintf("field %s is not a valid email", field), model.SeverityMedium)
			}
		case strings.Contains(lower, "phone"):
			checks++
			if !phonePattern.MatchString(str) {
				addIssue(field, "format_mismatch", fmt.Sprintf("field %s is not a valid phone number", field), model.SeverityMedium)
			}
		case looksLikeDateField(lower):
			checks++
			if _, ok := parseDate(str); !ok {
				addIssue(field, "format_mismatch", fmt.Sprintf("field %s is not a parseable date", field), model.SeverityMedium)
			}
		}
	}

	// Logical ranges.
	for field, bounds := range logicalRanges {
		x, ok := asNumber(record[field])
		if !ok {
			continue
		}
		checks++
		if x < bounds[0] || x > bounds[1] {
			addIssue(field, "range_violation",
				fmt.Sprintf("field %s=%.1f outside [%.0f, %.0f]", field, x, bounds[0], bounds[1]), model.SeverityMedium)
		}
	}

	// Cross-field: age vs birth_date within one year.
	birthDate, hasBirth := recordDate(record, "birth_date")
	if age, ok := asNumber(record["age"]); ok && hasBirth {
		checks++
		derived := time.Since(birthDate).Hours() / 24 / 365.25
		if math.Abs(derived-age) > 1 {
			addIssue("age", "cross_field_mismatch",
				fmt.Sprintf("age %.0f disagrees with birth_date by more than a year", age), model.SeverityMedium)
		}
	}

	// Cross-field: BMI within one unit of weight/height^2.
	if bmi, ok := asNumber(record["bmi"]); ok {
		weight, wok := asNumber(record["weight_kg"])
		height, hok := asNumber(record["height_cm"])
		if wok && hok && height > 0 {
			checks++
			derived := weight / math.Pow(height/100, 2)
			if math.Abs(derived-bmi) > 1 {
				addIssue("bmi", "cross_field_mismatch",
					fmt.Sprintf("bmi %.1f disagrees with weight/height (derived %.1f)", bmi, derived), model.SeverityMedium)
			}
		}
	}

	// Temporal order: every other date follows birth_date.
	if hasBirth {
		for field, value := range record {
			if field == "birth_date" {
				continue
			}
			str, ok := value.(string)
			if !ok || !looksLikeDateField(strings.ToLower(field)) {
				continue
			}
			date, ok := parseDate(str)
			if !ok {
				continue
			}
			checks++
			if date.Before(birthDate) {
				addIssue(field, "temporal_order",
					fmt.Sprintf("field %s precedes birth_date", field), model.SeverityHigh)
			}
		}
	}

	if checks == 0 {
		return 1, issues
	}
	return clamp01(1 - float64(violations)/float64(checks)), issues
}

// scoreValidity derives from the format mismatches found by
// consistency: one tenth off per mismatch.
func (s *Scorer) scoreValidity(issues []model.QualityIssue, metric *model.QualityMetric) (float64, []model.QualityIssue) {
	count := 0
	for _, issue := range issues {
		if issue.IssueType == "format_mismatch" {
			count++
			metric.InvalidFields = append(metric.InvalidFields, issue.FieldName)
		}
	}
	return clamp01(1 - 0.1*float64(count)), issues
}

// scoreAccuracy penalizes known test and placeholder values.
func (s *Scorer) scoreAccuracy(record map[string]any, metric *model.QualityMetric, issues []model.QualityIssue) (float64, []model.QualityIssue) {
	offenders := 0
	for field, value := range record {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if testValues[strings.ToLower(strings.TrimSpace(str))] {
			offenders++
			issues = append(issues, model.QualityIssue{
				Dimension:   DimAccuracy,
				Severity:    model.SeverityLow,
				FieldName:   field,
				IssueType:   "test_value",
				Description: fmt.Sprintf("field %s holds test value %q", field, str),
			})
		}
	}
	return clamp01(1 - 0.05*float64(offenders)), issues
}

// scoreOutliers combines the running statistical distributions with the
// domain plausibility table. Each outlier field costs 0.2.
func (s *Scorer) scoreOutliers(record map[string]any, metric *model.QualityMetric, issues []model.QualityIssue) (float64, []model.QualityIssue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for field, value := range record {
		x, ok := asNumber(value)
		if !ok {
			continue
		}
		statistical := false
		if d, ok := s.distributions[field]; ok {
			statistical = d.IsOutlier(x)
		}
		domain := false
		if bounds, ok := domainPlausibility[field]; ok {
			domain = x < bounds[0] || x > bounds[1]
		}
		if !statistical && !domain {
			continue
		}
		metric.OutlierFields = append(metric.OutlierFields, field)
		kind := "domain_outlier"
		if statistical {
			kind = "statistical_outlier"
		}
		issues = append(issues, model.QualityIssue{
			Dimension:   DimOutlier,
			Severity:    model.SeverityMedium,
			FieldName:   field,
			IssueType:   kind,
			Description: fmt.Sprintf("field %s=%.2f flagged as %s", field, x, kind),
		})
	}
	return clamp01(1 - 0.2*float64(len(metric.OutlierFields))), issues
}

// scoreDataUsage penalizes fields no downstream stage consumes. With no
// usage tracking, only temp_*/debug_* fields are assumed redundant.
func (s *Scorer) scoreDataUsage(recordType string, record map[string]any, metric *model.QualityMetric, issues []model.QualityIssue) (float64, []model.QualityIssue) {
	var penalty float64

	flag := func(field string, p float64, description string) {
		penalty += p
		metric.UnusedFields = append(metric.UnusedFields, field)
		issues = append(issues, model.QualityIssue{
			Dimension:    DimDataUsage,
			Severity:     model.SeverityLow,
			FieldName:    field,
			IssueType:    "unused_field",
			Description:  description,
			SuggestedFix: fmt.Sprintf("drop %s from the ingest payload", field),
		})
	}

	used, tracked := s.cfg.UsedFields[recordType]
	if tracked {
		usedSet := make(map[string]bool, len(used))
		for _, field := range used {
			usedSet[field] = true
		}
		for field := range record {
			if usedSet[field] {
				continue
			}
			p, ok := fieldImportance[field]
			if !ok {
				p = defaultUnusedPenalty
			}
			flag(field, p, fmt.Sprintf("field %s is never consumed downstream", field))
		}
	} else {
		for field := range record {
			if strings.HasPrefix(field, "temp_") || strings.HasPrefix(field, "debug_") {
				flag(field, defaultUnusedPenalty, fmt.Sprintf("field %s looks like leftover scratch data", field))
			}
		}
	}
	return clamp01(1 - penalty), issues
}

func looksLikeDateField(lower string) bool {
	return strings.Contains(lower, "date") || strings.HasSuffix(lower, "_at") || strings.Contains(lower, "birth")
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func recordDate(record map[string]any, field string) (time.Time, bool) {
	str, ok := record[field].(string)
	if !ok {
		return time.Time{}, false
	}
	return parseDate(str)
}
