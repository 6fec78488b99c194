// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
)

// deidRule pairs an identifier pattern with its typed placeholder.
type deidRule struct {
	name        string
	pattern     *regexp.Regexp
	placeholder string
}

// deidRules covers the structured identifiers a regex pass can catch.
// Free-text names need NER and are out of scope here.
var deidRules = []deidRule{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{"mrn", regexp.MustCompile(`\b(?i:MRN)[:\s#]*\d{5,12}\b`), "[MRN]"},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{"phone", regexp.MustCompile(`(?:\+?1[\s\-.]?)?\(?\d{3}\)?[\s\-.]\d{3}[\s\-.]\d{4}\b`), "[PHONE]"},
}

// protectedFields are scrubbed in the structured view as well as the
// narrative.
var protectedFields = map[string]bool{
	"ssn":    true,
	"mrn":    true,
	"email":  true,
	"phone":  true,
	"mobile": true,
}

// DeidStage replaces structured identifiers with typed placeholders.
type DeidStage struct {
	logger *slog.Logger
}

// NewDeidStage builds the scrubber stage.
func NewDeidStage(logger *slog.Logger) *DeidStage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeidStage{logger: logger.With("stage", pipeline.StageDeid)}
}

func (s *DeidStage) Name() string { return pipeline.StageDeid }

// Execute scrubs the document narrative and the protected structured
// fields, recording per-rule replacement counts on the document.
func (s *DeidStage) Execute(_ context.Context, pc *pipeline.Context, item *pipeline.Item) (*pipeline.Item, error) {
	if item.Document == nil {
		return nil, fmt.Errorf("deid: item %s carries no document", item.ID)
	}

	counts := make(map[string]int, len(deidRules))
	item.Document.Text = scrub(item.Document.Text, counts)

	for field, value := range item.Document.Fields {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if protectedFields[field] {
			item.Document.Fields[field] = "[" + field + "]"
			counts[field]++
			continue
		}
		item.Document.Fields[field] = scrub(str, counts)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		if item.Document.Fields == nil {
			item.Document.Fields = make(map[string]any)
		}
		item.Document.Fields["deid_replacements"] = float64(total)
		s.logger.Debug("scrubbed identifiers", "record_id", item.ID, "replacements", total)
		if audit := pc.Audit(); audit != nil {
			audit.LogRecordProcessed(pipeline.StageDeid, item.ID, model.RecordStatusSuccess)
		}
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageDeid, 1, item.Document.SizeBytes, 1, 0)
	}
	return item, nil
}

// Scrub applies every deid rule to text.
func Scrub(text string) string {
	return scrub(text, nil)
}

func scrub(text string, counts map[string]int) string {
	for _, rule := range deidRules {
		if counts == nil {
			text = rule.pattern.ReplaceAllString(text, rule.placeholder)
			continue
		}
		text = rule.pattern.ReplaceAllStringFunc(text, func(string) string {
			counts[rule.name]++
			return rule.placeholder
		})
	}
	return text
}
