// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package errclass classifies pipeline errors into a fixed taxonomy of
// categories and patterns with severity, recoverability, and a
// confidence score.
//
// Classification runs three rules in priority order:
//
//  1. Exact error-type match (json.SyntaxError, os.ErrPermission,
//     context.DeadlineExceeded, net timeouts, ENOMEM/ENOSPC).
//  2. Message pattern match against a fixed regex table.
//  3. Fallback to (SYSTEM_ERROR, UNKNOWN_ERROR).
//
// Type matches carry higher confidence than message matches, which in
// turn beat the fallback.
package errclass

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"regexp"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Category is the coarse error class used throughout the pipeline.
type Category string

const (
	CategoryValidation     Category = "VALIDATION_ERROR"
	CategoryParse          Category = "PARSE_ERROR"
	CategorySchema         Category = "SCHEMA_ERROR"
	CategoryPermission     Category = "PERMISSION_ERROR"
	CategoryAuthentication Category = "AUTHENTICATION_ERROR"
	CategoryNetwork        Category = "NETWORK_ERROR"
	CategoryTimeout        Category = "TIMEOUT_ERROR"
	CategoryRateLimit      Category = "RATE_LIMIT_ERROR"
	CategorySystem         Category = "SYSTEM_ERROR"
	CategoryConfiguration  Category = "CONFIGURATION_ERROR"
	CategoryDatabase       Category = "DATABASE_ERROR"
)

// Pattern is the fine-grained error pattern within a category.
type Pattern string

const (
	PatternJSONParse      Pattern = "JSON_PARSE_ERROR"
	PatternMemory         Pattern = "MEMORY_ERROR"
	PatternDiskFull       Pattern = "DISK_FULL"
	PatternPermission     Pattern = "PERMISSION_DENIED"
	PatternAuthentication Pattern = "AUTHENTICATION_FAILURE"
	PatternMissingField   Pattern = "MISSING_REQUIRED_FIELD"
	PatternInvalidFormat  Pattern = "INVALID_FORMAT"
	PatternTimeout        Pattern = "TIMEOUT"
	PatternConnRefused    Pattern = "CONNECTION_REFUSED"
	PatternRateLimit      Pattern = "RATE_LIMIT_EXCEEDED"
	PatternDBConnection   Pattern = "DATABASE_CONNECTION"
	PatternDBTransaction  Pattern = "DATABASE_TRANSACTION"
	PatternSchemaMismatch Pattern = "SCHEMA_MISMATCH"
	PatternUnknown        Pattern = "UNKNOWN_ERROR"
)

// Confidence levels by rule tier.
const (
	confidenceTypeMatch    = 0.9
	confidenceMessageMatch = 0.7
	confidenceFallback     = 0.3
)

// Analysis is the classifier's verdict on a single error.
type Analysis struct {
	Category           Category       `json:"category"`
	Pattern            Pattern        `json:"pattern"`
	Severity           model.Severity `json:"severity"`
	Description        string         `json:"description"`
	RootCause          string         `json:"root_cause,omitempty"`
	Recommendations    []string       `json:"recommendations,omitempty"`
	TechnicalDetails   string         `json:"technical_details,omitempty"`
	SimilarErrorsCount int            `json:"similar_errors_count"`
	IsRecoverable      bool           `json:"is_recoverable"`
	ConfidenceScore    float64        `json:"confidence_score"`
}

// ClassifiedError pairs the original error with its analysis and
// processing context.
type ClassifiedError struct {
	Original  error          `json:"-"`
	Analysis  Analysis       `json:"analysis"`
	StageName string         `json:"stage_name"`
	RecordID  string         `json:"record_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Original == nil {
		return string(e.Analysis.Pattern)
	}
	return e.Original.Error()
}

// Unwrap exposes the original error to errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error { return e.Original }

// messageRule maps a message regex to a classification.
type messageRule struct {
	re       *regexp.Regexp
	category Category
	pattern  Pattern
}

// Message rules are checked in order; first match wins.
var messageRules = []messageRule{
	{regexp.MustCompile(`(?i)missing required field`), CategoryValidation, PatternMissingField},
	{regexp.MustCompile(`(?i)unexpected end of (json|input)|invalid character .* looking for`), CategoryParse, PatternJSONParse},
	{regexp.MustCompile(`(?i)out of memory|cannot allocate memory`), CategorySystem, PatternMemory},
	{regexp.MustCompile(`(?i)no space left|disk (is )?full`), CategorySystem, PatternDiskFull},
	{regexp.MustCompile(`(?i)permission denied|access (is )?denied`), CategoryPermission, PatternPermission},
	{regexp.MustCompile(`(?i)unauthorized|authentication fail|invalid credentials`), CategoryAuthentication, PatternAuthentication},
	{regexp.MustCompile(`(?i)rate limit`), CategoryRateLimit, PatternRateLimit},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), CategoryNetwork, PatternTimeout},
	{regexp.MustCompile(`(?i)connection refused|connection reset|no such host`), CategoryNetwork, PatternConnRefused},
	{regexp.MustCompile(`(?i)transaction (aborted|rolled back)`), CategoryDatabase, PatternDBTransaction},
	{regexp.MustCompile(`(?i)schema (mismatch|validation)`), CategorySchema, PatternSchemaMismatch},
	{regexp.MustCompile(`(?i)invalid .*(format|value)|malformed`), CategoryValidation, PatternInvalidFormat},
}

// severityEntry fixes severity and recoverability per pattern.
type severityEntry struct {
	severity    model.Severity
	recoverable bool
}

var severityTable = map[Pattern]severityEntry{
	PatternMemory:         {model.SeverityCritical, false},
	PatternDiskFull:       {model.SeverityCritical, false},
	PatternPermission:     {model.SeverityHigh, false},
	PatternAuthentication: {model.SeverityHigh, false},
	PatternJSONParse:      {model.SeverityMedium, true},
	PatternMissingField:   {model.SeverityMedium, true},
	PatternInvalidFormat:  {model.SeverityMedium, true},
	PatternSchemaMismatch: {model.SeverityMedium, true},
	PatternTimeout:        {model.SeverityMedium, true},
	PatternConnRefused:    {model.SeverityMedium, true},
	PatternRateLimit:      {model.SeverityMedium, true},
	PatternDBConnection:   {model.SeverityHigh, true},
	PatternDBTransaction:  {model.SeverityMedium, true},
	PatternUnknown:        {model.SeverityMedium, false},
}

var recommendationTable = map[Pattern][]string{
	PatternJSONParse:    {"Validate the payload against its schema before ingestion", "Check for truncated files in the watch directory"},
	PatternMissingField: {"Review the source extract for dropped columns", "Relax the required-field map if the field is genuinely optional"},
	PatternMemory:       {"Reduce queue capacity or batch size", "Increase process memory limits"},
	PatternDiskFull:     {"Free space on the storage volume", "Lower days_to_keep and run cleanup"},
	PatternPermission:   {"Check filesystem and database grants for the pipeline user"},
	PatternTimeout:      {"Retry the operation", "Raise the stage timeout or check downstream service health"},
	PatternConnRefused:  {"Verify the target host and port", "Check that the service is running"},
	PatternRateLimit:    {"Back off and retry", "Lower the embedding batch concurrency"},
}

// Classifier maps errors to classifications and tracks how often each
// pattern has been seen.
//
// # Thread Safety
//
// Safe for concurrent use; the seen-counter map is mutex-guarded.
type Classifier struct {
	mu   sync.Mutex
	seen map[Pattern]int

	// CaptureStacks controls whether Classify records a goroutine
	// stack trace. On by default; disable in hot paths.
	CaptureStacks bool
}

// NewClassifier creates a Classifier with stack capture enabled.
func NewClassifier() *Classifier {
	return &Classifier{seen: make(map[Pattern]int), CaptureStacks: true}
}

// Classify analyzes err in the context of a stage and record.
//
// # Inputs
//
//   - err: The error to classify. Must not be nil.
//   - stageName: Stage where the error occurred.
//   - recordID: Optional record identifier.
//   - ctx: Optional free-form context attached to the result.
//
// # Outputs
//
//   - ClassifiedError: The error with its analysis. ConfidenceScore is
//     always in [0, 1].
func (c *Classifier) Classify(err error, stageName, recordID string, ctx map[string]any) ClassifiedError {
	category, pattern, confidence := classifyError(err)

	entry, ok := severityTable[pattern]
	if !ok {
		entry = severityEntry{model.SeverityMedium, false}
	}

	c.mu.Lock()
	c.seen[pattern]++
	similar := c.seen[pattern] - 1
	c.mu.Unlock()

	analysis := Analysis{
		Category:           category,
		Pattern:            pattern,
		Severity:           entry.severity,
		Description:        describe(category, pattern),
		Recommendations:    recommendationTable[pattern],
		TechnicalDetails:   err.Error(),
		SimilarErrorsCount: similar,
		IsRecoverable:      entry.recoverable,
		ConfidenceScore:    confidence,
	}

	var stack string
	if c.CaptureStacks {
		buf := make([]byte, 4096)
		stack = string(buf[:runtime.Stack(buf, false)])
	}

	return ClassifiedError{
		Original:  err,
		Analysis:  analysis,
		StageName: stageName,
		RecordID:  recordID,
		Context:   ctx,
		Stack:     stack,
		Timestamp: time.Now().UTC(),
	}
}

// classifyError applies the three rule tiers.
func classifyError(err error) (Category, Pattern, float64) {
	// Tier 1: exact type matches.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var netErr net.Error
	var pathErr *fs.PathError

	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return CategoryParse, PatternJSONParse, confidenceTypeMatch
	case errors.Is(err, syscall.ENOMEM):
		return CategorySystem, PatternMemory, confidenceTypeMatch
	case errors.Is(err, syscall.ENOSPC):
		return CategorySystem, PatternDiskFull, confidenceTypeMatch
	case errors.Is(err, os.ErrPermission):
		return CategoryPermission, PatternPermission, confidenceTypeMatch
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork, PatternTimeout, confidenceTypeMatch
	case errors.Is(err, sql.ErrConnDone):
		return CategoryDatabase, PatternDBConnection, confidenceTypeMatch
	case errors.Is(err, sql.ErrTxDone):
		return CategoryDatabase, PatternDBTransaction, confidenceTypeMatch
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return CategoryNetwork, PatternTimeout, confidenceTypeMatch
		}
		return CategoryNetwork, PatternConnRefused, confidenceTypeMatch
	case errors.As(err, &pathErr):
		if errors.Is(pathErr, os.ErrPermission) {
			return CategoryPermission, PatternPermission, confidenceTypeMatch
		}
	}

	// Tier 2: message patterns.
	msg := err.Error()
	for _, rule := range messageRules {
		if rule.re.MatchString(msg) {
			return rule.category, rule.pattern, confidenceMessageMatch
		}
	}

	// Tier 3: fallback.
	return CategorySystem, PatternUnknown, confidenceFallback
}

func describe(category Category, pattern Pattern) string {
	switch pattern {
	case PatternJSONParse:
		return "Payload is not valid JSON"
	case PatternMemory:
		return "Process ran out of memory"
	case PatternDiskFull:
		return "Storage volume is full"
	case PatternPermission:
		return "Operation denied by filesystem or database permissions"
	case PatternAuthentication:
		return "Credentials were rejected"
	case PatternMissingField:
		return "A required field is absent from the record"
	case PatternInvalidFormat:
		return "A field value does not match its expected format"
	case PatternTimeout:
		return "Operation exceeded its deadline"
	case PatternConnRefused:
		return "Remote endpoint refused or dropped the connection"
	case PatternRateLimit:
		return "Downstream service is rate limiting requests"
	case PatternDBConnection:
		return "Database connection was lost"
	case PatternDBTransaction:
		return "Database transaction could not complete"
	case PatternSchemaMismatch:
		return "Record does not conform to the expected schema"
	default:
		return "Unclassified " + string(category)
	}
}
