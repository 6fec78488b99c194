// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stages ships the built-in pipeline stage implementations:
// ingestion (source), deid, chunking, embedding, and vectorstore.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/meridian/pkg/errclass"
	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/quality"
	"github.com/meridianhealth/meridian/pkg/tracking"
	"github.com/meridianhealth/meridian/pkg/watcher"
	"github.com/meridianhealth/meridian/pkg/x12"
)

// IngestionConfig wires the source stage.
type IngestionConfig struct {
	// Watcher supplies raw payloads. Required.
	Watcher *watcher.Watcher

	// Dispatcher parses X12 payloads. Nil gets the default registry.
	Dispatcher *x12.Dispatcher

	// Scorer, when set, scores each parsed record's quality.
	Scorer *quality.Scorer

	Logger *slog.Logger
}

// IngestionStage is the pipeline source: it reads payloads from the
// watcher, detects the wire format, normalizes each payload into a
// ClinicalDocument, and records the attempt.
type IngestionStage struct {
	cfg        IngestionConfig
	classifier *errclass.Classifier
	logger     *slog.Logger
}

// NewIngestionStage builds the source stage.
func NewIngestionStage(cfg IngestionConfig) (*IngestionStage, error) {
	if cfg.Watcher == nil {
		return nil, fmt.Errorf("stages: ingestion requires a watcher")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = x12.NewDispatcher(nil, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &IngestionStage{
		cfg:        cfg,
		classifier: errclass.NewClassifier(),
		logger:     cfg.Logger.With("stage", pipeline.StageIngestion),
	}, nil
}

func (s *IngestionStage) Name() string { return pipeline.StageIngestion }

// Produce drives the watcher and emits one item per successfully
// parsed payload. Parse failures are classified, persisted with their
// original payload for replay, and counted against the run.
func (s *IngestionStage) Produce(ctx context.Context, pc *pipeline.Context, emit func(context.Context, *pipeline.Item) error) error {
	tracker := pc.Tracker(pipeline.StageIngestion)
	if tracker != nil {
		tracker.StartBatch("", map[string]any{"source": "file_watcher"})
		defer tracker.FinishBatch()
	}

	_, err := s.cfg.Watcher.Run(ctx, func(emitCtx context.Context, payload model.RawPayload) error {
		return s.ingestOne(emitCtx, pc, tracker, payload, emit)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ingestion source: %w", err)
	}
	return nil
}

func (s *IngestionStage) ingestOne(ctx context.Context, pc *pipeline.Context, tracker *tracking.StageTracker, payload model.RawPayload, emit func(context.Context, *pipeline.Item) error) error {
	started := time.Now()

	doc, err := s.Parse(payload)
	elapsedMS := float64(time.Since(started).Microseconds()) / 1000

	if err != nil {
		s.recordFailure(ctx, pc, tracker, payload, err, elapsedMS)
		// A bad payload never stops the source.
		return nil
	}

	item := &pipeline.Item{ID: doc.ID, Raw: &payload, Document: doc}
	if err := emit(ctx, item); err != nil {
		return err
	}

	s.recordSuccess(ctx, pc, tracker, payload, doc, elapsedMS)
	s.scoreQuality(ctx, pc, doc)
	return nil
}

// Parse normalizes one payload by detected format.
func (s *IngestionStage) Parse(payload model.RawPayload) (*model.ClinicalDocument, error) {
	doc := &model.ClinicalDocument{
		ID:         uuid.NewString(),
		SourcePath: payload.Path,
		SizeBytes:  payload.SizeBytes,
		IngestedAt: time.Now().UTC(),
	}

	switch DetectFormat(payload.Data) {
	case model.FormatX12:
		return s.parseX12(payload, doc)
	case model.FormatHL7:
		return s.parseHL7(payload, doc)
	default:
		return s.parseJSON(payload, doc)
	}
}

// DetectFormat sniffs the payload prefix: ISA opens an X12 interchange
// and MSH| an HL7v2 message; everything else is treated as JSON/FHIR.
func DetectFormat(data string) model.SourceFormat {
	trimmed := strings.TrimSpace(data)
	switch {
	case strings.HasPrefix(trimmed, "ISA"):
		return model.FormatX12
	case strings.HasPrefix(trimmed, "MSH|"):
		return model.FormatHL7
	default:
		return model.FormatFHIR
	}
}

func (s *IngestionStage) parseX12(payload model.RawPayload, doc *model.ClinicalDocument) (*model.ClinicalDocument, error) {
	content := s.cfg.Dispatcher.Dispatch(payload.Data)
	if content.TransactionType == x12.TransactionError {
		return nil, fmt.Errorf("x12 interchange unparseable: no recognizable segments in %s", payload.Path)
	}

	doc.Format = model.FormatX12
	doc.RecordType = "x12_" + strings.ToLower(content.TransactionType)
	doc.Operational = content
	doc.Fields = map[string]any{
		"transaction_type": content.TransactionType,
		"segment_count":    float64(content.SegmentCount),
		"claim_count":      float64(len(content.Claims)),
	}

	var text strings.Builder
	for _, claim := range content.Claims {
		fmt.Fprintf(&text, "Claim %s (%s): charged %.2f, paid %.2f.\n",
			claim.ClaimID, claim.ClaimStatus, claim.TotalChargeAmount, claim.TotalPaymentAmount)
	}
	doc.Text = text.String()
	return doc, nil
}

func (s *IngestionStage) parseHL7(payload model.RawPayload, doc *model.ClinicalDocument) (*model.ClinicalDocument, error) {
	segments := strings.FieldsFunc(payload.Data, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(segments) == 0 {
		return nil, fmt.Errorf("hl7 message empty: %s", payload.Path)
	}

	msh := strings.Split(segments[0], "|")
	doc.Format = model.FormatHL7
	doc.RecordType = "hl7_message"
	doc.Fields = map[string]any{"segment_count": float64(len(segments))}
	// MSH-9 is the message type (e.g. ADT^A01).
	if len(msh) > 8 && msh[8] != "" {
		doc.Fields["message_type"] = msh[8]
		doc.RecordType = "hl7_" + strings.ToLower(strings.ReplaceAll(msh[8], "^", "_"))
	}
	doc.Text = payload.Data
	return doc, nil
}

func (s *IngestionStage) parseJSON(payload model.RawPayload, doc *model.ClinicalDocument) (*model.ClinicalDocument, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload.Data), &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", payload.Path, err)
	}

	doc.Format = model.FormatFHIR
	doc.RecordType = "record"
	if rt, ok := parsed["resourceType"].(string); ok && rt != "" {
		doc.RecordType = strings.ToLower(rt)
	} else if rt, ok := parsed["record_type"].(string); ok && rt != "" {
		doc.RecordType = rt
	}
	if id, ok := parsed["id"].(string); ok && id != "" {
		doc.ID = id
	}

	doc.Fields = flattenScalars(parsed)
	doc.Text = narrativeText(parsed, payload.Data)
	return doc, nil
}

// flattenScalars keeps top-level scalar fields for quality scoring.
func flattenScalars(parsed map[string]any) map[string]any {
	fields := make(map[string]any, len(parsed))
	for key, value := range parsed {
		switch value.(type) {
		case string, float64, bool, nil:
			fields[key] = value
		}
	}
	return fields
}

// narrativeText prefers an explicit narrative field over the raw
// payload.
func narrativeText(parsed map[string]any, raw string) string {
	for _, key := range []string{"text", "narrative", "notes", "description"} {
		if s, ok := parsed[key].(string); ok && s != "" {
			return s
		}
		if m, ok := parsed[key].(map[string]any); ok {
			if div, ok := m["div"].(string); ok && div != "" {
				return div
			}
		}
	}
	return raw
}

func (s *IngestionStage) recordSuccess(ctx context.Context, pc *pipeline.Context, tracker *tracking.StageTracker, payload model.RawPayload, doc *model.ClinicalDocument, elapsedMS float64) {
	if tracker != nil {
		tracker.RecordSuccess(doc.ID,
			tracking.WithProcessingTime(elapsedMS),
			tracking.WithBytes(payload.SizeBytes))
	}
	if audit := pc.Audit(); audit != nil {
		audit.LogRecordProcessed(pipeline.StageIngestion, doc.ID, model.RecordStatusSuccess)
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageIngestion, 1, payload.SizeBytes, 1, 0)
	}

	repo := pc.Repository()
	if repo == nil {
		return
	}
	stat := &model.IngestionStat{
		PipelineRunID:    pc.PipelineID(),
		StageName:        pipeline.StageIngestion,
		FilePath:         payload.Path,
		RecordID:         doc.ID,
		RecordType:       doc.RecordType,
		Status:           model.RecordStatusSuccess,
		ProcessingTimeMS: elapsedMS,
		RecordSizeBytes:  payload.SizeBytes,
		DataSource:       payload.Source,
	}
	if _, err := repo.RecordStat(ctx, stat); err != nil {
		s.logger.Warn("failed to persist ingestion stat", "file", payload.Path, "error", err)
	}
	if err := repo.AddCounts(ctx, pc.PipelineID(), 1, 1, 0, 0); err != nil {
		s.logger.Warn("failed to increment run counters", "error", err)
	}
}

func (s *IngestionStage) recordFailure(ctx context.Context, pc *pipeline.Context, tracker *tracking.StageTracker, payload model.RawPayload, cause error, elapsedMS float64) {
	classified := s.classifier.Classify(cause, pipeline.StageIngestion, payload.Path, map[string]any{
		"file": payload.Path,
	})
	category := string(classified.Analysis.Category)
	reason := fmt.Sprintf("%s: %v", classified.Analysis.Pattern, cause)

	s.logger.Error("payload failed to parse",
		"file", payload.Path,
		"category", category,
		"pattern", classified.Analysis.Pattern,
		"recoverable", classified.Analysis.IsRecoverable,
		"error", cause)

	if tracker != nil {
		tracker.RecordFailure(payload.Path, cause, category,
			tracking.WithProcessingTime(elapsedMS),
			tracking.WithBytes(payload.SizeBytes))
	}
	if audit := pc.Audit(); audit != nil {
		audit.LogValidationFailed(pipeline.StageIngestion, payload.Path, reason)
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageIngestion, 1, payload.SizeBytes, 0, 1)
	}

	repo := pc.Repository()
	if repo == nil {
		return
	}
	stat := &model.IngestionStat{
		PipelineRunID:    pc.PipelineID(),
		StageName:        pipeline.StageIngestion,
		FilePath:         payload.Path,
		RecordID:         payload.Path,
		Status:           model.RecordStatusFailure,
		ErrorCategory:    category,
		ErrorMessage:     reason,
		ProcessingTimeMS: elapsedMS,
		RecordSizeBytes:  payload.SizeBytes,
		DataSource:       payload.Source,
	}
	if _, _, err := repo.RecordFailure(ctx, stat, payload.Data, "", classified.Stack); err != nil {
		s.logger.Warn("failed to persist failed record", "file", payload.Path, "error", err)
	}
	if err := repo.AddCounts(ctx, pc.PipelineID(), 1, 0, 1, 0); err != nil {
		s.logger.Warn("failed to increment run counters", "error", err)
	}
}

func (s *IngestionStage) scoreQuality(ctx context.Context, pc *pipeline.Context, doc *model.ClinicalDocument) {
	if s.cfg.Scorer == nil || len(doc.Fields) == 0 {
		return
	}
	metric := s.cfg.Scorer.ScoreRecord(pc.PipelineID(), doc.ID, doc.RecordType, doc.Fields)

	if qt := pc.QualityTracker(); qt != nil {
		qt.RecordSuccess(doc.ID, tracking.WithDomainMetric("overall_score", metric.OverallScore))
	}
	if audit := pc.Audit(); audit != nil {
		var issues []string
		for _, issue := range metric.Issues {
			issues = append(issues, issue.IssueType)
		}
		audit.LogDataQualityCheck(pipeline.StageIngestion, doc.ID, metric.OverallScore, issues)
	}
	if repo := pc.Repository(); repo != nil {
		if _, err := repo.RecordQuality(ctx, metric); err != nil {
			s.logger.Warn("failed to persist quality metric", "record_id", doc.ID, "error", err)
		}
	}
}
