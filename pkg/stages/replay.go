// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"log/slog"

	"github.com/meridianhealth/meridian/pkg/errclass"
	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/quality"
	"github.com/meridianhealth/meridian/pkg/x12"
)

// ReplaySourceConfig wires a replay source.
type ReplaySourceConfig struct {
	// Payloads are the stored originals to re-ingest.
	Payloads []model.RawPayload

	// Dispatcher parses X12 payloads. Nil gets the default registry.
	Dispatcher *x12.Dispatcher

	// Scorer, when set, scores each parsed record's quality.
	Scorer *quality.Scorer

	Logger *slog.Logger
}

// ReplaySource re-ingests previously failed payloads through the same
// parse and tracking path as the file watcher, without touching the
// filesystem. Payloads that fail again are recorded as fresh failures
// under the new run.
type ReplaySource struct {
	stage    *IngestionStage
	payloads []model.RawPayload
}

// NewReplaySource builds a source over stored payloads.
func NewReplaySource(cfg ReplaySourceConfig) *ReplaySource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = x12.NewDispatcher(nil, logger)
	}
	stage := &IngestionStage{
		cfg:        IngestionConfig{Dispatcher: dispatcher, Scorer: cfg.Scorer, Logger: logger},
		classifier: errclass.NewClassifier(),
		logger:     logger.With("stage", pipeline.StageIngestion, "source", "replay"),
	}
	return &ReplaySource{stage: stage, payloads: cfg.Payloads}
}

func (s *ReplaySource) Name() string { return pipeline.StageIngestion }

// Produce emits one item per payload that parses.
func (s *ReplaySource) Produce(ctx context.Context, pc *pipeline.Context, emit func(context.Context, *pipeline.Item) error) error {
	tracker := pc.Tracker(pipeline.StageIngestion)
	if tracker != nil {
		tracker.StartBatch("", map[string]any{"source": "replay", "payloads": len(s.payloads)})
		defer tracker.FinishBatch()
	}

	for _, payload := range s.payloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stage.ingestOne(ctx, pc, tracker, payload, emit); err != nil {
			return err
		}
	}
	return nil
}
