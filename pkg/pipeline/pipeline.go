// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the staged concurrent executor and the
// per-run context it executes against.
//
// # Description
//
// A run wires a source stage (ingestion) to a chain of transform stages
// connected by bounded channels, one worker goroutine per enabled
// stage. A nil *Item on a channel is the end-of-stream sentinel; every
// worker pushes exactly one sentinel downstream when it exits, so
// consumers always terminate. Cancellation is a single stop signal
// shared by the timeout handler, Stop, and every worker.
package pipeline

import (
	"context"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Stage names in fixed pipeline order.
const (
	StageIngestion   = "ingestion"
	StageDeid        = "deid"
	StageChunking    = "chunking"
	StageEmbedding   = "embedding"
	StageVectorstore = "vectorstore"
)

// StageOrder is the fixed execution order, source first.
var StageOrder = []string{StageIngestion, StageDeid, StageChunking, StageEmbedding, StageVectorstore}

// stageDependencies names each stage's preferred upstream. Chunking
// falls back to ingestion when deid is disabled.
var stageDependencies = map[string][]string{
	StageDeid:        {StageIngestion},
	StageChunking:    {StageDeid, StageIngestion},
	StageEmbedding:   {StageChunking},
	StageVectorstore: {StageEmbedding},
}

// Run and stage terminal statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// CancelledMessage is the run-level error recorded when the stop signal
// or timeout ends a run.
const CancelledMessage = "Pipeline execution was cancelled"

// Item is the unit of work flowing between stages. Stages enrich it in
// place: ingestion fills Document from Raw, chunking fills Chunks,
// embedding fills the chunk vectors.
type Item struct {
	ID       string
	Raw      *model.RawPayload
	Document *model.ClinicalDocument
	Chunks   []model.Chunk
}

// Source is the contract for the stage that originates items. Produce
// calls emit once per item and returns when the directory (or stream)
// is exhausted or the context ends.
type Source interface {
	Name() string
	Produce(ctx context.Context, pc *Context, emit func(context.Context, *Item) error) error
}

// Stage is the contract for downstream transform stages. Execute
// returns the (possibly same) item to forward, or nil to filter it out.
// A returned error fails the item, never the stage.
type Stage interface {
	Name() string
	Execute(ctx context.Context, pc *Context, item *Item) (*Item, error)
}

// StageResult is one worker's outcome.
type StageResult struct {
	Stage     string  `json:"stage"`
	Status    string  `json:"status"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Results   []*Item `json:"-"`
	Error     string  `json:"error,omitempty"`
}

// RunResult is the executor's terminal report.
type RunResult struct {
	RunID      string                  `json:"run_id"`
	Status     string                  `json:"status"`
	Results    map[string]*StageResult `json:"results"`
	DurationMS int64                   `json:"duration_ms"`
	Errors     []string                `json:"errors,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
}
