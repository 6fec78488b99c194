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
	"strings"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/tracking"
)

// Chunking defaults.
const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 150
)

// ChunkingConfig tunes the splitter.
type ChunkingConfig struct {
	// ChunkSize is the target chunk length in bytes. Default 1200.
	ChunkSize int

	// Overlap is how many trailing bytes each chunk repeats at the
	// start of the next. Must be smaller than ChunkSize. Default 150.
	Overlap int

	Logger *slog.Logger
}

// ChunkingStage cuts document narratives into overlapping retrieval
// units, keeping paragraph boundaries where the text allows.
type ChunkingStage struct {
	cfg    ChunkingConfig
	logger *slog.Logger
}

// NewChunkingStage validates cfg and builds the splitter stage.
func NewChunkingStage(cfg ChunkingConfig) (*ChunkingStage, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("stages: chunk overlap %d must be smaller than chunk size %d", cfg.Overlap, cfg.ChunkSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &ChunkingStage{cfg: cfg, logger: cfg.Logger.With("stage", pipeline.StageChunking)}, nil
}

func (s *ChunkingStage) Name() string { return pipeline.StageChunking }

// Execute fills item.Chunks from the document text. Documents without
// narrative are skipped, not failed.
func (s *ChunkingStage) Execute(_ context.Context, pc *pipeline.Context, item *pipeline.Item) (*pipeline.Item, error) {
	if item.Document == nil {
		return nil, fmt.Errorf("chunking: item %s carries no document", item.ID)
	}
	tracker := pc.Tracker(pipeline.StageChunking)

	text := strings.TrimSpace(item.Document.Text)
	if text == "" {
		if tracker != nil {
			tracker.RecordSkip(item.ID, "document has no narrative text")
		}
		return nil, nil
	}

	item.Chunks = s.Split(item.Document, text)
	if tracker != nil {
		for _, chunk := range item.Chunks {
			tracker.RecordSuccess(chunk.ID,
				tracking.WithBytes(chunk.SizeBytes),
				tracking.WithDomainMetric("chunk_size", float64(chunk.SizeBytes)))
		}
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageChunking, int64(len(item.Chunks)), item.Document.SizeBytes, int64(len(item.Chunks)), 0)
	}
	return item, nil
}

// Split cuts text into chunks, packing whole paragraphs up to the
// target size and hard-splitting paragraphs that exceed it on their
// own.
func (s *ChunkingStage) Split(doc *model.ClinicalDocument, text string) []model.Chunk {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(paragraph)+2 > s.cfg.ChunkSize {
			flush()
		}
		if len(paragraph) > s.cfg.ChunkSize {
			flush()
			pieces = append(pieces, hardSplit(paragraph, s.cfg.ChunkSize)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(paragraph)
	}
	flush()

	chunks := make([]model.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		// Overlap carries the tail of the previous chunk forward for
		// retrieval continuity.
		overlap := 0
		if i > 0 && s.cfg.Overlap > 0 {
			prev := pieces[i-1]
			n := min(s.cfg.Overlap, len(prev))
			piece = prev[len(prev)-n:] + "\n" + piece
			overlap = n
		}
		chunks = append(chunks, model.Chunk{
			ID:         fmt.Sprintf("%s-c%d", doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Text:       piece,
			SizeBytes:  int64(len(piece)),
			Overlap:    overlap,
			Metadata: map[string]any{
				"source_path": doc.SourcePath,
				"record_type": doc.RecordType,
				"format":      string(doc.Format),
			},
		})
	}
	return chunks
}

// hardSplit windows an oversized paragraph into size-bounded pieces.
// Overlap between pieces is applied later, uniformly for all chunks.
func hardSplit(text string, size int) []string {
	var out []string
	for start := 0; start < len(text); start += size {
		out = append(out, text[start:min(start+size, len(text))])
	}
	return out
}
