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
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/tracking"
)

// Embedder turns chunk texts into vectors.
type Embedder interface {
	// Name identifies the embedder in logs and metadata.
	Name() string

	// Dimensions is the vector width this embedder produces.
	Dimensions() int

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultEmbedBatchSize bounds one embedding request.
const DefaultEmbedBatchSize = 16

// EmbeddingConfig wires the embedding stage.
type EmbeddingConfig struct {
	// Embedder is required.
	Embedder Embedder

	// BatchSize bounds texts per Embed call. Default 16.
	BatchSize int

	Logger *slog.Logger
}

// EmbeddingStage fills chunk vectors in batches.
type EmbeddingStage struct {
	cfg    EmbeddingConfig
	logger *slog.Logger
}

// NewEmbeddingStage builds the embedding stage.
func NewEmbeddingStage(cfg EmbeddingConfig) (*EmbeddingStage, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("stages: embedding requires an embedder")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEmbedBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &EmbeddingStage{cfg: cfg, logger: cfg.Logger.With("stage", pipeline.StageEmbedding)}, nil
}

func (s *EmbeddingStage) Name() string { return pipeline.StageEmbedding }

// Execute embeds the item's chunks. Items without chunks are dropped;
// they carry nothing for the vector store.
func (s *EmbeddingStage) Execute(ctx context.Context, pc *pipeline.Context, item *pipeline.Item) (*pipeline.Item, error) {
	tracker := pc.Tracker(pipeline.StageEmbedding)
	if len(item.Chunks) == 0 {
		if tracker != nil {
			tracker.RecordSkip(item.ID, "no chunks to embed")
		}
		return nil, nil
	}

	started := time.Now()
	dims := s.cfg.Embedder.Dimensions()

	for offset := 0; offset < len(item.Chunks); offset += s.cfg.BatchSize {
		end := min(offset+s.cfg.BatchSize, len(item.Chunks))
		batch := item.Chunks[offset:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
		}

		vectors, err := s.cfg.Embedder.Embed(ctx, texts)
		if err != nil {
			if tracker != nil {
				tracker.RecordFailure(item.ID, err, "NETWORK_ERROR")
			}
			return nil, fmt.Errorf("embedding batch for %s: %w", item.ID, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding batch for %s: got %d vectors for %d texts", item.ID, len(vectors), len(batch))
		}
		for i := range batch {
			item.Chunks[offset+i].Vector = vectors[i]
			item.Chunks[offset+i].Dimensions = dims
		}
	}

	elapsedMS := float64(time.Since(started).Microseconds()) / 1000
	if tracker != nil {
		tracker.RecordSuccess(item.ID,
			tracking.WithProcessingTime(elapsedMS),
			tracking.WithDomainMetric("chunks_embedded", float64(len(item.Chunks))),
			tracking.WithDomainMetric("embedding_dims", float64(dims)))
	}
	if audit := pc.Audit(); audit != nil {
		audit.LogPerformanceMetric(pipeline.StageEmbedding, map[string]any{
			"record_id":  item.ID,
			"chunks":     len(item.Chunks),
			"dims":       dims,
			"latency_ms": elapsedMS,
			"embedder":   s.cfg.Embedder.Name(),
		})
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageEmbedding, int64(len(item.Chunks)), 0, int64(len(item.Chunks)), 0)
	}
	return item, nil
}

// =============================================================================
// OpenAI embedder
// =============================================================================

// OpenAIEmbedderConfig configures the hosted embedder.
type OpenAIEmbedderConfig struct {
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible local
	// servers.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions defaults to 1536.
	Dimensions int
}

// OpenAIEmbedder embeds through an OpenAI-compatible API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEmbedder builds the hosted embedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}
}

func (e *OpenAIEmbedder) Name() string { return "openai" }

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// =============================================================================
// Hash embedder
// =============================================================================

// HashEmbedder is a deterministic offline embedder: tokens are hashed
// into dimension buckets and the vector is L2-normalized. Useful for
// tests and air-gapped runs; the vectors carry lexical, not semantic,
// similarity.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a hash embedder of the given width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Name() string { return "hash" }

func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dims))
		// The high bit decides sign so buckets cancel rather than
		// saturate.
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
