// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/tracking"
)

// Vector store sentinel errors.
var (
	// ErrVectorStoreUnavailable means the store could not be reached
	// after retries.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")

	// ErrBatchRejected means the store accepted the connection but
	// rejected one or more objects.
	ErrBatchRejected = errors.New("vector batch rejected")
)

// VectorWriter persists embedded chunks.
type VectorWriter interface {
	// Name identifies the writer in logs and metadata.
	Name() string

	// Write persists the chunks. Chunks without vectors are the
	// caller's bug, not the writer's.
	Write(ctx context.Context, chunks []model.Chunk) error

	// Ready reports whether the backing store is reachable.
	Ready(ctx context.Context) error
}

// VectorstoreConfig wires the persistence stage.
type VectorstoreConfig struct {
	// Writer is required.
	Writer VectorWriter

	Logger *slog.Logger
}

// VectorstoreStage writes embedded chunks through the configured
// writer.
type VectorstoreStage struct {
	cfg    VectorstoreConfig
	logger *slog.Logger
}

// NewVectorstoreStage builds the persistence stage.
func NewVectorstoreStage(cfg VectorstoreConfig) (*VectorstoreStage, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("stages: vectorstore requires a writer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &VectorstoreStage{cfg: cfg, logger: cfg.Logger.With("stage", pipeline.StageVectorstore)}, nil
}

func (s *VectorstoreStage) Name() string { return pipeline.StageVectorstore }

// Execute persists the item's chunks.
func (s *VectorstoreStage) Execute(ctx context.Context, pc *pipeline.Context, item *pipeline.Item) (*pipeline.Item, error) {
	tracker := pc.Tracker(pipeline.StageVectorstore)
	if len(item.Chunks) == 0 {
		if tracker != nil {
			tracker.RecordSkip(item.ID, "no chunks to store")
		}
		return nil, nil
	}

	started := time.Now()
	if err := s.cfg.Writer.Write(ctx, item.Chunks); err != nil {
		if tracker != nil {
			tracker.RecordFailure(item.ID, err, "NETWORK_ERROR")
		}
		return nil, fmt.Errorf("storing vectors for %s: %w", item.ID, err)
	}
	elapsedMS := float64(time.Since(started).Microseconds()) / 1000

	if tracker != nil {
		tracker.RecordSuccess(item.ID,
			tracking.WithProcessingTime(elapsedMS),
			tracking.WithDomainMetric("chunks_stored", float64(len(item.Chunks))))
	}
	if audit := pc.Audit(); audit != nil {
		audit.LogRecordProcessed(pipeline.StageVectorstore, item.ID, model.RecordStatusSuccess)
	}
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.AddStepCounts(pipeline.StageVectorstore, int64(len(item.Chunks)), 0, int64(len(item.Chunks)), 0)
	}
	s.logger.Debug("stored chunks", "record_id", item.ID, "chunks", len(item.Chunks), "writer", s.cfg.Writer.Name())
	return item, nil
}

// =============================================================================
// Weaviate writer
// =============================================================================

// WeaviateWriterConfig configures the weaviate-backed writer.
type WeaviateWriterConfig struct {
	// Scheme defaults to http.
	Scheme string

	// Host defaults to localhost:8080.
	Host string

	// ClassName defaults to ClinicalChunk.
	ClassName string

	// RetryAttempts is how many times a failed batch is retried.
	// Default 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff. Default 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential growth. Default 5s.
	MaxRetryBackoff time.Duration

	// RetryJitter is the +/- fraction applied to each backoff.
	// Default 0.25.
	RetryJitter float64

	Logger *slog.Logger
}

// WeaviateWriter batches chunks into a weaviate class, retrying
// transient failures with exponential backoff and jitter.
type WeaviateWriter struct {
	cfg    WeaviateWriterConfig
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviateWriter builds the writer. It does not dial; use Ready to
// probe the store.
func NewWeaviateWriter(cfg WeaviateWriterConfig) (*WeaviateWriter, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost:8080"
	}
	if cfg.ClassName == "" {
		cfg.ClassName = "ClinicalChunk"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
	if cfg.RetryJitter <= 0 {
		cfg.RetryJitter = 0.25
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	client, err := weaviate.NewClient(weaviate.Config{Scheme: cfg.Scheme, Host: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &WeaviateWriter{cfg: cfg, client: client, logger: cfg.Logger.With("component", "weaviate_writer")}, nil
}

func (w *WeaviateWriter) Name() string { return "weaviate" }

// Ready probes the store's readiness endpoint.
func (w *WeaviateWriter) Ready(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVectorStoreUnavailable, err)
	}
	if !ready {
		return ErrVectorStoreUnavailable
	}
	return nil
}

// Write batches the chunks, retrying the whole batch on failure.
// Objects carry deterministic UUIDs derived from the chunk ID, so a
// retried batch overwrites rather than duplicates.
func (w *WeaviateWriter) Write(ctx context.Context, chunks []model.Chunk) error {
	objects := make([]*models.Object, 0, len(chunks))
	for _, chunk := range chunks {
		objects = append(objects, w.toObject(chunk))
	}

	var lastErr error
	backoff := w.cfg.RetryBackoff
	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		lastErr = w.writeBatch(ctx, objects)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrBatchRejected) || ctx.Err() != nil {
			// Rejections are deterministic; retrying replays the same
			// failure.
			return lastErr
		}
		if attempt < w.cfg.RetryAttempts {
			w.logger.Warn("batch write failed, retrying",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff, w.cfg.RetryJitter)):
			}
			backoff = min(backoff*2, w.cfg.MaxRetryBackoff)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrVectorStoreUnavailable, w.cfg.RetryAttempts, lastErr)
}

func (w *WeaviateWriter) writeBatch(ctx context.Context, objects []*models.Object) error {
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("%w: %s: %s", ErrBatchRejected, obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (w *WeaviateWriter) toObject(chunk model.Chunk) *models.Object {
	props := map[string]any{
		"chunkId":    chunk.ID,
		"documentId": chunk.DocumentID,
		"chunkIndex": chunk.Index,
		"text":       chunk.Text,
	}
	for k, v := range chunk.Metadata {
		props[k] = v
	}
	return &models.Object{
		ID:         strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunk.ID)).String()),
		Class:      w.cfg.ClassName,
		Properties: props,
		Vector:     chunk.Vector,
	}
}

// jitter spreads d by +/- fraction so retrying writers do not sync up.
func jitter(d time.Duration, fraction float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * fraction * float64(d)
	return time.Duration(float64(d) + delta)
}

// =============================================================================
// Memory writer
// =============================================================================

// MemoryWriter keeps chunks in a map. For tests and dry runs.
type MemoryWriter struct {
	mu     sync.Mutex
	chunks map[string]model.Chunk

	// FailUntil fails the first N writes with a transient error.
	// Exercise retry paths with it.
	FailUntil int

	writes int
}

// NewMemoryWriter builds an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{chunks: make(map[string]model.Chunk)}
}

func (m *MemoryWriter) Name() string { return "memory" }

func (m *MemoryWriter) Ready(context.Context) error { return nil }

func (m *MemoryWriter) Write(_ context.Context, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writes <= m.FailUntil {
		return fmt.Errorf("%w: synthetic failure %d", ErrVectorStoreUnavailable, m.writes)
	}
	for _, chunk := range chunks {
		m.chunks[chunk.ID] = chunk
	}
	return nil
}

// Stored returns a copy of everything written so far.
func (m *MemoryWriter) Stored() []model.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Chunk, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		out = append(out, chunk)
	}
	return out
}

// Writes reports how many Write calls were made, failures included.
func (m *MemoryWriter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
