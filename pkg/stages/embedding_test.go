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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
)

// countingEmbedder records batch sizes and can fail on demand.
type countingEmbedder struct {
	dims    int
	batches []int
	err     error
}

func (e *countingEmbedder) Name() string { return "counting" }

func (e *countingEmbedder) Dimensions() int { return e.dims }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.batches = append(e.batches, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dims)
	}
	return out, nil
}

func itemWithChunks(n int) *pipeline.Item {
	item := &pipeline.Item{ID: "rec-1", Document: &model.ClinicalDocument{ID: "rec-1"}}
	for i := 0; i < n; i++ {
		item.Chunks = append(item.Chunks, model.Chunk{
			ID:   fmt.Sprintf("rec-1-c%d", i),
			Text: fmt.Sprintf("chunk %d", i),
		})
	}
	return item
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)

	t.Run("deterministic", func(t *testing.T) {
		a, err := e.Embed(context.Background(), []string{"chest pain radiating to left arm"})
		require.NoError(t, err)
		b, err := e.Embed(context.Background(), []string{"chest pain radiating to left arm"})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("unit length", func(t *testing.T) {
		vecs, err := e.Embed(context.Background(), []string{"one two three four"})
		require.NoError(t, err)
		var norm float64
		for _, v := range vecs[0] {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	})

	t.Run("empty text is a zero vector", func(t *testing.T) {
		vecs, err := e.Embed(context.Background(), []string{""})
		require.NoError(t, err)
		require.Len(t, vecs[0], 64)
		for _, v := range vecs[0] {
			assert.Zero(t, v)
		}
	})

	t.Run("different texts differ", func(t *testing.T) {
		vecs, err := e.Embed(context.Background(), []string{"aspirin", "metformin"})
		require.NoError(t, err)
		assert.NotEqual(t, vecs[0], vecs[1])
	})

	t.Run("dims default", func(t *testing.T) {
		assert.Equal(t, 384, NewHashEmbedder(0).Dimensions())
	})
}

func TestEmbeddingStage_Execute(t *testing.T) {
	pc := pipeline.NewContext(pipeline.ContextConfig{})

	t.Run("batches and fills vectors", func(t *testing.T) {
		embedder := &countingEmbedder{dims: 8}
		stage, err := NewEmbeddingStage(EmbeddingConfig{Embedder: embedder, BatchSize: 2})
		require.NoError(t, err)

		out, err := stage.Execute(context.Background(), pc, itemWithChunks(5))
		require.NoError(t, err)
		require.NotNil(t, out)

		assert.Equal(t, []int{2, 2, 1}, embedder.batches)
		for _, chunk := range out.Chunks {
			assert.Len(t, chunk.Vector, 8)
			assert.Equal(t, 8, chunk.Dimensions)
		}
	})

	t.Run("no chunks filters the item", func(t *testing.T) {
		stage, err := NewEmbeddingStage(EmbeddingConfig{Embedder: NewHashEmbedder(16)})
		require.NoError(t, err)
		out, err := stage.Execute(context.Background(), pc, itemWithChunks(0))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("embedder failure fails the item", func(t *testing.T) {
		embedder := &countingEmbedder{dims: 8, err: errors.New("connection refused")}
		stage, err := NewEmbeddingStage(EmbeddingConfig{Embedder: embedder})
		require.NoError(t, err)
		_, err = stage.Execute(context.Background(), pc, itemWithChunks(2))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rec-1")
	})

	t.Run("requires an embedder", func(t *testing.T) {
		_, err := NewEmbeddingStage(EmbeddingConfig{})
		require.Error(t, err)
	})
}
