// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
)

func TestMemoryWriter(t *testing.T) {
	t.Run("stores chunks", func(t *testing.T) {
		w := NewMemoryWriter()
		require.NoError(t, w.Ready(context.Background()))
		require.NoError(t, w.Write(context.Background(), []model.Chunk{
			{ID: "c1", Text: "one"},
			{ID: "c2", Text: "two"},
		}))
		assert.Len(t, w.Stored(), 2)
	})

	t.Run("rewrite overwrites by id", func(t *testing.T) {
		w := NewMemoryWriter()
		require.NoError(t, w.Write(context.Background(), []model.Chunk{{ID: "c1", Text: "old"}}))
		require.NoError(t, w.Write(context.Background(), []model.Chunk{{ID: "c1", Text: "new"}}))

		stored := w.Stored()
		require.Len(t, stored, 1)
		assert.Equal(t, "new", stored[0].Text)
	})

	t.Run("synthetic failures", func(t *testing.T) {
		w := NewMemoryWriter()
		w.FailUntil = 2
		err := w.Write(context.Background(), []model.Chunk{{ID: "c1"}})
		require.ErrorIs(t, err, ErrVectorStoreUnavailable)
		err = w.Write(context.Background(), []model.Chunk{{ID: "c1"}})
		require.ErrorIs(t, err, ErrVectorStoreUnavailable)
		require.NoError(t, w.Write(context.Background(), []model.Chunk{{ID: "c1"}}))
		assert.Equal(t, 3, w.Writes())
	})
}

func TestVectorstoreStage_Execute(t *testing.T) {
	pc := pipeline.NewContext(pipeline.ContextConfig{})

	t.Run("writes chunks through", func(t *testing.T) {
		w := NewMemoryWriter()
		stage, err := NewVectorstoreStage(VectorstoreConfig{Writer: w})
		require.NoError(t, err)

		item := itemWithChunks(3)
		out, err := stage.Execute(context.Background(), pc, item)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Len(t, w.Stored(), 3)
	})

	t.Run("no chunks filters the item", func(t *testing.T) {
		stage, err := NewVectorstoreStage(VectorstoreConfig{Writer: NewMemoryWriter()})
		require.NoError(t, err)
		out, err := stage.Execute(context.Background(), pc, itemWithChunks(0))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("writer failure fails the item", func(t *testing.T) {
		w := NewMemoryWriter()
		w.FailUntil = 1
		stage, err := NewVectorstoreStage(VectorstoreConfig{Writer: w})
		require.NoError(t, err)
		_, err = stage.Execute(context.Background(), pc, itemWithChunks(1))
		require.ErrorIs(t, err, ErrVectorStoreUnavailable)
	})

	t.Run("requires a writer", func(t *testing.T) {
		_, err := NewVectorstoreStage(VectorstoreConfig{})
		require.Error(t, err)
	})
}

func TestNewWeaviateWriter_Defaults(t *testing.T) {
	w, err := NewWeaviateWriter(WeaviateWriterConfig{})
	require.NoError(t, err)
	assert.Equal(t, "weaviate", w.Name())
	assert.Equal(t, "http", w.cfg.Scheme)
	assert.Equal(t, "localhost:8080", w.cfg.Host)
	assert.Equal(t, "ClinicalChunk", w.cfg.ClassName)
	assert.Equal(t, 3, w.cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, w.cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, w.cfg.MaxRetryBackoff)
	assert.InDelta(t, 0.25, w.cfg.RetryJitter, 0.001)
}

func TestWeaviateWriter_ObjectIDsAreDeterministic(t *testing.T) {
	w, err := NewWeaviateWriter(WeaviateWriterConfig{})
	require.NoError(t, err)

	chunk := model.Chunk{ID: "doc-1-c0", DocumentID: "doc-1", Index: 0, Text: "narrative", Vector: []float32{0.1, 0.2}}
	a := w.toObject(chunk)
	b := w.toObject(chunk)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "ClinicalChunk", a.Class)
	props, ok := a.Properties.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "doc-1-c0", props["chunkId"])
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
