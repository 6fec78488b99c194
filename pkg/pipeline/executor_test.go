// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/config"
	"github.com/meridianhealth/meridian/pkg/model"
)

// sliceSource emits one item per payload string.
type sliceSource struct {
	payloads []string
	err      error
	delay    time.Duration
}

func (s *sliceSource) Name() string { return StageIngestion }

func (s *sliceSource) Produce(ctx context.Context, _ *Context, emit func(context.Context, *Item) error) error {
	for i, data := range s.payloads {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		item := &Item{
			ID:  fmt.Sprintf("item-%d", i),
			Raw: &model.RawPayload{Data: data, SizeBytes: int64(len(data))},
		}
		if err := emit(ctx, item); err != nil {
			return err
		}
	}
	return s.err
}

// fakeStage applies fn to each item.
type fakeStage struct {
	name string
	fn   func(*Item) (*Item, error)
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Execute(_ context.Context, _ *Context, item *Item) (*Item, error) {
	if s.fn == nil {
		return item, nil
	}
	return s.fn(item)
}

func testContext(t *testing.T, mutate func(*config.Config)) *Context {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.Stages.Embedding.Enabled = false
	cfg.Pipeline.Stages.Vectorstore.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	return NewContext(ContextConfig{Config: cfg, PipelineID: "run-test", OutputPath: t.TempDir()})
}

func TestRun_ItemsFlowThroughStages(t *testing.T) {
	pc := testContext(t, nil)

	var order []string
	var mu sync.Mutex
	chunker := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		item.Chunks = []model.Chunk{{ID: item.ID + "-c0", Text: strings.ToUpper(item.Raw.Data)}}
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a", "b", "c"}},
		Stages: map[string]Stage{StageChunking: chunker},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	require.Contains(t, result.Results, StageIngestion)
	require.Contains(t, result.Results, StageChunking)
	assert.Equal(t, 3, result.Results[StageIngestion].Processed)
	assert.Equal(t, 3, result.Results[StageChunking].Processed)
	require.Len(t, result.Results[StageChunking].Results, 3)

	// Intra-queue FIFO.
	assert.Equal(t, []string{"item-0", "item-1", "item-2"}, order)
	assert.Equal(t, []string{StageIngestion, StageChunking}, pc.ExecutedStages())
}

func TestRun_QueueCapacityOne(t *testing.T) {
	pc := testContext(t, nil)

	slow := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		time.Sleep(2 * time.Millisecond)
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source:        &sliceSource{payloads: []string{"1", "2", "3", "4", "5"}},
		Stages:        map[string]Stage{StageChunking: slow},
		QueueCapacity: 1,
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 5, result.Results[StageChunking].Processed)
}

func TestRun_TimeoutCancelsRun(t *testing.T) {
	pc := testContext(t, nil)

	stuck := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		time.Sleep(time.Second)
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source:  &sliceSource{payloads: []string{"x", "y"}},
		Stages:  map[string]Stage{StageChunking: stuck},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan *RunResult, 1)
	go func() {
		result, _ := e.Run(context.Background(), pc)
		done <- result
	}()

	select {
	case result := <-done:
		assert.Equal(t, StatusCancelled, result.Status)
		assert.Contains(t, result.Errors, CancelledMessage)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not join after timeout")
	}
}

func TestRun_StopIsIdempotent(t *testing.T) {
	pc := testContext(t, nil)
	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a"}, delay: 50 * time.Millisecond},
		Stages: map[string]Stage{StageChunking: &fakeStage{name: StageChunking}},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Stop()
		e.Stop()
	}()

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
}

func TestRun_ItemErrorsDoNotFailTheStage(t *testing.T) {
	pc := testContext(t, nil)

	flaky := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		if item.ID == "item-1" {
			return nil, errors.New("bad record")
		}
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a", "b", "c"}},
		Stages: map[string]Stage{StageChunking: flaky},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Results[StageChunking].Processed)
	assert.Equal(t, 1, result.Results[StageChunking].Failed)
	assert.Len(t, result.Results[StageChunking].Results, 2)
}

func TestRun_StagePanicIsolated(t *testing.T) {
	pc := testContext(t, nil)

	angry := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		if item.ID == "item-0" {
			panic("mapper exploded")
		}
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a", "b"}},
		Stages: map[string]Stage{StageChunking: angry},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Results[StageChunking].Failed)
	assert.Equal(t, 1, result.Results[StageChunking].Processed)
}

func TestRun_SourceFailureFailsRun(t *testing.T) {
	pc := testContext(t, nil)
	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a"}, err: errors.New("watch path exploded")},
		Stages: map[string]Stage{StageChunking: &fakeStage{name: StageChunking}},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StatusFailed, result.Results[StageIngestion].Status)
	assert.NotEmpty(t, result.Errors)
}

func TestRun_FilteredItemsAreDropped(t *testing.T) {
	pc := testContext(t, nil)

	filter := &fakeStage{name: StageChunking, fn: func(item *Item) (*Item, error) {
		if item.ID == "item-1" {
			return nil, nil
		}
		return item, nil
	}}

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a", "b", "c"}},
		Stages: map[string]Stage{StageChunking: filter},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Results[StageChunking].Processed)
	assert.Len(t, result.Results[StageChunking].Results, 2)
}

func TestRun_DependencyGapWarns(t *testing.T) {
	pc := testContext(t, func(cfg *config.Config) {
		cfg.Pipeline.Stages.Chunking.Enabled = false
		cfg.Pipeline.Stages.Embedding.Enabled = true
	})

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a"}},
		Stages: map[string]Stage{StageEmbedding: &fakeStage{name: StageEmbedding}},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, StageEmbedding) && strings.Contains(w, StageChunking) {
			found = true
		}
	}
	assert.True(t, found, "expected a dependency-gap warning, got %v", result.Warnings)
	// The gap degrades the chain: embedding reads from ingestion.
	assert.Equal(t, 1, result.Results[StageEmbedding].Processed)
}

func TestRun_EnabledStageWithoutImplementationSkipped(t *testing.T) {
	pc := testContext(t, nil)

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a"}},
		Stages: map[string]Stage{},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.NotContains(t, result.Results, StageChunking)
	assert.NotEmpty(t, result.Warnings)
}

func TestRun_IngestionOnly(t *testing.T) {
	pc := testContext(t, func(cfg *config.Config) {
		cfg.Pipeline.Stages.Chunking.Enabled = false
	})

	e, err := NewExecutor(ExecutorConfig{
		Source: &sliceSource{payloads: []string{"a", "b"}},
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Results[StageIngestion].Processed)
	assert.Len(t, result.Results[StageIngestion].Results, 2)
}

func TestNewExecutor_RequiresSource(t *testing.T) {
	_, err := NewExecutor(ExecutorConfig{})
	assert.ErrorIs(t, err, ErrNoSource)
}
