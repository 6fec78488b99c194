// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracking

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/persistence"
	"github.com/meridianhealth/meridian/pkg/persistence/document"
)

// countingProvider wraps the document provider to observe how many
// audit events reach storage.
type countingProvider struct {
	persistence.Provider
	mu      sync.Mutex
	audited int
}

func (c *countingProvider) RecordAuditEvents(ctx context.Context, events []*model.AuditEvent) error {
	if err := c.Provider.RecordAuditEvents(ctx, events); err != nil {
		return err
	}
	c.mu.Lock()
	c.audited += len(events)
	c.mu.Unlock()
	return nil
}

func (c *countingProvider) persisted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audited
}

func newAuditFixture(t *testing.T, threshold int) (*AuditLogger, *countingProvider) {
	t.Helper()
	inner := document.New(document.Config{Store: document.InMemoryStoreConfig()})
	require.NoError(t, inner.Connect(context.Background()))
	t.Cleanup(func() { _ = inner.Disconnect() })
	require.NoError(t, inner.StartPipelineRun(context.Background(), "run-1", "test", nil))

	provider := &countingProvider{Provider: inner}
	audit := NewAuditLogger(AuditConfig{
		RunID:              "run-1",
		Repository:         NewRepository(provider, nil),
		AutoFlushThreshold: threshold,
	})
	return audit, provider
}

func TestAudit_AutoFlush(t *testing.T) {
	audit, provider := newAuditFixture(t, 5)

	for i := 0; i < 4; i++ {
		audit.LogWarning("ingestion", fmt.Sprintf("warn %d", i))
	}
	// Below the threshold nothing is persisted yet.
	assert.Zero(t, provider.persisted())

	audit.LogWarning("ingestion", "warn 4")
	assert.Equal(t, 5, provider.persisted())

	t.Run("explicit flush drains the rest", func(t *testing.T) {
		audit.LogError("ingestion", "boom")
		audit.Flush()
		assert.Equal(t, 6, provider.persisted())
	})
}

func TestAudit_CorrelationStack(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{RunID: "run-1"})

	outer, popOuter := audit.PushCorrelation("outer")
	assert.Equal(t, "outer", outer)
	audit.LogWarning("s", "outer scope")

	inner, popInner := audit.PushCorrelation("")
	assert.Len(t, inner, 8)
	audit.LogWarning("s", "inner scope")

	popInner()
	audit.LogWarning("s", "outer again")
	popOuter()
	audit.LogWarning("s", "no scope")

	events := audit.GetEvents(EventFilter{})
	require.Len(t, events, 4)
	assert.Equal(t, "outer", events[0].CorrelationID)
	assert.Equal(t, inner, events[1].CorrelationID)
	assert.Equal(t, "outer", events[2].CorrelationID)
	assert.Empty(t, events[3].CorrelationID)
}

func TestAudit_QualityCheckLevel(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{RunID: "run-1"})

	audit.LogDataQualityCheck("quality", "r1", 0.95, nil)
	audit.LogDataQualityCheck("quality", "r2", 0.79, []string{"missing field"})

	events := audit.GetEvents(EventFilter{EventType: model.EventQualityCheck})
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditInfo, events[0].Level)
	assert.Equal(t, model.AuditWarning, events[1].Level)
}

func TestAudit_RecordLevelGating(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		audit := NewAuditLogger(AuditConfig{RunID: "run-1"})
		audit.LogRecordProcessed("ingestion", "r1", model.RecordStatusSuccess)
		assert.Zero(t, audit.BufferedCount())
	})

	t.Run("enabled", func(t *testing.T) {
		audit := NewAuditLogger(AuditConfig{RunID: "run-1", RecordLevelTracking: true})
		audit.LogRecordProcessed("ingestion", "r1", model.RecordStatusSuccess)
		assert.Equal(t, 1, audit.BufferedCount())
	})
}

func TestAudit_BufferBounded(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{RunID: "run-1"})
	for i := 0; i < auditBufferCap+50; i++ {
		audit.LogWarning("s", fmt.Sprintf("warn %d", i))
	}
	assert.Equal(t, auditBufferCap, audit.BufferedCount())

	// Oldest events were evicted.
	events := audit.GetEvents(EventFilter{})
	assert.Equal(t, "warn 50", events[0].Message)
}

func TestAudit_Filters(t *testing.T) {
	audit := NewAuditLogger(AuditConfig{RunID: "run-1"})
	audit.LogStageStarted("ingestion")
	audit.LogStageFailed("embedding", fmt.Errorf("boom"))
	audit.LogWarning("embedding", "slow")

	assert.Equal(t, 1, audit.GetEventCount(EventFilter{EventType: model.EventStageFailed}))
	assert.Equal(t, 2, audit.GetEventCount(EventFilter{StageName: "embedding"}))
	assert.Equal(t, 1, audit.GetEventCount(EventFilter{Level: model.AuditError}))
	assert.Equal(t, 3, audit.GetEventCount(EventFilter{}))
}
