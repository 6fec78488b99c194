// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/meridian/pkg/bookmark"
	"github.com/meridianhealth/meridian/pkg/model"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/watcher"
)

func newIngestion(t *testing.T) *IngestionStage {
	t.Helper()
	store, err := bookmark.OpenFileStore(filepath.Join(t.TempDir(), "bookmarks.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	w, err := watcher.New(watcher.Config{WatchPath: t.TempDir(), Bookmarks: store})
	require.NoError(t, err)

	stage, err := NewIngestionStage(IngestionConfig{Watcher: w})
	require.NoError(t, err)
	return stage
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
		want model.SourceFormat
	}{
		{"x12 interchange", "ISA*00*          *00*", model.FormatX12},
		{"x12 with leading whitespace", "\n  ISA*00*", model.FormatX12},
		{"hl7 message", "MSH|^~\\&|SENDER|FAC|", model.FormatHL7},
		{"json object", `{"resourceType":"Patient"}`, model.FormatFHIR},
		{"arbitrary text", "hello world", model.FormatFHIR},
		{"empty", "", model.FormatFHIR},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectFormat(tc.data))
		})
	}
}

func TestIngestionStage_ParseJSON(t *testing.T) {
	stage := newIngestion(t)

	t.Run("fhir resource", func(t *testing.T) {
		payload := model.RawPayload{
			Path: "/data/patient.json",
			Data: `{"resourceType":"Patient","id":"pat-1","name":"REDACTED","age":52,"active":true,"text":{"div":"52 year old patient"}}`,
		}
		doc, err := stage.Parse(payload)
		require.NoError(t, err)

		assert.Equal(t, "pat-1", doc.ID)
		assert.Equal(t, "patient", doc.RecordType)
		assert.Equal(t, model.FormatFHIR, doc.Format)
		assert.Equal(t, "52 year old patient", doc.Text)
		assert.Equal(t, 52.0, doc.Fields["age"])
		assert.Equal(t, true, doc.Fields["active"])
		// Nested objects stay out of the flattened view.
		assert.NotContains(t, doc.Fields, "text")
	})

	t.Run("plain record with record_type", func(t *testing.T) {
		payload := model.RawPayload{
			Path: "/data/lab.json",
			Data: `{"record_type":"lab_result","notes":"CBC within normal limits"}`,
		}
		doc, err := stage.Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, "lab_result", doc.RecordType)
		assert.Equal(t, "CBC within normal limits", doc.Text)
		assert.NotEmpty(t, doc.ID)
	})

	t.Run("no narrative falls back to raw", func(t *testing.T) {
		payload := model.RawPayload{Path: "/data/min.json", Data: `{"id":"r1"}`}
		doc, err := stage.Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"r1"}`, doc.Text)
	})

	t.Run("truncated json fails", func(t *testing.T) {
		payload := model.RawPayload{Path: "/data/bad.json", Data: `{"incomplete"`}
		_, err := stage.Parse(payload)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/data/bad.json")
	})
}

func TestIngestionStage_ParseX12(t *testing.T) {
	stage := newIngestion(t)

	payload := model.RawPayload{
		Path: "/data/remit.x12",
		Data: "ISA*00*          *00*          *ZZ*PAYER*ZZ*PROV*260101*1200*^*00501*000000905*0*P*:~" +
			"GS*HP*PAYER*PROV*20260101*1200*1*X*005010X221A1~" +
			"ST*835*0001~" +
			"CLP*123*4*1500*1200~" +
			"SE*3*0001~GE*1*1~IEA*1*000000905~",
	}
	doc, err := stage.Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, model.FormatX12, doc.Format)
	assert.Equal(t, "x12_835", doc.RecordType)
	require.NotNil(t, doc.Operational)
	require.Len(t, doc.Operational.Claims, 1)

	claim := doc.Operational.Claims[0]
	assert.Equal(t, "123", claim.ClaimID)
	assert.Equal(t, "adjusted", claim.ClaimStatus)
	assert.InDelta(t, 15.00, claim.TotalChargeAmount, 0.001)
	assert.InDelta(t, 12.00, claim.TotalPaymentAmount, 0.001)

	assert.Equal(t, "835", doc.Fields["transaction_type"])
	assert.Equal(t, 1.0, doc.Fields["claim_count"])
	assert.Contains(t, doc.Text, "Claim 123 (adjusted)")
}

func TestIngestionStage_ParseX12Unparseable(t *testing.T) {
	stage := newIngestion(t)
	_, err := stage.Parse(model.RawPayload{Path: "/data/noise.x12", Data: "ISA~~~"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recognizable segments")
}

func TestIngestionStage_ParseHL7(t *testing.T) {
	stage := newIngestion(t)

	payload := model.RawPayload{
		Path: "/data/adt.hl7",
		Data: "MSH|^~\\&|SND|FAC|RCV|FAC|202601011200||ADT^A01|MSG0001|P|2.5\rPID|1||12345\rPV1|1|I",
	}
	doc, err := stage.Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, model.FormatHL7, doc.Format)
	assert.Equal(t, "hl7_adt_a01", doc.RecordType)
	assert.Equal(t, "ADT^A01", doc.Fields["message_type"])
	assert.Equal(t, 3.0, doc.Fields["segment_count"])
}

func TestIngestionStage_Produce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.json"),
		[]byte(`{"resourceType":"Patient","id":"pat-1","name":"REDACTED"}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"),
		[]byte(`{"incomplete"`), 0600))

	store, err := bookmark.OpenFileStore(filepath.Join(t.TempDir(), "bookmarks.json"))
	require.NoError(t, err)
	defer store.Close()

	w, err := watcher.New(watcher.Config{WatchPath: dir, Bookmarks: store})
	require.NoError(t, err)

	stage, err := NewIngestionStage(IngestionConfig{Watcher: w})
	require.NoError(t, err)

	pc := pipeline.NewContext(pipeline.ContextConfig{})
	var items []*pipeline.Item
	err = stage.Produce(context.Background(), pc, func(_ context.Context, item *pipeline.Item) error {
		items = append(items, item)
		return nil
	})

	// The malformed file is recorded as a failure, never a source error.
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pat-1", items[0].ID)
	require.NotNil(t, items[0].Document)
	assert.Equal(t, "patient", items[0].Document.RecordType)
	require.NotNil(t, items[0].Raw)
	assert.Equal(t, "file_watcher", items[0].Raw.Source)
}

func TestNewIngestionStage_RequiresWatcher(t *testing.T) {
	_, err := NewIngestionStage(IngestionConfig{})
	require.Error(t, err)
}
