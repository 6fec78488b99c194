// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import "time"

// SourceFormat identifies the wire format a payload arrived in.
type SourceFormat string

const (
	FormatFHIR    SourceFormat = "fhir"
	FormatHL7     SourceFormat = "hl7v2"
	FormatX12     SourceFormat = "x12"
	FormatUnknown SourceFormat = "unknown"
)

// RawPayload is what the source adapter emits: the file contents plus
// enough provenance for tracking and replay.
type RawPayload struct {
	Path      string
	Data      string
	SizeBytes int64
	Source    string
	ReadAt    time.Time
}

// ClinicalDocument is the normalized record produced by the ingestion
// stage, regardless of source format. Fields is the flattened view used
// by quality scoring; Text is the narrative content that downstream
// stages chunk and embed.
type ClinicalDocument struct {
	ID          string              `json:"id"`
	RecordType  string              `json:"record_type"`
	Format      SourceFormat        `json:"format"`
	SourcePath  string              `json:"source_path,omitempty"`
	Fields      map[string]any      `json:"fields,omitempty"`
	Text        string              `json:"text,omitempty"`
	Operational *OperationalContent `json:"operational,omitempty"`
	SizeBytes   int64               `json:"size_bytes"`
	IngestedAt  time.Time           `json:"ingested_at"`
}

// Chunk is one retrieval unit cut from a document.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Index      int            `json:"index"`
	Text       string         `json:"text"`
	Section    string         `json:"section,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
	Overlap    int            `json:"overlap"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Vector     []float32      `json:"-"`
	Dimensions int            `json:"dimensions,omitempty"`
}

// =============================================================================
// X12 Operational Content
// =============================================================================

// OperationalContent is the accumulated output of dispatching one X12
// interchange. Mappers append to it segment by segment.
//
// TransactionType is the detected transaction set ("835", "837", ...),
// or "UNKNOWN" for empty input and "ERROR" for unparseable input.
type OperationalContent struct {
	TransactionType    string       `json:"transaction_type"`
	InterchangeControl string       `json:"interchange_control,omitempty"`
	GroupControl       string       `json:"group_control,omitempty"`
	Claims             []Claim      `json:"claims,omitempty"`
	Patients           []Party      `json:"patients,omitempty"`
	Providers          []Party      `json:"providers,omitempty"`
	Payers             []Party      `json:"payers,omitempty"`
	TraceNumbers       []string     `json:"trace_numbers,omitempty"`
	Dates              []DatedValue `json:"dates,omitempty"`
	SegmentCount       int          `json:"segment_count"`
	UnmappedSegments   []string     `json:"unmapped_segments,omitempty"`
}

// Claim is one CLP loop from an 835 (or claim loop from an 837).
type Claim struct {
	ClaimID            string        `json:"claim_id"`
	ClaimStatus        string        `json:"claim_status"`
	TotalChargeAmount  float64       `json:"total_charge_amount"`
	TotalPaymentAmount float64       `json:"total_payment_amount"`
	PatientResponsible float64       `json:"patient_responsibility,omitempty"`
	PayerControlNumber string        `json:"payer_control_number,omitempty"`
	ServiceLines       []ServiceLine `json:"service_lines,omitempty"`
	Adjustments        []Adjustment  `json:"adjustments,omitempty"`
}

// ServiceLine is one SVC segment attached to a claim.
type ServiceLine struct {
	ProcedureCode string  `json:"procedure_code"`
	ChargeAmount  float64 `json:"charge_amount"`
	PaidAmount    float64 `json:"paid_amount"`
	Units         float64 `json:"units,omitempty"`
}

// Adjustment is one CAS segment entry.
type Adjustment struct {
	GroupCode  string  `json:"group_code"`
	ReasonCode string  `json:"reason_code"`
	Amount     float64 `json:"amount"`
}

// Party is a named entity from an NM1 segment (patient, provider, payer).
type Party struct {
	EntityCode string `json:"entity_code"`
	LastName   string `json:"last_name,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// DatedValue is a qualified date from a DTM segment.
type DatedValue struct {
	Qualifier string `json:"qualifier"`
	Value     string `json:"value"`
}
