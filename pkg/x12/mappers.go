// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package x12

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meridianhealth/meridian/pkg/model"
)

// claimStatusByCode maps CLP02 claim status codes to their domain
// reading.
var claimStatusByCode = map[string]string{
	"1":  "processed",
	"2":  "processed",
	"3":  "processed",
	"4":  "adjusted",
	"19": "processed",
	"20": "processed",
	"21": "processed",
	"22": "reversed",
}

// element safely reads elements[i], returning "" past the end.
func element(elements []string, i int) string {
	if i < 0 || i >= len(elements) {
		return ""
	}
	return strings.TrimSpace(elements[i])
}

// amount parses a monetary element, accumulating a warning for
// malformed values. Empty elements are silently zero.
func amount(elements []string, i int, field string, warnings *[]string) float64 {
	raw := element(elements, i)
	if raw == "" {
		return 0
	}
	v, ok := ParseAmount(raw)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("%s=%q", field, raw))
	}
	return v
}

func warningsError(segmentID string, warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	return fmt.Errorf("malformed amounts in %s defaulted to 0.00: %s", segmentID, strings.Join(warnings, ", "))
}

// ClaimMapper opens a claim loop from a CLP segment. The claim stays
// in the cache until the next CLP or end of interchange so CAS and SVC
// segments can attach to it.
type ClaimMapper struct{}

func (m *ClaimMapper) Name() string       { return "ClaimMapper" }
func (m *ClaimMapper) Segments() []string { return []string{"CLP"} }

func (m *ClaimMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	cache.FlushClaim(content)

	var warnings []string
	claim := &model.Claim{
		ClaimID:            element(elements, 0),
		TotalChargeAmount:  amount(elements, 2, "CLP03", &warnings),
		TotalPaymentAmount: amount(elements, 3, "CLP04", &warnings),
		PatientResponsible: amount(elements, 4, "CLP05", &warnings),
		PayerControlNumber: element(elements, 6),
	}
	status := element(elements, 1)
	claim.ClaimStatus = claimStatusByCode[status]
	if claim.ClaimStatus == "" {
		claim.ClaimStatus = "unknown"
	}
	cache.CurrentClaim = claim
	return warningsError(segmentID, warnings)
}

// PartyMapper routes NM1 segments to patients, providers, or payers by
// entity code.
type PartyMapper struct{}

func (m *PartyMapper) Name() string       { return "PartyMapper" }
func (m *PartyMapper) Segments() []string { return []string{"NM1"} }

func (m *PartyMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	party := model.Party{
		EntityCode: element(elements, 0),
		LastName:   element(elements, 2),
		FirstName:  element(elements, 3),
		Identifier: element(elements, 8),
	}
	switch party.EntityCode {
	case "QC", "IL":
		content.Patients = append(content.Patients, party)
		if party.Identifier != "" {
			cache.PatientID = party.Identifier
		}
	case "PR":
		content.Payers = append(content.Payers, party)
	default:
		content.Providers = append(content.Providers, party)
	}
	return nil
}

// AdjustmentMapper attaches CAS adjustment triplets to the open claim.
type AdjustmentMapper struct{}

func (m *AdjustmentMapper) Name() string       { return "AdjustmentMapper" }
func (m *AdjustmentMapper) Segments() []string { return []string{"CAS"} }

func (m *AdjustmentMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	if cache.CurrentClaim == nil {
		return fmt.Errorf("CAS segment outside a claim loop")
	}
	group := element(elements, 0)

	var warnings []string
	// CAS repeats (reason, amount, quantity) triplets after the group
	// code.
	for i := 1; i < len(elements); i += 3 {
		reason := element(elements, i)
		if reason == "" {
			continue
		}
		cache.CurrentClaim.Adjustments = append(cache.CurrentClaim.Adjustments, model.Adjustment{
			GroupCode:  group,
			ReasonCode: reason,
			Amount:     amount(elements, i+1, fmt.Sprintf("CAS%02d", i+2), &warnings),
		})
	}
	return warningsError(segmentID, warnings)
}

// ServiceLineMapper attaches SVC service lines to the open claim.
type ServiceLineMapper struct{}

func (m *ServiceLineMapper) Name() string       { return "ServiceLineMapper" }
func (m *ServiceLineMapper) Segments() []string { return []string{"SVC"} }

func (m *ServiceLineMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	if cache.CurrentClaim == nil {
		return fmt.Errorf("SVC segment outside a claim loop")
	}

	// SVC01 is a composite like "HC:99213"; the procedure code follows
	// the qualifier.
	procedure := element(elements, 0)
	if _, after, ok := strings.Cut(procedure, ":"); ok {
		procedure = after
	}

	var warnings []string
	line := model.ServiceLine{
		ProcedureCode: procedure,
		ChargeAmount:  amount(elements, 1, "SVC02", &warnings),
		PaidAmount:    amount(elements, 2, "SVC03", &warnings),
	}
	if units := element(elements, 4); units != "" {
		// Units carry no implied decimal, so SVC05 is read verbatim.
		if v, err := strconv.ParseFloat(units, 64); err == nil {
			line.Units = v
		} else {
			warnings = append(warnings, fmt.Sprintf("SVC05=%q", units))
		}
	}
	cache.CurrentClaim.ServiceLines = append(cache.CurrentClaim.ServiceLines, line)
	return warningsError(segmentID, warnings)
}

// DateMapper collects DTM qualified dates.
type DateMapper struct{}

func (m *DateMapper) Name() string       { return "DateMapper" }
func (m *DateMapper) Segments() []string { return []string{"DTM"} }

func (m *DateMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	qualifier := element(elements, 0)
	value := element(elements, 1)
	if qualifier == "" || value == "" {
		return fmt.Errorf("DTM segment missing qualifier or value")
	}
	content.Dates = append(content.Dates, model.DatedValue{Qualifier: qualifier, Value: value})
	return nil
}

// TraceMapper collects TRN reassociation trace numbers.
type TraceMapper struct{}

func (m *TraceMapper) Name() string       { return "TraceMapper" }
func (m *TraceMapper) Segments() []string { return []string{"TRN"} }

func (m *TraceMapper) Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error {
	if trace := element(elements, 1); trace != "" {
		content.TraceNumbers = append(content.TraceNumbers, trace)
	}
	return nil
}
