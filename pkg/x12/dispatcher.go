// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package x12 dispatches X12 EDI interchanges to segment mappers.
//
// The dispatcher splits an interchange into segments, detects the
// transaction set from the GS envelope, and routes each segment to the
// first registered mapper that accepts its id. Mapper failures are
// isolated: a panicking or erroring mapper loses its segment, never the
// interchange.
package x12

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/meridianhealth/meridian/pkg/model"
)

// Transaction sentinels for degenerate inputs.
const (
	TransactionUnknown = "UNKNOWN"
	TransactionError   = "ERROR"
)

const (
	segmentTerminator = "~"
	elementSeparator  = "*"
)

// transactionByGS01 maps the GS01 functional identifier code to the
// transaction set number.
var transactionByGS01 = map[string]string{
	"HC": "837",
	"HP": "835",
	"HR": "834",
	"HI": "270",
	"HJ": "271",
	"HB": "276",
	"HN": "277",
	"HS": "278",
	"RT": "820",
	"FA": "999",
	"TA": "999",
	"RA": "277CA",
}

// MessageCache carries mutable per-interchange state between mappers:
// the claim being accumulated, last seen identifiers, and the HL
// hierarchy.
type MessageCache struct {
	CurrentClaim *model.Claim
	PatientID    string
	EncounterID  string
	LastChargeID string
	HLHierarchy  []string
	Extra        map[string]any
}

// NewMessageCache returns an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{Extra: make(map[string]any)}
}

// FlushClaim appends the claim under construction, if any, to content.
func (c *MessageCache) FlushClaim(content *model.OperationalContent) {
	if c.CurrentClaim != nil {
		content.Claims = append(content.Claims, *c.CurrentClaim)
		c.CurrentClaim = nil
	}
}

// Mapper handles one or more segment ids.
type Mapper interface {
	// Name identifies the mapper in logs.
	Name() string

	// Segments lists the segment ids the mapper handles.
	Segments() []string

	// Map folds the segment into content and cache.
	Map(segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) error
}

// Registry routes segment ids to mappers. Registration is explicit and
// first-wins: when two mappers claim the same segment id, the earlier
// registration keeps it and the shadowing is logged so the condition is
// observable.
type Registry struct {
	byID   map[string]Mapper
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{byID: make(map[string]Mapper), logger: logger}
}

// Register claims the mapper's segment ids. Already-claimed ids stay
// with their first mapper.
func (r *Registry) Register(m Mapper) {
	for _, id := range m.Segments() {
		id = strings.ToUpper(id)
		if existing, ok := r.byID[id]; ok {
			r.logger.Debug("mapper shadowed for segment",
				"segment", id, "winner", existing.Name(), "shadowed", m.Name())
			continue
		}
		r.byID[id] = m
	}
}

// lookup returns the mapper owning segmentID, or nil.
func (r *Registry) lookup(segmentID string) Mapper {
	return r.byID[segmentID]
}

// DefaultRegistry returns a registry loaded with the standard 835
// mappers.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(&ClaimMapper{})
	r.Register(&PartyMapper{})
	r.Register(&AdjustmentMapper{})
	r.Register(&ServiceLineMapper{})
	r.Register(&DateMapper{})
	r.Register(&TraceMapper{})
	return r
}

// Dispatcher parses interchanges against a registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher. A nil registry gets the defaults.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if registry == nil {
		registry = DefaultRegistry(logger)
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch parses one raw interchange into operational content. It
// never returns an error: empty input yields the UNKNOWN sentinel and
// input with no recognizable segments yields the ERROR sentinel.
func (d *Dispatcher) Dispatch(raw string) *model.OperationalContent {
	content := &model.OperationalContent{TransactionType: TransactionUnknown}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return content
	}

	var segments [][]string
	for _, part := range strings.Split(raw, segmentTerminator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segments = append(segments, strings.Split(part, elementSeparator))
	}
	if len(segments) == 0 {
		content.TransactionType = TransactionError
		return content
	}

	d.detectTransaction(segments, content)
	if content.TransactionType == TransactionUnknown && !looksLikeX12(segments) {
		content.TransactionType = TransactionError
		return content
	}

	cache := NewMessageCache()
	for _, segment := range segments {
		segmentID := strings.ToUpper(strings.TrimSpace(segment[0]))
		elements := segment[1:]
		content.SegmentCount++

		mapper := d.registry.lookup(segmentID)
		if mapper == nil {
			if !isEnvelopeSegment(segmentID) {
				content.UnmappedSegments = append(content.UnmappedSegments, segmentID)
			}
			continue
		}
		d.applyMapper(mapper, segmentID, elements, content, cache)
	}
	cache.FlushClaim(content)
	return content
}

// applyMapper isolates mapper failures, panics included.
func (d *Dispatcher) applyMapper(mapper Mapper, segmentID string, elements []string, content *model.OperationalContent, cache *MessageCache) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("segment mapper panicked",
				"segment", segmentID, "mapper", mapper.Name(), "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := mapper.Map(segmentID, elements, content, cache); err != nil {
		d.logger.Warn("segment mapper failed",
			"segment", segmentID, "mapper", mapper.Name(), "error", err)
	}
}

// detectTransaction captures the interchange and group control numbers
// and resolves GS01 to a transaction set.
func (d *Dispatcher) detectTransaction(segments [][]string, content *model.OperationalContent) {
	for _, segment := range segments {
		switch strings.ToUpper(strings.TrimSpace(segment[0])) {
		case "ISA":
			if len(segment) > 13 {
				content.InterchangeControl = strings.TrimSpace(segment[13])
			}
		case "GS":
			if len(segment) > 1 {
				if tx, ok := transactionByGS01[strings.ToUpper(strings.TrimSpace(segment[1]))]; ok {
					content.TransactionType = tx
				}
			}
			if len(segment) > 6 {
				content.GroupControl = strings.TrimSpace(segment[6])
			}
		case "ST":
			// ST01 carries the transaction set directly when the GS
			// envelope is absent.
			if content.TransactionType == TransactionUnknown && len(segment) > 1 {
				content.TransactionType = strings.TrimSpace(segment[1])
			}
		}
	}
}

// looksLikeX12 requires at least one segment with a plausible 2-3 char
// alphanumeric id and at least one element.
func looksLikeX12(segments [][]string) bool {
	for _, segment := range segments {
		id := strings.TrimSpace(segment[0])
		if len(segment) > 1 && len(id) >= 2 && len(id) <= 3 {
			return true
		}
	}
	return false
}

func isEnvelopeSegment(id string) bool {
	switch id {
	case "ISA", "IEA", "GS", "GE", "ST", "SE", "BPR", "LX":
		return true
	}
	return false
}

// ParseAmount parses an X12 monetary value. Values without a decimal
// point are implied-decimal and divided by 100; values with a point are
// taken verbatim. Malformed values come back as 0.00 with ok=false so
// the caller can warn.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, ".") {
		return v, true
	}
	return v / 100, true
}
