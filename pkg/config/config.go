// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the pipeline configuration tree.
//
// # Description
//
// Configuration is YAML deserialized into concrete structs, defaulted,
// shaped by the selected performance mode, and validated fail-fast.
// Unknown keys are ignored; invalid values produce a
// *ConfigurationError carrying a dotted path to the offending key.
//
// # Thread Safety
//
// A loaded *Config is read-only; sharing it across goroutines is safe.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize caps config files at 1MB.
const MaxYAMLFileSize = 1024 * 1024

// Performance mode presets.
const (
	ModeFast          = "fast"
	ModeStandard      = "standard"
	ModeComprehensive = "comprehensive"
)

// ConfigurationError points at the config key that failed validation.
type ConfigurationError struct {
	Path    string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error at %s: %s", e.Path, e.Message)
}

// Config is the root of the configuration tree.
type Config struct {
	DataIntelligence DataIntelligence `yaml:"data_intelligence"`
	Persistence      Persistence      `yaml:"persistence"`
	Adapter          Adapter          `yaml:"adapter"`
	Bookmark         Bookmark         `yaml:"bookmark"`
	Pipeline         Pipeline         `yaml:"pipeline"`
	Logging          Logging          `yaml:"logging"`
}

// DataIntelligence is the master tracking/telemetry switch plus its
// feature tree.
type DataIntelligence struct {
	Enabled         bool     `yaml:"enabled"`
	PerformanceMode string   `yaml:"performance_mode" validate:"omitempty,oneof=fast standard comprehensive"`
	Sampling        Sampling `yaml:"sampling"`
	Features        Features `yaml:"features"`
}

// Sampling is the global sampling floor applied across features.
type Sampling struct {
	Enabled          bool    `yaml:"enabled"`
	Rate             float64 `yaml:"rate" validate:"gte=0,lte=1"`
	MinimumBatchSize int     `yaml:"minimum_batch_size" validate:"gte=1"`
}

// Features groups the per-feature switches.
type Features struct {
	IngestionTracking     IngestionTracking     `yaml:"ingestion_tracking"`
	AuditTrail            AuditTrail            `yaml:"audit_trail"`
	QualityScoring        QualityScoring        `yaml:"quality_scoring"`
	TerminologyValidation TerminologyValidation `yaml:"terminology_validation"`
	PerformanceTracking   PerformanceTracking   `yaml:"performance_tracking"`
	SystemMetrics         SystemMetrics         `yaml:"system_metrics"`
}

type IngestionTracking struct {
	Enabled            bool     `yaml:"enabled"`
	StoreFailedRecords bool     `yaml:"store_failed_records"`
	ExportMetrics      bool     `yaml:"export_metrics"`
	ExportFormats      []string `yaml:"export_formats" validate:"dive,oneof=json csv xlsx yaml"`
}

type AuditTrail struct {
	Enabled            bool   `yaml:"enabled"`
	DetailLevel        string `yaml:"detail_level" validate:"omitempty,oneof=minimal standard comprehensive"`
	RecordLevelTrack   bool   `yaml:"record_level_tracking"`
	StructuredErrors   bool   `yaml:"structured_errors"`
	AutoFlushThreshold int    `yaml:"auto_flush_threshold" validate:"gte=0"`
}

type QualityScoring struct {
	Enabled             bool    `yaml:"enabled"`
	SamplingRate        float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	CompletenessScoring bool    `yaml:"completeness_scoring"`
	ConsistencyChecks   bool    `yaml:"consistency_checks"`
	OutlierDetection    bool    `yaml:"outlier_detection"`
	AggregateScoring    bool    `yaml:"aggregate_scoring"`
}

type TerminologyValidation struct {
	Enabled                bool     `yaml:"enabled"`
	CodeSystems            []string `yaml:"code_systems" validate:"dive,oneof=icd10 icd9 snomed rxnorm loinc cpt hcpcs"`
	CoverageReporting      bool     `yaml:"coverage_reporting"`
	UnmappedTermCollection bool     `yaml:"unmapped_terms_collection"`
	ComplianceReports      bool     `yaml:"compliance_reports"`
}

type PerformanceTracking struct {
	Enabled                     bool `yaml:"enabled"`
	StepTiming                  bool `yaml:"step_timing"`
	ResourceMonitoring          bool `yaml:"resource_monitoring"`
	BottleneckAnalysis          bool `yaml:"bottleneck_analysis"`
	OptimizationRecommendations bool `yaml:"optimization_recommendations"`
}

type SystemMetrics struct {
	Enabled                       bool `yaml:"enabled"`
	HardwareDetection             bool `yaml:"hardware_detection"`
	ResourceUtilization           bool `yaml:"resource_utilization"`
	GPUDetection                  bool `yaml:"gpu_detection"`
	OSDetection                   bool `yaml:"os_detection"`
	InfrastructureRecommendations bool `yaml:"infrastructure_recommendations"`
}

// Persistence selects the tracking database engine.
type Persistence struct {
	Database Database `yaml:"database"`
}

type Database struct {
	Type string `yaml:"type" validate:"omitempty,oneof=sqlite postgresql mongodb"`

	// Path backs the sqlite engine; DSN overrides everything else.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`

	// Document-engine connection parameters.
	Host         string `yaml:"host"`
	Port         int    `yaml:"port" validate:"gte=0,lte=65535"`
	DatabaseName string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLS          bool   `yaml:"tls"`
	TLSCAFile    string `yaml:"tls_ca_file"`
	TLSCertFile  string `yaml:"tls_cert_file"`
	ReplicaSet   string `yaml:"replica_set"`
	AuthSource   string `yaml:"auth_source"`
}

// Adapter configures the pipeline source.
type Adapter struct {
	Type         string   `yaml:"type" validate:"omitempty,oneof=file_watcher"`
	WatchPath    string   `yaml:"watch_path"`
	Extensions   []string `yaml:"extensions"`
	Continuous   bool     `yaml:"continuous"`
	ScanInterval float64  `yaml:"scan_interval" validate:"gte=0"`
}

// Bookmark configures the processed-file store.
type Bookmark struct {
	Type string `yaml:"type" validate:"omitempty,oneof=file sqlite postgres redis s3"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

// Pipeline configures the executor and its stages.
type Pipeline struct {
	Name           string  `yaml:"name"`
	OutputPath     string  `yaml:"output_path"`
	TimeoutSeconds float64 `yaml:"timeout_seconds" validate:"gte=0"`
	QueueCapacity  int     `yaml:"queue_capacity" validate:"gte=1"`
	Stages         Stages  `yaml:"stages"`
}

// Stages holds the per-stage switches and knobs. Ingestion is always
// enabled; it is the source.
type Stages struct {
	Deid        DeidStage        `yaml:"deid"`
	Chunking    ChunkingStage    `yaml:"chunking"`
	Embedding   EmbeddingStage   `yaml:"embedding"`
	Vectorstore VectorstoreStage `yaml:"vectorstore"`
}

type DeidStage struct {
	Enabled bool `yaml:"enabled"`
}

type ChunkingStage struct {
	Enabled   bool `yaml:"enabled"`
	ChunkSize int  `yaml:"chunk_size" validate:"gte=1"`
	Overlap   int  `yaml:"overlap" validate:"gte=0"`
}

type EmbeddingStage struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider" validate:"omitempty,oneof=openai hash"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions" validate:"gte=1"`
	BatchSize  int    `yaml:"batch_size" validate:"gte=1"`
}

type VectorstoreStage struct {
	Enabled   bool   `yaml:"enabled"`
	Type      string `yaml:"type" validate:"omitempty,oneof=weaviate memory"`
	Scheme    string `yaml:"scheme"`
	Host      string `yaml:"host"`
	ClassName string `yaml:"class_name"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the standard-mode configuration.
func DefaultConfig() *Config {
	return &Config{
		DataIntelligence: DataIntelligence{
			Enabled:         true,
			PerformanceMode: ModeStandard,
			Sampling:        Sampling{Enabled: true, Rate: 1.0, MinimumBatchSize: 1},
			Features: Features{
				IngestionTracking: IngestionTracking{
					Enabled:            true,
					StoreFailedRecords: true,
					ExportFormats:      []string{"json"},
				},
				AuditTrail: AuditTrail{
					Enabled:            true,
					DetailLevel:        "standard",
					StructuredErrors:   true,
					AutoFlushThreshold: 100,
				},
				QualityScoring: QualityScoring{
					Enabled:             true,
					SamplingRate:        1.0,
					CompletenessScoring: true,
					ConsistencyChecks:   true,
					OutlierDetection:    true,
					AggregateScoring:    true,
				},
				PerformanceTracking: PerformanceTracking{
					Enabled:            true,
					StepTiming:         true,
					BottleneckAnalysis: true,
				},
				SystemMetrics: SystemMetrics{
					Enabled:           true,
					HardwareDetection: true,
					OSDetection:       true,
				},
			},
		},
		Persistence: Persistence{Database: Database{Type: "sqlite", Path: "meridian.db"}},
		Adapter: Adapter{
			Type:         "file_watcher",
			WatchPath:    "data/incoming",
			Extensions:   []string{".json"},
			ScanInterval: 1.0,
		},
		Bookmark: Bookmark{Type: "file", Path: "data/bookmarks.jsonl"},
		Pipeline: Pipeline{
			Name:          "meridian",
			OutputPath:    "data/output",
			QueueCapacity: 1024,
			Stages: Stages{
				Chunking:    ChunkingStage{Enabled: true, ChunkSize: 1200, Overlap: 150},
				Embedding:   EmbeddingStage{Enabled: true, Provider: "hash", Dimensions: 384, BatchSize: 16},
				Vectorstore: VectorstoreStage{Enabled: true, Type: "memory", Scheme: "http", Host: "localhost:8080", ClassName: "ClinicalChunk"},
			},
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads, defaults, shapes, and validates the file at path. A
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, &ConfigurationError{Path: "file", Message: err.Error()}
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, &ConfigurationError{Path: "file", Message: fmt.Sprintf("config file exceeds %d bytes", MaxYAMLFileSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: "file", Message: err.Error()}
	}
	return Parse(data)
}

// Parse decodes raw YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Path: "yaml", Message: err.Error()}
	}
	cfg.applyPerformanceMode()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPerformanceMode shapes the sampling and analysis flags per the
// selected preset. Fast trades coverage for throughput; comprehensive
// turns everything on at full rate.
func (c *Config) applyPerformanceMode() {
	switch c.DataIntelligence.PerformanceMode {
	case ModeFast:
		c.DataIntelligence.Sampling.Rate = 0.1
		c.DataIntelligence.Features.QualityScoring.SamplingRate = 0.1
		c.DataIntelligence.Features.QualityScoring.OutlierDetection = false
		c.DataIntelligence.Features.AuditTrail.RecordLevelTrack = false
		c.DataIntelligence.Features.SystemMetrics.ResourceUtilization = false
	case ModeComprehensive:
		c.DataIntelligence.Sampling.Rate = 1.0
		c.DataIntelligence.Features.QualityScoring.SamplingRate = 1.0
		c.DataIntelligence.Features.QualityScoring.OutlierDetection = true
		c.DataIntelligence.Features.AuditTrail.RecordLevelTrack = true
		c.DataIntelligence.Features.PerformanceTracking.ResourceMonitoring = true
		c.DataIntelligence.Features.SystemMetrics.ResourceUtilization = true
	}
}

// Validate runs struct validation and maps the first failure to a
// *ConfigurationError with a dotted path.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return &ConfigurationError{Path: "config", Message: invalid.Error()}
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ConfigurationError{
			Path:    dottedPath(fe.StructNamespace()),
			Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ConfigurationError{Path: "config", Message: err.Error()}
}

// dottedPath converts a validator struct namespace like
// "Config.DataIntelligence.Sampling.Rate" into the YAML-facing
// "data_intelligence.sampling.rate".
func dottedPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		parts[i] = toSnake(part)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	// Known initialisms keep their YAML spellings.
	switch s {
	case "DSN", "TLS", "JSON":
		return strings.ToLower(s)
	case "TLSCAFile":
		return "tls_ca_file"
	case "TLSCertFile":
		return "tls_cert_file"
	case "GPUDetection":
		return "gpu_detection"
	case "OSDetection":
		return "os_detection"
	case "APIKey":
		return "api_key"
	case "BaseURL":
		return "base_url"
	case "DatabaseName":
		return "database"
	case "RecordLevelTrack":
		return "record_level_tracking"
	case "UnmappedTermCollection":
		return "unmapped_terms_collection"
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
