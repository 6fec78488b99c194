// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhealth/meridian/pkg/bookmark"
	"github.com/meridianhealth/meridian/pkg/config"
	"github.com/meridianhealth/meridian/pkg/perf"
	"github.com/meridianhealth/meridian/pkg/persistence"
	"github.com/meridianhealth/meridian/pkg/persistence/document"
	"github.com/meridianhealth/meridian/pkg/persistence/relational"
	"github.com/meridianhealth/meridian/pkg/pipeline"
	"github.com/meridianhealth/meridian/pkg/quality"
	"github.com/meridianhealth/meridian/pkg/stages"
	"github.com/meridianhealth/meridian/pkg/sysmetrics"
	"github.com/meridianhealth/meridian/pkg/tracking"
	"github.com/meridianhealth/meridian/pkg/watcher"
	"github.com/meridianhealth/meridian/pkg/x12"
)

// =============================================================================
// PERSISTENCE WIRING
// =============================================================================

// newProvider builds the tracking store from config. The mongodb engine
// is served by the embedded document provider; sqlite and postgresql by
// the relational provider.
func newProvider(cfg *config.Config, logger *slog.Logger) (persistence.Provider, error) {
	db := cfg.Persistence.Database
	switch db.Type {
	case "", "sqlite":
		path := db.Path
		if path == "" {
			path = "meridian.db"
		}
		return relational.New(relational.Config{
			Dialect: relational.SQLite(),
			DSN:     path,
			Logger:  logger,
		}), nil

	case "postgresql":
		dsn := db.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				db.Username, db.Password, db.Host, db.Port, db.DatabaseName)
		}
		return relational.New(relational.Config{
			Dialect: relational.Postgres(),
			DSN:     dsn,
			Logger:  logger,
		}), nil

	case "mongodb":
		path := db.Path
		if path == "" {
			path = "meridian_docs"
		}
		return document.New(document.Config{
			Store:  document.StoreConfig{Path: path},
			Logger: logger,
		}), nil

	default:
		return nil, &config.ConfigurationError{
			Path:    "persistence.database.type",
			Message: fmt.Sprintf("unsupported engine %q", db.Type),
		}
	}
}

// openTrackingStore connects the provider and wraps it in a repository.
// The caller owns the returned provider's lifecycle.
func openTrackingStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (persistence.Provider, *tracking.Repository, error) {
	provider, err := newProvider(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := provider.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connecting tracking store: %w", err)
	}
	if err := provider.InitializeSchema(ctx); err != nil {
		_ = provider.Disconnect()
		return nil, nil, fmt.Errorf("initializing tracking schema: %w", err)
	}
	return provider, tracking.NewRepository(provider, logger), nil
}

// =============================================================================
// PIPELINE WIRING
// =============================================================================

// runtime carries one run's wired collaborators.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *tracking.Repository
	pc      *pipeline.Context
	exec    *pipeline.Executor
	monitor *sysmetrics.Monitor
	runID   string

	cleanup []func()
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

// trackerConfig builds the shared tracker settings for a run.
func trackerConfig(cfg *config.Config, runID string, repo *tracking.Repository, logger *slog.Logger) tracking.TrackerConfig {
	return tracking.TrackerConfig{
		RunID:      runID,
		Enabled:    cfg.DataIntelligence.Enabled,
		Repository: repo,
		Logger:     logger,
	}
}

// buildRuntime wires a complete pipeline run: tracking store, trackers,
// source, and stages. The run is registered in the store before this
// returns.
func buildRuntime(ctx context.Context, cfg *config.Config, repo *tracking.Repository, source pipeline.Source, logger *slog.Logger) (*runtime, error) {
	features := cfg.DataIntelligence.Features

	run, err := repo.StartRun(ctx, cfg.Pipeline.Name, map[string]any{
		"performance_mode": cfg.DataIntelligence.PerformanceMode,
		"adapter":          cfg.Adapter.Type,
		"watch_path":       cfg.Adapter.WatchPath,
		"database":         cfg.Persistence.Database.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("starting pipeline run: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, repo: repo, runID: run.ID}

	// The ingestion stage persists its own stats with the original
	// payload attached, so its tracker carries no repository.
	ingestionCfg := trackerConfig(cfg, run.ID, nil, logger)
	ingestionCfg.Enabled = cfg.DataIntelligence.Enabled && features.IngestionTracking.Enabled
	ingestionTracker := tracking.NewIngestionTracker(ingestionCfg)

	chunkingTracker := tracking.NewChunkingTracker(trackerConfig(cfg, run.ID, repo, logger))
	embeddingTracker := tracking.NewEmbeddingTracker(trackerConfig(cfg, run.ID, repo, logger))

	qualityCfg := trackerConfig(cfg, run.ID, repo, logger)
	qualityCfg.Enabled = cfg.DataIntelligence.Enabled && features.QualityScoring.Enabled
	qualityTracker := tracking.NewQualityTracker(qualityCfg)

	var audit *tracking.AuditLogger
	if cfg.DataIntelligence.Enabled && features.AuditTrail.Enabled {
		audit = tracking.NewAuditLogger(tracking.AuditConfig{
			RunID:               run.ID,
			Repository:          repo,
			AutoFlushThreshold:  features.AuditTrail.AutoFlushThreshold,
			RecordLevelTracking: features.AuditTrail.RecordLevelTrack,
			Logger:              logger,
		})
	}

	var perfTracker *perf.Tracker
	if cfg.DataIntelligence.Enabled && features.PerformanceTracking.Enabled {
		perfTracker = perf.NewTracker(run.ID, repo, logger)
	}

	if cfg.DataIntelligence.Enabled && features.SystemMetrics.Enabled {
		collector := sysmetrics.NewCollector(logger)
		rt.monitor = sysmetrics.NewMonitor(collector, 30*time.Second, logger)
		rt.monitor.Start()
		rt.cleanup = append(rt.cleanup, func() {
			rt.monitor.Stop()
			if history := rt.monitor.History(); len(history) > 0 {
				last := history[len(history)-1]
				if _, err := repo.RecordSystem(context.WithoutCancel(ctx), sysmetrics.ToModel(run.ID, last)); err != nil {
					logger.Warn("failed to persist system metrics", "error", err)
				}
			}
		})
	}

	rt.pc = pipeline.NewContext(pipeline.ContextConfig{
		Config:     cfg,
		PipelineID: run.ID,
		Name:       cfg.Pipeline.Name,
		OutputPath: cfg.Pipeline.OutputPath,
		Verbose:    verbose,
		Repository: repo,
		Audit:      audit,
		Ingestion:  ingestionTracker,
		Chunking:   chunkingTracker,
		Embedding:  embeddingTracker,
		Quality:    qualityTracker,
		Perf:       perfTracker,
		Logger:     logger,
	})

	stageImpls, err := buildStages(cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.exec, err = pipeline.NewExecutor(pipeline.ExecutorConfig{
		Source:        source,
		Stages:        stageImpls,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		Timeout:       secondsToDuration(cfg.Pipeline.TimeoutSeconds),
		Logger:        logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// buildStages constructs the enabled downstream stages from config.
func buildStages(cfg *config.Config, logger *slog.Logger) (map[string]pipeline.Stage, error) {
	impls := make(map[string]pipeline.Stage)
	stageCfg := cfg.Pipeline.Stages

	if stageCfg.Deid.Enabled {
		impls[pipeline.StageDeid] = stages.NewDeidStage(logger)
	}

	if stageCfg.Chunking.Enabled {
		chunking, err := stages.NewChunkingStage(stages.ChunkingConfig{
			ChunkSize: stageCfg.Chunking.ChunkSize,
			Overlap:   stageCfg.Chunking.Overlap,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		impls[pipeline.StageChunking] = chunking
	}

	if stageCfg.Embedding.Enabled {
		var embedder stages.Embedder
		switch stageCfg.Embedding.Provider {
		case "openai":
			embedder = stages.NewOpenAIEmbedder(stages.OpenAIEmbedderConfig{
				APIKey:     stageCfg.Embedding.APIKey,
				BaseURL:    stageCfg.Embedding.BaseURL,
				Model:      stageCfg.Embedding.Model,
				Dimensions: stageCfg.Embedding.Dimensions,
			})
		default:
			embedder = stages.NewHashEmbedder(stageCfg.Embedding.Dimensions)
		}
		embedding, err := stages.NewEmbeddingStage(stages.EmbeddingConfig{
			Embedder:  embedder,
			BatchSize: stageCfg.Embedding.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		impls[pipeline.StageEmbedding] = embedding
	}

	if stageCfg.Vectorstore.Enabled {
		var writer stages.VectorWriter
		switch stageCfg.Vectorstore.Type {
		case "weaviate":
			w, err := stages.NewWeaviateWriter(stages.WeaviateWriterConfig{
				Scheme:    stageCfg.Vectorstore.Scheme,
				Host:      stageCfg.Vectorstore.Host,
				ClassName: stageCfg.Vectorstore.ClassName,
				Logger:    logger,
			})
			if err != nil {
				return nil, err
			}
			writer = w
		default:
			writer = stages.NewMemoryWriter()
		}
		vectorstore, err := stages.NewVectorstoreStage(stages.VectorstoreConfig{
			Writer: writer,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		impls[pipeline.StageVectorstore] = vectorstore
	}

	return impls, nil
}

// buildWatcherSource wires the file-watcher ingestion source.
func buildWatcherSource(cfg *config.Config, logger *slog.Logger) (pipeline.Source, func(), error) {
	store, err := bookmark.New(bookmark.Config{
		Type: cfg.Bookmark.Type,
		Path: cfg.Bookmark.Path,
		DSN:  cfg.Bookmark.DSN,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening bookmark store: %w", err)
	}

	w, err := watcher.New(watcher.Config{
		WatchPath:    cfg.Adapter.WatchPath,
		Extensions:   cfg.Adapter.Extensions,
		Continuous:   cfg.Adapter.Continuous,
		ScanInterval: secondsToDuration(cfg.Adapter.ScanInterval),
		Notify:       cfg.Adapter.Continuous,
		Bookmarks:    store,
		Logger:       logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	source, err := stages.NewIngestionStage(stages.IngestionConfig{
		Watcher:    w,
		Dispatcher: x12.NewDispatcher(nil, logger),
		Scorer:     buildScorer(cfg),
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		w.Stop()
		if err := store.Close(); err != nil {
			logger.Warn("failed to close bookmark store", "error", err)
		}
	}
	return source, closeFn, nil
}

// buildScorer returns nil when quality scoring is disabled.
func buildScorer(cfg *config.Config) *quality.Scorer {
	di := cfg.DataIntelligence
	if !di.Enabled || !di.Features.QualityScoring.Enabled {
		return nil
	}
	scorer, err := quality.NewScorer(quality.Config{
		SamplingRate:     effectiveSamplingRate(cfg),
		MinimumBatchSize: di.Sampling.MinimumBatchSize,
	})
	if err != nil {
		return nil
	}
	return scorer
}

// effectiveSamplingRate composes the global sampling floor with the
// quality feature's own rate. The global rate caps the feature rate;
// with global sampling disabled every record is scored.
func effectiveSamplingRate(cfg *config.Config) float64 {
	di := cfg.DataIntelligence
	if !di.Sampling.Enabled {
		return 1
	}
	rate := di.Features.QualityScoring.SamplingRate
	if di.Sampling.Rate < rate {
		rate = di.Sampling.Rate
	}
	return rate
}

// executeRun drives the executor and reports the outcome. The returned
// error is non-nil for failed and cancelled runs.
func executeRun(ctx context.Context, rt *runtime) (*pipeline.RunResult, error) {
	defer rt.close()

	if audit := rt.pc.Audit(); audit != nil {
		audit.LogPipelineStarted(map[string]any{"pipeline": rt.pc.Name()})
	}

	result, err := rt.exec.Run(ctx, rt.pc)
	if err != nil {
		return nil, err
	}

	if output := rt.cfg.Pipeline.OutputPath; output != "" {
		path, err := rt.pc.ExportResults(result, "json")
		if err != nil {
			rt.logger.Warn("failed to export run results", "error", err)
		} else {
			fmt.Printf("Results written to %s\n", path)
		}
	}

	printRunSummary(result)

	switch result.Status {
	case pipeline.StatusCompleted:
		return result, nil
	case pipeline.StatusCancelled:
		return result, fmt.Errorf("run %s cancelled: %s", result.RunID, pipeline.CancelledMessage)
	default:
		return result, fmt.Errorf("run %s failed with %d errors", result.RunID, len(result.Errors))
	}
}

func printRunSummary(result *pipeline.RunResult) {
	fmt.Printf("\nRun %s: %s (%d ms)\n", result.RunID, result.Status, result.DurationMS)
	for _, stage := range pipeline.StageOrder {
		sr, ok := result.Results[stage]
		if !ok {
			continue
		}
		fmt.Printf("  %-12s %-10s processed=%d failed=%d\n", sr.Stage, sr.Status, sr.Processed, sr.Failed)
	}
	for _, warning := range result.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
