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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhealth/meridian/pkg/model"
)

// DefaultQueueCapacity bounds each inter-stage channel.
const DefaultQueueCapacity = 1024

// ErrNoSource indicates Run was called without a source stage.
var ErrNoSource = errors.New("pipeline: no source stage configured")

var errStopped = errors.New("pipeline: stop signal")

// ExecutorConfig configures one executor.
type ExecutorConfig struct {
	// Source originates items; required.
	Source Source

	// Stages maps stage names (deid..vectorstore) to implementations.
	// Enabled stages without an implementation are skipped with a
	// warning.
	Stages map[string]Stage

	// QueueCapacity bounds each inter-stage channel. Default 1024.
	QueueCapacity int

	// Timeout ends the run with a cancelled status when positive.
	Timeout time.Duration

	// Registerer receives the executor's prometheus metrics. Nil keeps
	// them off the default registry.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Executor runs one worker goroutine per enabled stage over bounded
// channels.
//
// # Thread Safety
//
// Run is single-use per call; Stop may be called from any goroutine and
// is idempotent.
type Executor struct {
	cfg     ExecutorConfig
	logger  *slog.Logger
	metrics *executorMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

type executorMetrics struct {
	itemsIn  *prometheus.CounterVec
	itemsOut *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newExecutorMetrics(reg prometheus.Registerer) *executorMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &executorMetrics{
		itemsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_pipeline_items_in_total",
			Help: "Items consumed per stage",
		}, []string{"stage"}),
		itemsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_pipeline_items_out_total",
			Help: "Items emitted per stage",
		}, []string{"stage"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_pipeline_item_failures_total",
			Help: "Item-scoped stage failures",
		}, []string{"stage"}),
	}
}

// NewExecutor validates cfg and builds an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "executor"),
		metrics: newExecutorMetrics(cfg.Registerer),
		stopCh:  make(chan struct{}),
	}, nil
}

// Stop sets the shared stop signal. Workers finish their current item,
// push a sentinel, and exit. Idempotent.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
	})
}

// Run executes the pipeline to completion and reports per-stage
// results. The run status is cancelled when the stop signal or timeout
// fired, failed when any stage failed, completed otherwise.
func (e *Executor) Run(ctx context.Context, pc *Context) (*RunResult, error) {
	started := time.Now()

	tracer := otel.Tracer("meridian.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("pipeline.id", pc.PipelineID()))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The stop signal and the context are one cancellation domain:
	// Stop cancels the context, and an externally cancelled context
	// raises the stop signal so workers and sentinels never block.
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-runCtx.Done():
			e.Stop()
		}
	}()
	if e.cfg.Timeout > 0 {
		timer := time.AfterFunc(e.cfg.Timeout, e.Stop)
		defer timer.Stop()
	}

	enabled := e.resolveStages(pc)
	e.warnDependencyGaps(pc, enabled)

	if audit := pc.Audit(); audit != nil {
		audit.LogPipelineStarted(map[string]any{"stages": enabled})
	}

	queues := make(map[string]chan *Item, len(enabled))
	for _, name := range enabled {
		queues[name] = make(chan *Item, e.cfg.QueueCapacity)
	}

	results := make(map[string]*StageResult, len(enabled))
	var resultsMu sync.Mutex
	record := func(r *StageResult) {
		resultsMu.Lock()
		results[r.Stage] = r
		resultsMu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		record(e.runSource(runCtx, pc, queues[StageIngestion]))
		return nil
	})
	for i, name := range enabled {
		if name == StageIngestion {
			continue
		}
		stage := e.cfg.Stages[name]
		in := queues[nearestEnabled(enabled, i)]
		out := queues[name]
		g.Go(func() error {
			record(e.runStage(runCtx, pc, stage, in, out))
			return nil
		})
	}

	// The terminal stage's output has no consumer; drain it so its
	// worker never blocks on a full queue.
	last := enabled[len(enabled)-1]
	var drained []*Item
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for {
			select {
			case item := <-queues[last]:
				if item == nil {
					return
				}
				drained = append(drained, item)
			case <-e.stopCh:
				// Sweep whatever already arrived, then stop.
				for {
					select {
					case item := <-queues[last]:
						if item == nil {
							return
						}
						drained = append(drained, item)
					default:
						return
					}
				}
			}
		}
	}()

	_ = g.Wait()
	drainWG.Wait()

	if r := results[last]; r != nil {
		r.Results = drained
	}

	status := StatusCompleted
	if e.stopped.Load() || ctx.Err() != nil {
		status = StatusCancelled
		pc.AddError("", CancelledMessage)
	} else {
		for _, r := range results {
			if r.Status == StatusFailed {
				status = StatusFailed
				break
			}
		}
	}

	result := &RunResult{
		RunID:      pc.PipelineID(),
		Status:     status,
		Results:    results,
		DurationMS: time.Since(started).Milliseconds(),
		Warnings:   pc.Warnings(),
	}
	for _, stageErr := range pc.Errors() {
		result.Errors = append(result.Errors, stageErr.String())
	}

	e.finishRun(ctx, pc, status)
	span.SetAttributes(attribute.String("pipeline.status", status))
	return result, nil
}

// finishRun closes out telemetry and the persisted run row. It uses an
// uncancelled context so a timed-out run still reaches its terminal
// state.
func (e *Executor) finishRun(ctx context.Context, pc *Context, status string) {
	if perfTracker := pc.Perf(); perfTracker != nil {
		perfTracker.Finish()
	}
	runStatus := model.RunStatus(status)
	if audit := pc.Audit(); audit != nil {
		audit.LogPipelineCompleted(runStatus, nil)
		audit.Flush()
	}
	if repo := pc.Repository(); repo != nil {
		flushCtx := context.WithoutCancel(ctx)
		errMsg := ""
		if status != StatusCompleted {
			errMsg = CancelledMessage
			if status == StatusFailed {
				errMsg = "one or more stages failed"
			}
		}
		if err := repo.CompleteRun(flushCtx, pc.PipelineID(), runStatus, errMsg); err != nil {
			e.logger.Error("failed to complete run", "run_id", pc.PipelineID(), "error", err)
		}
	}
}

// runSource drives the source stage, forwarding each produced item into
// the ingestion queue and closing it with a sentinel.
func (e *Executor) runSource(runCtx context.Context, pc *Context, out chan<- *Item) *StageResult {
	res := &StageResult{Stage: StageIngestion, Status: StatusCompleted}
	_, span := otel.Tracer("meridian.pipeline").Start(runCtx, "pipeline.stage.ingestion")
	defer span.End()

	pc.StartStage(StageIngestion)
	defer pc.EndStage(StageIngestion)
	defer e.pushSentinel(out)

	emit := func(emitCtx context.Context, item *Item) error {
		select {
		case <-e.stopCh:
			return errStopped
		case <-emitCtx.Done():
			return emitCtx.Err()
		case out <- item:
			res.Processed++
			e.metrics.itemsOut.WithLabelValues(StageIngestion).Inc()
			return nil
		}
	}

	err := e.cfg.Source.Produce(runCtx, pc, emit)
	switch {
	case errors.Is(err, errStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusCancelled
	case err != nil:
		res.Status = StatusFailed
		res.Error = err.Error()
		pc.AddError(StageIngestion, err.Error())
	}
	return res
}

// runStage consumes items until the sentinel or the stop signal,
// forwarding each transformed item downstream.
func (e *Executor) runStage(runCtx context.Context, pc *Context, stage Stage, in <-chan *Item, out chan<- *Item) *StageResult {
	name := stage.Name()
	res := &StageResult{Stage: name, Status: StatusCompleted}
	_, span := otel.Tracer("meridian.pipeline").Start(runCtx, "pipeline.stage."+name)
	defer span.End()

	pc.StartStage(name)
	defer pc.EndStage(name)
	defer e.pushSentinel(out)

	for {
		select {
		case <-e.stopCh:
			res.Status = StatusCancelled
			return res
		case item := <-in:
			if item == nil {
				return res
			}
			e.metrics.itemsIn.WithLabelValues(name).Inc()

			next, err := e.executeItem(runCtx, pc, stage, item)
			if err != nil {
				res.Failed++
				e.metrics.failures.WithLabelValues(name).Inc()
				e.logger.Warn("stage item failed", "stage", name, "item", item.ID, "error", err)
				continue
			}
			res.Processed++
			if next == nil {
				continue
			}

			select {
			case <-e.stopCh:
				res.Status = StatusCancelled
				return res
			case out <- next:
				e.metrics.itemsOut.WithLabelValues(name).Inc()
			}
		}
	}
}

// executeItem isolates stage panics so a bad record cannot take down
// the worker.
func (e *Executor) executeItem(ctx context.Context, pc *Context, stage Stage, item *Item) (next *Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return stage.Execute(ctx, pc, item)
}

// pushSentinel closes a stage's output stream. When the run is being
// stopped and the queue is full, the consumer has already exited via
// the stop signal, so an undeliverable sentinel is dropped.
func (e *Executor) pushSentinel(out chan<- *Item) {
	select {
	case out <- nil:
	case <-e.stopCh:
		select {
		case out <- nil:
		default:
		}
	}
}

// resolveStages returns the enabled stage names in pipeline order.
// Enabled stages without an implementation are excluded with a warning.
func (e *Executor) resolveStages(pc *Context) []string {
	enabled := []string{StageIngestion}
	for _, name := range StageOrder[1:] {
		if !pc.IsStageEnabled(name) {
			continue
		}
		if _, ok := e.cfg.Stages[name]; !ok {
			pc.AddWarning(fmt.Sprintf("stage %s is enabled but has no implementation; skipping", name))
			continue
		}
		enabled = append(enabled, name)
	}
	return enabled
}

// warnDependencyGaps flags enabled stages whose preferred upstream is
// missing. Gaps degrade the chain (the stage reads from the nearest
// enabled upstream) but never fail the run.
func (e *Executor) warnDependencyGaps(pc *Context, enabled []string) {
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}
	for _, name := range enabled {
		deps := stageDependencies[name]
		if len(deps) == 0 {
			continue
		}
		satisfied := false
		for _, dep := range deps {
			if on[dep] {
				satisfied = true
				break
			}
		}
		if !satisfied {
			pc.AddWarning(fmt.Sprintf("stage %s is enabled without its upstream %s", name, deps[0]))
		}
	}
}

// nearestEnabled returns the name of the closest enabled stage before
// index i.
func nearestEnabled(enabled []string, i int) string {
	return enabled[i-1]
}
