package main

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/calendar"
	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/eval"
	"github.com/elevated-systems/restock-gardener/pkg/restock/features"
	"github.com/elevated-systems/restock-gardener/pkg/restock/forecast"
	"github.com/elevated-systems/restock-gardener/pkg/restock/health"
	"github.com/elevated-systems/restock-gardener/pkg/restock/ingest"
	"github.com/elevated-systems/restock-gardener/pkg/restock/inventory"
	"github.com/elevated-systems/restock-gardener/pkg/restock/scheduler"
	"github.com/elevated-systems/restock-gardener/pkg/restock/store"
)

// pipeline is the fully wired daemon
type pipeline struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	registry   *forecast.Registry
	predictor  *forecast.Predictor
	thresholds *config.ThresholdStore
	scheduler  *scheduler.Scheduler
	monitor    *health.Monitor

	closers []func()
}

// newPipeline opens every collaborator named by cfg and restores the
// models and last cycle from the results store.
func newPipeline(ctx context.Context, cfg *config.Config, clk clock.WithTicker) (_ *pipeline, err error) {
	p := &pipeline{cfg: cfg}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.store, err = store.NewSQLiteStoreWithClock(cfg.Store.Path, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to open results store: %v", err)
	}
	p.closers = append(p.closers, func() { p.store.Close() })

	source, closeSource, err := ingest.NewSource(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open sales source: %v", err)
	}
	if closeSource != nil {
		p.closers = append(p.closers, func() { closeSource() })
	}

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("failed to build calendar: %v", err)
	}
	builder := features.NewBuilder(cfg.Forecast.WindowSize, cfg.Calendar.Locale, cal)

	p.registry = forecast.NewRegistry()
	restored, err := p.registry.Restore(ctx, p.store)
	if err != nil {
		return nil, fmt.Errorf("failed to restore models: %v", err)
	}

	trainer, err := forecast.NewTrainer(p.registry, cfg.Forecast, p.store, clk)
	if err != nil {
		return nil, err
	}
	p.predictor = forecast.NewPredictor(builder, cfg.Forecast.MaxModelAge, clk)

	boundary, err := inventory.New(ctx, cfg.Inventory, cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("failed to build inventory boundary: %v", err)
	}
	p.closers = append(p.closers, boundary.Close)

	p.thresholds = config.NewThresholdStore(cfg.Decision.Thresholds)

	deps := scheduler.Dependencies{
		Ingester:   ingest.NewAdapter(source, cfg.Source),
		Builder:    builder,
		Registry:   p.registry,
		Trainer:    trainer,
		Predictor:  p.predictor,
		Evaluator:  eval.NewEvaluator(clk),
		Stock:      boundary.Stock,
		Store:      p.store,
		Thresholds: p.thresholds,
		Clock:      clk,
	}
	if boundary.Sinks.Len() > 0 {
		deps.Sink = boundary.Sinks
	}

	p.scheduler, err = scheduler.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := p.scheduler.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore last cycle: %v", err)
	}

	p.monitor = health.NewMonitor(p.registry, p.predictor, p.scheduler)

	klog.InfoS("Pipeline ready",
		"source", source.Name(),
		"inventory", cfg.Inventory.Kind,
		"restoredModels", restored,
		"store", cfg.Store.Path)
	return p, nil
}

// Close releases collaborators in reverse order of opening
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
