package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/decision"
	"github.com/elevated-systems/restock-gardener/pkg/restock/forecast"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// runKey executes ingest, features, train, predict, evaluate and decide
// for one key. Steps are strictly sequential.
func (s *Scheduler) runKey(ctx context.Context, cycleID string, key types.Key, now time.Time) (*types.RestockDecision, error) {
	// Today's sales are still accumulating; the last complete day is yesterday
	end := types.AddDays(now, -1)
	start := types.AddDays(end, -(s.source.LookbackDays - 1))

	series, err := s.deps.Ingester.IngestKey(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	// Zero-filled days are real zero demand and count toward history
	rows := s.deps.Builder.Build(series, end)

	handle, err := s.handleFor(ctx, key, rows)
	if err != nil {
		return nil, err
	}

	dates := make([]time.Time, s.forecast.HorizonDays)
	for i := range dates {
		dates[i] = types.AddDays(end, i+1)
	}
	forecasts, err := s.deps.Predictor.Predict(handle, dates, forecast.PredictOptions{})
	if errors.Is(err, types.ErrStaleHandle) {
		// Aged out between lookup and prediction
		if handle, err = s.deps.Trainer.Train(ctx, key, rows); err != nil {
			return nil, err
		}
		forecasts, err = s.deps.Predictor.Predict(handle, dates, forecast.PredictOptions{})
	}
	if err != nil {
		return nil, err
	}

	if err := s.deps.Store.AppendForecasts(ctx, cycleID, forecasts); err != nil {
		metrics.StoreErrors.WithLabelValues("append_forecasts").Inc()
		return nil, fmt.Errorf("append forecasts for %s: %w", key, err)
	}

	if err := s.evaluate(ctx, cycleID, key, handle, series, start, end); err != nil {
		return nil, err
	}

	stock, err := s.deps.Stock.CurrentStock(ctx, key)
	if err != nil {
		return nil, err
	}

	d := decision.Decide(key, stock, forecasts[0], s.deps.Thresholds.Load(), s.clock.Now())
	d.CycleID = cycleID
	if err := s.deps.Store.AppendDecision(ctx, cycleID, d); err != nil {
		metrics.StoreErrors.WithLabelValues("append_decision").Inc()
		return nil, fmt.Errorf("append decision for %s: %w", key, err)
	}

	if d.Triggered {
		metrics.RestocksTriggered.WithLabelValues(key.ZoneID).Inc()
		metrics.RecommendedUnits.WithLabelValues(key.ZoneID).Add(d.RecommendedQuantity)
	}

	// Delivery is best effort; the results log is the record of the decision
	if s.deps.Sink != nil {
		if err := s.deps.Sink.Deliver(ctx, d); err != nil {
			klog.ErrorS(err, "Failed to deliver restock decision", "cycle", cycleID, "key", key)
		}
	}

	klog.V(2).InfoS("Key processed",
		"cycle", cycleID,
		"key", key,
		"stock", stock,
		"predicted", d.PredictedDemand,
		"triggered", d.Triggered,
		"recommended", d.RecommendedQuantity)
	return &d, nil
}

// handleFor returns the registered handle for key, retraining when it is
// absent or stale
func (s *Scheduler) handleFor(ctx context.Context, key types.Key, rows []types.FeatureRow) (*forecast.ModelHandle, error) {
	handle, err := s.deps.Registry.Get(key)
	switch {
	case errors.Is(err, types.ErrNotFound):
		klog.V(3).InfoS("No model registered, training", "key", key)
	case err != nil:
		return nil, err
	case s.deps.Predictor.IsStale(handle):
		klog.V(3).InfoS("Model is stale, retraining", "key", key, "trainedAt", handle.TrainedAt)
	default:
		return handle, nil
	}
	return s.deps.Trainer.Train(ctx, key, rows)
}

// evaluate scores forecasts previously logged for days inside the ingested
// window. Without any, it backtests the model over the last EvalWindowDays
// of the window so a fresh key still reports accuracy.
func (s *Scheduler) evaluate(ctx context.Context, cycleID string, key types.Key, handle *forecast.ModelHandle,
	series types.CanonicalSeries, start, end time.Time) error {
	prior, err := s.deps.Store.ForecastsForKey(ctx, key, start, end)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("forecasts_for_key").Inc()
		return fmt.Errorf("load prior forecasts for %s: %w", key, err)
	}

	var result types.EvaluationResult
	if len(prior) > 0 {
		result = s.deps.Evaluator.Evaluate(key, prior, series.Records)
	} else {
		backtest, err := s.backtest(handle, end)
		if err != nil {
			return err
		}
		if len(backtest) == 0 {
			return nil
		}
		result = s.deps.Evaluator.Evaluate(key, backtest, series.Records)
		result.Backtest = true
	}

	if result.SampleSize == 0 {
		klog.V(3).InfoS("Nothing to evaluate", "key", key)
		return nil
	}
	if err := s.deps.Store.AppendEvaluation(ctx, cycleID, result); err != nil {
		metrics.StoreErrors.WithLabelValues("append_evaluation").Inc()
		return fmt.Errorf("append evaluation for %s: %w", key, err)
	}

	for _, name := range []string{types.MetricMAE, types.MetricRMSE, types.MetricMAPE, types.MetricBias} {
		if v, ok := result.Metrics[name]; ok {
			metrics.ForecastError.WithLabelValues(key.ZoneID, key.ItemID, name).Set(v)
		}
	}
	klog.V(3).InfoS("Evaluated forecasts",
		"key", key,
		"samples", result.SampleSize,
		"backtest", result.Backtest,
		"mae", result.Metrics[types.MetricMAE])
	return nil
}

func (s *Scheduler) backtest(handle *forecast.ModelHandle, end time.Time) ([]types.Forecast, error) {
	if s.forecast.EvalWindowDays < 1 {
		return nil, nil
	}
	last := handle.WindowEnd
	if end.Before(last) {
		last = end
	}
	first := types.AddDays(last, -(s.forecast.EvalWindowDays - 1))
	if first.Before(handle.WindowStart) {
		first = handle.WindowStart
	}
	dates := types.DayRange(first, last)
	if len(dates) == 0 {
		return nil, nil
	}
	return s.deps.Predictor.Predict(handle, dates, forecast.PredictOptions{Backtest: true, AllowStale: true})
}
