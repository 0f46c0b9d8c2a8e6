package forecast

import (
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/features"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// PredictOptions relax the default prediction policy
type PredictOptions struct {
	// Backtest permits horizon dates inside the training window
	Backtest bool
	// AllowStale permits predicting from a handle older than the max age
	AllowStale bool
}

// Predictor produces forecasts from a borrowed ModelHandle
type Predictor struct {
	builder *features.Builder
	maxAge  time.Duration
	clock   clock.PassiveClock
}

// NewPredictor creates a predictor. Future feature rows are built with
// builder, resized to each handle's training window.
func NewPredictor(builder *features.Builder, maxAge time.Duration, clk clock.PassiveClock) *Predictor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Predictor{
		builder: builder,
		maxAge:  maxAge,
		clock:   clk,
	}
}

// IsStale reports whether handle is older than the configured max age
func (p *Predictor) IsStale(handle *ModelHandle) bool {
	return p.maxAge > 0 && handle.Age(p.clock.Now()) > p.maxAge
}

// Predict returns one forecast per horizon date, in order. Dates after the
// training window are predicted recursively, feeding each predicted day back
// as history for the next. Quantities are clamped at zero.
func (p *Predictor) Predict(handle *ModelHandle, dates []time.Time, opts PredictOptions) ([]types.Forecast, error) {
	if handle == nil || handle.model == nil {
		return nil, fmt.Errorf("%w: nil handle", types.ErrNotFound)
	}
	if !opts.AllowStale && p.IsStale(handle) {
		return nil, fmt.Errorf("%w: %s trained %s ago, max age %s",
			types.ErrStaleHandle, handle.Key, handle.Age(p.clock.Now()).Round(time.Second), p.maxAge)
	}

	builder := p.builder
	if handle.WindowSize > 0 && handle.WindowSize != builder.WindowSize() {
		builder = builder.WithWindow(handle.WindowSize)
	}

	now := p.clock.Now()
	history := append([]float64(nil), handle.History...)
	cursor := handle.WindowEnd
	out := make([]types.Forecast, 0, len(dates))

	for i, date := range dates {
		date = types.Day(date)
		if i > 0 && !date.After(types.Day(dates[i-1])) {
			return nil, fmt.Errorf("%w: horizon dates must be strictly increasing", types.ErrInvalidHorizon)
		}

		fc := types.Forecast{
			Key:          handle.Key,
			HorizonDate:  date,
			GeneratedAt:  now,
			ModelVersion: handle.Version,
			Algorithm:    handle.Algorithm,
		}

		if !date.After(handle.WindowEnd) {
			if !opts.Backtest {
				return nil, fmt.Errorf("%w: %s is inside the training window ending %s",
					types.ErrInvalidHorizon, types.FormatDay(date), types.FormatDay(handle.WindowEnd))
			}
			idx := types.DaysBetween(handle.WindowStart, date)
			if idx < 0 {
				return nil, fmt.Errorf("%w: %s precedes the training window", types.ErrInvalidHorizon, types.FormatDay(date))
			}
			row := builder.Row(handle.Key, date, handle.History[:idx])
			fc.PredictedQuantity = clamp(handle.model.Predict(row))
			fc.Backtest = true
			metrics.ForecastsGenerated.WithLabelValues("backtest").Inc()
			out = append(out, fc)
			continue
		}

		for cursor.Before(date) {
			cursor = types.AddDays(cursor, 1)
			row := builder.Row(handle.Key, cursor, history)
			history = append(history, clamp(handle.model.Predict(row)))
		}
		fc.PredictedQuantity = history[len(history)-1]
		metrics.ForecastsGenerated.WithLabelValues("forecast").Inc()
		out = append(out, fc)
	}

	return out, nil
}

// clamp reports negative or undefined predictions as zero demand
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
