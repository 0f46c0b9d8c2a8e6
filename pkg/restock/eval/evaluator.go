package eval

import (
	"math"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Evaluator scores forecasts against realized demand
type Evaluator struct {
	clock clock.PassiveClock
}

// NewEvaluator creates a new evaluator
func NewEvaluator(clk clock.PassiveClock) *Evaluator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Evaluator{clock: clk}
}

// Evaluate pairs each forecast for key with the realized quantity on its
// horizon date. Dates without a realized record are excluded and never
// counted as zero. When several forecasts share a horizon date the most
// recently generated one is used.
//
// MAPE is computed only over samples with a positive realized quantity and
// is omitted from the result when there are none; mape_samples reports how
// many samples it covers.
func (e *Evaluator) Evaluate(key types.Key, predictions []types.Forecast, realized []types.SalesRecord) types.EvaluationResult {
	result := types.EvaluationResult{
		Key:         key,
		Metrics:     map[string]float64{},
		EvaluatedAt: e.clock.Now(),
	}

	actual := make(map[string]float64)
	for _, r := range realized {
		if r.Key() != key {
			continue
		}
		actual[types.FormatDay(r.Date)] += float64(r.Quantity)
	}

	latest := make(map[string]types.Forecast)
	for _, f := range predictions {
		if f.Key != key {
			continue
		}
		day := types.FormatDay(f.HorizonDate)
		if prev, ok := latest[day]; !ok || f.GeneratedAt.After(prev.GeneratedAt) {
			latest[day] = f
		}
	}

	var absSum, sqSum, signedSum, apeSum float64
	var apeCount int
	var newest types.Forecast

	for day, f := range latest {
		y, ok := actual[day]
		if !ok {
			continue
		}
		result.SampleSize++
		err := f.PredictedQuantity - y
		absSum += math.Abs(err)
		sqSum += err * err
		signedSum += err
		if y > 0 {
			apeSum += math.Abs(err) / y
			apeCount++
		}
		if f.Backtest {
			result.Backtest = true
		}
		if newest.GeneratedAt.IsZero() || f.GeneratedAt.After(newest.GeneratedAt) {
			newest = f
		}
	}

	if result.SampleSize == 0 {
		klog.V(3).InfoS("No forecasts matched realized demand", "key", key,
			"forecasts", len(latest), "realized", len(actual))
		return result
	}

	n := float64(result.SampleSize)
	result.ModelVersion = newest.ModelVersion
	result.Metrics[types.MetricMAE] = absSum / n
	result.Metrics[types.MetricRMSE] = math.Sqrt(sqSum / n)
	result.Metrics[types.MetricBias] = signedSum / n
	result.Metrics[types.MetricMAPESamples] = float64(apeCount)
	if apeCount > 0 {
		result.Metrics[types.MetricMAPE] = apeSum / float64(apeCount) * 100
	}

	return result
}
