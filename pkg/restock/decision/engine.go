package decision

import (
	"math"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// ThresholdConfig resolves restock rules for a key
type ThresholdConfig interface {
	ReorderPointFor(key types.Key) float64
	SafetyFactorFor(key types.Key) float64
}

// Decide turns a forecast and the current stock into a restock decision.
// It is a pure function of its inputs:
//
//	triggered   = stock < reorderPoint(key)
//	recommended = max(0, predicted*safetyFactor - stock) when triggered, else 0
func Decide(key types.Key, currentStock int, forecast types.Forecast, thresholds ThresholdConfig, now time.Time) types.RestockDecision {
	reorderPoint := thresholds.ReorderPointFor(key)
	safetyFactor := thresholds.SafetyFactorFor(key)

	d := types.RestockDecision{
		Key:             key,
		CurrentStock:    currentStock,
		PredictedDemand: forecast.PredictedQuantity,
		ThresholdUsed:   reorderPoint,
		SafetyFactor:    safetyFactor,
		DecidedAt:       now,
		HorizonDate:     forecast.HorizonDate,
		ModelVersion:    forecast.ModelVersion,
	}

	if float64(currentStock) < reorderPoint {
		d.Triggered = true
		d.RecommendedQuantity = math.Max(0, forecast.PredictedQuantity*safetyFactor-float64(currentStock))
	}
	return d
}
