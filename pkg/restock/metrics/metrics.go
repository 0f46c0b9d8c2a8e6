package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
)

const (
	// Subsystem name used for pipeline metrics
	subsystem = "restock_gardener"
)

var (
	// CyclesTotal counts finished batch cycles by terminal state
	CyclesTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "cycles_total",
			Help:           "Number of batch cycles by terminal state",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"state"}, // "completed", "completed_with_errors", "aborted"
	)

	// CycleDuration measures wall time of batch cycles
	CycleDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      subsystem,
			Name:           "cycle_duration_seconds",
			Help:           "Duration of batch cycles",
			Buckets:        metrics.ExponentialBuckets(0.01, 2, 16),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"state"},
	)

	// SkippedTicks counts ticks dropped because a cycle was still running
	SkippedTicks = metrics.NewCounter(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "skipped_ticks_total",
			Help:           "Number of scheduler ticks dropped while a cycle was running",
			StabilityLevel: metrics.ALPHA,
		},
	)

	// KeyOutcomes counts per-key pipeline results
	KeyOutcomes = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "key_outcomes_total",
			Help:           "Number of per-key pipeline runs by result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"result"}, // "success" or an error reason such as "insufficient_history"
	)

	// TrainingsTotal counts model fits
	TrainingsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "trainings_total",
			Help:           "Number of model trainings by algorithm and result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"algorithm", "result"},
	)

	// TrainingDuration measures model fit latency
	TrainingDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      subsystem,
			Name:           "training_duration_seconds",
			Help:           "Latency of model fits",
			Buckets:        metrics.ExponentialBuckets(0.0001, 2, 15),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"algorithm"},
	)

	// ForecastsGenerated counts produced forecasts
	ForecastsGenerated = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "forecasts_total",
			Help:           "Number of forecasts produced",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"kind"}, // "forecast" or "backtest"
	)

	// ForecastError tracks the latest evaluation metrics per key
	ForecastError = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      subsystem,
			Name:           "forecast_error",
			Help:           "Latest forecast accuracy metric per key",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"zone", "item", "metric"}, // metric: "mae", "rmse", "mape"
	)

	// RestocksTriggered counts triggered restock decisions
	RestocksTriggered = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "restocks_triggered_total",
			Help:           "Number of restock decisions with the trigger set",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"zone"},
	)

	// RecommendedUnits sums recommended restock quantities
	RecommendedUnits = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "recommended_units_total",
			Help:           "Total units recommended for restock",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"zone"},
	)

	// SourceFetches counts upstream sales fetch attempts
	SourceFetches = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "source_fetch_total",
			Help:           "Number of sales source fetch attempts by result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"source", "result"}, // result: "success", "error", "retry"
	)

	// Deliveries counts decision deliveries to downstream sinks
	Deliveries = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "deliveries_total",
			Help:           "Number of restock decision deliveries by sink and result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"sink", "result"},
	)

	// StoreErrors counts failed results log and model store operations
	StoreErrors = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      subsystem,
			Name:           "store_errors_total",
			Help:           "Number of failed results log and model store operations",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics with the legacy registry
	legacyregistry.MustRegister(CyclesTotal)
	legacyregistry.MustRegister(CycleDuration)
	legacyregistry.MustRegister(SkippedTicks)
	legacyregistry.MustRegister(KeyOutcomes)
	legacyregistry.MustRegister(TrainingsTotal)
	legacyregistry.MustRegister(TrainingDuration)
	legacyregistry.MustRegister(ForecastsGenerated)
	legacyregistry.MustRegister(ForecastError)
	legacyregistry.MustRegister(RestocksTriggered)
	legacyregistry.MustRegister(RecommendedUnits)
	legacyregistry.MustRegister(SourceFetches)
	legacyregistry.MustRegister(Deliveries)
	legacyregistry.MustRegister(StoreErrors)
}
