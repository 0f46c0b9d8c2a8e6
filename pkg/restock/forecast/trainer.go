package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/features"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// DefaultMinTrainingRows is the fewest realized rows a key needs to train
const DefaultMinTrainingRows = 14

// Trainer fits models and stores them in the Registry
type Trainer struct {
	registry   *Registry
	store      HandleStore
	cfg        config.ForecastConfig
	algorithms map[string]Algorithm
	clock      clock.PassiveClock
}

// NewTrainer creates a trainer. store may be nil to skip persistence.
func NewTrainer(registry *Registry, cfg config.ForecastConfig, store HandleStore, clk clock.PassiveClock) (*Trainer, error) {
	if cfg.MinTrainingRows <= 0 {
		cfg.MinTrainingRows = DefaultMinTrainingRows
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = features.DefaultWindowSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	algorithms := make(map[string]Algorithm)
	for _, name := range []string{config.AlgorithmRegression, config.AlgorithmWeekdayMean} {
		algo, err := NewAlgorithm(name, cfg)
		if err != nil {
			return nil, err
		}
		algorithms[name] = algo
	}
	if cfg.DefaultAlgorithm == "" {
		cfg.DefaultAlgorithm = config.AlgorithmRegression
	}
	if _, ok := algorithms[cfg.DefaultAlgorithm]; !ok {
		return nil, fmt.Errorf("unknown algorithm: %s", cfg.DefaultAlgorithm)
	}

	return &Trainer{
		registry:   registry,
		store:      store,
		cfg:        cfg,
		algorithms: algorithms,
		clock:      clk,
	}, nil
}

// Train fits a model for key from rows, which must be contiguous days with
// realized quantities, and stores the result in the Registry.
func (t *Trainer) Train(ctx context.Context, key types.Key, rows []types.FeatureRow) (*ModelHandle, error) {
	realized := make([]types.FeatureRow, 0, len(rows))
	for _, row := range rows {
		if row.Realized != nil {
			realized = append(realized, row)
		}
	}
	if len(realized) < t.cfg.MinTrainingRows {
		return nil, fmt.Errorf("%w: %s has %d rows, need %d",
			types.ErrInsufficientHistory, key, len(realized), t.cfg.MinTrainingRows)
	}

	history := make([]float64, len(realized))
	for i, row := range realized {
		if row.Key != key {
			return nil, fmt.Errorf("%w: row for %s passed to %s", types.ErrTraining, row.Key, key)
		}
		if i > 0 && types.DaysBetween(realized[i-1].Date, row.Date) != 1 {
			return nil, fmt.Errorf("%w: rows for %s are not contiguous at %s",
				types.ErrTraining, key, types.FormatDay(row.Date))
		}
		history[i] = *row.Realized
	}

	// Prefer rows with a full rolling window when enough remain
	fitRows := make([]types.FeatureRow, 0, len(realized))
	for _, row := range realized {
		if !row.PartialWindow {
			fitRows = append(fitRows, row)
		}
	}
	if len(fitRows) < t.cfg.MinTrainingRows {
		fitRows = realized
	}

	algoName := t.cfg.AlgorithmFor(key)
	algo, ok := t.algorithms[algoName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown algorithm %s for %s", types.ErrTraining, algoName, key)
	}

	start := time.Now()
	model, err := algo.Fit(fitRows)
	metrics.TrainingDuration.WithLabelValues(algoName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TrainingsTotal.WithLabelValues(algoName, "error").Inc()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrTraining, key, err)
	}
	metrics.TrainingsTotal.WithLabelValues(algoName, "success").Inc()

	handle := &ModelHandle{
		Key:         key,
		Version:     uuid.NewString(),
		Algorithm:   algoName,
		TrainedAt:   t.clock.Now(),
		WindowStart: realized[0].Date,
		WindowEnd:   realized[len(realized)-1].Date,
		RowCount:    len(fitRows),
		WindowSize:  t.cfg.WindowSize,
		History:     history,
		model:       model,
	}

	t.registry.Put(key, handle)
	t.persist(ctx, handle)

	klog.V(2).InfoS("Trained model",
		"key", key,
		"algorithm", algoName,
		"version", handle.Version,
		"rows", handle.RowCount,
		"windowStart", types.FormatDay(handle.WindowStart),
		"windowEnd", types.FormatDay(handle.WindowEnd))
	return handle, nil
}

func (t *Trainer) persist(ctx context.Context, handle *ModelHandle) {
	if t.store == nil {
		return
	}
	data, err := MarshalHandle(handle)
	if err == nil {
		err = t.store.SaveModel(ctx, handle.Key, data)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("save_model").Inc()
		klog.ErrorS(err, "Failed to persist model", "key", handle.Key, "version", handle.Version)
	}
}
