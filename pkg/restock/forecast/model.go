package forecast

import (
	"encoding/json"
	"fmt"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Model is a fitted forecaster. Predict may return negative values;
// callers clamp.
type Model interface {
	Algorithm() string
	Predict(row types.FeatureRow) float64
}

// Algorithm fits a Model from rows that all carry a realized quantity.
// Fit must be deterministic for identical input.
type Algorithm interface {
	Name() string
	Fit(rows []types.FeatureRow) (Model, error)
}

type decodeFunc func(params json.RawMessage) (Model, error)

var decoders = map[string]decodeFunc{
	config.AlgorithmRegression: func(params json.RawMessage) (Model, error) {
		m := &RegressionModel{}
		if err := json.Unmarshal(params, m); err != nil {
			return nil, err
		}
		if len(m.Coefficients) != numRegressionFeatures {
			return nil, fmt.Errorf("expected %d coefficients, got %d", numRegressionFeatures, len(m.Coefficients))
		}
		return m, nil
	},
	config.AlgorithmWeekdayMean: func(params json.RawMessage) (Model, error) {
		m := &WeekdayMeanModel{}
		if err := json.Unmarshal(params, m); err != nil {
			return nil, err
		}
		return m, nil
	},
}

type modelEnvelope struct {
	Algorithm string          `json:"algorithm"`
	Params    json.RawMessage `json:"params"`
}

// EncodeModel serializes a model together with its algorithm tag
func EncodeModel(m Model) ([]byte, error) {
	params, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s model: %v", m.Algorithm(), err)
	}
	return json.Marshal(modelEnvelope{Algorithm: m.Algorithm(), Params: params})
}

// DecodeModel restores a model produced by EncodeModel
func DecodeModel(data []byte) (Model, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode model envelope: %v", err)
	}
	decode, ok := decoders[env.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm: %s", env.Algorithm)
	}
	m, err := decode(env.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s model: %v", env.Algorithm, err)
	}
	return m, nil
}

// NewAlgorithm returns the named algorithm
func NewAlgorithm(name string, cfg config.ForecastConfig) (Algorithm, error) {
	switch name {
	case config.AlgorithmRegression:
		return &Regression{Lambda: cfg.RidgeLambda}, nil
	case config.AlgorithmWeekdayMean:
		return &WeekdayMean{}, nil
	default:
		return nil, fmt.Errorf("unknown algorithm: %s", name)
	}
}
