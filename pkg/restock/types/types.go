package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Key identifies the (zone, item) pair that forecasts and decisions are scoped to
type Key struct {
	ZoneID string `json:"zoneId" yaml:"zone"`
	ItemID string `json:"itemId" yaml:"item"`
}

func (k Key) String() string {
	return k.ZoneID + "/" + k.ItemID
}

// ParseKey parses the "zone/item" form produced by Key.String
func ParseKey(s string) (Key, error) {
	zone, item, found := strings.Cut(s, "/")
	if !found || zone == "" || item == "" {
		return Key{}, fmt.Errorf("invalid key %q: expected zone/item", s)
	}
	return Key{ZoneID: zone, ItemID: item}, nil
}

// SortKeys orders keys by zone, then item
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ZoneID != keys[j].ZoneID {
			return keys[i].ZoneID < keys[j].ZoneID
		}
		return keys[i].ItemID < keys[j].ItemID
	})
}

// SalesRecord is one day of sales for a key. Date is a UTC calendar day.
type SalesRecord struct {
	Date     time.Time `json:"date"`
	ZoneID   string    `json:"zoneId"`
	ItemID   string    `json:"itemId"`
	Quantity int       `json:"quantity"`
}

func (r SalesRecord) Key() Key {
	return Key{ZoneID: r.ZoneID, ItemID: r.ItemID}
}

// CanonicalSeries is a gap-free, date-ordered daily series for a single key
type CanonicalSeries struct {
	Key     Key
	Records []SalesRecord
}

// Start returns the first day of the series, or the zero time when empty
func (s CanonicalSeries) Start() time.Time {
	if len(s.Records) == 0 {
		return time.Time{}
	}
	return s.Records[0].Date
}

// End returns the last day of the series, or the zero time when empty
func (s CanonicalSeries) End() time.Time {
	if len(s.Records) == 0 {
		return time.Time{}
	}
	return s.Records[len(s.Records)-1].Date
}

// Quantities returns the daily quantities as floats in date order
func (s CanonicalSeries) Quantities() []float64 {
	out := make([]float64, len(s.Records))
	for i, r := range s.Records {
		out[i] = float64(r.Quantity)
	}
	return out
}

// FeatureRow is the model-ready view of one day. Lag and rolling
// attributes are computed from days strictly before Date.
type FeatureRow struct {
	Key      Key       `json:"key"`
	Date     time.Time `json:"date"`
	Realized *float64  `json:"realized,omitempty"` // nil for future rows

	DayOfWeek int  `json:"dayOfWeek"` // 0 = Sunday
	DayOfYear int  `json:"dayOfYear"`
	Month     int  `json:"month"`
	Quarter   int  `json:"quarter"`
	IsWeekend bool `json:"isWeekend"`
	IsHoliday bool `json:"isHoliday"`

	Lag1          float64 `json:"lag1"`
	RollingMean   float64 `json:"rollingMean"`
	RollingStd    float64 `json:"rollingStd"`
	HistoryDays   int     `json:"historyDays"`   // prior days the rolling window actually covered
	PartialWindow bool    `json:"partialWindow"` // fewer prior days than the configured window
}

// Forecast is a predicted quantity for one key and horizon day
type Forecast struct {
	Key               Key       `json:"key"`
	HorizonDate       time.Time `json:"horizonDate"`
	PredictedQuantity float64   `json:"predictedQuantity"`
	GeneratedAt       time.Time `json:"generatedAt"`
	ModelVersion      string    `json:"modelVersion"`
	Algorithm         string    `json:"algorithm,omitempty"`
	Backtest          bool      `json:"backtest,omitempty"`
}

// Metric names reported in EvaluationResult.Metrics
const (
	MetricMAE         = "mae"
	MetricRMSE        = "rmse"
	MetricMAPE        = "mape"
	MetricMAPESamples = "mape_samples"
	MetricBias        = "bias"
)

// EvaluationResult holds accuracy metrics for a key
type EvaluationResult struct {
	Key          Key                `json:"key"`
	Metrics      map[string]float64 `json:"metrics"`
	EvaluatedAt  time.Time          `json:"evaluatedAt"`
	SampleSize   int                `json:"sampleSize"`
	ModelVersion string             `json:"modelVersion,omitempty"`
	Backtest     bool               `json:"backtest,omitempty"`
}

// RestockDecision is the replenishment recommendation for a key
type RestockDecision struct {
	Key                 Key       `json:"key"`
	CurrentStock        int       `json:"currentStock"`
	PredictedDemand     float64   `json:"predictedDemand"`
	ThresholdUsed       float64   `json:"thresholdUsed"` // reorder point applied
	SafetyFactor        float64   `json:"safetyFactor"`
	RecommendedQuantity float64   `json:"recommendedQuantity"`
	Triggered           bool      `json:"triggered"`
	DecidedAt           time.Time `json:"decidedAt"`
	HorizonDate         time.Time `json:"horizonDate"`
	ModelVersion        string    `json:"modelVersion,omitempty"`
	CycleID             string    `json:"cycleId,omitempty"`
}

// KeyFailure records why a key failed during a cycle
type KeyFailure struct {
	Key    Key    `json:"key"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// HealthSnapshot is the process-wide health view, rebuilt on every query
type HealthSnapshot struct {
	TotalKeysKnown       int          `json:"totalKeysKnown"`
	KeysWithTrainedModel int          `json:"keysWithTrainedModel"`
	KeysStale            int          `json:"keysStale"`
	LastBatchRunAt       *time.Time   `json:"lastBatchRunAt,omitempty"`
	LastBatchErrorCount  int          `json:"lastBatchErrorCount"`
	LastBatchState       string       `json:"lastBatchState"`
	LastCycleID          string       `json:"lastCycleId,omitempty"`
	FailingKeys          []KeyFailure `json:"failingKeys,omitempty"`
}

// CycleRecord is the persisted summary of one batch cycle
type CycleRecord struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	State      string       `json:"state"`
	KeysTotal  int          `json:"keysTotal"`
	Succeeded  int          `json:"succeeded"`
	Failures   []KeyFailure `json:"failures,omitempty"`
}
