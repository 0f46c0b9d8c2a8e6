package types

import (
	"errors"
)

// Pipeline error taxonomy. Wrap with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrInvalidRange is a bad caller-supplied date range; never retried
	ErrInvalidRange = errors.New("invalid date range")
	// ErrSourceUnavailable is a transient upstream failure or malformed data
	ErrSourceUnavailable = errors.New("sales source unavailable")
	// ErrInsufficientHistory means the key is not forecastable yet
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrStaleHandle means the model is older than the configured max age
	ErrStaleHandle = errors.New("model handle is stale")
	// ErrTraining is a model fit failure
	ErrTraining = errors.New("training failed")
	// ErrNotFound means no model is registered for the key
	ErrNotFound = errors.New("model not found")
	// ErrInvalidHorizon means a prediction was requested inside the training window
	ErrInvalidHorizon = errors.New("invalid forecast horizon")
	// ErrStockUnavailable means current stock could not be read
	ErrStockUnavailable = errors.New("current stock unavailable")
	// ErrCycleDeadline means a key was never started because its cycle ran
	// out of time or was cancelled
	ErrCycleDeadline = errors.New("cycle deadline exceeded")
)

// Reason labels used in metrics and health failing-key reasons
const (
	ReasonInvalidRange        = "invalid_range"
	ReasonSourceUnavailable   = "source_unavailable"
	ReasonInsufficientHistory = "insufficient_history"
	ReasonStaleHandle         = "stale_handle"
	ReasonTraining            = "training"
	ReasonNotFound            = "not_found"
	ReasonInvalidHorizon      = "invalid_horizon"
	ReasonStockUnavailable    = "stock_unavailable"
	ReasonCycleDeadline       = "cycle_deadline"
	ReasonInternal            = "internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidRange, ReasonInvalidRange},
	{ErrSourceUnavailable, ReasonSourceUnavailable},
	{ErrInsufficientHistory, ReasonInsufficientHistory},
	{ErrStaleHandle, ReasonStaleHandle},
	{ErrTraining, ReasonTraining},
	{ErrNotFound, ReasonNotFound},
	{ErrInvalidHorizon, ReasonInvalidHorizon},
	{ErrStockUnavailable, ReasonStockUnavailable},
	{ErrCycleDeadline, ReasonCycleDeadline},
}

// Reason maps an error to a stable, low-cardinality label
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
