package forecast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// ModelHandle is a trained model for one key plus the metadata needed to
// predict from it. Handles are immutable once stored in the Registry;
// retraining replaces the handle rather than updating it.
type ModelHandle struct {
	Key         types.Key
	Version     string
	Algorithm   string
	TrainedAt   time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	RowCount    int // rows used in the fit
	WindowSize  int // feature window the model was trained with

	// History holds realized quantities for every day in
	// [WindowStart, WindowEnd]; future rows are built from it.
	History []float64

	model Model
}

// Model returns the fitted model backing the handle
func (h *ModelHandle) Model() Model {
	return h.model
}

// Age returns how long ago the handle was trained relative to now
func (h *ModelHandle) Age(now time.Time) time.Duration {
	return now.Sub(h.TrainedAt)
}

type handleRecord struct {
	ZoneID      string          `json:"zoneId"`
	ItemID      string          `json:"itemId"`
	Version     string          `json:"version"`
	TrainedAt   time.Time       `json:"trainedAt"`
	WindowStart string          `json:"windowStart"`
	WindowEnd   string          `json:"windowEnd"`
	RowCount    int             `json:"rowCount"`
	WindowSize  int             `json:"windowSize"`
	History     []float64       `json:"history"`
	Model       json.RawMessage `json:"model"`
}

// MarshalHandle serializes a handle for persistence
func MarshalHandle(h *ModelHandle) ([]byte, error) {
	model, err := EncodeModel(h.model)
	if err != nil {
		return nil, err
	}
	return json.Marshal(handleRecord{
		ZoneID:      h.Key.ZoneID,
		ItemID:      h.Key.ItemID,
		Version:     h.Version,
		TrainedAt:   h.TrainedAt,
		WindowStart: types.FormatDay(h.WindowStart),
		WindowEnd:   types.FormatDay(h.WindowEnd),
		RowCount:    h.RowCount,
		WindowSize:  h.WindowSize,
		History:     h.History,
		Model:       model,
	})
}

// UnmarshalHandle restores a handle written by MarshalHandle
func UnmarshalHandle(data []byte) (*ModelHandle, error) {
	var rec handleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode handle: %v", err)
	}

	start, err := types.ParseDay(rec.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("invalid window start: %v", err)
	}
	end, err := types.ParseDay(rec.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid window end: %v", err)
	}
	if types.DaysBetween(start, end)+1 != len(rec.History) {
		return nil, fmt.Errorf("history length %d does not cover window %s..%s",
			len(rec.History), rec.WindowStart, rec.WindowEnd)
	}

	model, err := DecodeModel(rec.Model)
	if err != nil {
		return nil, err
	}

	return &ModelHandle{
		Key:         types.Key{ZoneID: rec.ZoneID, ItemID: rec.ItemID},
		Version:     rec.Version,
		Algorithm:   model.Algorithm(),
		TrainedAt:   rec.TrainedAt,
		WindowStart: start,
		WindowEnd:   end,
		RowCount:    rec.RowCount,
		WindowSize:  rec.WindowSize,
		History:     rec.History,
		model:       model,
	}, nil
}
