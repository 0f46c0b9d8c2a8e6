package features

import (
	"math"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/calendar"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// DefaultWindowSize is the trailing window used for rolling features
const DefaultWindowSize = 7

// Builder derives model-ready rows from canonical series. It is stateless
// apart from its configuration and safe for concurrent use.
type Builder struct {
	window   int
	locale   string
	calendar calendar.Provider
}

// NewBuilder creates a feature builder. A nil provider marks no holidays
// and treats Saturday and Sunday as the weekend.
func NewBuilder(window int, locale string, cal calendar.Provider) *Builder {
	if window < 1 {
		window = DefaultWindowSize
	}
	return &Builder{
		window:   window,
		locale:   locale,
		calendar: cal,
	}
}

// WindowSize returns the configured rolling window
func (b *Builder) WindowSize() int {
	return b.window
}

// WithWindow returns a copy of the builder using a different window size
func (b *Builder) WithWindow(window int) *Builder {
	return NewBuilder(window, b.locale, b.calendar)
}

// Build returns one row per series day up to and including asOf, each with
// its realized quantity. Features for a day only read earlier days.
func (b *Builder) Build(series types.CanonicalSeries, asOf time.Time) []types.FeatureRow {
	asOf = types.Day(asOf)
	quantities := series.Quantities()

	rows := make([]types.FeatureRow, 0, len(series.Records))
	for i, rec := range series.Records {
		if rec.Date.After(asOf) {
			break
		}
		row := b.Row(series.Key, rec.Date, quantities[:i])
		realized := quantities[i]
		row.Realized = &realized
		rows = append(rows, row)
	}
	return rows
}

// Row builds the feature row for date from history, the contiguous daily
// quantities ending the day before date. Realized is left unset.
func (b *Builder) Row(key types.Key, date time.Time, history []float64) types.FeatureRow {
	date = types.Day(date)
	row := types.FeatureRow{
		Key:       key,
		Date:      date,
		DayOfWeek: int(date.Weekday()),
		DayOfYear: date.YearDay(),
		Month:     int(date.Month()),
		Quarter:   (int(date.Month())-1)/3 + 1,
	}

	if b.calendar != nil {
		row.IsWeekend = b.calendar.IsWeekend(date)
		row.IsHoliday = b.calendar.IsHoliday(date, b.locale)
	} else {
		row.IsWeekend = date.Weekday() == time.Saturday || date.Weekday() == time.Sunday
	}

	if len(history) > 0 {
		row.Lag1 = history[len(history)-1]
	}

	start := len(history) - b.window
	if start < 0 {
		start = 0
	}
	window := history[start:]
	row.HistoryDays = len(window)
	row.PartialWindow = len(window) < b.window
	row.RollingMean, row.RollingStd = meanStd(window)

	return row
}

// meanStd returns the mean and population standard deviation, zero for empty input
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
