package forecast

import (
	"fmt"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// WeekdayMean forecasts the mean demand of the same weekday, scaled by the
// observed holiday uplift. Weekdays without samples use the overall mean.
type WeekdayMean struct{}

// WeekdayMeanModel holds a per-weekday demand profile
type WeekdayMeanModel struct {
	Profile       [7]float64 `json:"profile"` // indexed by time.Weekday
	HolidayUplift float64    `json:"holidayUplift"`
}

var _ Algorithm = &WeekdayMean{}
var _ Model = &WeekdayMeanModel{}

func (w *WeekdayMean) Name() string { return config.AlgorithmWeekdayMean }

func (w *WeekdayMean) Fit(rows []types.FeatureRow) (Model, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to fit")
	}

	var sums [7]float64
	var counts [7]int
	var total, holidaySum, regularSum float64
	var holidayCount, regularCount int

	for _, row := range rows {
		if row.Realized == nil {
			return nil, fmt.Errorf("row %s has no realized quantity", types.FormatDay(row.Date))
		}
		y := *row.Realized
		total += y
		if row.IsHoliday {
			holidaySum += y
			holidayCount++
			continue
		}
		regularSum += y
		regularCount++
		sums[row.DayOfWeek] += y
		counts[row.DayOfWeek]++
	}

	overall := total / float64(len(rows))
	if regularCount > 0 {
		overall = regularSum / float64(regularCount)
	}

	m := &WeekdayMeanModel{HolidayUplift: 1}
	for d := 0; d < 7; d++ {
		if counts[d] > 0 {
			m.Profile[d] = sums[d] / float64(counts[d])
		} else {
			m.Profile[d] = overall
		}
	}
	if holidayCount > 0 && regularCount > 0 && overall > 0 {
		m.HolidayUplift = (holidaySum / float64(holidayCount)) / overall
	}
	return m, nil
}

func (m *WeekdayMeanModel) Algorithm() string { return config.AlgorithmWeekdayMean }

func (m *WeekdayMeanModel) Predict(row types.FeatureRow) float64 {
	y := m.Profile[row.DayOfWeek%7]
	if row.IsHoliday {
		y *= m.HolidayUplift
	}
	return y
}
