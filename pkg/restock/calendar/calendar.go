package calendar

import (
	"fmt"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Provider supplies calendar flags to the feature builder
type Provider interface {
	IsHoliday(date time.Time, locale string) bool
	IsWeekend(date time.Time) bool
}

// Static is a config-driven Provider. Holidays are either a fixed date
// (YYYY-MM-DD) or a recurring month-day (MM-DD).
type Static struct {
	weekendDays string
	fixed       map[string]sets.Set[string]
	recurring   map[string]sets.Set[string]
}

var _ Provider = &Static{}

// New creates a calendar provider from configuration
func New(cfg config.CalendarConfig) (*Static, error) {
	c := &Static{
		weekendDays: cfg.WeekendDays,
		fixed:       make(map[string]sets.Set[string]),
		recurring:   make(map[string]sets.Set[string]),
	}

	for locale, dates := range cfg.Holidays {
		c.fixed[locale] = sets.New[string]()
		c.recurring[locale] = sets.New[string]()
		for _, d := range dates {
			if _, err := time.Parse(types.DateLayout, d); err == nil {
				c.fixed[locale].Insert(d)
				continue
			}
			if _, err := time.Parse("01-02", d); err == nil {
				c.recurring[locale].Insert(d)
				continue
			}
			return nil, fmt.Errorf("invalid holiday %q for locale %s: expected YYYY-MM-DD or MM-DD", d, locale)
		}
	}

	return c, nil
}

// IsHoliday reports whether date is a configured holiday for locale
func (c *Static) IsHoliday(date time.Time, locale string) bool {
	date = types.Day(date)
	if c.fixed[locale].Has(date.Format(types.DateLayout)) {
		return true
	}
	return c.recurring[locale].Has(date.Format("01-02"))
}

// IsWeekend reports whether date falls on a configured weekend day
func (c *Static) IsWeekend(date time.Time) bool {
	return containsDay(c.weekendDays, strconv.Itoa(int(types.Day(date).Weekday())))
}

// containsDay checks if a day is included in a day string (e.g. "06" contains "6")
func containsDay(days string, day string) bool {
	for _, d := range days {
		if string(d) == day {
			return true
		}
	}
	return false
}
