package calendar

import (
	"testing"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
)

func TestStaticProvider(t *testing.T) {
	c, err := New(config.CalendarConfig{
		WeekendDays: "06",
		Holidays: map[string][]string{
			"IN": {"2024-03-25", "08-15"},
			"US": {"07-04"},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		date    time.Time
		locale  string
		holiday bool
		weekend bool
	}{
		{"fixed holiday", time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC), "IN", true, false},
		{"fixed holiday other year", time.Date(2025, 3, 25, 0, 0, 0, 0, time.UTC), "IN", false, false},
		{"recurring holiday", time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC), "IN", true, true},
		{"other locale", time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), "IN", false, false},
		{"us holiday", time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), "US", true, false},
		{"unknown locale", time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), "FR", false, false},
		{"sunday", time.Date(2024, 3, 24, 0, 0, 0, 0, time.UTC), "IN", false, true},
		{"monday", time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), "IN", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsHoliday(tt.date, tt.locale); got != tt.holiday {
				t.Errorf("IsHoliday() = %v, want %v", got, tt.holiday)
			}
			if got := c.IsWeekend(tt.date); got != tt.weekend {
				t.Errorf("IsWeekend() = %v, want %v", got, tt.weekend)
			}
		})
	}
}

func TestNewInvalidHoliday(t *testing.T) {
	_, err := New(config.CalendarConfig{Holidays: map[string][]string{"IN": {"15 Aug"}}})
	if err == nil {
		t.Error("expected error for malformed holiday")
	}
}
