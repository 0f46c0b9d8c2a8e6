package types

import "time"

// DateLayout is the wire and storage format for calendar days
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

// Day truncates t to its calendar day, expressed as UTC midnight.
// The calendar day is taken in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a UTC calendar day
func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDay formats a calendar day as YYYY-MM-DD
func FormatDay(t time.Time) string {
	return Day(t).Format(DateLayout)
}

// AddDays returns the calendar day n days after t
func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// DaysBetween returns the number of calendar days from start to end.
// It is negative when end precedes start.
func DaysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)) / day)
}

// DayRange returns every calendar day in [start, end] inclusive
func DayRange(start, end time.Time) []time.Time {
	n := DaysBetween(start, end)
	if n < 0 {
		return nil
	}
	out := make([]time.Time, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, AddDays(start, i))
	}
	return out
}
