package gocycle

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	oneDay     = 24 * time.Hour
)

// StartOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func StartOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of days in the given month.
// day=0 of month+1 is the last day of month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths adds n months to date, handling month-end edge cases.
// The day-of-month is clipped to the last day of the target month only when the
// source day does not exist there (Jan 31 + 1 month = Feb 28).
func AddMonths(date time.Time, n int) time.Time {
	d := StartOfDayUTC(date)
	return dateInMonth(d.Year(), d.Month()+time.Month(n), d.Day())
}

// dateInMonth builds the UTC date for day in the (possibly overflowing) month,
// clamping day into 1..DaysInMonth.
func dateInMonth(year int, month time.Month, day int) time.Time {
	// Normalize month overflow first using day=1 so it never spills.
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := DaysInMonth(first.Year(), first.Month())
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// ISOWeekday returns the ISO-8601 weekday number of t (Monday=1 .. Sunday=7).
func ISOWeekday(t time.Time) int {
	wd := int(t.UTC().Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// StartOfWeekContaining returns the most recent date <= date whose ISO weekday
// equals dayOfWeek (Monday=1). dayOfWeek must be in 1..7.
func StartOfWeekContaining(date time.Time, dayOfWeek int) time.Time {
	d := StartOfDayUTC(date)
	back := (ISOWeekday(d) - dayOfWeek + 7) % 7
	return d.AddDate(0, 0, -back)
}

// DaysBetween returns the signed number of whole UTC days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(StartOfDayUTC(b).Sub(StartOfDayUTC(a)) / oneDay)
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// floorMod is the non-negative remainder matching floorDiv.
func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}

// ParseDate parses a calendar date in the wire format: date-only
// ("2024-01-15") or a UTC-midnight timestamp ("2024-01-15T00:00:00Z").
// Other offsets and times of day are rejected rather than converted.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	if !strings.HasSuffix(s, "Z") || !t.Equal(StartOfDayUTC(t)) {
		return time.Time{}, fmt.Errorf("invalid date %q: timestamps must be UTC midnight (YYYY-MM-DDT00:00:00Z)", s)
	}
	return t.UTC(), nil
}

// FormatDate formats t as a date-only string.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
