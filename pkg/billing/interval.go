package billing

import (
	"fmt"
	"time"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Recurring interval units as reported by billing providers
const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// ScheduleFromInterval maps a provider's recurring interval and billing
// anchor date to a cycle type and anchor. Weekly cycles start on the anchor's
// weekday, bi-weekly cycles count fortnights from the anchor date, and
// month-based cycles keep the anchor's day (and month, for quarterly and
// longer cycles).
func ScheduleFromInterval(unit string, count int64, anchorDate time.Time,
	clampLate bool) (gocycle.CycleType, gocycle.Anchor, error) {
	cycle, err := cycleForInterval(unit, count)
	if err != nil {
		return "", gocycle.Anchor{}, err
	}

	day := gocycle.StartOfDayUTC(anchorDate)
	var anchor gocycle.Anchor
	switch cycle {
	case gocycle.CycleWeekly:
		anchor.DayOfWeek = gocycle.Int(gocycle.ISOWeekday(day))
	case gocycle.CycleBiWeekly:
		anchor.ReferenceDate = &day
	default:
		dom := day.Day()
		if dom > gocycle.MaxDayOfMonth {
			if !clampLate {
				return "", gocycle.Anchor{}, fmt.Errorf("%w: day %d of month", ErrUnsupportedAnchor, dom)
			}
			dom = gocycle.MaxDayOfMonth
		}
		anchor.DayOfMonth = gocycle.Int(dom)
		if cycle != gocycle.CycleMonthly {
			anchor.MonthOfYear = gocycle.Int(int(day.Month()))
		}
	}

	if err := gocycle.ValidateSchedule(cycle, anchor); err != nil {
		return "", gocycle.Anchor{}, err
	}
	return cycle, anchor, nil
}

func cycleForInterval(unit string, count int64) (gocycle.CycleType, error) {
	switch {
	case unit == IntervalWeek && count == 1:
		return gocycle.CycleWeekly, nil
	case unit == IntervalWeek && count == 2:
		return gocycle.CycleBiWeekly, nil
	case unit == IntervalMonth && count == 1:
		return gocycle.CycleMonthly, nil
	case unit == IntervalMonth && count == 3:
		return gocycle.CycleQuarterly, nil
	case unit == IntervalMonth && count == 6:
		return gocycle.CycleSemiAnnually, nil
	case unit == IntervalMonth && count == 12, unit == IntervalYear && count == 1:
		return gocycle.CycleAnnually, nil
	}
	return "", fmt.Errorf("%w: every %d %s", ErrUnsupportedInterval, count, unit)
}

// SameSchedule reports whether a and b have the same cycle type and anchor.
// Timestamps and client IDs are ignored.
func SameSchedule(a, b *gocycle.Schedule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.BillingCycle == b.BillingCycle &&
		sameInt(a.Anchor.DayOfMonth, b.Anchor.DayOfMonth) &&
		sameInt(a.Anchor.MonthOfYear, b.Anchor.MonthOfYear) &&
		sameInt(a.Anchor.DayOfWeek, b.Anchor.DayOfWeek) &&
		sameDate(a.Anchor.ReferenceDate, b.Anchor.ReferenceDate)
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return gocycle.StartOfDayUTC(*a).Equal(gocycle.StartOfDayUTC(*b))
}
