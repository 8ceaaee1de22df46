package gocycle

import (
	"fmt"
	"time"
)

// Resolver maps reference dates to period boundaries for one cycle type and
// anchor. Implementations are immutable and safe for concurrent use.
type Resolver interface {
	// CycleType returns the cycle type this resolver serves.
	CycleType() CycleType

	// PeriodContaining returns the start of the period containing ref,
	// i.e. the largest period start <= ref.
	PeriodContaining(ref time.Time) time.Time

	// Next returns the start of the period immediately following the period
	// that begins at start. When start is not itself an anchored boundary
	// (the anchor changed after start was materialized), Next returns the first
	// anchored boundary after start.
	Next(start time.Time) time.Time
}

// WeeklyAnchor starts periods on a fixed ISO weekday. A zero DayOfWeek means
// rolling: each first period starts on the reference date itself.
type WeeklyAnchor struct {
	DayOfWeek int
}

func (a WeeklyAnchor) CycleType() CycleType { return CycleWeekly }

// Rolling reports whether the anchor has no fixed weekday.
func (a WeeklyAnchor) Rolling() bool { return a.DayOfWeek == 0 }

func (a WeeklyAnchor) PeriodContaining(ref time.Time) time.Time {
	if a.Rolling() {
		return StartOfDayUTC(ref)
	}
	return StartOfWeekContaining(ref, a.DayOfWeek)
}

func (a WeeklyAnchor) Next(start time.Time) time.Time {
	return a.PeriodContaining(start).AddDate(0, 0, 7)
}

// BiWeeklyAnchor starts periods every 14 days with a parity fixed by
// ReferenceDate. A nil ReferenceDate means rolling.
type BiWeeklyAnchor struct {
	ReferenceDate *time.Time
}

func (a BiWeeklyAnchor) CycleType() CycleType { return CycleBiWeekly }

// Rolling reports whether the anchor has no fixed parity.
func (a BiWeeklyAnchor) Rolling() bool { return a.ReferenceDate == nil }

func (a BiWeeklyAnchor) PeriodContaining(ref time.Time) time.Time {
	if a.Rolling() {
		return StartOfDayUTC(ref)
	}
	base := StartOfDayUTC(*a.ReferenceDate)
	k := floorDiv(DaysBetween(base, ref), 14)
	return base.AddDate(0, 0, 14*k)
}

func (a BiWeeklyAnchor) Next(start time.Time) time.Time {
	return a.PeriodContaining(start).AddDate(0, 0, 14)
}

// MonthlyAnchor starts periods on DayOfMonth of every month.
type MonthlyAnchor struct {
	DayOfMonth int
}

func (a MonthlyAnchor) CycleType() CycleType { return CycleMonthly }

func (a MonthlyAnchor) PeriodContaining(ref time.Time) time.Time {
	r := StartOfDayUTC(ref)
	candidate := dateInMonth(r.Year(), r.Month(), a.DayOfMonth)
	if candidate.After(r) {
		candidate = dateInMonth(r.Year(), r.Month()-1, a.DayOfMonth)
	}
	return candidate
}

func (a MonthlyAnchor) Next(start time.Time) time.Time {
	s := a.PeriodContaining(start)
	return dateInMonth(s.Year(), s.Month()+1, a.DayOfMonth)
}

// MonthAlignedAnchor serves quarterly, semi-annual and annual cycles. Period
// starts fall on DayOfMonth of the months MonthOfYear + k*step.
type MonthAlignedAnchor struct {
	Cycle       CycleType
	DayOfMonth  int
	MonthOfYear int
}

func (a MonthAlignedAnchor) CycleType() CycleType { return a.Cycle }

func (a MonthAlignedAnchor) PeriodContaining(ref time.Time) time.Time {
	r := StartOfDayUTC(ref)
	step := a.Cycle.MonthStep()

	// Months since the anchor month of the same year, stepped back to the
	// nearest anchored month at or before ref's month.
	offset := floorMod(int(r.Month())-a.MonthOfYear, step)
	candidate := dateInMonth(r.Year(), r.Month()-time.Month(offset), a.DayOfMonth)
	if candidate.After(r) {
		candidate = dateInMonth(candidate.Year(), candidate.Month()-time.Month(step), a.DayOfMonth)
	}
	return candidate
}

func (a MonthAlignedAnchor) Next(start time.Time) time.Time {
	s := a.PeriodContaining(start)
	return dateInMonth(s.Year(), s.Month()+time.Month(a.Cycle.MonthStep()), a.DayOfMonth)
}

// NewResolver validates anchor for cycle and returns the matching variant.
// Fields not meaningful for cycle are ignored. Out-of-range or missing required
// fields fail with *ConfigurationError; no default is ever substituted.
func NewResolver(cycle CycleType, anchor Anchor) (Resolver, error) {
	switch cycle {
	case CycleWeekly:
		if anchor.DayOfWeek == nil {
			return WeeklyAnchor{}, nil
		}
		if err := checkRange("dayOfWeek", *anchor.DayOfWeek, 1, 7); err != nil {
			return nil, err
		}
		return WeeklyAnchor{DayOfWeek: *anchor.DayOfWeek}, nil

	case CycleBiWeekly:
		if anchor.ReferenceDate == nil {
			return BiWeeklyAnchor{}, nil
		}
		ref := StartOfDayUTC(*anchor.ReferenceDate)
		return BiWeeklyAnchor{ReferenceDate: &ref}, nil

	case CycleMonthly:
		dom, err := requireDayOfMonth(anchor)
		if err != nil {
			return nil, err
		}
		return MonthlyAnchor{DayOfMonth: dom}, nil

	case CycleQuarterly, CycleSemiAnnually, CycleAnnually:
		dom, err := requireDayOfMonth(anchor)
		if err != nil {
			return nil, err
		}
		if anchor.MonthOfYear == nil {
			return nil, &ConfigurationError{Field: "monthOfYear", Reason: "required for " + string(cycle) + " cycles"}
		}
		if err := checkRange("monthOfYear", *anchor.MonthOfYear, 1, 12); err != nil {
			return nil, err
		}
		return MonthAlignedAnchor{Cycle: cycle, DayOfMonth: dom, MonthOfYear: *anchor.MonthOfYear}, nil

	default:
		return nil, &ConfigurationError{Field: "billingCycle", Value: string(cycle), Reason: "unknown cycle type"}
	}
}

// ValidateSchedule checks that cycle and anchor form a usable configuration.
func ValidateSchedule(cycle CycleType, anchor Anchor) error {
	_, err := NewResolver(cycle, anchor)
	return err
}

func requireDayOfMonth(anchor Anchor) (int, error) {
	if anchor.DayOfMonth == nil {
		return 0, &ConfigurationError{Field: "dayOfMonth", Reason: "required for month-based cycles"}
	}
	if err := checkRange("dayOfMonth", *anchor.DayOfMonth, 1, MaxDayOfMonth); err != nil {
		return 0, err
	}
	return *anchor.DayOfMonth, nil
}

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ConfigurationError{Field: field, Value: v, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return nil
}
