package gocycle

import (
	"iter"
	"time"
)

// FirstPeriod returns the period that contains ref, or begins at ref when ref
// lands on a boundary (half-open semantics).
func FirstPeriod(r Resolver, ref time.Time) BillingPeriod {
	day := StartOfDayUTC(ref)
	start := r.PeriodContaining(day)
	end := r.Next(start)
	// PeriodContaining never returns a start after ref, so this only advances
	// when a resolver reports a period that has already completed.
	for !end.After(day) {
		start, end = end, r.Next(end)
	}
	return BillingPeriod{Start: start, End: end}
}

// Sequence returns a lazy sequence of count consecutive periods starting with
// FirstPeriod(r, ref). Each range over the sequence recomputes from ref, so it
// can be iterated any number of times.
func Sequence(r Resolver, ref time.Time, count int) iter.Seq[BillingPeriod] {
	return func(yield func(BillingPeriod) bool) {
		if count <= 0 {
			return
		}
		p := FirstPeriod(r, ref)
		for i := 0; i < count; i++ {
			if !yield(p) {
				return
			}
			p = BillingPeriod{Start: p.End, End: r.Next(p.End)}
		}
	}
}

// GeneratePeriods returns count consecutive, non-overlapping periods for the
// given cycle and anchor, starting at or after referenceDate.
func GeneratePeriods(cycle CycleType, anchor Anchor, referenceDate time.Time, count int) ([]BillingPeriod, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	r, err := NewResolver(cycle, anchor)
	if err != nil {
		return nil, err
	}

	periods := make([]BillingPeriod, 0, count)
	for p := range Sequence(r, referenceDate, count) {
		periods = append(periods, p)
	}
	return periods, nil
}
