package gocycle

import (
	"errors"
	"testing"
	"time"
)

func mustResolver(t *testing.T, cycle CycleType, anchor Anchor) Resolver {
	t.Helper()
	r, err := NewResolver(cycle, anchor)
	if err != nil {
		t.Fatalf("NewResolver(%s) failed: %v", cycle, err)
	}
	return r
}

func TestResolver_PeriodContaining(t *testing.T) {
	tests := []struct {
		name   string
		cycle  CycleType
		anchor Anchor
		ref    time.Time
		want   time.Time
	}{
		{"Weekly Monday from Wednesday", CycleWeekly, Anchor{DayOfWeek: Int(1)}, d(2024, 3, 6), d(2024, 3, 4)},
		{"Weekly on boundary", CycleWeekly, Anchor{DayOfWeek: Int(1)}, d(2024, 3, 4), d(2024, 3, 4)},
		{"Weekly rolling", CycleWeekly, Anchor{}, d(2024, 3, 6), d(2024, 3, 6)},
		{"Bi-weekly after reference", CycleBiWeekly, Anchor{ReferenceDate: Date(2024, 1, 1)}, d(2024, 1, 20), d(2024, 1, 15)},
		{"Bi-weekly before reference", CycleBiWeekly, Anchor{ReferenceDate: Date(2024, 1, 1)}, d(2023, 12, 25), d(2023, 12, 18)},
		{"Bi-weekly rolling", CycleBiWeekly, Anchor{}, d(2024, 1, 20), d(2024, 1, 20)},
		{"Monthly same month", CycleMonthly, Anchor{DayOfMonth: Int(1)}, d(2024, 1, 15), d(2024, 1, 1)},
		{"Monthly previous month", CycleMonthly, Anchor{DayOfMonth: Int(20)}, d(2024, 1, 15), d(2023, 12, 20)},
		{"Monthly on boundary", CycleMonthly, Anchor{DayOfMonth: Int(28)}, d(2024, 2, 28), d(2024, 2, 28)},
		{"Quarterly in anchor month", CycleQuarterly, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(2)}, d(2024, 2, 10), d(2024, 2, 1)},
		{"Quarterly before anchor month", CycleQuarterly, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(2)}, d(2024, 1, 15), d(2023, 11, 1)},
		{"Quarterly before anchor day", CycleQuarterly, Anchor{DayOfMonth: Int(15), MonthOfYear: Int(2)}, d(2024, 2, 10), d(2023, 11, 15)},
		{"Semi-annual", CycleSemiAnnually, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(1)}, d(2024, 8, 1), d(2024, 7, 1)},
		{"Annual previous year", CycleAnnually, Anchor{DayOfMonth: Int(10), MonthOfYear: Int(6)}, d(2024, 3, 1), d(2023, 6, 10)},
		{"Annual same year", CycleAnnually, Anchor{DayOfMonth: Int(10), MonthOfYear: Int(6)}, d(2024, 6, 10), d(2024, 6, 10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustResolver(t, tt.cycle, tt.anchor)
			if got := r.PeriodContaining(tt.ref); !got.Equal(tt.want) {
				t.Errorf("PeriodContaining(%s) = %s, want %s", FormatDate(tt.ref), FormatDate(got), FormatDate(tt.want))
			}
		})
	}
}

func TestResolver_Next(t *testing.T) {
	tests := []struct {
		name   string
		cycle  CycleType
		anchor Anchor
		start  time.Time
		want   time.Time
	}{
		{"Weekly", CycleWeekly, Anchor{DayOfWeek: Int(1)}, d(2024, 3, 4), d(2024, 3, 11)},
		{"Bi-weekly", CycleBiWeekly, Anchor{ReferenceDate: Date(2024, 1, 1)}, d(2024, 1, 15), d(2024, 1, 29)},
		{"Monthly across year", CycleMonthly, Anchor{DayOfMonth: Int(5)}, d(2024, 12, 5), d(2025, 1, 5)},
		{"Quarterly", CycleQuarterly, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(2)}, d(2024, 11, 1), d(2025, 2, 1)},
		{"Semi-annual", CycleSemiAnnually, Anchor{DayOfMonth: Int(3), MonthOfYear: Int(4)}, d(2024, 4, 3), d(2024, 10, 3)},
		{"Annual", CycleAnnually, Anchor{DayOfMonth: Int(28), MonthOfYear: Int(2)}, d(2024, 2, 28), d(2025, 2, 28)},

		// Starts left behind by an earlier anchor realign to the current one.
		{"Weekly realigns", CycleWeekly, Anchor{DayOfWeek: Int(1)}, d(2024, 3, 6), d(2024, 3, 11)},
		{"Monthly realigns", CycleMonthly, Anchor{DayOfMonth: Int(15)}, d(2024, 3, 1), d(2024, 3, 15)},
		{"Quarterly realigns", CycleQuarterly, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(2)}, d(2024, 4, 1), d(2024, 5, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustResolver(t, tt.cycle, tt.anchor)
			if got := r.Next(tt.start); !got.Equal(tt.want) {
				t.Errorf("Next(%s) = %s, want %s", FormatDate(tt.start), FormatDate(got), FormatDate(tt.want))
			}
		})
	}
}

func TestNewResolver_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		cycle     CycleType
		anchor    Anchor
		wantField string
	}{
		{"Monthly day 29", CycleMonthly, Anchor{DayOfMonth: Int(29)}, "dayOfMonth"},
		{"Monthly day 31", CycleMonthly, Anchor{DayOfMonth: Int(31)}, "dayOfMonth"},
		{"Monthly day 0", CycleMonthly, Anchor{DayOfMonth: Int(0)}, "dayOfMonth"},
		{"Monthly missing day", CycleMonthly, Anchor{}, "dayOfMonth"},
		{"Quarterly missing month", CycleQuarterly, Anchor{DayOfMonth: Int(1)}, "monthOfYear"},
		{"Annual month 13", CycleAnnually, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(13)}, "monthOfYear"},
		{"Semi-annual month 0", CycleSemiAnnually, Anchor{DayOfMonth: Int(1), MonthOfYear: Int(0)}, "monthOfYear"},
		{"Weekly day 0", CycleWeekly, Anchor{DayOfWeek: Int(0)}, "dayOfWeek"},
		{"Weekly day 8", CycleWeekly, Anchor{DayOfWeek: Int(8)}, "dayOfWeek"},
		{"Unknown cycle", CycleType("daily"), Anchor{DayOfMonth: Int(1)}, "billingCycle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.cycle, tt.anchor)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Expected ErrInvalidConfiguration, got %v", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigurationError, got %T", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestNewResolver_IgnoresUnusedFields(t *testing.T) {
	// Out-of-range fields that the cycle type never reads are not validated.
	r, err := NewResolver(CycleWeekly, Anchor{DayOfWeek: Int(2), DayOfMonth: Int(99), MonthOfYear: Int(-1)})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	if w, ok := r.(WeeklyAnchor); !ok || w.DayOfWeek != 2 {
		t.Errorf("Expected WeeklyAnchor{2}, got %#v", r)
	}

	r, err = NewResolver(CycleMonthly, Anchor{DayOfMonth: Int(10), DayOfWeek: Int(42)})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	if _, ok := r.(MonthlyAnchor); !ok {
		t.Errorf("Expected MonthlyAnchor, got %T", r)
	}
}

func TestNewResolver_Variants(t *testing.T) {
	for _, cycle := range CycleTypes {
		anchor := Anchor{DayOfMonth: Int(1), MonthOfYear: Int(1), DayOfWeek: Int(1), ReferenceDate: Date(2024, 1, 1)}
		r := mustResolver(t, cycle, anchor)
		if r.CycleType() != cycle {
			t.Errorf("CycleType() = %s, want %s", r.CycleType(), cycle)
		}
	}
}
