package gocycle

import (
	"time"
)

// CycleType defines how often a client is billed
type CycleType string

const (
	// CycleWeekly bills every 7 days
	CycleWeekly CycleType = "weekly"
	// CycleBiWeekly bills every 14 days
	CycleBiWeekly CycleType = "bi-weekly"
	// CycleMonthly bills every month on a fixed day
	CycleMonthly CycleType = "monthly"
	// CycleQuarterly bills every 3 months, aligned to a month of year
	CycleQuarterly CycleType = "quarterly"
	// CycleSemiAnnually bills every 6 months, aligned to a month of year
	CycleSemiAnnually CycleType = "semi-annually"
	// CycleAnnually bills every 12 months, aligned to a month of year
	CycleAnnually CycleType = "annually"
)

// CycleTypes lists every supported cycle type in ascending length.
var CycleTypes = []CycleType{
	CycleWeekly, CycleBiWeekly, CycleMonthly, CycleQuarterly, CycleSemiAnnually, CycleAnnually,
}

// Valid reports whether c is a known cycle type.
func (c CycleType) Valid() bool {
	return c.DayStep() > 0 || c.MonthStep() > 0
}

// DayStep returns the fixed period length in days for week-based cycles, 0 otherwise.
func (c CycleType) DayStep() int {
	switch c {
	case CycleWeekly:
		return 7
	case CycleBiWeekly:
		return 14
	default:
		return 0
	}
}

// MonthStep returns the period length in months for month-based cycles, 0 otherwise.
func (c CycleType) MonthStep() int {
	switch c {
	case CycleMonthly:
		return 1
	case CycleQuarterly:
		return 3
	case CycleSemiAnnually:
		return 6
	case CycleAnnually:
		return 12
	default:
		return 0
	}
}

const (
	// MaxDayOfMonth is the largest anchor day; every calendar month has it
	MaxDayOfMonth = 28
)

// Anchor is the human-configured alignment of a schedule. Only the fields
// meaningful for the schedule's CycleType are read:
//   - weekly: DayOfWeek (absent = rolling)
//   - bi-weekly: ReferenceDate (absent = rolling)
//   - monthly: DayOfMonth
//   - quarterly, semi-annually, annually: DayOfMonth and MonthOfYear
type Anchor struct {
	DayOfMonth    *int       `json:"dayOfMonth,omitempty"`
	MonthOfYear   *int       `json:"monthOfYear,omitempty"`
	DayOfWeek     *int       `json:"dayOfWeek,omitempty"`
	ReferenceDate *time.Time `json:"referenceDate,omitempty"`
}

// Int returns a pointer to v, for building Anchor literals.
func Int(v int) *int {
	return &v
}

// Date returns a pointer to the UTC date y-m-d, for building Anchor literals.
func Date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// BillingPeriod is a half-open [Start, End) range of UTC calendar days.
// End is the Start of the following period.
type BillingPeriod struct {
	Start time.Time `json:"periodStartDate"`
	End   time.Time `json:"periodEndDate"`
}

// Contains reports whether t falls within [Start, End).
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key returns a stable string key for this period
func (p BillingPeriod) Key() string {
	return FormatDate(p.Start)
}

func (p BillingPeriod) String() string {
	return "[" + FormatDate(p.Start) + ", " + FormatDate(p.End) + ")"
}

// Schedule is a client's persisted billing configuration
type Schedule struct {
	ClientID     string    `json:"clientId"`
	BillingCycle CycleType `json:"billingCycle"`
	Anchor       Anchor    `json:"anchor"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CycleRecord is a materialized billing period for a client. Invoiced records
// are history and are never rewritten.
type CycleRecord struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	PeriodStart time.Time `json:"periodStartDate"`
	PeriodEnd   time.Time `json:"periodEndDate"`
	Invoiced    bool      `json:"invoiced"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Period returns the record's billing period.
func (r *CycleRecord) Period() BillingPeriod {
	return BillingPeriod{Start: r.PeriodStart, End: r.PeriodEnd}
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// ScheduleTTL is the TTL for cached schedules (default: 1 minute)
	ScheduleTTL time.Duration

	// MaxSchedules is the maximum number of schedules to cache (default: 1000)
	MaxSchedules int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds schedule manager configuration
type Config struct {
	// DefaultSchedule is written by InitializeSchedule for clients without one.
	// Default: monthly on day 1.
	DefaultSchedule *Schedule

	// CacheConfig configures the schedule cache used by previews
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker around the store
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking engine operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Locker serializes CreateNextCycle per client. If nil, the store's locker is
	// used when it implements ClientLocker, else an in-process keyed mutex.
	Locker ClientLocker

	// Clock provides "now" for first cycles of a client. If nil, the store's
	// TimeSource is used when available, else the system clock.
	Clock TimeSource

	// AdvanceConcurrency bounds parallel clients in AdvanceDue (default: 8)
	AdvanceConcurrency int

	// MaxAdvancePerClient bounds catch-up cycles created per client per AdvanceDue run (default: 24)
	MaxAdvancePerClient int
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DefaultSchedule != nil {
		if _, err := NewResolver(c.DefaultSchedule.BillingCycle, c.DefaultSchedule.Anchor); err != nil {
			return err
		}
	}
	if c.CacheConfig != nil && c.CacheConfig.ScheduleTTL < 0 {
		return &ConfigurationError{Field: "cacheConfig.scheduleTTL", Value: c.CacheConfig.ScheduleTTL, Reason: "must not be negative"}
	}
	if c.AdvanceConcurrency < 0 {
		return &ConfigurationError{Field: "advanceConcurrency", Value: c.AdvanceConcurrency, Reason: "must not be negative"}
	}
	return nil
}

// DefaultSchedule returns the onboarding schedule: monthly on day 1.
func DefaultSchedule() Schedule {
	return Schedule{
		BillingCycle: CycleMonthly,
		Anchor:       Anchor{DayOfMonth: Int(1)},
	}
}
