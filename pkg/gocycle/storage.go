package gocycle

import (
	"context"
	"time"
)

// Store defines the interface for schedule persistence
// All methods use concrete types from this package to avoid import cycles
type Store interface {
	// GetSchedule retrieves a client's schedule
	// Returns ErrScheduleNotFound if the client has never been assigned one
	GetSchedule(ctx context.Context, clientID string) (*Schedule, error)

	// WriteSchedule stores a client's schedule. It never touches cycle records.
	WriteSchedule(ctx context.Context, schedule *Schedule) error

	// GetMostRecentCycleRecord returns the record with the latest period end
	// Returns nil, nil if the client has no records
	GetMostRecentCycleRecord(ctx context.Context, clientID string) (*CycleRecord, error)

	// WriteCycleRecord atomically appends a record (transaction-safe)
	// Returns *OverlapError if the record would overlap an existing one
	WriteCycleRecord(ctx context.Context, record *CycleRecord) error

	// ListCycleRecords returns all records of a client ordered by period start
	ListCycleRecords(ctx context.Context, clientID string) ([]*CycleRecord, error)

	// MarkCycleInvoiced flags a record as invoiced
	// Returns ErrCycleRecordNotFound if the record does not exist
	MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error
}

// ClientLocker serializes work per client. Unlock must be called exactly once.
type ClientLocker interface {
	LockClient(ctx context.Context, clientID string) (unlock func(), err error)
}

// TimeSource defines an interface for getting time from the storage engine.
// This keeps "now" consistent across instances that share a store.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// ScheduleEvicter is implemented by stores that can drop a cached schedule,
// so the next read misses. Tiered storage uses it on hot tiers.
type ScheduleEvicter interface {
	EvictSchedule(ctx context.Context, clientID string) error
}

// SettingsStore is implemented by stores that persist billing settings with
// tenant defaults and nullable per-client overrides.
type SettingsStore interface {
	// GetTenantSettings returns the tenant-wide defaults
	GetTenantSettings(ctx context.Context) (*BillingSettings, error)

	// GetClientSettings returns a client's overrides; nil fields inherit
	// Returns nil, nil if the client has no overrides
	GetClientSettings(ctx context.Context, clientID string) (*BillingSettings, error)

	// SetClientSettings replaces a client's overrides
	SetClientSettings(ctx context.Context, clientID string, settings *BillingSettings) error
}

// systemClock is the default TimeSource.
type systemClock struct{}

func (systemClock) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// FixedClock is a TimeSource that always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now(_ context.Context) (time.Time, error) {
	return time.Time(c).UTC(), nil
}
