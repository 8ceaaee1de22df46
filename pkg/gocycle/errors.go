package gocycle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfiguration is matched by every *ConfigurationError
	ErrInvalidConfiguration = errors.New("invalid schedule configuration")

	// ErrOverlap is matched by every *OverlapError
	ErrOverlap = errors.New("billing cycle overlaps existing cycle")

	// ErrScheduleNotFound is returned when a client has never been assigned a schedule
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrCycleRecordNotFound is returned when a cycle record does not exist
	ErrCycleRecordNotFound = errors.New("cycle record not found")

	// ErrInvalidCount is returned when a preview asks for zero or negative periods
	ErrInvalidCount = errors.New("count must be a positive integer")

	// ErrInvalidClientID is returned for an empty client ID
	ErrInvalidClientID = errors.New("invalid client id")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotSupported is returned when a store lacks an optional capability
	ErrNotSupported = errors.New("operation not supported by this store")
)

// ConfigurationError reports an anchor field that is out of range, missing for
// the chosen cycle type, or an unknown cycle type.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfiguration) true.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// OverlapError reports that a new cycle would start before the end of the most
// recent existing cycle of the same client.
type OverlapError struct {
	ClientID    string
	LastEnd     time.Time
	NewStart    time.Time
	LastInvoice bool
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cycle for client %s starting %s overlaps existing cycle ending %s",
		e.ClientID, FormatDate(e.NewStart), FormatDate(e.LastEnd))
}

// Is makes errors.Is(err, ErrOverlap) true.
func (e *OverlapError) Is(target error) bool {
	return target == ErrOverlap
}

// CheckContinuity returns an *OverlapError when a record starting at newStart
// would overlap last. A nil last record never conflicts.
func CheckContinuity(clientID string, last *CycleRecord, newStart time.Time) error {
	if last == nil {
		return nil
	}
	if last.PeriodEnd.After(newStart) {
		return &OverlapError{
			ClientID:    clientID,
			LastEnd:     last.PeriodEnd,
			NewStart:    newStart,
			LastInvoice: last.Invoiced,
		}
	}
	return nil
}
