package gocycle

import (
	"context"
	"time"
)

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetSchedule(ctx context.Context, clientID string) (*Schedule, error) {
	var schedule *Schedule
	err := s.cb.Execute(ctx, func() error {
		var e error
		schedule, e = s.store.GetSchedule(ctx, clientID)
		return e
	})
	return schedule, err
}

func (s *CircuitBreakerStore) WriteSchedule(ctx context.Context, schedule *Schedule) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.WriteSchedule(ctx, schedule)
	})
}

func (s *CircuitBreakerStore) GetMostRecentCycleRecord(ctx context.Context, clientID string) (*CycleRecord, error) {
	var record *CycleRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		record, e = s.store.GetMostRecentCycleRecord(ctx, clientID)
		return e
	})
	return record, err
}

func (s *CircuitBreakerStore) WriteCycleRecord(ctx context.Context, record *CycleRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.WriteCycleRecord(ctx, record)
	})
}

func (s *CircuitBreakerStore) ListCycleRecords(ctx context.Context, clientID string) ([]*CycleRecord, error) {
	var records []*CycleRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		records, e = s.store.ListCycleRecords(ctx, clientID)
		return e
	})
	return records, err
}

func (s *CircuitBreakerStore) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.MarkCycleInvoiced(ctx, clientID, recordID)
	})
}

// Now forwards to the wrapped store when it is a TimeSource.
func (s *CircuitBreakerStore) Now(ctx context.Context) (time.Time, error) {
	ts, ok := s.store.(TimeSource)
	if !ok {
		return systemClock{}.Now(ctx)
	}
	var now time.Time
	err := s.cb.Execute(ctx, func() error {
		var e error
		now, e = ts.Now(ctx)
		return e
	})
	return now, err
}
