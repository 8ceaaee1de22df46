// Package memory provides an in-memory implementation of the gocycle.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Store and gocycle.SettingsStore using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	schedules map[string]*gocycle.Schedule
	records   map[string][]*gocycle.CycleRecord // per client, ascending by start
	tenant    *gocycle.BillingSettings
	overrides map[string]*gocycle.BillingSettings
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		schedules: make(map[string]*gocycle.Schedule),
		records:   make(map[string][]*gocycle.CycleRecord),
		overrides: make(map[string]*gocycle.BillingSettings),
	}
}

// GetSchedule implements gocycle.Store
func (s *Storage) GetSchedule(_ context.Context, clientID string) (*gocycle.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[clientID]
	if !ok {
		return nil, gocycle.ErrScheduleNotFound
	}

	// Return a copy to prevent external mutations
	scheduleCopy := *schedule
	scheduleCopy.Anchor = gocycle.CopyAnchor(schedule.Anchor)
	return &scheduleCopy, nil
}

// WriteSchedule implements gocycle.Store
func (s *Storage) WriteSchedule(_ context.Context, schedule *gocycle.Schedule) error {
	if schedule == nil || schedule.ClientID == "" {
		return fmt.Errorf("invalid schedule")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations
	scheduleCopy := *schedule
	scheduleCopy.Anchor = gocycle.CopyAnchor(schedule.Anchor)
	s.schedules[schedule.ClientID] = &scheduleCopy
	return nil
}

// EvictSchedule implements gocycle.ScheduleEvicter
func (s *Storage) EvictSchedule(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, clientID)
	return nil
}

// GetMostRecentCycleRecord implements gocycle.Store
func (s *Storage) GetMostRecentCycleRecord(_ context.Context, clientID string) (*gocycle.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[clientID]
	if len(records) == 0 {
		return nil, nil // No records yet is not an error
	}
	recordCopy := *records[len(records)-1]
	return &recordCopy, nil
}

// WriteCycleRecord implements gocycle.Store. The overlap check and the append
// happen under one lock, so concurrent writers cannot both succeed.
func (s *Storage) WriteCycleRecord(_ context.Context, record *gocycle.CycleRecord) error {
	if record == nil || record.ClientID == "" {
		return fmt.Errorf("invalid cycle record")
	}
	if !record.PeriodStart.Before(record.PeriodEnd) {
		return fmt.Errorf("invalid cycle record: start %s is not before end %s",
			gocycle.FormatDate(record.PeriodStart), gocycle.FormatDate(record.PeriodEnd))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records[record.ClientID]
	var last *gocycle.CycleRecord
	if len(records) > 0 {
		last = records[len(records)-1]
	}
	if err := gocycle.CheckContinuity(record.ClientID, last, record.PeriodStart); err != nil {
		return err
	}

	recordCopy := *record
	s.records[record.ClientID] = append(records, &recordCopy)
	return nil
}

// ListCycleRecords implements gocycle.Store
func (s *Storage) ListCycleRecords(_ context.Context, clientID string) ([]*gocycle.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[clientID]
	out := make([]*gocycle.CycleRecord, 0, len(records))
	for _, r := range records {
		recordCopy := *r
		out = append(out, &recordCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

// MarkCycleInvoiced implements gocycle.Store
func (s *Storage) MarkCycleInvoiced(_ context.Context, clientID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[clientID] {
		if r.ID == recordID {
			r.Invoiced = true
			return nil
		}
	}
	return gocycle.ErrCycleRecordNotFound
}

// SetTenantSettings replaces the tenant-wide defaults
func (s *Storage) SetTenantSettings(_ context.Context, settings *gocycle.BillingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings == nil {
		s.tenant = nil
		return nil
	}
	resolved := gocycle.ResolveSettings(settings, nil)
	s.tenant = &resolved
	return nil
}

// GetTenantSettings implements gocycle.SettingsStore
func (s *Storage) GetTenantSettings(_ context.Context) (*gocycle.BillingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tenant == nil {
		return &gocycle.BillingSettings{}, nil
	}
	resolved := gocycle.ResolveSettings(s.tenant, nil)
	return &resolved, nil
}

// GetClientSettings implements gocycle.SettingsStore
func (s *Storage) GetClientSettings(_ context.Context, clientID string) (*gocycle.BillingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	override, ok := s.overrides[clientID]
	if !ok {
		return nil, nil
	}
	resolved := gocycle.ResolveSettings(override, nil)
	return &resolved, nil
}

// SetClientSettings implements gocycle.SettingsStore. A nil settings value
// removes the client's overrides.
func (s *Storage) SetClientSettings(_ context.Context, clientID string, settings *gocycle.BillingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings == nil {
		delete(s.overrides, clientID)
		return nil
	}
	resolved := gocycle.ResolveSettings(settings, nil)
	s.overrides[clientID] = &resolved
	return nil
}
