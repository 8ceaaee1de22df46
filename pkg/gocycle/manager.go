package gocycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Manager previews billing periods, manages client schedules and materializes
// cycle records one at a time.
type Manager struct {
	store   Store
	config  Config
	cache   Cache
	locker  ClientLocker
	clock   TimeSource
	logger  Logger
	metrics Metrics

	settings SettingsStore
	cb       CircuitBreaker
}

// NewManager creates a new schedule manager with the given store and configuration
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Set defaults
	if config.DefaultSchedule == nil {
		def := DefaultSchedule()
		config.DefaultSchedule = &def
	}
	if config.AdvanceConcurrency == 0 {
		config.AdvanceConcurrency = 8
	}
	if config.MaxAdvancePerClient <= 0 {
		config.MaxAdvancePerClient = 24
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	m := &Manager{
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}

	// Optional capabilities are discovered on the raw store, before wrapping.
	m.locker = config.Locker
	if m.locker == nil {
		if l, ok := store.(ClientLocker); ok {
			m.locker = l
		} else {
			m.locker = NewKeyedMutex()
		}
	}
	m.clock = config.Clock
	if m.clock == nil {
		if ts, ok := store.(TimeSource); ok {
			m.clock = ts
		} else {
			m.clock = systemClock{}
		}
	}
	if s, ok := store.(SettingsStore); ok {
		m.settings = s
	}

	m.store = store
	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		resetTimeout := cbc.ResetTimeout
		if resetTimeout == 0 {
			resetTimeout = 30 * time.Second
		}
		m.cb = NewDefaultCircuitBreaker(cbc.FailureThreshold, resetTimeout, func(state CircuitBreakerState) {
			m.metrics.RecordCircuitBreakerStateChange(string(state))
			m.logger.Warn("schedule store circuit breaker state changed", Field{"state", string(state)})
		})
		m.store = NewCircuitBreakerStore(store, m.cb)
	}

	m.cache = NewNoopCache()
	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		m.cache = NewLRUCache(cc.MaxSchedules)
	}

	return m, nil
}

// PreviewPeriods computes count consecutive periods for an unsaved
// configuration. It never touches the store.
func (m *Manager) PreviewPeriods(_ context.Context, cycle CycleType, anchor Anchor,
	referenceDate time.Time, count int) ([]BillingPeriod, error) {
	start := time.Now()
	periods, err := GeneratePeriods(cycle, anchor, referenceDate, count)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordPreview(cycle, count, time.Since(start))
	return periods, nil
}

// PreviewSchedule computes count periods from a client's saved schedule. The
// schedule may be served from cache and be slightly stale.
func (m *Manager) PreviewSchedule(ctx context.Context, clientID string, referenceDate time.Time,
	count int) ([]BillingPeriod, error) {
	schedule, err := m.cachedSchedule(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return m.PreviewPeriods(ctx, schedule.BillingCycle, schedule.Anchor, referenceDate, count)
}

// GetSchedule reads a client's schedule from the store and refreshes the cache.
func (m *Manager) GetSchedule(ctx context.Context, clientID string) (*Schedule, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	schedule, err := m.readSchedule(ctx, clientID)
	if err != nil {
		return nil, err
	}
	m.cache.SetSchedule(clientID, schedule, m.scheduleTTL())
	return schedule, nil
}

// UpdateSchedule validates and stores a client's new configuration. Existing
// cycle records, invoiced or not, are left untouched; only cycles created
// afterwards follow the new anchor.
func (m *Manager) UpdateSchedule(ctx context.Context, clientID string, cycle CycleType,
	anchor Anchor) (*Schedule, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	if err := ValidateSchedule(cycle, anchor); err != nil {
		m.metrics.RecordScheduleUpdate(cycle, false)
		return nil, err
	}

	schedule := &Schedule{
		ClientID:     clientID,
		BillingCycle: cycle,
		Anchor:       CopyAnchor(anchor),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := m.writeSchedule(ctx, schedule); err != nil {
		m.metrics.RecordScheduleUpdate(cycle, false)
		return nil, err
	}

	m.metrics.RecordScheduleUpdate(cycle, true)
	m.logger.Info("billing schedule updated",
		Field{"client_id", clientID},
		Field{"billing_cycle", string(cycle)},
	)
	return schedule, nil
}

// InitializeSchedule assigns the configured default schedule to a client that
// has none. It returns the client's schedule and whether it was just created.
func (m *Manager) InitializeSchedule(ctx context.Context, clientID string) (*Schedule, bool, error) {
	if clientID == "" {
		return nil, false, ErrInvalidClientID
	}
	existing, err := m.readSchedule(ctx, clientID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrScheduleNotFound) {
		return nil, false, err
	}

	def := m.config.DefaultSchedule
	schedule, err := m.UpdateSchedule(ctx, clientID, def.BillingCycle, def.Anchor)
	if err != nil {
		return nil, false, err
	}
	return schedule, true, nil
}

// CreateNextCycle materializes the single next cycle record for a client.
// The first record covers the period containing "now"; every later record
// starts exactly where the previous one ended.
func (m *Manager) CreateNextCycle(ctx context.Context, clientID string) (*CycleRecord, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	now, err := m.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current time: %w", err)
	}

	unlock, err := m.locker.LockClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock client %s: %w", clientID, err)
	}
	defer unlock()

	return m.createNextCycleLocked(ctx, clientID, now)
}

func (m *Manager) createNextCycleLocked(ctx context.Context, clientID string, now time.Time) (*CycleRecord, error) {
	// Always fresh: a cached schedule could predate an update.
	schedule, err := m.readSchedule(ctx, clientID)
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(schedule.BillingCycle, schedule.Anchor)
	if err != nil {
		return nil, err
	}

	last, err := m.mostRecent(ctx, clientID)
	if err != nil {
		m.metrics.RecordCycleCreated(schedule.BillingCycle, "error")
		return nil, err
	}

	var start time.Time
	if last == nil {
		start = resolver.PeriodContaining(now)
	} else {
		start = StartOfDayUTC(last.PeriodEnd)
	}
	end := resolver.Next(start)

	if err := CheckContinuity(clientID, last, start); err != nil {
		m.recordOverlap(schedule.BillingCycle, err)
		return nil, err
	}

	record := &CycleRecord{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now.UTC(),
	}

	opStart := time.Now()
	err = m.store.WriteCycleRecord(ctx, record)
	m.metrics.RecordStorageOperation("write_cycle_record", time.Since(opStart), err)
	if err != nil {
		if errors.Is(err, ErrOverlap) {
			m.recordOverlap(schedule.BillingCycle, err)
			return nil, err
		}
		m.metrics.RecordCycleCreated(schedule.BillingCycle, "error")
		m.logger.Error("failed to write cycle record",
			Field{"client_id", clientID},
			Field{"error", err.Error()},
		)
		return nil, fmt.Errorf("failed to write cycle record: %w", err)
	}

	m.metrics.RecordCycleCreated(schedule.BillingCycle, "created")
	m.logger.Info("billing cycle created",
		Field{"client_id", clientID},
		Field{"period_start", FormatDate(start)},
		Field{"period_end", FormatDate(end)},
	)
	return record, nil
}

// ListCycles returns a client's cycle records ordered by period start.
func (m *Manager) ListCycles(ctx context.Context, clientID string) ([]*CycleRecord, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	start := time.Now()
	records, err := m.store.ListCycleRecords(ctx, clientID)
	m.metrics.RecordStorageOperation("list_cycle_records", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}
	return records, nil
}

// MarkCycleInvoiced flags a record as invoiced. Invoiced records are history.
func (m *Manager) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	if clientID == "" {
		return ErrInvalidClientID
	}
	start := time.Now()
	err := m.store.MarkCycleInvoiced(ctx, clientID, recordID)
	m.metrics.RecordStorageOperation("mark_cycle_invoiced", time.Since(start), err)
	return err
}

// CurrentPeriod returns the period containing at. A materialized record
// covering at wins; otherwise the period is computed from the schedule.
func (m *Manager) CurrentPeriod(ctx context.Context, clientID string, at time.Time) (BillingPeriod, error) {
	records, err := m.ListCycles(ctx, clientID)
	if err != nil {
		return BillingPeriod{}, err
	}
	day := StartOfDayUTC(at)
	for i := len(records) - 1; i >= 0; i-- {
		if p := records[i].Period(); p.Contains(day) {
			return p, nil
		}
	}

	schedule, err := m.cachedSchedule(ctx, clientID)
	if err != nil {
		return BillingPeriod{}, err
	}
	resolver, err := NewResolver(schedule.BillingCycle, schedule.Anchor)
	if err != nil {
		return BillingPeriod{}, err
	}
	return FirstPeriod(resolver, day), nil
}

// AdvanceReport summarizes an AdvanceDue run.
type AdvanceReport struct {
	Created []*CycleRecord
	// Skipped lists clients without a schedule.
	Skipped []string
	Failed  map[string]error
}

// AdvanceDue creates, for every listed client, each cycle whose predecessor
// has ended by now (at most MaxAdvancePerClient per client). Clients without
// any record get the cycle containing now. Clients are processed in parallel;
// per-client failures are reported, not returned.
func (m *Manager) AdvanceDue(ctx context.Context, clientIDs []string, now time.Time) (*AdvanceReport, error) {
	report := &AdvanceReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.AdvanceConcurrency)

	for _, clientID := range clientIDs {
		g.Go(func() error {
			created, err := m.advanceClient(gctx, clientID, now)

			mu.Lock()
			defer mu.Unlock()
			report.Created = append(report.Created, created...)
			switch {
			case err == nil:
			case errors.Is(err, ErrScheduleNotFound):
				report.Skipped = append(report.Skipped, clientID)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				report.Failed[clientID] = err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	if len(report.Failed) > 0 {
		m.logger.Warn("some clients failed to advance", Field{"failed", len(report.Failed)})
	}
	return report, nil
}

func (m *Manager) advanceClient(ctx context.Context, clientID string, now time.Time) ([]*CycleRecord, error) {
	unlock, err := m.locker.LockClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock client %s: %w", clientID, err)
	}
	defer unlock()

	var created []*CycleRecord
	for range m.config.MaxAdvancePerClient {
		last, err := m.mostRecent(ctx, clientID)
		if err != nil {
			return created, err
		}
		if last != nil && last.PeriodEnd.After(now) {
			return created, nil
		}
		record, err := m.createNextCycleLocked(ctx, clientID, now)
		if err != nil {
			return created, err
		}
		created = append(created, record)
	}
	return created, nil
}

// EffectiveSettings resolves a client's billing settings against the tenant
// defaults. The store must implement SettingsStore.
func (m *Manager) EffectiveSettings(ctx context.Context, clientID string) (BillingSettings, error) {
	if m.settings == nil {
		return BillingSettings{}, ErrNotSupported
	}
	tenant, err := m.settings.GetTenantSettings(ctx)
	if err != nil {
		return BillingSettings{}, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	client, err := m.settings.GetClientSettings(ctx, clientID)
	if err != nil {
		return BillingSettings{}, fmt.Errorf("failed to get client settings: %w", err)
	}
	return ResolveSettings(tenant, client), nil
}

// SetClientSettings replaces a client's setting overrides. Nil fields inherit.
func (m *Manager) SetClientSettings(ctx context.Context, clientID string, settings *BillingSettings) error {
	if m.settings == nil {
		return ErrNotSupported
	}
	if clientID == "" {
		return ErrInvalidClientID
	}
	return m.settings.SetClientSettings(ctx, clientID, settings)
}

// CacheStats returns schedule cache statistics.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// CircuitBreakerState returns the store circuit breaker state, or closed when
// the breaker is disabled.
func (m *Manager) CircuitBreakerState() CircuitBreakerState {
	if m.cb == nil {
		return StateClosed
	}
	return m.cb.State()
}

func (m *Manager) cachedSchedule(ctx context.Context, clientID string) (*Schedule, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	if schedule, ok := m.cache.GetSchedule(clientID); ok {
		m.metrics.RecordCacheHit()
		return schedule, nil
	}
	m.metrics.RecordCacheMiss()
	return m.GetSchedule(ctx, clientID)
}

func (m *Manager) readSchedule(ctx context.Context, clientID string) (*Schedule, error) {
	start := time.Now()
	schedule, err := m.store.GetSchedule(ctx, clientID)
	m.metrics.RecordStorageOperation("get_schedule", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, ErrScheduleNotFound
		}
		m.logger.Error("failed to read schedule", Field{"client_id", clientID}, Field{"error", err.Error()})
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}

func (m *Manager) writeSchedule(ctx context.Context, schedule *Schedule) error {
	start := time.Now()
	err := m.store.WriteSchedule(ctx, schedule)
	m.metrics.RecordStorageOperation("write_schedule", time.Since(start), err)
	if err != nil {
		m.logger.Error("failed to write schedule", Field{"client_id", schedule.ClientID}, Field{"error", err.Error()})
		return fmt.Errorf("failed to write schedule: %w", err)
	}
	m.cache.InvalidateSchedule(schedule.ClientID)
	return nil
}

func (m *Manager) mostRecent(ctx context.Context, clientID string) (*CycleRecord, error) {
	start := time.Now()
	last, err := m.store.GetMostRecentCycleRecord(ctx, clientID)
	m.metrics.RecordStorageOperation("get_most_recent_cycle_record", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get most recent cycle record: %w", err)
	}
	return last, nil
}

func (m *Manager) recordOverlap(cycle CycleType, err error) {
	m.metrics.RecordCycleCreated(cycle, "overlap")
	var overlap *OverlapError
	if errors.As(err, &overlap) {
		m.logger.Warn("billing cycle overlap rejected",
			Field{"client_id", overlap.ClientID},
			Field{"last_end", FormatDate(overlap.LastEnd)},
			Field{"new_start", FormatDate(overlap.NewStart)},
		)
	}
}

func (m *Manager) scheduleTTL() time.Duration {
	if m.config.CacheConfig == nil || m.config.CacheConfig.ScheduleTTL == 0 {
		return time.Minute
	}
	return m.config.CacheConfig.ScheduleTTL
}
