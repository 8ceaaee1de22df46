// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies per operation type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) for schedule reads and client locks
	Hot gocycle.Store

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gocycle.Store

	// AsyncMirror copies cycle records to Hot in the background after Cold
	// accepted them. If false, the copy happens before WriteCycleRecord returns.
	AsyncMirror bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
//   - Read-Through: schedules (Hot → Cold → populate Hot)
//   - Write-Through: schedules, invoiced flags (Cold → Hot)
//   - Cold-Authoritative: cycle appends and the most recent record, mirrored to Hot
//   - Read-Fallback: cycle history from Cold, Hot when Cold is unavailable
//   - Hot-Primary: client locks (Hot locker, else Cold locker, else in-process)
type Storage struct {
	hot  gocycle.Store
	cold gocycle.Store
	conf Config

	locker gocycle.ClientLocker

	// staleMu guards stale: clients whose Hot schedule missed a write and
	// must be read from Cold until Hot accepts one again
	staleMu sync.Mutex
	stale   map[string]struct{}

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
		stale:     make(map[string]struct{}),
	}

	switch {
	case isLocker(config.Hot):
		s.locker = config.Hot.(gocycle.ClientLocker)
	case isLocker(config.Cold):
		s.locker = config.Cold.(gocycle.ClientLocker)
	default:
		s.locker = gocycle.NewKeyedMutex()
	}

	if config.AsyncMirror {
		s.startWorker()
	}

	return s, nil
}

func isLocker(store gocycle.Store) bool {
	_, ok := store.(gocycle.ClientLocker)
	return ok
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncMirror {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so Hot sees records in the order Cold accepted them.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSchedule implements gocycle.Store with read-through strategy.
// Clients whose last Hot write failed skip Hot until it is repaired.
func (s *Storage) GetSchedule(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	// 1. Try Hot
	if !s.isStale(clientID) {
		schedule, err := s.hot.GetSchedule(ctx, clientID)
		if err == nil {
			return schedule, nil
		}
	}

	// 2. Try Cold (Source of Truth)
	schedule, err := s.cold.GetSchedule(ctx, clientID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	if err := s.hot.WriteSchedule(ctx, schedule); err == nil {
		s.setStale(clientID, false)
	}

	return schedule, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// WriteSchedule implements gocycle.Store with write-through strategy.
func (s *Storage) WriteSchedule(ctx context.Context, schedule *gocycle.Schedule) error {
	// 1. Write Cold (Durability)
	if err := s.cold.WriteSchedule(ctx, schedule); err != nil {
		return err
	}
	// 2. Write Hot (Availability)
	if err := s.hot.WriteSchedule(ctx, schedule); err != nil {
		// Hot still holds the previous schedule; bypass it until repaired.
		s.setStale(schedule.ClientID, true)
		if ev, ok := s.hot.(gocycle.ScheduleEvicter); ok {
			if evErr := ev.EvictSchedule(ctx, schedule.ClientID); evErr != nil {
				err = errors.Join(err, evErr)
			}
		}
		s.reportError(fmt.Errorf("tiered storage: hot schedule write failed: %w", err))
		return nil
	}
	s.setStale(schedule.ClientID, false)
	return nil
}

func (s *Storage) isStale(clientID string) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	_, ok := s.stale[clientID]
	return ok
}

func (s *Storage) setStale(clientID string, stale bool) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	if stale {
		s.stale[clientID] = struct{}{}
	} else {
		delete(s.stale, clientID)
	}
}

// MarkCycleInvoiced implements gocycle.Store with write-through strategy.
func (s *Storage) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	if err := s.cold.MarkCycleInvoiced(ctx, clientID, recordID); err != nil {
		return err
	}
	s.mirror(ctx, func(ctx context.Context) error {
		err := s.hot.MarkCycleInvoiced(ctx, clientID, recordID)
		if errors.Is(err, gocycle.ErrCycleRecordNotFound) {
			return nil // Hot never saw the record
		}
		return err
	})
	return nil
}

// --- Strategy: Cold-Authoritative ---
// The overlap check must see every record, so only Cold decides.

// WriteCycleRecord implements gocycle.Store. Cold performs the atomic append;
// Hot receives a copy afterwards.
func (s *Storage) WriteCycleRecord(ctx context.Context, record *gocycle.CycleRecord) error {
	if err := s.cold.WriteCycleRecord(ctx, record); err != nil {
		return err
	}

	recordCopy := *record
	s.mirror(ctx, func(ctx context.Context) error {
		err := s.hot.WriteCycleRecord(ctx, &recordCopy)
		var overlap *gocycle.OverlapError
		if errors.As(err, &overlap) {
			return fmt.Errorf("hot store diverged for client %s: %w", record.ClientID, err)
		}
		return err
	})
	return nil
}

// GetMostRecentCycleRecord implements gocycle.Store by reading Cold.
func (s *Storage) GetMostRecentCycleRecord(ctx context.Context, clientID string) (*gocycle.CycleRecord, error) {
	return s.cold.GetMostRecentCycleRecord(ctx, clientID)
}

// --- Strategy: Read-Fallback ---

// ListCycleRecords implements gocycle.Store. History is read from Cold; when
// Cold fails, a possibly lagging copy from Hot is returned if it has any.
func (s *Storage) ListCycleRecords(ctx context.Context, clientID string) ([]*gocycle.CycleRecord, error) {
	records, err := s.cold.ListCycleRecords(ctx, clientID)
	if err == nil {
		return records, nil
	}

	hotRecords, hotErr := s.hot.ListCycleRecords(ctx, clientID)
	if hotErr != nil || len(hotRecords) == 0 {
		return nil, err
	}
	s.reportError(fmt.Errorf("tiered storage: serving cycle history from hot store: %w", err))
	return hotRecords, nil
}

// mirror applies fn to Hot, in the background when AsyncMirror is set.
func (s *Storage) mirror(ctx context.Context, fn func(context.Context) error) {
	if !s.conf.AsyncMirror {
		if err := fn(ctx); err != nil {
			s.reportError(fmt.Errorf("tiered storage: sync hot write failed: %w", err))
		}
		return
	}

	// Attempt to enqueue non-blocking
	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return fn(context.Background())
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot write"))
	}
}

// --- Strategy: Hot-Primary ---

// LockClient implements gocycle.ClientLocker with the first locker available
// among Hot, Cold and an in-process keyed mutex.
func (s *Storage) LockClient(ctx context.Context, clientID string) (func(), error) {
	return s.locker.LockClient(ctx, clientID)
}

// --- TimeSource Support ---

// Now uses Cold store time, since Cold decides which cycles exist.
// Falls back to Hot if Cold doesn't support it, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.cold.(gocycle.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.hot.(gocycle.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}

// --- Settings Support ---

// GetTenantSettings implements gocycle.SettingsStore by delegating to Cold.
func (s *Storage) GetTenantSettings(ctx context.Context) (*gocycle.BillingSettings, error) {
	ss, ok := s.cold.(gocycle.SettingsStore)
	if !ok {
		return nil, gocycle.ErrNotSupported
	}
	return ss.GetTenantSettings(ctx)
}

// GetClientSettings implements gocycle.SettingsStore by delegating to Cold.
func (s *Storage) GetClientSettings(ctx context.Context, clientID string) (*gocycle.BillingSettings, error) {
	ss, ok := s.cold.(gocycle.SettingsStore)
	if !ok {
		return nil, gocycle.ErrNotSupported
	}
	return ss.GetClientSettings(ctx, clientID)
}

// SetClientSettings implements gocycle.SettingsStore by delegating to Cold.
func (s *Storage) SetClientSettings(ctx context.Context, clientID string, settings *gocycle.BillingSettings) error {
	ss, ok := s.cold.(gocycle.SettingsStore)
	if !ok {
		return gocycle.ErrNotSupported
	}
	return ss.SetClientSettings(ctx, clientID, settings)
}
