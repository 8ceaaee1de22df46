// Package postgres provides a PostgreSQL implementation of the gocycle.Store interface.
// Cycle records are appended inside a transaction that holds a per-client
// advisory lock, so the continuity check and the insert are atomic across
// instances. The package also implements gocycle.ClientLocker,
// gocycle.TimeSource and gocycle.SettingsStore.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

//go:embed schema.sql
var schemaSQL string

// Advisory lock classes. Session locks taken by LockClient and transaction
// locks taken by WriteCycleRecord must not share a key, otherwise a caller
// holding the client lock would block on its own append.
const (
	lockClassClient int32 = 0x6763
	lockClassAppend int32 = 0x6764
)

// uniqueViolation is the SQLSTATE for unique constraint violations
const uniqueViolation = "23505"

// Storage implements gocycle.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on New if they do not exist
	AutoMigrate bool

	// UnlockTimeout bounds the advisory unlock issued when a client lock is released
	UnlockTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		UnlockTimeout:   5 * time.Second,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.UnlockTimeout <= 0 {
		config.UnlockTimeout = 5 * time.Second
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables used by the store. It is safe to run repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSchedule implements gocycle.Store
func (s *Storage) GetSchedule(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	var schedule gocycle.Schedule
	var cycle string
	var anchor []byte

	err := s.pool.QueryRow(ctx,
		`SELECT client_id, billing_cycle, anchor, updated_at
			FROM billing_schedules WHERE client_id = $1`,
		clientID).Scan(&schedule.ClientID, &cycle, &anchor, &schedule.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocycle.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	schedule.BillingCycle = gocycle.CycleType(cycle)
	if err := json.Unmarshal(anchor, &schedule.Anchor); err != nil {
		return nil, fmt.Errorf("failed to decode anchor: %w", err)
	}
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()
	return &schedule, nil
}

// WriteSchedule implements gocycle.Store
func (s *Storage) WriteSchedule(ctx context.Context, schedule *gocycle.Schedule) error {
	if schedule == nil || schedule.ClientID == "" {
		return fmt.Errorf("invalid schedule")
	}

	anchor, err := json.Marshal(schedule.Anchor)
	if err != nil {
		return fmt.Errorf("failed to encode anchor: %w", err)
	}
	updatedAt := schedule.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_schedules (client_id, billing_cycle, anchor, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (client_id) DO UPDATE SET
				billing_cycle = EXCLUDED.billing_cycle,
				anchor = EXCLUDED.anchor,
				updated_at = EXCLUDED.updated_at`,
		schedule.ClientID, string(schedule.BillingCycle), anchor, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}
	return nil
}

// GetMostRecentCycleRecord implements gocycle.Store
func (s *Storage) GetMostRecentCycleRecord(ctx context.Context, clientID string) (*gocycle.CycleRecord, error) {
	return latestRecord(ctx, s.pool, clientID)
}

// WriteCycleRecord implements gocycle.Store. The latest record is read and the
// new one inserted under a transaction-scoped advisory lock on the client.
func (s *Storage) WriteCycleRecord(ctx context.Context, record *gocycle.CycleRecord) error {
	if record == nil || record.ClientID == "" || record.ID == "" {
		return fmt.Errorf("invalid cycle record")
	}
	if !record.PeriodStart.Before(record.PeriodEnd) {
		return fmt.Errorf("invalid cycle record: start %s is not before end %s",
			gocycle.FormatDate(record.PeriodStart), gocycle.FormatDate(record.PeriodEnd))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1, hashtext($2))`,
		lockClassAppend, record.ClientID); err != nil {
		return fmt.Errorf("failed to lock client: %w", err)
	}

	last, err := latestRecord(ctx, tx, record.ClientID)
	if err != nil {
		return err
	}
	if err := gocycle.CheckContinuity(record.ClientID, last, record.PeriodStart); err != nil {
		return err
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO billing_cycles (id, client_id, period_start, period_end, invoiced, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.ClientID, record.PeriodStart, record.PeriodEnd, record.Invoiced, createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && last != nil {
			return &gocycle.OverlapError{
				ClientID:    record.ClientID,
				LastEnd:     last.PeriodEnd,
				NewStart:    record.PeriodStart,
				LastInvoice: last.Invoiced,
			}
		}
		return fmt.Errorf("failed to insert cycle record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListCycleRecords implements gocycle.Store
func (s *Storage) ListCycleRecords(ctx context.Context, clientID string) ([]*gocycle.CycleRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, period_start, period_end, invoiced, created_at
			FROM billing_cycles
			WHERE client_id = $1
			ORDER BY period_start ASC`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*gocycle.CycleRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}
	return records, nil
}

// MarkCycleInvoiced implements gocycle.Store
func (s *Storage) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_cycles SET invoiced = TRUE WHERE client_id = $1 AND id = $2`,
		clientID, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark cycle invoiced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocycle.ErrCycleRecordNotFound
	}
	return nil
}

// LockClient implements gocycle.ClientLocker with a session advisory lock held
// on a dedicated pooled connection until unlock is called.
func (s *Storage) LockClient(ctx context.Context, clientID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockClassClient, clientID); err != nil {
		conn.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to lock client: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), s.config.UnlockTimeout)
			defer cancel()
			if _, err := conn.Exec(unlockCtx,
				`SELECT pg_advisory_unlock($1, hashtext($2))`, lockClassClient, clientID); err != nil {
				// A connection that may still hold the lock must not return to the pool.
				//nolint:errcheck // closing a broken connection
				_ = conn.Conn().Close(unlockCtx)
			}
			conn.Release()
		})
	}, nil
}

// Now implements gocycle.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// SetTenantSettings replaces the tenant-wide defaults
func (s *Storage) SetTenantSettings(ctx context.Context, settings *gocycle.BillingSettings) error {
	if settings == nil {
		settings = &gocycle.BillingSettings{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_billing_settings
				(singleton, zero_dollar_invoice_handling, suppress_zero_dollar_invoices,
				enable_credit_expiration, credit_expiration_days, credit_expiration_notification_days)
			VALUES (TRUE, $1, $2, $3, $4, $5)
			ON CONFLICT (singleton) DO UPDATE SET
				zero_dollar_invoice_handling = EXCLUDED.zero_dollar_invoice_handling,
				suppress_zero_dollar_invoices = EXCLUDED.suppress_zero_dollar_invoices,
				enable_credit_expiration = EXCLUDED.enable_credit_expiration,
				credit_expiration_days = EXCLUDED.credit_expiration_days,
				credit_expiration_notification_days = EXCLUDED.credit_expiration_notification_days`,
		settingsArgs(settings)...,
	)
	if err != nil {
		return fmt.Errorf("failed to set tenant settings: %w", err)
	}
	return nil
}

// GetTenantSettings implements gocycle.SettingsStore
func (s *Storage) GetTenantSettings(ctx context.Context) (*gocycle.BillingSettings, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT zero_dollar_invoice_handling, suppress_zero_dollar_invoices,
				enable_credit_expiration, credit_expiration_days, credit_expiration_notification_days
			FROM tenant_billing_settings WHERE singleton`)
	settings, err := scanSettings(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &gocycle.BillingSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	return settings, nil
}

// GetClientSettings implements gocycle.SettingsStore
func (s *Storage) GetClientSettings(ctx context.Context, clientID string) (*gocycle.BillingSettings, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT zero_dollar_invoice_handling, suppress_zero_dollar_invoices,
				enable_credit_expiration, credit_expiration_days, credit_expiration_notification_days
			FROM client_billing_settings WHERE client_id = $1`,
		clientID)
	settings, err := scanSettings(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No overrides is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client settings: %w", err)
	}
	return settings, nil
}

// SetClientSettings implements gocycle.SettingsStore. A nil settings value
// removes the client's overrides.
func (s *Storage) SetClientSettings(ctx context.Context, clientID string, settings *gocycle.BillingSettings) error {
	if settings == nil {
		if _, err := s.pool.Exec(ctx, `DELETE FROM client_billing_settings WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("failed to delete client settings: %w", err)
		}
		return nil
	}

	args := append([]any{clientID}, settingsArgs(settings)...)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO client_billing_settings
				(client_id, zero_dollar_invoice_handling, suppress_zero_dollar_invoices,
				enable_credit_expiration, credit_expiration_days, credit_expiration_notification_days)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (client_id) DO UPDATE SET
				zero_dollar_invoice_handling = EXCLUDED.zero_dollar_invoice_handling,
				suppress_zero_dollar_invoices = EXCLUDED.suppress_zero_dollar_invoices,
				enable_credit_expiration = EXCLUDED.enable_credit_expiration,
				credit_expiration_days = EXCLUDED.credit_expiration_days,
				credit_expiration_notification_days = EXCLUDED.credit_expiration_notification_days`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to set client settings: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestRecord(ctx context.Context, q querier, clientID string) (*gocycle.CycleRecord, error) {
	row := q.QueryRow(ctx,
		`SELECT id, client_id, period_start, period_end, invoiced, created_at
			FROM billing_cycles
			WHERE client_id = $1
			ORDER BY period_end DESC
			LIMIT 1`,
		clientID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No records yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get most recent cycle record: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row) (*gocycle.CycleRecord, error) {
	var r gocycle.CycleRecord
	if err := row.Scan(&r.ID, &r.ClientID, &r.PeriodStart, &r.PeriodEnd, &r.Invoiced, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.PeriodStart = gocycle.StartOfDayUTC(r.PeriodStart)
	r.PeriodEnd = gocycle.StartOfDayUTC(r.PeriodEnd)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func scanSettings(row pgx.Row) (*gocycle.BillingSettings, error) {
	var (
		handling *string
		days     *int32
		notify   []int32
		settings gocycle.BillingSettings
	)
	err := row.Scan(&handling, &settings.SuppressZeroDollarInvoices,
		&settings.EnableCreditExpiration, &days, &notify)
	if err != nil {
		return nil, err
	}
	if handling != nil {
		h := gocycle.ZeroDollarInvoiceHandling(*handling)
		settings.ZeroDollarInvoiceHandling = &h
	}
	if days != nil {
		d := int(*days)
		settings.CreditExpirationDays = &d
	}
	if notify != nil {
		settings.CreditExpirationNotifyDays = make([]int, len(notify))
		for i, n := range notify {
			settings.CreditExpirationNotifyDays[i] = int(n)
		}
	}
	return &settings, nil
}

func settingsArgs(settings *gocycle.BillingSettings) []any {
	var handling *string
	if settings.ZeroDollarInvoiceHandling != nil {
		h := string(*settings.ZeroDollarInvoiceHandling)
		handling = &h
	}
	var days *int32
	if settings.CreditExpirationDays != nil {
		d := int32(*settings.CreditExpirationDays)
		days = &d
	}
	var notify []int32
	if settings.CreditExpirationNotifyDays != nil {
		notify = make([]int32, len(settings.CreditExpirationNotifyDays))
		for i, n := range settings.CreditExpirationNotifyDays {
			notify[i] = int32(n)
		}
	}
	return []any{
		handling,
		settings.SuppressZeroDollarInvoices,
		settings.EnableCreditExpiration,
		days,
		notify,
	}
}
