// Package firestore provides a Firestore implementation of the gocycle.Store interface.
// Cycle records live under a per-client head document that every append reads
// and rewrites inside a transaction, so concurrent appends for one client are
// serialized by Firestore's transaction conflict detection.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Storage implements gocycle.Store using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	schedulesCollection string
	cyclesCollection    string
	metaCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// SchedulesCollection is the Firestore collection for client schedules
	// Default: "billing_schedules"
	SchedulesCollection string

	// CyclesCollection holds one head document per client with the records in
	// a "records" subcollection
	// Default: "billing_cycles"
	CyclesCollection string

	// MetaCollection holds the document used to read the server clock
	// Default: "billing_meta"
	MetaCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SchedulesCollection == "" {
		config.SchedulesCollection = "billing_schedules"
	}
	if config.CyclesCollection == "" {
		config.CyclesCollection = "billing_cycles"
	}
	if config.MetaCollection == "" {
		config.MetaCollection = "billing_meta"
	}

	return &Storage{
		client:              client,
		schedulesCollection: config.SchedulesCollection,
		cyclesCollection:    config.CyclesCollection,
		metaCollection:      config.MetaCollection,
	}, nil
}

// GetSchedule implements gocycle.Store
func (s *Storage) GetSchedule(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	snap, err := s.client.Collection(s.schedulesCollection).Doc(clientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocycle.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	if !snap.Exists() {
		return nil, gocycle.ErrScheduleNotFound
	}

	data := snap.Data()
	schedule := &gocycle.Schedule{
		ClientID:     clientID,
		BillingCycle: gocycle.CycleType(getString(data, "billingCycle")),
		Anchor: gocycle.Anchor{
			DayOfMonth:  getIntPtr(data, "dayOfMonth"),
			MonthOfYear: getIntPtr(data, "monthOfYear"),
			DayOfWeek:   getIntPtr(data, "dayOfWeek"),
		},
		UpdatedAt: getTime(data, "updatedAt"),
	}
	if ref, ok := data["referenceDate"].(time.Time); ok {
		ref = ref.UTC()
		schedule.Anchor.ReferenceDate = &ref
	}

	return schedule, nil
}

// WriteSchedule implements gocycle.Store. The document is replaced, so anchor
// fields of a previous cycle type do not linger.
func (s *Storage) WriteSchedule(ctx context.Context, schedule *gocycle.Schedule) error {
	if schedule == nil || schedule.ClientID == "" {
		return fmt.Errorf("invalid schedule")
	}

	data := map[string]interface{}{
		"billingCycle": string(schedule.BillingCycle),
		"updatedAt":    schedule.UpdatedAt,
	}
	if a := schedule.Anchor; a.DayOfMonth != nil {
		data["dayOfMonth"] = *a.DayOfMonth
	}
	if a := schedule.Anchor; a.MonthOfYear != nil {
		data["monthOfYear"] = *a.MonthOfYear
	}
	if a := schedule.Anchor; a.DayOfWeek != nil {
		data["dayOfWeek"] = *a.DayOfWeek
	}
	if a := schedule.Anchor; a.ReferenceDate != nil {
		data["referenceDate"] = a.ReferenceDate.UTC()
	}

	_, err := s.client.Collection(s.schedulesCollection).Doc(schedule.ClientID).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}

	return nil
}

// GetMostRecentCycleRecord implements gocycle.Store
func (s *Storage) GetMostRecentCycleRecord(ctx context.Context, clientID string) (*gocycle.CycleRecord, error) {
	head, err := s.headDoc(clientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No records yet is not an error
		}
		return nil, fmt.Errorf("failed to get cycle head: %w", err)
	}
	lastID := getString(head.Data(), "lastRecordId")
	if lastID == "" {
		return nil, nil
	}

	snap, err := s.recordDoc(clientID, lastID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get most recent cycle record: %w", err)
	}
	return recordFromData(clientID, snap.Ref.ID, snap.Data()), nil
}

// WriteCycleRecord implements gocycle.Store with a transaction over the
// client's head document.
func (s *Storage) WriteCycleRecord(ctx context.Context, record *gocycle.CycleRecord) error {
	if record == nil || record.ClientID == "" || record.ID == "" {
		return fmt.Errorf("invalid cycle record")
	}
	if !record.PeriodStart.Before(record.PeriodEnd) {
		return fmt.Errorf("invalid cycle record: start %s is not before end %s",
			gocycle.FormatDate(record.PeriodStart), gocycle.FormatDate(record.PeriodEnd))
	}

	head := s.headDoc(record.ClientID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(head)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var last *gocycle.CycleRecord
		if snap != nil && snap.Exists() {
			if lastID := getString(snap.Data(), "lastRecordId"); lastID != "" {
				lastSnap, err := tx.Get(s.recordDoc(record.ClientID, lastID))
				if err != nil {
					return err
				}
				last = recordFromData(record.ClientID, lastID, lastSnap.Data())
			}
		}

		if err := gocycle.CheckContinuity(record.ClientID, last, record.PeriodStart); err != nil {
			return err
		}

		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if err := tx.Create(s.recordDoc(record.ClientID, record.ID), map[string]interface{}{
			"periodStart": record.PeriodStart.UTC(),
			"periodEnd":   record.PeriodEnd.UTC(),
			"invoiced":    record.Invoiced,
			"createdAt":   createdAt,
		}); err != nil {
			return err
		}

		return tx.Set(head, map[string]interface{}{
			"lastRecordId":  record.ID,
			"lastPeriodEnd": record.PeriodEnd.UTC(),
			"updatedAt":     firestore.ServerTimestamp,
		})
	})

	var overlap *gocycle.OverlapError
	if errors.As(err, &overlap) {
		return overlap
	}
	if err != nil {
		return fmt.Errorf("failed to write cycle record: %w", err)
	}
	return nil
}

// ListCycleRecords implements gocycle.Store
func (s *Storage) ListCycleRecords(ctx context.Context, clientID string) ([]*gocycle.CycleRecord, error) {
	iter := s.headDoc(clientID).Collection("records").
		OrderBy("periodStart", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	records := make([]*gocycle.CycleRecord, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list cycle records: %w", err)
		}
		records = append(records, recordFromData(clientID, snap.Ref.ID, snap.Data()))
	}
	return records, nil
}

// MarkCycleInvoiced implements gocycle.Store
func (s *Storage) MarkCycleInvoiced(ctx context.Context, clientID, recordID string) error {
	_, err := s.recordDoc(clientID, recordID).Update(ctx, []firestore.Update{
		{Path: "invoiced", Value: true},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return gocycle.ErrCycleRecordNotFound
		}
		return fmt.Errorf("failed to mark cycle invoiced: %w", err)
	}
	return nil
}

// Now implements gocycle.TimeSource. It writes a server timestamp and returns
// the commit time reported by Firestore.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	res, err := s.client.Collection(s.metaCollection).Doc("clock").Set(ctx, map[string]interface{}{
		"now": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get server time: %w", err)
	}
	return res.UpdateTime.UTC(), nil
}

// headDoc returns the per-client document that tracks the latest record
func (s *Storage) headDoc(clientID string) *firestore.DocumentRef {
	return s.client.Collection(s.cyclesCollection).Doc(clientID)
}

// recordDoc returns the document for one cycle record
func (s *Storage) recordDoc(clientID, recordID string) *firestore.DocumentRef {
	// Structure: billing_cycles/{clientID}/records/{recordID}
	return s.headDoc(clientID).Collection("records").Doc(recordID)
}

func recordFromData(clientID, id string, data map[string]interface{}) *gocycle.CycleRecord {
	invoiced, _ := data["invoiced"].(bool)
	return &gocycle.CycleRecord{
		ID:          id,
		ClientID:    clientID,
		PeriodStart: gocycle.StartOfDayUTC(getTime(data, "periodStart")),
		PeriodEnd:   gocycle.StartOfDayUTC(getTime(data, "periodEnd")),
		Invoiced:    invoiced,
		CreatedAt:   getTime(data, "createdAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

// getIntPtr distinguishes an absent field from a zero value.
func getIntPtr(data map[string]interface{}, key string) *int {
	if _, ok := data[key]; !ok {
		return nil
	}
	v := getInt(data, key)
	return &v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
