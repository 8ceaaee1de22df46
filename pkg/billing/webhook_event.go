package billing

import (
	"time"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// WebhookEvent contains information about a successful webhook processing event.
// This event is passed to the WebhookCallback after the schedule has been
// successfully updated in storage.
type WebhookEvent struct {
	// ClientID is the internal client identifier
	ClientID string

	// PreviousSchedule is the schedule before the webhook update (nil if new client)
	PreviousSchedule *gocycle.Schedule

	// NewSchedule is the schedule after the webhook update
	NewSchedule *gocycle.Schedule

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.created", "customer.subscription.updated", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains provider-specific additional data
	// Stripe: subscription ID and subscription metadata
	Metadata map[string]interface{}
}

// ScheduleChanged reports whether the event moved the client to a different
// cycle type or anchor
func (e WebhookEvent) ScheduleChanged() bool {
	return !SameSchedule(e.PreviousSchedule, e.NewSchedule)
}
