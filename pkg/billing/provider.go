package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Provider is the generic interface that any billing backend must implement.
// The provider owns the subscription; gocycle owns the resulting schedule and
// cycle history.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and Manager updates internally.
	WebhookHandler() http.Handler

	// SyncClient forces a synchronization of the client's subscription from
	// the provider into the gocycle Manager. It is used for reconciliation
	// jobs and returns the schedule now stored for the client.
	SyncClient(ctx context.Context, clientID string) (*gocycle.Schedule, error)
}
