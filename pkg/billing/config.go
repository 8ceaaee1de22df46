package billing

import (
	"context"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the gocycle Manager instance that will be updated with schedules
	Manager *gocycle.Manager

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncClient).
	APIKey string

	// ClampLateAnchors maps subscription anchors on days 29-31 to day 28.
	// If false, such subscriptions are rejected with ErrUnsupportedAnchor.
	ClampLateAnchors bool

	// WebhookCallback is invoked after a webhook changed a client's schedule.
	// A returned error fails the webhook so the provider retries it.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger receives webhook and sync diagnostics (default: NoopLogger)
	Logger gocycle.Logger
}
