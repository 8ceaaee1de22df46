// Package stripe keeps gocycle billing schedules in step with Stripe
// subscriptions. A subscription's recurring price interval and billing cycle
// anchor determine the client's cycle type and anchor.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gocycle/pkg/billing"
	"github.com/mihaimyh/gocycle/pkg/billing/internal"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultClientIDKey       = "client_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, APIKey, WebhookSecret, etc.)

	// CustomerIDResolver maps a client ID to a Stripe customer ID.
	// If nil or it fails, the customer is looked up with the Search API by
	// metadata, which is slower and eventually consistent.
	CustomerIDResolver func(ctx context.Context, clientID string) (string, error)

	// ClientIDMetadataKey is the subscription/customer metadata key holding
	// the gocycle client ID (default: "client_id")
	ClientIDMetadataKey string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager            *gocycle.Manager
	config             Config
	api                stripeAPI
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	metadataKey        string
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             gocycle.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	metadataKey := config.ClientIDMetadataKey
	if metadataKey == "" {
		metadataKey = defaultClientIDKey
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &gocycle.NoopLogger{}
	}

	return &Provider{
		manager:            config.Manager,
		config:             config,
		api:                newClientAPI(apiKey),
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret:      strings.TrimSpace(config.WebhookSecret),
		metadataKey:        metadataKey,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncClient reads the client's current Stripe subscription and stores the
// schedule it implies.
func (p *Provider) SyncClient(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	return p.syncClientFromAPI(ctx, clientID)
}

// PortalURL creates a Stripe Customer Portal session where the client can
// change plans or payment details, and returns its URL.
func (p *Provider) PortalURL(ctx context.Context, clientID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, clientID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", err
	}

	url, err := p.api.CreatePortalSession(ctx, customerID, returnURL)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return url, nil
}

var _ billing.Provider = (*Provider)(nil)
