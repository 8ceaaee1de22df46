package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocycle/pkg/billing"
	"github.com/mihaimyh/gocycle/pkg/billing/internal"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Webhook outcomes recorded per event
const (
	statusSuccess = "success"
	statusSkipped = "skipped"
	statusError   = "error"
)

// handleWebhook verifies and processes a Stripe webhook event
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		writeWebhookError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		writeWebhookError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			writeWebhookError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			writeWebhookError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		writeWebhookError(w, http.StatusUnauthorized, "unauthorized")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook processing failed",
			gocycle.Field{Key: "event_id", Value: event.ID},
			gocycle.Field{Key: "event_type", Value: eventType},
			gocycle.Field{Key: "error", Value: err.Error()},
		)
		if errors.Is(err, billing.ErrInvalidWebhookPayload) {
			writeWebhookError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		} else {
			writeWebhookError(w, http.StatusInternalServerError, "failed to process webhook")
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
		p.metrics.RecordWebhookEvent(providerName, eventType, statusError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: status})
}

// webhookResponse is the JSON body of every webhook reply
type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

func writeWebhookError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, webhookResponse{Error: msg})
}

// processWebhookEvent dispatches an event. Unknown event types are skipped.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return "", fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event, eventTime)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event)
	default:
		return statusSkipped, nil
	}
}

// handleSubscriptionChanged stores the schedule a created or updated
// subscription implies. Events no newer than the stored schedule are skipped.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event,
	eventTime time.Time) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if !isLive(&sub) {
		return statusSkipped, nil
	}

	clientID, err := p.clientIDForSubscription(ctx, &sub)
	if err != nil {
		return "", err
	}

	existing, err := p.existingSchedule(ctx, clientID)
	if err != nil {
		return "", err
	}
	if existing != nil && !eventTime.After(existing.UpdatedAt) {
		return statusSkipped, nil
	}

	prev, current, err := p.applySubscription(ctx, clientID, &sub)
	if err != nil {
		return "", err
	}
	if prev == current {
		return statusSkipped, nil
	}

	if p.config.WebhookCallback != nil {
		err := p.config.WebhookCallback(ctx, billing.WebhookEvent{
			ClientID:         clientID,
			PreviousSchedule: prev,
			NewSchedule:      current,
			Provider:         providerName,
			EventType:        string(event.Type),
			EventTimestamp:   eventTime,
			Metadata: map[string]interface{}{
				"subscription_id":       sub.ID,
				"subscription_metadata": sub.Metadata,
			},
		})
		if err != nil {
			return "", fmt.Errorf("webhook callback: %w", err)
		}
	}
	return statusSuccess, nil
}

// handleSubscriptionDeleted re-syncs the client so a remaining subscription
// takes over. With none left the stored schedule is kept.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "", fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	clientID, err := p.clientIDForSubscription(ctx, &sub)
	if err != nil {
		return "", err
	}

	_, err = p.SyncClient(ctx, clientID)
	if errors.Is(err, billing.ErrNoSubscription) || errors.Is(err, billing.ErrCustomerNotFound) {
		return statusSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return statusSuccess, nil
}

// invoicePayload holds the invoice fields the provider reads. Stripe has moved
// the subscription reference between API versions, so both places are read.
type invoicePayload struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata"`
	PeriodStart  int64             `json:"period_start"`
	Subscription json.RawMessage   `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *invoicePayload) subscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// servicePeriodStart is the start of the period the invoice bills for
func (inv *invoicePayload) servicePeriodStart() time.Time {
	for _, line := range inv.Lines.Data {
		if line.Period.Start > 0 {
			return time.Unix(line.Period.Start, 0).UTC()
		}
	}
	return time.Unix(inv.PeriodStart, 0).UTC()
}

// expandableID reads an ID that Stripe sends either as a string or as an
// expanded object
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if json.Unmarshal(raw, &id) == nil {
			return id
		}
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}

// handleInvoicePaid marks the cycle record covering the invoice's service
// period as invoiced
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) (string, error) {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		// One-off invoice
		return statusSkipped, nil
	}

	clientID, err := p.clientIDForInvoice(ctx, &inv, subID)
	if err != nil {
		return "", err
	}

	records, err := p.manager.ListCycles(ctx, clientID)
	if err != nil {
		return "", err
	}
	day := gocycle.StartOfDayUTC(inv.servicePeriodStart())
	for _, rec := range records {
		if !rec.Period().Contains(day) {
			continue
		}
		if rec.Invoiced {
			return statusSkipped, nil
		}
		if err := p.manager.MarkCycleInvoiced(ctx, clientID, rec.ID); err != nil {
			return "", err
		}
		p.logger.Info("cycle marked invoiced from stripe invoice",
			gocycle.Field{Key: "client_id", Value: clientID},
			gocycle.Field{Key: "invoice_id", Value: inv.ID},
			gocycle.Field{Key: "period", Value: rec.Period().String()},
		)
		return statusSuccess, nil
	}

	p.logger.Warn("no cycle record covers paid invoice",
		gocycle.Field{Key: "client_id", Value: clientID},
		gocycle.Field{Key: "invoice_id", Value: inv.ID},
		gocycle.Field{Key: "period_start", Value: gocycle.FormatDate(day)},
	)
	return statusSkipped, nil
}

func (p *Provider) clientIDForInvoice(ctx context.Context, inv *invoicePayload, subID string) (string, error) {
	if id := inv.Metadata[p.metadataKey]; id != "" {
		return id, nil
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Metadata[p.metadataKey]; id != "" {
			return id, nil
		}
	}

	sub, err := p.api.GetSubscription(ctx, subID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		return "", fmt.Errorf("%w: retrieve subscription: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "200")
	return p.clientIDForSubscription(ctx, sub)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
