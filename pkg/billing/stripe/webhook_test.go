package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocycle/pkg/billing"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

func eventJSON(eventType string, created time.Time, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_test","object":"event","type":%q,"created":%d,"data":{"object":%s}}`,
		eventType, created.Unix(), object))
}

func subscriptionJSON(id, status, interval string, count int, anchor time.Time, metadata string) string {
	return fmt.Sprintf(`{"id":%q,"object":"subscription","status":%q,"customer":%q,"created":%d,
"billing_cycle_anchor":%d,"metadata":%s,
"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item",
"price":{"id":"price_1","object":"price","recurring":{"interval":%q,"interval_count":%d}}}]}}`,
		id, status, testCustomerID, anchor.Unix(), anchor.Unix(), metadata, interval, count)
}

func sendEvent(t *testing.T, p *Provider, payload []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.RemoteAddr = "198.51.100.10:443"
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_Rejections(t *testing.T) {
	p, _ := newTestProvider(t, Config{})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		p.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", rec.Code)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := sendEvent(t, p, eventJSON("invoice.paid", time.Now(), `{}`), "whsec_wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rec.Code)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		p.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		rec := sendEvent(t, p, eventJSON("customer.created", time.Now(), `{"id":"cus_1"}`), testStripeWebhookSecret)
		if rec.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Expected Cache-Control no-store, got %q", got)
		}
		if got := rec.Header().Get("Content-Type"); got != "application/json" {
			t.Errorf("Expected JSON content type, got %q", got)
		}
		var body webhookResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Expected JSON body, got %q: %v", rec.Body.String(), err)
		}
		if !body.Received || body.Status != statusSkipped {
			t.Errorf("Expected received skipped reply, got %+v", body)
		}
	})
}

func TestWebhookHandler_NoSecret(t *testing.T) {
	p, _ := newTestProvider(t, Config{})
	p.webhookSecret = ""

	r := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(r, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{}"))))
	if r.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", r.Code)
	}
	var body webhookResponse
	if err := json.Unmarshal(r.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON error body, got %q: %v", r.Body.String(), err)
	}
	if body.Received || body.Error != "webhook not configured" {
		t.Errorf("Expected webhook not configured error, got %+v", body)
	}
}

func TestWebhook_SubscriptionUpdated(t *testing.T) {
	var events []billing.WebhookEvent
	p, _ := newTestProvider(t, Config{Config: billing.Config{
		WebhookCallback: func(_ context.Context, e billing.WebhookEvent) error {
			events = append(events, e)
			return nil
		},
	}})

	anchor := time.Date(2023, time.July, 1, 12, 0, 0, 0, time.UTC)
	sub := subscriptionJSON("sub_1", "active", "year", 1, anchor, `{"client_id":"`+testClientID+`"}`)
	r := sendEvent(t, p, eventJSON("customer.subscription.updated", time.Now().Add(time.Minute), sub), testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", r.Code, r.Body.String())
	}

	schedule, err := p.manager.GetSchedule(context.Background(), testClientID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if schedule.BillingCycle != gocycle.CycleAnnually || *schedule.Anchor.DayOfMonth != 1 || *schedule.Anchor.MonthOfYear != 7 {
		t.Errorf("Expected annual 1 July schedule, got %s %+v", schedule.BillingCycle, schedule.Anchor)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 callback, got %d", len(events))
	}
	e := events[0]
	if e.ClientID != testClientID || e.Provider != "stripe" || e.EventType != "customer.subscription.updated" {
		t.Errorf("Unexpected event %+v", e)
	}
	if e.PreviousSchedule != nil || !e.ScheduleChanged() {
		t.Errorf("Expected a new-client schedule change, got previous %+v", e.PreviousSchedule)
	}
	if e.Metadata["subscription_id"] != "sub_1" {
		t.Errorf("Expected subscription_id metadata, got %v", e.Metadata)
	}
}

func TestWebhook_StaleEventSkipped(t *testing.T) {
	calls := 0
	p, _ := newTestProvider(t, Config{Config: billing.Config{
		WebhookCallback: func(context.Context, billing.WebhookEvent) error {
			calls++
			return nil
		},
	}})
	_, err := p.manager.UpdateSchedule(context.Background(), testClientID, gocycle.CycleMonthly,
		gocycle.Anchor{DayOfMonth: gocycle.Int(1)})
	if err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	sub := subscriptionJSON("sub_1", "active", "week", 2, testNow, `{"client_id":"`+testClientID+`"}`)
	r := sendEvent(t, p, eventJSON("customer.subscription.updated", time.Now().Add(-time.Hour), sub), testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.Code)
	}

	schedule, _ := p.manager.GetSchedule(context.Background(), testClientID)
	if schedule.BillingCycle != gocycle.CycleMonthly {
		t.Errorf("Expected stale event to leave monthly schedule, got %s", schedule.BillingCycle)
	}
	if calls != 0 {
		t.Errorf("Expected no callback, got %d", calls)
	}
}

func TestWebhook_CallbackErrorFailsDelivery(t *testing.T) {
	p, _ := newTestProvider(t, Config{Config: billing.Config{
		WebhookCallback: func(context.Context, billing.WebhookEvent) error {
			return errors.New("downstream unavailable")
		},
	}})

	sub := subscriptionJSON("sub_1", "active", "month", 1, testNow, `{"client_id":"`+testClientID+`"}`)
	r := sendEvent(t, p, eventJSON("customer.subscription.created", time.Now().Add(time.Minute), sub), testStripeWebhookSecret)
	if r.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", r.Code)
	}
}

func TestWebhook_ClientIDFromCustomer(t *testing.T) {
	p, api := newTestProvider(t, Config{})
	api.customers[testCustomerID] = &stripe.Customer{
		ID:       testCustomerID,
		Metadata: map[string]string{"client_id": testClientID},
	}

	sub := subscriptionJSON("sub_1", "active", "week", 1, time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC), `{}`)
	r := sendEvent(t, p, eventJSON("customer.subscription.created", time.Now(), sub), testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.Code)
	}

	schedule, err := p.manager.GetSchedule(context.Background(), testClientID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	// 8 March 2024 is a Friday
	if schedule.BillingCycle != gocycle.CycleWeekly || *schedule.Anchor.DayOfWeek != 5 {
		t.Errorf("Expected weekly Friday schedule, got %s %+v", schedule.BillingCycle, schedule.Anchor)
	}
}

func TestWebhook_MissingClientID(t *testing.T) {
	p, api := newTestProvider(t, Config{})
	api.customers[testCustomerID] = &stripe.Customer{ID: testCustomerID}

	sub := subscriptionJSON("sub_1", "active", "month", 1, testNow, `{}`)
	r := sendEvent(t, p, eventJSON("customer.subscription.created", time.Now(), sub), testStripeWebhookSecret)
	if r.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", r.Code)
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	p, api := newTestProvider(t, Config{CustomerIDResolver: staticResolver(testCustomerID)})
	ctx := context.Background()
	_, err := p.manager.UpdateSchedule(ctx, testClientID, gocycle.CycleAnnually,
		gocycle.Anchor{DayOfMonth: gocycle.Int(1), MonthOfYear: gocycle.Int(1)})
	if err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	deleted := subscriptionJSON("sub_annual", "canceled", "year", 1, testNow, `{"client_id":"`+testClientID+`"}`)

	// No subscription left: the last schedule stays
	r := sendEvent(t, p, eventJSON("customer.subscription.deleted", time.Now(), deleted), testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.Code)
	}
	schedule, _ := p.manager.GetSchedule(ctx, testClientID)
	if schedule.BillingCycle != gocycle.CycleAnnually {
		t.Errorf("Expected annual schedule to remain, got %s", schedule.BillingCycle)
	}

	// A remaining bi-weekly subscription takes over
	api.subscriptions[testCustomerID] = []*stripe.Subscription{
		subscription("sub_biweekly", stripe.SubscriptionStatusActive, stripe.PriceRecurringIntervalWeek, 2,
			time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), 100),
	}
	r = sendEvent(t, p, eventJSON("customer.subscription.deleted", time.Now(), deleted), testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", r.Code)
	}
	schedule, _ = p.manager.GetSchedule(ctx, testClientID)
	if schedule.BillingCycle != gocycle.CycleBiWeekly {
		t.Errorf("Expected bi-weekly schedule, got %s", schedule.BillingCycle)
	}
}

func TestWebhook_InvoicePaidMarksCycle(t *testing.T) {
	p, _ := newTestProvider(t, Config{})
	ctx := context.Background()
	if _, err := p.manager.UpdateSchedule(ctx, testClientID, gocycle.CycleMonthly,
		gocycle.Anchor{DayOfMonth: gocycle.Int(1)}); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}
	record, err := p.manager.CreateNextCycle(ctx, testClientID)
	if err != nil {
		t.Fatalf("CreateNextCycle failed: %v", err)
	}

	lineStart := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	invoice := fmt.Sprintf(`{"id":"in_1","object":"invoice","period_start":%d,
"parent":{"subscription_details":{"subscription":"sub_1","metadata":{"client_id":%q}}},
"lines":{"object":"list","data":[{"id":"il_1","period":{"start":%d,"end":%d}}]}}`,
		lineStart.AddDate(0, -1, 0).Unix(), testClientID, lineStart.Unix(), lineStart.AddDate(0, 1, 0).Unix())

	for i := 0; i < 2; i++ {
		r := sendEvent(t, p, eventJSON("invoice.paid", time.Now(), invoice), testStripeWebhookSecret)
		if r.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected status 200, got %d", i+1, r.Code)
		}
	}

	records, err := p.manager.ListCycles(ctx, testClientID)
	if err != nil {
		t.Fatalf("ListCycles failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID || !records[0].Invoiced {
		t.Errorf("Expected cycle %s invoiced, got %+v", record.ID, records)
	}
}

func TestWebhook_InvoiceWithoutSubscription(t *testing.T) {
	p, _ := newTestProvider(t, Config{})

	r := sendEvent(t, p, eventJSON("invoice.payment_succeeded", time.Now(), `{"id":"in_oneoff","object":"invoice"}`),
		testStripeWebhookSecret)
	if r.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", r.Code)
	}
}

func TestExpandableID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`null`, ""},
		{`"sub_1"`, "sub_1"},
		{`{"id":"sub_2","object":"subscription"}`, "sub_2"},
		{`42`, ""},
	}
	for _, tt := range tests {
		if got := expandableID([]byte(tt.raw)); got != tt.want {
			t.Errorf("expandableID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
