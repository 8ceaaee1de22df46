package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocycle/pkg/billing"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// syncClientFromAPI stores the schedule implied by the client's newest live
// subscription
func (p *Provider) syncClientFromAPI(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	startTime := time.Now()
	fail := func(err error) (*gocycle.Schedule, error) {
		p.metrics.RecordClientSync(providerName, "error")
		p.metrics.RecordClientSyncDuration(providerName, time.Since(startTime))
		return nil, err
	}

	customerID, err := p.resolveCustomerID(ctx, clientID)
	if err != nil {
		return fail(err)
	}

	callStart := time.Now()
	subs, err := p.api.ListSubscriptions(ctx, customerID)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(callStart))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		return fail(fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err))
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	sub := newestLiveSubscription(subs)
	if sub == nil {
		return fail(fmt.Errorf("%w: customer %s", billing.ErrNoSubscription, customerID))
	}

	_, schedule, err := p.applySubscription(ctx, clientID, sub)
	if err != nil {
		return fail(err)
	}

	p.metrics.RecordClientSync(providerName, "success")
	p.metrics.RecordClientSyncDuration(providerName, time.Since(startTime))
	return schedule, nil
}

// applySubscription stores the schedule sub implies unless the client already
// has it. It returns the previous schedule (nil for a new client) and the
// current one.
func (p *Provider) applySubscription(ctx context.Context, clientID string,
	sub *stripe.Subscription) (prev, current *gocycle.Schedule, err error) {
	cycle, anchor, err := p.scheduleFromSubscription(sub)
	if err != nil {
		return nil, nil, err
	}

	prev, err = p.existingSchedule(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	candidate := &gocycle.Schedule{ClientID: clientID, BillingCycle: cycle, Anchor: anchor}
	if billing.SameSchedule(prev, candidate) {
		return prev, prev, nil
	}

	current, err = p.manager.UpdateSchedule(ctx, clientID, cycle, anchor)
	if err != nil {
		return nil, nil, err
	}

	fromCycle := ""
	if prev != nil {
		fromCycle = string(prev.BillingCycle)
	}
	p.metrics.RecordScheduleChange(providerName, fromCycle, string(cycle))
	p.logger.Info("schedule synced from stripe subscription",
		gocycle.Field{Key: "client_id", Value: clientID},
		gocycle.Field{Key: "subscription_id", Value: sub.ID},
		gocycle.Field{Key: "billing_cycle", Value: string(cycle)},
	)
	return prev, current, nil
}

func (p *Provider) existingSchedule(ctx context.Context, clientID string) (*gocycle.Schedule, error) {
	s, err := p.manager.GetSchedule(ctx, clientID)
	if errors.Is(err, gocycle.ErrScheduleNotFound) {
		return nil, nil
	}
	return s, err
}

// scheduleFromSubscription maps the first recurring price on sub to a
// schedule anchored on the subscription's billing cycle anchor
func (p *Provider) scheduleFromSubscription(sub *stripe.Subscription) (gocycle.CycleType, gocycle.Anchor, error) {
	recurring := recurringPrice(sub)
	if recurring == nil {
		return "", gocycle.Anchor{}, fmt.Errorf("%w: subscription %s has no recurring price",
			billing.ErrNoSubscription, sub.ID)
	}

	anchorUnix := sub.BillingCycleAnchor
	if anchorUnix == 0 {
		anchorUnix = sub.Created
	}
	count := recurring.IntervalCount
	if count == 0 {
		count = 1
	}
	return billing.ScheduleFromInterval(string(recurring.Interval), count,
		time.Unix(anchorUnix, 0).UTC(), p.config.ClampLateAnchors)
}

func recurringPrice(sub *stripe.Subscription) *stripe.PriceRecurring {
	if sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.Recurring != nil {
			return item.Price.Recurring
		}
	}
	return nil
}

func isLive(sub *stripe.Subscription) bool {
	return sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
}

// newestLiveSubscription picks the most recently created active or trialing
// subscription
func newestLiveSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var newest *stripe.Subscription
	for _, sub := range subs {
		if sub == nil || !isLive(sub) || recurringPrice(sub) == nil {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	return newest
}

// resolveCustomerID finds the Stripe customer for a client, trying
// CustomerIDResolver before the Search API
func (p *Provider) resolveCustomerID(ctx context.Context, clientID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, clientID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		if err != nil {
			p.logger.Warn("customer id resolver failed, falling back to search",
				gocycle.Field{Key: "client_id", Value: clientID},
				gocycle.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	callStart := time.Now()
	cust, err := p.api.SearchCustomer(ctx, p.metadataKey, clientID)
	p.metrics.RecordAPICallDuration(providerName, "/customers/search", time.Since(callStart))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers/search", "error")
		return "", fmt.Errorf("%w: search customers: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers/search", "200")
	if cust == nil {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, clientID)
	}
	return cust.ID, nil
}

// clientIDForSubscription reads the client ID from subscription metadata,
// then from the customer's metadata
func (p *Provider) clientIDForSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if id := sub.Metadata[p.metadataKey]; id != "" {
		return id, nil
	}
	if sub.Customer != nil {
		if id := sub.Customer.Metadata[p.metadataKey]; id != "" {
			return id, nil
		}
		if sub.Customer.ID != "" {
			cust, err := p.api.GetCustomer(ctx, sub.Customer.ID)
			if err != nil {
				p.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
				return "", fmt.Errorf("%w: retrieve customer: %v", billing.ErrProviderAPIError, err)
			}
			p.metrics.RecordAPICall(providerName, "/customers/retrieve", "200")
			if id := cust.Metadata[p.metadataKey]; id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: metadata.%s missing on subscription %s",
		billing.ErrClientNotFound, p.metadataKey, sub.ID)
}
