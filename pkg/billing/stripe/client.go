package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"
)

// stripeAPI is the subset of the Stripe API the provider calls
type stripeAPI interface {
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	SearchCustomer(ctx context.Context, metadataKey, clientID string) (*stripe.Customer, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// clientAPI implements stripeAPI with the v83 service client
type clientAPI struct {
	sc *stripe.Client
}

func newClientAPI(apiKey string) *clientAPI {
	return &clientAPI{sc: stripe.NewClient(apiKey)}
}

func (c *clientAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	var subs []*stripe.Subscription
	for sub, err := range c.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (c *clientAPI) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
}

func (c *clientAPI) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	return c.sc.V1Customers.Retrieve(ctx, customerID, nil)
}

func (c *clientAPI) SearchCustomer(ctx context.Context, metadataKey, clientID string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataKey, clientID)

	for cust, err := range c.sc.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, err
		}
		// Search is eventually consistent and may return near matches
		if cust.Metadata[metadataKey] == clientID {
			return cust, nil
		}
	}
	return nil, nil
}

func (c *clientAPI) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return session.URL, nil
}
