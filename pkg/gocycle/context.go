package gocycle

import "context"

type contextKey string

const (
	billingPeriodKey contextKey = "gocycle:billingPeriod"
	clientIDKey      contextKey = "gocycle:clientID"
)

// WithBillingPeriod returns a copy of ctx carrying the client's current period
func WithBillingPeriod(ctx context.Context, clientID string, period BillingPeriod) context.Context {
	ctx = context.WithValue(ctx, clientIDKey, clientID)
	return context.WithValue(ctx, billingPeriodKey, period)
}

// BillingPeriodFromContext returns the period stored by WithBillingPeriod
func BillingPeriodFromContext(ctx context.Context) (BillingPeriod, bool) {
	p, ok := ctx.Value(billingPeriodKey).(BillingPeriod)
	return p, ok
}

// ClientIDFromContext returns the client the stored period belongs to
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}
