package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrClientNotFound is returned when a client cannot be found in the provider's system
	ErrClientNotFound = errors.New("client not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrNoSubscription is returned when a customer has no active recurring subscription
	ErrNoSubscription = errors.New("no active recurring subscription")

	// ErrUnsupportedInterval is returned for recurring intervals with no matching cycle type
	ErrUnsupportedInterval = errors.New("unsupported recurring interval")

	// ErrUnsupportedAnchor is returned for billing anchors the engine cannot represent
	ErrUnsupportedAnchor = errors.New("unsupported billing anchor")
)
