package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "customer.subscription.updated")
	// status: "success", "skipped" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordClientSync records a client synchronization operation.
	// status: "success" or "error"
	RecordClientSync(provider, status string)

	// RecordClientSyncDuration records how long a client sync took.
	RecordClientSyncDuration(provider string, duration time.Duration)

	// RecordScheduleChange records when a client's billing cycle type changes.
	// fromCycle is empty for clients without a previous schedule.
	RecordScheduleChange(provider, fromCycle, toCycle string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions/list")
	// status: outcome label (e.g., "200", "error")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordClientSync(_, _ string)                                 {}
func (n *NoopMetrics) RecordClientSyncDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordScheduleChange(_, _, _ string)                          {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
