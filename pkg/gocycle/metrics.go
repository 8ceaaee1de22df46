package gocycle

import "time"

// Metrics defines the interface for tracking engine operations and performance.
type Metrics interface {
	// RecordCycleCreated records an attempt to materialize the next cycle.
	// outcome is "created", "overlap" or "error".
	RecordCycleCreated(cycle CycleType, outcome string)

	// RecordPreview records a preview computation and its duration.
	RecordPreview(cycle CycleType, count int, duration time.Duration)

	// RecordScheduleUpdate records a schedule write.
	RecordScheduleUpdate(cycle CycleType, success bool)

	// RecordCacheHit records a schedule cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a schedule cache miss.
	RecordCacheMiss()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCycleCreated(cycle CycleType, outcome string)                         {}
func (n *NoopMetrics) RecordPreview(cycle CycleType, count int, duration time.Duration)           {}
func (n *NoopMetrics) RecordScheduleUpdate(cycle CycleType, success bool)                         {}
func (n *NoopMetrics) RecordCacheHit()                                                            {}
func (n *NoopMetrics) RecordCacheMiss()                                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
