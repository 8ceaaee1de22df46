package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Metrics implements gocycle.Metrics using Prometheus.
type Metrics struct {
	cyclesTotal                *prometheus.CounterVec
	overlapsTotal              *prometheus.CounterVec
	previewDuration            *prometheus.HistogramVec
	previewPeriods             *prometheus.HistogramVec
	scheduleUpdatesTotal       *prometheus.CounterVec
	cacheHitsTotal             prometheus.Counter
	cacheMissesTotal           prometheus.Counter
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_cycles_total",
			Help:      "Total number of attempts to create the next billing cycle.",
		}, []string{"cycle", "outcome"}),

		overlapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_cycle_overlaps_total",
			Help:      "Total number of billing cycles rejected as overlapping.",
		}, []string{"cycle"}),

		previewDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preview_duration_seconds",
			Help:      "Latency of billing period previews.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1},
		}, []string{"cycle"}),

		previewPeriods: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preview_periods",
			Help:      "Distribution of the number of periods requested per preview.",
			Buckets:   []float64{1, 3, 6, 12, 24, 52, 104},
		}, []string{"cycle"}),

		scheduleUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_updates_total",
			Help:      "Total number of schedule updates.",
		}, []string{"cycle", "success"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_cache_hits_total",
			Help:      "Total number of schedule cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_cache_misses_total",
			Help:      "Total number of schedule cache misses.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCycleCreated(cycle gocycle.CycleType, outcome string) {
	m.cyclesTotal.WithLabelValues(string(cycle), outcome).Inc()
	if outcome == "overlap" {
		m.overlapsTotal.WithLabelValues(string(cycle)).Inc()
	}
}

func (m *Metrics) RecordPreview(cycle gocycle.CycleType, count int, duration time.Duration) {
	m.previewDuration.WithLabelValues(string(cycle)).Observe(duration.Seconds())
	m.previewPeriods.WithLabelValues(string(cycle)).Observe(float64(count))
}

func (m *Metrics) RecordScheduleUpdate(cycle gocycle.CycleType, success bool) {
	m.scheduleUpdatesTotal.WithLabelValues(string(cycle), strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
