package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestPrometheusMetrics_ImplementsInterface(_ *testing.T) {
	var _ gocycle.Metrics = (*Metrics)(nil)
}

func TestPrometheusMetrics_RecordCycleCreated(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCycleCreated(gocycle.CycleMonthly, "created")
	metrics.RecordCycleCreated(gocycle.CycleMonthly, "created")
	metrics.RecordCycleCreated(gocycle.CycleWeekly, "overlap")

	if got := testutil.ToFloat64(metrics.cyclesTotal.WithLabelValues("monthly", "created")); got != 2 {
		t.Errorf("created cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.overlapsTotal.WithLabelValues("weekly")); got != 1 {
		t.Errorf("overlaps = %v, want 1", got)
	}

	family := findFamily(t, reg, "test_billing_cycles_total")
	if len(family.Metric) != 2 {
		t.Errorf("Expected 2 time series, got %d", len(family.Metric))
	}
}

func TestPrometheusMetrics_RecordPreview(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPreview(gocycle.CycleQuarterly, 12, 50*time.Microsecond)

	family := findFamily(t, reg, "test_preview_periods")
	if got := family.Metric[0].GetHistogram().GetSampleSum(); got != 12 {
		t.Errorf("preview periods sum = %v, want 12", got)
	}
}

func TestPrometheusMetrics_RecordScheduleUpdate(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry(), "test")

	metrics.RecordScheduleUpdate(gocycle.CycleAnnually, true)
	metrics.RecordScheduleUpdate(gocycle.CycleAnnually, false)

	if got := testutil.ToFloat64(metrics.scheduleUpdatesTotal.WithLabelValues("annually", "false")); got != 1 {
		t.Errorf("failed updates = %v, want 1", got)
	}
}

func TestPrometheusMetrics_Cache(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry(), "test")

	metrics.RecordCacheHit()
	metrics.RecordCacheHit()
	metrics.RecordCacheMiss()

	if got := testutil.ToFloat64(metrics.cacheHitsTotal); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.cacheMissesTotal); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("get_schedule", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("write_cycle_record", 20*time.Millisecond, errors.New("storage error"))

	if got := testutil.ToFloat64(metrics.storageOpsErrors.WithLabelValues("write_cycle_record")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	family := findFamily(t, reg, "test_storage_operation_duration_seconds")
	if len(family.Metric) != 2 {
		t.Errorf("Expected 2 operations observed, got %d", len(family.Metric))
	}
}

func TestPrometheusMetrics_RecordCircuitBreakerStateChange(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry(), "test")

	metrics.RecordCircuitBreakerStateChange("open")
	metrics.RecordCircuitBreakerStateChange("closed")

	if got := testutil.ToFloat64(metrics.circuitBreakerStateChanges.WithLabelValues("open")); got != 1 {
		t.Errorf("open transitions = %v, want 1", got)
	}
}
