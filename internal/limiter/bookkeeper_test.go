package limiter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ratelimiter/internal/telemetry"
)

func TestCountersSet_ReleaseWithWindowRecordsRefundMetric(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	cs := &CountersSet{RPM: NewTimeWindowCounter(10, minuteWindowMs, "model-a:rpm")}
	cs.SetMetrics("model-a", metrics)

	reservation, ok := cs.TryReserveAtomic(Estimate{Requests: 5})
	if !ok {
		t.Fatal("expected the reservation to succeed")
	}

	// actual usage (2) undershoots the estimate (5), so 3 should be refunded.
	cs.ReleaseWithWindow(Estimate{Requests: 5}, Estimate{Requests: 2}, reservation)

	if got := testutil.ToFloat64(metrics.RefundsTotal.WithLabelValues("model-a", "rpm")); got != 1 {
		t.Fatalf("expected one refund recorded, got %f", got)
	}
}

func TestCountersSet_NoRefundWhenWindowRolled(t *testing.T) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	cs := &CountersSet{RPM: NewTimeWindowCounter(10, minuteWindowMs, "model-b:rpm")}
	cs.SetMetrics("model-b", metrics)

	reservation, ok := cs.TryReserveAtomic(Estimate{Requests: 5})
	if !ok {
		t.Fatal("expected the reservation to succeed")
	}

	// simulate a rolled window by forging a stale window start.
	stale := *reservation.RPMWindowStart - minuteWindowMs
	reservation.RPMWindowStart = &stale

	cs.ReleaseWithWindow(Estimate{Requests: 5}, Estimate{Requests: 2}, reservation)

	if got := testutil.ToFloat64(metrics.RefundsTotal.WithLabelValues("model-b", "rpm")); got != 0 {
		t.Fatalf("expected no refund recorded against a stale window, got %f", got)
	}
}
