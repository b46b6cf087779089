package limiter

import (
	"testing"
	"time"
)

func newTestCounter(limit, windowMs int64, start time.Time) *TimeWindowCounter {
	c := NewTimeWindowCounter(limit, windowMs, "test")
	c.nowFn = func() time.Time { return start }
	c.windowStart = c.floor(start)
	return c
}

func TestTimeWindowCounter_ReserveAndRefund(t *testing.T) {
	start := time.UnixMilli(1_000_000_000)
	c := newTestCounter(10, minuteWindowMs, start)

	if !c.HasCapacityFor(5) {
		t.Fatal("expected capacity for 5 of 10")
	}
	ws := c.ReserveWindow(5)
	if !c.HasCapacityFor(5) {
		t.Fatal("expected exactly 5 remaining")
	}
	if c.HasCapacityFor(6) {
		t.Fatal("expected no capacity for 6 when 5 remain")
	}

	// actual usage was only 3, refund the unused 2
	c.SubtractIfSameWindow(5-3, ws)
	stats := c.GetStats()
	if stats.Current != 3 {
		t.Fatalf("expected current=3 after refund, got %d", stats.Current)
	}
}

func TestTimeWindowCounter_RefundSkippedAfterWindowRoll(t *testing.T) {
	start := time.UnixMilli(1_000_000_000)
	c := newTestCounter(10, minuteWindowMs, start)

	ws := c.ReserveWindow(5)

	// advance past the window boundary
	c.nowFn = func() time.Time { return start.Add(2 * time.Minute) }

	c.SubtractIfSameWindow(5, ws)
	stats := c.GetStats()
	if stats.Current != 0 {
		t.Fatalf("expected window roll to reset current to 0, got %d", stats.Current)
	}
}

func TestTimeWindowCounter_WindowFloored(t *testing.T) {
	start := time.UnixMilli(minuteWindowMs*10 + 30_000) // 10.5 minutes in
	c := newTestCounter(10, minuteWindowMs, start)

	if c.windowStart != minuteWindowMs*10 {
		t.Fatalf("expected window start floored to %d, got %d", minuteWindowMs*10, c.windowStart)
	}
}

func TestTimeWindowCounter_SetLimit(t *testing.T) {
	start := time.UnixMilli(1_000_000_000)
	c := newTestCounter(10, minuteWindowMs, start)
	c.ReserveWindow(8)

	c.SetLimit(5)
	if c.HasCapacityFor(1) {
		t.Fatal("expected no capacity once limit dropped below current usage")
	}
}

func TestCountersSet_TryReserveAtomicFailsClosed(t *testing.T) {
	cs := &CountersSet{
		RPM: NewTimeWindowCounter(10, minuteWindowMs, "rpm"),
		TPM: NewTimeWindowCounter(5, minuteWindowMs, "tpm"),
	}

	// exhaust TPM so a combined reserve must fail closed
	cs.TPM.ReserveWindow(5)

	_, ok := cs.TryReserveAtomic(Estimate{Requests: 1, Tokens: 1})
	if ok {
		t.Fatal("expected reserve to fail when any present counter lacks capacity")
	}
	if cs.RPM.GetStats().Current != 0 {
		t.Fatal("expected RPM to be untouched when the combined reserve fails")
	}
}

func TestCountersSet_ReleaseWithWindowRefundsUnusedOnly(t *testing.T) {
	cs := &CountersSet{
		RPM: NewTimeWindowCounter(10, minuteWindowMs, "rpm"),
		TPM: NewTimeWindowCounter(1000, minuteWindowMs, "tpm"),
	}

	reservation, ok := cs.TryReserveAtomic(Estimate{Requests: 1, Tokens: 500})
	if !ok {
		t.Fatal("expected reserve to succeed")
	}

	cs.ReleaseWithWindow(Estimate{Requests: 1, Tokens: 500}, Estimate{Requests: 1, Tokens: 200}, reservation)

	_, _, tpm, _ := cs.GetStats()
	if tpm.Current != 200 {
		t.Fatalf("expected tpm current to settle at actual usage 200, got %d", tpm.Current)
	}
}
