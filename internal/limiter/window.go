package limiter

import (
	"sync"
	"time"
)

const (
	minuteWindowMs = int64(60_000)
	dayWindowMs    = int64(86_400_000)
)

// TimeWindowCounter is a non-blocking integer counter that auto-resets at
// fixed wall-clock windows floored to an integral epoch multiple of
// windowMs (so a 60s window always starts on the minute). Reserve and
// refund are keyed on the window boundary observed at reserve time.
type TimeWindowCounter struct {
	mu          sync.Mutex
	name        string
	limit       int64
	windowMs    int64
	windowStart int64
	current     int64
	nowFn       func() time.Time // overridable for tests
}

// NewTimeWindowCounter creates a counter with the given ceiling and window
// size. limit must be > 0; counters for absent ceilings are simply not
// constructed (nil field on CountersSet).
func NewTimeWindowCounter(limit, windowMs int64, name string) *TimeWindowCounter {
	c := &TimeWindowCounter{
		limit:    limit,
		windowMs: windowMs,
		name:     name,
		nowFn:    time.Now,
	}
	c.windowStart = c.floor(c.nowFn())
	return c
}

func (c *TimeWindowCounter) floor(t time.Time) int64 {
	ms := t.UnixMilli()
	return (ms / c.windowMs) * c.windowMs
}

// observe rolls the window if wall-clock time has advanced past the
// current boundary. Must be called with c.mu held.
func (c *TimeWindowCounter) observe() {
	now := c.floor(c.nowFn())
	if now >= c.windowStart+c.windowMs {
		c.current = 0
		c.windowStart = now
	}
}

// HasCapacity reports whether at least one unit of capacity remains.
func (c *TimeWindowCounter) HasCapacity() bool {
	return c.HasCapacityFor(1)
}

// HasCapacityFor reports whether n additional units fit under the limit.
func (c *TimeWindowCounter) HasCapacityFor(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	return c.current+n <= c.limit
}

// Add unconditionally increments current by n. Callers are expected to
// have already checked HasCapacityFor under the same critical section they
// hold this call in (see CountersSet.TryReserveAtomic).
func (c *TimeWindowCounter) Add(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	c.current += n
}

// ReserveWindow adds n and returns the window boundary the add landed in,
// atomically, so callers can tie a later refund to the exact window.
func (c *TimeWindowCounter) ReserveWindow(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	c.current += n
	return c.windowStart
}

// SubtractIfSameWindow refunds n from current only if the window has not
// rolled past observedWindowStart; otherwise it is a no-op, since the new
// window's current is not tied to the stale reservation. Reports whether
// the refund was applied.
func (c *TimeWindowCounter) SubtractIfSameWindow(n, observedWindowStart int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	if c.windowStart != observedWindowStart {
		return false
	}
	c.current -= n
	if c.current < 0 {
		c.current = 0
	}
	return true
}

// GetWindowStart returns the current window's boundary, rolling first.
func (c *TimeWindowCounter) GetWindowStart() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	return c.windowStart
}

// GetTimeUntilReset returns the remaining time before the window rolls.
func (c *TimeWindowCounter) GetTimeUntilReset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	remainingMs := c.windowStart + c.windowMs - c.floor(c.nowFn())
	return time.Duration(remainingMs) * time.Millisecond
}

// SetLimit changes the ceiling without refunding or draining current. If
// current already exceeds newLimit, remaining reports 0 and HasCapacity
// returns false until the window rolls or callers subtract.
func (c *TimeWindowCounter) SetLimit(newLimit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = newLimit
}

// GetStats takes an instant, lock-scoped snapshot.
func (c *TimeWindowCounter) GetStats() CounterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe()
	remaining := c.limit - c.current
	if remaining < 0 {
		remaining = 0
	}
	return CounterStats{Current: c.current, Limit: c.limit, Remaining: remaining}
}
