package limiter

import (
	"context"
	"sync"

	"ratelimiter/internal/telemetry"
)

// ModelLimiter is the full set of resource gates for one model: the four
// time-windowed counters, a concurrency semaphore, and a shared reference
// to the process-wide MemoryArbiter. It owns a broadcast notification
// channel that is swapped (closed and replaced) on every structural change
// so waiters parked on WaitChan wake without polling.
type ModelLimiter struct {
	ModelID string

	counters    *CountersSet
	concurrency *Semaphore
	memory      *MemoryArbiter

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewModelLimiter builds the gates for one model from its declared
// ceilings. A zero ceiling means that dimension is absent (no counter, no
// semaphore).
func NewModelLimiter(modelID string, cfg ModelGates, memory *MemoryArbiter) *ModelLimiter {
	ml := &ModelLimiter{
		ModelID:  modelID,
		counters: &CountersSet{},
		memory:   memory,
		notifyCh: make(chan struct{}),
	}
	if cfg.RPM > 0 {
		ml.counters.RPM = NewTimeWindowCounter(cfg.RPM, minuteWindowMs, modelID+":rpm")
	}
	if cfg.RPD > 0 {
		ml.counters.RPD = NewTimeWindowCounter(cfg.RPD, dayWindowMs, modelID+":rpd")
	}
	if cfg.TPM > 0 {
		ml.counters.TPM = NewTimeWindowCounter(cfg.TPM, minuteWindowMs, modelID+":tpm")
	}
	if cfg.TPD > 0 {
		ml.counters.TPD = NewTimeWindowCounter(cfg.TPD, dayWindowMs, modelID+":tpd")
	}
	if cfg.MaxConcurrentRequests > 0 {
		ml.concurrency = NewSemaphore(cfg.MaxConcurrentRequests)
	}
	return ml
}

// SetMetrics attaches a telemetry.Metrics instance, recording refunds
// applied against this model's counters. Safe to call once before the
// limiter serves any release.
func (ml *ModelLimiter) SetMetrics(metrics *telemetry.Metrics) {
	ml.counters.SetMetrics(ml.ModelID, metrics)
}

// ModelGates is the subset of ModelConfig this type needs to construct
// gates, kept separate so limiter does not import config.
type ModelGates struct {
	RPM                   int64
	RPD                   int64
	TPM                   int64
	TPD                   int64
	MaxConcurrentRequests int64
}

// notify closes the current channel (waking every WaitChan selector) and
// installs a fresh one.
func (ml *ModelLimiter) notify() {
	ml.notifyMu.Lock()
	close(ml.notifyCh)
	ml.notifyCh = make(chan struct{})
	ml.notifyMu.Unlock()
}

// WaitChan returns the channel to select on for the next structural
// change. Callers must re-fetch it after it fires, since it is replaced on
// every notify.
func (ml *ModelLimiter) WaitChan() <-chan struct{} {
	ml.notifyMu.Lock()
	defer ml.notifyMu.Unlock()
	return ml.notifyCh
}

// HasCapacity reports whether est would currently be admitted, without
// reserving anything.
func (ml *ModelLimiter) HasCapacity(est Estimate) bool {
	if ml.counters.RPM != nil && !ml.counters.RPM.HasCapacityFor(est.Requests) {
		return false
	}
	if ml.counters.RPD != nil && !ml.counters.RPD.HasCapacityFor(est.Requests) {
		return false
	}
	if ml.counters.TPM != nil && !ml.counters.TPM.HasCapacityFor(est.Tokens) {
		return false
	}
	if ml.counters.TPD != nil && !ml.counters.TPD.HasCapacityFor(est.Tokens) {
		return false
	}
	if ml.concurrency != nil && !ml.concurrency.HasCapacity(1) {
		return false
	}
	if ml.memory != nil && !ml.memory.HasCapacity(est.MemoryKB) {
		return false
	}
	return true
}

// TryReserve atomically checks and reserves the counter dimensions (not
// concurrency or memory, which are acquired separately since they are
// held for the attempt's full duration rather than point-sampled).
func (ml *ModelLimiter) TryReserve(est Estimate) (*Reservation, bool) {
	return ml.counters.TryReserveAtomic(est)
}

// ReleaseReservation refunds unused estimate against actual on the
// counters, then broadcasts a capacity-change notification.
func (ml *ModelLimiter) ReleaseReservation(estimate, actual Estimate, reservation *Reservation) {
	ml.counters.ReleaseWithWindow(estimate, actual, reservation)
	ml.notify()
}

// AcquireConcurrencySlot blocks until a concurrency slot is free or ctx is
// cancelled. Models with no concurrency ceiling always succeed.
func (ml *ModelLimiter) AcquireConcurrencySlot(ctx context.Context) error {
	if ml.concurrency == nil {
		return nil
	}
	return ml.concurrency.Acquire(ctx, 1)
}

// ReleaseConcurrencySlot returns a previously acquired slot and notifies
// waiters.
func (ml *ModelLimiter) ReleaseConcurrencySlot() {
	if ml.concurrency == nil {
		return
	}
	ml.concurrency.Release(1)
	ml.notify()
}

// SetRateLimits applies a fleet-wide allocation push, replacing any
// present counter's limit and the concurrency ceiling. A nil field in the
// allocation leaves that dimension's current ceiling untouched.
func (ml *ModelLimiter) SetRateLimits(alloc ModelAllocation) {
	if alloc.RequestsPerMinute != nil && ml.counters.RPM != nil {
		ml.counters.RPM.SetLimit(*alloc.RequestsPerMinute)
	}
	if alloc.RequestsPerDay != nil && ml.counters.RPD != nil {
		ml.counters.RPD.SetLimit(*alloc.RequestsPerDay)
	}
	if alloc.TokensPerMinute != nil && ml.counters.TPM != nil {
		ml.counters.TPM.SetLimit(*alloc.TokensPerMinute)
	}
	if alloc.TokensPerDay != nil && ml.counters.TPD != nil {
		ml.counters.TPD.SetLimit(*alloc.TokensPerDay)
	}
	if alloc.MaxConcurrentRequests != nil && ml.concurrency != nil {
		ml.concurrency.SetMax(*alloc.MaxConcurrentRequests)
	}
	ml.notify()
}

// GetStats snapshots every gate this model carries.
func (ml *ModelLimiter) GetStats() ModelStats {
	rpm, rpd, tpm, tpd := ml.counters.GetStats()
	stats := ModelStats{RequestsPerMinute: rpm, RequestsPerDay: rpd, TokensPerMinute: tpm, TokensPerDay: tpd}
	if ml.concurrency != nil {
		s := ml.concurrency.GetStats()
		stats.Concurrency = &s
	}
	return stats
}
