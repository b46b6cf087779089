package limiter

import (
	"sync"

	"ratelimiter/internal/telemetry"
)

// ResourceEstimate is one job type's per-event declared shape, used by
// AvailabilityTracker's memory-scaling formula.
type ResourceEstimate struct {
	Tokens   int64
	Requests int64
	MemoryKB int64
}

// AvailabilityTracker derives an Availability snapshot from every
// ModelLimiter's stats and the shared MemoryArbiter, diffing against the
// previous snapshot on every structural change and emitting at most one
// reason tag per change. Grounded in the gauge-per-dimension registration
// shape of a Prometheus metrics package, generalized from "export current
// value" to "diff, tag a reason, emit."
type AvailabilityTracker struct {
	mu         sync.Mutex
	limiters   map[string]*ModelLimiter
	memory     *MemoryArbiter
	jobTypes   *JobTypeManager
	allocation Allocation
	previous   Availability
	hasPrev    bool
	onChange   func(AvailabilityChange)
	metrics    *telemetry.Metrics
}

// SetMetrics attaches a telemetry.Metrics instance, recording each model's
// counter and concurrency gauges on every recompute. Safe to call once
// before the tracker serves any recompute.
func (t *AvailabilityTracker) SetMetrics(metrics *telemetry.Metrics) {
	t.mu.Lock()
	t.metrics = metrics
	t.mu.Unlock()
}

// NewAvailabilityTracker builds a tracker over the given limiters.
func NewAvailabilityTracker(limiters map[string]*ModelLimiter, memory *MemoryArbiter, onChange func(AvailabilityChange)) *AvailabilityTracker {
	return &AvailabilityTracker{limiters: limiters, memory: memory, onChange: onChange}
}

// SetJobTypes attaches the job type manager whose ratios feed the
// distributed slots formula. Safe to call once before the tracker serves
// any recompute.
func (t *AvailabilityTracker) SetJobTypes(jobTypes *JobTypeManager) {
	t.mu.Lock()
	t.jobTypes = jobTypes
	t.mu.Unlock()
}

// SetAllocation records the latest fleet-wide Allocation pushed by the
// coordinator. Once a non-empty PerModel map is present, computeLocked
// switches from the conservative local aggregate to the per-job-type
// distributed formula.
func (t *AvailabilityTracker) SetAllocation(alloc Allocation) {
	t.mu.Lock()
	t.allocation = alloc
	t.mu.Unlock()
}

// Recompute derives a fresh Availability snapshot for the estimated shape
// est and job type jobType and, if it differs from the previously emitted
// snapshot, invokes onChange with the given reason (used for non-diffed
// reasons like "distributed" or "adjustment") or a diffed reason when
// reason is empty.
func (t *AvailabilityTracker) Recompute(est Estimate, reason, modelID string, adjustment float64, jobType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.computeLocked(est, jobType)
	if t.hasPrev && availabilityEqual(t.previous, next) {
		return
	}

	tag := reason
	if tag == "" {
		tag = diffReason(t.previous, next, t.hasPrev)
	}
	t.previous = next
	t.hasPrev = true

	if t.onChange != nil {
		t.onChange(AvailabilityChange{Availability: next, Reason: tag, ModelID: modelID, Adjustment: adjustment})
	}
}

// EmitSynthetic invokes onChange directly with the supplied snapshot
// without touching the tracker's diffing state, for callers surfacing an
// externally observed availability (e.g. a fleet-wide view) through the
// same notification path.
func (t *AvailabilityTracker) EmitSynthetic(avail Availability, reason, modelID string) {
	if t.onChange != nil {
		t.onChange(AvailabilityChange{Availability: avail, Reason: reason, ModelID: modelID})
	}
}

// computeLocked derives an Availability snapshot for jobType. With no
// distributed Allocation set, slots is the conservative local aggregate:
// the minimum, across every present dimension summed over all models, of
// floor(remaining/estimatedPerEvent). Once a distributed Allocation with a
// non-empty PerModel map is present, slots is instead the per-job-type
// distributed formula: each model's ratio-scaled share, uniformly
// memory-scaled across models when est declares a memory shape, then
// clamped per model to [jobType's minCapacity, that model's total slots],
// then summed.
func (t *AvailabilityTracker) computeLocked(est Estimate, jobType string) Availability {
	avail := t.localAggregateLocked(est)
	if len(t.allocation.PerModel) == 0 || t.jobTypes == nil {
		return avail
	}
	avail.Slots = t.distributedSlotsLocked(est, jobType)
	return avail
}

// distributedSlotsLocked implements spec's distributed slots formula for
// one job type: ratio-scale each model's allocated total, scale the whole
// set down uniformly if the fleet memory budget is the binding
// constraint, then clamp each model's share before summing.
func (t *AvailabilityTracker) distributedSlotsLocked(est Estimate, jobType string) int64 {
	ratio := 1.0
	if occ, ok := t.jobTypes.Snapshot()[foldJobType(jobType)]; ok {
		ratio = occ.Ratio
	}
	minCapacity := t.jobTypes.MinCapacity(jobType)

	modelSlots := make(map[string]int64, len(t.allocation.PerModel))
	var distributedSlots int64
	for modelID, alloc := range t.allocation.PerModel {
		s := int64(float64(alloc.TotalSlots) * ratio)
		if s < 0 {
			s = 0
		}
		modelSlots[modelID] = s
		distributedSlots += s
	}

	scaleFactor := 1.0
	if est.MemoryKB > 0 && t.memory != nil && distributedSlots > 0 {
		totalMemoryKB := t.memory.BudgetKB() - t.memory.ReservedKB()
		memorySlots := int64(float64(totalMemoryKB) * ratio / float64(est.MemoryKB))
		bound := distributedSlots
		if memorySlots < bound {
			bound = memorySlots
		}
		scaleFactor = float64(bound) / float64(distributedSlots)
	}

	var summed int64
	for modelID, raw := range modelSlots {
		ceiling := t.allocation.PerModel[modelID].TotalSlots
		lo := minCapacity
		if lo > ceiling {
			lo = ceiling
		}
		scaled := int64(float64(raw) * scaleFactor)
		summed += clampInt64(scaled, lo, ceiling)
	}
	return summed
}

func (t *AvailabilityTracker) recordCounterRemaining(modelID, dimension string, remaining int64) {
	if t.metrics != nil {
		t.metrics.UpdateCounterRemaining(modelID, dimension, remaining)
	}
}

// localAggregateLocked derives slots as the minimum, across every present
// dimension summed over all models, of floor(remaining/estimatedPerEvent).
func (t *AvailabilityTracker) localAggregateLocked(est Estimate) Availability {
	var tpm, tpd, rpm, rpd, conc int64
	var haveTPM, haveTPD, haveRPM, haveRPD, haveConc bool

	for modelID, ml := range t.limiters {
		stats := ml.GetStats()
		if stats.TokensPerMinute != nil {
			tpm += stats.TokensPerMinute.Remaining
			haveTPM = true
			t.recordCounterRemaining(modelID, "tpm", stats.TokensPerMinute.Remaining)
		}
		if stats.TokensPerDay != nil {
			tpd += stats.TokensPerDay.Remaining
			haveTPD = true
			t.recordCounterRemaining(modelID, "tpd", stats.TokensPerDay.Remaining)
		}
		if stats.RequestsPerMinute != nil {
			rpm += stats.RequestsPerMinute.Remaining
			haveRPM = true
			t.recordCounterRemaining(modelID, "rpm", stats.RequestsPerMinute.Remaining)
		}
		if stats.RequestsPerDay != nil {
			rpd += stats.RequestsPerDay.Remaining
			haveRPD = true
			t.recordCounterRemaining(modelID, "rpd", stats.RequestsPerDay.Remaining)
		}
		if stats.Concurrency != nil {
			conc += stats.Concurrency.Available
			haveConc = true
			if t.metrics != nil {
				t.metrics.UpdateConcurrency(modelID, stats.Concurrency.InUse, stats.Concurrency.Waiting)
			}
		}
	}

	avail := Availability{}
	slots := int64(-1) // sentinel: no dimension observed yet

	consider := func(have bool, remaining, perEvent int64, out **int64) {
		if !have {
			return
		}
		v := remaining
		*out = &v
		if perEvent <= 0 {
			return
		}
		candidate := remaining / perEvent
		if slots < 0 || candidate < slots {
			slots = candidate
		}
	}
	consider(haveTPM, tpm, est.Tokens, &avail.TokensPerMinute)
	consider(haveTPD, tpd, est.Tokens, &avail.TokensPerDay)
	consider(haveRPM, rpm, est.Requests, &avail.RequestsPerMinute)
	consider(haveRPD, rpd, est.Requests, &avail.RequestsPerDay)
	consider(haveConc, conc, 1, &avail.ConcurrentRequests)

	if t.memory != nil {
		budget := t.memory.BudgetKB() - t.memory.ReservedKB()
		avail.MemoryKB = &budget
		if est.MemoryKB > 0 {
			candidate := budget / est.MemoryKB
			if slots < 0 || candidate < slots {
				slots = candidate
			}
		}
	}

	if slots < 0 {
		slots = 0
	}
	avail.Slots = slots
	return avail
}

func availabilityEqual(a, b Availability) bool {
	return a.Slots == b.Slots &&
		ptrEqual(a.TokensPerMinute, b.TokensPerMinute) &&
		ptrEqual(a.TokensPerDay, b.TokensPerDay) &&
		ptrEqual(a.RequestsPerMinute, b.RequestsPerMinute) &&
		ptrEqual(a.RequestsPerDay, b.RequestsPerDay) &&
		ptrEqual(a.ConcurrentRequests, b.ConcurrentRequests) &&
		ptrEqual(a.MemoryKB, b.MemoryKB)
}

func ptrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// diffReason picks the first differing dimension in the fixed priority
// order the admission scheduler's reason tagging specifies.
func diffReason(prev, next Availability, hasPrev bool) string {
	if !hasPrev {
		return ReasonTokensMinute
	}
	if !ptrEqual(prev.TokensPerMinute, next.TokensPerMinute) {
		return ReasonTokensMinute
	}
	if !ptrEqual(prev.TokensPerDay, next.TokensPerDay) {
		return ReasonTokensDay
	}
	if !ptrEqual(prev.RequestsPerMinute, next.RequestsPerMinute) {
		return ReasonRequestsMinute
	}
	if !ptrEqual(prev.RequestsPerDay, next.RequestsPerDay) {
		return ReasonRequestsDay
	}
	if !ptrEqual(prev.ConcurrentRequests, next.ConcurrentRequests) {
		return ReasonConcurrentRequest
	}
	return ReasonMemory
}
