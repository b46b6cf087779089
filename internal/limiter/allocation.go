package limiter

import "sync"

// AllocationApplier resizes each ModelLimiter to this instance's share of
// fleet-wide capacity on every coordinator push. Grounded in an external
// resize pattern that lets an operator or control loop shrink/grow a
// resource's ceiling at runtime, generalized from a single concurrency
// value to the full per-model rate/day/concurrency partial-update shape.
type AllocationApplier struct {
	mu               sync.Mutex
	limiters         map[string]*ModelLimiter
	jobTypes         *JobTypeManager
	tracker          *AvailabilityTracker
	onDistributed    func()
	cachedInstanceCt int
	haveCached       bool
}

// SetTracker attaches the AvailabilityTracker whose distributed-formula
// state should follow every applied Allocation push. Safe to call once
// before the applier processes any push.
func (a *AllocationApplier) SetTracker(tracker *AvailabilityTracker) {
	a.mu.Lock()
	a.tracker = tracker
	a.mu.Unlock()
}

// NewAllocationApplier builds an applier over the given limiters and job
// type manager. onDistributed is invoked after every applied update so
// the caller can reissue an AvailabilityTracker check with reason
// "distributed".
func NewAllocationApplier(limiters map[string]*ModelLimiter, jobTypes *JobTypeManager, onDistributed func()) *AllocationApplier {
	return &AllocationApplier{limiters: limiters, jobTypes: jobTypes, onDistributed: onDistributed}
}

// Apply processes one Allocation push. If instanceCount is unchanged from
// the last push and no per-model dynamic limits are present, the push is
// skipped as a no-op.
func (a *AllocationApplier) Apply(alloc Allocation) {
	a.mu.Lock()
	skip := a.haveCached && a.cachedInstanceCt == alloc.InstanceCount && !alloc.HasDynamicLimits
	a.cachedInstanceCt = alloc.InstanceCount
	a.haveCached = true
	a.mu.Unlock()

	if skip {
		return
	}

	var totalSlots int64
	for modelID, perModel := range alloc.PerModel {
		limiter, ok := a.limiters[modelID]
		if !ok {
			continue
		}
		limiter.SetRateLimits(perModel)
		totalSlots += perModel.TotalSlots
	}
	if a.jobTypes != nil && totalSlots > 0 {
		a.jobTypes.SetTotalSlots(totalSlots)
	}

	a.mu.Lock()
	tracker := a.tracker
	a.mu.Unlock()
	if tracker != nil {
		tracker.SetAllocation(alloc)
	}

	if a.onDistributed != nil {
		a.onDistributed()
	}
}

// InstanceCount returns the fleet instance count from the most recent
// applied push.
func (a *AllocationApplier) InstanceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cachedInstanceCt
}
