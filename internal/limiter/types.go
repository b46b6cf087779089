// Package limiter implements the admission scheduler: model selection with
// wait-or-fail-fast semantics, per-job-type ratio-based slot allocation,
// time-windowed reservation counters with window-aware refund, and the
// hierarchical acquire/release discipline across counters, concurrency and
// memory described by the rate limiter specification.
package limiter

import (
	"context"
	"time"
)

// Estimate is the estimated (or actual) shape of a single admission event,
// split by the dimension each counter reserves against.
type Estimate struct {
	Requests int64
	Tokens   int64
	MemoryKB int64
}

// Pricing is price per 1e6 tokens per usage category.
type Pricing struct {
	InputPerMillion  float64
	CachedPerMillion float64
	OutputPerMillion float64
}

// CostOf computes the single line-item multiplication this package keeps
// in scope: pricing-to-cost arithmetic beyond this is an external concern.
func (p Pricing) CostOf(u UsageEntry) float64 {
	return float64(u.InputTokens)/1e6*p.InputPerMillion +
		float64(u.CachedTokens)/1e6*p.CachedPerMillion +
		float64(u.OutputTokens)/1e6*p.OutputPerMillion
}

// UsageEntry records one attempt's actual resource consumption.
type UsageEntry struct {
	ModelID      string
	InputTokens  int64
	CachedTokens int64
	OutputTokens int64
	RequestCount int64
	Cost         float64
}

// outcomeKind distinguishes an unset Outcome from a terminal one, so a job
// that returns without setting either is detectable as JobDidNotCallback.
type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeResolved
	outcomeRejected
)

// Outcome is the closed sum type a JobFunc must produce: Resolved(usage) on
// success, or Rejected(usage, delegate) on cooperative failure. This
// replaces a callback pair that must fire exactly once with a single
// return value, removing the "did the job call back" timing hazard.
type Outcome struct {
	kind     outcomeKind
	usage    UsageEntry
	delegate bool
}

// Resolved reports a successful attempt with the given actual usage.
func Resolved(usage UsageEntry) Outcome {
	return Outcome{kind: outcomeResolved, usage: usage}
}

// Rejected reports a failed attempt. When delegate is true the executor
// releases this attempt's resources and retries on the next model in the
// escalation order; when false the failure propagates to the caller.
func Rejected(usage UsageEntry, delegate bool) Outcome {
	return Outcome{kind: outcomeRejected, usage: usage, delegate: delegate}
}

// JobFunc is the user work function for one admission attempt. A non-nil
// error is treated as a raw throw (taxonomy §7c); a nil error with an unset
// Outcome is ErrJobDidNotCallback.
type JobFunc func(ctx context.Context) (Outcome, error)

// JobOptions configures one call to Facade.QueueJob.
type JobOptions struct {
	JobID      string // generated if empty
	JobType    string
	Job        JobFunc
	OnComplete func(result *JobResult)
	OnError    func(jobID string, totalCost float64, usage []UsageEntry)
}

// JobResult is returned by a successful QueueJob call.
type JobResult struct {
	JobID     string
	ModelUsed string
	Usage     []UsageEntry
	TotalCost float64
}

// JobHandle is the transient per-call record threaded through selection,
// delegation, and release.
type JobHandle struct {
	JobID               string
	JobType             string
	Job                 JobFunc
	TriedModels         map[string]bool
	Usage               []UsageEntry
	OnComplete          func(result *JobResult)
	OnError             func(jobID string, totalCost float64, usage []UsageEntry)
	CoordinatorRejected bool
}

// Reservation captures the window boundaries observed when each present
// counter was reserved against. Release is only valid against the same
// boundaries; if a window rolled in the meantime, refund for that counter
// is skipped because the new window's current is not tied to this
// reservation.
type Reservation struct {
	RPMWindowStart *int64
	RPDWindowStart *int64
	TPMWindowStart *int64
	TPDWindowStart *int64
}

// ActiveJobInfo describes one in-flight job for introspection.
type ActiveJobInfo struct {
	JobID              string
	JobType            string
	ModelInProgress    string
	WaitingOnModel     string
	MaxWaitRemainingMs int64
	TriedModels        []string
}

// ModelAllocation is this instance's share of one model's pool, as pushed
// by the coordinator. A nil field means the coordinator did not override
// that dimension; the instance keeps its declared ceiling for it.
type ModelAllocation struct {
	TotalSlots            int64
	TokensPerMinute       *int64
	TokensPerDay          *int64
	RequestsPerMinute     *int64
	RequestsPerDay        *int64
	MaxConcurrentRequests *int64
}

// Allocation is the fleet-wide snapshot published by the coordinator.
type Allocation struct {
	InstanceCount int
	PerModel      map[string]ModelAllocation
	HasDynamicLimits bool
}

// CounterStats is a point-in-time snapshot of one TimeWindowCounter.
type CounterStats struct {
	Current   int64
	Limit     int64
	Remaining int64
}

// SemaphoreStats is a point-in-time snapshot of a Semaphore.
type SemaphoreStats struct {
	InUse     int64
	Max       int64
	Available int64
	Waiting   int
}

// ModelStats is the externally reported shape for one model.
type ModelStats struct {
	RequestsPerMinute *CounterStats
	RequestsPerDay    *CounterStats
	TokensPerMinute   *CounterStats
	TokensPerDay      *CounterStats
	Concurrency       *SemaphoreStats
}

// Availability is the derived admission snapshot AvailabilityTracker
// computes and diffs on every structural change.
type Availability struct {
	Slots             int64
	TokensPerMinute   *int64
	TokensPerDay      *int64
	RequestsPerMinute *int64
	RequestsPerDay    *int64
	ConcurrentRequests *int64
	MemoryKB          *int64
}

// Reason tags attached to an availability change notification.
const (
	ReasonTokensMinute      = "tokensMinute"
	ReasonTokensDay         = "tokensDay"
	ReasonRequestsMinute    = "requestsMinute"
	ReasonRequestsDay       = "requestsDay"
	ReasonConcurrentRequest = "concurrentRequests"
	ReasonMemory            = "memory"
	ReasonDistributed       = "distributed"
	ReasonAdjustment        = "adjustment"
)

// AvailabilityChange is delivered to onAvailableSlotsChange subscribers.
type AvailabilityChange struct {
	Availability Availability
	Reason       string
	ModelID      string
	Adjustment   float64 // populated for ReasonAdjustment
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}
