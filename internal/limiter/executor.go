package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratelimiter/internal/telemetry"
)

// EstimateFunc returns the estimated resource shape for one (jobType,
// modelID) admission attempt.
type EstimateFunc func(jobType, modelID string) Estimate

// MaxWaitFunc returns the wait budget in milliseconds for one (jobType,
// modelID) candidate. 0 means fail-fast for that model.
type MaxWaitFunc func(jobType, modelID string) int64

// EscalationFunc returns the ordered list of candidate models for a job
// type.
type EscalationFunc func(jobType string) []string

// DelegationExecutor runs a JobHandle to completion: selecting a model,
// acquiring resources hierarchically, running the user job, and on
// cooperative delegation releasing everything and re-entering selection
// on the next untried model. Grounded in the fallback-chain-with-circuit-
// breaker control flow of a retry/fallback executor, generalized to the
// admission scheduler's selector-driven re-entry loop.
type DelegationExecutor struct {
	instanceID   string
	limiters     map[string]*ModelLimiter
	selector     *ModelSelector
	coordinator  CoordinatorClient
	memory       *MemoryArbiter
	estimateFor  EstimateFunc
	maxWaitFor   MaxWaitFunc
	escalationOf EscalationFunc
	metrics      *telemetry.Metrics
}

// SetMetrics attaches a telemetry.Metrics instance, recording delegation
// hops and escalation retries as they occur. Safe to call once before the
// executor serves any job.
func (e *DelegationExecutor) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// NewDelegationExecutor builds an executor over the given components.
func NewDelegationExecutor(
	instanceID string,
	limiters map[string]*ModelLimiter,
	selector *ModelSelector,
	coordinator CoordinatorClient,
	memory *MemoryArbiter,
	estimateFor EstimateFunc,
	maxWaitFor MaxWaitFunc,
	escalationOf EscalationFunc,
) *DelegationExecutor {
	return &DelegationExecutor{
		instanceID:   instanceID,
		limiters:     limiters,
		selector:     selector,
		coordinator:  coordinator,
		memory:       memory,
		estimateFor:  estimateFor,
		maxWaitFor:   maxWaitFor,
		escalationOf: escalationOf,
	}
}

// attemptOutcome is the inner result of running one selected model.
type attemptOutcome struct {
	result  *JobResult
	recurse bool // true: release everything for this attempt, re-enter selection
	fatal   error
}

// Execute runs handle.Job to completion, escalating across models per the
// selector and DelegationExecutor algorithm. ctx cancellation propagates
// to every blocking call (selection wait, concurrency acquire, the job
// itself).
func (e *DelegationExecutor) Execute(ctx context.Context, handle *JobHandle) (*JobResult, error) {
	escalationOrder := e.escalationOf(handle.JobType)
	retriedOnce := false

	for {
		sel, err := e.selector.SelectModel(ctx, escalationOrder, handle.TriedModels,
			func(modelID string) Estimate { return e.estimateFor(handle.JobType, modelID) },
			func(modelID string) int64 { return e.resolveMaxWait(handle.JobType, modelID) },
		)
		if err != nil {
			return nil, err
		}

		if sel.AllModelsExhausted {
			if len(handle.TriedModels) == 0 {
				e.reportError(handle, ErrAllModelsExhausted)
				return nil, ErrAllModelsExhausted
			}
			if retriedOnce {
				e.reportError(handle, ErrSecondExhaustion)
				return nil, ErrSecondExhaustion
			}
			retriedOnce = true
			handle.TriedModels = map[string]bool{}
			if e.metrics != nil {
				e.metrics.RecordEscalationRetry(handle.JobType)
			}
			continue
		}

		out := e.attempt(ctx, handle, sel.ModelID)
		if out.fatal != nil {
			e.reportError(handle, out.fatal)
			return nil, out.fatal
		}
		if out.recurse {
			continue
		}
		return out.result, nil
	}
}

// ExecuteOnModel runs handle.Job against exactly modelID, skipping
// ModelSelector entirely. Any outcome that would otherwise trigger
// escalation to the next candidate (coordinator rejection, reservation
// exhaustion, cooperative delegation) surfaces as ErrModelRejected
// instead, since a bypass-selection caller has no escalation order to
// fall back to.
func (e *DelegationExecutor) ExecuteOnModel(ctx context.Context, handle *JobHandle, modelID string) (*JobResult, error) {
	if _, ok := e.limiters[modelID]; !ok {
		return nil, ErrUnknownModel
	}

	out := e.attempt(ctx, handle, modelID)
	if out.fatal != nil && !handle.CoordinatorRejected {
		e.reportError(handle, out.fatal)
		return nil, out.fatal
	}
	if out.recurse || handle.CoordinatorRejected {
		e.reportError(handle, ErrModelRejected)
		return nil, ErrModelRejected
	}
	return out.result, nil
}

// resolveMaxWait falls back to the window-aligned default when the config
// does not declare an explicit maxWaitMS for this (jobType, modelID) pair.
func (e *DelegationExecutor) resolveMaxWait(jobType, modelID string) int64 {
	if e.maxWaitFor == nil {
		return DefaultMaxWaitMS(time.Now())
	}
	return e.maxWaitFor(jobType, modelID)
}

// attempt runs the full acquire/run/release sequence for one chosen
// model.
func (e *DelegationExecutor) attempt(ctx context.Context, handle *JobHandle, modelID string) attemptOutcome {
	limiter, ok := e.limiters[modelID]
	if !ok {
		handle.TriedModels[modelID] = true
		return attemptOutcome{recurse: true}
	}

	est := e.estimateFor(handle.JobType, modelID)

	if err := e.memory.Acquire(ctx, est.MemoryKB); err != nil {
		return attemptOutcome{fatal: err}
	}

	admitted, err := e.coordinator.Acquire(ctx, AcquireRequest{
		InstanceID: e.instanceID,
		ModelID:    modelID,
		JobID:      handle.JobID,
		JobType:    handle.JobType,
		Estimated:  est,
	})
	if err != nil || !admitted {
		e.memory.Release(est.MemoryKB)
		handle.TriedModels[modelID] = true
		handle.CoordinatorRejected = true
		if allTried(handle.TriedModels, e.escalationOf(handle.JobType)) {
			return attemptOutcome{fatal: ErrAllModelsRejectedByBackend}
		}
		return attemptOutcome{recurse: true}
	}

	reservation, ok := limiter.TryReserve(est)
	if !ok {
		_ = e.coordinator.Release(ctx, ReleaseRequest{
			InstanceID: e.instanceID, ModelID: modelID, JobID: handle.JobID, JobType: handle.JobType,
			Estimated: est, Actual: Estimate{},
		})
		e.memory.Release(est.MemoryKB)
		handle.TriedModels[modelID] = true
		return attemptOutcome{recurse: true}
	}

	if err := limiter.AcquireConcurrencySlot(ctx); err != nil {
		limiter.ReleaseReservation(est, Estimate{}, reservation)
		_ = e.coordinator.Release(ctx, ReleaseRequest{
			InstanceID: e.instanceID, ModelID: modelID, JobID: handle.JobID, JobType: handle.JobType,
			Estimated: est, Actual: Estimate{}, Reservation: reservation,
		})
		e.memory.Release(est.MemoryKB)
		return attemptOutcome{fatal: err}
	}

	outcome, jobErr := e.runJob(ctx, handle)

	release := func(actual Estimate) {
		limiter.ReleaseReservation(est, actual, reservation)
		limiter.ReleaseConcurrencySlot()
		e.memory.Release(est.MemoryKB)
		_ = e.coordinator.Release(ctx, ReleaseRequest{
			InstanceID: e.instanceID, ModelID: modelID, JobID: handle.JobID, JobType: handle.JobType,
			Estimated: est, Actual: actual, Reservation: reservation,
		})
	}

	if jobErr != nil {
		release(Estimate{})
		return attemptOutcome{fatal: jobErr}
	}

	switch outcome.kind {
	case outcomeNone:
		release(Estimate{})
		return attemptOutcome{fatal: ErrJobDidNotCallback}

	case outcomeResolved:
		usage := outcome.usage
		usage.ModelID = modelID
		actual := Estimate{Requests: usage.RequestCount, Tokens: usage.InputTokens + usage.OutputTokens, MemoryKB: est.MemoryKB}
		release(actual)
		handle.Usage = append(handle.Usage, usage)
		result := &JobResult{JobID: handle.JobID, ModelUsed: modelID, Usage: handle.Usage, TotalCost: totalCost(handle.Usage)}
		if handle.OnComplete != nil {
			handle.OnComplete(result)
		}
		return attemptOutcome{result: result}

	case outcomeRejected:
		usage := outcome.usage
		usage.ModelID = modelID
		actual := Estimate{Requests: usage.RequestCount, Tokens: usage.InputTokens + usage.OutputTokens, MemoryKB: est.MemoryKB}
		release(actual)
		handle.Usage = append(handle.Usage, usage)
		if outcome.delegate {
			handle.TriedModels[modelID] = true
			if e.metrics != nil {
				next := ""
				for _, cand := range e.escalationOf(handle.JobType) {
					if !handle.TriedModels[cand] {
						next = cand
						break
					}
				}
				e.metrics.RecordDelegated(modelID, next, handle.JobType)
			}
			return attemptOutcome{recurse: true}
		}
		return attemptOutcome{fatal: fmt.Errorf("ratelimiter: job rejected on model %s without delegation", modelID)}

	default:
		release(Estimate{})
		return attemptOutcome{fatal: errors.New("ratelimiter: unreachable outcome kind")}
	}
}

// runJob invokes handle.Job, recovering a panic into a wrapped error so a
// misbehaving job cannot skip the release discipline the caller wraps it
// in.
func (e *DelegationExecutor) runJob(ctx context.Context, handle *JobHandle) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ratelimiter: job panicked: %v", r)
		}
	}()
	return handle.Job(ctx)
}

func (e *DelegationExecutor) reportError(handle *JobHandle, err error) {
	if handle.OnError != nil {
		handle.OnError(handle.JobID, totalCost(handle.Usage), handle.Usage)
	}
}

func totalCost(usage []UsageEntry) float64 {
	var sum float64
	for _, u := range usage {
		sum += u.Cost
	}
	return sum
}

func allTried(tried map[string]bool, escalationOrder []string) bool {
	for _, m := range escalationOrder {
		if !tried[m] {
			return false
		}
	}
	return true
}
