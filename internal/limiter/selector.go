package limiter

import (
	"context"
	"time"
)

// SelectionResult is returned by SelectModel. AllModelsExhausted is true
// when no candidate in the escalation order was admitted within its
// maxWaitMS.
type SelectionResult struct {
	ModelID            string
	AllModelsExhausted bool
}

// ModelSelector chooses the first model in an escalation order with
// capacity, waiting up to a per-model maxWaitMS on a notification channel
// rather than a plain time.Sleep poll loop, with pollIntervalMs as a
// safety-net tick for capacity changes that do not flow through a
// model's own broadcast (e.g. a TimeWindowCounter window roll).
type ModelSelector struct {
	limiters       map[string]*ModelLimiter
	pollInterval   time.Duration
	nowFn          func() time.Time
}

// NewModelSelector builds a selector over the given per-model limiters.
func NewModelSelector(limiters map[string]*ModelLimiter, pollInterval time.Duration) *ModelSelector {
	return &ModelSelector{limiters: limiters, pollInterval: pollInterval, nowFn: time.Now}
}

// DefaultMaxWaitMS computes the fallback wait budget for an unconfigured
// model: the time remaining into the next minute plus a 5s margin, so a
// job waits at most into the following TPM window rollover.
func DefaultMaxWaitMS(now time.Time) int64 {
	return (60 - int64(now.Second()) + 5) * 1000
}

// SelectModel implements the escalation-order iteration described in the
// admission scheduler's model selection algorithm: skip triedModels, take
// the first candidate with immediate capacity, fail-fast candidates whose
// maxWaitMS is 0, otherwise wait up to maxWaitMS for capacity to free up
// before moving to the next candidate.
func (s *ModelSelector) SelectModel(
	ctx context.Context,
	escalationOrder []string,
	triedModels map[string]bool,
	estimateFor func(modelID string) Estimate,
	maxWaitMSFor func(modelID string) int64,
) (SelectionResult, error) {
	for _, modelID := range escalationOrder {
		if triedModels[modelID] {
			continue
		}
		limiter, ok := s.limiters[modelID]
		if !ok {
			continue
		}
		est := estimateFor(modelID)
		if limiter.HasCapacity(est) {
			return SelectionResult{ModelID: modelID}, nil
		}

		maxWaitMS := maxWaitMSFor(modelID)
		if maxWaitMS == 0 {
			continue
		}

		ok, err := s.waitForCapacity(ctx, limiter, est, maxWaitMS)
		if err != nil {
			return SelectionResult{}, err
		}
		if ok {
			return SelectionResult{ModelID: modelID}, nil
		}
		// maxWaitMS elapsed without capacity; move to the next candidate.
	}
	return SelectionResult{AllModelsExhausted: true}, nil
}

// waitForCapacity blocks until limiter admits est, maxWaitMS elapses, or
// ctx is cancelled.
func (s *ModelSelector) waitForCapacity(ctx context.Context, limiter *ModelLimiter, est Estimate, maxWaitMS int64) (bool, error) {
	deadline := time.Now().Add(time.Duration(maxWaitMS) * time.Millisecond)
	safetyNet := s.pollInterval
	if safetyNet <= 0 {
		safetyNet = time.Second
	}

	for {
		if limiter.HasCapacity(est) {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := safetyNet
		if remaining < wait {
			wait = remaining
		}

		ch := limiter.WaitChan()
		timer := time.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
}
