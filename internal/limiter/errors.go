package limiter

import "errors"

// Exit/error surface per the admission scheduler's external contract.
var (
	// ErrAllModelsRejectedByBackend is returned when the coordinator
	// rejects a model and every model in the escalation order has already
	// been tried (rejected by the coordinator or delegated away from).
	ErrAllModelsRejectedByBackend = errors.New("ratelimiter: all models rejected by coordinator")

	// ErrAllModelsExhausted is returned when local selection timed out on
	// every model in the escalation order within their maxWaitMS.
	ErrAllModelsExhausted = errors.New("ratelimiter: no capacity available within maxWaitMS")

	// ErrUnknownModel is returned for stats or admission against an
	// undeclared model.
	ErrUnknownModel = errors.New("ratelimiter: unknown model")

	// ErrUnknownJobType is returned for admission against an undeclared
	// job type.
	ErrUnknownJobType = errors.New("ratelimiter: unknown job type")

	// ErrJobDidNotCallback is returned when a user job function returned
	// without producing a Resolved or Rejected Outcome and without error.
	ErrJobDidNotCallback = errors.New("ratelimiter: job did not call resolve or reject")

	// ErrSecondExhaustion is the fatal error raised when model selection
	// is exhausted twice for the same job (the one permitted retry pass
	// also found nothing).
	ErrSecondExhaustion = errors.New("ratelimiter: all models exhausted after retry")

	// ErrModelRejected is returned by QueueJobForModel when the named
	// model could not admit the attempt. Selection is bypassed entirely
	// for this call, so there is no escalation order to fall back to.
	ErrModelRejected = errors.New("ratelimiter: model rejected and no escalation path is available")
)
