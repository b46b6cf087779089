package limiter

import "context"

// AcquireRequest is passed to CoordinatorClient.Acquire for one admission
// attempt.
type AcquireRequest struct {
	InstanceID string
	ModelID    string
	JobID      string
	JobType    string
	Estimated  Estimate
}

// ReleaseRequest is passed to CoordinatorClient.Release when an attempt
// completes, successfully or not.
type ReleaseRequest struct {
	InstanceID   string
	ModelID      string
	JobID        string
	JobType      string
	Estimated    Estimate
	Actual       Estimate
	Reservation  *Reservation
}

// AllocationHandler receives fleet-wide allocation pushes. modelID is "*"
// for a change spanning every model.
type AllocationHandler func(alloc Allocation, modelID string)

// Unsubscribe detaches a previously registered subscription.
type Unsubscribe func()

// CoordinatorClient is the core's view of the fleet coordination backend.
// The core treats it purely as an interface (per the admission
// scheduler's external-collaborator boundary); concrete implementations
// live in package coordinator.
type CoordinatorClient interface {
	// Register admits this instance to the fleet and returns the
	// allocation in effect at registration time plus an unsubscribe for
	// the registration itself.
	Register(ctx context.Context, instanceID string, declaredCapacity int64) (Allocation, Unsubscribe, error)

	// Acquire performs an optional distributed admission check. A false
	// result forces the caller to delegate to the next model.
	Acquire(ctx context.Context, req AcquireRequest) (bool, error)

	// Release reports a completed attempt. Errors are swallowed by the
	// caller; this method itself may return one for logging purposes
	// only.
	Release(ctx context.Context, req ReleaseRequest) error

	// SubscribeAllocation registers handler for future allocation pushes.
	SubscribeAllocation(handler AllocationHandler) Unsubscribe

	// Heartbeat reports liveness for instanceID at whatever cadence the
	// caller drives it.
	Heartbeat(ctx context.Context, instanceID string) error
}
