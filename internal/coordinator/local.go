// Package coordinator provides CoordinatorClient implementations for the
// admission scheduler's fleet-coordination boundary: a no-op single-
// process stand-in and a Postgres-backed fleet implementation.
package coordinator

import (
	"context"

	"ratelimiter/internal/limiter"
)

// Local is a no-op CoordinatorClient for single-process operation.
// Register yields no allocation, Acquire always succeeds, Release is a
// no-op. Grounded in the teacher's in-memory fallback store: the same
// role, a zero-dependency stand-in selected when the configured database
// driver is "memory".
type Local struct{}

// NewLocal constructs a no-op coordinator.
func NewLocal() *Local {
	return &Local{}
}

// Register returns an empty allocation; a no-op unsubscribe.
func (l *Local) Register(ctx context.Context, instanceID string, declaredCapacity int64) (limiter.Allocation, limiter.Unsubscribe, error) {
	return limiter.Allocation{}, func() {}, nil
}

// Acquire always admits under single-process operation.
func (l *Local) Acquire(ctx context.Context, req limiter.AcquireRequest) (bool, error) {
	return true, nil
}

// Release is a no-op; there is no fleet state to reconcile.
func (l *Local) Release(ctx context.Context, req limiter.ReleaseRequest) error {
	return nil
}

// SubscribeAllocation never fires under single-process operation.
func (l *Local) SubscribeAllocation(handler limiter.AllocationHandler) limiter.Unsubscribe {
	return func() {}
}

// Heartbeat is a no-op; there is no fleet membership to maintain.
func (l *Local) Heartbeat(ctx context.Context, instanceID string) error {
	return nil
}
