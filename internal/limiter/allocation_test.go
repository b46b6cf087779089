package limiter

import "testing"

func TestAllocationApplier_SkipsNoOpPush(t *testing.T) {
	ml := NewModelLimiter("a", ModelGates{RPM: 10}, nil)
	limiters := map[string]*ModelLimiter{"a": ml}

	calls := 0
	applier := NewAllocationApplier(limiters, nil, func() { calls++ })

	applier.Apply(Allocation{InstanceCount: 3})
	applier.Apply(Allocation{InstanceCount: 3})

	if calls != 1 {
		t.Fatalf("expected the second identical push to be skipped as a no-op, got %d calls", calls)
	}
}

func TestAllocationApplier_DynamicLimitsAlwaysApply(t *testing.T) {
	ml := NewModelLimiter("a", ModelGates{RPM: 10}, nil)
	limiters := map[string]*ModelLimiter{"a": ml}

	calls := 0
	applier := NewAllocationApplier(limiters, nil, func() { calls++ })

	rpm := int64(50)
	applier.Apply(Allocation{InstanceCount: 3, HasDynamicLimits: true, PerModel: map[string]ModelAllocation{
		"a": {RequestsPerMinute: &rpm},
	}})
	applier.Apply(Allocation{InstanceCount: 3, HasDynamicLimits: true, PerModel: map[string]ModelAllocation{
		"a": {RequestsPerMinute: &rpm},
	}})

	if calls != 2 {
		t.Fatalf("expected dynamic-limit pushes to never be skipped, got %d calls", calls)
	}
	if ml.counters.RPM.GetStats().Limit != 50 {
		t.Fatalf("expected RPM limit to be applied, got %d", ml.counters.RPM.GetStats().Limit)
	}
}

func TestAllocationApplier_UnknownModelIsIgnored(t *testing.T) {
	limiters := map[string]*ModelLimiter{}
	applier := NewAllocationApplier(limiters, nil, nil)

	rpm := int64(10)
	applier.Apply(Allocation{InstanceCount: 1, HasDynamicLimits: true, PerModel: map[string]ModelAllocation{
		"unknown": {RequestsPerMinute: &rpm},
	}})
	// no panic, no crash: this is the assertion.
}

func TestAllocationApplier_RescalesJobTypeTotalSlots(t *testing.T) {
	jt := NewJobTypeManager(10, []JobTypeSpec{{Name: "a", InitialRatio: 1.0}})
	limiters := map[string]*ModelLimiter{"a": NewModelLimiter("a", ModelGates{RPM: 10}, nil)}
	applier := NewAllocationApplier(limiters, jt, nil)

	applier.Apply(Allocation{InstanceCount: 1, HasDynamicLimits: true, PerModel: map[string]ModelAllocation{
		"a": {TotalSlots: 40},
	}})

	if jt.Snapshot()["a"].Capacity != 40 {
		t.Fatalf("expected job type capacity to rescale to the pushed total slots, got %d", jt.Snapshot()["a"].Capacity)
	}
}

func TestAllocationApplier_InstanceCountReflectsLastPush(t *testing.T) {
	applier := NewAllocationApplier(map[string]*ModelLimiter{}, nil, nil)
	applier.Apply(Allocation{InstanceCount: 7})
	if applier.InstanceCount() != 7 {
		t.Fatalf("expected InstanceCount to reflect the last applied push, got %d", applier.InstanceCount())
	}
}
