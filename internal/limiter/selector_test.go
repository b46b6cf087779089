package limiter

import (
	"context"
	"testing"
	"time"
)

func newTestModelLimiter(modelID string, maxConcurrent int64) *ModelLimiter {
	memory := newFixedMemoryArbiter(1 << 30)
	return NewModelLimiter(modelID, ModelGates{MaxConcurrentRequests: maxConcurrent}, memory)
}

func TestModelSelector_PicksFirstCandidateWithCapacity(t *testing.T) {
	limiters := map[string]*ModelLimiter{
		"a": newTestModelLimiter("a", 1),
		"b": newTestModelLimiter("b", 1),
	}
	// exhaust a's only slot
	if err := limiters["a"].AcquireConcurrencySlot(context.Background()); err != nil {
		t.Fatal(err)
	}

	sel := NewModelSelector(limiters, 10*time.Millisecond)
	res, err := sel.SelectModel(context.Background(), []string{"a", "b"}, map[string]bool{},
		func(string) Estimate { return Estimate{Requests: 1} },
		func(string) int64 { return 0 }, // fail-fast: no waiting
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.AllModelsExhausted {
		t.Fatal("expected b to be selected")
	}
	if res.ModelID != "b" {
		t.Fatalf("expected model b, got %s", res.ModelID)
	}
}

func TestModelSelector_FailFastSkipsZeroMaxWait(t *testing.T) {
	limiters := map[string]*ModelLimiter{"a": newTestModelLimiter("a", 1)}
	if err := limiters["a"].AcquireConcurrencySlot(context.Background()); err != nil {
		t.Fatal(err)
	}

	sel := NewModelSelector(limiters, 10*time.Millisecond)
	res, err := sel.SelectModel(context.Background(), []string{"a"}, map[string]bool{},
		func(string) Estimate { return Estimate{Requests: 1} },
		func(string) int64 { return 0 },
	)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AllModelsExhausted {
		t.Fatal("expected exhaustion when the only candidate is full and fail-fast")
	}
}

func TestModelSelector_WaitsThenAdmitsOnRelease(t *testing.T) {
	ml := newTestModelLimiter("a", 1)
	if err := ml.AcquireConcurrencySlot(context.Background()); err != nil {
		t.Fatal(err)
	}
	limiters := map[string]*ModelLimiter{"a": ml}

	sel := NewModelSelector(limiters, 10*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		ml.ReleaseConcurrencySlot()
	}()

	res, err := sel.SelectModel(context.Background(), []string{"a"}, map[string]bool{},
		func(string) Estimate { return Estimate{Requests: 1} },
		func(string) int64 { return 2000 },
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.AllModelsExhausted || res.ModelID != "a" {
		t.Fatalf("expected a to be selected after release, got %+v", res)
	}
}

func TestModelSelector_SkipsTriedModels(t *testing.T) {
	limiters := map[string]*ModelLimiter{
		"a": newTestModelLimiter("a", 1),
		"b": newTestModelLimiter("b", 1),
	}
	sel := NewModelSelector(limiters, 10*time.Millisecond)
	res, err := sel.SelectModel(context.Background(), []string{"a", "b"}, map[string]bool{"a": true},
		func(string) Estimate { return Estimate{Requests: 1} },
		func(string) int64 { return 0 },
	)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "b" {
		t.Fatalf("expected already-tried model a to be skipped, got %+v", res)
	}
}
