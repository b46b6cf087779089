package limiter

import (
	"context"
	"testing"

	"ratelimiter/internal/config"
	"ratelimiter/internal/statsring"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models["a"] = config.ModelConfig{RPM: 100, MaxConcurrentRequests: 5}
	cfg.JobTypes["chat"] = config.JobTypeConfig{Ratio: config.RatioConfig{InitialValue: 1.0}, MinJobTypeCapacity: 1}
	cfg.Escalation["chat"] = []string{"a"}
	return cfg
}

func TestFacade_QueueJobResolvesAndReportsCost(t *testing.T) {
	cfg := testConfig()
	cfg.Models["a"] = config.ModelConfig{
		RPM: 100, MaxConcurrentRequests: 5,
		Pricing: config.PricingConfig{InputPerMillion: 1, OutputPerMillion: 2},
	}

	f, err := New(cfg, &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.QueueJob(context.Background(), JobOptions{
		JobType: "chat",
		Job: func(ctx context.Context) (Outcome, error) {
			return Resolved(UsageEntry{InputTokens: 1_000_000, OutputTokens: 1_000_000, RequestCount: 1}), nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "a" {
		t.Fatalf("expected model a, got %s", result.ModelUsed)
	}
	if result.TotalCost != 3 {
		t.Fatalf("expected priced cost of 3 (1 input + 2 output per-million), got %f", result.TotalCost)
	}
}

func TestFacade_QueueJobUnknownJobTypeFails(t *testing.T) {
	f, err := New(testConfig(), &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.QueueJob(context.Background(), JobOptions{JobType: "nonexistent", Job: func(ctx context.Context) (Outcome, error) {
		return Resolved(UsageEntry{}), nil
	}})
	if err != ErrUnknownJobType {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestFacade_ActiveJobsTrackedDuringExecution(t *testing.T) {
	f, err := New(testConfig(), &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = f.QueueJob(context.Background(), JobOptions{
			JobType: "chat",
			Job: func(ctx context.Context) (Outcome, error) {
				close(started)
				<-release
				return Resolved(UsageEntry{RequestCount: 1}), nil
			},
		})
	}()

	<-started
	active := f.GetActiveJobs()
	if len(active) != 1 {
		t.Fatalf("expected one active job mid-flight, got %d", len(active))
	}
	close(release)
}

func TestFacade_HistoryRecordsOutcomes(t *testing.T) {
	f, err := New(testConfig(), &fakeCoordinator{}, WithHistory(statsring.New(8)))
	if err != nil {
		t.Fatal(err)
	}

	_, _ = f.QueueJob(context.Background(), JobOptions{
		JobType: "chat",
		Job: func(ctx context.Context) (Outcome, error) {
			return Resolved(UsageEntry{RequestCount: 1}), nil
		},
	})

	history := f.GetHistory()
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	if !history[0].Succeeded {
		t.Fatal("expected the recorded entry to be marked succeeded")
	}
}

func TestFacade_HasCapacityForModelUnknownModel(t *testing.T) {
	f, err := New(testConfig(), &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.HasCapacityForModel("nonexistent")
	if err != ErrUnknownModel {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestFacade_QueueJobForModelBypassesSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Models["b"] = config.ModelConfig{RPM: 100, MaxConcurrentRequests: 5}

	f, err := New(cfg, &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.QueueJobForModel(context.Background(), "b", func(ctx context.Context) (Outcome, error) {
		return Resolved(UsageEntry{RequestCount: 1}), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "b" {
		t.Fatalf("expected the named model to be used directly, got %s", result.ModelUsed)
	}
}

func TestFacade_QueueJobForModelUnknownModelFails(t *testing.T) {
	f, err := New(testConfig(), &fakeCoordinator{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.QueueJobForModel(context.Background(), "nonexistent", func(ctx context.Context) (Outcome, error) {
		return Resolved(UsageEntry{}), nil
	})
	if err != ErrUnknownModel {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestFacade_QueueJobForModelRejectionHasNoEscalation(t *testing.T) {
	cfg := testConfig()
	f, err := New(cfg, &fakeCoordinator{rejectModels: map[string]bool{"a": true}})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.QueueJobForModel(context.Background(), "a", func(ctx context.Context) (Outcome, error) {
		t.Fatal("job should never run when the coordinator rejects the only named model")
		return Outcome{}, nil
	})
	if err == nil {
		t.Fatal("expected a rejection error with no escalation path")
	}
}

func TestFacade_SetDistributedAvailabilityInvokesHandler(t *testing.T) {
	cfg := testConfig()
	var got AvailabilityChange
	f, err := New(cfg, &fakeCoordinator{}, WithAvailabilityChangeHandler(func(c AvailabilityChange) { got = c }))
	if err != nil {
		t.Fatal(err)
	}

	f.SetDistributedAvailability(Availability{Slots: 5})
	if got.Reason != ReasonDistributed || got.Availability.Slots != 5 {
		t.Fatalf("expected a distributed availability change to propagate, got %+v", got)
	}
}
