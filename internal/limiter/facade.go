package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratelimiter/internal/config"
	"ratelimiter/internal/statsring"
	"ratelimiter/internal/telemetry"
)

// Option configures optional RateLimiterFacade behavior.
type Option func(*facadeOptions)

type facadeOptions struct {
	onAvailabilityChange func(AvailabilityChange)
	logger               *slog.Logger
	metrics              *telemetry.Metrics
	history              *statsring.Ring
	autoRatioAdjustment  bool
}

// WithHistory attaches a bounded ring buffer that records a summary of
// every completed job, surfaced via GetHistory for debug introspection.
func WithHistory(r *statsring.Ring) Option {
	return func(o *facadeOptions) { o.history = r }
}

// WithMetrics registers a telemetry.Metrics instance updated on every
// availability change, allocation push, and job completion.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *facadeOptions) { o.metrics = m }
}

// WithAvailabilityChangeHandler registers a callback invoked on every
// emitted AvailabilityChange, in addition to the default slog line.
func WithAvailabilityChangeHandler(fn func(AvailabilityChange)) Option {
	return func(o *facadeOptions) { o.onAvailabilityChange = fn }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *facadeOptions) { o.logger = logger }
}

// WithAutoRatioAdjustment enables the periodic observation loop that nudges
// flexible job types' ratios toward whichever types have been seen pressured
// for ObservationWindow-spaced consecutive ticks, per RatioStepSize and
// RatioHysteresis. Off by default: a caller content with its configured
// ratios does not pay for a background ticker.
func WithAutoRatioAdjustment() Option {
	return func(o *facadeOptions) { o.autoRatioAdjustment = true }
}

// RateLimiterFacade owns every admission-scheduler component and exposes
// the operations callers use to submit and introspect work. Grounded in a
// top-level service struct wired entirely through constructor injection,
// with no package-level mutable state.
type RateLimiterFacade struct {
	cfg *config.Config

	instanceID string
	limiters   map[string]*ModelLimiter
	jobTypes   *JobTypeManager
	memory     *MemoryArbiter
	selector   *ModelSelector
	executor   *DelegationExecutor
	coord      CoordinatorClient
	applier    *AllocationApplier
	tracker    *AvailabilityTracker

	mu         sync.Mutex
	activeJobs map[string]*ActiveJobInfo

	unsubscribe    Unsubscribe
	unsubscribeAll Unsubscribe
	stopHeartbeat  chan struct{}
	stopOnce       sync.Once
	pricing        map[string]Pricing
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	history        *statsring.Ring

	autoRatioAdjustment bool
}

// New builds a RateLimiterFacade from configuration and a coordinator
// implementation (use coordinator.NewLocal() for single-process
// operation).
func New(cfg *config.Config, coord CoordinatorClient, opts ...Option) (*RateLimiterFacade, error) {
	o := facadeOptions{logger: slog.Default()}
	for _, apply := range opts {
		apply(&o)
	}

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	memory := NewMemoryArbiter(cfg.Memory.FreeMemoryRatio, cfg.Memory.MinTargetKB)

	limiters := make(map[string]*ModelLimiter, len(cfg.Models))
	pricing := make(map[string]Pricing, len(cfg.Models))
	var totalSlots int64
	for modelID, mc := range cfg.Models {
		limiters[modelID] = NewModelLimiter(modelID, ModelGates{
			RPM: mc.RPM, RPD: mc.RPD, TPM: mc.TPM, TPD: mc.TPD,
			MaxConcurrentRequests: mc.MaxConcurrentRequests,
		}, memory)
		pricing[modelID] = Pricing{
			InputPerMillion:  mc.Pricing.InputPerMillion,
			CachedPerMillion: mc.Pricing.CachedPerMillion,
			OutputPerMillion: mc.Pricing.OutputPerMillion,
		}
		if mc.MaxConcurrentRequests > 0 {
			totalSlots += mc.MaxConcurrentRequests
		}
	}

	specs := make([]JobTypeSpec, 0, len(cfg.JobTypes))
	for name, jt := range cfg.JobTypes {
		specs = append(specs, JobTypeSpec{
			Name:               name,
			InitialRatio:       jt.Ratio.InitialValue,
			Flexible:           jt.Ratio.Flexible,
			MinRatio:           jt.Ratio.MinRatio,
			MaxRatio:           jt.Ratio.MaxRatio,
			MinJobTypeCapacity: jt.MinJobTypeCapacity,
		})
	}
	jobTypes := NewJobTypeManager(totalSlots, specs)

	selector := NewModelSelector(limiters, 200*time.Millisecond)

	f := &RateLimiterFacade{
		cfg:        cfg,
		instanceID: instanceID,
		limiters:   limiters,
		jobTypes:   jobTypes,
		memory:     memory,
		selector:   selector,
		coord:      coord,
		activeJobs: make(map[string]*ActiveJobInfo),
		pricing:    pricing,
	}

	f.logger = o.logger
	f.metrics = o.metrics
	f.history = o.history
	f.autoRatioAdjustment = o.autoRatioAdjustment
	if f.metrics != nil {
		jobTypes.SetMetrics(f.metrics)
		for _, ml := range limiters {
			ml.SetMetrics(f.metrics)
		}
	}
	f.tracker = NewAvailabilityTracker(limiters, memory, func(change AvailabilityChange) {
		f.logger.Info("availability changed", "reason", change.Reason, "model", change.ModelID, "slots", change.Availability.Slots)
		if f.metrics != nil {
			f.metrics.UpdateAvailability(change.ModelID, change.Availability.Slots)
			f.metrics.UpdateMemory(f.memory.BudgetKB(), f.memory.ReservedKB())
		}
		if o.onAvailabilityChange != nil {
			o.onAvailabilityChange(change)
		}
	})
	f.tracker.SetJobTypes(jobTypes)
	if f.metrics != nil {
		f.tracker.SetMetrics(f.metrics)
	}
	f.applier = NewAllocationApplier(limiters, jobTypes, func() {
		f.tracker.Recompute(f.defaultEstimate(), ReasonDistributed, "*", 0, "")
		if f.metrics != nil {
			f.metrics.RecordAllocationPush(f.applier.InstanceCount())
		}
	})
	f.applier.SetTracker(f.tracker)

	f.executor = NewDelegationExecutor(
		instanceID, limiters, selector, coord, memory,
		f.estimateFor, f.maxWaitFor, f.escalationFor,
	)
	if f.metrics != nil {
		f.executor.SetMetrics(f.metrics)
	}

	return f, nil
}

func (f *RateLimiterFacade) defaultEstimate() Estimate {
	return Estimate{Requests: 1, Tokens: 1}
}

func (f *RateLimiterFacade) estimateFor(jobType, modelID string) Estimate {
	jt, ok := f.cfg.JobTypes[jobType]
	if ok && (jt.EstimatedUsedTokens > 0 || jt.EstimatedNumberOfRequests > 0 || jt.EstimatedUsedMemoryKB > 0) {
		return Estimate{Requests: valueOr(jt.EstimatedNumberOfRequests, 1), Tokens: jt.EstimatedUsedTokens, MemoryKB: jt.EstimatedUsedMemoryKB}
	}
	if mc, ok := f.cfg.Models[modelID]; ok {
		r := mc.ResourcesPerEvent
		return Estimate{Requests: valueOr(r.EstimatedNumberOfRequests, 1), Tokens: r.EstimatedUsedTokens, MemoryKB: r.EstimatedUsedMemoryKB}
	}
	return f.defaultEstimate()
}

func valueOr(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}

func (f *RateLimiterFacade) maxWaitFor(jobType, modelID string) int64 {
	jt, ok := f.cfg.JobTypes[jobType]
	if !ok || jt.MaxWaitMS == nil {
		return DefaultMaxWaitMS(time.Now())
	}
	ms, ok := jt.MaxWaitMS[modelID]
	if !ok {
		return DefaultMaxWaitMS(time.Now())
	}
	return ms
}

func (f *RateLimiterFacade) escalationFor(jobType string) []string {
	return f.cfg.Escalation[jobType]
}

// Start registers this instance with the coordinator and subscribes to
// allocation pushes and begins the memory arbiter's recalculation loop and
// the heartbeat loop.
func (f *RateLimiterFacade) Start(ctx context.Context) error {
	var declaredCapacity int64
	for _, mc := range f.cfg.Models {
		declaredCapacity += mc.MaxConcurrentRequests
	}

	alloc, unsub, err := f.coord.Register(ctx, f.instanceID, declaredCapacity)
	if err != nil {
		return fmt.Errorf("registering with coordinator: %w", err)
	}
	f.unsubscribe = unsub
	f.applier.Apply(alloc)

	f.unsubscribeAll = f.coord.SubscribeAllocation(func(a Allocation, modelID string) {
		f.applier.Apply(a)
	})

	f.memory.Start(ctx, f.cfg.Memory.RecalculationInterval)

	f.stopHeartbeat = make(chan struct{})
	go f.heartbeatLoop(ctx)

	if f.autoRatioAdjustment {
		go f.jobTypes.RunAutoAdjust(ctx)
	}

	return nil
}

func (f *RateLimiterFacade) heartbeatLoop(ctx context.Context) {
	interval := f.cfg.Database.HeartbeatEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = f.coord.Heartbeat(ctx, f.instanceID)
		case <-f.stopHeartbeat:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop unregisters from the coordinator, halts timers, and closes
// subscriptions.
func (f *RateLimiterFacade) Stop() {
	f.stopOnce.Do(func() {
		if f.stopHeartbeat != nil {
			close(f.stopHeartbeat)
		}
		f.memory.Stop()
		if f.unsubscribeAll != nil {
			f.unsubscribeAll()
		}
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
	})
}

// QueueJob constructs a JobHandle from opts and runs it to completion via
// the DelegationExecutor.
func (f *RateLimiterFacade) QueueJob(ctx context.Context, opts JobOptions) (*JobResult, error) {
	if _, ok := f.cfg.JobTypes[opts.JobType]; !ok {
		return nil, ErrUnknownJobType
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	if err := f.jobTypes.WaitForSlot(ctx, opts.JobType); err != nil {
		return nil, err
	}
	defer f.jobTypes.ReleaseSlot(opts.JobType)

	handle := &JobHandle{
		JobID:       jobID,
		JobType:     opts.JobType,
		Job:         opts.Job,
		TriedModels: make(map[string]bool),
		OnComplete:  opts.OnComplete,
		OnError:     opts.OnError,
	}

	f.trackActive(handle)
	defer f.untrackActive(jobID)

	var recorder *telemetry.AdmissionRecorder
	if f.metrics != nil {
		recorder = f.metrics.NewAdmissionRecorder(opts.JobType)
	}

	result, err := f.executor.Execute(ctx, handle)
	f.tracker.Recompute(f.estimateFor(opts.JobType, ""), "", "", 0, opts.JobType)
	if err != nil {
		if recorder != nil {
			recorder.RecordRejected(lastTriedModel(handle))
		}
		f.recordHistory(jobID, opts.JobType, lastTriedModel(handle), 0, false, err)
		return nil, err
	}

	result.TotalCost = f.priceUsage(result.Usage)
	if recorder != nil {
		recorder.RecordResolved(result.ModelUsed, result.TotalCost)
	}
	f.recordHistory(jobID, opts.JobType, result.ModelUsed, result.TotalCost, true, nil)
	return result, nil
}

// QueueJobForModel runs job directly against modelID, bypassing
// ModelSelector and job-type slot allocation entirely: the hierarchical
// acquire/release sequence still runs against that model's counters,
// concurrency, memory and the coordinator, but there is no escalation to
// a different model on rejection.
func (f *RateLimiterFacade) QueueJobForModel(ctx context.Context, modelID string, job JobFunc) (*JobResult, error) {
	if _, ok := f.limiters[modelID]; !ok {
		return nil, ErrUnknownModel
	}

	jobID := uuid.NewString()
	handle := &JobHandle{
		JobID:       jobID,
		Job:         job,
		TriedModels: make(map[string]bool),
	}

	f.trackActive(handle)
	defer f.untrackActive(jobID)

	result, err := f.executor.ExecuteOnModel(ctx, handle, modelID)
	f.tracker.Recompute(f.estimateFor("", modelID), "", modelID, 0, "")
	if err != nil {
		f.recordHistory(jobID, "", modelID, 0, false, err)
		return nil, err
	}

	result.TotalCost = f.priceUsage(result.Usage)
	f.recordHistory(jobID, "", modelID, result.TotalCost, true, nil)
	return result, nil
}

func (f *RateLimiterFacade) recordHistory(jobID, jobType, modelUsed string, totalCost float64, succeeded bool, err error) {
	if f.history == nil {
		return
	}
	entry := statsring.Entry{
		JobID:     jobID,
		JobType:   jobType,
		ModelUsed: modelUsed,
		TotalCost: totalCost,
		Succeeded: succeeded,
	}
	if err != nil {
		entry.Err = err.Error()
	}
	f.history.Push(entry)
}

// GetHistory returns a snapshot of the most recently completed jobs, oldest
// first. Empty if no history ring was attached via WithHistory.
func (f *RateLimiterFacade) GetHistory() []statsring.Entry {
	if f.history == nil {
		return nil
	}
	return f.history.Snapshot()
}

func lastTriedModel(h *JobHandle) string {
	for m := range h.TriedModels {
		return m
	}
	return ""
}

func (f *RateLimiterFacade) priceUsage(usage []UsageEntry) float64 {
	var sum float64
	for _, u := range usage {
		p, ok := f.pricing[u.ModelID]
		if !ok {
			sum += u.Cost
			continue
		}
		sum += p.CostOf(u)
	}
	return sum
}

func (f *RateLimiterFacade) trackActive(h *JobHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeJobs[h.JobID] = &ActiveJobInfo{JobID: h.JobID, JobType: h.JobType}
}

func (f *RateLimiterFacade) untrackActive(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.activeJobs, jobID)
}

// HasCapacity reports whether any declared model has capacity for the
// default estimated shape (one request, one token). It does not consult
// escalation orders or job-type estimates.
func (f *RateLimiterFacade) HasCapacity() bool {
	for _, ml := range f.limiters {
		if ml.HasCapacity(f.defaultEstimate()) {
			return true
		}
	}
	return false
}

// HasCapacityForModel reports whether modelID currently has capacity for
// a single unit of the default estimated shape.
func (f *RateLimiterFacade) HasCapacityForModel(modelID string) (bool, error) {
	ml, ok := f.limiters[modelID]
	if !ok {
		return false, ErrUnknownModel
	}
	return ml.HasCapacity(f.defaultEstimate()), nil
}

// GetStats returns every model's current counter and concurrency stats.
func (f *RateLimiterFacade) GetStats() map[string]ModelStats {
	out := make(map[string]ModelStats, len(f.limiters))
	for modelID, ml := range f.limiters {
		out[modelID] = ml.GetStats()
	}
	return out
}

// GetModelStats returns one model's current stats.
func (f *RateLimiterFacade) GetModelStats(modelID string) (ModelStats, error) {
	ml, ok := f.limiters[modelID]
	if !ok {
		return ModelStats{}, ErrUnknownModel
	}
	return ml.GetStats(), nil
}

// GetActiveJobs returns a snapshot of every in-flight job.
func (f *RateLimiterFacade) GetActiveJobs() []ActiveJobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ActiveJobInfo, 0, len(f.activeJobs))
	for _, info := range f.activeJobs {
		out = append(out, *info)
	}
	return out
}

// GetAllocation returns the job type occupancy snapshot as a proxy for
// this instance's current allocation view.
func (f *RateLimiterFacade) GetAllocation() map[string]JobTypeOccupancy {
	return f.jobTypes.Snapshot()
}

// SetDistributedAvailability triggers a synthetic availability emission
// without mutating any scheduler state, for callers that want to surface
// an externally observed fleet-wide snapshot through the same
// notification path.
func (f *RateLimiterFacade) SetDistributedAvailability(avail Availability) {
	f.tracker.EmitSynthetic(avail, ReasonDistributed, "*")
}
