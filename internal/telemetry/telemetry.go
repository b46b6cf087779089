// Package telemetry provides observability with Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the admission scheduler exports.
type Metrics struct {
	// Admission outcomes
	AdmissionsTotal    *prometheus.CounterVec // model, job_type, outcome (resolved|rejected|delegated)
	AdmissionDuration  *prometheus.HistogramVec
	AdmissionsInFlight *prometheus.GaugeVec // model

	// Counter/semaphore gauges, updated on every AvailabilityChange
	AvailableSlots     *prometheus.GaugeVec // model
	CounterRemaining   *prometheus.GaugeVec // model, dimension (rpm|rpd|tpm|tpd)
	ConcurrencyInUse   *prometheus.GaugeVec // model
	ConcurrencyWaiting *prometheus.GaugeVec // model

	// Refund and delegation
	RefundsTotal      *prometheus.CounterVec // model, dimension
	DelegationsTotal  *prometheus.CounterVec // from_model, to_model, job_type
	EscalationRetries *prometheus.CounterVec // job_type

	// Job-type ratio allocation
	JobTypeRatio    *prometheus.GaugeVec   // job_type
	JobTypeReserved *prometheus.GaugeVec   // job_type
	RatioAdjustments *prometheus.CounterVec // job_type, direction (up|down)

	// Memory arbiter
	MemoryBudgetKB   prometheus.Gauge
	MemoryReservedKB prometheus.Gauge

	// Coordinator / fleet
	CoordinatorAcquireTotal *prometheus.CounterVec // model, result (admitted|rejected|fail_open)
	CoordinatorReleaseErrors prometheus.Counter
	AllocationPushesTotal  prometheus.Counter
	InstanceCount          prometheus.Gauge
	HeartbeatFailures      prometheus.Counter

	// Cost
	CostUSDTotal *prometheus.CounterVec // model, job_type
}

// NewMetrics creates and registers every metric. registry may be nil to
// use the default Prometheus registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_admissions_total",
				Help: "Total admission attempts by model, job type and outcome",
			},
			[]string{"model", "job_type", "outcome"},
		),
		AdmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimiter_admission_duration_seconds",
				Help:    "End-to-end QueueJob duration including selection wait",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model", "job_type"},
		),
		AdmissionsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_admissions_in_flight",
				Help: "Currently executing admitted jobs per model",
			},
			[]string{"model"},
		),
		AvailableSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_available_slots",
				Help: "Estimated additional events admittable now per model",
			},
			[]string{"model"},
		),
		CounterRemaining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_counter_remaining",
				Help: "Remaining capacity on a time-windowed counter",
			},
			[]string{"model", "dimension"},
		),
		ConcurrencyInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_concurrency_in_use",
				Help: "In-use concurrency permits per model",
			},
			[]string{"model"},
		),
		ConcurrencyWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_concurrency_waiting",
				Help: "Waiters queued on a model's concurrency semaphore",
			},
			[]string{"model"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_refunds_total",
				Help: "Total refund operations by model and counter dimension",
			},
			[]string{"model", "dimension"},
		),
		DelegationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_delegations_total",
				Help: "Total cooperative delegations from one model to another",
			},
			[]string{"from_model", "to_model", "job_type"},
		),
		EscalationRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_escalation_retries_total",
				Help: "Total times triedModels was cleared for a single retry pass",
			},
			[]string{"job_type"},
		),
		JobTypeRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_job_type_ratio",
				Help: "Current slot-pool ratio for a job type",
			},
			[]string{"job_type"},
		),
		JobTypeReserved: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratelimiter_job_type_reserved_slots",
				Help: "Slots currently reserved for a job type",
			},
			[]string{"job_type"},
		),
		RatioAdjustments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_ratio_adjustments_total",
				Help: "Total automatic ratio shifts by job type and direction",
			},
			[]string{"job_type", "direction"},
		),
		MemoryBudgetKB: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_memory_budget_kb",
				Help: "Current admission memory budget in kilobytes",
			},
		),
		MemoryReservedKB: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_memory_reserved_kb",
				Help: "Kilobytes currently reserved against the memory budget",
			},
		),
		CoordinatorAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_coordinator_acquire_total",
				Help: "Total coordinator Acquire calls by model and result",
			},
			[]string{"model", "result"},
		),
		CoordinatorReleaseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelimiter_coordinator_release_errors_total",
				Help: "Total coordinator Release calls that returned an error",
			},
		),
		AllocationPushesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelimiter_allocation_pushes_total",
				Help: "Total allocation pushes applied from the coordinator",
			},
		),
		InstanceCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_instance_count",
				Help: "Fleet instance count from the last allocation push",
			},
		),
		HeartbeatFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelimiter_heartbeat_failures_total",
				Help: "Total heartbeat calls that returned an error",
			},
		),
		CostUSDTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_cost_usd_total",
				Help: "Total priced cost in USD by model and job type",
			},
			[]string{"model", "job_type"},
		),
	}
}

// Handler returns an HTTP handler serving Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AdmissionRecorder tracks one QueueJob call from entry to outcome.
type AdmissionRecorder struct {
	metrics   *Metrics
	jobType   string
	startTime time.Time
}

// NewAdmissionRecorder starts timing one admission.
func (m *Metrics) NewAdmissionRecorder(jobType string) *AdmissionRecorder {
	return &AdmissionRecorder{metrics: m, jobType: jobType, startTime: time.Now()}
}

// RecordResolved finalizes the recorder on a successful admission.
func (r *AdmissionRecorder) RecordResolved(model string, costUSD float64) {
	duration := time.Since(r.startTime).Seconds()
	r.metrics.AdmissionsTotal.WithLabelValues(model, r.jobType, "resolved").Inc()
	r.metrics.AdmissionDuration.WithLabelValues(model, r.jobType).Observe(duration)
	r.metrics.CostUSDTotal.WithLabelValues(model, r.jobType).Add(costUSD)
}

// RecordRejected finalizes the recorder on a terminal rejection.
func (r *AdmissionRecorder) RecordRejected(model string) {
	duration := time.Since(r.startTime).Seconds()
	r.metrics.AdmissionsTotal.WithLabelValues(model, r.jobType, "rejected").Inc()
	r.metrics.AdmissionDuration.WithLabelValues(model, r.jobType).Observe(duration)
}

// RecordDelegated logs one cooperative delegation hop.
func (m *Metrics) RecordDelegated(fromModel, toModel, jobType string) {
	m.AdmissionsTotal.WithLabelValues(fromModel, jobType, "delegated").Inc()
	m.DelegationsTotal.WithLabelValues(fromModel, toModel, jobType).Inc()
}

// RecordEscalationRetry logs one triedModels-clearing retry pass.
func (m *Metrics) RecordEscalationRetry(jobType string) {
	m.EscalationRetries.WithLabelValues(jobType).Inc()
}

// RecordRefund logs one refund applied to a counter.
func (m *Metrics) RecordRefund(model, dimension string) {
	m.RefundsTotal.WithLabelValues(model, dimension).Inc()
}

// UpdateJobTypeOccupancy sets the ratio and reserved-slot gauges for a job
// type.
func (m *Metrics) UpdateJobTypeOccupancy(jobType string, ratio float64, reserved int64) {
	m.JobTypeRatio.WithLabelValues(jobType).Set(ratio)
	m.JobTypeReserved.WithLabelValues(jobType).Set(float64(reserved))
}

// RecordRatioAdjustment logs an automatic ratio shift.
func (m *Metrics) RecordRatioAdjustment(jobType string, delta float64) {
	direction := "up"
	if delta < 0 {
		direction = "down"
	}
	m.RatioAdjustments.WithLabelValues(jobType, direction).Inc()
}

// UpdateMemory sets the memory arbiter gauges.
func (m *Metrics) UpdateMemory(budgetKB, reservedKB int64) {
	m.MemoryBudgetKB.Set(float64(budgetKB))
	m.MemoryReservedKB.Set(float64(reservedKB))
}

// RecordCoordinatorAcquire logs one Acquire call outcome.
func (m *Metrics) RecordCoordinatorAcquire(model, result string) {
	m.CoordinatorAcquireTotal.WithLabelValues(model, result).Inc()
}

// RecordCoordinatorReleaseError logs a failed Release call.
func (m *Metrics) RecordCoordinatorReleaseError() {
	m.CoordinatorReleaseErrors.Inc()
}

// RecordAllocationPush logs one applied allocation push and updates the
// instance count gauge.
func (m *Metrics) RecordAllocationPush(instanceCount int) {
	m.AllocationPushesTotal.Inc()
	m.InstanceCount.Set(float64(instanceCount))
}

// RecordHeartbeatFailure logs a failed heartbeat call.
func (m *Metrics) RecordHeartbeatFailure() {
	m.HeartbeatFailures.Inc()
}

// UpdateAvailability sets the available-slots gauge for model from one
// AvailabilityChange; the change's other dimensions are not recorded here.
func (m *Metrics) UpdateAvailability(model string, slots int64) {
	m.AvailableSlots.WithLabelValues(model).Set(float64(slots))
}

// UpdateCounterRemaining sets one model/dimension counter gauge.
func (m *Metrics) UpdateCounterRemaining(model, dimension string, remaining int64) {
	m.CounterRemaining.WithLabelValues(model, dimension).Set(float64(remaining))
}

// UpdateConcurrency sets the in-use and waiting gauges for one model.
func (m *Metrics) UpdateConcurrency(model string, inUse int64, waiting int) {
	m.ConcurrencyInUse.WithLabelValues(model).Set(float64(inUse))
	m.ConcurrencyWaiting.WithLabelValues(model).Set(float64(waiting))
}

// Init wires up a Metrics instance for the configured telemetry settings.
func Init(enabled bool) (*Metrics, func(), error) {
	if !enabled {
		return NewMetrics(prometheus.NewRegistry()), func() {}, nil
	}
	return NewMetrics(nil), func() {}, nil
}
