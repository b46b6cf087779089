package limiter

import (
	"sync"

	"ratelimiter/internal/telemetry"
)

// CountersSet holds the four TimeWindowCounters for one ModelLimiter. Any
// of them may be nil, meaning that ceiling is absent ("no limit of that
// kind"). mu serializes admissions across all four so a reserve is
// linearizable with respect to concurrent admissions on the same model:
// no two parallel reserves can both observe capacity for k events when
// only k remain.
type CountersSet struct {
	mu      sync.Mutex
	modelID string
	metrics *telemetry.Metrics
	RPM     *TimeWindowCounter
	RPD     *TimeWindowCounter
	TPM     *TimeWindowCounter
	TPD     *TimeWindowCounter
}

// SetMetrics attaches a telemetry.Metrics instance, recording each refund
// as it is applied. Safe to call once before the set serves any release.
func (cs *CountersSet) SetMetrics(modelID string, metrics *telemetry.Metrics) {
	cs.modelID = modelID
	cs.metrics = metrics
}

// TryReserveAtomic checks every present counter for capacity and, only if
// all pass, reserves against all of them inside one critical section. It
// fails closed: if any check fails, no counter is mutated.
func (cs *CountersSet) TryReserveAtomic(est Estimate) (*Reservation, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.RPM != nil && !cs.RPM.HasCapacityFor(est.Requests) {
		return nil, false
	}
	if cs.RPD != nil && !cs.RPD.HasCapacityFor(est.Requests) {
		return nil, false
	}
	if cs.TPM != nil && !cs.TPM.HasCapacityFor(est.Tokens) {
		return nil, false
	}
	if cs.TPD != nil && !cs.TPD.HasCapacityFor(est.Tokens) {
		return nil, false
	}

	r := &Reservation{}
	if cs.RPM != nil {
		ws := cs.RPM.ReserveWindow(est.Requests)
		r.RPMWindowStart = &ws
	}
	if cs.RPD != nil {
		ws := cs.RPD.ReserveWindow(est.Requests)
		r.RPDWindowStart = &ws
	}
	if cs.TPM != nil {
		ws := cs.TPM.ReserveWindow(est.Tokens)
		r.TPMWindowStart = &ws
	}
	if cs.TPD != nil {
		ws := cs.TPD.ReserveWindow(est.Tokens)
		r.TPDWindowStart = &ws
	}
	return r, true
}

// ReleaseWithWindow refunds the difference between estimated and actual
// usage on every present counter whose window equals the one captured in
// reservation. A negative delta (actual exceeded estimate) is clamped to
// zero refund rather than driving the counter further up — the over-usage
// simply was not reserved for and is absorbed by the next admission's
// check.
func (cs *CountersSet) ReleaseWithWindow(estimate, actual Estimate, reservation *Reservation) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.RPM != nil && reservation.RPMWindowStart != nil {
		cs.refund(cs.RPM, "rpm", estimate.Requests, actual.Requests, *reservation.RPMWindowStart)
	}
	if cs.RPD != nil && reservation.RPDWindowStart != nil {
		cs.refund(cs.RPD, "rpd", estimate.Requests, actual.Requests, *reservation.RPDWindowStart)
	}
	if cs.TPM != nil && reservation.TPMWindowStart != nil {
		cs.refund(cs.TPM, "tpm", estimate.Tokens, actual.Tokens, *reservation.TPMWindowStart)
	}
	if cs.TPD != nil && reservation.TPDWindowStart != nil {
		cs.refund(cs.TPD, "tpd", estimate.Tokens, actual.Tokens, *reservation.TPDWindowStart)
	}
}

func (cs *CountersSet) refund(c *TimeWindowCounter, dimension string, estimated, actualVal, windowStart int64) {
	delta := estimated - actualVal
	if delta <= 0 {
		return
	}
	if !c.SubtractIfSameWindow(delta, windowStart) {
		return
	}
	if cs.metrics != nil {
		cs.metrics.RecordRefund(cs.modelID, dimension)
	}
}

// GetStats snapshots every present counter.
func (cs *CountersSet) GetStats() (rpm, rpd, tpm, tpd *CounterStats) {
	if cs.RPM != nil {
		s := cs.RPM.GetStats()
		rpm = &s
	}
	if cs.RPD != nil {
		s := cs.RPD.GetStats()
		rpd = &s
	}
	if cs.TPM != nil {
		s := cs.TPM.GetStats()
		tpm = &s
	}
	if cs.TPD != nil {
		s := cs.TPD.GetStats()
		tpd = &s
	}
	return
}
