package limiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"ratelimiter/internal/telemetry"
)

// Automatic ratio-adjustment loop constants: check job-type pressure every
// ObservationWindow, nudge a pressured flexible type's ratio by
// RatioStepSize, and require RatioHysteresis consecutive pressured windows
// before acting so one noisy spike doesn't move capacity.
const (
	ObservationWindow = 30 * time.Second
	RatioStepSize      = 0.05
	RatioHysteresis    = 2
)

// caser folds job type names to a canonical case so config typos like
// "Interactive" and "interactive" address the same pool, the same
// normalization the teacher applies to tenant slugs.
var caser = cases.Fold()

func foldJobType(name string) string {
	return caser.String(name)
}

// jobTypeState is one job type's share of the shared slot pool.
type jobTypeState struct {
	name        string
	ratio       float64
	flexible    bool
	minRatio    float64
	maxRatio    float64
	minCapacity int64 // minJobTypeCapacity: floor even when ratio*total rounds to 0
	reserved    int64 // slots currently held by in-flight jobs of this type
	recentWaits int   // consecutive observation windows this type was starved
	pressured   bool  // a reservation attempt failed since the last observation tick
}

// JobTypeManager partitions a shared pool of "slots" (an abstract unit the
// caller defines, typically concurrent jobs) across named job types by
// ratio. Every type gets max(minJobTypeCapacity, floor(ratio*total)).
// Flexible types share what is left over in proportion to their own
// ratios: each SetRatio or applied AdjustRatios renormalizes the flexible
// group to the remaining share. Initial ratios are used as given.
type JobTypeManager struct {
	mu         sync.Mutex
	totalSlots int64
	types      map[string]*jobTypeState
	notifyMu   sync.Mutex
	notifyCh   chan struct{}
	metrics    *telemetry.Metrics
}

// SetMetrics attaches a telemetry.Metrics instance, recording occupancy and
// automatic ratio adjustments as they occur. Safe to call once before the
// manager serves any reservation.
func (m *JobTypeManager) SetMetrics(metrics *telemetry.Metrics) {
	m.metrics = metrics
}

// JobTypeSpec is the declared configuration for one job type.
type JobTypeSpec struct {
	Name               string
	InitialRatio       float64
	Flexible           bool
	MinRatio           float64
	MaxRatio           float64
	MinJobTypeCapacity int64
}

// NewJobTypeManager builds a manager for the given total slot pool and job
// type specs.
func NewJobTypeManager(totalSlots int64, specs []JobTypeSpec) *JobTypeManager {
	m := &JobTypeManager{
		totalSlots: totalSlots,
		types:      make(map[string]*jobTypeState, len(specs)),
		notifyCh:   make(chan struct{}),
	}
	for _, s := range specs {
		m.types[foldJobType(s.Name)] = &jobTypeState{
			name:        s.Name,
			ratio:       s.InitialRatio,
			flexible:    s.Flexible,
			minRatio:    s.MinRatio,
			maxRatio:    s.MaxRatio,
			minCapacity: s.MinJobTypeCapacity,
		}
	}
	return m
}

func (m *JobTypeManager) notify() {
	m.notifyMu.Lock()
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
	m.notifyMu.Unlock()
}

// WaitChan returns the channel to select on for the next ratio or
// occupancy change.
func (m *JobTypeManager) WaitChan() <-chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	return m.notifyCh
}

// capacityForLocked computes the current slot ceiling for one job type:
// max(minJobTypeCapacity, floor(totalSlots*ratio)). Must be called with
// m.mu held.
func (m *JobTypeManager) capacityForLocked(t *jobTypeState) int64 {
	cap := int64(float64(m.totalSlots) * t.ratio)
	if cap < t.minCapacity {
		cap = t.minCapacity
	}
	return cap
}

// TryReserveSlot attempts a non-blocking reservation of one slot for the
// named job type. It fails if the type is unknown or its share is full.
func (m *JobTypeManager) TryReserveSlot(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.types[foldJobType(jobType)]
	if !ok {
		return false
	}
	if t.reserved >= m.capacityForLocked(t) {
		t.pressured = true
		return false
	}
	t.reserved++
	return true
}

// WaitForSlot blocks until a slot for jobType is available or ctx is
// cancelled, polling on structural-change notifications rather than a
// fixed interval.
func (m *JobTypeManager) WaitForSlot(ctx context.Context, jobType string) error {
	for {
		if m.TryReserveSlot(jobType) {
			return nil
		}
		ch := m.WaitChan()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			// safety-net: a missed notify should not wedge a waiter forever
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReleaseSlot returns one reserved slot to jobType and wakes waiters.
func (m *JobTypeManager) ReleaseSlot(jobType string) {
	m.mu.Lock()
	t, ok := m.types[foldJobType(jobType)]
	if ok && t.reserved > 0 {
		t.reserved--
	}
	m.mu.Unlock()
	m.notify()
}

// SetTotalSlots changes the shared pool size, which changes every job
// type's computed capacity without touching individual ratios.
func (m *JobTypeManager) SetTotalSlots(total int64) {
	m.mu.Lock()
	m.totalSlots = total
	m.mu.Unlock()
	m.notify()
}

// SetRatio overrides one job type's ratio directly (used by config reload
// or an external control plane push). Flexible types are renormalized
// afterward so the group sums to 1 minus the fixed share.
func (m *JobTypeManager) SetRatio(jobType string, ratio float64) {
	m.mu.Lock()
	if t, ok := m.types[foldJobType(jobType)]; ok {
		t.ratio = clampRatio(t, ratio)
	}
	m.renormalizeFlexibleLocked()
	m.recordOccupancyLocked()
	m.mu.Unlock()
	m.notify()
}

// recordOccupancyLocked pushes every job type's current ratio and reserved
// count to the occupancy gauges. Must be called with m.mu held.
func (m *JobTypeManager) recordOccupancyLocked() {
	if m.metrics == nil {
		return
	}
	for _, t := range m.types {
		m.metrics.UpdateJobTypeOccupancy(t.name, t.ratio, t.reserved)
	}
}

func clampRatio(t *jobTypeState, ratio float64) float64 {
	if t.maxRatio > 0 && ratio > t.maxRatio {
		ratio = t.maxRatio
	}
	if ratio < t.minRatio {
		ratio = t.minRatio
	}
	return ratio
}

// renormalizeFlexibleLocked rescales every flexible type's ratio so the
// flexible group sums to exactly (1 - fixed share), preserving each
// flexible type's relative proportion. Must be called with m.mu held.
func (m *JobTypeManager) renormalizeFlexibleLocked() {
	var fixedSum, flexSum float64
	var flexible []*jobTypeState
	for _, t := range m.types {
		if t.flexible {
			flexSum += t.ratio
			flexible = append(flexible, t)
		} else {
			fixedSum += t.ratio
		}
	}
	if flexSum <= 0 || len(flexible) == 0 {
		return
	}
	remaining := 1 - fixedSum
	if remaining < 0 {
		remaining = 0
	}
	for _, t := range flexible {
		t.ratio = clampRatio(t, remaining*(t.ratio/flexSum))
	}
}

// AdjustRatios nudges flexible job types' ratios by step (positive or
// negative) based on which types have been starved for consecutive
// observation windows, per an outer ratio-adjustment loop's hysteresis
// policy. starved lists job type names observed waiting this round.
func (m *JobTypeManager) AdjustRatios(starved []string, step float64, hysteresis int) {
	m.mu.Lock()
	starvedSet := make(map[string]bool, len(starved))
	for _, n := range starved {
		starvedSet[foldJobType(n)] = true
	}

	names := make([]string, 0, len(m.types))
	for n := range m.types {
		names = append(names, n)
	}
	sort.Strings(names)

	changed := false
	for _, n := range names {
		t := m.types[n]
		if !t.flexible {
			continue
		}
		if starvedSet[n] {
			t.recentWaits++
		} else {
			t.recentWaits = 0
		}
		if t.recentWaits >= hysteresis {
			t.ratio = clampRatio(t, t.ratio+step)
			t.recentWaits = 0
			changed = true
			if m.metrics != nil {
				m.metrics.RecordRatioAdjustment(t.name, step)
			}
		}
	}
	if changed {
		m.renormalizeFlexibleLocked()
	}
	m.recordOccupancyLocked()
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

// tickObservationLocked collects every job type pressured since the last
// tick and clears the flag. Must be called with m.mu held.
func (m *JobTypeManager) tickObservationLocked() []string {
	var starved []string
	for n, t := range m.types {
		if t.pressured {
			starved = append(starved, n)
			t.pressured = false
		}
	}
	return starved
}

// RunAutoAdjust drives the automatic ratio-adjustment loop: every
// ObservationWindow it collects the job types that failed a reservation
// attempt since the last tick and feeds them to AdjustRatios with the
// documented step size and hysteresis. Returns when ctx is cancelled.
func (m *JobTypeManager) RunAutoAdjust(ctx context.Context) {
	ticker := time.NewTicker(ObservationWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			starved := m.tickObservationLocked()
			m.mu.Unlock()
			m.AdjustRatios(starved, RatioStepSize, RatioHysteresis)
		case <-ctx.Done():
			return
		}
	}
}

// MinCapacity returns jobType's configured minimum slot floor, used by the
// distributed availability formula's per-model clamp. Unknown job types
// report 0.
func (m *JobTypeManager) MinCapacity(jobType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.types[foldJobType(jobType)]; ok {
		return t.minCapacity
	}
	return 0
}

// Snapshot returns each job type's current ratio and occupancy, keyed by
// folded job type name.
func (m *JobTypeManager) Snapshot() map[string]JobTypeOccupancy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]JobTypeOccupancy, len(m.types))
	for n, t := range m.types {
		out[n] = JobTypeOccupancy{
			Ratio:    t.ratio,
			Capacity: m.capacityForLocked(t),
			Reserved: t.reserved,
		}
	}
	return out
}

// JobTypeOccupancy is a point-in-time view of one job type's share.
type JobTypeOccupancy struct {
	Ratio    float64
	Capacity int64
	Reserved int64
}
