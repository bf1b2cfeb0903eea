package balancer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chao243/sharpserver/registry"
)

// Defaults for the decayed-health circuit breaker, per spec.
const (
	DefaultEvaluationWindow    = 60 * time.Second
	DefaultMinimumSampleSize   = 5
	DefaultFailureThreshold    = 0.5
	DefaultOpenCircuitDuration = 30 * time.Second
)

// healthRecord tracks exponentially-decayed success/failure counts for one
// service id, guarded by its own lock per the concurrency model (mutex-
// guarded per instance; decay/record/read all happen under the lock).
type healthRecord struct {
	mu               sync.Mutex
	successes        float64
	failures         float64
	lastSample       time.Time
	circuitOpenUntil time.Time
}

func (h *healthRecord) decayLocked(window time.Duration, now time.Time) {
	if h.lastSample.IsZero() {
		h.lastSample = now
		return
	}
	dt := now.Sub(h.lastSample)
	if dt <= 0 {
		return
	}
	factor := math.Exp(-dt.Seconds() / window.Seconds())
	h.successes *= factor
	h.failures *= factor
	h.lastSample = now
}

func (h *healthRecord) recordSuccess(window time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decayLocked(window, now)
	h.successes++
	h.circuitOpenUntil = time.Time{}
}

func (h *healthRecord) recordFailure(window time.Duration, minSamples int, threshold float64, openDuration time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decayLocked(window, now)
	h.failures++
	total := h.successes + h.failures
	if total >= float64(minSamples) && h.failures/total > threshold {
		h.circuitOpenUntil = now.Add(openDuration)
	}
}

func (h *healthRecord) isHealthy(minSamples int, threshold float64, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Before(h.circuitOpenUntil) {
		return false
	}
	total := h.successes + h.failures
	if total >= float64(minSamples) && h.failures/total > threshold {
		return false
	}
	return true
}

// RoundRobin rotates over Up-and-Healthy instances, falling back to all
// Up instances if none are currently healthy (fail-open). The rotation
// counter is per service name so distinct fleets rotate independently;
// health state is per service id and shared across every service name
// that happens to reuse an id (which in practice never occurs, since ids
// are globally unique per spec.md).
type RoundRobin struct {
	EvaluationWindow    time.Duration
	MinimumSampleSize   int
	FailureThreshold    float64
	OpenCircuitDuration time.Duration

	countersMu sync.Mutex
	counters   map[string]*uint64

	healthMu sync.Mutex
	health   map[string]*healthRecord
}

// NewRoundRobin constructs a RoundRobin balancer with spec defaults.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		EvaluationWindow:    DefaultEvaluationWindow,
		MinimumSampleSize:   DefaultMinimumSampleSize,
		FailureThreshold:    DefaultFailureThreshold,
		OpenCircuitDuration: DefaultOpenCircuitDuration,
		counters:            make(map[string]*uint64),
		health:              make(map[string]*healthRecord),
	}
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) counterFor(serviceName string) *uint64 {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()
	c, ok := r.counters[serviceName]
	if !ok {
		var zero uint64
		c = &zero
		r.counters[serviceName] = c
	}
	return c
}

func (r *RoundRobin) healthFor(serviceID string) *healthRecord {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	h, ok := r.health[serviceID]
	if !ok {
		h = &healthRecord{}
		r.health[serviceID] = h
	}
	return h
}

func (r *RoundRobin) Select(serviceName string, instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	up := upInstances(instances)
	if len(up) == 0 {
		return nil, ErrNoAvailableInstance
	}

	now := time.Now()
	candidates := make([]registry.ServiceInstance, 0, len(up))
	for _, inst := range up {
		if r.healthFor(inst.ServiceID).isHealthy(r.MinimumSampleSize, r.FailureThreshold, now) {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		candidates = up // fail-open: no healthy instances, try anyway
	}

	counter := r.counterFor(serviceName)
	idx := atomic.AddUint64(counter, 1) - 1
	picked := candidates[idx%uint64(len(candidates))]
	return &picked, nil
}

func (r *RoundRobin) RecordSuccess(serviceID string) {
	r.healthFor(serviceID).recordSuccess(r.EvaluationWindow, time.Now())
}

func (r *RoundRobin) RecordFailure(serviceID string, _ error) {
	r.healthFor(serviceID).recordFailure(r.EvaluationWindow, r.MinimumSampleSize, r.FailureThreshold, r.OpenCircuitDuration, time.Now())
}
