// Package health implements the process-wide provider health tracker: a
// sliding window of call outcomes per provider plus the circuit-breaker
// state machine that disables providers after repeated failures.
//
// The tracker is shared between the provider pool (which records every call
// outcome) and the orchestration engine (which consults it before fan-outs
// and exposes manual enable/disable). Contention is confined to one provider
// row at a time.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// Config holds the tracker thresholds. All values are configurable; the
// defaults match the documented circuit-breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures after which a
	// provider is disabled.
	FailureThreshold int
	// DegradedLatencyMs marks a provider degraded when its rolling average
	// latency exceeds this value.
	DegradedLatencyMs float64
	// WindowSize bounds the per-provider outcome ring buffer.
	WindowSize int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		DegradedLatencyMs: 10000,
		WindowSize:        100,
	}
}

// Outcome is one recorded call result.
type Outcome struct {
	Success   bool
	LatencyMs int64
	Timestamp time.Time
}

// StatusListener is notified after a provider's status changes. Listeners
// run synchronously outside the row lock and must not block.
type StatusListener func(providerID string, from, to models.HealthStatus)

type row struct {
	mu                  sync.Mutex
	outcomes            []Outcome
	next                int
	filled              int
	consecutiveFailures int
	status              models.HealthStatus
	disabledReason      string
	lastFailure         *time.Time
}

// Tracker is the shared health state, one row per provider id.
type Tracker struct {
	mu        sync.RWMutex
	rows      map[string]*row
	cfg       Config
	log       *logrus.Logger
	listeners []StatusListener
}

func NewTracker(cfg Config, log *logrus.Logger) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.DegradedLatencyMs <= 0 {
		cfg.DegradedLatencyMs = DefaultConfig().DegradedLatencyMs
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{
		rows: make(map[string]*row),
		cfg:  cfg,
		log:  log,
	}
}

// OnStatusChange registers a listener for status transitions. Must be called
// before the tracker is shared across goroutines.
func (t *Tracker) OnStatusChange(fn StatusListener) {
	t.listeners = append(t.listeners, fn)
}

// RecordSuccess records one successful call. It resets the consecutive
// failure counter and can recover a degraded provider back to healthy once
// the rolling latency is acceptable again.
func (t *Tracker) RecordSuccess(providerID string, latencyMs int64) {
	r := t.row(providerID)
	r.mu.Lock()
	r.push(Outcome{Success: true, LatencyMs: latencyMs, Timestamp: time.Now()})
	r.consecutiveFailures = 0

	from := r.status
	to := from
	if from != models.HealthDisabled {
		if r.avgLatency() > t.cfg.DegradedLatencyMs {
			to = models.HealthDegraded
		} else {
			to = models.HealthHealthy
		}
		r.status = to
	}
	r.mu.Unlock()

	t.notify(providerID, from, to)
}

// RecordFailure records one failed call. At FailureThreshold consecutive
// failures the provider is disabled and stays disabled until Enable.
func (t *Tracker) RecordFailure(providerID string, latencyMs int64) {
	r := t.row(providerID)
	r.mu.Lock()
	now := time.Now()
	r.push(Outcome{Success: false, LatencyMs: latencyMs, Timestamp: now})
	r.lastFailure = &now
	r.consecutiveFailures++

	from := r.status
	to := from
	if from != models.HealthDisabled {
		if r.consecutiveFailures >= t.cfg.FailureThreshold {
			to = models.HealthDisabled
			r.disabledReason = fmt.Sprintf("%d consecutive failures", r.consecutiveFailures)
		} else {
			to = models.HealthDegraded
		}
		r.status = to
	}
	failures := r.consecutiveFailures
	r.mu.Unlock()

	if to == models.HealthDisabled && from != models.HealthDisabled {
		t.log.WithFields(logrus.Fields{
			"provider": providerID,
			"failures": failures,
		}).Warn("Provider disabled after consecutive failures")
	}
	t.notify(providerID, from, to)
}

// Enable resets the failure counter and forces the provider healthy.
func (t *Tracker) Enable(providerID string) {
	r := t.row(providerID)
	r.mu.Lock()
	from := r.status
	r.status = models.HealthHealthy
	r.consecutiveFailures = 0
	r.disabledReason = ""
	r.mu.Unlock()

	t.log.WithField("provider", providerID).Info("Provider manually enabled")
	t.notify(providerID, from, models.HealthHealthy)
}

// Disable forces the provider into the disabled state with a reason.
func (t *Tracker) Disable(providerID, reason string) {
	r := t.row(providerID)
	r.mu.Lock()
	from := r.status
	r.status = models.HealthDisabled
	r.disabledReason = reason
	r.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"provider": providerID,
		"reason":   reason,
	}).Warn("Provider manually disabled")
	t.notify(providerID, from, models.HealthDisabled)
}

// IsDisabled reports whether the provider is disabled, with the reason.
func (t *Tracker) IsDisabled(providerID string) (bool, string) {
	r := t.row(providerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == models.HealthDisabled, r.disabledReason
}

// Get returns the current health snapshot for one provider.
func (t *Tracker) Get(providerID string) models.ProviderHealth {
	r := t.row(providerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(providerID)
}

// All returns health snapshots for every known provider, sorted by id.
func (t *Tracker) All() []models.ProviderHealth {
	t.mu.RLock()
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]models.ProviderHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Get(id))
	}
	return out
}

// SuccessRate returns the windowed success rate. Providers with no recorded
// outcomes report 1.0 so that fresh members are eligible for selection.
func (t *Tracker) SuccessRate(providerID string) float64 {
	r := t.row(providerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successRate()
}

func (t *Tracker) row(providerID string) *row {
	t.mu.RLock()
	r, ok := t.rows[providerID]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok = t.rows[providerID]; ok {
		return r
	}
	r = &row{
		outcomes: make([]Outcome, t.cfg.WindowSize),
		status:   models.HealthHealthy,
	}
	t.rows[providerID] = r
	return r
}

func (t *Tracker) notify(providerID string, from, to models.HealthStatus) {
	if from == to {
		return
	}
	for _, fn := range t.listeners {
		fn(providerID, from, to)
	}
}

func (r *row) push(o Outcome) {
	r.outcomes[r.next] = o
	r.next = (r.next + 1) % len(r.outcomes)
	if r.filled < len(r.outcomes) {
		r.filled++
	}
}

func (r *row) successRate() float64 {
	if r.filled == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < r.filled; i++ {
		if r.outcomes[i].Success {
			successes++
		}
	}
	return float64(successes) / float64(r.filled)
}

func (r *row) avgLatency() float64 {
	if r.filled == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < r.filled; i++ {
		sum += r.outcomes[i].LatencyMs
	}
	return float64(sum) / float64(r.filled)
}

func (r *row) snapshot(providerID string) models.ProviderHealth {
	return models.ProviderHealth{
		ProviderID:          providerID,
		Status:              r.status,
		SuccessRate:         r.successRate(),
		AvgLatencyMs:        r.avgLatency(),
		ConsecutiveFailures: r.consecutiveFailures,
		WindowSize:          r.filled,
		DisabledReason:      r.disabledReason,
		LastFailure:         r.lastFailure,
	}
}
