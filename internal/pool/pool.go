// Package pool routes council calls to provider adapters and owns the
// policy around every call: per-attempt timeouts, retry with exponential
// backoff, circuit short-circuiting, and health accounting.
//
// Exactly one health tracker update happens per SendRequest, no matter how
// many attempts were made. Timeouts fire per attempt, not per call.
package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/health"
	"github.com/councilproxy/councilproxy/internal/llm"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Metrics receives one observation per completed SendRequest.
type Metrics interface {
	ProviderCall(memberID string, success bool, latencyMs int64, attempts int)
}

// Pool is the single entry point for all provider traffic.
type Pool struct {
	registry *llm.Registry
	tracker  *health.Tracker
	log      *logrus.Logger
	metrics  Metrics
}

func NewPool(registry *llm.Registry, tracker *health.Tracker, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		registry: registry,
		tracker:  tracker,
		log:      log,
	}
}

// WithMetrics attaches a metrics receiver. Must be called before the pool is
// shared across goroutines.
func (p *Pool) WithMetrics(m Metrics) *Pool {
	p.metrics = m
	return p
}

// SendRequest resolves the member's adapter, checks the circuit, then runs
// up to RetryPolicy.MaxAttempts attempts with backoff between retryable
// failures. The health tracker sees one logical outcome per call.
func (p *Pool) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error) {
	adapter, ok := p.registry.Get(member.Provider)
	if !ok {
		return nil, models.NewProviderError(models.ErrProviderNotConfigured, member.Provider, "provider not configured")
	}

	if disabled, reason := p.tracker.IsDisabled(member.ID); disabled {
		return nil, models.NewProviderError(models.ErrProviderDisabled, member.ID,
			fmt.Sprintf("provider %s is disabled: %s", member.ID, reason))
	}

	policy := member.RetryPolicy
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var lastErr error
	made := 0
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := p.attempt(ctx, adapter, member, prompt, promptContext)
		made++
		if err == nil {
			p.tracker.RecordSuccess(member.ID, resp.LatencyMs)
			p.observe(member.ID, true, resp.LatencyMs, made)
			return resp, nil
		}
		lastErr = err

		kind := models.KindOf(err)
		p.log.WithFields(logrus.Fields{
			"member":  member.ID,
			"attempt": attempt + 1,
			"kind":    kind,
		}).Debug("Provider attempt failed")

		if !policy.IsRetryable(kind) {
			break
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleepBackoff(ctx, policy, attempt); err != nil {
			break
		}
	}

	wallclock := time.Since(start).Milliseconds()
	p.tracker.RecordFailure(member.ID, wallclock)
	p.observe(member.ID, false, wallclock, made)
	return nil, lastErr
}

// ProbeAll runs every registered adapter's availability probe. Results are
// keyed by provider tag.
func (p *Pool) ProbeAll(ctx context.Context) map[string]*models.ProbeResult {
	out := make(map[string]*models.ProbeResult)
	for _, name := range p.registry.Names() {
		adapter, ok := p.registry.Get(name)
		if !ok {
			continue
		}
		probe, err := adapter.Health(ctx)
		if err != nil {
			probe = &models.ProbeResult{Available: false}
		}
		out[name] = probe
	}
	return out
}

// attempt runs one adapter call bounded by the member's per-attempt timeout.
// The first of {adapter return, deadline} wins; on expiry the in-flight call
// is cancelled through the attempt context and any late result is discarded.
func (p *Pool) attempt(ctx context.Context, adapter llm.ProviderAdapter, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, member.Timeout())
	defer cancel()

	type result struct {
		resp *models.ProviderResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := adapter.SendRequest(attemptCtx, member, prompt, promptContext)
		resCh <- result{resp: resp, err: err}
	}()

	select {
	case r := <-resCh:
		return r.resp, r.err
	case <-attemptCtx.Done():
		return nil, models.NewProviderError(models.ErrTimeout, member.ID,
			fmt.Sprintf("attempt exceeded %v", member.Timeout()))
	}
}

func (p *Pool) observe(memberID string, success bool, latencyMs int64, attempts int) {
	if p.metrics != nil {
		p.metrics.ProviderCall(memberID, success, latencyMs, attempts)
	}
}

// sleepBackoff waits min(initialDelay * multiplier^attempt, maxDelay),
// returning early if the context expires.
func sleepBackoff(ctx context.Context, policy models.RetryPolicy, attempt int) error {
	delay := backoffDelay(policy, attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delayMs := float64(policy.InitialDelayMs) * math.Pow(multiplier, float64(attempt))
	if maxMs := float64(policy.MaxDelayMs); delayMs > maxMs {
		delayMs = maxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}
