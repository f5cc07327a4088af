// Package orchestrator drives the full request lifecycle: configuration
// snapshot, parallel round-0 fan-out, optional deliberation rounds, synthesis
// and metric accounting. It is the only package that sequences the others.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
	"github.com/councilproxy/councilproxy/internal/observability"
)

const defaultSessionTokenBudget = 2048

// ConfigSource supplies live configuration. The engine reads it exactly once
// per request and works off the snapshot from then on.
type ConfigSource interface {
	CouncilConfig() models.CouncilConfig
	DeliberationConfig() models.DeliberationConfig
	SynthesisConfig() models.SynthesisConfig
	PerformanceConfig() models.PerformanceConfig
}

// Caller issues one provider call with retries and health accounting.
type Caller interface {
	SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error)
}

// HealthTracker is the shared circuit state consulted before dispatching work
// to a member and exposed through the engine's operator surface.
type HealthTracker interface {
	IsDisabled(providerID string) (bool, string)
	Enable(providerID string)
	Disable(providerID, reason string)
	All() []models.ProviderHealth
}

// Synthesizer turns the collected responses into one decision.
type Synthesizer interface {
	Synthesize(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error)
}

// SessionProvider supplies conversation context for a session, trimmed to
// the given token budget, and records completed exchanges. The engine treats
// the context text as opaque.
type SessionProvider interface {
	ContextFor(ctx context.Context, sessionID string, tokenBudget int) (string, error)
	RecordExchange(ctx context.Context, sessionID, query, answer string) error
}

// Engine coordinates one request end to end.
type Engine struct {
	config        ConfigSource
	pool          Caller
	health        HealthTracker
	synth         Synthesizer
	sessions      SessionProvider
	events        events.Sink
	tracer        *observability.Tracer
	log           *logrus.Logger
	sessionBudget int
}

func NewEngine(config ConfigSource, pool Caller, health HealthTracker, synth Synthesizer, sink events.Sink, log *logrus.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		config:        config,
		pool:          pool,
		health:        health,
		synth:         synth,
		events:        sink,
		tracer:        observability.NewTracer(),
		log:           log,
		sessionBudget: defaultSessionTokenBudget,
	}
}

// WithSessions attaches a session context provider.
func (e *Engine) WithSessions(sessions SessionProvider) *Engine {
	e.sessions = sessions
	return e
}

// WithSessionTokenBudget overrides the token budget requested per session
// context lookup.
func (e *Engine) WithSessionTokenBudget(budget int) *Engine {
	if budget > 0 {
		e.sessionBudget = budget
	}
	return e
}

// ProviderHealth reports the health snapshot for every known provider.
func (e *Engine) ProviderHealth() []models.ProviderHealth {
	return e.health.All()
}

// EnableProvider closes the circuit for a provider and readmits it.
func (e *Engine) EnableProvider(id string) {
	e.health.Enable(id)
}

// DisableProvider opens the circuit for a provider until explicitly
// re-enabled. In-flight calls against the provider are not cancelled.
func (e *Engine) DisableProvider(id, reason string) {
	e.health.Disable(id, reason)
}

// ProcessRequest runs the whole lifecycle for one request. Member-level
// failures never fail the request on their own; only the minimum-size gate,
// a zero-response council, the global deadline or a synthesis error do.
func (e *Engine) ProcessRequest(ctx context.Context, req models.UserRequest) (result *models.ProcessResult, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	ctx, span := e.tracer.StartRequest(ctx, req)
	defer func() {
		if result != nil {
			observability.RecordDecision(span, result.Decision)
			observability.RecordUsage(span, result.Metrics.TotalTokens)
		}
		observability.EndSpan(span, err)
	}()
	e.events.LogRequest(req)

	snap := e.snapshot()
	if len(snap.Council.Members) == 0 {
		return nil, models.NewError(models.ErrInvalidRequest, "no council members configured")
	}

	gctx := ctx
	if d := snap.Performance.GlobalTimeout(); d > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	req.Context = e.promptContext(gctx, req)
	metrics := models.NewRequestMetrics(req.ID)

	responses := e.fanOutInitial(gctx, req, snap.Council.Members, metrics)
	defer e.finish(req.ID, metrics)

	if len(responses) == 0 && gctx.Err() != nil {
		return nil, models.WrapError(models.ErrGlobalDeadlineExceeded, "global deadline exceeded during initial fan-out", gctx.Err())
	}
	if snap.Council.RequireMinimumForConsensus && len(responses) < snap.Council.MinimumSize {
		return nil, models.NewError(models.ErrInsufficientMembers,
			fmt.Sprintf("minimum council size not met: %d of %d members responded, need %d",
				len(responses), len(snap.Council.Members), snap.Council.MinimumSize))
	}
	if len(responses) == 0 {
		return nil, models.NewError(models.ErrInsufficientMembers, "no council members responded")
	}

	input := &models.SynthesisInput{
		Request:   req,
		Members:   sortedMembers(snap.Council.Members),
		Responses: responses,
		Metrics:   metrics,
	}

	if snap.Synthesis.Strategy != models.StrategyIterativeConsensus && snap.Deliberation.Rounds > 0 {
		thread := e.deliberate(gctx, req, responses, snap, metrics)
		input.Thread = thread
		input.Responses = latestResponses(responses, thread)
	}

	if err := gctx.Err(); err != nil {
		return nil, models.WrapError(models.ErrGlobalDeadlineExceeded, "global deadline exceeded before synthesis", err)
	}

	sctx, sspan := e.tracer.StartStage(gctx, "council.synthesis")
	decision, err := e.synth.Synthesize(sctx, input, snap.Synthesis)
	observability.EndSpan(sspan, err)
	if err != nil {
		if gctx.Err() != nil {
			return nil, models.WrapError(models.ErrGlobalDeadlineExceeded, "global deadline exceeded during synthesis", err)
		}
		return nil, err
	}

	degraded := len(responses) < len(snap.Council.Members)
	if degraded && decision.Confidence == models.ConfidenceHigh {
		decision.Confidence = models.ConfidenceMedium
	}

	e.events.LogConsensusDecision(req.ID, decision)
	e.recordExchange(ctx, req, decision)
	e.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"strategy":   decision.SynthesisStrategy,
		"confidence": decision.Confidence,
		"members":    len(responses),
		"degraded":   degraded,
	}).Info("Request completed")

	return &models.ProcessResult{
		RequestID: req.ID,
		Decision:  decision,
		Metrics:   metrics,
		Degraded:  degraded,
	}, nil
}

// snapshot captures every config section once. Later config changes are
// invisible to the request in flight.
func (e *Engine) snapshot() models.ConfigSnapshot {
	return models.ConfigSnapshot{
		Council:      e.config.CouncilConfig(),
		Deliberation: e.config.DeliberationConfig(),
		Synthesis:    e.config.SynthesisConfig(),
		Performance:  e.config.PerformanceConfig(),
	}
}

// recordExchange appends the completed turn to the session history. Runs on
// the request context, not the deadline context; the write still happens when
// the council run consumed the whole global budget. Failures are logged and
// dropped.
func (e *Engine) recordExchange(ctx context.Context, req models.UserRequest, decision *models.ConsensusDecision) {
	if e.sessions == nil || req.SessionID == "" {
		return
	}
	if err := e.sessions.RecordExchange(ctx, req.SessionID, req.Query, decision.Content); err != nil {
		e.log.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to record session exchange")
	}
}

// promptContext merges the request's inline context with the session
// context, when a session provider is wired. Lookup failures degrade to the
// inline context only.
func (e *Engine) promptContext(ctx context.Context, req models.UserRequest) string {
	if e.sessions == nil || req.SessionID == "" {
		return req.Context
	}
	sessionCtx, err := e.sessions.ContextFor(ctx, req.SessionID, e.sessionBudget)
	if err != nil {
		e.log.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to load session context")
		return req.Context
	}
	if sessionCtx == "" {
		return req.Context
	}
	if req.Context == "" {
		return sessionCtx
	}
	return sessionCtx + "\n\n" + req.Context
}

// fanOutInitial runs round 0: one parallel call per enabled member, each
// bound by the member timeout and the global deadline, whichever fires
// first. Failures leave gaps; results come back ordered by member id.
func (e *Engine) fanOutInitial(ctx context.Context, req models.UserRequest, members []models.CouncilMember, metrics *models.RequestMetrics) []*models.ProviderResponse {
	ctx, span := e.tracer.StartStage(ctx, "council.dispatch")
	defer span.End()

	type result struct {
		member models.CouncilMember
		resp   *models.ProviderResponse
		err    error
	}

	results := make(chan result, len(members))
	var wg sync.WaitGroup
	dispatched := 0
	for _, member := range members {
		if disabled, reason := e.health.IsDisabled(member.ID); disabled {
			e.log.WithFields(logrus.Fields{
				"member": member.ID,
				"reason": reason,
			}).Debug("Skipping disabled member in initial fan-out")
			continue
		}
		dispatched++
		wg.Add(1)
		go func(member models.CouncilMember) {
			defer wg.Done()
			resp, err := e.pool.SendRequest(ctx, member, req.Query, req.Context)
			results <- result{member: member, resp: resp, err: err}
		}(member)
	}
	wg.Wait()
	close(results)

	// Collection happens on this goroutine only, so metrics recording needs
	// no extra locking.
	responses := make([]*models.ProviderResponse, 0, dispatched)
	for res := range results {
		if res.err != nil {
			e.events.LogProviderFailure(res.member.ID, res.err)
			e.log.WithFields(logrus.Fields{
				"member": res.member.ID,
				"error":  res.err,
			}).Warn("Member failed initial round")
			continue
		}
		metrics.Record(res.member.ID, res.resp, res.member.CostPer1KTokensUSD)
		e.events.LogCouncilResponse(req.ID, res.resp)
		responses = append(responses, res.resp)
	}
	sort.Slice(responses, func(i, j int) bool {
		return responses[i].CouncilMemberID < responses[j].CouncilMemberID
	})
	return responses
}

// finish stamps the metrics and reports cost exactly once per request that
// reached the fan-out stage.
func (e *Engine) finish(requestID string, metrics *models.RequestMetrics) {
	metrics.CompletedAt = time.Now()
	e.events.LogCost(requestID, metrics)
}

func sortedMembers(members []models.CouncilMember) []models.CouncilMember {
	out := make([]models.CouncilMember, len(members))
	copy(out, members)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
