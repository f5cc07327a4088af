// Package consensus implements the iterative negotiation loop: members
// refine their answers round by round until embedding similarity crosses the
// agreement threshold, the round budget runs out, or the council deadlocks.
package consensus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Caller is the slice of the provider pool the loop needs.
type Caller interface {
	SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error)
}

// Comparer scores one round of proposals for agreement. The similarity
// service implements it.
type Comparer interface {
	Compare(ctx context.Context, texts []string) (*models.SimilarityResult, error)
}

// ComparerFactory builds a request-scoped comparer. The similarity service
// memoizes embeddings per request, so every negotiation gets a fresh one.
type ComparerFactory func(agreementThreshold float64) Comparer

// Fallback produces the final answer when the loop exhausts its rounds.
// The synthesis engine implements it.
type Fallback interface {
	Synthesize(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error)
}

// ExampleSource supplies past negotiation outcomes for prompt grounding.
type ExampleSource interface {
	Relevant(ctx context.Context, query string, k int) ([]models.NegotiationExample, error)
}

// Escalator hands a deadlocked negotiation to human reviewers.
type Escalator interface {
	Escalate(ctx context.Context, esc models.Escalation) error
}

// Recorder archives finished negotiations so later requests can retrieve
// them through an ExampleSource.
type Recorder interface {
	Store(ctx context.Context, ex *models.NegotiationExample) error
}

// Engine drives negotiations. One instance serves all requests; per-request
// state lives in the negotiation struct.
type Engine struct {
	pool      Caller
	comparers ComparerFactory
	fallback  Fallback
	examples  ExampleSource
	escalator Escalator
	recorder  Recorder
	events    events.Sink
	log       *logrus.Logger
	limiter   *rateLimiter
}

func NewEngine(pool Caller, comparers ComparerFactory, sink events.Sink, log *logrus.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		pool:      pool,
		comparers: comparers,
		events:    sink,
		log:       log,
		limiter:   newRateLimiter(time.Hour),
	}
}

// WithFallback wires the synthesis engine in for exhausted negotiations.
func (e *Engine) WithFallback(fb Fallback) *Engine {
	e.fallback = fb
	return e
}

func (e *Engine) WithExamples(src ExampleSource) *Engine {
	e.examples = src
	return e
}

func (e *Engine) WithEscalator(esc Escalator) *Engine {
	e.escalator = esc
	return e
}

// WithRecorder archives every finished negotiation as an example for future
// prompt grounding.
func (e *Engine) WithRecorder(rec Recorder) *Engine {
	e.recorder = rec
	return e
}

// Negotiate runs the loop over the seed responses and returns the consensus
// decision. It receives the full synthesis config so the fallback strategy
// keeps its reducer, weight and moderator settings.
func (e *Engine) Negotiate(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	if config.Iterative == nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "iterative-consensus strategy requires an iterative config")
	}
	cfg := config.Iterative.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, models.WrapError(models.ErrSynthesisFailed, "invalid iterative config", err)
	}
	if len(input.Responses) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "no seed responses to negotiate over")
	}

	n := e.start(ctx, input, config, cfg)
	decision, err := n.run(ctx)
	if err != nil {
		return nil, err
	}
	e.record(ctx, input, decision)
	return decision, nil
}

// record archives the finished negotiation. Storage failures are logged and
// dropped so the outcome archive never fails a request.
func (e *Engine) record(ctx context.Context, input *models.SynthesisInput, decision *models.ConsensusDecision) {
	if e.recorder == nil || decision.IterativeMetadata == nil {
		return
	}
	outcome := "converged"
	if !decision.IterativeMetadata.ConsensusAchieved {
		outcome = "fallback"
	}
	ex := &models.NegotiationExample{
		Query:   input.Request.Query,
		Summary: summarize(decision.Content),
		Outcome: outcome,
		Score:   decision.AgreementLevel,
	}
	if err := e.recorder.Store(ctx, ex); err != nil {
		e.log.WithError(err).WithField("request_id", input.Request.ID).Warn("Failed to archive negotiation example")
	}
}

// summarize trims a decision body down to example size, cutting on a word
// boundary where one exists.
func summarize(content string) string {
	const maxLen = 280
	if len(content) <= maxLen {
		return content
	}
	cut := content[:maxLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// rateLimiter bounds escalations per sliding window, shared across requests.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{window: window, now: time.Now}
}

// Allow consumes one slot when fewer than limit escalations happened inside
// the window. A non-positive limit never blocks.
func (r *rateLimiter) Allow(limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	kept := r.times[:0]
	for _, t := range r.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.times = kept

	if limit > 0 && len(r.times) >= limit {
		return false
	}
	r.times = append(r.times, r.now())
	return true
}
