// Package synthesis combines council member responses into a single
// consensus decision. Four strategies are supported: consensus extraction
// through a reducer member, weighted fusion, meta-synthesis through a
// moderator member, and delegation to the iterative consensus loop.
package synthesis

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Caller is the slice of the provider pool the engine needs.
type Caller interface {
	SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error)
}

// HealthReader reports provider state for moderator selection and fallback.
type HealthReader interface {
	SuccessRate(providerID string) float64
	IsDisabled(providerID string) (bool, string)
}

// ConsensusRunner runs the iterative negotiation loop. The consensus engine
// implements it; the indirection exists because that engine in turn falls
// back to this one. It receives the full synthesis config so the fallback
// strategy keeps its reducer, weight and moderator settings.
type ConsensusRunner interface {
	Negotiate(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error)
}

// Engine dispatches on the configured strategy tag.
type Engine struct {
	pool         Caller
	health       HealthReader
	events       events.Sink
	log          *logrus.Logger
	consensus    ConsensusRunner
	fastFallback bool
}

func NewEngine(pool Caller, health HealthReader, sink events.Sink, log *logrus.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		pool:   pool,
		health: health,
		events: sink,
		log:    log,
	}
}

// WithConsensus wires the iterative consensus loop in. Without it the
// iterative-consensus strategy fails.
func (e *Engine) WithConsensus(runner ConsensusRunner) *Engine {
	e.consensus = runner
	return e
}

// WithFastFallback enables one retry against the next healthy member when a
// reducer or moderator call fails.
func (e *Engine) WithFastFallback(enabled bool) *Engine {
	e.fastFallback = enabled
	return e
}

// Synthesize produces one consensus decision from the collected member
// responses using the configured strategy.
func (e *Engine) Synthesize(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	switch config.Strategy {
	case models.StrategyConsensusExtraction:
		return e.consensusExtraction(ctx, input, config)
	case models.StrategyWeightedFusion:
		return e.weightedFusion(ctx, input, config)
	case models.StrategyMetaSynthesis:
		return e.metaSynthesis(ctx, input, config)
	case models.StrategyIterativeConsensus:
		return e.iterative(ctx, input, config)
	default:
		return nil, models.NewError(models.ErrSynthesisFailed, "unknown synthesis strategy "+config.Strategy)
	}
}

func (e *Engine) consensusExtraction(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	if len(input.Responses) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "no responses to synthesize")
	}

	reducer, err := e.selectReducer(input, config)
	if err != nil {
		return nil, err
	}

	prompt := buildReducerPrompt(input.Request.Query, input.Responses)
	resp, used, err := e.call(ctx, input, reducer, prompt)
	if err != nil {
		return nil, models.WrapError(models.ErrSynthesisFailed, "reducer call failed", err)
	}

	agreement := averageOverlap(responseContents(input.Responses))
	return e.decision(input, models.StrategyConsensusExtraction, resp.Content, agreement, used.ID), nil
}

func (e *Engine) weightedFusion(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	if len(input.Responses) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "no responses to synthesize")
	}

	reducer, err := e.selectReducer(input, config)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(input.Responses))
	for i, resp := range input.Responses {
		ids[i] = resp.CouncilMemberID
	}
	weights := normalizeWeights(config.Weights, ids)

	prompt := buildWeightedPrompt(input.Request.Query, input.Responses, weights)
	resp, used, err := e.call(ctx, input, reducer, prompt)
	if err != nil {
		return nil, models.WrapError(models.ErrSynthesisFailed, "reducer call failed", err)
	}

	agreement := averageOverlap(responseContents(input.Responses))
	return e.decision(input, models.StrategyWeightedFusion, resp.Content, agreement, used.ID), nil
}

func (e *Engine) metaSynthesis(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	if len(input.Responses) == 0 {
		return nil, models.NewError(models.ErrSynthesisFailed, "no responses to synthesize")
	}

	moderator, err := e.selectModerator(input, config)
	if err != nil {
		return nil, err
	}

	peers := make([]*models.ProviderResponse, 0, len(input.Responses))
	for _, resp := range input.Responses {
		if resp.CouncilMemberID != moderator.ID {
			peers = append(peers, resp)
		}
	}

	prompt := buildModeratorPrompt(input.Request.Query, peers)
	resp, used, err := e.call(ctx, input, moderator, prompt)
	if err != nil {
		return nil, models.WrapError(models.ErrSynthesisFailed, "moderator call failed", err)
	}

	agreement := averageOverlap(responseContents(input.Responses))
	return e.decision(input, models.StrategyMetaSynthesis, resp.Content, agreement, used.ID), nil
}

func (e *Engine) iterative(ctx context.Context, input *models.SynthesisInput, config models.SynthesisConfig) (*models.ConsensusDecision, error) {
	if e.consensus == nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "iterative consensus loop not wired")
	}
	if config.Iterative == nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "iterative-consensus strategy requires an iterative config")
	}

	cfg := config.Iterative.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, models.WrapError(models.ErrSynthesisFailed, "invalid iterative config", err)
	}
	config.Iterative = &cfg
	return e.consensus.Negotiate(ctx, input, config)
}

// selectReducer resolves the member that merges the council answers. An
// explicitly configured reducer must exist in the council snapshot.
func (e *Engine) selectReducer(input *models.SynthesisInput, config models.SynthesisConfig) (models.CouncilMember, error) {
	if config.ReducerMemberID != "" {
		member, ok := input.MemberByID(config.ReducerMemberID)
		if !ok {
			return models.CouncilMember{}, models.NewError(models.ErrSynthesisFailed,
				"reducer member "+config.ReducerMemberID+" not in council")
		}
		return member, nil
	}
	if len(input.Members) == 0 {
		return models.CouncilMember{}, models.NewError(models.ErrSynthesisFailed, "council has no members")
	}
	return input.Members[0], nil
}

func (e *Engine) selectModerator(input *models.SynthesisInput, config models.SynthesisConfig) (models.CouncilMember, error) {
	if len(input.Members) == 0 {
		return models.CouncilMember{}, models.NewError(models.ErrSynthesisFailed, "council has no members")
	}

	sorted := make([]models.CouncilMember, len(input.Members))
	copy(sorted, input.Members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	switch config.ModeratorStrategy {
	case models.ModeratorPermanent:
		member, ok := input.MemberByID(config.ModeratorMemberID)
		if !ok {
			return models.CouncilMember{}, models.NewError(models.ErrSynthesisFailed,
				"moderator member "+config.ModeratorMemberID+" not in council")
		}
		return member, nil

	case models.ModeratorRotate:
		h := fnv.New32a()
		h.Write([]byte(input.Request.ID))
		return sorted[int(h.Sum32())%len(sorted)], nil

	case models.ModeratorStrongest:
		best := sorted[0]
		bestRate := e.health.SuccessRate(best.ID)
		for _, member := range sorted[1:] {
			if rate := e.health.SuccessRate(member.ID); rate > bestRate {
				best = member
				bestRate = rate
			}
		}
		return best, nil

	default:
		return models.CouncilMember{}, models.NewError(models.ErrSynthesisFailed,
			"unknown moderator strategy "+config.ModeratorStrategy)
	}
}

// call sends the synthesis prompt through the pool, retrying once against
// the next healthy member when fast fallback is enabled. It returns the
// member that actually answered.
func (e *Engine) call(ctx context.Context, input *models.SynthesisInput, member models.CouncilMember, prompt string) (*models.ProviderResponse, models.CouncilMember, error) {
	resp, err := e.pool.SendRequest(ctx, member, prompt, input.Request.Context)
	if err == nil {
		e.observe(input, member, resp)
		return resp, member, nil
	}
	e.events.LogProviderFailure(member.ID, err)

	if !e.fastFallback {
		return nil, member, err
	}
	next, ok := e.nextHealthy(input, member.ID)
	if !ok {
		return nil, member, err
	}

	e.log.WithFields(logrus.Fields{
		"member":   member.ID,
		"fallback": next.ID,
		"error":    err,
	}).Warn("Synthesis call failed, retrying with fallback member")

	resp, err = e.pool.SendRequest(ctx, next, prompt, input.Request.Context)
	if err != nil {
		e.events.LogProviderFailure(next.ID, err)
		return nil, next, err
	}
	e.observe(input, next, resp)
	return resp, next, nil
}

func (e *Engine) nextHealthy(input *models.SynthesisInput, failedID string) (models.CouncilMember, bool) {
	for _, member := range input.Members {
		if member.ID == failedID {
			continue
		}
		if disabled, _ := e.health.IsDisabled(member.ID); disabled {
			continue
		}
		return member, true
	}
	return models.CouncilMember{}, false
}

func (e *Engine) observe(input *models.SynthesisInput, member models.CouncilMember, resp *models.ProviderResponse) {
	if input.Metrics != nil {
		input.Metrics.Record(member.ID, resp, member.CostPer1KTokensUSD)
	}
}

func (e *Engine) decision(input *models.SynthesisInput, strategy, content string, agreement float64, synthesizerID string) *models.ConsensusDecision {
	return &models.ConsensusDecision{
		Content:             content,
		Confidence:          models.ConfidenceFor(agreement),
		AgreementLevel:      agreement,
		SynthesisStrategy:   strategy,
		ContributingMembers: contributors(input.Responses, synthesizerID),
		Timestamp:           time.Now(),
	}
}

// contributors is the sorted set of member ids whose content shaped the
// final text: every response author plus the member that wrote it.
func contributors(responses []*models.ProviderResponse, synthesizerID string) []string {
	seen := make(map[string]bool, len(responses)+1)
	for _, resp := range responses {
		seen[resp.CouncilMemberID] = true
	}
	if synthesizerID != "" {
		seen[synthesizerID] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// normalizeWeights maps every member id to a weight summing to 1. Listed
// members keep their configured proportions; unlisted members split whatever
// the listed weights leave unclaimed.
func normalizeWeights(configured map[string]float64, memberIDs []string) map[string]float64 {
	weights := make(map[string]float64, len(memberIDs))
	if len(memberIDs) == 0 {
		return weights
	}

	var listedSum float64
	var unlisted []string
	for _, id := range memberIDs {
		w, ok := configured[id]
		if !ok {
			unlisted = append(unlisted, id)
			continue
		}
		if w < 0 {
			w = 0
		}
		weights[id] = w
		listedSum += w
	}

	if len(unlisted) == len(memberIDs) {
		for _, id := range memberIDs {
			weights[id] = 1.0 / float64(len(memberIDs))
		}
		return weights
	}

	remainder := 1.0 - listedSum
	if remainder < 0 {
		remainder = 0
	}
	for _, id := range unlisted {
		weights[id] = remainder / float64(len(unlisted))
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		for _, id := range memberIDs {
			weights[id] = 1.0 / float64(len(memberIDs))
		}
		return weights
	}
	for id, w := range weights {
		weights[id] = w / total
	}
	return weights
}

func responseContents(responses []*models.ProviderResponse) []string {
	contents := make([]string, len(responses))
	for i, resp := range responses {
		contents[i] = resp.Content
	}
	return contents
}
