package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// PostgresSink persists the audit trail into the council tables. Inserts
// are bounded by a short deadline and failures are logged and swallowed;
// wrap in an AsyncSink to keep inserts off the request path entirely.
type PostgresSink struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgresSink creates a sink writing through the given pool.
func NewPostgresSink(pool *pgxpool.Pool, log *logrus.Logger) *PostgresSink {
	return &PostgresSink{pool: pool, log: log}
}

func (s *PostgresSink) exec(what, query string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		s.log.WithError(err).WithField("event", what).Warn("Event insert failed")
	}
}

func (s *PostgresSink) LogRequest(req models.UserRequest) {
	s.exec("request", `
		INSERT INTO council_requests (id, query, session_id, context, preset, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, req.ID, req.Query, req.SessionID, req.Context, req.Preset, req.Timestamp)
}

func (s *PostgresSink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	s.exec("council_response", `
		INSERT INTO council_responses (request_id, council_member_id, content, prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, requestID, resp.CouncilMemberID, resp.Content,
		resp.TokenUsage.Prompt, resp.TokenUsage.Completion, resp.TokenUsage.Total,
		resp.LatencyMs, resp.Timestamp)
}

func (s *PostgresSink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	exchangesJSON, _ := json.Marshal(round.Exchanges)
	s.exec("deliberation_round", `
		INSERT INTO deliberation_rounds (request_id, round_number, exchanges)
		VALUES ($1, $2, $3)
	`, requestID, round.RoundNumber, exchangesJSON)
}

func (s *PostgresSink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	metadataJSON, _ := json.Marshal(decision.IterativeMetadata)
	s.exec("consensus_decision", `
		INSERT INTO consensus_decisions (request_id, content, confidence, agreement_level, synthesis_strategy, contributing_members, iterative_metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, requestID, decision.Content, string(decision.Confidence), decision.AgreementLevel,
		decision.SynthesisStrategy, decision.ContributingMembers, metadataJSON, decision.Timestamp)
}

func (s *PostgresSink) LogCost(requestID string, metrics *models.RequestMetrics) {
	for memberID, mm := range metrics.Members {
		s.exec("request_cost", `
			INSERT INTO request_costs (request_id, council_member_id, calls, prompt_tokens, completion_tokens, total_tokens, latency_ms, cost_usd)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, requestID, memberID, mm.Calls,
			mm.TokenUsage.Prompt, mm.TokenUsage.Completion, mm.TokenUsage.Total,
			mm.LatencyMs, mm.CostUSD)
	}
}

func (s *PostgresSink) LogProviderFailure(providerID string, err error) {
	s.exec("provider_failure", `
		INSERT INTO provider_failures (provider_id, kind, message)
		VALUES ($1, $2, $3)
	`, providerID, string(models.KindOf(err)), err.Error())
}

func (s *PostgresSink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	s.exec("negotiation_round", `
		INSERT INTO negotiation_rounds (request_id, round_number, avg_similarity)
		VALUES ($1, $2, $3)
	`, requestID, round, avgSimilarity)
}

func (s *PostgresSink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	s.exec("negotiation_response", `
		INSERT INTO negotiation_responses (request_id, round_number, council_member_id, content, agrees_with_member_id, token_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, requestID, resp.RoundNumber, resp.CouncilMemberID, resp.Content,
		resp.AgreesWithMemberID, resp.TokenCount)
}

func (s *PostgresSink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	progression := make([]float64, len(meta.SimilarityProgression))
	copy(progression, meta.SimilarityProgression)

	var roundsSkipped, tokensAvoided int
	if meta.CostSavings != nil {
		roundsSkipped = meta.CostSavings.RoundsSkipped
		tokensAvoided = meta.CostSavings.TokensAvoided
	}

	s.exec("consensus_metadata", `
		INSERT INTO consensus_metadata (request_id, total_rounds, similarity_progression, consensus_achieved, fallback_used, fallback_reason, deadlock_detected, human_escalation_triggered, quality_score, rounds_skipped, tokens_avoided)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, requestID, meta.TotalRounds, progression, meta.ConsensusAchieved,
		meta.FallbackUsed, meta.FallbackReason, meta.DeadlockDetected,
		meta.HumanEscalationTriggered, meta.QualityScore, roundsSkipped, tokensAvoided)
}
