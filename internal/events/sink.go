// Package events carries the audit trail of a council request: every
// response, deliberation round, negotiation step and cost breakdown flows
// through a Sink. Sinks are fire-and-forget; a failing sink never fails
// the request it observes.
package events

import (
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// Sink receives lifecycle events for council requests. Every method must be
// safe for concurrent use and must not block the caller for long.
type Sink interface {
	LogRequest(req models.UserRequest)
	LogCouncilResponse(requestID string, resp *models.ProviderResponse)
	LogDeliberationRound(requestID string, round models.DeliberationRound)
	LogConsensusDecision(requestID string, decision *models.ConsensusDecision)
	LogCost(requestID string, metrics *models.RequestMetrics)
	LogProviderFailure(providerID string, err error)
	LogNegotiationRound(requestID string, round int, avgSimilarity float64)
	LogNegotiationResponse(requestID string, resp *models.NegotiationResponse)
	LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) LogRequest(models.UserRequest)                              {}
func (NopSink) LogCouncilResponse(string, *models.ProviderResponse)        {}
func (NopSink) LogDeliberationRound(string, models.DeliberationRound)      {}
func (NopSink) LogConsensusDecision(string, *models.ConsensusDecision)     {}
func (NopSink) LogCost(string, *models.RequestMetrics)                     {}
func (NopSink) LogProviderFailure(string, error)                           {}
func (NopSink) LogNegotiationRound(string, int, float64)                   {}
func (NopSink) LogNegotiationResponse(string, *models.NegotiationResponse) {}
func (NopSink) LogConsensusMetadata(string, *models.ConsensusMetadata)     {}

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) LogRequest(req models.UserRequest) {
	s.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"preset":     req.Preset,
	}).Info("Council request received")
}

func (s *LogSink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"member_id":  resp.CouncilMemberID,
		"tokens":     resp.TokenUsage.Total,
		"latency_ms": resp.LatencyMs,
	}).Info("Council member responded")
}

func (s *LogSink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"round":      round.RoundNumber,
		"exchanges":  len(round.Exchanges),
	}).Info("Deliberation round completed")
}

func (s *LogSink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	s.log.WithFields(logrus.Fields{
		"request_id":      requestID,
		"strategy":        decision.SynthesisStrategy,
		"confidence":      decision.Confidence,
		"agreement_level": decision.AgreementLevel,
		"contributors":    len(decision.ContributingMembers),
	}).Info("Consensus decision reached")
}

func (s *LogSink) LogCost(requestID string, metrics *models.RequestMetrics) {
	var cost float64
	for _, mm := range metrics.Members {
		cost += mm.CostUSD
	}
	s.log.WithFields(logrus.Fields{
		"request_id":   requestID,
		"total_tokens": metrics.TotalTokens.Total,
		"cost_usd":     cost,
		"members":      len(metrics.Members),
	}).Info("Request cost recorded")
}

func (s *LogSink) LogProviderFailure(providerID string, err error) {
	s.log.WithFields(logrus.Fields{
		"provider_id": providerID,
		"kind":        models.KindOf(err),
		"error":       err,
	}).Warn("Provider call failed")
}

func (s *LogSink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	s.log.WithFields(logrus.Fields{
		"request_id":     requestID,
		"round":          round,
		"avg_similarity": avgSimilarity,
	}).Info("Negotiation round completed")
}

func (s *LogSink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"member_id":  resp.CouncilMemberID,
		"round":      resp.RoundNumber,
		"agrees":     resp.AgreesWithMemberID,
	}).Debug("Negotiation response collected")
}

func (s *LogSink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	s.log.WithFields(logrus.Fields{
		"request_id":    requestID,
		"total_rounds":  meta.TotalRounds,
		"achieved":      meta.ConsensusAchieved,
		"fallback_used": meta.FallbackUsed,
		"deadlock":      meta.DeadlockDetected,
		"quality_score": meta.QualityScore,
	}).Info("Consensus metadata recorded")
}

// MultiSink fans every event out to each wrapped sink in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines several sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) LogRequest(req models.UserRequest) {
	for _, s := range m.sinks {
		s.LogRequest(req)
	}
}

func (m *MultiSink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	for _, s := range m.sinks {
		s.LogCouncilResponse(requestID, resp)
	}
}

func (m *MultiSink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	for _, s := range m.sinks {
		s.LogDeliberationRound(requestID, round)
	}
}

func (m *MultiSink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	for _, s := range m.sinks {
		s.LogConsensusDecision(requestID, decision)
	}
}

func (m *MultiSink) LogCost(requestID string, metrics *models.RequestMetrics) {
	for _, s := range m.sinks {
		s.LogCost(requestID, metrics)
	}
}

func (m *MultiSink) LogProviderFailure(providerID string, err error) {
	for _, s := range m.sinks {
		s.LogProviderFailure(providerID, err)
	}
}

func (m *MultiSink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	for _, s := range m.sinks {
		s.LogNegotiationRound(requestID, round, avgSimilarity)
	}
}

func (m *MultiSink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	for _, s := range m.sinks {
		s.LogNegotiationResponse(requestID, resp)
	}
}

func (m *MultiSink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	for _, s := range m.sinks {
		s.LogConsensusMetadata(requestID, meta)
	}
}
