package analytics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
)

const insertTimeout = 5 * time.Second

// Sink adapts the council event stream into warehouse rows. Decisions and
// costs become analytics; every other event passes through untouched.
// Failures are logged and swallowed. Wrap in an AsyncSink to keep inserts
// off the request path.
type Sink struct {
	events.NopSink
	wh  *Warehouse
	log *logrus.Logger
}

func NewSink(wh *Warehouse, log *logrus.Logger) *Sink {
	return &Sink{wh: wh, log: log}
}

func (s *Sink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	row := DecisionRow{
		RequestID:           requestID,
		Timestamp:           decision.Timestamp,
		Strategy:            decision.SynthesisStrategy,
		Confidence:          string(decision.Confidence),
		AgreementLevel:      decision.AgreementLevel,
		ContributingMembers: len(decision.ContributingMembers),
		ConsensusAchieved:   true,
	}
	if meta := decision.IterativeMetadata; meta != nil {
		row.TotalRounds = meta.TotalRounds
		row.ConsensusAchieved = meta.ConsensusAchieved
		row.FallbackUsed = meta.FallbackUsed
		row.Escalated = meta.HumanEscalationTriggered
		row.QualityScore = meta.QualityScore
		if meta.CostSavings != nil {
			row.TokensAvoided = meta.CostSavings.TokensAvoided
		}
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := s.wh.RecordDecision(ctx, row); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).
			Warn("Decision analytics insert failed")
	}
}

func (s *Sink) LogCost(requestID string, metrics *models.RequestMetrics) {
	ts := metrics.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rows := make([]MemberCallRow, 0, len(metrics.Members))
	for memberID, mm := range metrics.Members {
		rows = append(rows, MemberCallRow{
			RequestID:        requestID,
			MemberID:         memberID,
			Timestamp:        ts,
			Calls:            mm.Calls,
			PromptTokens:     mm.TokenUsage.Prompt,
			CompletionTokens: mm.TokenUsage.Completion,
			TotalTokens:      mm.TokenUsage.Total,
			LatencyMs:        mm.LatencyMs,
			CostUSD:          mm.CostUSD,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := s.wh.RecordMemberCalls(ctx, rows); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).
			Warn("Cost analytics insert failed")
	}
}
