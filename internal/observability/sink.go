package observability

import (
	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Sink translates council lifecycle events into Prometheus metrics.
// Iterative counters read the metadata attached to the decision rather
// than the separate metadata event, so each run is counted once.
type Sink struct {
	events.NopSink
	collector *Collector
}

// NewSink creates an event sink backed by the given collector.
func NewSink(collector *Collector) *Sink {
	return &Sink{collector: collector}
}

func (s *Sink) LogConsensusDecision(_ string, decision *models.ConsensusDecision) {
	strategy := decision.SynthesisStrategy
	s.collector.ConsensusAgreement.WithLabelValues(strategy).Observe(decision.AgreementLevel)

	meta := decision.IterativeMetadata
	if meta == nil {
		return
	}
	s.collector.NegotiationRounds.WithLabelValues(strategy).Observe(float64(meta.TotalRounds))
	if meta.FallbackUsed {
		s.collector.FallbacksTotal.WithLabelValues(strategy).Inc()
	}
	if meta.HumanEscalationTriggered {
		s.collector.EscalationsTotal.Inc()
	}
	if meta.DeadlockDetected {
		s.collector.DeadlocksTotal.Inc()
	}
	if meta.CostSavings != nil && meta.CostSavings.TokensAvoided > 0 {
		s.collector.TokensAvoidedTotal.Add(float64(meta.CostSavings.TokensAvoided))
	}
}

func (s *Sink) LogCost(_ string, metrics *models.RequestMetrics) {
	for memberID, mm := range metrics.Members {
		s.collector.TokensTotal.WithLabelValues(memberID, "prompt").Add(float64(mm.TokenUsage.Prompt))
		s.collector.TokensTotal.WithLabelValues(memberID, "completion").Add(float64(mm.TokenUsage.Completion))
		s.collector.CostUSD.WithLabelValues(memberID).Add(mm.CostUSD)
	}
	if !metrics.StartedAt.IsZero() && !metrics.CompletedAt.IsZero() {
		s.collector.ConsensusDuration.Observe(metrics.CompletedAt.Sub(metrics.StartedAt).Seconds())
	}
}

func (s *Sink) LogProviderFailure(providerID string, err error) {
	s.collector.ProviderFailure(providerID, models.KindOf(err))
}
