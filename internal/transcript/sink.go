package transcript

import (
	"time"

	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Sink publishes council lifecycle events onto the hub. Provider
// failures carry no request ID and stay off the stream.
type Sink struct {
	events.NopSink
	hub *Hub
}

// NewSink creates an event sink that feeds the given hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) publish(eventType, requestID string, payload interface{}) {
	s.hub.Publish(Event{
		Type:      eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (s *Sink) LogRequest(req models.UserRequest) {
	s.publish(EventRequestReceived, req.ID, req)
}

func (s *Sink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	s.publish(EventMemberResponse, requestID, resp)
}

func (s *Sink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	s.publish(EventDeliberationRound, requestID, round)
}

func (s *Sink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	s.publish(EventConsensusDecision, requestID, decision)
}

func (s *Sink) LogCost(requestID string, metrics *models.RequestMetrics) {
	s.publish(EventCostRecorded, requestID, metrics)
}

func (s *Sink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	s.publish(EventNegotiationRound, requestID, map[string]interface{}{
		"round":          round,
		"avg_similarity": avgSimilarity,
	})
}

func (s *Sink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	s.publish(EventNegotiationResponse, requestID, resp)
}

func (s *Sink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	s.publish(EventConsensusMetadata, requestID, meta)
}
