package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// KafkaSink publishes each event as a JSON envelope to one topic, keyed by
// request id so one request's trail stays ordered within a partition. The
// writer runs in async mode; write failures are logged and swallowed per
// the Sink contract.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logrus.Logger
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string, log *logrus.Logger) *KafkaSink {
	s := &KafkaSink{log: log}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).
					Warn("Kafka event delivery failed")
			}
		},
	}
	return s
}

// Close flushes buffered messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaSink) publish(event *Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.log.WithError(err).WithField("type", event.Type).Warn("Kafka event marshal failed")
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.RequestID),
		Value: value,
		Time:  event.Timestamp,
	}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.log.WithError(err).WithField("type", event.Type).Warn("Kafka event enqueue failed")
	}
}

func (s *KafkaSink) LogRequest(req models.UserRequest) {
	s.publish(NewEvent(EventRequestReceived, req.ID, req))
}

func (s *KafkaSink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	s.publish(NewEvent(EventCouncilResponse, requestID, resp))
}

func (s *KafkaSink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	s.publish(NewEvent(EventDeliberationRound, requestID, round))
}

func (s *KafkaSink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	s.publish(NewEvent(EventConsensusDecision, requestID, decision))
}

func (s *KafkaSink) LogCost(requestID string, metrics *models.RequestMetrics) {
	s.publish(NewEvent(EventCostRecorded, requestID, metrics))
}

func (s *KafkaSink) LogProviderFailure(providerID string, err error) {
	s.publish(NewEvent(EventProviderFailure, "", ProviderFailurePayload{
		ProviderID: providerID,
		Kind:       models.KindOf(err),
		Message:    err.Error(),
	}))
}

func (s *KafkaSink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	s.publish(NewEvent(EventNegotiationRound, requestID, NegotiationRoundPayload{
		Round:         round,
		AvgSimilarity: avgSimilarity,
	}))
}

func (s *KafkaSink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	s.publish(NewEvent(EventNegotiationResponse, requestID, resp))
}

func (s *KafkaSink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	s.publish(NewEvent(EventConsensusMetadata, requestID, meta))
}
