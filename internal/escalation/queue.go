// Package escalation hands deadlocked negotiations to human reviewers
// through a durable RabbitMQ queue. The proxy publishes; review tooling
// consumes.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/models"
)

const messageType = "council.escalation"

// Queue publishes escalations for human review. It satisfies the
// consensus engine's Escalator interface and redials on the next
// publish after a broken connection.
type Queue struct {
	url  string
	name string
	log  *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewQueue connects to the broker and declares the durable queue.
func NewQueue(cfg config.RabbitMQConfig, log *logrus.Logger) (*Queue, error) {
	if log == nil {
		log = logrus.New()
	}
	q := &Queue{url: cfg.URL, name: cfg.Queue, log: log}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connect(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"queue": q.name,
	}).Info("Escalation queue ready")
	return q, nil
}

// connect dials and declares. Callers must hold q.mu.
func (q *Queue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("escalation: connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("escalation: open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("escalation: declare queue %q: %w", q.name, err)
	}
	q.conn = conn
	q.channel = channel
	return nil
}

// reset drops the broken connection so the next publish redials.
// Callers must hold q.mu.
func (q *Queue) reset() {
	if q.channel != nil {
		q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

// Escalate publishes one escalation as a persistent JSON message.
func (q *Queue) Escalate(ctx context.Context, esc models.Escalation) error {
	if esc.Timestamp.IsZero() {
		esc.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("escalation: encode: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel == nil || q.conn == nil || q.conn.IsClosed() {
		q.reset()
		if err := q.connect(); err != nil {
			return err
		}
	}

	err = q.channel.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    esc.RequestID,
		Timestamp:    esc.Timestamp,
		Type:         messageType,
		Body:         body,
	})
	if err != nil {
		q.reset()
		return fmt.Errorf("escalation: publish: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"request_id": esc.RequestID,
		"reason":     esc.Reason,
		"round":      esc.Round,
	}).Warn("Negotiation escalated to human review")
	return nil
}

// Close releases the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
	return nil
}
