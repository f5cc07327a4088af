package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Handler processes one escalation. A returned error rejects the
// message without requeueing it.
type Handler func(ctx context.Context, esc models.Escalation) error

// Consumer drains the escalation queue for review tooling.
type Consumer struct {
	name    string
	tag     string
	log     *logrus.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewConsumer connects, declares the durable queue and bounds unacked
// deliveries at prefetch messages per worker.
func NewConsumer(cfg config.RabbitMQConfig, prefetch int, log *logrus.Logger) (*Consumer, error) {
	if log == nil {
		log = logrus.New()
	}
	if prefetch <= 0 {
		prefetch = 8
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("escalation: connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("escalation: open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("escalation: declare queue %q: %w", cfg.Queue, err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("escalation: set qos: %w", err)
	}

	return &Consumer{
		name:    cfg.Queue,
		tag:     "councilproxy-escalation-consumer",
		log:     log,
		conn:    conn,
		channel: channel,
	}, nil
}

// Run delivers escalations to the handler until ctx is cancelled or the
// channel closes. Malformed messages are rejected and dropped.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	deliveries, err := c.channel.Consume(c.name, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("escalation: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := c.channel.Cancel(c.tag, false); err != nil {
				c.log.WithError(err).Warn("Escalation consumer cancel failed")
			}
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, handler, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler Handler, d amqp.Delivery) {
	var esc models.Escalation
	if err := json.Unmarshal(d.Body, &esc); err != nil {
		c.log.WithError(err).Warn("Discarding malformed escalation message")
		d.Reject(false)
		return
	}
	if err := handler(ctx, esc); err != nil {
		c.log.WithError(err).WithField("request_id", esc.RequestID).Warn("Escalation handler failed")
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// Close releases the connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
