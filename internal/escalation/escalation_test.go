package escalation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// brokerConfig skips the test unless a RabbitMQ broker is reachable and
// returns a config pointing at a queue unique to this test.
func brokerConfig(t *testing.T) config.RabbitMQConfig {
	t.Helper()

	host := os.Getenv("RABBITMQ_HOST")
	if host == "" {
		t.Skip("Skipping: RABBITMQ_HOST not set. Run with make test-with-infra for integration tests.")
	}
	port := os.Getenv("RABBITMQ_PORT")
	if port == "" {
		port = "5672"
	}
	user := os.Getenv("RABBITMQ_USER")
	if user == "" {
		user = "guest"
	}
	password := os.Getenv("RABBITMQ_PASSWORD")
	if password == "" {
		password = "guest"
	}

	cfg := config.RabbitMQConfig{
		Enabled: true,
		URL:     fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, host, port),
		Queue:   "council.escalations.test." + uuid.NewString()[:8],
	}
	t.Cleanup(func() { deleteQueue(cfg) })
	return cfg
}

func deleteQueue(cfg config.RabbitMQConfig) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return
	}
	defer ch.Close()
	ch.QueueDelete(cfg.Queue, false, false, false)
}

// publishRaw drops an arbitrary body onto the queue, bypassing Queue.
func publishRaw(t *testing.T, cfg config.RabbitMQConfig, body []byte) {
	t.Helper()
	conn, err := amqp.Dial(cfg.URL)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.PublishWithContext(context.Background(), "", cfg.Queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}))
}

func TestNewQueue_BadURL(t *testing.T) {
	_, err := NewQueue(config.RabbitMQConfig{URL: "not-a-broker-url", Queue: "q"}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalation: connect")
}

func TestQueue_PublishAndConsume(t *testing.T) {
	cfg := brokerConfig(t)

	q, err := NewQueue(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	consumer, err := NewConsumer(cfg, 4, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	received := make(chan models.Escalation, 1)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- consumer.Run(ctx, func(_ context.Context, esc models.Escalation) error {
			received <- esc
			return nil
		})
	}()

	sent := models.Escalation{
		RequestID:             uuid.NewString(),
		Query:                 "compare raft and paxos",
		Reason:                "deadlock detected",
		Round:                 5,
		SimilarityProgression: []float64{0.41, 0.42, 0.40},
		Channels:              []string{"slack"},
	}
	require.NoError(t, q.Escalate(context.Background(), sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.RequestID, got.RequestID)
		assert.Equal(t, sent.Query, got.Query)
		assert.Equal(t, sent.Reason, got.Reason)
		assert.Equal(t, sent.Round, got.Round)
		assert.Equal(t, sent.SimilarityProgression, got.SimilarityProgression)
		assert.Equal(t, sent.Channels, got.Channels)
		assert.False(t, got.Timestamp.IsZero(), "Escalate should stamp the payload")
	case <-time.After(10 * time.Second):
		t.Fatal("escalation never arrived")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}

func TestConsumer_MalformedMessageDiscarded(t *testing.T) {
	cfg := brokerConfig(t)

	q, err := NewQueue(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	publishRaw(t, cfg, []byte("not json at all"))

	consumer, err := NewConsumer(cfg, 4, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	received := make(chan models.Escalation, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		consumer.Run(ctx, func(_ context.Context, esc models.Escalation) error {
			received <- esc
			return nil
		})
	}()

	// The valid message behind the malformed one must still arrive.
	require.NoError(t, q.Escalate(context.Background(), models.Escalation{
		RequestID: uuid.NewString(),
		Reason:    "deadlock detected",
	}))

	select {
	case got := <-received:
		assert.Equal(t, "deadlock detected", got.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("valid escalation never arrived")
	}
}

func TestConsumer_HandlerErrorDoesNotRequeue(t *testing.T) {
	cfg := brokerConfig(t)

	q, err := NewQueue(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	consumer, err := NewConsumer(cfg, 4, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	deliveries := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		consumer.Run(ctx, func(_ context.Context, esc models.Escalation) error {
			deliveries <- esc.RequestID
			return errors.New("reviewer unavailable")
		})
	}()

	require.NoError(t, q.Escalate(context.Background(), models.Escalation{RequestID: "req-nack"}))

	select {
	case id := <-deliveries:
		assert.Equal(t, "req-nack", id)
	case <-time.After(10 * time.Second):
		t.Fatal("escalation never arrived")
	}

	// A rejected message must not come around again.
	select {
	case id := <-deliveries:
		t.Fatalf("message was redelivered: %s", id)
	case <-time.After(500 * time.Millisecond):
	}
}
