package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/councilproxy/councilproxy/internal/models"
)

// EventType identifies a council lifecycle event.
type EventType string

const (
	EventRequestReceived     EventType = "request.received"
	EventCouncilResponse     EventType = "council.response"
	EventDeliberationRound   EventType = "deliberation.round"
	EventConsensusDecision   EventType = "consensus.decision"
	EventCostRecorded        EventType = "cost.recorded"
	EventProviderFailure     EventType = "provider.failure"
	EventNegotiationRound    EventType = "negotiation.round"
	EventNegotiationResponse EventType = "negotiation.response"
	EventConsensusMetadata   EventType = "consensus.metadata"
	EventProviderHealth      EventType = "provider.health.changed"
)

// Event is one entry in a request's audit trail.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(eventType EventType, requestID string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: requestID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NegotiationRoundPayload summarizes one negotiation round.
type NegotiationRoundPayload struct {
	Round         int     `json:"round"`
	AvgSimilarity float64 `json:"avg_similarity"`
}

// ProviderFailurePayload describes a failed provider call.
type ProviderFailurePayload struct {
	ProviderID string           `json:"provider_id"`
	Kind       models.ErrorKind `json:"kind"`
	Message    string           `json:"message"`
}

// HealthPayload describes a provider status transition.
type HealthPayload struct {
	ProviderID string              `json:"provider_id"`
	From       models.HealthStatus `json:"from"`
	To         models.HealthStatus `json:"to"`
}

// Subscriber holds one subscription to the bus.
type Subscriber struct {
	id      string
	Channel chan *Event
	filter  func(*Event) bool
	closed  bool
	mu      sync.RWMutex
}

// Close closes the subscriber channel. Safe to call twice.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Channel)
	}
}

// trySend delivers an event unless the subscriber is closed or its buffer
// stays full past the timeout.
func (s *Subscriber) trySend(event *Event, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.Channel <- event:
		return true
	case <-timer.C:
		return false
	}
}

// BusConfig holds configuration for the event bus.
type BusConfig struct {
	BufferSize      int           // buffer size for subscriber channels
	PublishTimeout  time.Duration // per-subscriber delivery timeout
	CleanupInterval time.Duration // interval for reaping closed subscribers
}

// DefaultBusConfig returns default bus configuration.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		BufferSize:      1000,
		PublishTimeout:  10 * time.Millisecond,
		CleanupInterval: 30 * time.Second,
	}
}

// BusMetrics tracks event bus statistics.
type BusMetrics struct {
	EventsPublished   int64
	EventsDelivered   int64
	EventsDropped     int64
	SubscribersActive int64
}

// Bus fans council events out to live subscribers (the transcript stream,
// ops tooling). Delivery is best effort: a slow subscriber loses events
// rather than stalling the request that produced them. Bus implements Sink,
// so it can sit alongside persistent sinks in a MultiSink.
type Bus struct {
	subscribers map[EventType][]*Subscriber
	allSubs     []*Subscriber
	mu          sync.RWMutex
	config      *BusConfig
	metrics     *BusMetrics
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
}

// NewBus creates a bus and starts its subscriber reaper.
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subscribers: make(map[EventType][]*Subscriber),
		config:      config,
		metrics:     &BusMetrics{},
		ctx:         ctx,
		cancel:      cancel,
	}

	go bus.cleanupLoop()
	return bus
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.subscribers[event.Type]
	allSubs := b.allSubs
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.EventsPublished, 1)

	for _, sub := range subs {
		b.deliver(sub, event)
	}
	for _, sub := range allSubs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscriber, event *Event) {
	if sub.filter != nil && !sub.filter(event) {
		return
	}
	if sub.trySend(event, b.config.PublishTimeout) {
		atomic.AddInt64(&b.metrics.EventsDelivered, 1)
	} else {
		atomic.AddInt64(&b.metrics.EventsDropped, 1)
	}
}

// Subscribe subscribes to events of a specific type.
func (b *Bus) Subscribe(eventType EventType) <-chan *Event {
	return b.SubscribeWithFilter(eventType, nil)
}

// SubscribeWithFilter subscribes to one event type with a custom filter.
func (b *Bus) SubscribeWithFilter(eventType EventType, filter func(*Event) bool) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		id:      uuid.New().String(),
		Channel: make(chan *Event, b.config.BufferSize),
		filter:  filter,
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	return sub.Channel
}

// SubscribeAll subscribes to every event type.
func (b *Bus) SubscribeAll() <-chan *Event {
	return b.SubscribeAllWithFilter(nil)
}

// SubscribeAllWithFilter subscribes to every event type with a filter.
// The transcript stream uses this with a request-id filter.
func (b *Bus) SubscribeAllWithFilter(filter func(*Event) bool) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		id:      uuid.New().String(),
		Channel: make(chan *Event, b.config.BufferSize),
		filter:  filter,
	}
	b.allSubs = append(b.allSubs, sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	return sub.Channel
}

// SubscribeRequest subscribes to the full audit trail of one request.
func (b *Bus) SubscribeRequest(requestID string) <-chan *Event {
	return b.SubscribeAllWithFilter(func(e *Event) bool {
		return e.RequestID == requestID
	})
}

// Unsubscribe removes a subscriber by channel and closes it.
func (b *Bus) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.Channel == ch {
				sub.Close()
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				atomic.AddInt64(&b.metrics.SubscribersActive, -1)
				return
			}
		}
	}
	for i, sub := range b.allSubs {
		if sub.Channel == ch {
			sub.Close()
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			atomic.AddInt64(&b.metrics.SubscribersActive, -1)
			return
		}
	}
}

func (b *Bus) cleanupLoop() {
	interval := b.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

func (b *Bus) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		active := make([]*Subscriber, 0, len(subs))
		for _, sub := range subs {
			sub.mu.RLock()
			if !sub.closed {
				active = append(active, sub)
			}
			sub.mu.RUnlock()
		}
		b.subscribers[eventType] = active
	}

	active := make([]*Subscriber, 0, len(b.allSubs))
	for _, sub := range b.allSubs {
		sub.mu.RLock()
		if !sub.closed {
			active = append(active, sub)
		}
		sub.mu.RUnlock()
	}
	b.allSubs = active
}

// Metrics returns a snapshot of bus statistics.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		EventsPublished:   atomic.LoadInt64(&b.metrics.EventsPublished),
		EventsDelivered:   atomic.LoadInt64(&b.metrics.EventsDelivered),
		EventsDropped:     atomic.LoadInt64(&b.metrics.EventsDropped),
		SubscribersActive: atomic.LoadInt64(&b.metrics.SubscribersActive),
	}
}

// Wait blocks until an event of the given type arrives or ctx is done.
func (b *Bus) Wait(ctx context.Context, eventType EventType) (*Event, error) {
	ch := b.Subscribe(eventType)
	defer b.Unsubscribe(ch)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case event, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("event bus closed")
		}
		return event, nil
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, sub := range b.allSubs {
		sub.Close()
	}
	return nil
}

// Sink implementation: each audit call becomes one published event.

func (b *Bus) LogRequest(req models.UserRequest) {
	b.Publish(NewEvent(EventRequestReceived, req.ID, req))
}

func (b *Bus) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	b.Publish(NewEvent(EventCouncilResponse, requestID, resp))
}

func (b *Bus) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	b.Publish(NewEvent(EventDeliberationRound, requestID, round))
}

func (b *Bus) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	b.Publish(NewEvent(EventConsensusDecision, requestID, decision))
}

func (b *Bus) LogCost(requestID string, metrics *models.RequestMetrics) {
	b.Publish(NewEvent(EventCostRecorded, requestID, metrics))
}

func (b *Bus) LogProviderFailure(providerID string, err error) {
	b.Publish(NewEvent(EventProviderFailure, "", ProviderFailurePayload{
		ProviderID: providerID,
		Kind:       models.KindOf(err),
		Message:    err.Error(),
	}))
}

func (b *Bus) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	b.Publish(NewEvent(EventNegotiationRound, requestID, NegotiationRoundPayload{
		Round:         round,
		AvgSimilarity: avgSimilarity,
	}))
}

func (b *Bus) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	b.Publish(NewEvent(EventNegotiationResponse, requestID, resp))
}

func (b *Bus) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	b.Publish(NewEvent(EventConsensusMetadata, requestID, meta))
}

// PublishHealthChange lets the health tracker's listener hook feed the bus.
func (b *Bus) PublishHealthChange(providerID string, from, to models.HealthStatus) {
	b.Publish(NewEvent(EventProviderHealth, "", HealthPayload{
		ProviderID: providerID,
		From:       from,
		To:         to,
	}))
}
