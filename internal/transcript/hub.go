// Package transcript streams the live deliberation of a council request
// to watching WebSocket clients. Events enter through an event sink
// adapter and fan out to per-request subscribers; a slow client drops
// events rather than stalling the request that produced them.
package transcript

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Event is one entry in a request's live transcript.
type Event struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Event types carried on the stream.
const (
	EventRequestReceived     = "request.received"
	EventMemberResponse      = "member.response"
	EventDeliberationRound   = "deliberation.round"
	EventConsensusDecision   = "consensus.decision"
	EventCostRecorded        = "cost.recorded"
	EventNegotiationRound    = "negotiation.round"
	EventNegotiationResponse = "negotiation.response"
	EventConsensusMetadata   = "consensus.metadata"
)

// Subscription is one client's view of a transcript. Read events from C;
// the channel closes when the subscription or the hub shuts down.
type Subscription struct {
	C <-chan Event

	hub       *Hub
	requestID string
	ch        chan Event
	closeOnce sync.Once
}

// Close detaches the subscription from the hub and closes C.
// The hub lock is taken before the channel closes, never inside the
// once, so a concurrent Hub.Close cannot deadlock against it.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.closeOnce.Do(func() { close(s.ch) })
}

// Hub fans transcript events out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	bufferSize int
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}

	dropped atomic.Int64
}

// NewHub creates a hub whose subscriptions buffer up to bufferSize
// events. A nil logger disables logging.
func NewHub(bufferSize int, log *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		bufferSize: bufferSize,
		log:        log,
		subs:       make(map[string]map[*Subscription]struct{}),
		all:        make(map[*Subscription]struct{}),
	}
}

// Subscribe attaches a client to one request's transcript. On a closed
// hub the returned subscription is already closed.
func (h *Hub) Subscribe(requestID string) *Subscription {
	sub := &Subscription{hub: h, requestID: requestID, ch: make(chan Event, h.bufferSize)}
	sub.C = sub.ch

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[requestID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("Transcript subscriber attached", zap.String("request_id", requestID))
	return sub
}

// SubscribeAll attaches a client to every request's transcript.
func (h *Hub) SubscribeAll() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.bufferSize)}
	sub.C = sub.ch

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	h.all[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber of its request plus the
// firehose subscribers. Events without a request ID are discarded.
func (h *Hub) Publish(evt Event) {
	if evt.RequestID == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs[evt.RequestID] {
		h.send(sub, evt)
	}
	for sub := range h.all {
		h.send(sub, evt)
	}
}

func (h *Hub) send(sub *Subscription, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		h.dropped.Add(1)
		h.log.Debug("Transcript subscriber buffer full, dropping event",
			zap.String("request_id", evt.RequestID),
			zap.String("type", evt.Type))
	}
}

// SubscriberCount reports how many clients watch the given request.
func (h *Hub) SubscriberCount(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}

// Dropped reports how many events were lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close shuts the hub down and closes every subscription channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
	}
	for sub := range h.all {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.all = make(map[*Subscription]struct{})
	h.log.Info("Transcript hub closed")
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.requestID != "" {
		if set, ok := h.subs[sub.requestID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.requestID)
			}
		}
		return
	}
	delete(h.all, sub)
}
