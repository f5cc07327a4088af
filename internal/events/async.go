package events

import (
	"sync"
	"sync/atomic"

	"github.com/councilproxy/councilproxy/internal/models"
)

// AsyncSink applies events to the wrapped sink on a background worker so
// slow sinks (database, broker) never sit on the request path. The queue is
// bounded; when it is full the event is dropped and counted.
type AsyncSink struct {
	inner   Sink
	queue   chan func()
	done    chan struct{}
	dropped int64
	mu      sync.RWMutex
	closed  bool
}

// NewAsyncSink wraps a sink with a bounded asynchronous queue.
func NewAsyncSink(inner Sink, queueSize int) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AsyncSink{
		inner: inner,
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for fn := range s.queue {
		fn()
	}
}

func (s *AsyncSink) enqueue(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		atomic.AddInt64(&s.dropped, 1)
		return
	}
	select {
	case s.queue <- fn:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (s *AsyncSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops accepting events and waits for the queue to drain.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}

func (s *AsyncSink) LogRequest(req models.UserRequest) {
	s.enqueue(func() { s.inner.LogRequest(req) })
}

func (s *AsyncSink) LogCouncilResponse(requestID string, resp *models.ProviderResponse) {
	s.enqueue(func() { s.inner.LogCouncilResponse(requestID, resp) })
}

func (s *AsyncSink) LogDeliberationRound(requestID string, round models.DeliberationRound) {
	s.enqueue(func() { s.inner.LogDeliberationRound(requestID, round) })
}

func (s *AsyncSink) LogConsensusDecision(requestID string, decision *models.ConsensusDecision) {
	s.enqueue(func() { s.inner.LogConsensusDecision(requestID, decision) })
}

func (s *AsyncSink) LogCost(requestID string, metrics *models.RequestMetrics) {
	s.enqueue(func() { s.inner.LogCost(requestID, metrics) })
}

func (s *AsyncSink) LogProviderFailure(providerID string, err error) {
	s.enqueue(func() { s.inner.LogProviderFailure(providerID, err) })
}

func (s *AsyncSink) LogNegotiationRound(requestID string, round int, avgSimilarity float64) {
	s.enqueue(func() { s.inner.LogNegotiationRound(requestID, round, avgSimilarity) })
}

func (s *AsyncSink) LogNegotiationResponse(requestID string, resp *models.NegotiationResponse) {
	s.enqueue(func() { s.inner.LogNegotiationResponse(requestID, resp) })
}

func (s *AsyncSink) LogConsensusMetadata(requestID string, meta *models.ConsensusMetadata) {
	s.enqueue(func() { s.inner.LogConsensusMetadata(requestID, meta) })
}
