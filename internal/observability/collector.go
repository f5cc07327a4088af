// Package observability exposes the proxy's Prometheus metrics and
// OpenTelemetry traces. The Collector covers three views of the system:
// HTTP traffic at the gateway, per-member provider calls, and consensus
// outcomes. Tracing is wired separately through Setup and Tracer.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/councilproxy/councilproxy/internal/models"
)

// Collector owns every Prometheus metric the proxy emits. It registers
// on its own registry so multiple instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	// Gateway metrics.
	HTTPDuration *prometheus.HistogramVec
	HTTPRequests *prometheus.CounterVec

	// Provider metrics, fed by the pool after every call.
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	ProviderHealth   *prometheus.GaugeVec

	// Consensus metrics, fed by the event sink adapter.
	ConsensusDuration  prometheus.Histogram
	ConsensusAgreement *prometheus.HistogramVec
	NegotiationRounds  *prometheus.HistogramVec
	FallbacksTotal     *prometheus.CounterVec
	EscalationsTotal   prometheus.Counter
	DeadlocksTotal     prometheus.Counter
	TokensAvoidedTotal prometheus.Counter

	// Cost metrics.
	TokensTotal *prometheus.CounterVec
	CostUSD     *prometheus.CounterVec
}

// NewCollector builds and registers all metrics under the given
// namespace. Pass the namespace from MonitoringConfig so dashboards can
// distinguish deployments.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),

		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider calls by member and outcome",
			},
			[]string{"member", "outcome"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Provider call latency in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"member"},
		),
		ProviderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "Retry attempts beyond the first call, by member",
			},
			[]string{"member"},
		),
		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_failures_total",
				Help:      "Provider failures by member and error kind",
			},
			[]string{"member", "kind"},
		),
		ProviderHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider health: 2 healthy, 1 degraded, 0 disabled",
			},
			[]string{"member"},
		),

		ConsensusDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consensus_duration_seconds",
				Help:      "Time from request receipt to consensus decision",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		ConsensusAgreement: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consensus_agreement_level",
				Help:      "Agreement level of the final decision",
				Buckets:   []float64{.5, .6, .7, .75, .8, .85, .9, .95, 1},
			},
			[]string{"strategy"},
		),
		NegotiationRounds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "negotiation_rounds",
				Help:      "Negotiation rounds used per iterative request",
				Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"strategy"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consensus_fallbacks_total",
				Help:      "Iterative requests resolved by the fallback strategy",
			},
			[]string{"strategy"},
		),
		EscalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Requests escalated to human review",
			},
		),
		DeadlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consensus_deadlocks_total",
				Help:      "Negotiations that detected a deadlock",
			},
		),
		TokensAvoidedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_avoided_total",
				Help:      "Tokens saved by early termination of negotiation",
			},
		),

		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens consumed by member and direction",
			},
			[]string{"member", "direction"},
		),
		CostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_usd_total",
				Help:      "Estimated provider spend in USD by member",
			},
			[]string{"member"},
		),
	}

	c.registry.MustRegister(
		c.HTTPDuration,
		c.HTTPRequests,
		c.ProviderCalls,
		c.ProviderLatency,
		c.ProviderRetries,
		c.ProviderFailures,
		c.ProviderHealth,
		c.ConsensusDuration,
		c.ConsensusAgreement,
		c.NegotiationRounds,
		c.FallbacksTotal,
		c.EscalationsTotal,
		c.DeadlocksTotal,
		c.TokensAvoidedTotal,
		c.TokensTotal,
		c.CostUSD,
	)
	c.registry.MustRegister(collectors.NewGoCollector())
	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTP records one gateway request.
func (c *Collector) ObserveHTTP(method, path, status string, duration time.Duration) {
	c.HTTPDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	c.HTTPRequests.WithLabelValues(method, path, status).Inc()
}

// ProviderCall implements the pool's metrics hook.
func (c *Collector) ProviderCall(memberID string, success bool, latencyMs int64, attempts int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.ProviderCalls.WithLabelValues(memberID, outcome).Inc()
	c.ProviderLatency.WithLabelValues(memberID).Observe(float64(latencyMs) / 1000)
	if attempts > 1 {
		c.ProviderRetries.WithLabelValues(memberID).Add(float64(attempts - 1))
	}
}

// ProviderFailure records one classified provider error.
func (c *Collector) ProviderFailure(memberID string, kind models.ErrorKind) {
	c.ProviderFailures.WithLabelValues(memberID, string(kind)).Inc()
}

// HealthChanged tracks provider health transitions. Wire it to the
// tracker's OnStatusChange hook.
func (c *Collector) HealthChanged(memberID string, _, to models.HealthStatus) {
	c.ProviderHealth.WithLabelValues(memberID).Set(healthValue(to))
}

func healthValue(s models.HealthStatus) float64 {
	switch s {
	case models.HealthHealthy:
		return 2
	case models.HealthDegraded:
		return 1
	default:
		return 0
	}
}
