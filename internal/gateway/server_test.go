package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/observability"
)

func TestServer_AuthProtectsAPIButNotProbes(t *testing.T) {
	d := newDeps()
	r := testRouter(t, d, func(cfg *config.Config) {
		cfg.Server.APIKeys = []string{"operator-key"}
	})

	w := get(r, "/v1/providers/health")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/health", nil)
	req.Header.Set("X-API-Key", "operator-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Probes stay open for load balancers.
	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
}

func TestServer_MetricsRoute(t *testing.T) {
	d := newDeps()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode},
		Monitoring: config.MonitoringConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
	}

	collector := observability.NewCollector("gatewaytest")
	h := NewHandler(d.council, d.config, d.archive, d.streamer, d.checks, log)
	srv := NewServer(cfg, h, collector, log)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	r := srv.Router()

	// Drive one request through the metrics middleware, then scrape.
	require.Equal(t, http.StatusOK, get(r, "/v1/providers/health").Code)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gatewaytest_http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/v1/providers/health"`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	d := newDeps()
	r := testRouter(t, d)

	assert.Equal(t, http.StatusNotFound, get(r, "/metrics").Code)
}

func TestServer_RateLimitsClients(t *testing.T) {
	d := newDeps()
	r := testRouter(t, d, func(cfg *config.Config) {
		cfg.Server.RateLimitRPM = 1
		cfg.Server.RateLimitBurst = 2
	})

	assert.Equal(t, http.StatusOK, get(r, "/v1/providers/health").Code)
	assert.Equal(t, http.StatusOK, get(r, "/v1/providers/health").Code)

	w := get(r, "/v1/providers/health")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT")

	// Probes are never rate limited.
	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
}

func TestServer_ErrorEnvelopeCarriesRequestID(t *testing.T) {
	d := newDeps()
	r := testRouter(t, d)

	req := httptest.NewRequest(http.MethodPost, "/v1/council/query", nil)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Request-ID", "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"trace-123"`)
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	d := newDeps()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{Server: config.ServerConfig{Mode: gin.TestMode, RateLimitRPM: 10}}
	h := NewHandler(d.council, d.config, d.archive, d.streamer, d.checks, log)
	srv := NewServer(cfg, h, nil, log)

	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Shutdown(context.Background()))
}
