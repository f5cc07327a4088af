// Package gateway serves the council HTTP API: query submission, provider
// operations, persisted request lookups, transcript streaming, and the
// health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/middleware"
	"github.com/councilproxy/councilproxy/internal/observability"
)

// maxQueryBody caps council query bodies. Session context can make requests
// large, but a megabyte of query is a client bug.
const maxQueryBody = 1 << 20

// Server owns the gin engine and HTTP listener lifecycle.
type Server struct {
	cfg       *config.Config
	handler   *Handler
	collector *observability.Collector
	limiter   *middleware.RateLimiter
	engine    *gin.Engine
	log       *logrus.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer builds the engine and its middleware chain from configuration.
// A nil collector disables the metrics middleware and the /metrics route.
func NewServer(cfg *config.Config, handler *Handler, collector *observability.Collector, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		handler:   handler,
		collector: collector,
		log:       log,
	}
	if cfg.Server.RateLimitRPM > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.RateLimitRPM, cfg.Server.RateLimitBurst)
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	mode := s.cfg.Server.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.RequestID())
	if s.cfg.Server.EnableCORS {
		r.Use(middleware.CORS(s.cfg.Server.CORSOrigins))
	}
	if s.cfg.Server.RequestLogging {
		r.Use(middleware.AccessLog(s.log))
	}
	if s.collector != nil {
		r.Use(middleware.Metrics(s.collector))
	}

	r.GET("/health", s.handler.Health)
	if s.cfg.Monitoring.MetricsEnabled && s.collector != nil {
		path := s.cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(s.collector.Handler()))
	}

	api := r.Group("/v1", middleware.APIKeyAuth(s.cfg.Server.APIKeys, s.log))
	if s.limiter != nil {
		api.Use(s.limiter.Middleware())
	}

	api.POST("/council/query", middleware.BodySizeLimit(maxQueryBody), middleware.RequireJSON(), s.handler.Query)
	api.GET("/council/stream/:id", s.handler.Stream)
	api.GET("/providers/health", s.handler.ListProviderHealth)
	api.POST("/providers/:id/enable", s.handler.EnableProvider)
	api.POST("/providers/:id/disable", s.handler.DisableProvider)
	api.GET("/requests", s.handler.ListRequests)
	api.GET("/requests/:id", s.handler.GetRequest)
	api.GET("/analytics/members", s.handler.MemberReport)
	api.GET("/analytics/strategies", s.handler.StrategyReport)
	api.GET("/analytics/costs", s.handler.CostReport)

	return r
}

// Router returns the engine, primarily for tests driving it directly.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("gateway: server already running")
	}
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	s.running = true
	s.mu.Unlock()

	s.log.WithField("addr", s.server.Addr).Info("Starting council API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires and stops the rate
// limiter. Safe to call without a prior Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.running = false
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if server == nil {
		return nil
	}
	s.log.Info("Shutting down council API server")
	return server.Shutdown(ctx)
}
