package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/analytics"
	"github.com/councilproxy/councilproxy/internal/database"
	"github.com/councilproxy/councilproxy/internal/middleware"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Council is the orchestration surface the API drives. The orchestrator
// engine implements it.
type Council interface {
	ProcessRequest(ctx context.Context, req models.UserRequest) (*models.ProcessResult, error)
	ProviderHealth() []models.ProviderHealth
	EnableProvider(id string)
	DisableProvider(id, reason string)
}

// ConfigSource exposes the active council membership for validation and
// health listings.
type ConfigSource interface {
	CouncilConfig() models.CouncilConfig
}

// Archive reads the persisted record of past requests.
type Archive interface {
	Detail(ctx context.Context, id string) (*database.RequestDetail, error)
	Recent(ctx context.Context, limit int) ([]*database.StoredRequest, error)
}

// Streamer upgrades transcript subscriptions to WebSocket connections.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, requestID string) error
}

// Reports aggregates the analytics warehouse into operator summaries.
type Reports interface {
	MemberPerformance(ctx context.Context, window time.Duration) ([]analytics.MemberStats, error)
	StrategyBreakdown(ctx context.Context, window time.Duration) ([]analytics.StrategyStats, error)
	DailyCosts(ctx context.Context, days int) ([]analytics.DailyCost, error)
}

// Handler serves the council API routes. Archive, streamer and reports may be
// nil when persistence, streaming or analytics is disabled; their routes then
// answer 503.
type Handler struct {
	council  Council
	config   ConfigSource
	archive  Archive
	streamer Streamer
	reports  Reports
	checks   map[string]func() error
	log      *logrus.Logger
}

// NewHandler wires the API handlers. The checks map feeds the /health
// endpoint, keyed by component name.
func NewHandler(council Council, config ConfigSource, archive Archive, streamer Streamer, checks map[string]func() error, log *logrus.Logger) *Handler {
	return &Handler{
		council:  council,
		config:   config,
		archive:  archive,
		streamer: streamer,
		checks:   checks,
		log:      log,
	}
}

// WithReports attaches the analytics reporter.
func (h *Handler) WithReports(r Reports) *Handler {
	h.reports = r
	return h
}

type queryRequest struct {
	ID        string `json:"id"`
	Query     string `json:"query" binding:"required"`
	SessionID string `json:"session_id"`
	Context   string `json:"context"`
	Preset    string `json:"preset"`
}

type queryResponse struct {
	RequestID string                    `json:"request_id"`
	Decision  *models.ConsensusDecision `json:"decision"`
	Metrics   *models.RequestMetrics    `json:"metrics,omitempty"`
	Degraded  bool                      `json:"degraded,omitempty"`
}

// Query handles POST /v1/council/query. Clients may supply their own request
// id (a UUID) to subscribe to the transcript stream before submitting;
// otherwise one is generated.
func (h *Handler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.NewError(models.ErrInvalidRequest, "invalid request body: "+err.Error()))
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		respondError(c, models.NewError(models.ErrInvalidRequest, "request id must be a UUID"))
		return
	}

	result, err := h.council.ProcessRequest(c.Request.Context(), models.UserRequest{
		ID:        req.ID,
		Query:     req.Query,
		SessionID: req.SessionID,
		Context:   req.Context,
		Preset:    req.Preset,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.WithError(err).WithField("request_id", req.ID).Warn("Council request failed")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, queryResponse{
		RequestID: result.RequestID,
		Decision:  result.Decision,
		Metrics:   result.Metrics,
		Degraded:  result.Degraded,
	})
}

// ListProviderHealth handles GET /v1/providers/health. The listing covers
// every configured member; members the tracker has not seen yet report as
// healthy with zeroed stats.
func (h *Handler) ListProviderHealth(c *gin.Context) {
	tracked := make(map[string]models.ProviderHealth)
	for _, ph := range h.council.ProviderHealth() {
		tracked[ph.ProviderID] = ph
	}

	members := h.config.CouncilConfig().Members
	providers := make([]models.ProviderHealth, 0, len(members))
	for _, m := range members {
		if ph, ok := tracked[m.ID]; ok {
			providers = append(providers, ph)
			continue
		}
		providers = append(providers, models.ProviderHealth{ProviderID: m.ID, Status: models.HealthHealthy})
	}

	c.JSON(http.StatusOK, gin.H{"providers": providers, "count": len(providers)})
}

type disableRequest struct {
	Reason string `json:"reason"`
}

// EnableProvider handles POST /v1/providers/:id/enable.
func (h *Handler) EnableProvider(c *gin.Context) {
	id := c.Param("id")
	if !h.isMember(id) {
		respondError(c, models.NewProviderError(models.ErrProviderNotConfigured, id, "provider not configured"))
		return
	}

	h.council.EnableProvider(id)
	h.log.WithField("provider", id).Info("Provider enabled by operator")
	c.JSON(http.StatusOK, gin.H{"provider_id": id, "status": models.HealthHealthy})
}

// DisableProvider handles POST /v1/providers/:id/disable.
func (h *Handler) DisableProvider(c *gin.Context) {
	id := c.Param("id")
	if !h.isMember(id) {
		respondError(c, models.NewProviderError(models.ErrProviderNotConfigured, id, "provider not configured"))
		return
	}

	var req disableRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewError(models.ErrInvalidRequest, "invalid request body: "+err.Error()))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "disabled by operator"
	}

	h.council.DisableProvider(id, req.Reason)
	h.log.WithFields(logrus.Fields{"provider": id, "reason": req.Reason}).Warn("Provider disabled by operator")
	c.JSON(http.StatusOK, gin.H{"provider_id": id, "status": models.HealthDisabled, "reason": req.Reason})
}

// isMember reports whether id names a configured council member. The health
// tracker accepts any id, so the check keeps operator typos from creating
// phantom rows.
func (h *Handler) isMember(id string) bool {
	for _, m := range h.config.CouncilConfig().Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// GetRequest handles GET /v1/requests/:id.
func (h *Handler) GetRequest(c *gin.Context) {
	if h.archive == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "request persistence is disabled"))
		return
	}

	detail, err := h.archive.Detail(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		respondErrorStatus(c, http.StatusNotFound, models.ErrInvalidRequest, "request not found")
		return
	}
	if err != nil {
		h.log.WithError(err).Error("Archive lookup failed")
		respondError(c, models.WrapError(models.ErrUnknown, "failed to load request", err))
		return
	}

	c.JSON(http.StatusOK, detail)
}

// ListRequests handles GET /v1/requests.
func (h *Handler) ListRequests(c *gin.Context) {
	if h.archive == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "request persistence is disabled"))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	requests, err := h.archive.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Archive listing failed")
		respondError(c, models.WrapError(models.ErrUnknown, "failed to list requests", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

// MemberReport handles GET /v1/analytics/members. The window defaults to the
// last 24 hours.
func (h *Handler) MemberReport(c *gin.Context) {
	if h.reports == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "analytics is disabled"))
		return
	}

	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 {
		hours = 24
	}
	stats, err := h.reports.MemberPerformance(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.log.WithError(err).Error("Member report failed")
		respondError(c, models.WrapError(models.ErrUnknown, "failed to build member report", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"members": stats, "window_hours": hours})
}

// StrategyReport handles GET /v1/analytics/strategies.
func (h *Handler) StrategyReport(c *gin.Context) {
	if h.reports == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "analytics is disabled"))
		return
	}

	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 {
		hours = 24
	}
	stats, err := h.reports.StrategyBreakdown(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.log.WithError(err).Error("Strategy report failed")
		respondError(c, models.WrapError(models.ErrUnknown, "failed to build strategy report", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"strategies": stats, "window_hours": hours})
}

// CostReport handles GET /v1/analytics/costs, one row per calendar day.
func (h *Handler) CostReport(c *gin.Context) {
	if h.reports == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "analytics is disabled"))
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days <= 0 {
		days = 7
	}
	costs, err := h.reports.DailyCosts(c.Request.Context(), days)
	if err != nil {
		h.log.WithError(err).Error("Cost report failed")
		respondError(c, models.WrapError(models.ErrUnknown, "failed to build cost report", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"costs": costs, "days": days})
}

// Stream handles GET /v1/council/stream/:id, upgrading to a WebSocket that
// receives the request's deliberation transcript as it happens.
func (h *Handler) Stream(c *gin.Context) {
	if h.streamer == nil {
		respondError(c, models.NewError(models.ErrServiceUnavailable, "transcript streaming is disabled"))
		return
	}

	if err := h.streamer.ServeWS(c.Writer, c.Request, c.Param("id")); err != nil {
		// The upgrader has already written its own response.
		h.log.WithError(err).Debug("WebSocket upgrade failed")
	}
}

// Health handles GET /health. Component checks run inline; any failure flips
// the overall status and the response code.
func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	components := gin.H{}
	for name, check := range h.checks {
		if err := check(); err != nil {
			components[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = gin.H{"status": "healthy"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
