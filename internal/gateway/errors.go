package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/councilproxy/councilproxy/internal/middleware"
	"github.com/councilproxy/councilproxy/internal/models"
)

// statusForKind maps council error kinds onto HTTP statuses. Kinds without
// an explicit mapping report as internal errors.
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidRequest:
		return http.StatusBadRequest
	case models.ErrAuthentication:
		return http.StatusUnauthorized
	case models.ErrProviderNotConfigured:
		return http.StatusNotFound
	case models.ErrProviderDisabled:
		return http.StatusConflict
	case models.ErrRateLimit:
		return http.StatusTooManyRequests
	case models.ErrTimeout, models.ErrGlobalDeadlineExceeded:
		return http.StatusGatewayTimeout
	case models.ErrServiceUnavailable, models.ErrInsufficientMembers:
		return http.StatusServiceUnavailable
	case models.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the shared error envelope for err at the status its
// kind maps to. For council errors the clean message is used rather than the
// full wrapped chain.
func respondError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	message := err.Error()
	var cerr *models.CouncilError
	if errors.As(err, &cerr) && cerr.Message != "" {
		message = cerr.Message
	}
	respondErrorStatus(c, statusForKind(kind), kind, message)
}

// respondErrorStatus writes the envelope with an explicit status, for cases
// the kind mapping does not cover, like unknown resource ids.
func respondErrorStatus(c *gin.Context, status int, kind models.ErrorKind, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"kind":       kind,
			"message":    message,
			"request_id": middleware.RequestIDFromContext(c),
		},
	})
}
