package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/councilproxy/councilproxy/internal/models"
)

const maxErrorBodyLen = 256

// NormalizeHTTPError classifies a non-2xx provider response. Status codes the
// classification table names win over body text; unlisted statuses fall back
// to the textual timeout rule, then UNKNOWN_ERROR.
func NormalizeHTTPError(provider string, status int, body []byte) *models.CouncilError {
	kind := classifyStatus(status)
	msg := http.StatusText(status)
	if snippet := trimBody(body); snippet != "" {
		msg = msg + ": " + snippet
	}
	if kind == models.ErrUnknown && containsTimeout(msg) {
		kind = models.ErrTimeout
	}
	return &models.CouncilError{
		Kind:       kind,
		Provider:   provider,
		Message:    msg,
		HTTPStatus: status,
	}
}

// NormalizeTransportError classifies a failure that happened before response
// headers arrived: deadline expiry, connection refusal, DNS, resets.
func NormalizeTransportError(provider string, err error) *models.CouncilError {
	kind := models.ErrNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = models.ErrTimeout
	case isTimeout(err):
		kind = models.ErrTimeout
	case containsTimeout(err.Error()):
		kind = models.ErrTimeout
	}
	return &models.CouncilError{
		Kind:     kind,
		Provider: provider,
		Message:  err.Error(),
		Err:      err,
	}
}

func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return models.ErrRateLimit
	case status == http.StatusServiceUnavailable:
		return models.ErrServiceUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return models.ErrAuthentication
	case status >= 400 && status < 500:
		return models.ErrInvalidRequest
	default:
		return models.ErrUnknown
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsTimeout(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "deadline exceeded")
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyLen {
		s = s[:maxErrorBodyLen]
	}
	return s
}
