package llm

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/councilproxy/councilproxy/internal/models"
)

func TestNormalizeHTTPError_StatusTable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   models.ErrorKind
	}{
		{"rate limited", 429, `{"error":"quota"}`, models.ErrRateLimit},
		{"service unavailable", 503, "", models.ErrServiceUnavailable},
		{"unauthorized", 401, "", models.ErrAuthentication},
		{"forbidden", 403, "", models.ErrAuthentication},
		{"bad request", 400, `{"error":"missing model"}`, models.ErrInvalidRequest},
		{"not found", 404, "", models.ErrInvalidRequest},
		{"unprocessable", 422, "", models.ErrInvalidRequest},
		{"server error", 500, "internal", models.ErrUnknown},
		{"bad gateway", 502, "", models.ErrUnknown},
		{"gateway timeout text", 504, "", models.ErrTimeout},
		{"server error with timeout body", 500, "upstream timed out", models.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeHTTPError("openai", tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.Equal(t, "openai", err.Provider)
		})
	}
}

func TestNormalizeHTTPError_TrimsLongBody(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	err := NormalizeHTTPError("anthropic", 400, long)
	assert.LessOrEqual(t, len(err.Message), maxErrorBodyLen+64)
}

func TestNormalizeTransportError(t *testing.T) {
	deadlineErr := NormalizeTransportError("google", context.DeadlineExceeded)
	assert.Equal(t, models.ErrTimeout, deadlineErr.Kind)

	cancelErr := NormalizeTransportError("google", context.Canceled)
	assert.Equal(t, models.ErrTimeout, cancelErr.Kind)

	dnsErr := NormalizeTransportError("xai", &net.DNSError{Err: "no such host", Name: "api.x.ai"})
	assert.Equal(t, models.ErrNetwork, dnsErr.Kind)

	textualErr := NormalizeTransportError("openai", errors.New("dial tcp: i/o timeout"))
	assert.Equal(t, models.ErrTimeout, textualErr.Kind)

	refusedErr := NormalizeTransportError("openai", errors.New("dial tcp 127.0.0.1:9999: connect: connection refused"))
	assert.Equal(t, models.ErrNetwork, refusedErr.Kind)
}

func TestNormalizeTransportError_WrapsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := NormalizeTransportError("openai", cause)
	assert.ErrorIs(t, err, cause)
}
