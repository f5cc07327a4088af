package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/councilproxy/councilproxy/internal/models"
)

// RequestIDHeader carries the request id on both requests and responses.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID assigns every request an id, honoring a client-supplied
// X-Request-ID so callers can correlate their own traces. The id is echoed
// on the response and stored in the gin context for handlers and later
// middleware.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext returns the id assigned by RequestID, or "" when the
// middleware did not run.
func RequestIDFromContext(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// abortWithError stops the request with the shared error envelope.
func abortWithError(c *gin.Context, status int, kind models.ErrorKind, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"kind":       kind,
			"message":    message,
			"request_id": RequestIDFromContext(c),
		},
	})
}
