package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/councilproxy/councilproxy/internal/models"
)

// BodySizeLimit rejects requests whose body exceeds max bytes. Declared
// lengths are checked up front; chunked bodies are capped by MaxBytesReader
// so a handler's read fails instead of buffering without bound.
func BodySizeLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			abortWithError(c, http.StatusRequestEntityTooLarge, models.ErrInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", max))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// RequireJSON rejects bodied requests that do not declare a JSON content
// type. Requests without a body pass through.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength == 0 && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		if ct := c.ContentType(); !strings.HasPrefix(ct, "application/json") {
			abortWithError(c, http.StatusUnsupportedMediaType, models.ErrInvalidRequest,
				fmt.Sprintf("unsupported content type %q, expected application/json", ct))
			return
		}
		c.Next()
	}
}
