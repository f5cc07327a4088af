package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// Recovery converts handler panics into 500 responses with the shared error
// envelope. The panic value and stack are logged; the client sees only a
// generic message.
func Recovery(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"panic":      r,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"request_id": RequestIDFromContext(c),
				}).Error("Handler panicked")
				abortWithError(c, http.StatusInternalServerError, models.ErrUnknown, "internal server error")
			}
		}()
		c.Next()
	}
}
