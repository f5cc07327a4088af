package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPObserver receives one observation per completed request. The
// observability collector implements it.
type HTTPObserver interface {
	ObserveHTTP(method, path, status string, duration time.Duration)
}

// Metrics records request counts and latency per route. The route template
// (c.FullPath) is used instead of the raw URL so parameterized routes do not
// explode the label space; unmatched requests share one bucket.
func Metrics(obs HTTPObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		obs.ObserveHTTP(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
