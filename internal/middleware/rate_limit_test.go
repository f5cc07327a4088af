package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(t *testing.T, rl *RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Cleanup(rl.Stop)

	r := gin.New()
	r.Use(RequestID(), rl.Middleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doPing(r *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstThenRejects(t *testing.T) {
	// 1 rpm refills too slowly to matter inside the test window.
	r := limitedRouter(t, NewRateLimiter(1, 3))

	for i := 0; i < 3; i++ {
		w := doPing(r, "")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i)
	}

	w := doPing(r, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	// 6000 rpm refills a token every 10ms.
	r := limitedRouter(t, NewRateLimiter(6000, 1))

	assert.Equal(t, http.StatusOK, doPing(r, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doPing(r, "").Code)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, http.StatusOK, doPing(r, "").Code)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	r := limitedRouter(t, NewRateLimiter(1, 1))

	assert.Equal(t, http.StatusOK, doPing(r, "alpha").Code)
	assert.Equal(t, http.StatusTooManyRequests, doPing(r, "alpha").Code)

	// A different client still has its full burst.
	assert.Equal(t, http.StatusOK, doPing(r, "beta").Code)
}

func TestRateLimiter_SetsLimitHeaders(t *testing.T) {
	r := limitedRouter(t, NewRateLimiter(60, 5))

	w := doPing(r, "")
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}
