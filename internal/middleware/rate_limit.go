package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/councilproxy/councilproxy/internal/models"
)

// RateLimiter caps per-client request rates with token buckets. Each client
// key holds up to burst tokens and refills at rpm per minute; a request
// spends one token. Clients are keyed by API key when one is presented,
// otherwise by IP.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stop     chan struct{}
	stopOnce sync.Once
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst capacity and starts its bucket janitor. Call Stop on shutdown.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Middleware returns the gin handler enforcing the limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := limitKey(c)
		allowed, remaining, retryAfter := rl.take(key)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			abortWithError(c, http.StatusTooManyRequests, models.ErrRateLimit, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// Stop terminates the janitor goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// take spends a token for key, refilling first based on elapsed time.
func (rl *RateLimiter) take(key string) (allowed bool, remaining, retryAfter int) {
	perSecond := float64(rl.rpm) / 60.0
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.burst), lastSeen: now}
		rl.buckets[key] = bucket
	}

	bucket.tokens = math.Min(float64(rl.burst), bucket.tokens+now.Sub(bucket.lastSeen).Seconds()*perSecond)
	bucket.lastSeen = now

	if bucket.tokens < 1 {
		wait := int(math.Ceil((1 - bucket.tokens) / perSecond))
		if wait < 1 {
			wait = 1
		}
		return false, 0, wait
	}
	bucket.tokens--
	return true, int(bucket.tokens), 0
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for key, bucket := range rl.buckets {
				if bucket.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func limitKey(c *gin.Context) string {
	if key := clientKey(c); key != "" {
		return "key:" + key
	}
	return "ip:" + c.ClientIP()
}
