package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPLimiter is the server-level token bucket applied per client IP before
// any request reaches the engine. It protects the API surface itself; the
// tiered Limiter above governs the business decision.
type HTTPLimiter struct {
	mu                sync.Mutex
	clients           map[string]*clientBucket
	requestsPerMinute int
	burst             int
	stop              chan struct{}
}

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewHTTPLimiter creates an IP token-bucket limiter and starts its sweeper.
func NewHTTPLimiter(requestsPerMinute, burst int) *HTTPLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	l := &HTTPLimiter{
		clients:           make(map[string]*clientBucket),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		stop:              make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop stops the sweeper goroutine.
func (l *HTTPLimiter) Stop() {
	close(l.stop)
}

func (l *HTTPLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow checks whether a request from key is within the bucket.
func (l *HTTPLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientBucket{
			tokens:    float64(l.burst - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.requestsPerMinute) / 60.0
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware returns a gin middleware that rate limits by client IP.
func (l *HTTPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
