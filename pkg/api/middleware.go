package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request with method, path, status,
// and latency.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request", attrs...)
		} else {
			logger.Info("request", attrs...)
		}
	}
}

// rateLimiter enforces a per-client-IP request budget over a sliding
// one-minute window.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string][]time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		limit:   requestsPerMinute,
		clients: make(map[string][]time.Time),
	}
}

// allow records the request and reports whether it fits the window.
func (r *rateLimiter) allow(clientIP string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	recent := r.clients[clientIP][:0]
	for _, t := range r.clients[clientIP] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.clients[clientIP] = recent
		return false
	}
	r.clients[clientIP] = append(recent, now)
	return true
}

func (r *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, retry later",
			})
			return
		}
		c.Next()
	}
}
