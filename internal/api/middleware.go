package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

// RequestLogger logs one structured line per request.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("request", map[string]interface{}{
			"client_ip": c.ClientIP(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"method":    c.Request.Method,
			"path":      path,
		})
		if len(c.Errors) > 0 {
			logger.Error("request errors", map[string]interface{}{
				"path":   path,
				"errors": c.Errors.String(),
			})
		}
	}
}

// MetricsMiddleware records request durations per method and path.
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		metrics.RecordDuration("api_request_duration_seconds", time.Since(start), map[string]string{
			"method":   c.Request.Method,
			"endpoint": c.FullPath(),
		})
	}
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPS        int
	Burst      int
	Expiration time.Duration
}

// RateLimiterStorage keeps one limiter per client with lazy expiry.
type RateLimiterStorage struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	expiry   map[string]time.Time
	config   RateLimitConfig
}

// NewRateLimiterStorage creates the per-client limiter store.
func NewRateLimiterStorage(config RateLimitConfig) *RateLimiterStorage {
	if config.Expiration <= 0 {
		config.Expiration = 10 * time.Minute
	}
	return &RateLimiterStorage{
		limiters: make(map[string]*rate.Limiter),
		expiry:   make(map[string]time.Time),
		config:   config,
	}
}

// GetLimiter returns the limiter for a client key, creating or replacing an
// expired one.
func (s *RateLimiterStorage) GetLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, exists := s.limiters[key]; exists {
		if time.Now().Before(s.expiry[key]) {
			return limiter
		}
		delete(s.limiters, key)
		delete(s.expiry, key)
	}

	limiter := rate.NewLimiter(rate.Limit(s.config.RPS), s.config.Burst)
	s.limiters[key] = limiter
	s.expiry[key] = time.Now().Add(s.config.Expiration)
	return limiter
}

// RateLimiter limits requests per client IP.
func RateLimiter(config RateLimitConfig) gin.HandlerFunc {
	storage := NewRateLimiterStorage(config)

	return func(c *gin.Context) {
		if !storage.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware enables cross-origin access for the configured origin set.
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Accept, Mcp-Session-Id, Mcp-Protocol-Version")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
