package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"cdcstream/pkg/metrics"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             20.0,
		Burst:           40,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store keeps one token bucket per client IP and evicts idle clients.
type Store struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	now      func() time.Time
}

func NewStore(cfg RateLimitConfig) *Store {
	return &Store{
		cfg:      cfg,
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
	}
}

func (s *Store) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
		s.limiters[key] = l
	}
	l.lastSeen = s.now()
	return l.limiter
}

func (s *Store) evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for key, l := range s.limiters {
		if now.Sub(l.lastSeen) > s.cfg.MaxAge {
			delete(s.limiters, key)
			evicted++
		}
	}
	return evicted
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RunCleanup evicts idle clients until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func RateLimitMiddleware(store *Store) gin.HandlerFunc {
	limit := strconv.Itoa(int(store.cfg.RPS))

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		limiter := store.get(clientIP)
		c.Header("X-RateLimit-Limit", limit)

		if !limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()

		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}
