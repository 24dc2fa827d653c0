package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/pkg/circuitbreaker"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
)

// SessionStore returns session details for a user. Implementations always
// return a usable session.
type SessionStore interface {
	Lookup(ctx context.Context, userID string) models.Payload
}

// SyntheticSessions builds a session from the user id and the clock.
type SyntheticSessions struct {
	now func() time.Time
}

func NewSyntheticSessions(now func() time.Time) *SyntheticSessions {
	if now == nil {
		now = time.Now
	}
	return &SyntheticSessions{now: now}
}

func (s *SyntheticSessions) Lookup(_ context.Context, userID string) models.Payload {
	now := s.now().UTC()
	return models.Payload{
		"session_id":    fmt.Sprintf("session_%s_%d", userID, now.Unix()),
		"session_start": now.Add(-30 * time.Minute).Format(time.RFC3339Nano),
		"device_type":   "web",
		"location":      "unknown",
	}
}

// RedisSessionStore reads JSON sessions stored at <prefix><user_id>.
// Misses, decode failures and Redis errors fall back to a synthetic session.
type RedisSessionStore struct {
	client   redis.UniversalClient
	breaker  *circuitbreaker.Wrapper
	prefix   string
	fallback SessionStore
	logger   logger.Logger
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, breaker *circuitbreaker.Wrapper, fallback SessionStore, log logger.Logger) *RedisSessionStore {
	if prefix == "" {
		prefix = constants.CacheKeyPrefixSession
	}
	if breaker == nil {
		breaker = circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("redis-sessions"))
	}
	return &RedisSessionStore{
		client:   client,
		breaker:  breaker,
		prefix:   prefix,
		fallback: fallback,
		logger:   log,
	}
}

func (s *RedisSessionStore) Lookup(ctx context.Context, userID string) models.Payload {
	key := s.prefix + userID

	raw, err := circuitbreaker.Call(ctx, s.breaker, func() (string, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// A miss is not a failure of the store.
			return "", nil
		}
		return v, err
	})
	if err != nil {
		metrics.SessionLookupsTotal.WithLabelValues("error").Inc()
		s.logger.WarnwCtx(ctx, "Session lookup failed, using synthetic session",
			"key", key,
			"error", err,
		)
		return s.fallback.Lookup(ctx, userID)
	}
	if raw == "" {
		metrics.SessionLookupsTotal.WithLabelValues("miss").Inc()
		return s.fallback.Lookup(ctx, userID)
	}

	var session models.Payload
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session == nil {
		metrics.SessionLookupsTotal.WithLabelValues("invalid").Inc()
		s.logger.WarnwCtx(ctx, "Stored session is not a JSON object",
			"key", key,
		)
		return s.fallback.Lookup(ctx, userID)
	}

	metrics.SessionLookupsTotal.WithLabelValues("hit").Inc()
	return session
}
