package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCheckTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Optional  bool      `json:"optional,omitempty"`
	Latency   string    `json:"latency"`
	Timestamp time.Time `json:"timestamp"`
}

type registered struct {
	checker  Checker
	optional bool
}

// CheckerRegistry runs all registered checks concurrently. A failing required
// check makes the whole report unhealthy, a failing optional one degrades it.
type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers []registered
	timeout  time.Duration
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]registered, 0),
		timeout:  DefaultCheckTimeout,
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, registered{checker: checker})
}

func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, registered{checker: checker, optional: true})
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	checkers := append([]registered(nil), r.checkers...)
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checkers {
		wg.Add(1)
		go func(c registered) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := c.checker.Check(checkCtx)
			result := CheckResult{
				Status:    StatusHealthy,
				Optional:  c.optional,
				Latency:   time.Since(start).String(),
				Timestamp: time.Now(),
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}

			mu.Lock()
			results[c.checker.Name()] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return Health{
		Status:    overallStatus(results),
		Timestamp: time.Now(),
		Checks:    results,
	}
}

func overallStatus(results map[string]CheckResult) Status {
	status := StatusHealthy
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if !res.Optional {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// CheckFunc adapts a plain probe function into a Checker.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string {
	return c.name
}

func (c *CheckFunc) Check(ctx context.Context) error {
	if err := c.fn(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", c.name, err)
	}
	return nil
}

type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
