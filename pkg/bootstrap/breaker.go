package bootstrap

import (
	"github.com/sony/gobreaker"

	"cdcstream/internal/config"
	"cdcstream/internal/logger"
	"cdcstream/pkg/circuitbreaker"
)

// NewBreaker builds a named breaker from cfg. A disabled breaker never
// trips but still reports its metrics.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, log logger.Logger) *circuitbreaker.Wrapper {
	cbCfg := circuitbreaker.DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		cbCfg.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbCfg.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbCfg.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 {
		cbCfg.FailureRatio = cfg.FailureRatio
	}
	if cfg.MinRequests > 0 {
		cbCfg.MinRequests = cfg.MinRequests
	}

	if !cfg.Enabled {
		cbCfg.ReadyToTrip = func(gobreaker.Counts) bool { return false }
	}

	cbCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnw("Circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	return circuitbreaker.NewWrapper(cbCfg)
}
