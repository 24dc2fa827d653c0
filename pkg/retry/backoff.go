package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff never gives up on its own; callers bound it with
// WithMaxRetries or a context.
func ExponentialBackoff(initialInterval, maxInterval time.Duration, multiplier float64) backoff.BackOff {
	return ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, 0, multiplier)
}

func ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// CalculateBackoffDuration is the un-jittered delay before retry number attempt.
func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}
