// Package resilience provides retry, circuit-breaking, and bounded fan-out
// helpers shared by the Embedder and Extractor's remote calls.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devmesh-labs/theme-evolution/internal/observability"
)

// RetryConfig configures capped exponential backoff retry for embedding and
// generation calls (base 500ms, factor 2 by default). MaxRetries counts the
// retries after the first attempt, so MaxRetries 3 allows 4 attempts in all.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig matches the specification's default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
		Multiplier: 2.0,
	}
}

// RetryWithBackoff runs fn, retrying on error with capped exponential
// backoff until config.MaxRetries is exhausted or ctx is done. The last
// error is returned unwrapped so callers can test it with errors.Is.
func RetryWithBackoff(ctx context.Context, config RetryConfig, logger observability.Logger, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.BaseDelay
	policy.MaxInterval = config.MaxDelay
	policy.Multiplier = config.Multiplier
	policy.MaxElapsedTime = 0

	bounded := backoff.WithMaxRetries(policy, uint64(config.MaxRetries))
	withCtx := backoff.WithContext(bounded, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err != nil {
			attempt++
			logger.Warn("retrying after error", map[string]interface{}{
				"attempt":      attempt,
				"max_attempts": config.MaxRetries,
				"error":        err.Error(),
			})
		}
		return err
	}, withCtx)
}
