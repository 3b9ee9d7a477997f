package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestExecuteOpensAfterRepeatedFailures(t *testing.T) {
	ResetCircuitBreakers()
	cfg := CircuitBreakerConfig{
		Name:         "test-breaker",
		MaxRequests:  1,
		Interval:     time.Second,
		Timeout:      time.Second,
		FailureRatio: 0.5,
	}

	failing := func() (string, error) {
		return "", errors.New("boom")
	}

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = Execute(cfg, failing)
	}

	assert.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, gobreaker.ErrOpenState)
}

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	ResetCircuitBreakers()
	cfg := DefaultCircuitBreakerConfig("test-success")

	result, err := Execute(cfg, func() (int, error) {
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}
