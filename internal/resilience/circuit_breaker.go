package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig configures a named circuit breaker.
type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

// DefaultCircuitBreakerConfig protects the single external LLM/embedding
// endpoint from being hammered once it starts failing.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      60 * time.Second,
		FailureRatio: 0.5,
	}
}

var (
	breakers   = make(map[string]*gobreaker.CircuitBreaker)
	breakersMu sync.RWMutex
)

// GetCircuitBreaker returns the named breaker, creating it on first use.
func GetCircuitBreaker(config CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	breakersMu.RLock()
	cb, ok := breakers[config.Name]
	breakersMu.RUnlock()
	if ok {
		return cb
	}

	breakersMu.Lock()
	defer breakersMu.Unlock()
	if cb, ok := breakers[config.Name]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	breakers[config.Name] = cb
	return cb
}

// Execute runs fn through the named circuit breaker, short-circuiting with
// gobreaker.ErrOpenState while the breaker is tripped.
func Execute[T any](config CircuitBreakerConfig, fn func() (T, error)) (T, error) {
	cb := GetCircuitBreaker(config)
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// ResetCircuitBreakers clears all breakers; used between test runs.
func ResetCircuitBreakers() {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	breakers = make(map[string]*gobreaker.CircuitBreaker)
}
