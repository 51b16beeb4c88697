package publisher

import (
	"context"
	"time"

	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/errors"
)

// DefaultCircuitBreakerConfig returns sensible defaults for guarding a sink.
// A sink is expected to be reliable, so a smaller window reacts faster than
// the dependency defaults.
func DefaultCircuitBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureRateThreshold: 50,
		MinimumCalls:         5,
		WindowSize:           10,
		OpenDuration:         30 * time.Second,
		HalfOpenProbes:       2,
	}
}

// CircuitBreaker wraps a publisher so a failing sink is skipped quickly
// instead of tying up audit workers on timeouts.
type CircuitBreaker struct {
	publisher Publisher
	breaker   *breaker.Breaker
}

// NewCircuitBreaker wraps a publisher with circuit breaker protection
func NewCircuitBreaker(pub Publisher, name string, config breaker.Config, opts ...breaker.Option) *CircuitBreaker {
	return &CircuitBreaker{
		publisher: pub,
		breaker:   breaker.New(name, config, opts...),
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() breaker.State {
	return cb.breaker.State()
}

// Snapshot returns current circuit breaker statistics
func (cb *CircuitBreaker) Snapshot() breaker.Snapshot {
	return cb.breaker.Snapshot()
}

// Publish publishes a message through the circuit breaker
func (cb *CircuitBreaker) Publish(ctx context.Context, data interface{}, attributes map[string]string) (msgID string, err error) {
	done, allowErr := cb.breaker.Allow()
	if allowErr != nil {
		return "", errors.NewConnectionError("audit sink unavailable", allowErr)
	}

	// A panicking publisher is reported as a failure before the panic moves on
	success := false
	defer func() { done(success) }()

	msgID, err = cb.publisher.Publish(ctx, data, attributes)
	success = err == nil
	return msgID, err
}

// Close closes the underlying publisher
func (cb *CircuitBreaker) Close() error {
	return cb.publisher.Close()
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.breaker.Reset()
}
