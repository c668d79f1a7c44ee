package tavily

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tavily-local-proxy/tavily-mcp/internal/debuglog"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejects the
// call without touching the network.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds the configuration for the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of trial calls admitted while half-open.
	// Default: 1
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics holds counters about calls routed through the breaker.
type BreakerMetrics struct {
	TotalRequests       uint64
	TotalFailures       uint64
	TotalRejected       uint64
	ConsecutiveFailures uint32
}

// CircuitBreaker wraps gobreaker to stop hammering an upstream that keeps
// failing. Calls made while the circuit is open fail fast with ErrCircuitOpen.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex
	metrics BreakerMetrics
}

// NewCircuitBreaker creates a breaker from config. The sink receives one line
// per state transition.
func NewCircuitBreaker(config BreakerConfig, sink *debuglog.Sink) *CircuitBreaker {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 1
	}

	settings := gobreaker.Settings{
		Name:        "tavily-upstream",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			sink.Printf("circuitBreaker name=%s from=%s to=%s", name, from, to)
		},
	}

	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A non-nil error from fn counts as a
// failure. ErrCircuitOpen is returned without calling fn while the circuit is
// open or while the half-open trial budget is used up.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		cb.record(ctx.Err())
		return ctx.Err()
	default:
	}

	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.mu.Lock()
		cb.metrics.TotalRejected++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.record(err)
	return err
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	return cb.breaker.State().String()
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := cb.metrics
	m.ConsecutiveFailures = cb.breaker.Counts().ConsecutiveFailures
	return m
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalRequests++
	if err != nil {
		cb.metrics.TotalFailures++
	}
}
