package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/observability"
)

// Circuit Breaker Pattern Implementation
//
// The circuit breaker stops calls to a failing gateway or ledger endpoint. It
// has three states:
//
//   - Closed: Normal operation, calls pass through.
//   - Open: Destination is failing, calls are rejected immediately.
//   - Half-Open: Testing if destination recovered, limited calls allowed.
//
// State transitions:
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// Value maps the state to the circuit_breaker_state gauge value.
func (s CircuitBreakerState) Value() float64 {
	switch s {
	case CircuitBreakerStateHalfOpen:
		return 1
	case CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerManager maintains one breaker per named destination, so a
// failing gateway does not stop captures against healthy ones.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(name string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for circuit breaker state transitions.
// It must be set before the first call goes through the manager.
func (m *CircuitBreakerManager) OnStateChange(fn func(name string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

// WithMetrics reports state changes to the circuit breaker metrics and logs
// every transition.
func (m *CircuitBreakerManager) WithMetrics(metrics *observability.Metrics, logger *zap.Logger) *CircuitBreakerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m.OnStateChange(func(name string, from, to CircuitBreakerState) {
		logger.Warn("circuit breaker state changed",
			zap.String("name", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		if metrics == nil {
			return
		}
		metrics.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
		if to == CircuitBreakerStateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}
	})
	return m
}

// GetBreaker returns the circuit breaker for a destination, creating one if needed.
func (m *CircuitBreakerManager) GetBreaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. An open or saturated half-open
// breaker returns ErrCircuitOpen without calling fn. Errors from fn count
// toward the failure threshold.
func (m *CircuitBreakerManager) Execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := m.GetBreaker(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State returns the current state of the named breaker.
func (m *CircuitBreakerManager) State(name string) CircuitBreakerState {
	return toState(m.GetBreaker(name).State())
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerStateClosed
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
