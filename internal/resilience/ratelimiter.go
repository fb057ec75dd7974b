package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// RateLimiterManager maintains token-bucket limiters per named destination.
// Limiters are created lazily with double-checked locking.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetLimiter returns the limiter for a destination, creating one from the
// default config if needed.
func (m *RateLimiterManager) GetLimiter(name string) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[name]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[name]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[name] = limiter
	return limiter
}

// Allow reports whether a request to the destination is allowed right now.
func (m *RateLimiterManager) Allow(name string) bool {
	return m.GetLimiter(name).Allow()
}

// SetRateIfNotExists configures a limit for a destination that has none yet.
func (m *RateLimiterManager) SetRateIfNotExists(name string, requestsPerSecond float64, burstSize int) {
	m.mu.RLock()
	_, exists := m.limiters[name]
	m.mu.RUnlock()

	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists = m.limiters[name]; exists {
		return
	}

	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}
