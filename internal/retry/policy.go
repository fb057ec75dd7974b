// Package retry holds the backoff policy for failed emissions and the
// fixed-interval scheduler that drives the emission and capture jobs.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy is exponential backoff with jitter and an attempt cap.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     10,
	}
}

// CalculateDelay returns the wait before the given attempt, counting from 1.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.CalculateDelay(attempt))
}

// Exhausted reports whether no attempt may follow the given number of failed
// ones. A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
