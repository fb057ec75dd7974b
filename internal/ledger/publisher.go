// Package ledger publishes lifecycle events to the ledger service over HTTP.
//
// Each event is POSTed as JSON and signed with HMAC-SHA256 when a secret is
// configured. Calls pass through a rate limiter and a circuit breaker; both
// report backpressure as resilience.ErrRateLimited or resilience.ErrCircuitOpen
// so the emission worker can back off without spending an attempt.
package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
)

// Destination is the rate limiter and circuit breaker name for the ledger.
const Destination = "ledger"

// Request headers.
const (
	HeaderEventType = "X-Ledger-Event-Type"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderSignature = "X-Ledger-Signature"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines the ledger endpoint.
//
// URL: endpoint events are POSTed to.
// Secret: HMAC key; empty disables signing.
// RateLimit: requests per second allowed towards the ledger.
type Config struct {
	URL       string
	Secret    string
	RateLimit int
}

type Publisher struct {
	config      Config
	httpClient  HTTPClient
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	rateLimiter resilience.RateLimiter
	breakers    *resilience.CircuitBreakerManager
}

func NewPublisher(config Config, httpClient HTTPClient, clk clock.Clock, logger *zap.Logger) *Publisher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		config:     config,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Publisher) WithMetrics(m *observability.Metrics) *Publisher {
	p.metrics = m
	return p
}

// WithResilience enables rate limiting and circuit breaker protection. Either
// may be nil.
func (p *Publisher) WithResilience(rl resilience.RateLimiter, breakers *resilience.CircuitBreakerManager) *Publisher {
	p.rateLimiter = rl
	p.breakers = breakers
	return p
}

// Publish delivers one event.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) error {
	if p.rateLimiter != nil && p.config.RateLimit > 0 {
		allowed, err := p.rateLimiter.Allow(ctx, Destination, p.config.RateLimit)
		if err != nil {
			p.logger.Warn("rate limiter error", zap.Error(err))
		}
		if !allowed {
			if p.metrics != nil {
				p.metrics.RateLimiterRejections.WithLabelValues(Destination).Inc()
			}
			return resilience.ErrRateLimited
		}
	}

	if p.breakers == nil {
		return p.send(ctx, ev)
	}
	_, err := p.breakers.Execute(Destination, func() (interface{}, error) {
		return nil, p.send(ctx, ev)
	})
	return err
}

func (p *Publisher) send(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := p.clock.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, ev.Kind.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(start.Unix(), 10))
	if p.config.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, p.config.Secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Debug("ledger accepted event",
			zap.String("event_type", ev.Kind.String()),
			zap.String("resource_id", ev.ResourceExternalID),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", p.clock.Now().Sub(start)),
		)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("ledger rejected event with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
