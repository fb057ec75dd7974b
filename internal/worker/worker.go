// Package worker drains the transition queue into the ledger.
//
// Each Tick polls the items that were queued when it started, skips events the
// dedup ledger has already seen, publishes the rest and records them:
//
//	TransitionService ──offer──▶ TransitionQueue ──poll──▶ EmissionWorker
//	                                    ▲                       │
//	                                    └──────── restore ──────┤
//	                                                            ▼
//	                                       DedupLedger ◀── Publisher ──▶ ledger
//
// Failed items are restored to the head of the queue with a backoff deadline.
// While a resource has an item waiting, later items for the same resource are
// held behind it so the ledger sees each resource's events in order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/queue"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
	"github.com/alphagov-mirror/pay-connector/internal/retry"
)

// Publisher delivers one event to the ledger.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// DeadLetterPublisher receives emissions that exhausted their attempts.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, item queue.Item, cause error) error
}

// Ledger remembers which events were already published.
type Ledger interface {
	HasBeenEmittedBefore(ctx context.Context, ev event.Event) (bool, error)
	RecordEmission(ctx context.Context, ev event.Event) error
}

// Config defines emission parameters.
//
// BatchSize: maximum emissions published per tick.
// TickInterval: how often the scheduler calls Tick.
// ThrottleDelay: how long a throttled emission waits before its next try.
type Config struct {
	BatchSize     int
	TickInterval  time.Duration
	ThrottleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		TickInterval:  time.Second,
		ThrottleDelay: time.Second,
	}
}

// EmissionWorker publishes queued emissions. It is not safe to call Tick from
// more than one goroutine; run it from a single retry.Scheduler.
type EmissionWorker struct {
	config      Config
	queue       *queue.TransitionQueue
	ledger      Ledger
	publisher   Publisher
	deadLetters DeadLetterPublisher
	clock       clock.Clock
	retryPolicy retry.Policy
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewEmissionWorker(
	config Config,
	q *queue.TransitionQueue,
	ledger Ledger,
	publisher Publisher,
	clk clock.Clock,
	retryPolicy retry.Policy,
	logger *zap.Logger,
) *EmissionWorker {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = defaults.ThrottleDelay
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmissionWorker{
		config:      config,
		queue:       q,
		ledger:      ledger,
		publisher:   publisher,
		clock:       clk,
		retryPolicy: retryPolicy,
		logger:      logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (w *EmissionWorker) WithMetrics(m *observability.Metrics) *EmissionWorker {
	w.metrics = m
	return w
}

// WithDeadLetters sets where exhausted emissions go. Without one they are
// logged and dropped.
func (w *EmissionWorker) WithDeadLetters(p DeadLetterPublisher) *EmissionWorker {
	w.deadLetters = p
	return w
}

// Scheduler returns a scheduler that ticks the worker every TickInterval.
func (w *EmissionWorker) Scheduler() *retry.Scheduler {
	return retry.NewScheduler(w.Tick, retry.SchedulerConfig{
		Name:     "emission",
		Interval: w.config.TickInterval,
	}, w.logger)
}

// Tick publishes up to BatchSize emissions. Only items queued before the tick
// started are considered, so a failing item is tried at most once per tick.
func (w *EmissionWorker) Tick(ctx context.Context) error {
	ctx, span := observability.Tracer().Start(ctx, "emission.tick")
	defer span.End()

	now := w.clock.Now()
	pending := w.queue.Len()
	blocked := make(map[string]bool)
	var restore []queue.Item
	processed := 0

	for i := 0; i < pending && processed < w.config.BatchSize; i++ {
		item, ok := w.queue.Poll()
		if !ok {
			break
		}

		key := item.ResourceKey()
		if blocked[key] || item.NotBefore.After(now) || ctx.Err() != nil {
			blocked[key] = true
			restore = append(restore, item)
			continue
		}

		processed++
		err := w.emit(ctx, item)
		if err == nil {
			continue
		}
		if next, retryable := w.handleFailure(ctx, item, err, now); retryable {
			blocked[key] = true
			restore = append(restore, next)
		}
	}

	w.queue.Restore(restore)

	span.SetAttributes(
		attribute.Int("emission.processed", processed),
		attribute.Int("emission.deferred", len(restore)),
	)
	w.recordMetricQueueDepth()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Drain ticks until the queue is empty or a tick leaves it no shorter, which
// happens once only items waiting out a backoff remain. It returns the number
// of items still queued.
func (w *EmissionWorker) Drain(ctx context.Context) (int, error) {
	pending := w.queue.Len()
	for pending > 0 {
		if err := w.Tick(ctx); err != nil {
			return w.queue.Len(), err
		}
		remaining := w.queue.Len()
		if remaining >= pending {
			return remaining, nil
		}
		pending = remaining
	}
	return 0, nil
}

// emit publishes every event of the item that the ledger has not seen. An
// event published on an earlier attempt is skipped on retry.
func (w *EmissionWorker) emit(ctx context.Context, item queue.Item) error {
	for _, ev := range item.Emission.Events() {
		emitted, err := w.ledger.HasBeenEmittedBefore(ctx, ev)
		if err != nil {
			return err
		}
		if emitted {
			w.logger.Debug("event already emitted, skipping",
				zap.String("event_type", ev.Kind.String()),
				zap.String("resource_id", ev.ResourceExternalID),
			)
			w.recordMetricDeduplicated()
			continue
		}

		start := w.clock.Now()
		if err := w.publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("failed to publish %s for %s: %w", ev.Kind, ev.ResourceExternalID, err)
		}
		w.recordMetricPublished(ev.Kind, w.clock.Now().Sub(start))

		if err := w.ledger.RecordEmission(ctx, ev); err != nil {
			// The event is out; a retry would only deliver it again.
			w.logger.Error("published event but failed to record emission",
				zap.String("event_type", ev.Kind.String()),
				zap.String("resource_id", ev.ResourceExternalID),
				zap.Error(err),
			)
			continue
		}

		w.logger.Info("emitted event",
			zap.String("event_type", ev.Kind.String()),
			zap.String("resource_type", string(ev.ResourceType)),
			zap.String("resource_id", ev.ResourceExternalID),
			zap.Int("attempt", item.Attempts+1),
		)
	}
	return nil
}

// handleFailure decides what happens to an item whose publish failed. It
// returns the item to restore and whether it should be restored at all.
func (w *EmissionWorker) handleFailure(ctx context.Context, item queue.Item, err error, now time.Time) (queue.Item, bool) {
	item.LastError = err.Error()
	transition := item.Emission.Transition

	// Backpressure is not a delivery failure and does not consume an attempt.
	if errors.Is(err, resilience.ErrRateLimited) || errors.Is(err, resilience.ErrCircuitOpen) {
		item.NotBefore = now.Add(w.config.ThrottleDelay)
		w.logger.Debug("emission throttled",
			zap.String("resource_id", transition.ResourceExternalID),
			zap.String("event_type", transition.Kind.String()),
			zap.String("reason", err.Error()),
			zap.Time("next_attempt_at", item.NotBefore),
		)
		w.recordMetricThrottled()
		return item, true
	}

	item.Attempts++
	if w.retryPolicy.Exhausted(item.Attempts) {
		w.deadLetter(ctx, item, err)
		return item, false
	}

	item.NotBefore = w.retryPolicy.NextAttemptTime(now, item.Attempts)
	w.logger.Warn("emission failed, scheduling retry",
		zap.String("resource_id", transition.ResourceExternalID),
		zap.String("event_type", transition.Kind.String()),
		zap.Int("attempt", item.Attempts),
		zap.Time("next_attempt_at", item.NotBefore),
		zap.Error(err),
	)
	w.recordMetricRetrying()
	return item, true
}

func (w *EmissionWorker) deadLetter(ctx context.Context, item queue.Item, cause error) {
	transition := item.Emission.Transition
	fields := []zap.Field{
		zap.String("resource_type", string(transition.ResourceType)),
		zap.String("resource_id", transition.ResourceExternalID),
		zap.String("event_type", transition.Kind.String()),
		zap.Int("attempts", item.Attempts),
		zap.Error(cause),
	}

	w.recordMetricDeadLettered()
	if w.deadLetters == nil {
		w.logger.Error("emission failed permanently, dropping", fields...)
		return
	}
	if err := w.deadLetters.PublishDeadLetter(ctx, item, fmt.Errorf("%w: %v", domain.ErrQueueItemExpired, cause)); err != nil {
		w.logger.Error("failed to dead-letter emission, dropping", append(fields, zap.NamedError("dead_letter_error", err))...)
		return
	}
	w.logger.Warn("emission failed permanently, dead-lettered", fields...)
}

func (w *EmissionWorker) recordMetricPublished(kind domain.EventKind, duration time.Duration) {
	if w.metrics != nil {
		w.metrics.EventsPublished.WithLabelValues(kind.String()).Inc()
		w.metrics.PublishDuration.Observe(duration.Seconds())
	}
}

func (w *EmissionWorker) recordMetricDeduplicated() {
	if w.metrics != nil {
		w.metrics.EventsDeduplicated.Inc()
	}
}

func (w *EmissionWorker) recordMetricRetrying() {
	if w.metrics != nil {
		w.metrics.EventsRetrying.Inc()
	}
}

func (w *EmissionWorker) recordMetricThrottled() {
	if w.metrics != nil {
		w.metrics.EventsThrottled.Inc()
	}
}

func (w *EmissionWorker) recordMetricDeadLettered() {
	if w.metrics != nil {
		w.metrics.EventsDeadLettered.Inc()
	}
}

func (w *EmissionWorker) recordMetricQueueDepth() {
	if w.metrics != nil {
		w.metrics.TransitionQueueDepth.Set(float64(w.queue.Len()))
	}
}
