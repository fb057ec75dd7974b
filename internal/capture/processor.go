package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
	"github.com/alphagov-mirror/pay-connector/internal/retry"
)

// SemaphoreKey is the fleet-wide semaphore slot held during a run.
const SemaphoreKey = "capture"

// Config defines capture run parameters.
//
// BatchSize: maximum charges attempted per run.
// MaxRetries: failed attempts after which a charge is abandoned.
// RetryFailuresEvery: how long a failed charge waits before its next attempt.
// Interval: how often the scheduler triggers a run.
type Config struct {
	BatchSize          int
	MaxRetries         int
	RetryFailuresEvery time.Duration
	Interval           time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          10,
		MaxRetries:         48,
		RetryFailuresEvery: time.Hour,
		Interval:           time.Minute,
	}
}

// Capturer attempts or abandons one charge.
type Capturer interface {
	Capture(ctx context.Context, charge *domain.Charge) (Result, error)
	MarkCaptureError(ctx context.Context, charge *domain.Charge) error
}

// RunSummary counts what one run did.
type RunSummary struct {
	RunID            string
	QueueSize        int
	WaitingQueueSize int
	Total            int
	Captured         int
	Skipped          int
	Errored          int
	FailedCapture    int
}

// Processor runs capture batches. At most one run is in flight per
// Processor; with a semaphore, at most the semaphore's limit across the fleet.
type Processor struct {
	config    Config
	charges   repository.ChargeRepository
	capturer  Capturer
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	semaphore resilience.Semaphore
	running   chan struct{}
}

func NewProcessor(
	config Config,
	charges repository.ChargeRepository,
	capturer Capturer,
	clk clock.Clock,
	logger *zap.Logger,
) *Processor {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryFailuresEvery <= 0 {
		config.RetryFailuresEvery = defaults.RetryFailuresEvery
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		config:   config,
		charges:  charges,
		capturer: capturer,
		clock:    clk,
		logger:   logger,
		running:  make(chan struct{}, 1),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Processor) WithMetrics(m *observability.Metrics) *Processor {
	p.metrics = m
	return p
}

// WithSemaphore caps concurrent runs across every instance sharing sem.
func (p *Processor) WithSemaphore(sem resilience.Semaphore) *Processor {
	p.semaphore = sem
	return p
}

// Scheduler returns a scheduler that triggers RunCapture every Interval.
func (p *Processor) Scheduler() *retry.Scheduler {
	return retry.NewScheduler(p.RunCapture, retry.SchedulerConfig{
		Name:     "capture",
		Interval: p.config.Interval,
	}, p.logger)
}

// RunCapture runs one batch unless a run is already in flight, in which case
// it does nothing.
func (p *Processor) RunCapture(ctx context.Context) error {
	_, err := p.TryRunCapture(ctx)
	if errors.Is(err, domain.ErrCaptureInProgress) {
		p.logger.Debug("capture run already in progress, skipping trigger")
		return nil
	}
	return err
}

// TryRunCapture runs one batch. It returns domain.ErrCaptureInProgress
// immediately when another run holds the slot.
func (p *Processor) TryRunCapture(ctx context.Context) (RunSummary, error) {
	select {
	case p.running <- struct{}{}:
	default:
		p.recordMetricRejected()
		return RunSummary{}, domain.ErrCaptureInProgress
	}
	defer func() { <-p.running }()

	if p.semaphore != nil {
		acquired, err := p.semaphore.Acquire(ctx, SemaphoreKey)
		if err != nil {
			return RunSummary{}, fmt.Errorf("failed to acquire capture semaphore: %w", err)
		}
		if !acquired {
			p.recordMetricRejected()
			return RunSummary{}, fmt.Errorf("%w: fleet limit reached", domain.ErrCaptureInProgress)
		}
		defer func() {
			if err := p.semaphore.Release(context.WithoutCancel(ctx), SemaphoreKey); err != nil {
				p.logger.Warn("failed to release capture semaphore", zap.Error(err))
			}
		}()
	}

	return p.run(ctx)
}

func (p *Processor) run(ctx context.Context) (summary RunSummary, err error) {
	summary.RunID = "runCapture-" + uuid.NewString()
	logger := p.logger.With(zap.String("run_id", summary.RunID))

	ctx, span := observability.Tracer().Start(ctx, "capture.run", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
	))
	defer span.End()

	start := p.clock.Now()
	defer func() {
		p.recordMetricRun(summary, p.clock.Now().Sub(start))
		if err != nil {
			p.recordMetricAborted()
			span.SetStatus(codes.Error, err.Error())
			logger.Error("capture run aborted",
				zap.Int("charge", summary.Total),
				zap.Int("queue_size", summary.QueueSize),
				zap.Error(err),
			)
		}
		logger.Info("capture complete",
			zap.Int("captured", summary.Captured),
			zap.Int("skipped", summary.Skipped),
			zap.Int("capture_error", summary.Errored),
			zap.Int("failed_capture", summary.FailedCapture),
			zap.Int("total", summary.QueueSize),
		)
	}()

	window := p.config.RetryFailuresEvery
	if summary.QueueSize, err = p.charges.CountChargesForCapture(ctx, window); err != nil {
		return summary, fmt.Errorf("failed to count charges for capture: %w", err)
	}
	if summary.WaitingQueueSize, err = p.charges.CountChargesAwaitingCaptureRetry(ctx, window); err != nil {
		return summary, fmt.Errorf("failed to count charges awaiting capture retry: %w", err)
	}
	p.recordMetricQueueSizes(summary)

	charges, err := p.charges.FindChargesDueForCapture(ctx, p.config.BatchSize, window)
	if err != nil {
		return summary, fmt.Errorf("failed to find charges for capture: %w", err)
	}
	if len(charges) > 0 {
		logger.Info("capturing charges",
			zap.Int("batch", len(charges)),
			zap.Int("waiting", summary.WaitingQueueSize),
		)
	}

	rand.Shuffle(len(charges), func(i, j int) {
		charges[i], charges[j] = charges[j], charges[i]
	})

	for _, charge := range charges {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		retries, err := p.charges.CountCaptureRetries(ctx, charge.ID)
		if err != nil {
			return summary, fmt.Errorf("failed to count capture retries for charge %s: %w", charge.ExternalID, err)
		}

		if retries >= p.config.MaxRetries {
			err := p.capturer.MarkCaptureError(ctx, charge)
			switch {
			case errors.Is(err, domain.ErrConflict):
				logger.Info("another process has already acted on charge, skipping", zap.String("charge_id", charge.ExternalID))
				summary.Skipped++
			case err != nil:
				return summary, err
			default:
				summary.Errored++
			}
			continue
		}

		logger.Info("capturing charge",
			zap.Int("index", summary.Total),
			zap.Int("batch", len(charges)),
			zap.String("charge_id", charge.ExternalID),
			zap.Int("retries", retries),
		)
		result, err := p.capturer.Capture(ctx, charge)
		if err != nil {
			return summary, err
		}
		switch result {
		case ResultCaptured:
			summary.Captured++
		case ResultConflict:
			summary.Skipped++
		default:
			summary.FailedCapture++
		}
	}

	span.SetAttributes(
		attribute.Int("capture.total", summary.Total),
		attribute.Int("capture.captured", summary.Captured),
	)
	return summary, nil
}

func (p *Processor) recordMetricQueueSizes(s RunSummary) {
	if p.metrics != nil {
		p.metrics.CaptureQueueSize.Set(float64(s.QueueSize))
		p.metrics.CaptureWaitingQueueSize.Set(float64(s.WaitingQueueSize))
	}
}

func (p *Processor) recordMetricRun(s RunSummary, duration time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.CaptureOutcomes.WithLabelValues(observability.OutcomeCaptured).Add(float64(s.Captured))
	p.metrics.CaptureOutcomes.WithLabelValues(observability.OutcomeSkipped).Add(float64(s.Skipped))
	p.metrics.CaptureOutcomes.WithLabelValues(observability.OutcomeError).Add(float64(s.Errored))
	p.metrics.CaptureOutcomes.WithLabelValues(observability.OutcomeFailedCapture).Add(float64(s.FailedCapture))
	p.metrics.CaptureRunDuration.Observe(duration.Seconds())
}

func (p *Processor) recordMetricRejected() {
	if p.metrics != nil {
		p.metrics.CaptureRunsRejected.Inc()
	}
}

func (p *Processor) recordMetricAborted() {
	if p.metrics != nil {
		p.metrics.CaptureRunsAborted.Inc()
	}
}
