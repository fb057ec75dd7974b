// Package capture drives approved charges through capture against their
// payment gateway.
//
// Every status change is conditional on the status the caller last saw, so
// several connector instances may capture from the same store: the one whose
// update lands first owns the charge, the others see a conflict and skip it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/gateway"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
	"github.com/alphagov-mirror/pay-connector/internal/transition"
)

// Result classifies one capture attempt.
type Result int

const (
	// ResultCaptured means the gateway accepted the capture.
	ResultCaptured Result = iota
	// ResultFailed means the gateway rejected or errored; the charge waits
	// for its next retry window.
	ResultFailed
	// ResultConflict means another process acted on the charge first.
	ResultConflict
	// ResultUnavailable means the gateway was not called and no retry was used.
	ResultUnavailable
)

func (r Result) String() string {
	switch r {
	case ResultCaptured:
		return "captured"
	case ResultFailed:
		return "failed"
	case ResultConflict:
		return "conflict"
	case ResultUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// GatewayResolver finds the client for a payment provider.
type GatewayResolver interface {
	For(provider string) (gateway.Client, error)
}

// TransitionOfferer receives every recorded charge status change.
type TransitionOfferer interface {
	OfferChargeTransition(ctx context.Context, chargeExternalID string, from, to domain.ChargeStatus, ce domain.ChargeEvent) int
}

// Service captures a single charge.
type Service struct {
	charges     repository.ChargeRepository
	gateways    GatewayResolver
	transitions TransitionOfferer
	table       *transition.Table
	clock       clock.Clock
	breakers    *resilience.CircuitBreakerManager
	logger      *zap.Logger
}

func NewService(
	charges repository.ChargeRepository,
	gateways GatewayResolver,
	transitions TransitionOfferer,
	table *transition.Table,
	clk clock.Clock,
	logger *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		charges:     charges,
		gateways:    gateways,
		transitions: transitions,
		table:       table,
		clock:       clk,
		logger:      logger,
	}
}

// WithCircuitBreakers guards gateway calls with one breaker per provider.
func (s *Service) WithCircuitBreakers(m *resilience.CircuitBreakerManager) *Service {
	s.breakers = m
	return s
}

// Capture locks the charge in CAPTURE READY, calls its gateway and records the
// outcome. Errors are reserved for store failures; every gateway outcome is a
// Result.
func (s *Service) Capture(ctx context.Context, charge *domain.Charge) (Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "capture.charge", trace.WithAttributes(
		attribute.String("charge_id", charge.ExternalID),
		attribute.String("payment_provider", charge.PaymentProvider),
	))
	defer span.End()

	logger := s.logger.With(zap.String("charge_id", charge.ExternalID))

	from := charge.Status
	if !from.IsAwaitingCapture() {
		logger.Info("charge no longer awaiting capture, skipping", zap.String("status", from.String()))
		return ResultConflict, nil
	}

	client, err := s.gateways.For(charge.PaymentProvider)
	if err != nil {
		logger.Error("no gateway for charge", zap.Error(err))
		return ResultUnavailable, nil
	}

	attempt := s.lockAndCall(ctx, client, charge, from)
	if attempt.rejected {
		logger.Warn("gateway circuit open, deferring capture", zap.String("payment_provider", charge.PaymentProvider))
		return ResultUnavailable, nil
	}
	if err := attempt.lockErr; err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("another process has already attempted to capture, skipping")
			return ResultConflict, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	response, callErr := attempt.response, attempt.callErr

	// The charge is locked in CAPTURE READY; record the outcome even if the
	// caller has gone away.
	ctx = context.WithoutCancel(ctx)

	var (
		next             domain.ChargeStatus
		result           Result
		gatewayEventDate *time.Time
	)
	switch {
	case callErr != nil:
		logger.Warn("capture call failed", zap.Error(callErr))
		next, result = domain.ChargeStatusCaptureApprovedRetry, ResultFailed
	case response.Outcome == gateway.CaptureSucceeded && response.Settled:
		now := s.clock.Now()
		next, result, gatewayEventDate = domain.ChargeStatusCaptured, ResultCaptured, &now
	case response.Outcome == gateway.CaptureSucceeded:
		next, result = domain.ChargeStatusCaptureSubmitted, ResultCaptured
	case response.Outcome == gateway.CaptureConflict:
		logger.Info("gateway already holds a capture for charge")
		next, result = domain.ChargeStatusCaptureSubmitted, ResultConflict
	default:
		message := response.Message
		if message == "" {
			message = "no error message received"
		}
		logger.Info("failed to capture", zap.String("gateway_error", message))
		next, result = domain.ChargeStatusCaptureApprovedRetry, ResultFailed
	}

	if _, err := s.transition(ctx, charge, domain.ChargeStatusCaptureReady, next, gatewayEventDate); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Warn("charge left CAPTURE READY during capture", zap.String("outcome", result.String()))
			return ResultConflict, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.String("capture.result", result.String()))
	return result, nil
}

// MarkCaptureError gives up on a charge. It returns an error wrapping
// domain.ErrConflict when the charge is no longer awaiting capture.
func (s *Service) MarkCaptureError(ctx context.Context, charge *domain.Charge) error {
	if !charge.Status.IsAwaitingCapture() {
		return fmt.Errorf("%w: charge %s is %s", domain.ErrConflict, charge.ExternalID, charge.Status)
	}
	if _, err := s.transition(ctx, charge, charge.Status, domain.ChargeStatusCaptureError, nil); err != nil {
		return err
	}
	s.logger.Warn("charge abandoned after too many capture retries", zap.String("charge_id", charge.ExternalID))
	return nil
}

func (s *Service) transition(
	ctx context.Context,
	charge *domain.Charge,
	from, to domain.ChargeStatus,
	gatewayEventDate *time.Time,
) (domain.ChargeEvent, error) {
	if !s.table.IsTransitionAllowed(from, to) {
		return domain.ChargeEvent{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	ce, err := s.charges.AppendStatusChange(ctx, charge.ExternalID, from, to, gatewayEventDate)
	if err != nil {
		return domain.ChargeEvent{}, fmt.Errorf("failed to move charge %s to %s: %w", charge.ExternalID, to, err)
	}

	s.transitions.OfferChargeTransition(ctx, charge.ExternalID, from, to, ce)
	return ce, nil
}

// captureAttempt is what happened between taking the CAPTURE READY lock and
// the gateway's answer.
type captureAttempt struct {
	response gateway.CaptureResult
	callErr  error
	lockErr  error
	// rejected is set when the breaker refused the call before the lock was
	// taken, in either the open or a saturated half-open state.
	rejected bool
}

// lockAndCall moves the charge into CAPTURE READY and calls the gateway. With
// breakers configured both steps run inside the provider's breaker, so a call
// the breaker refuses never leaves the charge locked and costs no retry. A
// lost lock reaches the breaker as a success.
func (s *Service) lockAndCall(ctx context.Context, client gateway.Client, charge *domain.Charge, from domain.ChargeStatus) captureAttempt {
	var attempt captureAttempt
	locked := false
	call := func() (interface{}, error) {
		if _, attempt.lockErr = s.transition(ctx, charge, from, domain.ChargeStatusCaptureReady, nil); attempt.lockErr != nil {
			return nil, nil
		}
		locked = true
		attempt.response, attempt.callErr = client.Capture(ctx, charge)
		return nil, attempt.callErr
	}

	if s.breakers == nil {
		_, _ = call()
		return attempt
	}

	_, err := s.breakers.Execute(charge.PaymentProvider, call)
	if errors.Is(err, resilience.ErrCircuitOpen) && !locked && attempt.lockErr == nil {
		attempt.rejected = true
	}
	return attempt
}
