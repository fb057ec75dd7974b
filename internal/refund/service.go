// Package refund submits refunds against captured charges and applies the
// gateway's later notifications about them.
//
// Like capture, every status change is conditional on the status last read,
// and every recorded change is offered to the transition queue.
package refund

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/gateway"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
)

// ChargeFinder loads the charge a refund is taken against.
type ChargeFinder interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.Charge, error)
}

// GatewayResolver finds the client for a payment provider.
type GatewayResolver interface {
	For(provider string) (gateway.Client, error)
}

// TransitionOfferer receives every recorded refund history entry.
type TransitionOfferer interface {
	OfferRefundTransition(ctx context.Context, entry domain.RefundHistoryEntry) bool
}

// AvailabilityCalculator decides whether a charge may be refunded.
type AvailabilityCalculator interface {
	Calculate(charge *domain.Charge, refunds []*domain.Refund) domain.RefundAvailability
}

// Request asks for Amount to be refunded. AmountAvailable is what the caller
// believes is still refundable; a stale value is rejected.
type Request struct {
	Amount          int64
	AmountAvailable int64
	UserExternalID  string
}

// Service submits and settles refunds.
type Service struct {
	charges      ChargeFinder
	refunds      repository.RefundRepository
	gateways     GatewayResolver
	transitions  TransitionOfferer
	availability AvailabilityCalculator
	breakers     *resilience.CircuitBreakerManager
	logger       *zap.Logger
}

func NewService(
	charges ChargeFinder,
	refunds repository.RefundRepository,
	gateways GatewayResolver,
	transitions TransitionOfferer,
	availability AvailabilityCalculator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		charges:      charges,
		refunds:      refunds,
		gateways:     gateways,
		transitions:  transitions,
		availability: availability,
		logger:       logger,
	}
}

// WithCircuitBreakers guards gateway refund calls with one breaker per provider.
func (s *Service) WithCircuitBreakers(m *resilience.CircuitBreakerManager) *Service {
	s.breakers = m
	return s
}

// Submit records a CREATED refund and sends it to the charge's gateway. The
// returned refund is REFUND SUBMITTED or REFUNDED when the gateway accepted
// it and REFUND ERROR when it did not. Errors are reserved for requests that
// were refused before a refund was recorded and for store failures.
func (s *Service) Submit(ctx context.Context, chargeExternalID string, req Request) (*domain.Refund, error) {
	ctx, span := observability.Tracer().Start(ctx, "refund.submit", trace.WithAttributes(
		attribute.String("charge_id", chargeExternalID),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	charge, err := s.charges.GetByExternalID(ctx, chargeExternalID)
	if err != nil {
		return nil, err
	}
	existing, err := s.refunds.FindByChargeExternalID(ctx, chargeExternalID)
	if err != nil {
		return nil, err
	}

	if got := s.availability.Calculate(charge, existing); got != domain.RefundAvailabilityAvailable {
		return nil, fmt.Errorf("%w: charge %s refund availability is %s", domain.ErrRefundNotAvailable, chargeExternalID, got)
	}
	remaining := charge.TotalAmount() - domain.RefundedAmount(existing)
	if req.AmountAvailable != remaining {
		return nil, fmt.Errorf("%w: expected %d, actual %d", domain.ErrRefundAmountMismatch, req.AmountAvailable, remaining)
	}
	if req.Amount <= 0 || req.Amount > remaining {
		return nil, fmt.Errorf("%w: amount %d outside 1..%d", domain.ErrRefundNotAvailable, req.Amount, remaining)
	}

	client, err := s.gateways.For(charge.PaymentProvider)
	if err != nil {
		return nil, err
	}

	if s.breakers != nil && s.breakers.State(charge.PaymentProvider) == resilience.CircuitBreakerStateOpen {
		return nil, fmt.Errorf("gateway %s: %w", charge.PaymentProvider, resilience.ErrCircuitOpen)
	}

	refund := &domain.Refund{
		ExternalID:       uuid.NewString(),
		ChargeExternalID: chargeExternalID,
		Amount:           req.Amount,
		Status:           domain.RefundStatusCreated,
		UserExternalID:   req.UserExternalID,
	}
	entry, err := s.refunds.Create(ctx, refund)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create refund for charge %s: %w", chargeExternalID, err)
	}
	s.transitions.OfferRefundTransition(ctx, entry)

	logger := s.logger.With(
		zap.String("charge_id", chargeExternalID),
		zap.String("refund_id", refund.ExternalID),
	)

	result, callErr := s.callGateway(ctx, client, charge, refund)

	// The refund exists at the gateway or failed there; record which even if
	// the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if callErr != nil || result.Status == domain.RefundStatusError {
		logger.Warn("refund failed at gateway", zap.Error(callErr))
		if err := s.move(ctx, refund, domain.RefundStatusCreated, domain.RefundStatusError, ""); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return refund, nil
	}

	reference := result.Reference
	if reference == "" {
		reference = refund.ExternalID
	}
	if err := s.move(ctx, refund, domain.RefundStatusCreated, domain.RefundStatusSubmitted, reference); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if result.Status == domain.RefundStatusRefunded {
		if err := s.move(ctx, refund, domain.RefundStatusSubmitted, domain.RefundStatusRefunded, ""); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	logger.Info("refund submitted", zap.String("status", string(refund.Status)))
	return refund, nil
}

// ApplyNotification settles a submitted refund with the gateway's final word,
// REFUNDED or REFUND ERROR. A notification repeating the current status is
// ignored. It returns domain.ErrInvalidTransition for any other change.
func (s *Service) ApplyNotification(ctx context.Context, refundExternalID string, status domain.RefundStatus) (*domain.Refund, error) {
	refund, err := s.refunds.GetByExternalID(ctx, refundExternalID)
	if err != nil {
		return nil, err
	}
	if refund.Status == status {
		return refund, nil
	}
	if refund.Status != domain.RefundStatusSubmitted ||
		(status != domain.RefundStatusRefunded && status != domain.RefundStatusError) {
		return nil, fmt.Errorf("%w: refund %s %s -> %s", domain.ErrInvalidTransition, refundExternalID, refund.Status, status)
	}

	from := refund.Status
	if err := s.move(ctx, refund, from, status, ""); err != nil {
		return nil, err
	}
	s.logger.Info("notification received for refund",
		zap.String("refund_id", refundExternalID),
		zap.String("charge_id", refund.ChargeExternalID),
		zap.String("status", string(from)),
		zap.String("status_to", string(status)),
	)
	return refund, nil
}

func (s *Service) move(ctx context.Context, refund *domain.Refund, from, to domain.RefundStatus, gatewayReference string) error {
	entry, err := s.refunds.UpdateStatus(ctx, refund.ExternalID, from, to, gatewayReference)
	if err != nil {
		return fmt.Errorf("failed to move refund %s to %s: %w", refund.ExternalID, to, err)
	}
	refund.Status = entry.Status
	refund.GatewayReference = entry.GatewayReference
	s.transitions.OfferRefundTransition(ctx, entry)
	return nil
}

func (s *Service) callGateway(ctx context.Context, client gateway.Client, charge *domain.Charge, refund *domain.Refund) (gateway.RefundResult, error) {
	req := gateway.RefundRequest{
		RefundExternalID:    refund.ExternalID,
		ChargeTransactionID: charge.GatewayTransactionID,
		Amount:              refund.Amount,
	}
	if s.breakers == nil {
		return client.Refund(ctx, req)
	}

	var result gateway.RefundResult
	_, err := s.breakers.Execute(charge.PaymentProvider, func() (interface{}, error) {
		var err error
		result, err = client.Refund(ctx, req)
		return nil, err
	})
	return result, err
}
