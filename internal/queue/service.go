package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
)

// Deriver builds emissions for live status changes.
type Deriver interface {
	DeriveChargeTransition(ctx context.Context, chargeExternalID string, from, to domain.ChargeStatus, ce domain.ChargeEvent) ([]event.Emission, error)
	DeriveRefundEvent(ctx context.Context, entry domain.RefundHistoryEntry) (event.Emission, error)
}

// ChargeHistory loads a charge's recorded status changes.
type ChargeHistory interface {
	GetEvents(ctx context.Context, chargeExternalID string) ([]domain.ChargeEvent, error)
}

// HistoryDeriver rebuilds the emissions implied by a full status history.
type HistoryDeriver interface {
	DeriveChargeEvents(ctx context.Context, chargeExternalID string, history []domain.ChargeEvent) ([]event.Emission, error)
}

// TransitionService turns persisted status changes into queued emissions.
// Derivation failures drop the transition; they are logged and counted.
type TransitionService struct {
	queue          *TransitionQueue
	deriver        Deriver
	history        ChargeHistory
	historyDeriver HistoryDeriver
	logger         *zap.Logger
	metrics        *observability.Metrics
}

func NewTransitionService(q *TransitionQueue, deriver Deriver, logger *zap.Logger) *TransitionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransitionService{
		queue:   q,
		deriver: deriver,
		logger:  logger,
	}
}

func (s *TransitionService) WithMetrics(m *observability.Metrics) *TransitionService {
	s.metrics = m
	return s
}

// WithHistory enables ReplayCharge.
func (s *TransitionService) WithHistory(history ChargeHistory, deriver HistoryDeriver) *TransitionService {
	s.history = history
	s.historyDeriver = deriver
	return s
}

// ReplayCharge queues every emission implied by a charge's recorded history,
// for a ledger that lost events or never received them. Events already
// published are skipped by the emission ledger when the worker drains them.
func (s *TransitionService) ReplayCharge(ctx context.Context, chargeExternalID string) (int, error) {
	if s.history == nil || s.historyDeriver == nil {
		return 0, errors.New("charge history replay is not configured")
	}

	history, err := s.history.GetEvents(ctx, chargeExternalID)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, domain.ErrNotFound
	}
	emissions, err := s.historyDeriver.DeriveChargeEvents(ctx, chargeExternalID, history)
	if err != nil {
		return 0, err
	}

	for _, em := range emissions {
		s.Offer(em)
	}
	s.logger.Info("replayed charge history to emitter queue",
		zap.String("charge_id", chargeExternalID),
		zap.Int("charge_events", len(history)),
		zap.Int("emissions", len(emissions)),
	)
	return len(emissions), nil
}

// OfferChargeTransition queues the emissions for a charge status change that
// has just been recorded as ce. Locking and unregistered transitions offer nothing.
func (s *TransitionService) OfferChargeTransition(
	ctx context.Context,
	chargeExternalID string,
	from, to domain.ChargeStatus,
	ce domain.ChargeEvent,
) int {
	emissions, err := s.deriver.DeriveChargeTransition(ctx, chargeExternalID, from, to, ce)
	if err != nil {
		s.dropped(domain.ResourceTypePayment, chargeExternalID, err)
		return 0
	}

	for _, em := range emissions {
		s.Offer(em)
		s.logger.Info("offered payment state transition to emitter queue",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int64("charge_event_id", ce.ID),
			zap.String("charge_id", chargeExternalID),
			zap.String("event_type", em.Event.Kind.String()),
		)
	}
	return len(emissions)
}

// OfferRefundTransition queues the emission for a recorded refund history entry.
func (s *TransitionService) OfferRefundTransition(ctx context.Context, entry domain.RefundHistoryEntry) bool {
	em, err := s.deriver.DeriveRefundEvent(ctx, entry)
	if err != nil {
		s.dropped(domain.ResourceTypeRefund, entry.RefundExternalID, err)
		return false
	}

	s.Offer(em)
	s.logger.Info("offered refund state transition to emitter queue",
		zap.String("refund_id", entry.RefundExternalID),
		zap.String("charge_id", entry.ChargeExternalID),
		zap.String("status", string(entry.Status)),
		zap.String("event_type", em.Event.Kind.String()),
	)
	return true
}

// Offer queues an already derived emission.
func (s *TransitionService) Offer(em event.Emission) Item {
	item := s.queue.Offer(em)
	if s.metrics != nil {
		s.metrics.EventsOffered.WithLabelValues(em.Event.Kind.String()).Inc()
		s.metrics.TransitionQueueDepth.Set(float64(s.queue.Len()))
	}
	return item
}

func (s *TransitionService) dropped(resourceType domain.ResourceType, resourceID string, err error) {
	var creationErr *domain.EventCreationError
	if errors.As(err, &creationErr) {
		s.logger.Warn("dropping transition, backing resource not found",
			zap.String("resource_type", string(resourceType)),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	} else {
		s.logger.Error("dropping transition, failed to derive events",
			zap.String("resource_type", string(resourceType)),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	}
	if s.metrics != nil {
		s.metrics.EventsDerivationFailed.WithLabelValues(string(resourceType)).Inc()
	}
}
