package event

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/transition"
)

// ChargeFinder loads the charge backing a transition.
type ChargeFinder interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.Charge, error)
}

// RefundFinder loads the refunds of a charge.
type RefundFinder interface {
	FindByChargeExternalID(ctx context.Context, chargeExternalID string) ([]*domain.Refund, error)
}

// AvailabilityCalculator decides how much of a charge is refundable.
type AvailabilityCalculator interface {
	Calculate(charge *domain.Charge, refunds []*domain.Refund) domain.RefundAvailability
}

// Deriver turns observed status changes into emissions.
type Deriver struct {
	table      *transition.Table
	charges    ChargeFinder
	refunds    RefundFinder
	calculator AvailabilityCalculator
	logger     *zap.Logger
}

func NewDeriver(
	table *transition.Table,
	charges ChargeFinder,
	refunds RefundFinder,
	calculator AvailabilityCalculator,
	logger *zap.Logger,
) *Deriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{
		table:      table,
		charges:    charges,
		refunds:    refunds,
		calculator: calculator,
		logger:     logger,
	}
}

// DeriveChargeEvents rebuilds every emission implied by a charge's full
// status history, in lifecycle order. Transitions that cannot be mapped to an
// event kind are skipped. It backs the history replay in
// queue.TransitionService.ReplayCharge.
func (d *Deriver) DeriveChargeEvents(ctx context.Context, chargeExternalID string, history []domain.ChargeEvent) ([]Emission, error) {
	charge, err := d.loadCharge(ctx, chargeExternalID)
	if err != nil {
		return nil, err
	}

	sorted := SortChargeEvents(history)
	availability := &availabilityCache{}
	emissions := make([]Emission, 0, len(sorted)+1)

	for i, ce := range sorted {
		from := domain.ChargeStatusUndefined
		if i > 0 {
			from = sorted[i-1].Status
		}

		kind, ok := d.kindFor(from, ce.Status)
		if !ok {
			d.logger.Info("could not derive event for transition",
				zap.String("charge_id", chargeExternalID),
				zap.Int64("charge_event_id", ce.ID),
				zap.String("from", from.String()),
				zap.String("to", ce.Status.String()),
			)
			continue
		}

		em, err := d.chargeEmission(ctx, charge, ce, kind, availability)
		if err != nil {
			return nil, err
		}
		emissions = append(emissions, em)
	}

	if ce, ok := firstDetailsEntered(sorted); ok {
		em, err := d.chargeEmission(ctx, charge, ce, domain.EventPaymentDetailsEntered, availability)
		if err != nil {
			return nil, err
		}
		emissions = append(emissions, em)
	}

	return emissions, nil
}

// DeriveChargeTransition builds the emissions for a single live status change.
// It returns no emissions when the change is a locking step or unregistered.
func (d *Deriver) DeriveChargeTransition(
	ctx context.Context,
	chargeExternalID string,
	from, to domain.ChargeStatus,
	ce domain.ChargeEvent,
) ([]Emission, error) {
	var kinds []domain.EventKind
	if kind, ok := d.table.EventFor(from, to); ok {
		kinds = append(kinds, kind)
	}
	if from == domain.ChargeStatusAuthorisationReady && to.IsTerminalAuthentication() {
		kinds = append(kinds, domain.EventPaymentDetailsEntered)
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	charge, err := d.loadCharge(ctx, chargeExternalID)
	if err != nil {
		return nil, err
	}

	availability := &availabilityCache{}
	emissions := make([]Emission, 0, len(kinds))
	for _, kind := range kinds {
		em, err := d.chargeEmission(ctx, charge, ce, kind, availability)
		if err != nil {
			return nil, err
		}
		emissions = append(emissions, em)
	}
	return emissions, nil
}

// DeriveRefundEvent builds the emission for one refund history entry. Refund
// events always carry a refund availability update for the parent charge.
func (d *Deriver) DeriveRefundEvent(ctx context.Context, entry domain.RefundHistoryEntry) (Emission, error) {
	kind, ok := RefundKindFor(entry.Actor(), entry.Status)
	if !ok {
		return Emission{}, fmt.Errorf("%w: refund status %s", domain.ErrInvalidTransition, entry.Status)
	}

	charge, err := d.loadCharge(ctx, entry.ChargeExternalID)
	if err != nil {
		return Emission{}, err
	}

	ev, err := NewRefundEvent(kind, entry, charge.GatewayAccountID)
	if err != nil {
		return Emission{}, err
	}

	refundAvailability, err := d.availabilityEvent(ctx, charge, ev, &availabilityCache{})
	if err != nil {
		return Emission{}, err
	}

	return Emission{
		Transition: domain.StateTransition{
			ResourceType:       domain.ResourceTypeRefund,
			ResourceExternalID: entry.RefundExternalID,
			Kind:               kind,
			SourceEventID:      entry.ID,
		},
		Event:              ev,
		RefundAvailability: &refundAvailability,
	}, nil
}

// kindFor resolves the event for a transition, bridging through a ready
// state when the pair itself is not registered.
func (d *Deriver) kindFor(from, to domain.ChargeStatus) (domain.EventKind, bool) {
	if kind, ok := d.table.EventFor(from, to); ok {
		return kind, true
	}
	if d.table.IsTransitionAllowed(from, to) {
		return "", false
	}
	mid, ok := d.table.IntermediateStatusFor(from, to)
	if !ok || !d.table.IsIntermediateReadyState(mid) {
		return "", false
	}
	return d.table.EventFor(mid, to)
}

func (d *Deriver) chargeEmission(
	ctx context.Context,
	charge *domain.Charge,
	ce domain.ChargeEvent,
	kind domain.EventKind,
	cache *availabilityCache,
) (Emission, error) {
	ev, err := NewPaymentEvent(kind, charge, ce)
	if err != nil {
		return Emission{}, err
	}

	em := Emission{
		Transition: domain.StateTransition{
			ResourceType:       domain.ResourceTypePayment,
			ResourceExternalID: charge.ExternalID,
			Kind:               kind,
			SourceEventID:      ce.ID,
		},
		Event: ev,
	}

	if kind.AffectsRefundability() || d.table.LeadsToTerminal(kind) {
		refundAvailability, err := d.availabilityEvent(ctx, charge, ev, cache)
		if err != nil {
			return Emission{}, err
		}
		em.RefundAvailability = &refundAvailability
	}
	return em, nil
}

type availabilityCache struct {
	refunds []*domain.Refund
	loaded  bool
}

func (d *Deriver) availabilityEvent(ctx context.Context, charge *domain.Charge, trigger Event, cache *availabilityCache) (Event, error) {
	if !cache.loaded {
		refunds, err := d.refunds.FindByChargeExternalID(ctx, charge.ExternalID)
		if err != nil {
			return Event{}, fmt.Errorf("failed to load refunds for charge %s: %w", charge.ExternalID, err)
		}
		cache.refunds = refunds
		cache.loaded = true
	}
	availability := d.calculator.Calculate(charge, cache.refunds)
	return RefundAvailabilityUpdated(charge, cache.refunds, availability, trigger.OccurredAt), nil
}

func (d *Deriver) loadCharge(ctx context.Context, externalID string) (*domain.Charge, error) {
	charge, err := d.charges.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewEventCreationError(externalID, err)
		}
		return nil, fmt.Errorf("failed to load charge %s: %w", externalID, err)
	}
	return charge, nil
}

// SortChargeEvents orders a history by time and moves CAPTURE SUBMITTED ahead
// of a CAPTURED entry that is not strictly later than it. The input is not modified.
func SortChargeEvents(history []domain.ChargeEvent) []domain.ChargeEvent {
	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(a, b domain.ChargeEvent) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})

	captured := slices.IndexFunc(sorted, func(ce domain.ChargeEvent) bool {
		return ce.Status == domain.ChargeStatusCaptured
	})
	if captured < 0 {
		return sorted
	}
	offset := slices.IndexFunc(sorted[captured+1:], func(ce domain.ChargeEvent) bool {
		return ce.Status == domain.ChargeStatusCaptureSubmitted
	})
	if offset < 0 {
		return sorted
	}

	submitted := captured + 1 + offset
	entry := sorted[submitted]
	copy(sorted[captured+1:submitted+1], sorted[captured:submitted])
	sorted[captured] = entry
	return sorted
}

// firstDetailsEntered finds the entry proving card details were entered. An
// AUTHORISATION SUCCESS that follows a 3DS challenge belongs to the same
// authentication and does not count again.
func firstDetailsEntered(sorted []domain.ChargeEvent) (domain.ChargeEvent, bool) {
	had3DS := slices.ContainsFunc(sorted, func(ce domain.ChargeEvent) bool {
		return ce.Status == domain.ChargeStatusAuthorisation3DSRequired
	})
	for _, ce := range sorted {
		if !ce.Status.IsTerminalAuthentication() {
			continue
		}
		if ce.Status == domain.ChargeStatusAuthorisationSuccess && had3DS {
			continue
		}
		return ce, true
	}
	return domain.ChargeEvent{}, false
}
