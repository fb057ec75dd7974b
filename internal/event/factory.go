package event

import (
	"fmt"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// NewPaymentEvent builds the payment event of the given kind from the charge
// event that recorded it.
func NewPaymentEvent(kind domain.EventKind, charge *domain.Charge, ce domain.ChargeEvent) (Event, error) {
	switch kind {
	case domain.EventPaymentCreated:
		return PaymentCreated(charge, ce), nil
	case domain.EventPaymentDetailsEntered:
		return PaymentDetailsEntered(charge, ce), nil
	case domain.EventCaptureSubmitted:
		return CaptureSubmitted(charge, ce), nil
	case domain.EventCaptureConfirmed:
		return CaptureConfirmed(charge, ce), nil
	case domain.EventPaymentStarted,
		domain.EventPaymentExpired,
		domain.EventAuthorisationSucceeded,
		domain.EventAuthorisationRejected,
		domain.EventAuthorisationCancelled,
		domain.EventGatewayErrorDuringAuthorisation,
		domain.EventGatewayTimeoutDuringAuthorisation,
		domain.EventUnexpectedGatewayErrorDuringAuthorisation,
		domain.EventGatewayRequires3dsAuthorisation,
		domain.EventUserApprovedForCapture,
		domain.EventCaptureErrored,
		domain.EventCaptureAbandonedAfterTooManyRetries,
		domain.EventCancelledByUser,
		domain.EventCancelledBySystem,
		domain.EventCancelledByExpiration:
		return paymentEvent(kind, charge.ExternalID, ce.OccurredAt, EmptyDetails{}), nil
	default:
		return Event{}, fmt.Errorf("%s is not a payment event kind", kind)
	}
}

func paymentEvent(kind domain.EventKind, chargeExternalID string, at time.Time, details Details) Event {
	return Event{
		Kind:               kind,
		ResourceType:       domain.ResourceTypePayment,
		ResourceExternalID: chargeExternalID,
		OccurredAt:         at,
		Details:            details,
	}
}

func PaymentCreated(charge *domain.Charge, ce domain.ChargeEvent) Event {
	return paymentEvent(domain.EventPaymentCreated, charge.ExternalID, ce.OccurredAt, PaymentCreatedDetails{
		Amount:           charge.Amount,
		Description:      charge.Description,
		Reference:        charge.Reference,
		GatewayAccountID: charge.GatewayAccountID,
		PaymentProvider:  charge.PaymentProvider,
	})
}

func PaymentDetailsEntered(charge *domain.Charge, ce domain.ChargeEvent) Event {
	return paymentEvent(domain.EventPaymentDetailsEntered, charge.ExternalID, ce.OccurredAt, PaymentDetailsEnteredDetails{
		CorporateSurcharge:   charge.CorporateSurcharge,
		TotalAmount:          charge.TotalAmount(),
		GatewayTransactionID: charge.GatewayTransactionID,
	})
}

func CaptureSubmitted(charge *domain.Charge, ce domain.ChargeEvent) Event {
	return paymentEvent(domain.EventCaptureSubmitted, charge.ExternalID, ce.OccurredAt, CaptureSubmittedDetails{
		CaptureSubmittedDate: formatTime(ce.OccurredAt),
	})
}

// CaptureConfirmed prefers the settlement date reported by the gateway.
func CaptureConfirmed(charge *domain.Charge, ce domain.ChargeEvent) Event {
	details := CaptureConfirmedDetails{CapturedDate: formatTime(ce.OccurredAt)}
	if ce.GatewayEventDate != nil {
		details.GatewayEventDate = formatTime(*ce.GatewayEventDate)
		details.CapturedDate = details.GatewayEventDate
	}
	return paymentEvent(domain.EventCaptureConfirmed, charge.ExternalID, ce.OccurredAt, details)
}

// NewRefundEvent builds the refund event of the given kind from a history entry.
func NewRefundEvent(kind domain.EventKind, entry domain.RefundHistoryEntry, gatewayAccountID int64) (Event, error) {
	switch kind {
	case domain.EventRefundCreatedByUser:
		return RefundCreatedByUser(entry, gatewayAccountID), nil
	case domain.EventRefundCreatedByService:
		return RefundCreatedByService(entry, gatewayAccountID), nil
	case domain.EventRefundSubmitted, domain.EventRefundSucceeded, domain.EventRefundError:
		return refundEvent(kind, entry, RefundReferenceDetails{Reference: entry.GatewayReference}), nil
	default:
		return Event{}, fmt.Errorf("%s is not a refund event kind", kind)
	}
}

func refundEvent(kind domain.EventKind, entry domain.RefundHistoryEntry, details Details) Event {
	return Event{
		Kind:                     kind,
		ResourceType:             domain.ResourceTypeRefund,
		ResourceExternalID:       entry.RefundExternalID,
		ParentResourceExternalID: entry.ChargeExternalID,
		OccurredAt:               entry.OccurredAt,
		Details:                  details,
	}
}

func RefundCreatedByUser(entry domain.RefundHistoryEntry, gatewayAccountID int64) Event {
	return refundEvent(domain.EventRefundCreatedByUser, entry, RefundCreatedDetails{
		Amount:           entry.Amount,
		RefundedBy:       entry.UserExternalID,
		GatewayAccountID: gatewayAccountID,
	})
}

func RefundCreatedByService(entry domain.RefundHistoryEntry, gatewayAccountID int64) Event {
	return refundEvent(domain.EventRefundCreatedByService, entry, RefundCreatedDetails{
		Amount:           entry.Amount,
		GatewayAccountID: gatewayAccountID,
	})
}

// RefundAvailabilityUpdated reports how much of the charge is still refundable at the given time.
func RefundAvailabilityUpdated(charge *domain.Charge, refunds []*domain.Refund, availability domain.RefundAvailability, at time.Time) Event {
	refunded := domain.RefundedAmount(refunds)

	var available int64
	switch availability {
	case domain.RefundAvailabilityAvailable, domain.RefundAvailabilityPending:
		available = max(charge.TotalAmount()-refunded, 0)
	}

	return paymentEvent(domain.EventRefundAvailabilityUpdated, charge.ExternalID, at, RefundAvailabilityDetails{
		RefundStatus:          availability,
		RefundAmountAvailable: available,
		RefundAmountRefunded:  refunded,
	})
}

// RefundKindFor maps a refund status to its event kind. The initiator only
// matters for the CREATED status.
func RefundKindFor(actor domain.ActorType, status domain.RefundStatus) (domain.EventKind, bool) {
	switch status {
	case domain.RefundStatusCreated:
		if actor == domain.ActorTypeUser {
			return domain.EventRefundCreatedByUser, true
		}
		return domain.EventRefundCreatedByService, true
	case domain.RefundStatusSubmitted:
		return domain.EventRefundSubmitted, true
	case domain.RefundStatusRefunded:
		return domain.EventRefundSucceeded, true
	case domain.RefundStatusError:
		return domain.EventRefundError, true
	default:
		return "", false
	}
}
