// Package availability decides how much of a charge may still be refunded.
package availability

import "github.com/alphagov-mirror/pay-connector/internal/domain"

var unavailableStatuses = map[domain.ChargeStatus]bool{
	domain.ChargeStatusAuthorisationRejected:        true,
	domain.ChargeStatusAuthorisationError:           true,
	domain.ChargeStatusAuthorisationTimeout:         true,
	domain.ChargeStatusAuthorisationUnexpectedError: true,
	domain.ChargeStatusAuthorisationCancelled:       true,
	domain.ChargeStatusAuthorisationAborted:         true,
	domain.ChargeStatusExpired:                      true,
	domain.ChargeStatusExpireCancelReady:            true,
	domain.ChargeStatusSystemCancelled:              true,
	domain.ChargeStatusSystemCancelReady:            true,
	domain.ChargeStatusUserCancelled:                true,
	domain.ChargeStatusUserCancelReady:              true,
	domain.ChargeStatusCaptureError:                 true,
}

// Calculator is the default refund availability rule shared by all gateways.
type Calculator struct{}

func NewCalculator() Calculator {
	return Calculator{}
}

// Calculate returns PENDING until the charge is captured, UNAVAILABLE once it
// failed or was cancelled, and FULL or AVAILABLE for a captured charge
// depending on how much has been refunded already.
func (Calculator) Calculate(charge *domain.Charge, refunds []*domain.Refund) domain.RefundAvailability {
	switch {
	case unavailableStatuses[charge.Status]:
		return domain.RefundAvailabilityUnavailable
	case charge.Status != domain.ChargeStatusCaptured:
		return domain.RefundAvailabilityPending
	}

	if domain.RefundedAmount(refunds) >= charge.TotalAmount() {
		return domain.RefundAvailabilityFull
	}
	return domain.RefundAvailabilityAvailable
}
