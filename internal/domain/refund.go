package domain

import "time"

// RefundStatus is a refund lifecycle status.
type RefundStatus string

const (
	RefundStatusCreated   RefundStatus = "CREATED"
	RefundStatusSubmitted RefundStatus = "REFUND SUBMITTED"
	RefundStatusRefunded  RefundStatus = "REFUNDED"
	RefundStatusError     RefundStatus = "REFUND ERROR"
)

// CountsAgainstAvailability reports whether a refund in this status reduces
// the amount still refundable on its charge.
func (s RefundStatus) CountsAgainstAvailability() bool {
	switch s {
	case RefundStatusCreated, RefundStatusSubmitted, RefundStatusRefunded:
		return true
	default:
		return false
	}
}

// ActorType identifies who initiated a refund.
type ActorType string

const (
	ActorTypeUser    ActorType = "user"
	ActorTypeService ActorType = "service"
)

// Refund is a reversal of part or all of a captured charge.
type Refund struct {
	ID               int64        `json:"id"`
	ExternalID       string       `json:"external_id"`
	ChargeExternalID string       `json:"charge_external_id"`
	Amount           int64        `json:"amount"`
	Status           RefundStatus `json:"status"`
	UserExternalID   string       `json:"user_external_id,omitempty"`
	GatewayReference string       `json:"gateway_transaction_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Actor derives the initiator from the presence of a user id.
func (r *Refund) Actor() ActorType {
	if r.UserExternalID != "" {
		return ActorTypeUser
	}
	return ActorTypeService
}

// RefundHistoryEntry is one append-only entry in a refund's status history.
type RefundHistoryEntry struct {
	ID               int64        `json:"id"`
	RefundExternalID string       `json:"refund_external_id"`
	ChargeExternalID string       `json:"charge_external_id"`
	Amount           int64        `json:"amount"`
	Status           RefundStatus `json:"status"`
	UserExternalID   string       `json:"user_external_id,omitempty"`
	GatewayReference string       `json:"gateway_transaction_id,omitempty"`
	OccurredAt       time.Time    `json:"occurred_at"`
}

func (e *RefundHistoryEntry) Actor() ActorType {
	if e.UserExternalID != "" {
		return ActorTypeUser
	}
	return ActorTypeService
}

// RefundedAmount sums refunds that are in flight or completed.
func RefundedAmount(refunds []*Refund) int64 {
	var total int64
	for _, r := range refunds {
		if r.Status.CountsAgainstAvailability() {
			total += r.Amount
		}
	}
	return total
}
