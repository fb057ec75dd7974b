package domain

// RefundAvailability is the externally reported refundability of a charge.
type RefundAvailability string

const (
	RefundAvailabilityPending     RefundAvailability = "pending"
	RefundAvailabilityAvailable   RefundAvailability = "available"
	RefundAvailabilityFull        RefundAvailability = "full"
	RefundAvailabilityUnavailable RefundAvailability = "unavailable"
)
