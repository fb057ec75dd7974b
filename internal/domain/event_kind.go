package domain

import (
	"strconv"
	"time"
)

// ResourceType is the kind of resource an event describes.
type ResourceType string

const (
	ResourceTypePayment ResourceType = "payment"
	ResourceTypeRefund  ResourceType = "refund"
)

// EventKind names a lifecycle event. The value is the wire name sent downstream.
type EventKind string

const (
	EventPaymentCreated                            EventKind = "PAYMENT_CREATED"
	EventPaymentStarted                            EventKind = "PAYMENT_STARTED"
	EventPaymentExpired                            EventKind = "PAYMENT_EXPIRED"
	EventPaymentDetailsEntered                     EventKind = "PAYMENT_DETAILS_ENTERED"
	EventAuthorisationSucceeded                    EventKind = "AUTHORISATION_SUCCEEDED"
	EventAuthorisationRejected                     EventKind = "AUTHORISATION_REJECTED"
	EventAuthorisationCancelled                    EventKind = "AUTHORISATION_CANCELLED"
	EventGatewayErrorDuringAuthorisation           EventKind = "GATEWAY_ERROR_DURING_AUTHORISATION"
	EventGatewayTimeoutDuringAuthorisation         EventKind = "GATEWAY_TIMEOUT_DURING_AUTHORISATION"
	EventUnexpectedGatewayErrorDuringAuthorisation EventKind = "UNEXPECTED_GATEWAY_ERROR_DURING_AUTHORISATION"
	EventGatewayRequires3dsAuthorisation           EventKind = "GATEWAY_REQUIRES_3DS_AUTHORISATION"
	EventUserApprovedForCapture                    EventKind = "USER_APPROVED_FOR_CAPTURE"
	EventCaptureSubmitted                          EventKind = "CAPTURE_SUBMITTED"
	EventCaptureConfirmed                          EventKind = "CAPTURE_CONFIRMED"
	EventCaptureErrored                            EventKind = "CAPTURE_ERRORED"
	EventCaptureAbandonedAfterTooManyRetries       EventKind = "CAPTURE_ABANDONED_AFTER_TOO_MANY_RETRIES"
	EventCancelledByUser                           EventKind = "CANCELLED_BY_USER"
	EventCancelledBySystem                         EventKind = "CANCELLED_BY_SYSTEM"
	EventCancelledByExpiration                     EventKind = "CANCELLED_BY_EXPIRATION"
	EventRefundCreatedByUser                       EventKind = "REFUND_CREATED_BY_USER"
	EventRefundCreatedByService                    EventKind = "REFUND_CREATED_BY_SERVICE"
	EventRefundSubmitted                           EventKind = "REFUND_SUBMITTED"
	EventRefundSucceeded                           EventKind = "REFUND_SUCCEEDED"
	EventRefundError                               EventKind = "REFUND_ERROR"
	EventRefundAvailabilityUpdated                 EventKind = "REFUND_AVAILABILITY_UPDATED"
)

// ResourceType returns the resource the kind is emitted for.
func (k EventKind) ResourceType() ResourceType {
	switch k {
	case EventRefundCreatedByUser, EventRefundCreatedByService, EventRefundSubmitted,
		EventRefundSucceeded, EventRefundError:
		return ResourceTypeRefund
	default:
		return ResourceTypePayment
	}
}

// Repeatable reports whether the kind may legitimately be emitted more than
// once for the same resource. Such kinds are deduplicated per timestamp.
func (k EventKind) Repeatable() bool {
	return k == EventRefundAvailabilityUpdated
}

// AffectsRefundability reports whether the kind changes how much of a charge
// can be refunded.
func (k EventKind) AffectsRefundability() bool {
	switch k {
	case EventRefundCreatedByUser, EventRefundCreatedByService, EventRefundError,
		EventPaymentCreated, EventCaptureSubmitted:
		return true
	default:
		return false
	}
}

func (k EventKind) String() string {
	return string(k)
}

// EmissionKey identifies an emission in the dedup ledger. OccurredAt is zero
// for kinds that happen once per resource.
type EmissionKey struct {
	ResourceType       ResourceType
	ResourceExternalID string
	EventKind          EventKind
	OccurredAt         time.Time
}

// String renders the key as resource_type:resource_id:kind, suffixed with the
// UTC timestamp in microseconds for repeatable kinds.
func (k EmissionKey) String() string {
	s := string(k.ResourceType) + ":" + k.ResourceExternalID + ":" + string(k.EventKind)
	if !k.OccurredAt.IsZero() {
		s += ":" + strconv.FormatInt(k.OccurredAt.UTC().UnixMicro(), 10)
	}
	return s
}

// StateTransition is a queued unit of work: an observed status change of a
// resource and the event kind it maps to. SourceEventID is the id of the
// charge event or refund history entry that recorded the change.
type StateTransition struct {
	ResourceType       ResourceType
	ResourceExternalID string
	Kind               EventKind
	SourceEventID      int64
}
