package transition

import "github.com/alphagov-mirror/pay-connector/internal/domain"

// DefaultEdges is the charge lifecycle as recorded by the connector.
func DefaultEdges() []Edge {
	e := func(from, to domain.ChargeStatus, kind domain.EventKind) Edge {
		return Edge{From: from, To: to, Kind: kind}
	}

	return []Edge{
		e(domain.ChargeStatusUndefined, domain.ChargeStatusCreated, domain.EventPaymentCreated),

		e(domain.ChargeStatusCreated, domain.ChargeStatusEnteringCardDetails, domain.EventPaymentStarted),
		e(domain.ChargeStatusCreated, domain.ChargeStatusAuthorisationReady, ""),
		e(domain.ChargeStatusCreated, domain.ChargeStatusExpired, domain.EventPaymentExpired),
		e(domain.ChargeStatusCreated, domain.ChargeStatusSystemCancelled, domain.EventCancelledBySystem),

		e(domain.ChargeStatusEnteringCardDetails, domain.ChargeStatusAuthorisationReady, ""),
		e(domain.ChargeStatusEnteringCardDetails, domain.ChargeStatusExpired, domain.EventPaymentExpired),
		e(domain.ChargeStatusEnteringCardDetails, domain.ChargeStatusUserCancelled, domain.EventCancelledByUser),
		e(domain.ChargeStatusEnteringCardDetails, domain.ChargeStatusSystemCancelled, domain.EventCancelledBySystem),

		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationSuccess, domain.EventAuthorisationSucceeded),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationRejected, domain.EventAuthorisationRejected),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationError, domain.EventGatewayErrorDuringAuthorisation),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationTimeout, domain.EventGatewayTimeoutDuringAuthorisation),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationUnexpectedError, domain.EventUnexpectedGatewayErrorDuringAuthorisation),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisation3DSRequired, domain.EventGatewayRequires3dsAuthorisation),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationSubmitted, ""),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationCancelled, domain.EventAuthorisationCancelled),
		e(domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationAborted, domain.EventAuthorisationCancelled),

		e(domain.ChargeStatusAuthorisationSubmitted, domain.ChargeStatusAuthorisationSuccess, domain.EventAuthorisationSucceeded),
		e(domain.ChargeStatusAuthorisationSubmitted, domain.ChargeStatusAuthorisationRejected, domain.EventAuthorisationRejected),
		e(domain.ChargeStatusAuthorisationSubmitted, domain.ChargeStatusAuthorisationError, domain.EventGatewayErrorDuringAuthorisation),
		e(domain.ChargeStatusAuthorisationSubmitted, domain.ChargeStatusAuthorisation3DSRequired, domain.EventGatewayRequires3dsAuthorisation),

		e(domain.ChargeStatusAuthorisation3DSRequired, domain.ChargeStatusAuthorisation3DSReady, ""),
		e(domain.ChargeStatusAuthorisation3DSRequired, domain.ChargeStatusUserCancelled, domain.EventCancelledByUser),
		e(domain.ChargeStatusAuthorisation3DSRequired, domain.ChargeStatusExpired, domain.EventPaymentExpired),
		e(domain.ChargeStatusAuthorisation3DSRequired, domain.ChargeStatusSystemCancelled, domain.EventCancelledBySystem),

		e(domain.ChargeStatusAuthorisation3DSReady, domain.ChargeStatusAuthorisationSuccess, domain.EventAuthorisationSucceeded),
		e(domain.ChargeStatusAuthorisation3DSReady, domain.ChargeStatusAuthorisationRejected, domain.EventAuthorisationRejected),
		e(domain.ChargeStatusAuthorisation3DSReady, domain.ChargeStatusAuthorisationError, domain.EventGatewayErrorDuringAuthorisation),
		e(domain.ChargeStatusAuthorisation3DSReady, domain.ChargeStatusAuthorisationCancelled, domain.EventAuthorisationCancelled),

		e(domain.ChargeStatusAuthorisationSuccess, domain.ChargeStatusCaptureApproved, domain.EventUserApprovedForCapture),
		e(domain.ChargeStatusAuthorisationSuccess, domain.ChargeStatusCaptureReady, ""),
		e(domain.ChargeStatusAuthorisationSuccess, domain.ChargeStatusUserCancelReady, ""),
		e(domain.ChargeStatusAuthorisationSuccess, domain.ChargeStatusSystemCancelReady, ""),
		e(domain.ChargeStatusAuthorisationSuccess, domain.ChargeStatusExpireCancelReady, ""),

		e(domain.ChargeStatusUserCancelReady, domain.ChargeStatusUserCancelled, domain.EventCancelledByUser),
		e(domain.ChargeStatusSystemCancelReady, domain.ChargeStatusSystemCancelled, domain.EventCancelledBySystem),
		e(domain.ChargeStatusExpireCancelReady, domain.ChargeStatusExpired, domain.EventCancelledByExpiration),

		e(domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureReady, ""),
		e(domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureError, domain.EventCaptureAbandonedAfterTooManyRetries),
		e(domain.ChargeStatusCaptureApprovedRetry, domain.ChargeStatusCaptureReady, ""),
		e(domain.ChargeStatusCaptureApprovedRetry, domain.ChargeStatusCaptureError, domain.EventCaptureAbandonedAfterTooManyRetries),

		e(domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptureSubmitted, domain.EventCaptureSubmitted),
		e(domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptured, domain.EventCaptureConfirmed),
		e(domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptureApprovedRetry, ""),
		e(domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptureError, domain.EventCaptureErrored),

		e(domain.ChargeStatusCaptureSubmitted, domain.ChargeStatusCaptured, domain.EventCaptureConfirmed),
	}
}
