package domain

import "time"

// ChargeStatus is a charge lifecycle status. Statuses are causally ordered by
// the transition table, not by their string value.
type ChargeStatus string

const (
	ChargeStatusUndefined                    ChargeStatus = "UNDEFINED"
	ChargeStatusCreated                      ChargeStatus = "CREATED"
	ChargeStatusEnteringCardDetails          ChargeStatus = "ENTERING CARD DETAILS"
	ChargeStatusAuthorisationReady           ChargeStatus = "AUTHORISATION READY"
	ChargeStatusAuthorisationSubmitted       ChargeStatus = "AUTHORISATION SUBMITTED"
	ChargeStatusAuthorisationSuccess         ChargeStatus = "AUTHORISATION SUCCESS"
	ChargeStatusAuthorisationRejected        ChargeStatus = "AUTHORISATION REJECTED"
	ChargeStatusAuthorisationError           ChargeStatus = "AUTHORISATION ERROR"
	ChargeStatusAuthorisationTimeout         ChargeStatus = "AUTHORISATION TIMEOUT"
	ChargeStatusAuthorisationUnexpectedError ChargeStatus = "AUTHORISATION UNEXPECTED ERROR"
	ChargeStatusAuthorisationCancelled       ChargeStatus = "AUTHORISATION CANCELLED"
	ChargeStatusAuthorisationAborted         ChargeStatus = "AUTHORISATION ABORTED"
	ChargeStatusAuthorisation3DSRequired     ChargeStatus = "AUTHORISATION 3DS REQUIRED"
	ChargeStatusAuthorisation3DSReady        ChargeStatus = "AUTHORISATION 3DS READY"
	ChargeStatusCaptureApproved              ChargeStatus = "CAPTURE APPROVED"
	ChargeStatusCaptureApprovedRetry         ChargeStatus = "CAPTURE APPROVED RETRY"
	ChargeStatusCaptureReady                 ChargeStatus = "CAPTURE READY"
	ChargeStatusCaptureSubmitted             ChargeStatus = "CAPTURE SUBMITTED"
	ChargeStatusCaptured                     ChargeStatus = "CAPTURED"
	ChargeStatusCaptureError                 ChargeStatus = "CAPTURE ERROR"
	ChargeStatusExpireCancelReady            ChargeStatus = "EXPIRE CANCEL READY"
	ChargeStatusExpired                      ChargeStatus = "EXPIRED"
	ChargeStatusSystemCancelReady            ChargeStatus = "SYSTEM CANCEL READY"
	ChargeStatusSystemCancelled              ChargeStatus = "SYSTEM CANCELLED"
	ChargeStatusUserCancelReady              ChargeStatus = "USER CANCEL READY"
	ChargeStatusUserCancelled                ChargeStatus = "USER CANCELLED"
)

var terminalChargeStatuses = map[ChargeStatus]bool{
	ChargeStatusCaptured:                     true,
	ChargeStatusCaptureError:                 true,
	ChargeStatusExpired:                      true,
	ChargeStatusSystemCancelled:              true,
	ChargeStatusUserCancelled:                true,
	ChargeStatusAuthorisationRejected:        true,
	ChargeStatusAuthorisationError:           true,
	ChargeStatusAuthorisationTimeout:         true,
	ChargeStatusAuthorisationUnexpectedError: true,
	ChargeStatusAuthorisationCancelled:       true,
	ChargeStatusAuthorisationAborted:         true,
}

// terminalAuthenticationStatuses are the statuses that prove card details were
// submitted for authorisation.
var terminalAuthenticationStatuses = map[ChargeStatus]bool{
	ChargeStatusAuthorisation3DSRequired:     true,
	ChargeStatusAuthorisationSubmitted:       true,
	ChargeStatusAuthorisationSuccess:         true,
	ChargeStatusAuthorisationAborted:         true,
	ChargeStatusAuthorisationRejected:        true,
	ChargeStatusAuthorisationError:           true,
	ChargeStatusAuthorisationUnexpectedError: true,
	ChargeStatusAuthorisationTimeout:         true,
	ChargeStatusAuthorisationCancelled:       true,
}

// IsTerminal reports whether no further transition may leave the status.
func (s ChargeStatus) IsTerminal() bool {
	return terminalChargeStatuses[s]
}

// IsTerminalAuthentication reports whether reaching the status means the
// payer has entered card details.
func (s ChargeStatus) IsTerminalAuthentication() bool {
	return terminalAuthenticationStatuses[s]
}

// IsAwaitingCapture reports whether the capture worker may pick up a charge in this status.
func (s ChargeStatus) IsAwaitingCapture() bool {
	return s == ChargeStatusCaptureApproved || s == ChargeStatusCaptureApprovedRetry
}

func (s ChargeStatus) String() string {
	return string(s)
}

// Charge is a single payment attempt. Amounts are in minor units.
type Charge struct {
	ID                   int64        `json:"id"`
	ExternalID           string       `json:"external_id"`
	Amount               int64        `json:"amount"`
	CorporateSurcharge   int64        `json:"corporate_surcharge,omitempty"`
	Status               ChargeStatus `json:"status"`
	Reference            string       `json:"reference"`
	Description          string       `json:"description"`
	GatewayAccountID     int64        `json:"gateway_account_id"`
	PaymentProvider      string       `json:"payment_provider"`
	GatewayTransactionID string       `json:"gateway_transaction_id,omitempty"`
	Version              int64        `json:"version"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// TotalAmount is the amount the payer is charged, including any surcharge.
func (c *Charge) TotalAmount() int64 {
	return c.Amount + c.CorporateSurcharge
}

// ChargeEvent is one append-only entry in a charge's status history.
type ChargeEvent struct {
	ID               int64        `json:"id"`
	ChargeID         int64        `json:"charge_id"`
	ChargeExternalID string       `json:"charge_external_id"`
	Status           ChargeStatus `json:"status"`
	OccurredAt       time.Time    `json:"occurred_at"`
	GatewayEventDate *time.Time   `json:"gateway_event_date,omitempty"`
}
