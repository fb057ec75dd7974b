package event

import (
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// Details is the kind-specific payload of an event. The set of
// implementations is closed to this package.
type Details interface {
	eventDetails()
}

// EmptyDetails is used by kinds that carry no payload.
type EmptyDetails struct{}

type PaymentCreatedDetails struct {
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	Reference        string `json:"reference"`
	GatewayAccountID int64  `json:"gateway_account_id"`
	PaymentProvider  string `json:"payment_provider"`
}

type PaymentDetailsEnteredDetails struct {
	CorporateSurcharge   int64  `json:"corporate_surcharge,omitempty"`
	TotalAmount          int64  `json:"total_amount"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
}

type CaptureSubmittedDetails struct {
	CaptureSubmittedDate string `json:"capture_submitted_date"`
}

type CaptureConfirmedDetails struct {
	GatewayEventDate string `json:"gateway_event_date,omitempty"`
	CapturedDate     string `json:"captured_date"`
}

type RefundCreatedDetails struct {
	Amount           int64  `json:"amount"`
	RefundedBy       string `json:"refunded_by,omitempty"`
	GatewayAccountID int64  `json:"gateway_account_id"`
}

type RefundReferenceDetails struct {
	Reference string `json:"reference,omitempty"`
}

type RefundAvailabilityDetails struct {
	RefundStatus          domain.RefundAvailability `json:"refund_status"`
	RefundAmountAvailable int64                     `json:"refund_amount_available"`
	RefundAmountRefunded  int64                     `json:"refund_amount_refunded"`
}

func (EmptyDetails) eventDetails()                 {}
func (PaymentCreatedDetails) eventDetails()        {}
func (PaymentDetailsEnteredDetails) eventDetails() {}
func (CaptureSubmittedDetails) eventDetails()      {}
func (CaptureConfirmedDetails) eventDetails()      {}
func (RefundCreatedDetails) eventDetails()         {}
func (RefundReferenceDetails) eventDetails()       {}
func (RefundAvailabilityDetails) eventDetails()    {}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
