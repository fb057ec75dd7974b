package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// SandboxProvider is the provider name of the sandbox gateway.
const SandboxProvider = "sandbox"

// Sandbox test cards.
const (
	SandboxCardDeclined = "4000000000000002"
	SandboxCardError    = "4000000000000119"
	SandboxCard3DS      = "4000000000003220"
)

// Sandbox is an in-process gateway for test accounts. Authorisation outcomes
// depend on the card number; captures and refunds always succeed.
type Sandbox struct {
	settle bool
}

// NewSandbox returns a sandbox gateway. With settle set, captures are
// confirmed synchronously instead of left submitted.
func NewSandbox(settle bool) *Sandbox {
	return &Sandbox{settle: settle}
}

func (s *Sandbox) Authorise(ctx context.Context, req AuthoriseRequest) (AuthoriseResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthoriseResult{}, err
	}

	result := AuthoriseResult{TransactionID: uuid.NewString()}
	switch strings.ReplaceAll(req.CardNumber, " ", "") {
	case SandboxCardDeclined:
		result.Status = domain.ChargeStatusAuthorisationRejected
	case SandboxCardError:
		result.Status = domain.ChargeStatusAuthorisationError
	case SandboxCard3DS:
		result.Status = domain.ChargeStatusAuthorisation3DSRequired
	default:
		result.Status = domain.ChargeStatusAuthorisationSuccess
	}
	return result, nil
}

func (s *Sandbox) Capture(ctx context.Context, charge *domain.Charge) (CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return CaptureResult{}, err
	}
	return CaptureResult{
		Outcome:       CaptureSucceeded,
		Settled:       s.settle,
		TransactionID: charge.GatewayTransactionID,
	}, nil
}

func (s *Sandbox) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{
		Status:    domain.RefundStatusSubmitted,
		Reference: uuid.NewString(),
	}, nil
}

// QueryStatus reports the charge's own status; the sandbox keeps no state.
func (s *Sandbox) QueryStatus(ctx context.Context, charge *domain.Charge) (domain.ChargeStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return charge.Status, nil
}
