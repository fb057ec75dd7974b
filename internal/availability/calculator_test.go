package availability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

func TestCalculator_Calculate(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.ChargeStatus
		refunds []*domain.Refund
		want    domain.RefundAvailability
	}{
		{"created charge is pending", domain.ChargeStatusCreated, nil, domain.RefundAvailabilityPending},
		{"capture submitted is pending", domain.ChargeStatusCaptureSubmitted, nil, domain.RefundAvailabilityPending},
		{"approved for capture is pending", domain.ChargeStatusCaptureApproved, nil, domain.RefundAvailabilityPending},
		{"rejected is unavailable", domain.ChargeStatusAuthorisationRejected, nil, domain.RefundAvailabilityUnavailable},
		{"expired is unavailable", domain.ChargeStatusExpired, nil, domain.RefundAvailabilityUnavailable},
		{"user cancelled is unavailable", domain.ChargeStatusUserCancelled, nil, domain.RefundAvailabilityUnavailable},
		{"capture error is unavailable", domain.ChargeStatusCaptureError, nil, domain.RefundAvailabilityUnavailable},
		{"captured without refunds is available", domain.ChargeStatusCaptured, nil, domain.RefundAvailabilityAvailable},
		{
			name:   "captured with partial refund is available",
			status: domain.ChargeStatusCaptured,
			refunds: []*domain.Refund{
				{Amount: 400, Status: domain.RefundStatusRefunded},
			},
			want: domain.RefundAvailabilityAvailable,
		},
		{
			name:   "captured with refunds covering the amount is full",
			status: domain.ChargeStatusCaptured,
			refunds: []*domain.Refund{
				{Amount: 600, Status: domain.RefundStatusRefunded},
				{Amount: 400, Status: domain.RefundStatusSubmitted},
			},
			want: domain.RefundAvailabilityFull,
		},
		{
			name:   "errored refunds do not count",
			status: domain.ChargeStatusCaptured,
			refunds: []*domain.Refund{
				{Amount: 1000, Status: domain.RefundStatusError},
			},
			want: domain.RefundAvailabilityAvailable,
		},
	}

	calc := NewCalculator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			charge := &domain.Charge{Amount: 1000, Status: tt.status}
			assert.Equal(t, tt.want, calc.Calculate(charge, tt.refunds))
		})
	}
}

func TestRefundedAmount_CountsCreatedSubmittedAndRefunded(t *testing.T) {
	refunds := []*domain.Refund{
		{Amount: 100, Status: domain.RefundStatusCreated},
		{Amount: 200, Status: domain.RefundStatusSubmitted},
		{Amount: 300, Status: domain.RefundStatusRefunded},
		{Amount: 400, Status: domain.RefundStatusError},
	}
	assert.Equal(t, int64(600), domain.RefundedAmount(refunds))
}
