// Package repository defines the durable stores the connector core consumes.
package repository

import (
	"context"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// ChargeRepository stores charges and their append-only status history.
//
// A charge is due for capture when it is CAPTURE APPROVED, or CAPTURE
// APPROVED RETRY and last updated more than retryWindow ago. A retry charge
// updated within the window is awaiting retry.
type ChargeRepository interface {
	Create(ctx context.Context, charge *domain.Charge) (domain.ChargeEvent, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Charge, error)
	GetEvents(ctx context.Context, chargeExternalID string) ([]domain.ChargeEvent, error)

	FindChargesDueForCapture(ctx context.Context, limit int, retryWindow time.Duration) ([]*domain.Charge, error)
	CountChargesForCapture(ctx context.Context, retryWindow time.Duration) (int, error)
	CountChargesAwaitingCaptureRetry(ctx context.Context, retryWindow time.Duration) (int, error)
	CountCaptureRetries(ctx context.Context, chargeID int64) (int, error)

	// AppendStatusChange moves the charge from expected to next and records the
	// change in its history. It returns domain.ErrConflict when the stored
	// status is no longer expected and domain.ErrNotFound for unknown charges.
	AppendStatusChange(ctx context.Context, externalID string, expected, next domain.ChargeStatus, gatewayEventDate *time.Time) (domain.ChargeEvent, error)
}

// RefundRepository stores refunds and their history.
type RefundRepository interface {
	Create(ctx context.Context, refund *domain.Refund) (domain.RefundHistoryEntry, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Refund, error)
	FindByChargeExternalID(ctx context.Context, chargeExternalID string) ([]*domain.Refund, error)
	HistoryForCharge(ctx context.Context, chargeExternalID string) ([]domain.RefundHistoryEntry, error)

	// UpdateStatus has the same conflict semantics as ChargeRepository.AppendStatusChange.
	UpdateStatus(ctx context.Context, externalID string, expected, next domain.RefundStatus, gatewayReference string) (domain.RefundHistoryEntry, error)
}

// EmittedEventRepository is the durable record behind the dedup ledger. It
// must tolerate concurrent use from several service instances.
type EmittedEventRepository interface {
	HasBeenEmittedBefore(ctx context.Context, key domain.EmissionKey) (bool, error)
	RecordEmission(ctx context.Context, key domain.EmissionKey, emittedAt time.Time) error
}
