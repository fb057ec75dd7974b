package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newCharge(id string, status domain.ChargeStatus) *domain.Charge {
	return &domain.Charge{
		ExternalID:       id,
		Amount:           1000,
		Status:           status,
		GatewayAccountID: 7,
		PaymentProvider:  "sandbox",
	}
}

func TestChargeStore_CreateRecordsInitialEvent(t *testing.T) {
	ctx := context.Background()
	store := NewChargeStore(clock.NewMockClock(epoch))

	charge := newCharge("ch_1", "")
	ce, err := store.Create(ctx, charge)
	require.NoError(t, err)

	assert.Equal(t, int64(1), charge.ID)
	assert.Equal(t, domain.ChargeStatusCreated, charge.Status)
	assert.Equal(t, domain.ChargeStatusCreated, ce.Status)
	assert.Equal(t, epoch, ce.OccurredAt)

	_, err = store.Create(ctx, newCharge("ch_1", ""))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestChargeStore_AppendStatusChange(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(epoch)
	store := NewChargeStore(clk)
	_, err := store.Create(ctx, newCharge("ch_1", domain.ChargeStatusCaptureApproved))
	require.NoError(t, err)

	clk.Advance(time.Second)
	ce, err := store.AppendStatusChange(ctx, "ch_1", domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureReady, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusCaptureReady, ce.Status)
	assert.Equal(t, epoch.Add(time.Second), ce.OccurredAt)

	_, err = store.AppendStatusChange(ctx, "ch_1", domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureReady, nil)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.AppendStatusChange(ctx, "missing", domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureReady, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	charge, err := store.GetByExternalID(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusCaptureReady, charge.Status)
	assert.Equal(t, int64(1), charge.Version)

	events, err := store.GetEvents(ctx, "ch_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ChargeStatusCaptureApproved, events[0].Status)
	assert.Equal(t, domain.ChargeStatusCaptureReady, events[1].Status)
}

func TestChargeStore_CaptureEligibility(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(epoch)
	store := NewChargeStore(clk)
	window := time.Hour

	for _, c := range []*domain.Charge{
		newCharge("approved", domain.ChargeStatusCaptureApproved),
		newCharge("retry_old", domain.ChargeStatusCaptureApproved),
		newCharge("retry_recent", domain.ChargeStatusCaptureApproved),
		newCharge("captured", domain.ChargeStatusCaptured),
	} {
		_, err := store.Create(ctx, c)
		require.NoError(t, err)
	}

	_, err := store.AppendStatusChange(ctx, "retry_old", domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureApprovedRetry, nil)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = store.AppendStatusChange(ctx, "retry_recent", domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureApprovedRetry, nil)
	require.NoError(t, err)

	due, err := store.FindChargesDueForCapture(ctx, 10, window)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, c := range due {
		ids = append(ids, c.ExternalID)
	}
	assert.Equal(t, []string{"approved", "retry_old"}, ids)

	limited, err := store.FindChargesDueForCapture(ctx, 1, window)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	forCapture, err := store.CountChargesForCapture(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 2, forCapture)

	waiting, err := store.CountChargesAwaitingCaptureRetry(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestChargeStore_CountCaptureRetries(t *testing.T) {
	ctx := context.Background()
	store := NewChargeStore(clock.NewMockClock(epoch))
	charge := newCharge("ch_1", domain.ChargeStatusCaptureApproved)
	_, err := store.Create(ctx, charge)
	require.NoError(t, err)

	steps := []struct{ from, to domain.ChargeStatus }{
		{domain.ChargeStatusCaptureApproved, domain.ChargeStatusCaptureReady},
		{domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptureApprovedRetry},
		{domain.ChargeStatusCaptureApprovedRetry, domain.ChargeStatusCaptureReady},
		{domain.ChargeStatusCaptureReady, domain.ChargeStatusCaptureApprovedRetry},
	}
	for _, step := range steps {
		_, err := store.AppendStatusChange(ctx, "ch_1", step.from, step.to, nil)
		require.NoError(t, err)
	}

	retries, err := store.CountCaptureRetries(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retries)

	_, err = store.CountCaptureRetries(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefundStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewRefundStore(clock.NewMockClock(epoch))

	refund := &domain.Refund{ExternalID: "rf_1", ChargeExternalID: "ch_1", Amount: 300, UserExternalID: "user_1"}
	entry, err := store.Create(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCreated, entry.Status)
	assert.Equal(t, domain.ActorTypeUser, entry.Actor())

	entry, err = store.UpdateStatus(ctx, "rf_1", domain.RefundStatusCreated, domain.RefundStatusSubmitted, "gw-ref")
	require.NoError(t, err)
	assert.Equal(t, "gw-ref", entry.GatewayReference)

	_, err = store.UpdateStatus(ctx, "rf_1", domain.RefundStatusCreated, domain.RefundStatusSubmitted, "")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.UpdateStatus(ctx, "missing", domain.RefundStatusCreated, domain.RefundStatusSubmitted, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	refunds, err := store.FindByChargeExternalID(ctx, "ch_1")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, domain.RefundStatusSubmitted, refunds[0].Status)

	history, err := store.HistoryForCharge(ctx, "ch_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RefundStatusCreated, history[0].Status)
	assert.Equal(t, domain.RefundStatusSubmitted, history[1].Status)
}

func TestEmittedEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewEmittedEventStore()
	key := domain.EmissionKey{
		ResourceType:       domain.ResourceTypeRefund,
		ResourceExternalID: "rf_1",
		EventKind:          domain.EventRefundSucceeded,
	}
	other := key
	other.ResourceExternalID = "rf_2"

	emitted, err := store.HasBeenEmittedBefore(ctx, key)
	require.NoError(t, err)
	assert.False(t, emitted)

	require.NoError(t, store.RecordEmission(ctx, key, epoch))
	require.NoError(t, store.RecordEmission(ctx, key, epoch.Add(time.Minute)))

	emitted, err = store.HasBeenEmittedBefore(ctx, key)
	require.NoError(t, err)
	assert.True(t, emitted)

	emitted, err = store.HasBeenEmittedBefore(ctx, other)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Equal(t, 1, store.Len())
}
