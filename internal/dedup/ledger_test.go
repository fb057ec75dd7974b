package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/repository/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func refundEvent(id string, kind domain.EventKind, at time.Time) event.Event {
	return event.Event{
		Kind:                     kind,
		ResourceType:             kind.ResourceType(),
		ResourceExternalID:       id,
		ParentResourceExternalID: "ch_1",
		OccurredAt:               at,
	}
}

func TestLedger_RecordThenCheck(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(memory.NewEmittedEventStore(), clock.NewMockClock(now))

	succeeded := refundEvent("rf_1", domain.EventRefundSucceeded, now)
	unrelated := []event.Event{
		refundEvent("rf_2", domain.EventRefundSucceeded, now),
		refundEvent("rf_1", domain.EventRefundSubmitted, now),
	}

	emitted, err := ledger.HasBeenEmittedBefore(ctx, succeeded)
	require.NoError(t, err)
	assert.False(t, emitted)

	require.NoError(t, ledger.RecordEmission(ctx, succeeded))

	emitted, err = ledger.HasBeenEmittedBefore(ctx, succeeded)
	require.NoError(t, err)
	assert.True(t, emitted)

	for _, ev := range unrelated {
		emitted, err := ledger.HasBeenEmittedBefore(ctx, ev)
		require.NoError(t, err)
		assert.False(t, emitted, "%s for %s", ev.Kind, ev.ResourceExternalID)
	}
}

func TestLedger_LifecycleKeyIgnoresTimestamp(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(memory.NewEmittedEventStore(), clock.NewMockClock(now))

	require.NoError(t, ledger.RecordEmission(ctx, refundEvent("rf_1", domain.EventRefundSucceeded, now)))

	emitted, err := ledger.HasBeenEmittedBefore(ctx, refundEvent("rf_1", domain.EventRefundSucceeded, now.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, emitted)
}

func TestLedger_RepeatableKindKeyedByTimestamp(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(memory.NewEmittedEventStore(), clock.NewMockClock(now))

	first := event.Event{
		Kind:               domain.EventRefundAvailabilityUpdated,
		ResourceType:       domain.ResourceTypePayment,
		ResourceExternalID: "ch_1",
		OccurredAt:         now,
	}
	later := first
	later.OccurredAt = now.Add(time.Second)

	require.NoError(t, ledger.RecordEmission(ctx, first))

	emitted, err := ledger.HasBeenEmittedBefore(ctx, first)
	require.NoError(t, err)
	assert.True(t, emitted)

	emitted, err = ledger.HasBeenEmittedBefore(ctx, later)
	require.NoError(t, err)
	assert.False(t, emitted)
}

type failingStore struct{}

func (failingStore) HasBeenEmittedBefore(context.Context, domain.EmissionKey) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) RecordEmission(context.Context, domain.EmissionKey, time.Time) error {
	return errors.New("connection refused")
}

func TestLedger_StoreErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(failingStore{}, nil)
	ev := refundEvent("rf_1", domain.EventRefundSucceeded, now)

	_, err := ledger.HasBeenEmittedBefore(ctx, ev)
	assert.ErrorContains(t, err, "connection refused")
	assert.ErrorContains(t, err, "REFUND_SUCCEEDED")

	err = ledger.RecordEmission(ctx, ev)
	assert.ErrorContains(t, err, "connection refused")
}
