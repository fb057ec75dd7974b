package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
)

type mockDeriver struct {
	chargeEmissions []event.Emission
	refundEmission  event.Emission
	err             error
}

func (m *mockDeriver) DeriveChargeTransition(context.Context, string, domain.ChargeStatus, domain.ChargeStatus, domain.ChargeEvent) ([]event.Emission, error) {
	return m.chargeEmissions, m.err
}

func (m *mockDeriver) DeriveRefundEvent(context.Context, domain.RefundHistoryEntry) (event.Emission, error) {
	return m.refundEmission, m.err
}

func newTestService(d Deriver) (*TransitionService, *TransitionQueue, *observability.Metrics) {
	q := NewTransitionQueue()
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	return NewTransitionService(q, d, nil).WithMetrics(m), q, m
}

func TestTransitionService_OfferChargeTransition(t *testing.T) {
	d := &mockDeriver{chargeEmissions: []event.Emission{
		emission("charge-1", domain.EventAuthorisationSucceeded),
		emission("charge-1", domain.EventPaymentDetailsEntered),
	}}
	s, q, m := newTestService(d)

	n := s.OfferChargeTransition(context.Background(), "charge-1",
		domain.ChargeStatusAuthorisationReady, domain.ChargeStatusAuthorisationSuccess, domain.ChargeEvent{ID: 1})

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsOffered.WithLabelValues("AUTHORISATION_SUCCEEDED")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TransitionQueueDepth))
}

func TestTransitionService_OfferChargeTransition_NothingToOffer(t *testing.T) {
	s, q, _ := newTestService(&mockDeriver{})

	n := s.OfferChargeTransition(context.Background(), "charge-1",
		domain.ChargeStatusEnteringCardDetails, domain.ChargeStatusAuthorisationReady, domain.ChargeEvent{ID: 1})

	assert.Equal(t, 0, n)
	assert.Equal(t, 0, q.Len())
}

func TestTransitionService_DropsOnDerivationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"missing resource", domain.NewEventCreationError("charge-1", nil)},
		{"store failure", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, q, m := newTestService(&mockDeriver{err: tt.err})

			n := s.OfferChargeTransition(context.Background(), "charge-1",
				domain.ChargeStatusCreated, domain.ChargeStatusEnteringCardDetails, domain.ChargeEvent{ID: 1})
			ok := s.OfferRefundTransition(context.Background(), domain.RefundHistoryEntry{RefundExternalID: "refund-1"})

			assert.Equal(t, 0, n)
			assert.False(t, ok)
			assert.Equal(t, 0, q.Len())
			assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDerivationFailed.WithLabelValues("payment")))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDerivationFailed.WithLabelValues("refund")))
		})
	}
}

func TestTransitionService_OfferRefundTransition(t *testing.T) {
	d := &mockDeriver{refundEmission: emission("refund-1", domain.EventRefundSubmitted)}
	s, q, _ := newTestService(d)

	ok := s.OfferRefundTransition(context.Background(), domain.RefundHistoryEntry{
		RefundExternalID: "refund-1",
		Status:           domain.RefundStatusSubmitted,
	})

	assert.True(t, ok)
	item, polled := q.Poll()
	assert.True(t, polled)
	assert.Equal(t, domain.EventRefundSubmitted, item.Emission.Event.Kind)
}

type mockHistory struct {
	events    []domain.ChargeEvent
	emissions []event.Emission
	err       error
	derived   []domain.ChargeEvent
}

func (m *mockHistory) GetEvents(context.Context, string) ([]domain.ChargeEvent, error) {
	return m.events, m.err
}

func (m *mockHistory) DeriveChargeEvents(ctx context.Context, chargeExternalID string, history []domain.ChargeEvent) ([]event.Emission, error) {
	m.derived = history
	return m.emissions, nil
}

func TestTransitionService_ReplayCharge(t *testing.T) {
	h := &mockHistory{
		events: []domain.ChargeEvent{
			{ID: 1, Status: domain.ChargeStatusCreated},
			{ID: 2, Status: domain.ChargeStatusCaptured},
		},
		emissions: []event.Emission{
			emission("charge-1", domain.EventPaymentCreated),
			emission("charge-1", domain.EventCaptureConfirmed),
		},
	}
	s, q, m := newTestService(&mockDeriver{})
	s.WithHistory(h, h)

	n, err := s.ReplayCharge(context.Background(), "charge-1")

	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, h.events, h.derived)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsOffered.WithLabelValues("PAYMENT_CREATED")))
}

func TestTransitionService_ReplayCharge_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s, q, _ := newTestService(&mockDeriver{})

		_, err := s.ReplayCharge(context.Background(), "charge-1")

		assert.Error(t, err)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("unknown charge", func(t *testing.T) {
		h := &mockHistory{err: domain.ErrNotFound}
		s, q, _ := newTestService(&mockDeriver{})
		s.WithHistory(h, h)

		_, err := s.ReplayCharge(context.Background(), "missing")

		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("empty history", func(t *testing.T) {
		h := &mockHistory{}
		s, _, _ := newTestService(&mockDeriver{})
		s.WithHistory(h, h)

		_, err := s.ReplayCharge(context.Background(), "charge-1")

		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Nil(t, h.derived)
	})
}
