package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphagov-mirror/pay-connector/internal/availability"
	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/dedup"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/queue"
	"github.com/alphagov-mirror/pay-connector/internal/repository/memory"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
	"github.com/alphagov-mirror/pay-connector/internal/retry"
	"github.com/alphagov-mirror/pay-connector/internal/transition"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockPublisher struct {
	mu        sync.Mutex
	published []event.Event
	calls     int
	failures  []error
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return err
		}
	} else if m.err != nil {
		return m.err
	}
	m.published = append(m.published, ev)
	return nil
}

func (m *mockPublisher) kinds() []domain.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make([]domain.EventKind, len(m.published))
	for i, ev := range m.published {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (m *mockPublisher) resources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.published))
	for i, ev := range m.published {
		ids[i] = ev.ResourceExternalID
	}
	return ids
}

type mockDeadLetters struct {
	items  []queue.Item
	causes []error
	err    error
}

func (m *mockDeadLetters) PublishDeadLetter(ctx context.Context, item queue.Item, cause error) error {
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, item)
	m.causes = append(m.causes, cause)
	return nil
}

// unrecordableLedger reports nothing as emitted and fails every write.
type unrecordableLedger struct{}

func (unrecordableLedger) HasBeenEmittedBefore(context.Context, event.Event) (bool, error) {
	return false, nil
}

func (unrecordableLedger) RecordEmission(context.Context, event.Event) error {
	return errors.New("connection refused")
}

type fixture struct {
	worker    *EmissionWorker
	queue     *queue.TransitionQueue
	publisher *mockPublisher
	store     *memory.EmittedEventStore
	clock     *clock.MockClock
	metrics   *observability.Metrics
}

func noJitterPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		MaxAttempts:     maxAttempts,
	}
}

func newFixture(t *testing.T, config Config, policy retry.Policy) *fixture {
	t.Helper()

	clk := clock.NewMockClock(testNow)
	q := queue.NewTransitionQueue()
	store := memory.NewEmittedEventStore()
	publisher := &mockPublisher{}
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())

	w := NewEmissionWorker(config, q, dedup.NewLedger(store, clk), publisher, clk, policy, nil).
		WithMetrics(metrics)

	return &fixture{
		worker:    w,
		queue:     q,
		publisher: publisher,
		store:     store,
		clock:     clk,
		metrics:   metrics,
	}
}

func paymentEmission(chargeID string, kind domain.EventKind, at time.Time) event.Emission {
	ev := event.Event{
		Kind:               kind,
		ResourceType:       domain.ResourceTypePayment,
		ResourceExternalID: chargeID,
		OccurredAt:         at,
		Details:            event.EmptyDetails{},
	}
	return event.Emission{
		Transition: domain.StateTransition{
			ResourceType:       domain.ResourceTypePayment,
			ResourceExternalID: chargeID,
			Kind:               kind,
		},
		Event: ev,
	}
}

func withAvailability(em event.Emission) event.Emission {
	ev := event.Event{
		Kind:               domain.EventRefundAvailabilityUpdated,
		ResourceType:       domain.ResourceTypePayment,
		ResourceExternalID: em.Event.ResourceExternalID,
		OccurredAt:         em.Event.OccurredAt,
		Details:            event.EmptyDetails{},
	}
	em.RefundAvailability = &ev
	return em
}

func TestEmissionWorker_PublishesAndRecords(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	f.queue.Offer(withAvailability(paymentEmission("charge-1", domain.EventCaptureSubmitted, testNow)))

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, []domain.EventKind{
		domain.EventCaptureSubmitted,
		domain.EventRefundAvailabilityUpdated,
	}, f.publisher.kinds())
	assert.Equal(t, 2, f.store.Len())
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsPublished.WithLabelValues("CAPTURE_SUBMITTED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsPublished.WithLabelValues("REFUND_AVAILABILITY_UPDATED")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.TransitionQueueDepth))
}

func TestEmissionWorker_EmptyQueue(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Zero(t, f.publisher.calls)
}

func TestEmissionWorker_SkipsEmittedEvents(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	em := paymentEmission("charge-1", domain.EventPaymentCreated, testNow)

	f.queue.Offer(em)
	require.NoError(t, f.worker.Tick(context.Background()))
	f.queue.Offer(em)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 1, f.publisher.calls)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsDeduplicated))
}

func TestEmissionWorker_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	f.publisher.failures = []error{errors.New("broker unavailable")}
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

	require.NoError(t, f.worker.Tick(context.Background()))

	require.Equal(t, 1, f.queue.Len())
	item, _ := f.queue.Poll()
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, testNow.Add(2*time.Second), item.NotBefore)
	assert.Contains(t, item.LastError, "broker unavailable")
	f.queue.Restore([]queue.Item{item})
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsRetrying))

	// Not due yet.
	require.NoError(t, f.worker.Tick(context.Background()))
	assert.Equal(t, 1, f.publisher.calls)
	assert.Equal(t, 1, f.queue.Len())

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 2, f.publisher.calls)
	assert.Equal(t, []domain.EventKind{domain.EventPaymentCreated}, f.publisher.kinds())
	assert.Equal(t, 0, f.queue.Len())
}

func TestEmissionWorker_RetryDoesNotRepublishDeliveredPart(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	f.publisher.failures = []error{nil, errors.New("timeout")}
	f.queue.Offer(withAvailability(paymentEmission("charge-1", domain.EventPaymentCreated, testNow)))

	require.NoError(t, f.worker.Tick(context.Background()))
	require.Equal(t, 1, f.queue.Len())

	f.clock.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, []domain.EventKind{
		domain.EventPaymentCreated,
		domain.EventRefundAvailabilityUpdated,
	}, f.publisher.kinds())
	assert.Equal(t, 3, f.publisher.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsDeduplicated))
}

func TestEmissionWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(2))
	deadLetters := &mockDeadLetters{}
	f.worker.WithDeadLetters(deadLetters)
	f.publisher.err = errors.New("broker unavailable")
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

	require.NoError(t, f.worker.Tick(context.Background()))
	require.Equal(t, 1, f.queue.Len())

	f.clock.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 0, f.queue.Len())
	require.Len(t, deadLetters.items, 1)
	assert.Equal(t, 2, deadLetters.items[0].Attempts)
	assert.ErrorIs(t, deadLetters.causes[0], domain.ErrQueueItemExpired)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsDeadLettered))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsRetrying))
}

func TestEmissionWorker_DropsWhenDeadLetterFails(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(1))
	f.worker.WithDeadLetters(&mockDeadLetters{err: errors.New("dlq down")})
	f.publisher.err = errors.New("broker unavailable")
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsDeadLettered))
}

func TestEmissionWorker_ThrottleDoesNotConsumeAttempt(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limited", resilience.ErrRateLimited},
		{"circuit open", resilience.ErrCircuitOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), noJitterPolicy(1))
			f.publisher.failures = []error{tt.err}
			f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

			require.NoError(t, f.worker.Tick(context.Background()))

			require.Equal(t, 1, f.queue.Len())
			item, _ := f.queue.Poll()
			assert.Equal(t, 0, item.Attempts)
			assert.Equal(t, testNow.Add(time.Second), item.NotBefore)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsThrottled))
			assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.EventsDeadLettered))
		})
	}
}

func TestEmissionWorker_HoldsLaterItemsBehindFailedResource(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	f.publisher.failures = []error{errors.New("timeout")}
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))
	f.queue.Offer(paymentEmission("charge-2", domain.EventPaymentCreated, testNow))
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentStarted, testNow.Add(time.Second)))

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, []string{"charge-2"}, f.publisher.resources())
	require.Equal(t, 2, f.queue.Len())

	f.clock.Advance(time.Minute)
	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, []string{"charge-2", "charge-1", "charge-1"}, f.publisher.resources())
	assert.Equal(t, []domain.EventKind{
		domain.EventPaymentCreated,
		domain.EventPaymentCreated,
		domain.EventPaymentStarted,
	}, f.publisher.kinds())
}

func TestEmissionWorker_BatchSize(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, noJitterPolicy(5))
	for _, id := range []string{"charge-1", "charge-2", "charge-3"} {
		f.queue.Offer(paymentEmission(id, domain.EventPaymentCreated, testNow))
	}

	require.NoError(t, f.worker.Tick(context.Background()))

	assert.Equal(t, []string{"charge-1", "charge-2"}, f.publisher.resources())
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TransitionQueueDepth))
}

func TestEmissionWorker_DrainEmptiesQueueBeyondBatchSize(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, noJitterPolicy(5))
	for _, id := range []string{"charge-1", "charge-2", "charge-3", "charge-4", "charge-5"} {
		f.queue.Offer(paymentEmission(id, domain.EventPaymentCreated, testNow))
	}

	remaining, err := f.worker.Drain(context.Background())

	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, []string{"charge-1", "charge-2", "charge-3", "charge-4", "charge-5"}, f.publisher.resources())
	assert.Equal(t, 0, f.queue.Len())
}

func TestEmissionWorker_DrainStopsWhenOnlyBackoffRemains(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, noJitterPolicy(5))
	f.publisher.failures = []error{errors.New("ledger unavailable")}
	for _, id := range []string{"charge-1", "charge-2", "charge-3"} {
		f.queue.Offer(paymentEmission(id, domain.EventPaymentCreated, testNow))
	}

	remaining, err := f.worker.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, []string{"charge-2", "charge-3"}, f.publisher.resources())
	assert.Equal(t, 3, f.publisher.calls)
}

func TestEmissionWorker_RecordFailureIsNotRetried(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	q := queue.NewTransitionQueue()
	publisher := &mockPublisher{}
	w := NewEmissionWorker(DefaultConfig(), q, unrecordableLedger{}, publisher, clk, noJitterPolicy(5), nil)
	q.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

	require.NoError(t, w.Tick(context.Background()))

	assert.Equal(t, 1, publisher.calls)
	assert.Equal(t, 0, q.Len())
}

func TestEmissionWorker_CancelledContextRestoresItems(t *testing.T) {
	f := newFixture(t, DefaultConfig(), noJitterPolicy(5))
	f.queue.Offer(paymentEmission("charge-1", domain.EventPaymentCreated, testNow))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.Tick(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.publisher.calls)
	assert.Equal(t, 1, f.queue.Len())
}

func TestNewEmissionWorker_Defaults(t *testing.T) {
	w := NewEmissionWorker(Config{}, queue.NewTransitionQueue(), unrecordableLedger{}, &mockPublisher{}, nil, retry.DefaultPolicy(), nil)

	assert.Equal(t, DefaultConfig(), w.config)
	assert.NotNil(t, w.Scheduler())
}

// A refund moving through CREATED, SUBMITTED and REFUNDED reaches the ledger
// once per step, each followed by the availability update it triggered.
func TestEmissionWorker_RefundLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(testNow)
	charges := memory.NewChargeStore(clk)
	refunds := memory.NewRefundStore(clk)
	emitted := memory.NewEmittedEventStore()

	deriver := event.NewDeriver(transition.NewTable(), charges, refunds, availability.NewCalculator(), nil)
	q := queue.NewTransitionQueue()
	service := queue.NewTransitionService(q, deriver, nil)
	publisher := &mockPublisher{}
	w := NewEmissionWorker(Config{BatchSize: 1}, q, dedup.NewLedger(emitted, clk), publisher, clk, noJitterPolicy(5), nil)

	_, err := charges.Create(ctx, &domain.Charge{
		ExternalID:       "charge-1",
		Amount:           1000,
		Status:           domain.ChargeStatusCaptured,
		GatewayAccountID: 42,
	})
	require.NoError(t, err)

	refund := &domain.Refund{
		ExternalID:       "refund-1",
		ChargeExternalID: "charge-1",
		Amount:           400,
		UserExternalID:   "user-1",
	}
	entry, err := refunds.Create(ctx, refund)
	require.NoError(t, err)
	require.True(t, service.OfferRefundTransition(ctx, entry))

	clk.Advance(time.Second)
	entry, err = refunds.UpdateStatus(ctx, "refund-1", domain.RefundStatusCreated, domain.RefundStatusSubmitted, "gw-ref-1")
	require.NoError(t, err)
	require.True(t, service.OfferRefundTransition(ctx, entry))

	clk.Advance(time.Second)
	entry, err = refunds.UpdateStatus(ctx, "refund-1", domain.RefundStatusSubmitted, domain.RefundStatusRefunded, "")
	require.NoError(t, err)
	require.True(t, service.OfferRefundTransition(ctx, entry))
	succeeded := entry

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Tick(ctx))
	}

	assert.Equal(t, []domain.EventKind{
		domain.EventRefundCreatedByUser,
		domain.EventRefundAvailabilityUpdated,
		domain.EventRefundSubmitted,
		domain.EventRefundAvailabilityUpdated,
		domain.EventRefundSucceeded,
		domain.EventRefundAvailabilityUpdated,
	}, publisher.kinds())
	assert.Equal(t, 6, emitted.Len())
	assert.Equal(t, 0, q.Len())

	// Offering the final step again reaches nothing new.
	require.True(t, service.OfferRefundTransition(ctx, succeeded))
	require.NoError(t, w.Tick(ctx))

	assert.Len(t, publisher.kinds(), 6)
	assert.Equal(t, 0, q.Len())
}
