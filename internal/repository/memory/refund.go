package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

type RefundStore struct {
	mu          sync.RWMutex
	clock       clock.Clock
	nextID      int64
	nextEntryID int64
	refunds     map[string]*domain.Refund
	history     []domain.RefundHistoryEntry
}

func NewRefundStore(clk clock.Clock) *RefundStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RefundStore{
		clock:   clk,
		refunds: make(map[string]*domain.Refund),
	}
}

func (s *RefundStore) Create(ctx context.Context, refund *domain.Refund) (domain.RefundHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refunds[refund.ExternalID]; exists {
		return domain.RefundHistoryEntry{}, fmt.Errorf("%w: refund %s already exists", domain.ErrConflict, refund.ExternalID)
	}

	s.nextID++
	stored := *refund
	stored.ID = s.nextID
	if stored.Status == "" {
		stored.Status = domain.RefundStatusCreated
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock.Now()
	}
	s.refunds[stored.ExternalID] = &stored

	refund.ID = stored.ID
	refund.Status = stored.Status
	refund.CreatedAt = stored.CreatedAt

	return s.appendLocked(&stored), nil
}

func (s *RefundStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refunds[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	r := *refund
	return &r, nil
}

func (s *RefundStore) FindByChargeExternalID(ctx context.Context, chargeExternalID string) ([]*domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Refund
	for _, refund := range s.refunds {
		if refund.ChargeExternalID == chargeExternalID {
			r := *refund
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RefundStore) HistoryForCharge(ctx context.Context, chargeExternalID string) ([]domain.RefundHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.RefundHistoryEntry
	for _, entry := range s.history {
		if entry.ChargeExternalID == chargeExternalID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *RefundStore) UpdateStatus(
	ctx context.Context,
	externalID string,
	expected, next domain.RefundStatus,
	gatewayReference string,
) (domain.RefundHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refunds[externalID]
	if !ok {
		return domain.RefundHistoryEntry{}, domain.ErrNotFound
	}
	if refund.Status != expected {
		return domain.RefundHistoryEntry{}, fmt.Errorf("%w: refund %s is %s, expected %s", domain.ErrConflict, externalID, refund.Status, expected)
	}

	refund.Status = next
	if gatewayReference != "" {
		refund.GatewayReference = gatewayReference
	}
	return s.appendLocked(refund), nil
}

func (s *RefundStore) appendLocked(refund *domain.Refund) domain.RefundHistoryEntry {
	s.nextEntryID++
	entry := domain.RefundHistoryEntry{
		ID:               s.nextEntryID,
		RefundExternalID: refund.ExternalID,
		ChargeExternalID: refund.ChargeExternalID,
		Amount:           refund.Amount,
		Status:           refund.Status,
		UserExternalID:   refund.UserExternalID,
		GatewayReference: refund.GatewayReference,
		OccurredAt:       s.clock.Now(),
	}
	s.history = append(s.history, entry)
	return entry
}
