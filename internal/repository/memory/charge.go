// Package memory implements the repository interfaces with mutex-guarded
// maps. It backs unit tests and the sandbox mode of the connector binary.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

type ChargeStore struct {
	mu          sync.RWMutex
	clock       clock.Clock
	nextID      int64
	nextEventID int64
	charges     map[string]*domain.Charge
	events      map[string][]domain.ChargeEvent
}

func NewChargeStore(clk clock.Clock) *ChargeStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ChargeStore{
		clock:   clk,
		charges: make(map[string]*domain.Charge),
		events:  make(map[string][]domain.ChargeEvent),
	}
}

// Create stores the charge and records its initial status. A charge with no
// status starts as CREATED.
func (s *ChargeStore) Create(ctx context.Context, charge *domain.Charge) (domain.ChargeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.charges[charge.ExternalID]; exists {
		return domain.ChargeEvent{}, fmt.Errorf("%w: charge %s already exists", domain.ErrConflict, charge.ExternalID)
	}

	now := s.clock.Now()
	s.nextID++
	stored := *charge
	stored.ID = s.nextID
	if stored.Status == "" {
		stored.Status = domain.ChargeStatusCreated
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.charges[stored.ExternalID] = &stored

	charge.ID = stored.ID
	charge.Status = stored.Status
	charge.CreatedAt = stored.CreatedAt
	charge.UpdatedAt = stored.UpdatedAt

	return s.appendEventLocked(&stored, nil, now), nil
}

func (s *ChargeStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	charge, ok := s.charges[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *charge
	return &c, nil
}

func (s *ChargeStore) GetEvents(ctx context.Context, chargeExternalID string) ([]domain.ChargeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.charges[chargeExternalID]; !ok {
		return nil, domain.ErrNotFound
	}
	events := s.events[chargeExternalID]
	out := make([]domain.ChargeEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *ChargeStore) FindChargesDueForCapture(ctx context.Context, limit int, retryWindow time.Duration) ([]*domain.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock.Now().Add(-retryWindow)
	var due []*domain.Charge
	for _, charge := range s.sortedLocked() {
		if limit > 0 && len(due) >= limit {
			break
		}
		if dueForCapture(charge, cutoff) {
			c := *charge
			due = append(due, &c)
		}
	}
	return due, nil
}

func (s *ChargeStore) CountChargesForCapture(ctx context.Context, retryWindow time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock.Now().Add(-retryWindow)
	count := 0
	for _, charge := range s.charges {
		if dueForCapture(charge, cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *ChargeStore) CountChargesAwaitingCaptureRetry(ctx context.Context, retryWindow time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock.Now().Add(-retryWindow)
	count := 0
	for _, charge := range s.charges {
		if charge.Status == domain.ChargeStatusCaptureApprovedRetry && !charge.UpdatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *ChargeStore) CountCaptureRetries(ctx context.Context, chargeID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for externalID, charge := range s.charges {
		if charge.ID != chargeID {
			continue
		}
		count := 0
		for _, ce := range s.events[externalID] {
			if ce.Status == domain.ChargeStatusCaptureApprovedRetry {
				count++
			}
		}
		return count, nil
	}
	return 0, domain.ErrNotFound
}

func (s *ChargeStore) AppendStatusChange(
	ctx context.Context,
	externalID string,
	expected, next domain.ChargeStatus,
	gatewayEventDate *time.Time,
) (domain.ChargeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge, ok := s.charges[externalID]
	if !ok {
		return domain.ChargeEvent{}, domain.ErrNotFound
	}
	if charge.Status != expected {
		return domain.ChargeEvent{}, fmt.Errorf("%w: charge %s is %s, expected %s", domain.ErrConflict, externalID, charge.Status, expected)
	}

	now := s.clock.Now()
	charge.Status = next
	charge.Version++
	charge.UpdatedAt = now
	return s.appendEventLocked(charge, gatewayEventDate, now), nil
}

func (s *ChargeStore) appendEventLocked(charge *domain.Charge, gatewayEventDate *time.Time, at time.Time) domain.ChargeEvent {
	s.nextEventID++
	ce := domain.ChargeEvent{
		ID:               s.nextEventID,
		ChargeID:         charge.ID,
		ChargeExternalID: charge.ExternalID,
		Status:           charge.Status,
		OccurredAt:       at,
		GatewayEventDate: gatewayEventDate,
	}
	s.events[charge.ExternalID] = append(s.events[charge.ExternalID], ce)
	return ce
}

func (s *ChargeStore) sortedLocked() []*domain.Charge {
	out := make([]*domain.Charge, 0, len(s.charges))
	for _, c := range s.charges {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func dueForCapture(charge *domain.Charge, cutoff time.Time) bool {
	switch charge.Status {
	case domain.ChargeStatusCaptureApproved:
		return true
	case domain.ChargeStatusCaptureApprovedRetry:
		return charge.UpdatedAt.Before(cutoff)
	default:
		return false
	}
}
