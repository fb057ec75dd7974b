package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// EmittedEventStore keeps the dedup ledger in process memory. Records never
// expire.
type EmittedEventStore struct {
	mu      sync.RWMutex
	emitted map[string]time.Time
}

func NewEmittedEventStore() *EmittedEventStore {
	return &EmittedEventStore{emitted: make(map[string]time.Time)}
}

func (s *EmittedEventStore) HasBeenEmittedBefore(ctx context.Context, key domain.EmissionKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.emitted[key.String()]
	return ok, nil
}

// RecordEmission is write-once: a second record for the same key keeps the
// first emission time.
func (s *EmittedEventStore) RecordEmission(ctx context.Context, key domain.EmissionKey, emittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emitted[key.String()]; !ok {
		s.emitted[key.String()] = emittedAt
	}
	return nil
}

// Len returns the number of recorded emissions.
func (s *EmittedEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.emitted)
}
