// Package dedup records which events have been published so retries and
// re-offers do not deliver them twice.
//
// The ledger is not transactional with the publish call. A crash between a
// successful publish and RecordEmission leads to a duplicate delivery, so the
// contract is at-least-once and consumers must be idempotent.
package dedup

import (
	"context"
	"fmt"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
)

type Ledger struct {
	store repository.EmittedEventRepository
	clock clock.Clock
}

func NewLedger(store repository.EmittedEventRepository, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Ledger{store: store, clock: clk}
}

// HasBeenEmittedBefore reports whether an event with the same key was recorded.
func (l *Ledger) HasBeenEmittedBefore(ctx context.Context, ev event.Event) (bool, error) {
	emitted, err := l.store.HasBeenEmittedBefore(ctx, ev.Key())
	if err != nil {
		return false, fmt.Errorf("failed to check emission of %s for %s: %w", ev.Kind, ev.ResourceExternalID, err)
	}
	return emitted, nil
}

// RecordEmission marks the event as published.
func (l *Ledger) RecordEmission(ctx context.Context, ev event.Event) error {
	if err := l.store.RecordEmission(ctx, ev.Key(), l.clock.Now()); err != nil {
		return fmt.Errorf("failed to record emission of %s for %s: %w", ev.Kind, ev.ResourceExternalID, err)
	}
	return nil
}
