package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// EmittedEventRepository is the durable dedup ledger. Keys of once-per-resource
// kinds are stored with a zero event_date.
type EmittedEventRepository struct {
	pool *pgxpool.Pool
}

func NewEmittedEventRepository(pool *pgxpool.Pool) *EmittedEventRepository {
	return &EmittedEventRepository{pool: pool}
}

func (r *EmittedEventRepository) HasBeenEmittedBefore(ctx context.Context, key domain.EmissionKey) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM emitted_events
			WHERE resource_type = $1 AND resource_external_id = $2 AND event_type = $3 AND event_date = $4
		)
	`
	var exists bool
	err := r.pool.QueryRow(ctx, query,
		key.ResourceType,
		key.ResourceExternalID,
		key.EventKind,
		key.OccurredAt.UTC(),
	).Scan(&exists)
	return exists, err
}

// RecordEmission is idempotent across instances: the first writer wins.
func (r *EmittedEventRepository) RecordEmission(ctx context.Context, key domain.EmissionKey, emittedAt time.Time) error {
	const query = `
		INSERT INTO emitted_events (resource_type, resource_external_id, event_type, event_date, emitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, resource_external_id, event_type, event_date) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		key.ResourceType,
		key.ResourceExternalID,
		key.EventKind,
		key.OccurredAt.UTC(),
		emittedAt,
	)
	return err
}
