// Package postgres implements the repository interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

const chargeColumns = `
	id, external_id, amount, corporate_surcharge, status, reference, description,
	gateway_account_id, payment_provider, gateway_transaction_id, version, created_at, updated_at`

// dueForCapture selects CAPTURE APPROVED charges and CAPTURE APPROVED RETRY
// charges whose last attempt is older than $1.
const dueForCapture = `
	status = 'CAPTURE APPROVED'
	OR (status = 'CAPTURE APPROVED RETRY' AND updated_at < $1)`

type ChargeRepository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewChargeRepository(pool *pgxpool.Pool, clk clock.Clock) *ChargeRepository {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ChargeRepository{pool: pool, clock: clk}
}

func (r *ChargeRepository) Create(ctx context.Context, charge *domain.Charge) (domain.ChargeEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ChargeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := r.clock.Now()
	if charge.Status == "" {
		charge.Status = domain.ChargeStatusCreated
	}
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = now
	}
	charge.UpdatedAt = now

	err = tx.QueryRow(ctx, `
		INSERT INTO charges (external_id, amount, corporate_surcharge, status, reference, description,
		                     gateway_account_id, payment_provider, gateway_transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`,
		charge.ExternalID,
		charge.Amount,
		charge.CorporateSurcharge,
		charge.Status,
		charge.Reference,
		charge.Description,
		charge.GatewayAccountID,
		charge.PaymentProvider,
		nullable(charge.GatewayTransactionID),
		charge.CreatedAt,
		charge.UpdatedAt,
	).Scan(&charge.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChargeEvent{}, fmt.Errorf("%w: charge %s already exists", domain.ErrConflict, charge.ExternalID)
	}
	if err != nil {
		return domain.ChargeEvent{}, err
	}

	ce, err := insertChargeEvent(ctx, tx, charge.ID, charge.ExternalID, charge.Status, now, nil)
	if err != nil {
		return domain.ChargeEvent{}, err
	}
	return ce, tx.Commit(ctx)
}

func (r *ChargeRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Charge, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE external_id = $1`, externalID)
	charge, err := scanCharge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return charge, nil
}

// GetEvents returns the charge's full status history, oldest first. It backs
// TransitionService.ReplayCharge.
func (r *ChargeRepository) GetEvents(ctx context.Context, chargeExternalID string) ([]domain.ChargeEvent, error) {
	const query = `
		SELECT ce.id, ce.charge_id, c.external_id, ce.status, ce.occurred_at, ce.gateway_event_date
		FROM charge_events ce
		JOIN charges c ON c.id = ce.charge_id
		WHERE c.external_id = $1
		ORDER BY ce.id
	`

	rows, err := r.pool.Query(ctx, query, chargeExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ChargeEvent
	for rows.Next() {
		var ce domain.ChargeEvent
		if err := rows.Scan(&ce.ID, &ce.ChargeID, &ce.ChargeExternalID, &ce.Status, &ce.OccurredAt, &ce.GatewayEventDate); err != nil {
			return nil, err
		}
		events = append(events, ce)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrNotFound
	}
	return events, nil
}

func (r *ChargeRepository) FindChargesDueForCapture(ctx context.Context, limit int, retryWindow time.Duration) ([]*domain.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE ` + dueForCapture + ` ORDER BY id LIMIT $2`

	rows, err := r.pool.Query(ctx, query, r.cutoff(retryWindow), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []*domain.Charge
	for rows.Next() {
		charge, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, charge)
	}
	return charges, rows.Err()
}

func (r *ChargeRepository) CountChargesForCapture(ctx context.Context, retryWindow time.Duration) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM charges WHERE `+dueForCapture, r.cutoff(retryWindow)).Scan(&count)
	return count, err
}

func (r *ChargeRepository) CountChargesAwaitingCaptureRetry(ctx context.Context, retryWindow time.Duration) (int, error) {
	const query = `
		SELECT count(*) FROM charges
		WHERE status = 'CAPTURE APPROVED RETRY' AND updated_at >= $1
	`
	var count int
	err := r.pool.QueryRow(ctx, query, r.cutoff(retryWindow)).Scan(&count)
	return count, err
}

func (r *ChargeRepository) CountCaptureRetries(ctx context.Context, chargeID int64) (int, error) {
	const query = `
		SELECT (SELECT count(*) FROM charge_events ce WHERE ce.charge_id = c.id AND ce.status = 'CAPTURE APPROVED RETRY')
		FROM charges c
		WHERE c.id = $1
	`
	var count int
	err := r.pool.QueryRow(ctx, query, chargeID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return count, err
}

// AppendStatusChange updates the charge only while it still holds the
// expected status, so concurrent workers racing on one charge see exactly
// one winner.
func (r *ChargeRepository) AppendStatusChange(
	ctx context.Context,
	externalID string,
	expected, next domain.ChargeStatus,
	gatewayEventDate *time.Time,
) (domain.ChargeEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ChargeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := r.clock.Now()
	var chargeID int64
	err = tx.QueryRow(ctx, `
		UPDATE charges
		SET status = $3, version = version + 1, updated_at = $4
		WHERE external_id = $1 AND status = $2
		RETURNING id
	`, externalID, expected, next, now).Scan(&chargeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChargeEvent{}, r.classifyMiss(ctx, tx, externalID, expected)
	}
	if err != nil {
		return domain.ChargeEvent{}, err
	}

	ce, err := insertChargeEvent(ctx, tx, chargeID, externalID, next, now, gatewayEventDate)
	if err != nil {
		return domain.ChargeEvent{}, err
	}
	return ce, tx.Commit(ctx)
}

func (r *ChargeRepository) classifyMiss(ctx context.Context, tx pgx.Tx, externalID string, expected domain.ChargeStatus) error {
	var current domain.ChargeStatus
	err := tx.QueryRow(ctx, `SELECT status FROM charges WHERE external_id = $1`, externalID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: charge %s is %s, expected %s", domain.ErrConflict, externalID, current, expected)
}

func (r *ChargeRepository) cutoff(retryWindow time.Duration) time.Time {
	return r.clock.Now().Add(-retryWindow)
}

func insertChargeEvent(
	ctx context.Context,
	tx pgx.Tx,
	chargeID int64,
	externalID string,
	status domain.ChargeStatus,
	at time.Time,
	gatewayEventDate *time.Time,
) (domain.ChargeEvent, error) {
	ce := domain.ChargeEvent{
		ChargeID:         chargeID,
		ChargeExternalID: externalID,
		Status:           status,
		OccurredAt:       at,
		GatewayEventDate: gatewayEventDate,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO charge_events (charge_id, status, occurred_at, gateway_event_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, chargeID, status, at, gatewayEventDate).Scan(&ce.ID)
	return ce, err
}

func scanCharge(row pgx.Row) (*domain.Charge, error) {
	var (
		charge        domain.Charge
		transactionID *string
	)
	err := row.Scan(
		&charge.ID,
		&charge.ExternalID,
		&charge.Amount,
		&charge.CorporateSurcharge,
		&charge.Status,
		&charge.Reference,
		&charge.Description,
		&charge.GatewayAccountID,
		&charge.PaymentProvider,
		&transactionID,
		&charge.Version,
		&charge.CreatedAt,
		&charge.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	charge.GatewayTransactionID = deref(transactionID)
	return &charge, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
