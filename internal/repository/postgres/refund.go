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

const refundColumns = `
	id, external_id, charge_external_id, amount, status, user_external_id, gateway_reference, created_at`

type RefundRepository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewRefundRepository(pool *pgxpool.Pool, clk clock.Clock) *RefundRepository {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RefundRepository{pool: pool, clock: clk}
}

func (r *RefundRepository) Create(ctx context.Context, refund *domain.Refund) (domain.RefundHistoryEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if refund.Status == "" {
		refund.Status = domain.RefundStatusCreated
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = r.clock.Now()
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO refunds (external_id, charge_external_id, amount, status, user_external_id, gateway_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`,
		refund.ExternalID,
		refund.ChargeExternalID,
		refund.Amount,
		refund.Status,
		nullable(refund.UserExternalID),
		nullable(refund.GatewayReference),
		refund.CreatedAt,
	).Scan(&refund.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RefundHistoryEntry{}, fmt.Errorf("%w: refund %s already exists", domain.ErrConflict, refund.ExternalID)
	}
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}

	entry, err := insertRefundHistory(ctx, tx, refund, r.clock.Now())
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}
	return entry, tx.Commit(ctx)
}

func (r *RefundRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Refund, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE external_id = $1`, externalID)
	refund, err := scanRefund(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func (r *RefundRepository) FindByChargeExternalID(ctx context.Context, chargeExternalID string) ([]*domain.Refund, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+refundColumns+` FROM refunds WHERE charge_external_id = $1 ORDER BY id`, chargeExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []*domain.Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}

func (r *RefundRepository) HistoryForCharge(ctx context.Context, chargeExternalID string) ([]domain.RefundHistoryEntry, error) {
	const query = `
		SELECT id, refund_external_id, charge_external_id, amount, status, user_external_id, gateway_reference, occurred_at
		FROM refund_history
		WHERE charge_external_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, chargeExternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.RefundHistoryEntry
	for rows.Next() {
		var (
			entry          domain.RefundHistoryEntry
			userExternalID *string
			gatewayRef     *string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.RefundExternalID,
			&entry.ChargeExternalID,
			&entry.Amount,
			&entry.Status,
			&userExternalID,
			&gatewayRef,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		entry.UserExternalID = deref(userExternalID)
		entry.GatewayReference = deref(gatewayRef)
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (r *RefundRepository) UpdateStatus(
	ctx context.Context,
	externalID string,
	expected, next domain.RefundStatus,
	gatewayReference string,
) (domain.RefundHistoryEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE refunds
		SET status = $3, gateway_reference = COALESCE($4, gateway_reference)
		WHERE external_id = $1 AND status = $2
		RETURNING `+refundColumns,
		externalID, expected, next, nullable(gatewayReference))
	refund, err := scanRefund(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var current domain.RefundStatus
		err := tx.QueryRow(ctx, `SELECT status FROM refunds WHERE external_id = $1`, externalID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RefundHistoryEntry{}, domain.ErrNotFound
		}
		if err != nil {
			return domain.RefundHistoryEntry{}, err
		}
		return domain.RefundHistoryEntry{}, fmt.Errorf("%w: refund %s is %s, expected %s", domain.ErrConflict, externalID, current, expected)
	}
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}

	entry, err := insertRefundHistory(ctx, tx, refund, r.clock.Now())
	if err != nil {
		return domain.RefundHistoryEntry{}, err
	}
	return entry, tx.Commit(ctx)
}

func insertRefundHistory(ctx context.Context, tx pgx.Tx, refund *domain.Refund, at time.Time) (domain.RefundHistoryEntry, error) {
	entry := domain.RefundHistoryEntry{
		RefundExternalID: refund.ExternalID,
		ChargeExternalID: refund.ChargeExternalID,
		Amount:           refund.Amount,
		Status:           refund.Status,
		UserExternalID:   refund.UserExternalID,
		GatewayReference: refund.GatewayReference,
		OccurredAt:       at,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO refund_history (refund_external_id, charge_external_id, amount, status, user_external_id, gateway_reference, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		entry.RefundExternalID,
		entry.ChargeExternalID,
		entry.Amount,
		entry.Status,
		nullable(entry.UserExternalID),
		nullable(entry.GatewayReference),
		entry.OccurredAt,
	).Scan(&entry.ID)
	return entry, err
}

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var (
		refund         domain.Refund
		userExternalID *string
		gatewayRef     *string
	)
	err := row.Scan(
		&refund.ID,
		&refund.ExternalID,
		&refund.ChargeExternalID,
		&refund.Amount,
		&refund.Status,
		&userExternalID,
		&gatewayRef,
		&refund.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	refund.UserExternalID = deref(userExternalID)
	refund.GatewayReference = deref(gatewayRef)
	return &refund, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
