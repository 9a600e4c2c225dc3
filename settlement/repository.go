package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists offers. Writes take the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	Get(ctx context.Context, id string) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	ListForCase(ctx context.Context, caseID string) ([]Offer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	ExpireOpen(ctx context.Context, tx pgx.Tx, caseID string, exceptID string) ([]string, error)
}

const offerColumns = `id, case_id, offer_type, original_balance_minor, settlement_amount_minor, discount_pct,
    plan_term_months, monthly_amount_minor, last_installment_minor, lump_sum_minor, approval_required,
    exceeds_cap, status, created_by, approved_by, approved_at, superseded_by, created_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := `
        INSERT INTO settlement_offers (id, case_id, offer_type, original_balance_minor, settlement_amount_minor,
            discount_pct, plan_term_months, monthly_amount_minor, last_installment_minor, lump_sum_minor,
            approval_required, exceeds_cap, status, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING ` + offerColumns

	created, err := scanOffer(tx.QueryRow(ctx, query,
		o.ID,
		o.CaseID,
		o.Type,
		o.OriginalBalanceMinor,
		o.SettlementAmountMinor,
		o.DiscountPct,
		o.PlanTermMonths,
		o.MonthlyAmountMinor,
		o.LastInstallmentMinor,
		o.LumpSumMinor,
		o.ApprovalRequired,
		o.ExceedsCap,
		o.Status,
		o.CreatedBy,
	))
	if err != nil {
		return Offer{}, fmt.Errorf("settlement: insert offer: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE id = $1`
	o, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("settlement: get offer: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE id = $1 FOR UPDATE`
	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("settlement: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) ListForCase(ctx context.Context, caseID string) ([]Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM settlement_offers WHERE case_id = $1 ORDER BY created_at DESC, id ASC`
	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list offers: %w", err)
	}
	defer rows.Close()

	out := make([]Offer, 0, 8)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan offer: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate offers: %w", err)
	}
	return out, nil
}

// UpdateStatus writes the mutable part of an offer: status, approval stamp and supersession link.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := `
        UPDATE settlement_offers
        SET status = $2, approved_by = $3, approved_at = $4, superseded_by = $5
        WHERE id = $1
        RETURNING ` + offerColumns
	updated, err := scanOffer(tx.QueryRow(ctx, query, o.ID, o.Status, o.ApprovedBy, o.ApprovedAt, o.SupersededBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("settlement: update status: %w", err)
	}
	return updated, nil
}

// ExpireOpen expires every open offer on the case except exceptID and returns the expired IDs.
func (r *PGRepository) ExpireOpen(ctx context.Context, tx pgx.Tx, caseID string, exceptID string) ([]string, error) {
	const query = `
        UPDATE settlement_offers
        SET status = 'expired'
        WHERE case_id = $1
          AND status IN ('draft', 'needs_approval', 'approved')
          AND ($2 = '' OR id <> NULLIF($2, '')::uuid)
        RETURNING id
    `
	rows, err := tx.Query(ctx, query, caseID, exceptID)
	if err != nil {
		return nil, fmt.Errorf("settlement: expire open offers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settlement: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate expired ids: %w", err)
	}
	return ids, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID,
		&o.CaseID,
		&o.Type,
		&o.OriginalBalanceMinor,
		&o.SettlementAmountMinor,
		&o.DiscountPct,
		&o.PlanTermMonths,
		&o.MonthlyAmountMinor,
		&o.LastInstallmentMinor,
		&o.LumpSumMinor,
		&o.ApprovalRequired,
		&o.ExceedsCap,
		&o.Status,
		&o.CreatedBy,
		&o.ApprovedBy,
		&o.ApprovedAt,
		&o.SupersededBy,
		&o.CreatedAt,
	)
	return o, err
}
