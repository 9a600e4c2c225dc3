package promise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists promises. Writes take the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, p Promise) (Promise, error)
	Get(ctx context.Context, id string) (Promise, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Promise, error)
	PendingForCase(ctx context.Context, tx pgx.Tx, caseID string) (Promise, bool, error)
	ListForCase(ctx context.Context, caseID string) ([]Promise, error)
	Update(ctx context.Context, tx pgx.Tx, p Promise) (Promise, error)
	DuePending(ctx context.Context, promisedBefore time.Time, after DueCursor, limit int) ([]Promise, error)
	CountBroken(ctx context.Context, caseID string) (int, error)
}

const onePendingIndex = "promises_one_pending_per_case"

const promiseColumns = `id, case_id, amount_minor, promise_date, payment_method, status, amount_received_minor,
    baseline_overdue_minor, created_by, notes, kept_at, broken_at, created_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Promise) (Promise, error) {
	query := `
        INSERT INTO promises (id, case_id, amount_minor, promise_date, payment_method, status,
            amount_received_minor, baseline_overdue_minor, created_by, notes)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING ` + promiseColumns

	created, err := scanPromise(tx.QueryRow(ctx, query,
		p.ID,
		p.CaseID,
		p.AmountMinor,
		p.PromiseDate,
		p.PaymentMethod,
		p.Status,
		p.AmountReceivedMinor,
		p.BaselineOverdueMinor,
		p.CreatedBy,
		p.Notes,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == onePendingIndex {
			return Promise{}, ErrPendingExists
		}
		return Promise{}, fmt.Errorf("promise: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Promise, error) {
	query := `SELECT ` + promiseColumns + ` FROM promises WHERE id = $1`
	p, err := scanPromise(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Promise{}, ErrNotFound
		}
		return Promise{}, fmt.Errorf("promise: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Promise, error) {
	query := `SELECT ` + promiseColumns + ` FROM promises WHERE id = $1 FOR UPDATE`
	p, err := scanPromise(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Promise{}, ErrNotFound
		}
		return Promise{}, fmt.Errorf("promise: get for update: %w", err)
	}
	return p, nil
}

// PendingForCase locks and returns the case's pending promise, if any.
func (r *PGRepository) PendingForCase(ctx context.Context, tx pgx.Tx, caseID string) (Promise, bool, error) {
	query := `SELECT ` + promiseColumns + ` FROM promises WHERE case_id = $1 AND status = 'pending' FOR UPDATE`
	p, err := scanPromise(tx.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Promise{}, false, nil
		}
		return Promise{}, false, fmt.Errorf("promise: pending for case: %w", err)
	}
	return p, true, nil
}

func (r *PGRepository) ListForCase(ctx context.Context, caseID string) ([]Promise, error) {
	query := `SELECT ` + promiseColumns + ` FROM promises WHERE case_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, caseID)
}

// DueCursor is the keyset position of the last promise a sweep page returned.
// The zero value starts from the beginning.
type DueCursor struct {
	PromiseDate time.Time
	ID          string
}

// DuePending returns pending promises whose promise date is before promisedBefore,
// ordered by (promise_date, id) and starting after the cursor.
func (r *PGRepository) DuePending(ctx context.Context, promisedBefore time.Time, after DueCursor, limit int) ([]Promise, error) {
	if limit <= 0 {
		limit = DefaultSweepPage
	}
	if after.ID == "" {
		query := `SELECT ` + promiseColumns + `
        FROM promises
        WHERE status = 'pending' AND promise_date < $1::date
        ORDER BY promise_date ASC, id ASC
        LIMIT $2`
		return r.list(ctx, query, promisedBefore, limit)
	}
	query := `SELECT ` + promiseColumns + `
        FROM promises
        WHERE status = 'pending' AND promise_date < $1::date
          AND (promise_date, id) > ($2::date, $3::uuid)
        ORDER BY promise_date ASC, id ASC
        LIMIT $4`
	return r.list(ctx, query, promisedBefore, after.PromiseDate, after.ID, limit)
}

func (r *PGRepository) CountBroken(ctx context.Context, caseID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM promises WHERE case_id = $1 AND status = 'broken'`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("promise: count broken: %w", err)
	}
	return n, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, p Promise) (Promise, error) {
	query := `
        UPDATE promises
        SET status = $2, amount_received_minor = $3, kept_at = $4, broken_at = $5
        WHERE id = $1
        RETURNING ` + promiseColumns
	updated, err := scanPromise(tx.QueryRow(ctx, query, p.ID, p.Status, p.AmountReceivedMinor, p.KeptAt, p.BrokenAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Promise{}, ErrNotFound
		}
		return Promise{}, fmt.Errorf("promise: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Promise, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("promise: query: %w", err)
	}
	defer rows.Close()

	out := make([]Promise, 0, 8)
	for rows.Next() {
		p, err := scanPromise(rows)
		if err != nil {
			return nil, fmt.Errorf("promise: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("promise: iterate: %w", err)
	}
	return out, nil
}

func scanPromise(row pgx.Row) (Promise, error) {
	var p Promise
	err := row.Scan(
		&p.ID,
		&p.CaseID,
		&p.AmountMinor,
		&p.PromiseDate,
		&p.PaymentMethod,
		&p.Status,
		&p.AmountReceivedMinor,
		&p.BaselineOverdueMinor,
		&p.CreatedBy,
		&p.Notes,
		&p.KeptAt,
		&p.BrokenAt,
		&p.CreatedAt,
	)
	return p, err
}
