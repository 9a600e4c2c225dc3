package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the ownership boundary for case rows. Every write runs inside the
// caller's transaction so derived-field updates, events and outbox rows commit together.
type Repository interface {
	Get(ctx context.Context, id string) (Case, error)
	ListTracked(ctx context.Context) ([]Case, error)
	List(ctx context.Context, filters Filters) ([]Case, int, error)
	Insert(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	Update(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	InsertContact(ctx context.Context, tx pgx.Tx, contact Contact) (Contact, error)
	ContactsSince(ctx context.Context, caseID string, since time.Time) ([]Contact, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) (Event, error)
	Events(ctx context.Context, caseID string, limit int) ([]Event, error)
	OverrideStats(ctx context.Context, since time.Time) (overridden int, recommended int, err error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

const activeLoanIndex = "collection_cases_one_active_per_loan"

const caseColumns = `id, loan_id, jurisdiction, dpd, overdue_minor, stage, last_payment_date,
    status, assigned_agent_id, dispute_active, vulnerability, do_not_contact, hardship,
    priority_score, recommended_action, recommendation_confidence, recommendation_reasoning, recommended_at,
    first_contact_at, last_contact_at, first_contact_deadline, next_contact_deadline, closed_at,
    created_at, updated_at, version`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Get(ctx context.Context, id string) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM collection_cases WHERE id = $1`
	c, err := scanCase(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("collection: get case: %w", err)
	}
	return c, nil
}

// ListTracked returns the most recent case for every loan the engine has seen.
func (r *PGRepository) ListTracked(ctx context.Context) ([]Case, error) {
	query := `SELECT DISTINCT ON (loan_id) ` + caseColumns + `
        FROM collection_cases
        ORDER BY loan_id, created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("collection: list tracked: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 64)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("collection: scan tracked: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterate tracked: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Case, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "priority"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	} else {
		where = append(where, "status IN ('open','in_progress','legal')")
	}
	if filters.Stage != "" {
		where = append(where, fmt.Sprintf("stage=$%d", len(args)+1))
		args = append(args, filters.Stage)
	}
	if filters.AssignedAgentID != "" {
		where = append(where, fmt.Sprintf("assigned_agent_id=$%d", len(args)+1))
		args = append(args, filters.AssignedAgentID)
	}
	if filters.Jurisdiction != "" {
		where = append(where, fmt.Sprintf("jurisdiction=$%d", len(args)+1))
		args = append(args, filters.Jurisdiction)
	}
	if filters.MinPriority > 0 {
		where = append(where, fmt.Sprintf("priority_score >= $%d", len(args)+1))
		args = append(args, filters.MinPriority)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM collection_cases%s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d`,
		caseColumns, whereClause, mapSortKey(filters.SortKey), sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("collection: query list: %w", err)
	}
	defer rows.Close()

	list := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("collection: scan list: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("collection: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM collection_cases"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("collection: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	query := `
        INSERT INTO collection_cases (id, loan_id, jurisdiction, dpd, overdue_minor, stage, last_payment_date,
            status, assigned_agent_id, dispute_active, vulnerability, do_not_contact, hardship,
            priority_score, recommended_action, recommendation_confidence, recommendation_reasoning, recommended_at,
            first_contact_deadline, next_contact_deadline)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
        RETURNING ` + caseColumns

	created, err := scanCase(tx.QueryRow(ctx, query,
		c.ID,
		c.LoanID,
		c.Jurisdiction,
		c.DPD,
		c.OverdueMinor,
		c.Stage,
		c.LastPaymentDate,
		c.Status,
		c.AssignedAgentID,
		c.Flags.DisputeActive,
		c.Flags.Vulnerability,
		c.Flags.DoNotContact,
		c.Flags.Hardship,
		c.PriorityScore,
		c.Recommendation.Action,
		c.Recommendation.Confidence,
		c.Recommendation.Reasoning,
		c.Recommendation.At,
		c.FirstContactDeadline,
		c.NextContactDeadline,
	))
	if err != nil {
		if isActiveLoanViolation(err) {
			return Case{}, ErrActiveCaseExists
		}
		return Case{}, fmt.Errorf("collection: insert case: %w", err)
	}
	return created, nil
}

// Update writes every mutable column guarded by c.Version, the version the caller read.
// A stale version yields a *ConflictError; the stored row is never overwritten.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	query := `
        UPDATE collection_cases
        SET jurisdiction = $3,
            dpd = $4,
            overdue_minor = $5,
            stage = $6,
            last_payment_date = $7,
            status = $8,
            assigned_agent_id = $9,
            dispute_active = $10,
            vulnerability = $11,
            do_not_contact = $12,
            hardship = $13,
            priority_score = $14,
            recommended_action = $15,
            recommendation_confidence = $16,
            recommendation_reasoning = $17,
            recommended_at = $18,
            first_contact_at = $19,
            last_contact_at = $20,
            first_contact_deadline = $21,
            next_contact_deadline = $22,
            closed_at = $23,
            version = version + 1,
            updated_at = now()
        WHERE id = $1 AND version = $2
        RETURNING ` + caseColumns

	updated, err := scanCase(tx.QueryRow(ctx, query,
		c.ID,
		c.Version,
		c.Jurisdiction,
		c.DPD,
		c.OverdueMinor,
		c.Stage,
		c.LastPaymentDate,
		c.Status,
		c.AssignedAgentID,
		c.Flags.DisputeActive,
		c.Flags.Vulnerability,
		c.Flags.DoNotContact,
		c.Flags.Hardship,
		c.PriorityScore,
		c.Recommendation.Action,
		c.Recommendation.Confidence,
		c.Recommendation.Reasoning,
		c.Recommendation.At,
		c.FirstContactAt,
		c.LastContactAt,
		c.FirstContactDeadline,
		c.NextContactDeadline,
		c.ClosedAt,
	))
	if err == nil {
		return updated, nil
	}
	if isActiveLoanViolation(err) {
		return Case{}, ErrActiveCaseExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("collection: update case: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collection_cases WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return Case{}, fmt.Errorf("collection: check case exists: %w", err)
	}
	if !exists {
		return Case{}, ErrNotFound
	}
	return Case{}, &ConflictError{CaseID: c.ID, ExpectedVersion: c.Version}
}

func (r *PGRepository) InsertContact(ctx context.Context, tx pgx.Tx, contact Contact) (Contact, error) {
	const query = `
        INSERT INTO case_contacts (id, case_id, channel, outcome, agent_id, notes, contacted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, case_id, channel, outcome, agent_id, notes, contacted_at
    `
	var out Contact
	err := tx.QueryRow(ctx, query,
		contact.ID,
		contact.CaseID,
		contact.Channel,
		contact.Outcome,
		contact.AgentID,
		contact.Notes,
		contact.ContactedAt,
	).Scan(&out.ID, &out.CaseID, &out.Channel, &out.Outcome, &out.AgentID, &out.Notes, &out.ContactedAt)
	if err != nil {
		return Contact{}, fmt.Errorf("collection: insert contact: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ContactsSince(ctx context.Context, caseID string, since time.Time) ([]Contact, error) {
	const query = `
        SELECT id, case_id, channel, outcome, agent_id, notes, contacted_at
        FROM case_contacts
        WHERE case_id = $1 AND contacted_at >= $2
        ORDER BY contacted_at ASC
    `
	rows, err := r.pool.Query(ctx, query, caseID, since)
	if err != nil {
		return nil, fmt.Errorf("collection: list contacts: %w", err)
	}
	defer rows.Close()

	out := make([]Contact, 0, 8)
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Channel, &c.Outcome, &c.AgentID, &c.Notes, &c.ContactedAt); err != nil {
			return nil, fmt.Errorf("collection: scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterate contacts: %w", err)
	}
	return out, nil
}

func (r *PGRepository) OverrideStats(ctx context.Context, since time.Time) (int, int, error) {
	const query = `
        SELECT
            (SELECT COUNT(DISTINCT case_id) FROM case_events WHERE type = 'NBA_OVERRIDDEN' AND created_at >= $1),
            (SELECT COUNT(*) FROM collection_cases WHERE recommended_action <> '' AND (closed_at IS NULL OR closed_at >= $1))
    `
	var overridden, recommended int
	if err := r.pool.QueryRow(ctx, query, since).Scan(&overridden, &recommended); err != nil {
		return 0, 0, fmt.Errorf("collection: override stats: %w", err)
	}
	return overridden, recommended, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.ID,
		&c.LoanID,
		&c.Jurisdiction,
		&c.DPD,
		&c.OverdueMinor,
		&c.Stage,
		&c.LastPaymentDate,
		&c.Status,
		&c.AssignedAgentID,
		&c.Flags.DisputeActive,
		&c.Flags.Vulnerability,
		&c.Flags.DoNotContact,
		&c.Flags.Hardship,
		&c.PriorityScore,
		&c.Recommendation.Action,
		&c.Recommendation.Confidence,
		&c.Recommendation.Reasoning,
		&c.Recommendation.At,
		&c.FirstContactAt,
		&c.LastContactAt,
		&c.FirstContactDeadline,
		&c.NextContactDeadline,
		&c.ClosedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Version,
	)
	return c, err
}

func isActiveLoanViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeLoanIndex
}

func mapSortKey(key string) string {
	switch key {
	case "dpd":
		return "dpd"
	case "overdue":
		return "overdue_minor"
	case "createdAt":
		return "created_at"
	case "updatedAt":
		return "updated_at"
	case "priority":
		fallthrough
	default:
		return "priority_score"
	}
}
