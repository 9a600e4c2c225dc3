package collection

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) (Event, error) {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("collection: marshal event payload: %w", err)
	}
	var actor any
	if ev.ActorID != nil && *ev.ActorID != "" {
		actor = *ev.ActorID
	}
	const q = `
INSERT INTO case_events (case_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4)
RETURNING id, created_at
`
	if err := tx.QueryRow(ctx, q, ev.CaseID, ev.Type, body, actor).Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("collection: insert case event: %w", err)
	}
	return ev, nil
}

// Events returns the newest events for a case, most recent first.
func (r *PGRepository) Events(ctx context.Context, caseID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `
SELECT id, case_id, type, actor_id, payload, created_at
FROM case_events
WHERE case_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("collection: query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Type, &ev.ActorID, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("collection: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("collection: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterate events: %w", err)
	}
	return out, nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("collection: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("collection: enqueue outbox: %w", err)
	}
	return nil
}

// StatusChangePayload is the body shared by STATUS_CHANGED events and the outbox message.
func StatusChangePayload(c Case, from Status, trigger Trigger) map[string]any {
	return map[string]any{
		"caseId":  c.ID,
		"loanId":  c.LoanID,
		"from":    string(from),
		"to":      string(c.Status),
		"trigger": string(trigger),
	}
}
