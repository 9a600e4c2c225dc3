package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRepository_Integration runs the case store against a real PostgreSQL via DATABASE_URL
// and checks version guarding, the one-active-case index and event/outbox writes.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, tbl := range []string{"collection_cases", "case_events", "case_contacts", "outbox"} {
		if !tableExists(ctx, t, pool, tbl) {
			t.Skipf("table %s does not exist; apply migrations/0001_init.sql first", tbl)
		}
	}

	repo := NewRepository(pool)
	loanID := fmt.Sprintf("itest-loan-%d", time.Now().UnixNano())
	caseID := uuid.NewString()

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM case_events WHERE case_id IN (SELECT id FROM collection_cases WHERE loan_id = $1)`, loanID)
		pool.Exec(ctx2, `DELETE FROM case_contacts WHERE case_id IN (SELECT id FROM collection_cases WHERE loan_id = $1)`, loanID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'loanId' = $1`, loanID)
		pool.Exec(ctx2, `DELETE FROM collection_cases WHERE loan_id = $1`, loanID)
	})

	c := Case{
		ID:           caseID,
		LoanID:       loanID,
		Jurisdiction: "us",
		DPD:          14,
		OverdueMinor: 25_000,
		Stage:        StageForDPD(14),
		Status:       StatusOpen,
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, err := repo.Insert(ctx, tx, c)
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit insert: %v", err)
	}
	if created.Version != 1 || created.Stage != StageEarly {
		t.Fatalf("unexpected created case: version=%d stage=%s", created.Version, created.Stage)
	}

	// a second active case for the same loan is refused by the partial unique index
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	dup := c
	dup.ID = uuid.NewString()
	_, err = repo.Insert(ctx, tx, dup)
	tx.Rollback(ctx)
	if !errors.Is(err, ErrActiveCaseExists) {
		t.Fatalf("expected ErrActiveCaseExists, got %v", err)
	}

	// move to in_progress with an event and outbox row in one transaction
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	next := created
	next.Status = StatusInProgress
	updated, err := repo.Update(ctx, tx, next)
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("update: %v", err)
	}
	payload := StatusChangePayload(updated, StatusOpen, TriggerContact)
	if _, err := repo.AppendEvent(ctx, tx, Event{CaseID: caseID, Type: EventStatusChanged, Payload: payload}); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("append event: %v", err)
	}
	if err := repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, payload); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("enqueue outbox: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	// writing against the stale version is a conflict and leaves the row alone
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	stale := created
	stale.Flags.Hardship = true
	_, err = repo.Update(ctx, tx, stale)
	tx.Rollback(ctx)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExpectedVersion != 1 {
		t.Fatalf("expected ConflictError at v1, got %v", err)
	}

	got, err := repo.Get(ctx, caseID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Flags.Hardship || got.Status != StatusInProgress {
		t.Fatalf("stored case changed by stale write: %+v", got)
	}

	events, err := repo.Events(ctx, caseID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventStatusChanged || events[0].Payload["to"] != string(StatusInProgress) {
		t.Fatalf("unexpected events: %+v", events)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'caseId' = $2`,
		OutboxTopicStatusChanged, caseID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 outbox message, got %d", outCount)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
