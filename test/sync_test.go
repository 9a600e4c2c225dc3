package test

import (
	"context"
	"testing"
	"time"

	"collections/ledger"
	"collections/test/infra"
	"collections/test/oracles"
)

func TestSynchronizerAgainstLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("container test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	if !infra.DockerAvailable(ctx) {
		t.Skip("docker not available")
	}

	h, err := infra.NewHarness(ctx)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())

	ledgerDB, err := ledger.Open(h.DSN())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledgerDB.Close()

	for round := 0; round < 2; round++ {
		if err := h.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		pool := h.Pool()
		s := mustSeed(t, ctx, pool, 0)
		for _, l := range []struct {
			id  string
			dpd int
		}{{"loan-a", 12}, {"loan-b", 45}, {"loan-c", 95}} {
			if _, err := pool.Exec(ctx, `INSERT INTO ledger_overdue_loans (loan_id, days_past_due, overdue_amount_minor) VALUES ($1,$2,$3)`,
				l.id, l.dpd, int64(l.dpd)*1000); err != nil {
				t.Fatalf("seed %s: %v", l.id, err)
			}
		}
		s.loanIDs = []string{"loan-a", "loan-b", "loan-c"}
		env := newEnv(t, pool, ledger.NewSQLSource(ledgerDB), s)

		res, err := env.Syncer.Run(ctx)
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
		if res.Opened != 3 {
			t.Fatalf("round %d: expected 3 opened, got %+v", round, res)
		}

		if _, err := pool.Exec(ctx, `UPDATE ledger_overdue_loans SET days_past_due = 0, overdue_amount_minor = 0 WHERE loan_id = 'loan-a'`); err != nil {
			t.Fatalf("cure loan-a: %v", err)
		}
		if _, err := pool.Exec(ctx, `UPDATE ledger_overdue_loans SET days_past_due = 70 WHERE loan_id = 'loan-b'`); err != nil {
			t.Fatalf("age loan-b: %v", err)
		}
		res, err = env.Syncer.Run(ctx)
		if err != nil {
			t.Fatalf("second pass: %v", err)
		}
		if res.Closed != 1 || res.Updated < 1 || res.Failed != 0 {
			t.Fatalf("round %d: unexpected second pass %+v", round, res)
		}

		var stage, status string
		if err := pool.QueryRow(ctx, `SELECT stage, status FROM collection_cases WHERE loan_id = 'loan-b'`).Scan(&stage, &status); err != nil {
			t.Fatalf("read loan-b case: %v", err)
		}
		if stage != "dpd_61_90" || status != "open" {
			t.Fatalf("loan-b: stage=%s status=%s", stage, status)
		}

		name, row, err := oracles.Run(ctx, pool)
		if err != nil {
			t.Fatalf("oracle %s: %v", name, err)
		}
		if name != "" {
			t.Fatalf("oracle %s failed: %s", name, row)
		}
	}
}
