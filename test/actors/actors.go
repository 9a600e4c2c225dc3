package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collections/collection"
	"collections/engine"
	"collections/promise"
	"collections/reconcile"
	"collections/settlement"
)

// Stats counts actor outcomes across a run.
type Stats struct {
	Ops        atomic.Int64
	Rejected   atomic.Int64
	Conflicts  atomic.Int64
	Transient  atomic.Int64
	Unexpected atomic.Int64
	lastErr    atomic.Value
}

// LastUnexpected returns the most recent error that was neither a domain rejection nor transient.
func (s *Stats) LastUnexpected() error {
	if v, ok := s.lastErr.Load().(error); ok {
		return v
	}
	return nil
}

func (s *Stats) String() string {
	return fmt.Sprintf("ops=%d rejected=%d conflicts=%d transient=%d unexpected=%d",
		s.Ops.Load(), s.Rejected.Load(), s.Conflicts.Load(), s.Transient.Load(), s.Unexpected.Load())
}

// record classifies err. It returns err only when the actor must stop.
func (s *Stats) record(ctx context.Context, err error) error {
	if err == nil {
		s.Ops.Add(1)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, collection.ErrConflict):
		s.Conflicts.Add(1)
	case isRejection(err):
		s.Rejected.Add(1)
	case isTransient(err):
		s.Transient.Add(1)
	default:
		s.Unexpected.Add(1)
		s.lastErr.Store(err)
	}
	return nil
}

func isRejection(err error) bool {
	return collection.IsValidation(err) ||
		collection.IsPolicyViolation(err) ||
		errors.Is(err, collection.ErrNotFound) ||
		errors.Is(err, collection.ErrActiveCaseExists) ||
		errors.Is(err, promise.ErrNotFound) ||
		errors.Is(err, promise.ErrPendingExists) ||
		errors.Is(err, settlement.ErrNotFound)
}

// isTransient matches failures caused by killed backends or lock contention.
func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", "40", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "connection reset")
}

// Env holds the services and fixtures the actors drive.
type Env struct {
	Pool        *pgxpool.Pool
	Engine      *engine.Engine
	Promises    *promise.Service
	Settlements *settlement.Service
	Syncer      *reconcile.Synchronizer
	LoanIDs     []string
	AgentID     string
	Stats       *Stats
}

type pick struct {
	id      string
	version int64
}

// activeCase returns a random active case and the version it was read at.
func (e *Env) activeCase(ctx context.Context) (pick, bool, error) {
	var p pick
	err := e.Pool.QueryRow(ctx, `SELECT id::text, version FROM collection_cases
                                 WHERE status IN ('open','in_progress','legal')
                                 ORDER BY random() LIMIT 1`).Scan(&p.id, &p.version)
	if errors.Is(err, pgx.ErrNoRows) {
		return pick{}, false, nil
	}
	if err != nil {
		return pick{}, false, err
	}
	return p, true, nil
}

func loop(ctx context.Context, stop <-chan struct{}, minSleep, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minSleep+rand.Intn(jitter)) * time.Millisecond)
	}
}

// LedgerChurn moves loans in and out of delinquency so the synchronizer opens, updates and cures cases.
func LedgerChurn(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 20, func() error {
		loan := env.LoanIDs[rand.Intn(len(env.LoanIDs))]
		var err error
		if rand.Intn(6) == 0 {
			_, err = env.Pool.Exec(ctx, `UPDATE ledger_overdue_loans
                                         SET days_past_due = 0, overdue_amount_minor = 0, last_payment_date = now()
                                         WHERE loan_id = $1`, loan)
		} else {
			dpd := 1 + rand.Intn(150)
			overdue := int64(1000 + rand.Intn(500000))
			_, err = env.Pool.Exec(ctx, `UPDATE ledger_overdue_loans
                                         SET days_past_due = $2, overdue_amount_minor = $3
                                         WHERE loan_id = $1`, loan, dpd, overdue)
		}
		return env.Stats.record(ctx, err)
	})
}

// Synchronizer runs reconciliation passes back to back, racing the API actors.
func Synchronizer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() error {
		_, err := env.Syncer.Run(ctx)
		return env.Stats.record(ctx, err)
	})
}

// Contactor records contacts against a version read moments earlier, so it loses races on purpose.
func Contactor(ctx context.Context, env *Env, stop <-chan struct{}) error {
	channels := []collection.Channel{collection.ChannelPhone, collection.ChannelEmail, collection.ChannelField}
	return loop(ctx, stop, 5, 20, func() error {
		c, ok, err := env.activeCase(ctx)
		if err != nil || !ok {
			return env.Stats.record(ctx, err)
		}
		_, err = env.Engine.RecordContact(ctx, engine.ContactRequest{
			CaseID:  c.id,
			Channel: channels[rand.Intn(len(channels))],
			Outcome: "no_answer",
			ActorID: env.AgentID,
			Version: c.version,
		})
		return env.Stats.record(ctx, err)
	})
}

// Flagger toggles case flags, alternating pinned and unpinned writes.
func Flagger(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 20, func() error {
		c, ok, err := env.activeCase(ctx)
		if err != nil || !ok {
			return env.Stats.record(ctx, err)
		}
		on := rand.Intn(2) == 0
		patch := collection.FlagPatch{Hardship: &on}
		if rand.Intn(4) == 0 {
			patch = collection.FlagPatch{DisputeActive: &on}
		}
		version := c.version
		if rand.Intn(2) == 0 {
			version = 0
		}
		_, err = env.Engine.SetFlags(ctx, engine.FlagsRequest{
			CaseID:  c.id,
			Patch:   patch,
			ActorID: env.AgentID,
			Version: version,
		})
		return env.Stats.record(ctx, err)
	})
}

// Promiser creates promises and reports partial or full payments against pending ones.
func Promiser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 30, func() error {
		if rand.Intn(2) == 0 {
			var id string
			var amount int64
			err := env.Pool.QueryRow(ctx, `SELECT id::text, amount_minor FROM promises
                                           WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&id, &amount)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return env.Stats.record(ctx, err)
			}
			pay := amount/2 + 1
			_, err = env.Promises.RecordPayment(ctx, id, pay, env.AgentID)
			return env.Stats.record(ctx, err)
		}
		c, ok, err := env.activeCase(ctx)
		if err != nil || !ok {
			return env.Stats.record(ctx, err)
		}
		_, err = env.Promises.Create(ctx, promise.CreateParams{
			CaseID:      c.id,
			AmountMinor: int64(500 + rand.Intn(20000)),
			PromiseDate: time.Now().UTC().AddDate(0, 0, rand.Intn(10)),
			ActorID:     env.AgentID,
		})
		return env.Stats.record(ctx, err)
	})
}

// Settler generates offers and accepts one of them, competing with other settlers on the same case.
func Settler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() error {
		c, ok, err := env.activeCase(ctx)
		if err != nil || !ok {
			return env.Stats.record(ctx, err)
		}
		offers, err := env.Settlements.Generate(ctx, c.id, 3*(1+rand.Intn(2)), env.AgentID)
		if err != nil || len(offers) == 0 {
			return env.Stats.record(ctx, err)
		}
		if rand.Intn(3) != 0 {
			return env.Stats.record(ctx, nil)
		}
		o := offers[rand.Intn(len(offers))]
		_, _, err = env.Settlements.Accept(ctx, o.ID, env.AgentID)
		return env.Stats.record(ctx, err)
	})
}

// Sweeper breaks lapsed promises.
func Sweeper(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 200, 200, func() error {
		_, err := env.Promises.Sweep(ctx)
		return env.Stats.record(ctx, err)
	})
}
