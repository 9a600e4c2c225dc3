package promise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"collections/collection"
)

// DefaultGrace is how long after the promise date a late payment still counts.
const DefaultGrace = 24 * time.Hour

// DefaultSweepPage is how many due promises a sweep reads per query.
const DefaultSweepPage = 500

// Service runs the promise lifecycle. It writes promise rows and append-only case
// events; it never bumps a case's version.
type Service struct {
	pool        collection.TxBeginner
	repo        Repository
	cases       collection.Repository
	grace       time.Duration
	sweepPage   int
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

// CreateParams describes a new promise.
type CreateParams struct {
	CaseID        string
	AmountMinor   int64
	PromiseDate   time.Time
	PaymentMethod *string
	Notes         *string
	ActorID       string
}

// SweepResult counts the outcome of a break sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Broken  int `json:"broken"`
	Failed  int `json:"failed"`
}

func NewService(pool collection.TxBeginner, repo Repository, cases collection.Repository) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		cases:       cases,
		grace:       DefaultGrace,
		sweepPage:   DefaultSweepPage,
		logger:      zap.NewNop(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithGrace(grace time.Duration) *Service {
	if grace >= 0 {
		s.grace = grace
	}
	return s
}

func (s *Service) WithSweepPage(n int) *Service {
	if n > 0 {
		s.sweepPage = n
	}
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Grace returns the configured grace period.
func (s *Service) Grace() time.Duration {
	return s.grace
}

func (s *Service) ListForCase(ctx context.Context, caseID string) ([]Promise, error) {
	return s.repo.ListForCase(ctx, caseID)
}

func (s *Service) CountBroken(ctx context.Context, caseID string) (int, error) {
	return s.repo.CountBroken(ctx, caseID)
}

// Create records a promise. A case holds at most one pending promise.
func (s *Service) Create(ctx context.Context, params CreateParams) (Promise, error) {
	if params.AmountMinor <= 0 {
		return Promise{}, collection.Invalid("amount", "must be positive")
	}
	if params.PromiseDate.IsZero() {
		return Promise{}, collection.Invalid("promise_date", "required")
	}
	now := s.now()
	today := truncateDay(now)
	date := truncateDay(params.PromiseDate)
	if date.Before(today) {
		return Promise{}, collection.Invalid("promise_date", "must not be in the past")
	}
	if date.Sub(today) > MaxHorizon {
		return Promise{}, collection.Invalid("promise_date", "too far in the future")
	}
	if params.PaymentMethod != nil && strings.TrimSpace(*params.PaymentMethod) == "" {
		params.PaymentMethod = nil
	}

	c, err := s.cases.Get(ctx, params.CaseID)
	if err != nil {
		return Promise{}, err
	}
	if !c.Status.Active() && c.Status != collection.StatusSettled {
		return Promise{}, collection.Violation("case_not_active", fmt.Sprintf("case is %s", c.Status))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Promise{}, fmt.Errorf("promise: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, exists, err := s.repo.PendingForCase(ctx, tx, c.ID); err != nil {
		return Promise{}, err
	} else if exists {
		return Promise{}, pendingViolation()
	}

	p := Promise{
		ID:                   s.idGenerator(),
		CaseID:               c.ID,
		AmountMinor:          params.AmountMinor,
		PromiseDate:          date,
		PaymentMethod:        params.PaymentMethod,
		Status:               StatusPending,
		BaselineOverdueMinor: c.OverdueMinor,
		Notes:                params.Notes,
	}
	if params.ActorID != "" {
		actor := params.ActorID
		p.CreatedBy = &actor
	}
	created, err := s.repo.Insert(ctx, tx, p)
	if err != nil {
		if errors.Is(err, ErrPendingExists) {
			return Promise{}, pendingViolation()
		}
		return Promise{}, err
	}
	if err := s.appendEvent(ctx, tx, c.ID, collection.EventPromiseCreated, params.ActorID, map[string]any{
		"promiseId":   created.ID,
		"amountMinor": created.AmountMinor,
		"promiseDate": created.PromiseDate.Format("2006-01-02"),
	}); err != nil {
		return Promise{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Promise{}, fmt.Errorf("promise: commit: %w", err)
	}
	return created, nil
}

// RecordPayment adds an agent-reported receipt and marks the promise kept once fulfilled in time.
// A receipt after the deadline is recorded and the promise breaks.
func (s *Service) RecordPayment(ctx context.Context, promiseID string, amountMinor int64, actorID string) (Promise, error) {
	if amountMinor <= 0 {
		return Promise{}, collection.Invalid("amount", "must be positive")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Promise{}, fmt.Errorf("promise: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, promiseID)
	if err != nil {
		return Promise{}, err
	}
	if p.Status != StatusPending {
		return Promise{}, collection.Violation("promise_not_pending", fmt.Sprintf("promise is %s", p.Status))
	}
	p.AmountReceivedMinor += amountMinor
	updated, err := s.settle(ctx, tx, p, actorID, "payment_recorded")
	if err != nil {
		return Promise{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Promise{}, fmt.Errorf("promise: commit: %w", err)
	}
	return updated, nil
}

// ApplyLedger infers receipts for the case's pending promise from the ledger's overdue
// amount, then keeps or breaks it as settle would. It runs inside the caller's transaction
// and reports whether the promise row was written.
func (s *Service) ApplyLedger(ctx context.Context, tx pgx.Tx, caseID string, overdueMinor int64) (Promise, bool, error) {
	p, ok, err := s.repo.PendingForCase(ctx, tx, caseID)
	if err != nil || !ok {
		return Promise{}, false, err
	}
	received := p.InferReceived(overdueMinor)
	if received == p.AmountReceivedMinor && !p.LapsedAt(s.now(), s.grace) {
		return p, false, nil
	}
	p.AmountReceivedMinor = received
	updated, err := s.settle(ctx, tx, p, "", "ledger")
	if err != nil {
		return Promise{}, false, err
	}
	return updated, true, nil
}

// settle persists p and resolves it: kept when the full amount arrived before the deadline,
// broken once the deadline has passed without that.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, p Promise, actorID, source string) (Promise, error) {
	now := s.now()
	kept := p.KeptBy(now, s.grace)
	lapsed := !kept && p.LapsedAt(now, s.grace)
	switch {
	case kept:
		p.Status = StatusKept
		p.KeptAt = &now
	case lapsed:
		p.Status = StatusBroken
		p.BrokenAt = &now
	}
	updated, err := s.repo.Update(ctx, tx, p)
	if err != nil {
		return Promise{}, err
	}
	switch {
	case kept:
		if err := s.appendEvent(ctx, tx, p.CaseID, collection.EventPromiseKept, actorID, map[string]any{
			"promiseId":     p.ID,
			"receivedMinor": p.AmountReceivedMinor,
			"source":        source,
		}); err != nil {
			return Promise{}, err
		}
	case lapsed:
		if err := s.appendEvent(ctx, tx, p.CaseID, collection.EventPromiseBroken, actorID, brokenPayload(p, source)); err != nil {
			return Promise{}, err
		}
	}
	return updated, nil
}

// Sweep marks every lapsed pending promise broken. Each promise commits on its own;
// due promises are read page by page until a short page comes back.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	// a promise dated before the day of now-grace has passed its deadline
	cutoff := now.Add(-s.grace)

	var (
		res    SweepResult
		cursor DueCursor
	)
	for {
		due, err := s.repo.DuePending(ctx, cutoff, cursor, s.sweepPage)
		if err != nil {
			return res, err
		}
		for _, candidate := range due {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Checked++
			broken, err := s.breakOne(ctx, candidate.ID, now)
			if err != nil {
				res.Failed++
				s.logger.Warn("promise sweep failed", zap.String("promise_id", candidate.ID), zap.Error(err))
				continue
			}
			if broken {
				res.Broken++
			}
		}
		if len(due) < s.sweepPage {
			break
		}
		last := due[len(due)-1]
		cursor = DueCursor{PromiseDate: last.PromiseDate, ID: last.ID}
	}
	s.logger.Info("promise sweep complete",
		zap.Int("checked", res.Checked),
		zap.Int("broken", res.Broken),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (s *Service) breakOne(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("promise: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !p.LapsedAt(now, s.grace) {
		return false, nil
	}
	p.Status = StatusBroken
	p.BrokenAt = &now
	if _, err := s.repo.Update(ctx, tx, p); err != nil {
		return false, err
	}
	if err := s.appendEvent(ctx, tx, p.CaseID, collection.EventPromiseBroken, "", brokenPayload(p, "sweep")); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("promise: commit: %w", err)
	}
	return true, nil
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error {
	ev := collection.Event{CaseID: caseID, Type: eventType, Payload: payload}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	_, err := s.cases.AppendEvent(ctx, tx, ev)
	return err
}

func brokenPayload(p Promise, source string) map[string]any {
	return map[string]any{
		"promiseId":     p.ID,
		"amountMinor":   p.AmountMinor,
		"receivedMinor": p.AmountReceivedMinor,
		"promiseDate":   p.PromiseDate.Format("2006-01-02"),
		"source":        source,
	}
}

func pendingViolation() error {
	return collection.Violation("one_pending_promise", "case already has a pending promise to pay")
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
