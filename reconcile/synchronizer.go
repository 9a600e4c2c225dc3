package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collections/collection"
	"collections/ledger"
	"collections/policy"
	"collections/promise"
	"collections/telemetry"
)

// PromiseLedger is the slice of the promise service a pass needs.
type PromiseLedger interface {
	ApplyLedger(ctx context.Context, tx pgx.Tx, caseID string, overdueMinor int64) (promise.Promise, bool, error)
	CountBroken(ctx context.Context, caseID string) (int, error)
}

// PolicyLookup resolves a jurisdiction's compiled policy.
type PolicyLookup interface {
	For(jurisdiction string) *policy.Compiled
}

// PassResult counts what one synchronizer pass did.
type PassResult struct {
	Loans     int           `json:"loans"`
	Opened    int           `json:"opened"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Closed    int           `json:"closed"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"durationNs"`
}

// Synchronizer reconciles tracked cases against the ledger's overdue loans.
type Synchronizer struct {
	pool     collection.TxBeginner
	cases    collection.Repository
	source   ledger.Source
	promises PromiseLedger
	policies PolicyLookup

	workers     int
	logger      *zap.Logger
	rec         *telemetry.Recorder
	idGenerator func() string
	now         func() time.Time
}

func NewSynchronizer(pool collection.TxBeginner, cases collection.Repository, source ledger.Source, promises PromiseLedger, policies PolicyLookup) *Synchronizer {
	return &Synchronizer{
		pool:        pool,
		cases:       cases,
		source:      source,
		promises:    promises,
		policies:    policies,
		workers:     4,
		logger:      zap.NewNop(),
		rec:         telemetry.Noop(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Synchronizer) WithWorkers(n int) *Synchronizer {
	if n > 0 {
		s.workers = n
	}
	return s
}

func (s *Synchronizer) WithLogger(logger *zap.Logger) *Synchronizer {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Synchronizer) WithRecorder(rec *telemetry.Recorder) *Synchronizer {
	if rec != nil {
		s.rec = rec
	}
	return s
}

func (s *Synchronizer) WithIDGenerator(gen func() string) *Synchronizer {
	s.idGenerator = gen
	return s
}

func (s *Synchronizer) WithClock(now func() time.Time) *Synchronizer {
	s.now = now
	return s
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeOpened
	outcomeUpdated
	outcomeClosed
)

type work struct {
	caseID string
	loan   *ledger.Loan
}

// Run performs one pass. Individual case failures are counted, not returned;
// only a failure to read the ledger or the tracked cases fails the pass.
func (s *Synchronizer) Run(ctx context.Context) (PassResult, error) {
	started := s.now()
	ctx, span := s.rec.Start(ctx, "reconcile.pass")
	defer span.End()

	loans, err := s.source.OverdueLoans(ctx)
	if err != nil {
		span.RecordError(err)
		return PassResult{}, fmt.Errorf("reconcile: read ledger: %w", err)
	}
	tracked, err := s.cases.ListTracked(ctx)
	if err != nil {
		span.RecordError(err)
		return PassResult{}, fmt.Errorf("reconcile: list tracked cases: %w", err)
	}

	overdue := make(map[string]ledger.Loan, len(loans))
	for _, l := range loans {
		if l.LoanID == "" || (l.DPD <= 0 && l.OverdueMinor <= 0) {
			continue
		}
		overdue[l.LoanID] = l
	}

	var jobs []work
	covered := make(map[string]bool, len(tracked))
	for _, c := range tracked {
		covered[c.LoanID] = true
		loan, isOverdue := overdue[c.LoanID]
		switch {
		case c.Status == collection.StatusWrittenOff:
		case c.Status == collection.StatusClosed:
			if isOverdue {
				l := loan
				jobs = append(jobs, work{loan: &l})
			}
		case isOverdue:
			l := loan
			jobs = append(jobs, work{caseID: c.ID, loan: &l})
		default:
			jobs = append(jobs, work{caseID: c.ID})
		}
	}
	for id, l := range overdue {
		if !covered[id] {
			loan := l
			jobs = append(jobs, work{loan: &loan})
		}
	}

	res := PassResult{Loans: len(overdue)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			out, err := s.apply(gctx, j)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, collection.ErrConflict), errors.Is(err, collection.ErrActiveCaseExists):
				res.Conflicts++
			case err != nil:
				res.Failed++
			case out == outcomeOpened:
				res.Opened++
			case out == outcomeUpdated:
				res.Updated++
			case out == outcomeClosed:
				res.Closed++
			default:
				res.Unchanged++
			}
			if err != nil {
				loanID := ""
				if j.loan != nil {
					loanID = j.loan.LoanID
				}
				s.logger.Warn("case sync failed",
					zap.String("case_id", j.caseID),
					zap.String("loan_id", loanID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = s.now().Sub(started)
	s.rec.SyncCases(ctx, telemetry.OutcomeOpened, res.Opened)
	s.rec.SyncCases(ctx, telemetry.OutcomeUpdated, res.Updated)
	s.rec.SyncCases(ctx, telemetry.OutcomeClosed, res.Closed)
	s.rec.SyncCases(ctx, telemetry.OutcomeConflict, res.Conflicts)
	s.rec.SyncFailures(ctx, res.Failed)
	s.rec.SyncDuration(ctx, res.Duration)
	span.SetAttributes(
		attribute.Int("loans", res.Loans),
		attribute.Int("opened", res.Opened),
		attribute.Int("updated", res.Updated),
		attribute.Int("closed", res.Closed),
		attribute.Int("failed", res.Failed),
	)
	s.logger.Info("case sync complete",
		zap.Int("loans", res.Loans),
		zap.Int("opened", res.Opened),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("closed", res.Closed),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Synchronizer) apply(ctx context.Context, j work) (outcome, error) {
	var out outcome
	err := collection.RetryOnConflict(ctx, func(ctx context.Context) error {
		var err error
		switch {
		case j.caseID == "":
			out, err = s.open(ctx, *j.loan)
		case j.loan == nil:
			out, err = s.cure(ctx, j.caseID)
		default:
			out, err = s.refresh(ctx, j.caseID, *j.loan)
		}
		return err
	})
	return out, err
}

// refresh folds fresh ledger facts into an existing case.
func (s *Synchronizer) refresh(ctx context.Context, caseID string, loan ledger.Loan) (outcome, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return outcomeUnchanged, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, written, err := s.promises.ApplyLedger(ctx, tx, c.ID, loan.OverdueMinor)
	if err != nil {
		return outcomeUnchanged, err
	}
	broken, err := s.countBroken(ctx, c.ID, applied, written)
	if err != nil {
		return outcomeUnchanged, err
	}

	now := s.now()
	next := c
	next.DPD = loan.DPD
	next.OverdueMinor = loan.OverdueMinor
	next.LastPaymentDate = loan.LastPaymentDate
	next = Derive(next, broken, s.policies.For(c.Jurisdiction), now)

	if !changed(c, next) {
		if !written {
			return outcomeUnchanged, nil
		}
		if err := tx.Commit(ctx); err != nil {
			return outcomeUnchanged, fmt.Errorf("reconcile: commit: %w", err)
		}
		return outcomeUnchanged, nil
	}

	updated, err := s.cases.Update(ctx, tx, next)
	if err != nil {
		return outcomeUnchanged, err
	}
	payload := map[string]any{
		"dpd":          updated.DPD,
		"overdueMinor": updated.OverdueMinor,
		"stage":        string(updated.Stage),
		"priority":     updated.PriorityScore,
		"action":       updated.Recommendation.Action,
	}
	if c.Stage != updated.Stage {
		payload["previousStage"] = string(c.Stage)
	}
	if _, err := s.cases.AppendEvent(ctx, tx, collection.Event{
		CaseID:  updated.ID,
		Type:    collection.EventCaseUpdated,
		Payload: payload,
	}); err != nil {
		return outcomeUnchanged, err
	}
	if err := tx.Commit(ctx); err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: commit: %w", err)
	}
	return outcomeUpdated, nil
}

// countBroken reads committed broken promises and adds the one this transaction just
// broke, which the count cannot see yet.
func (s *Synchronizer) countBroken(ctx context.Context, caseID string, applied promise.Promise, written bool) (int, error) {
	n, err := s.promises.CountBroken(ctx, caseID)
	if err != nil {
		return 0, err
	}
	if written && applied.Status == promise.StatusBroken {
		n++
	}
	return n, nil
}

// cure closes a case whose loan no longer appears overdue.
func (s *Synchronizer) cure(ctx context.Context, caseID string) (outcome, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return outcomeUnchanged, err
	}
	if err := collection.ValidateTransition(c.Status, collection.StatusClosed, collection.TriggerLoanCured); err != nil {
		return outcomeUnchanged, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, written, err := s.promises.ApplyLedger(ctx, tx, c.ID, 0)
	if err != nil {
		return outcomeUnchanged, err
	}
	broken, err := s.countBroken(ctx, c.ID, applied, written)
	if err != nil {
		return outcomeUnchanged, err
	}

	now := s.now()
	from := c.Status
	next := c
	next.DPD = 0
	next.OverdueMinor = 0
	next.Status = collection.StatusClosed
	next.ClosedAt = &now
	next = Derive(next, broken, s.policies.For(c.Jurisdiction), now)

	updated, err := s.cases.Update(ctx, tx, next)
	if err != nil {
		return outcomeUnchanged, err
	}
	payload := collection.StatusChangePayload(updated, from, collection.TriggerLoanCured)
	if _, err := s.cases.AppendEvent(ctx, tx, collection.Event{
		CaseID:  updated.ID,
		Type:    collection.EventStatusChanged,
		Payload: payload,
	}); err != nil {
		return outcomeUnchanged, err
	}
	if err := s.cases.EnqueueOutbox(ctx, tx, collection.OutboxTopicStatusChanged, payload); err != nil {
		return outcomeUnchanged, err
	}
	if err := tx.Commit(ctx); err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: commit: %w", err)
	}
	return outcomeClosed, nil
}

// open starts a case for an overdue loan nobody is working.
func (s *Synchronizer) open(ctx context.Context, loan ledger.Loan) (outcome, error) {
	pol := s.policies.For(loan.Jurisdiction)
	jurisdiction := loan.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = pol.Code
	}
	now := s.now()
	c := collection.Case{
		ID:              s.idGenerator(),
		LoanID:          loan.LoanID,
		Jurisdiction:    jurisdiction,
		DPD:             loan.DPD,
		OverdueMinor:    loan.OverdueMinor,
		LastPaymentDate: loan.LastPaymentDate,
		Status:          collection.StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c = Derive(c, 0, pol, now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.cases.Insert(ctx, tx, c)
	if err != nil {
		return outcomeUnchanged, err
	}
	if _, err := s.cases.AppendEvent(ctx, tx, collection.Event{
		CaseID: created.ID,
		Type:   collection.EventCaseOpened,
		Payload: map[string]any{
			"loanId":       created.LoanID,
			"dpd":          created.DPD,
			"overdueMinor": created.OverdueMinor,
			"stage":        string(created.Stage),
			"jurisdiction": created.Jurisdiction,
		},
	}); err != nil {
		return outcomeUnchanged, err
	}
	if err := tx.Commit(ctx); err != nil {
		return outcomeUnchanged, fmt.Errorf("reconcile: commit: %w", err)
	}
	return outcomeOpened, nil
}
