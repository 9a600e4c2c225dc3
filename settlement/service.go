package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"collections/agent"
	"collections/collection"
)

// PolicySource resolves pricing parameters by jurisdiction.
type PolicySource interface {
	SettlementPolicy(jurisdiction string) Policy
}

// ApproverLookup resolves the agent approving an offer.
type ApproverLookup interface {
	GetByID(ctx context.Context, id string) (agent.Agent, error)
}

// Service creates offers for cases and moves them through their lifecycle.
type Service struct {
	pool        collection.TxBeginner
	repo        Repository
	cases       collection.Repository
	agents      ApproverLookup
	policies    PolicySource
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool collection.TxBeginner, repo Repository, cases collection.Repository, agents ApproverLookup, policies PolicySource) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		cases:       cases,
		agents:      agents,
		policies:    policies,
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

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// ListForCase returns every offer on the case, newest first.
func (s *Service) ListForCase(ctx context.Context, caseID string) ([]Offer, error) {
	return s.repo.ListForCase(ctx, caseID)
}

// Generate prices the standard offer set for the case's current balance, with the short
// plan over shortPlanMonths (3 or 6, zero for the jurisdiction default). Open offers
// priced on older facts are expired in the same transaction.
func (s *Service) Generate(ctx context.Context, caseID string, shortPlanMonths int, actorID string) ([]Offer, error) {
	c, err := s.offerableCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	priced, err := Calculate(c.DPD, c.OverdueMinor, shortPlanMonths, s.policies.SettlementPolicy(c.Jurisdiction))
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.ExpireOpen(ctx, tx, caseID, ""); err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(priced))
	for _, o := range priced {
		created, err := s.insert(ctx, tx, c, o, actorID)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settlement: commit: %w", err)
	}
	return out, nil
}

// CreateManual prices agent-entered terms for the case.
func (s *Service) CreateManual(ctx context.Context, caseID string, terms ManualTerms, actorID string) (Offer, error) {
	c, err := s.offerableCase(ctx, caseID)
	if err != nil {
		return Offer{}, err
	}
	priced, err := Manual(c.DPD, c.OverdueMinor, terms, s.policies.SettlementPolicy(c.Jurisdiction))
	if err != nil {
		return Offer{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.insert(ctx, tx, c, priced, actorID)
	if err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("settlement: commit: %w", err)
	}
	return created, nil
}

// Supersede replaces an open offer with corrected manual terms and expires the original.
func (s *Service) Supersede(ctx context.Context, offerID string, terms ManualTerms, actorID string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	old, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	expired, err := Expire(old)
	if err != nil {
		return Offer{}, err
	}
	c, err := s.offerableCase(ctx, old.CaseID)
	if err != nil {
		return Offer{}, err
	}
	priced, err := Manual(c.DPD, c.OverdueMinor, terms, s.policies.SettlementPolicy(c.Jurisdiction))
	if err != nil {
		return Offer{}, err
	}
	created, err := s.insert(ctx, tx, c, priced, actorID)
	if err != nil {
		return Offer{}, err
	}
	expired.SupersededBy = &created.ID
	if _, err := s.repo.UpdateStatus(ctx, tx, expired); err != nil {
		return Offer{}, err
	}
	if err := s.statusEvent(ctx, tx, old, StatusExpired, actorID); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("settlement: commit: %w", err)
	}
	return created, nil
}

// Approve stamps a needs_approval offer on behalf of approverID.
func (s *Service) Approve(ctx context.Context, offerID, approverID string) (Offer, error) {
	approver, err := s.agents.GetByID(ctx, approverID)
	if err != nil {
		return Offer{}, err
	}
	return s.mutate(ctx, offerID, approverID, func(o Offer) (Offer, error) {
		return Approve(o, approver, s.now())
	})
}

func (s *Service) Reject(ctx context.Context, offerID, actorID string) (Offer, error) {
	return s.mutate(ctx, offerID, actorID, Reject)
}

func (s *Service) Expire(ctx context.Context, offerID, actorID string) (Offer, error) {
	return s.mutate(ctx, offerID, actorID, Expire)
}

// Accept records acceptance, settles the case and expires its other open offers, atomically.
// A lost race on the case version re-runs the whole transaction.
func (s *Service) Accept(ctx context.Context, offerID, actorID string) (Offer, collection.Case, error) {
	var (
		accepted Offer
		settled  collection.Case
	)
	err := collection.RetryOnConflict(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("settlement: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := s.repo.GetForUpdate(ctx, tx, offerID)
		if err != nil {
			return err
		}
		next, err := Accept(o)
		if err != nil {
			return err
		}
		c, err := s.cases.Get(ctx, o.CaseID)
		if err != nil {
			return err
		}
		from := c.Status
		if err := collection.ValidateTransition(from, collection.StatusSettled, collection.TriggerOfferAccepted); err != nil {
			return err
		}
		c.Status = collection.StatusSettled
		updatedCase, err := s.cases.Update(ctx, tx, c)
		if err != nil {
			return err
		}
		updatedOffer, err := s.repo.UpdateStatus(ctx, tx, next)
		if err != nil {
			return err
		}
		if err := s.statusEvent(ctx, tx, o, StatusAccepted, actorID); err != nil {
			return err
		}
		siblings, err := s.repo.ExpireOpen(ctx, tx, o.CaseID, o.ID)
		if err != nil {
			return err
		}
		for _, id := range siblings {
			if err := s.appendEvent(ctx, tx, o.CaseID, collection.EventSettlementStatusChanged, actorID, map[string]any{
				"offerId": id,
				"to":      string(StatusExpired),
				"reason":  "sibling_accepted",
			}); err != nil {
				return err
			}
		}
		payload := collection.StatusChangePayload(updatedCase, from, collection.TriggerOfferAccepted)
		if err := s.appendEvent(ctx, tx, c.ID, collection.EventStatusChanged, actorID, payload); err != nil {
			return err
		}
		if err := s.cases.EnqueueOutbox(ctx, tx, collection.OutboxTopicStatusChanged, payload); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("settlement: commit: %w", err)
		}
		accepted, settled = updatedOffer, updatedCase
		return nil
	})
	if err != nil {
		return Offer{}, collection.Case{}, err
	}
	s.logger.Info("settlement accepted",
		zap.String("offer_id", accepted.ID),
		zap.String("case_id", settled.ID),
		zap.Int64("amount_minor", accepted.SettlementAmountMinor),
	)
	return accepted, settled, nil
}

func (s *Service) mutate(ctx context.Context, offerID, actorID string, apply func(Offer) (Offer, error)) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	next, err := apply(o)
	if err != nil {
		return Offer{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, next)
	if err != nil {
		return Offer{}, err
	}
	if err := s.statusEvent(ctx, tx, o, next.Status, actorID); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("settlement: commit: %w", err)
	}
	return updated, nil
}

func (s *Service) offerableCase(ctx context.Context, caseID string) (collection.Case, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return collection.Case{}, err
	}
	if !c.Status.Active() {
		return collection.Case{}, collection.Violation("case_not_active", fmt.Sprintf("case is %s", c.Status))
	}
	return c, nil
}

func (s *Service) insert(ctx context.Context, tx pgx.Tx, c collection.Case, o Offer, actorID string) (Offer, error) {
	o.ID = s.idGenerator()
	o.CaseID = c.ID
	if actorID != "" {
		creator := actorID
		o.CreatedBy = &creator
	}
	created, err := s.repo.Insert(ctx, tx, o)
	if err != nil {
		return Offer{}, err
	}
	err = s.appendEvent(ctx, tx, c.ID, collection.EventSettlementCreated, actorID, map[string]any{
		"offerId":          created.ID,
		"type":             string(created.Type),
		"discountPct":      created.DiscountPct,
		"amountMinor":      created.SettlementAmountMinor,
		"approvalRequired": created.ApprovalRequired,
		"status":           string(created.Status),
	})
	return created, err
}

func (s *Service) statusEvent(ctx context.Context, tx pgx.Tx, o Offer, to Status, actorID string) error {
	return s.appendEvent(ctx, tx, o.CaseID, collection.EventSettlementStatusChanged, actorID, map[string]any{
		"offerId": o.ID,
		"from":    string(o.Status),
		"to":      string(to),
	})
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, caseID, eventType, actorID string, payload map[string]any) error {
	ev := collection.Event{CaseID: caseID, Type: eventType, Payload: payload}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	_, err := s.cases.AppendEvent(ctx, tx, ev)
	return err
}
