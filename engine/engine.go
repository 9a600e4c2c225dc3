// Package engine is the request-time facade agents work through: the queue,
// case detail, compliance checks and every mutating case action.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collections/agent"
	"collections/channel"
	"collections/collection"
	"collections/compliance"
	"collections/nba"
	"collections/policy"
	"collections/promise"
	"collections/settlement"
	"collections/sla"
)

// PromiseService is the promise lifecycle the engine delegates to.
type PromiseService interface {
	Create(ctx context.Context, params promise.CreateParams) (promise.Promise, error)
	RecordPayment(ctx context.Context, promiseID string, amountMinor int64, actorID string) (promise.Promise, error)
	ListForCase(ctx context.Context, caseID string) ([]promise.Promise, error)
	CountBroken(ctx context.Context, caseID string) (int, error)
}

// SettlementService is the offer lifecycle the engine delegates to.
type SettlementService interface {
	ListForCase(ctx context.Context, caseID string) ([]settlement.Offer, error)
	Generate(ctx context.Context, caseID string, shortPlanMonths int, actorID string) ([]settlement.Offer, error)
	CreateManual(ctx context.Context, caseID string, terms settlement.ManualTerms, actorID string) (settlement.Offer, error)
	Supersede(ctx context.Context, offerID string, terms settlement.ManualTerms, actorID string) (settlement.Offer, error)
	Approve(ctx context.Context, offerID, approverID string) (settlement.Offer, error)
	Accept(ctx context.Context, offerID, actorID string) (settlement.Offer, collection.Case, error)
	Reject(ctx context.Context, offerID, actorID string) (settlement.Offer, error)
	Expire(ctx context.Context, offerID, actorID string) (settlement.Offer, error)
}

// AgentDirectory validates assignees.
type AgentDirectory interface {
	Assignable(ctx context.Context, id string) (agent.Agent, error)
}

// PolicyLookup resolves a jurisdiction's compiled policy.
type PolicyLookup interface {
	For(jurisdiction string) *policy.Compiled
}

// Dispatcher queues outbound messages.
type Dispatcher interface {
	Enqueue(msg channel.Message) error
}

// Deps are the engine's collaborators. Dispatcher may be nil, in which case
// SendMessage reports compliance but never queues.
type Deps struct {
	Pool        collection.TxBeginner
	Cases       collection.Repository
	Promises    PromiseService
	Settlements SettlementService
	Agents      AgentDirectory
	Policies    PolicyLookup
	Dispatcher  Dispatcher
}

// Engine serves agent reads and writes.
type Engine struct {
	pool        collection.TxBeginner
	cases       collection.Repository
	promises    PromiseService
	settlements SettlementService
	agents      AgentDirectory
	policies    PolicyLookup
	dispatcher  Dispatcher

	eventLimit  int
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func New(deps Deps) *Engine {
	return &Engine{
		pool:        deps.Pool,
		cases:       deps.Cases,
		promises:    deps.Promises,
		settlements: deps.Settlements,
		agents:      deps.Agents,
		policies:    deps.Policies,
		dispatcher:  deps.Dispatcher,
		eventLimit:  50,
		logger:      zap.NewNop(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

// CaseSummary is one queue row with its SLA state computed as of the request.
type CaseSummary struct {
	Case collection.Case
	SLA  sla.Status
}

// Detail is everything an agent sees on a case page.
type Detail struct {
	Case           collection.Case
	Recommendation nba.Recommendation
	RecommendedAt  time.Time
	BrokenPromises int
	Compliance     compliance.Verdict
	SLA            sla.Status
	Promises       []promise.Promise
	Offers         []settlement.Offer
	Events         []collection.Event
}

var sortKeys = map[string]bool{"": true, "priority": true, "dpd": true, "overdue": true, "createdAt": true, "updatedAt": true}

// Queue lists cases for the work queue, highest priority first unless told otherwise.
func (e *Engine) Queue(ctx context.Context, f collection.Filters) ([]CaseSummary, int, error) {
	if err := validateFilters(f); err != nil {
		return nil, 0, err
	}
	cases, total, err := e.cases.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	now := e.now()
	out := make([]CaseSummary, 0, len(cases))
	for _, c := range cases {
		pol := e.policies.For(c.Jurisdiction)
		out = append(out, CaseSummary{Case: c, SLA: sla.Evaluate(pol.Calendar, pol.SLA, c, now)})
	}
	return out, total, nil
}

func validateFilters(f collection.Filters) error {
	if f.Status != "" && !f.Status.Valid() {
		return collection.Invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Stage != "" && !f.Stage.Valid() {
		return collection.Invalid("stage", fmt.Sprintf("unknown stage %q", f.Stage))
	}
	if f.MinPriority < 0 || f.MinPriority > 1 {
		return collection.Invalid("minPriority", "must be between 0 and 1")
	}
	if f.Page < 0 {
		return collection.Invalid("page", "must not be negative")
	}
	if f.PageSize < 0 || f.PageSize > 100 {
		return collection.Invalid("pageSize", "must be between 1 and 100")
	}
	if !sortKeys[f.SortKey] {
		return collection.Invalid("sortKey", fmt.Sprintf("unknown sort key %q", f.SortKey))
	}
	if f.SortOrder != "" && f.SortOrder != "asc" && f.SortOrder != "desc" {
		return collection.Invalid("sortOrder", "must be asc or desc")
	}
	return nil
}

// CaseDetail loads a case with fresh compliance and SLA state.
func (e *Engine) CaseDetail(ctx context.Context, id string) (Detail, error) {
	c, err := e.cases.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	rec, at, broken, err := e.recommend(ctx, c)
	if err != nil {
		return Detail{}, err
	}
	verdict, err := e.compliance(ctx, c)
	if err != nil {
		return Detail{}, err
	}
	promises, err := e.promises.ListForCase(ctx, c.ID)
	if err != nil {
		return Detail{}, err
	}
	offers, err := e.settlements.ListForCase(ctx, c.ID)
	if err != nil {
		return Detail{}, err
	}
	events, err := e.cases.Events(ctx, c.ID, e.eventLimit)
	if err != nil {
		return Detail{}, err
	}
	pol := e.policies.For(c.Jurisdiction)
	return Detail{
		Case:           c,
		Recommendation: rec,
		RecommendedAt:  at,
		BrokenPromises: broken,
		Compliance:     verdict,
		SLA:            sla.Evaluate(pol.Calendar, pol.SLA, c, e.now()),
		Promises:       promises,
		Offers:         offers,
		Events:         events,
	}, nil
}

// recommend evaluates the next best action on the case's current facts. It carries the
// stored timestamp while the stored recommendation still matches, otherwise now.
func (e *Engine) recommend(ctx context.Context, c collection.Case) (nba.Recommendation, time.Time, int, error) {
	broken, err := e.promises.CountBroken(ctx, c.ID)
	if err != nil {
		return nba.Recommendation{}, time.Time{}, 0, err
	}
	rec := nba.Evaluate(nba.FactsFor(c, broken))
	at := e.now()
	stored := c.Recommendation
	if stored.At != nil && stored.Action == rec.Action && stored.Confidence == rec.Confidence && stored.Reasoning == rec.Reasoning {
		at = *stored.At
	}
	return rec, at, broken, nil
}

// CheckCompliance evaluates whether the borrower may be contacted right now.
func (e *Engine) CheckCompliance(ctx context.Context, id string) (compliance.Verdict, error) {
	c, err := e.cases.Get(ctx, id)
	if err != nil {
		return compliance.Verdict{}, err
	}
	return e.compliance(ctx, c)
}

func (e *Engine) compliance(ctx context.Context, c collection.Case) (compliance.Verdict, error) {
	now := e.now()
	contacts, err := e.cases.ContactsSince(ctx, c.ID, now.Add(-7*24*time.Hour))
	if err != nil {
		return compliance.Verdict{}, err
	}
	history := make([]time.Time, 0, len(contacts))
	for _, ct := range contacts {
		history = append(history, ct.ContactedAt)
	}
	return compliance.Evaluate(e.policies.For(c.Jurisdiction).Compliance, c.Flags, history, now), nil
}

// OverrideRate is the share of recommended cases whose NBA an agent overrode since the given instant.
func (e *Engine) OverrideRate(ctx context.Context, since time.Time) (float64, error) {
	overridden, recommended, err := e.cases.OverrideStats(ctx, since)
	if err != nil {
		return 0, err
	}
	if recommended == 0 {
		return 0, nil
	}
	return math.Min(1, float64(overridden)/float64(recommended)), nil
}
