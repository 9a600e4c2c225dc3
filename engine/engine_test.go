package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collections/agent"
	"collections/channel"
	"collections/collection"
	"collections/collection/collectiontest"
	"collections/compliance"
	"collections/nba"
	"collections/policy"
	"collections/promise"
	"collections/settlement"
)

// Tuesday, inside the default 08:00-20:00 UTC contact window.
var fixedNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type stubPromises struct {
	broken  map[string]int
	created []promise.CreateParams
}

func (s *stubPromises) Create(_ context.Context, p promise.CreateParams) (promise.Promise, error) {
	s.created = append(s.created, p)
	return promise.Promise{ID: "ptp-1", CaseID: p.CaseID, AmountMinor: p.AmountMinor, Status: promise.StatusPending}, nil
}

func (s *stubPromises) RecordPayment(_ context.Context, id string, amount int64, _ string) (promise.Promise, error) {
	return promise.Promise{ID: id, AmountReceivedMinor: amount}, nil
}

func (s *stubPromises) ListForCase(_ context.Context, caseID string) ([]promise.Promise, error) {
	return []promise.Promise{{ID: "ptp-old", CaseID: caseID, Status: promise.StatusBroken}}, nil
}

func (s *stubPromises) CountBroken(_ context.Context, caseID string) (int, error) {
	return s.broken[caseID], nil
}

type stubSettlements struct {
	calls []string
}

func (s *stubSettlements) record(call string) { s.calls = append(s.calls, call) }

func (s *stubSettlements) ListForCase(context.Context, string) ([]settlement.Offer, error) {
	return []settlement.Offer{{ID: "off-1", Type: settlement.TypeFullPayment}}, nil
}

func (s *stubSettlements) Generate(_ context.Context, caseID string, shortPlanMonths int, _ string) ([]settlement.Offer, error) {
	s.record(fmt.Sprintf("generate:%s:%d", caseID, shortPlanMonths))
	return []settlement.Offer{{ID: "a"}, {ID: "b"}}, nil
}

func (s *stubSettlements) CreateManual(_ context.Context, caseID string, terms settlement.ManualTerms, _ string) (settlement.Offer, error) {
	s.record(fmt.Sprintf("manual:%s:%.0f", caseID, terms.DiscountPct))
	return settlement.Offer{ID: "m", Type: settlement.TypeManual, DiscountPct: terms.DiscountPct}, nil
}

func (s *stubSettlements) Supersede(_ context.Context, id string, _ settlement.ManualTerms, _ string) (settlement.Offer, error) {
	s.record("supersede:" + id)
	return settlement.Offer{ID: "new"}, nil
}

func (s *stubSettlements) Approve(_ context.Context, id, _ string) (settlement.Offer, error) {
	s.record("approve:" + id)
	return settlement.Offer{ID: id, Status: settlement.StatusApproved}, nil
}

func (s *stubSettlements) Accept(_ context.Context, id, _ string) (settlement.Offer, collection.Case, error) {
	s.record("accept:" + id)
	return settlement.Offer{ID: id, Status: settlement.StatusAccepted}, collection.Case{}, nil
}

func (s *stubSettlements) Reject(_ context.Context, id, _ string) (settlement.Offer, error) {
	s.record("reject:" + id)
	return settlement.Offer{ID: id, Status: settlement.StatusRejected}, nil
}

func (s *stubSettlements) Expire(_ context.Context, id, _ string) (settlement.Offer, error) {
	s.record("expire:" + id)
	return settlement.Offer{ID: id, Status: settlement.StatusExpired}, nil
}

type stubAgents map[string]agent.Agent

func (s stubAgents) Assignable(_ context.Context, id string) (agent.Agent, error) {
	a, ok := s[id]
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	if !a.Active {
		return agent.Agent{}, agent.ErrInactive
	}
	return a, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []channel.Message
	err  error
}

func (d *fakeDispatcher) Enqueue(m channel.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, m)
	return nil
}

type fixture struct {
	pool        *collectiontest.Pool
	cases       *collectiontest.Cases
	promises    *stubPromises
	settlements *stubSettlements
	dispatcher  *fakeDispatcher
	now         time.Time
	engine      *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := policy.NewRegistry("us")
	require.NoError(t, err)
	f := &fixture{
		pool:        &collectiontest.Pool{},
		promises:    &stubPromises{broken: map[string]int{}},
		settlements: &stubSettlements{},
		dispatcher:  &fakeDispatcher{},
		now:         fixedNow,
	}
	clock := func() time.Time { return f.now }
	f.cases = collectiontest.NewCases(clock)
	n := 0
	f.engine = New(Deps{
		Pool:        f.pool,
		Cases:       f.cases,
		Promises:    f.promises,
		Settlements: f.settlements,
		Agents: stubAgents{
			"agent-1": {ID: "agent-1", Role: agent.RoleAgent, Active: true},
			"agent-9": {ID: "agent-9", Role: agent.RoleAgent, Active: false},
		},
		Policies:   reg,
		Dispatcher: f.dispatcher,
	}).WithClock(clock).WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
	return f
}

func (f *fixture) seed(c collection.Case) collection.Case {
	if c.Jurisdiction == "" {
		c.Jurisdiction = "us"
	}
	if c.Status == "" {
		c.Status = collection.StatusOpen
	}
	if c.Stage == "" {
		c.Stage = collection.StageForDPD(c.DPD)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = fixedNow.Add(-time.Hour)
	}
	return f.cases.Seed(c)
}

func (f *fixture) get(t *testing.T, id string) collection.Case {
	t.Helper()
	c, err := f.cases.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestQueue_OrdersByPriorityAndFlagsSLA(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "low", LoanID: "L1", DPD: 3, PriorityScore: 0.1})
	f.seed(collection.Case{ID: "high", LoanID: "L2", DPD: 95, PriorityScore: 0.9, CreatedAt: fixedNow.AddDate(0, 0, -10)})
	f.seed(collection.Case{ID: "mid", LoanID: "L3", DPD: 40, PriorityScore: 0.5})
	f.seed(collection.Case{ID: "done", LoanID: "L4", DPD: 0, PriorityScore: 0.99, Status: collection.StatusClosed})

	rows, total, err := f.engine.Queue(context.Background(), collection.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, []string{rows[0].Case.ID, rows[1].Case.ID, rows[2].Case.ID})
	assert.True(t, rows[0].SLA.FirstContactBreached, "uncontacted for ten days")
	assert.False(t, rows[2].SLA.FirstContactBreached)
}

func TestQueue_RejectsBadFilters(t *testing.T) {
	f := newFixture(t)
	for name, filters := range map[string]collection.Filters{
		"status":   {Status: "lost"},
		"stage":    {Stage: "dpd_999"},
		"priority": {MinPriority: 1.5},
		"size":     {PageSize: 500},
		"sort":     {SortKey: "name"},
		"order":    {SortOrder: "sideways"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.engine.Queue(context.Background(), filters)
			assert.True(t, collection.IsValidation(err), "got %v", err)
		})
	}
}

func TestCaseDetail(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 5, OverdueMinor: 10_000})

	d, err := f.engine.CaseDetail(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", d.Case.ID)
	assert.Equal(t, nba.ActionSendWhatsAppReminder, d.Recommendation.Action)
	assert.Equal(t, 0.85, d.Recommendation.Confidence)
	assert.True(t, d.Compliance.Allowed)
	require.NotNil(t, d.SLA.FirstContact)
	assert.Len(t, d.Promises, 1)
	assert.Len(t, d.Offers, 1)

	_, err = f.engine.CaseDetail(context.Background(), "missing")
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestCheckCompliance(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "dnc", LoanID: "L1", DPD: 95, Flags: collection.Flags{DoNotContact: true}})
	f.seed(collection.Case{ID: "ok", LoanID: "L2", DPD: 10})

	v, err := f.engine.CheckCompliance(context.Background(), "dnc")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reasons, compliance.ReasonDoNotContact)
	assert.Nil(t, v.NextAllowedAt)

	v, err = f.engine.CheckCompliance(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	f.now = time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	v, err = f.engine.CheckCompliance(context.Background(), "ok")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, []compliance.Reason{compliance.ReasonOutsideHours}, v.Reasons)
	require.NotNil(t, v.NextAllowedAt)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), *v.NextAllowedAt)
}

func TestRecordContact_MovesOpenCaseInProgress(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 5})

	c, err := f.engine.RecordContact(context.Background(), ContactRequest{
		CaseID: "c-1", Channel: collection.ChannelPhone, Outcome: "promise_discussed", ActorID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, collection.StatusInProgress, c.Status)
	assert.Equal(t, int64(2), c.Version)
	require.NotNil(t, c.FirstContactAt)
	assert.True(t, c.FirstContactAt.Equal(fixedNow))
	assert.Equal(t, nba.ActionSendSMSReminder, c.Recommendation.Action)
	require.NotNil(t, c.NextContactDeadline)

	require.Len(t, f.cases.Contacts(), 1)
	assert.Equal(t, "agent-1", *f.cases.Contacts()[0].AgentID)
	assert.Len(t, f.cases.EventsOfType(collection.EventContactRecorded), 1)
	changes := f.cases.EventsOfType(collection.EventStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, string(collection.TriggerContact), changes[0].Payload["trigger"])
	require.Len(t, f.cases.Outbox(), 1)

	// a second contact only moves last contact
	f.now = fixedNow.Add(2 * time.Hour)
	c, err = f.engine.RecordContact(context.Background(), ContactRequest{CaseID: "c-1", Channel: collection.ChannelSMS, Outcome: "sent"})
	require.NoError(t, err)
	assert.True(t, c.FirstContactAt.Equal(fixedNow))
	assert.True(t, c.LastContactAt.Equal(fixedNow.Add(2*time.Hour)))
	assert.Len(t, f.cases.Outbox(), 1)
}

func TestRecordContact_Rejects(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "closed", LoanID: "L1", Status: collection.StatusClosed})
	f.seed(collection.Case{ID: "c-1", LoanID: "L2", DPD: 5})

	_, err := f.engine.RecordContact(context.Background(), ContactRequest{CaseID: "c-1", Channel: "pigeon", Outcome: "x"})
	assert.True(t, collection.IsValidation(err))
	_, err = f.engine.RecordContact(context.Background(), ContactRequest{CaseID: "c-1", Channel: collection.ChannelPhone})
	assert.True(t, collection.IsValidation(err))
	_, err = f.engine.RecordContact(context.Background(), ContactRequest{
		CaseID: "c-1", Channel: collection.ChannelPhone, Outcome: "x", ContactedAt: fixedNow.Add(time.Hour),
	})
	assert.True(t, collection.IsValidation(err))
	_, err = f.engine.RecordContact(context.Background(), ContactRequest{CaseID: "closed", Channel: collection.ChannelPhone, Outcome: "x"})
	assert.True(t, collection.IsPolicyViolation(err))
	assert.Empty(t, f.cases.Contacts())
}

func TestConcurrentWriters_SecondConflictsThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 20, Version: 3, Status: collection.StatusInProgress})

	yes := true
	first, err := f.engine.SetFlags(context.Background(), FlagsRequest{
		CaseID: "c-1", Patch: collection.FlagPatch{Hardship: &yes}, ActorID: "agent-1", Version: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.Version)

	_, err = f.engine.Assign(context.Background(), AssignRequest{CaseID: "c-1", AgentID: "agent-1", ActorID: "agent-2", Version: 3})
	require.ErrorIs(t, err, collection.ErrConflict)
	var conflict *collection.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(3), conflict.ExpectedVersion)

	reread := f.get(t, "c-1")
	assigned, err := f.engine.Assign(context.Background(), AssignRequest{CaseID: "c-1", AgentID: "agent-1", ActorID: "agent-2", Version: reread.Version})
	require.NoError(t, err)
	assert.Equal(t, int64(5), assigned.Version)
	assert.True(t, assigned.Flags.Hardship, "first writer's change survives")
}

func TestSetFlags(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 95})

	yes := true
	c, err := f.engine.SetFlags(context.Background(), FlagsRequest{CaseID: "c-1", Patch: collection.FlagPatch{DoNotContact: &yes}})
	require.NoError(t, err)
	assert.True(t, c.Flags.DoNotContact)
	assert.Equal(t, nba.ActionHoldDoNotContact, c.Recommendation.Action)
	evs := f.cases.EventsOfType(collection.EventFlagsChanged)
	require.Len(t, evs, 1)
	assert.Equal(t, map[string]any{"doNotContact": true}, evs[0].Payload)

	same, err := f.engine.SetFlags(context.Background(), FlagsRequest{CaseID: "c-1", Patch: collection.FlagPatch{DoNotContact: &yes}})
	require.NoError(t, err)
	assert.Equal(t, c.Version, same.Version, "no-op patch does not bump version")

	_, err = f.engine.SetFlags(context.Background(), FlagsRequest{CaseID: "c-1"})
	assert.True(t, collection.IsValidation(err))
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 10})

	_, err := f.engine.Assign(context.Background(), AssignRequest{CaseID: "c-1", AgentID: "agent-9"})
	assert.ErrorIs(t, err, agent.ErrInactive)
	_, err = f.engine.Assign(context.Background(), AssignRequest{CaseID: "c-1", AgentID: "ghost"})
	assert.ErrorIs(t, err, agent.ErrNotFound)

	c, err := f.engine.Assign(context.Background(), AssignRequest{CaseID: "c-1", AgentID: "agent-1", ActorID: "sup-1"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", *c.AssignedAgentID)
	assert.Equal(t, collection.StatusInProgress, c.Status)
	changes := f.cases.EventsOfType(collection.EventStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, string(collection.TriggerAssignment), changes[0].Payload["trigger"])
	assert.Len(t, f.cases.EventsOfType(collection.EventAgentAssigned), 1)
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 100, Status: collection.StatusInProgress})
	f.seed(collection.Case{ID: "c-2", LoanID: "L2", DPD: 10, Status: collection.StatusOpen})
	f.seed(collection.Case{ID: "c-3", LoanID: "L3", DPD: 70, Status: collection.StatusSettled})

	_, err := f.engine.Transition(context.Background(), TransitionRequest{CaseID: "c-1", To: collection.StatusClosed})
	assert.True(t, collection.IsValidation(err), "closing is ledger-driven")

	c, err := f.engine.Transition(context.Background(), TransitionRequest{CaseID: "c-1", To: collection.StatusLegal, Reason: "no response"})
	require.NoError(t, err)
	assert.Equal(t, collection.StatusLegal, c.Status)
	changes := f.cases.EventsOfType(collection.EventStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "no response", changes[0].Payload["reason"])

	c, err = f.engine.Transition(context.Background(), TransitionRequest{CaseID: "c-1", To: collection.StatusWrittenOff})
	require.NoError(t, err)
	require.NotNil(t, c.ClosedAt)

	_, err = f.engine.Transition(context.Background(), TransitionRequest{CaseID: "c-2", To: collection.StatusInProgress})
	assert.True(t, collection.IsPolicyViolation(err), "open cases start work by contact or assignment")

	c, err = f.engine.Transition(context.Background(), TransitionRequest{CaseID: "c-3", To: collection.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, collection.StatusInProgress, c.Status)
	assert.Len(t, f.cases.Outbox(), 3)
}

func TestOverrideNBAAndRate(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 5, Recommendation: collection.Recommendation{Action: nba.ActionSendWhatsAppReminder, Confidence: 0.85}})
	f.seed(collection.Case{ID: "c-2", LoanID: "L2", DPD: 40, Recommendation: collection.Recommendation{Action: nba.ActionCallBorrower, Confidence: 0.75}})

	_, err := f.engine.OverrideNBA(context.Background(), OverrideRequest{CaseID: "c-1", Action: "dance", Reason: "x"})
	assert.True(t, collection.IsValidation(err))
	_, err = f.engine.OverrideNBA(context.Background(), OverrideRequest{CaseID: "c-1", Action: nba.ActionCallBorrower})
	assert.True(t, collection.IsValidation(err))
	_, err = f.engine.OverrideNBA(context.Background(), OverrideRequest{CaseID: "c-1", Action: nba.ActionSendWhatsAppReminder, Reason: "x"})
	assert.True(t, collection.IsPolicyViolation(err))

	ev, err := f.engine.OverrideNBA(context.Background(), OverrideRequest{
		CaseID: "c-1", Action: nba.ActionCallBorrower, Reason: "borrower prefers calls", ActorID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, collection.EventNBAOverridden, ev.Type)
	assert.Equal(t, nba.ActionSendWhatsAppReminder, ev.Payload["recommended"])
	assert.Equal(t, nba.ActionCallBorrower, ev.Payload["chosen"])
	assert.Equal(t, int64(1), f.get(t, "c-1").Version, "override leaves the case untouched")

	// the override records exactly what the case view showed
	d, err := f.engine.CaseDetail(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, d.Recommendation.Action, ev.Payload["recommended"])
	assert.Equal(t, d.Recommendation.RuleID, ev.Payload["ruleId"])
	assert.Equal(t, d.Recommendation.Confidence, ev.Payload["confidence"])
	assert.Equal(t, d.Recommendation.Reasoning, ev.Payload["reasoning"])
	assert.NotEmpty(t, ev.Payload["reasoning"])
	assert.Equal(t, d.RecommendedAt.UTC().Format(time.RFC3339), ev.Payload["recommendedAt"])
	assert.Equal(t, fixedNow.Format(time.RFC3339), ev.Payload["overriddenAt"])

	rate, err := f.engine.OverrideRate(context.Background(), fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

func TestOverrideNBARecordsShownRecommendation(t *testing.T) {
	f := newFixture(t)
	earlier := fixedNow.Add(-48 * time.Hour)
	current := nba.Evaluate(nba.FactsFor(collection.Case{DPD: 5}, 0))
	f.seed(collection.Case{ID: "fresh", LoanID: "L1", DPD: 5, Recommendation: collection.Recommendation{
		Action: current.Action, Confidence: current.Confidence, Reasoning: current.Reasoning, At: &earlier,
	}})
	// stored before the case aged out of the early bucket
	f.seed(collection.Case{ID: "stale", LoanID: "L2", DPD: 5, Recommendation: collection.Recommendation{
		Action: nba.ActionCallBorrower, Confidence: 0.75, Reasoning: "older facts", At: &earlier,
	}})

	d, err := f.engine.CaseDetail(context.Background(), "fresh")
	require.NoError(t, err)
	assert.True(t, d.RecommendedAt.Equal(earlier), "an unchanged recommendation keeps its timestamp")
	ev, err := f.engine.OverrideNBA(context.Background(), OverrideRequest{
		CaseID: "fresh", Action: nba.ActionCallBorrower, Reason: "borrower asked for a call", ActorID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, current.Reasoning, ev.Payload["reasoning"])
	assert.Equal(t, earlier.Format(time.RFC3339), ev.Payload["recommendedAt"])

	d, err = f.engine.CaseDetail(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, nba.ActionSendWhatsAppReminder, d.Recommendation.Action)
	assert.True(t, d.RecommendedAt.Equal(fixedNow))

	// the shown action is WhatsApp, so choosing the stale stored action is a real override
	ev, err = f.engine.OverrideNBA(context.Background(), OverrideRequest{
		CaseID: "stale", Action: nba.ActionCallBorrower, Reason: "borrower asked for a call", ActorID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, nba.ActionSendWhatsAppReminder, ev.Payload["recommended"])
	assert.Equal(t, fixedNow.Format(time.RFC3339), ev.Payload["recommendedAt"])
	_, err = f.engine.OverrideNBA(context.Background(), OverrideRequest{
		CaseID: "stale", Action: nba.ActionSendWhatsAppReminder, Reason: "x", ActorID: "agent-1",
	})
	assert.True(t, collection.IsPolicyViolation(err))
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "dnc", LoanID: "L1", DPD: 10, Flags: collection.Flags{DoNotContact: true}})
	f.seed(collection.Case{ID: "ok", LoanID: "L2", DPD: 10})

	res, err := f.engine.SendMessage(context.Background(), MessageRequest{CaseID: "dnc", Channel: collection.ChannelSMS, Body: "Please pay"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.False(t, res.Verdict.Allowed)
	assert.Empty(t, f.dispatcher.msgs)

	res, err = f.engine.SendMessage(context.Background(), MessageRequest{CaseID: "ok", Channel: collection.ChannelWhatsApp, Body: "Please pay", ActorID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, f.dispatcher.msgs, 1)
	assert.Equal(t, res.MessageID, f.dispatcher.msgs[0].ID)
	assert.Equal(t, "agent-1", *f.dispatcher.msgs[0].ActorID)

	_, err = f.engine.SendMessage(context.Background(), MessageRequest{CaseID: "ok", Channel: collection.ChannelPhone, Body: "x"})
	assert.True(t, collection.IsValidation(err))

	f.dispatcher.err = channel.ErrQueueFull
	_, err = f.engine.SendMessage(context.Background(), MessageRequest{CaseID: "ok", Channel: collection.ChannelSMS, Body: "x"})
	assert.ErrorIs(t, err, channel.ErrQueueFull)

	f.engine.dispatcher = nil
	_, err = f.engine.SendMessage(context.Background(), MessageRequest{CaseID: "ok", Channel: collection.ChannelSMS, Body: "x"})
	assert.ErrorIs(t, err, ErrDispatchUnavailable)
}

func TestHandleDelivery(t *testing.T) {
	f := newFixture(t)
	f.seed(collection.Case{ID: "c-1", LoanID: "L1", DPD: 10})
	f.seed(collection.Case{ID: "gone", LoanID: "L2", Status: collection.StatusClosed})
	actor := "agent-1"

	f.engine.HandleDelivery(context.Background(), channel.Result{
		Message:    channel.Message{ID: "m-1", CaseID: "c-1", Channel: collection.ChannelSMS, ActorID: &actor},
		DeliveryID: "dlv-1",
	})
	c := f.get(t, "c-1")
	assert.Equal(t, collection.StatusInProgress, c.Status)
	require.Len(t, f.cases.Contacts(), 1)
	assert.Equal(t, "message_delivered", f.cases.Contacts()[0].Outcome)
	dispatched := f.cases.EventsOfType(collection.EventMessageDispatched)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "dlv-1", dispatched[0].Payload["deliveryId"])

	f.engine.HandleDelivery(context.Background(), channel.Result{
		Message: channel.Message{ID: "m-2", CaseID: "c-1", Channel: collection.ChannelEmail},
		Err:     errors.New("mailbox full"),
	})
	failed := f.cases.EventsOfType(collection.EventDeliveryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "mailbox full", failed[0].Payload["error"])

	f.engine.HandleDelivery(context.Background(), channel.Result{
		Message:    channel.Message{ID: "m-3", CaseID: "gone", Channel: collection.ChannelSMS},
		DeliveryID: "dlv-3",
	})
	assert.Len(t, f.cases.EventsOfType(collection.EventMessageDispatched), 2)
	assert.Len(t, f.cases.Contacts(), 1)
}

func TestSettlementAndPromiseDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	offers, err := f.engine.CreateSettlement(ctx, SettlementRequest{CaseID: "c-1", Mode: ModeAuto})
	require.NoError(t, err)
	assert.Len(t, offers, 2)
	offers, err = f.engine.CreateSettlement(ctx, SettlementRequest{CaseID: "c-1", Mode: ModeManual, Terms: settlement.ManualTerms{DiscountPct: 15}})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	_, err = f.engine.CreateSettlement(ctx, SettlementRequest{CaseID: "c-1", Mode: "barter"})
	assert.True(t, collection.IsValidation(err))
	offers, err = f.engine.CreateSettlement(ctx, SettlementRequest{CaseID: "c-1", Mode: ModeAuto, ShortPlanMonths: 6})
	require.NoError(t, err)
	assert.Len(t, offers, 2)
	_, err = f.engine.CreateSettlement(ctx, SettlementRequest{CaseID: "c-1", Mode: ModeAuto, ShortPlanMonths: 4})
	assert.True(t, collection.IsValidation(err))

	_, err = f.engine.ApproveSettlement(ctx, "o-1", "sup")
	require.NoError(t, err)
	_, _, err = f.engine.AcceptSettlement(ctx, "o-1", "agent")
	require.NoError(t, err)
	_, err = f.engine.RejectSettlement(ctx, "o-2", "agent")
	require.NoError(t, err)
	_, err = f.engine.ExpireSettlement(ctx, "o-3", "agent")
	require.NoError(t, err)
	_, err = f.engine.SupersedeSettlement(ctx, "o-4", settlement.ManualTerms{}, "agent")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"generate:c-1:0", "manual:c-1:15", "generate:c-1:6", "approve:o-1", "accept:o-1", "reject:o-2", "expire:o-3", "supersede:o-4",
	}, f.settlements.calls)

	p, err := f.engine.CreatePTP(ctx, promise.CreateParams{CaseID: "c-1", AmountMinor: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(500), p.AmountMinor)
	p, err = f.engine.RecordPTPPayment(ctx, "ptp-1", 200, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.AmountReceivedMinor)
}
