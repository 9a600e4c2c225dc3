package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"collections/channel"
	"collections/collection"
	"collections/compliance"
	"collections/nba"
	"collections/promise"
	"collections/reconcile"
	"collections/settlement"
)

// ErrDispatchUnavailable is returned by SendMessage when no dispatcher is configured.
var ErrDispatchUnavailable = errors.New("engine: message dispatch unavailable")

const maxMessageLength = 1000

// ContactRequest logs a contact attempt. A zero ContactedAt means now.
// Version, when non-zero, is the case version the caller read.
type ContactRequest struct {
	CaseID      string
	Channel     collection.Channel
	Outcome     string
	Notes       *string
	ActorID     string
	ContactedAt time.Time
	Version     int64
}

type FlagsRequest struct {
	CaseID  string
	Patch   collection.FlagPatch
	ActorID string
	Version int64
}

type AssignRequest struct {
	CaseID  string
	AgentID string
	ActorID string
	Version int64
}

type TransitionRequest struct {
	CaseID  string
	To      collection.Status
	Reason  string
	ActorID string
	Version int64
}

type OverrideRequest struct {
	CaseID  string
	Action  string
	Reason  string
	ActorID string
}

// SettlementMode selects calculated or agent-entered offers.
type SettlementMode string

const (
	ModeAuto   SettlementMode = "auto"
	ModeManual SettlementMode = "manual"
)

type SettlementRequest struct {
	CaseID string
	Mode   SettlementMode
	// ShortPlanMonths is the short plan term for auto mode, 3 or 6; zero takes the jurisdiction default.
	ShortPlanMonths int
	Terms           settlement.ManualTerms
	ActorID         string
}

type MessageRequest struct {
	CaseID  string
	Channel collection.Channel
	Body    string
	ActorID string
}

// SendResult carries the compliance verdict; Queued is false whenever it denies contact.
type SendResult struct {
	Verdict   compliance.Verdict
	Queued    bool
	MessageID string
}

// OverrideNBA records that an agent chose a different action than the one recommended.
// The recommendation recorded is the one CaseDetail shows. The case itself is not modified.
func (e *Engine) OverrideNBA(ctx context.Context, req OverrideRequest) (collection.Event, error) {
	if !nba.KnownAction(req.Action) {
		return collection.Event{}, collection.Invalid("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return collection.Event{}, collection.Invalid("reason", "required")
	}
	c, err := e.cases.Get(ctx, req.CaseID)
	if err != nil {
		return collection.Event{}, err
	}
	rec, at, _, err := e.recommend(ctx, c)
	if err != nil {
		return collection.Event{}, err
	}
	if rec.Action == req.Action {
		return collection.Event{}, collection.Violation("override_matches_recommendation", "action is already the recommendation")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return collection.Event{}, fmt.Errorf("engine: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := e.cases.AppendEvent(ctx, tx, event(c.ID, collection.EventNBAOverridden, req.ActorID, map[string]any{
		"recommended":   rec.Action,
		"ruleId":        rec.RuleID,
		"confidence":    rec.Confidence,
		"reasoning":     rec.Reasoning,
		"recommendedAt": at.UTC().Format(time.RFC3339),
		"chosen":        req.Action,
		"reason":        reason,
		"overriddenAt":  e.now().UTC().Format(time.RFC3339),
	}))
	if err != nil {
		return collection.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return collection.Event{}, fmt.Errorf("engine: commit: %w", err)
	}
	e.logger.Info("nba overridden",
		zap.String("case_id", c.ID),
		zap.String("recommended", rec.Action),
		zap.String("chosen", req.Action),
	)
	return ev, nil
}

func (e *Engine) CreatePTP(ctx context.Context, params promise.CreateParams) (promise.Promise, error) {
	return e.promises.Create(ctx, params)
}

func (e *Engine) RecordPTPPayment(ctx context.Context, promiseID string, amountMinor int64, actorID string) (promise.Promise, error) {
	return e.promises.RecordPayment(ctx, promiseID, amountMinor, actorID)
}

// CreateSettlement prices the standard offer set, or records one manual offer.
func (e *Engine) CreateSettlement(ctx context.Context, req SettlementRequest) ([]settlement.Offer, error) {
	switch req.Mode {
	case ModeAuto, "":
		if req.ShortPlanMonths != 0 && !settlement.ValidShortPlanMonths(req.ShortPlanMonths) {
			return nil, collection.Invalid("plan_term_months", "short plan must be 3 or 6 months")
		}
		return e.settlements.Generate(ctx, req.CaseID, req.ShortPlanMonths, req.ActorID)
	case ModeManual:
		o, err := e.settlements.CreateManual(ctx, req.CaseID, req.Terms, req.ActorID)
		if err != nil {
			return nil, err
		}
		return []settlement.Offer{o}, nil
	default:
		return nil, collection.Invalid("mode", "must be auto or manual")
	}
}

func (e *Engine) ApproveSettlement(ctx context.Context, offerID, approverID string) (settlement.Offer, error) {
	return e.settlements.Approve(ctx, offerID, approverID)
}

func (e *Engine) AcceptSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, collection.Case, error) {
	return e.settlements.Accept(ctx, offerID, actorID)
}

func (e *Engine) RejectSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, error) {
	return e.settlements.Reject(ctx, offerID, actorID)
}

func (e *Engine) ExpireSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, error) {
	return e.settlements.Expire(ctx, offerID, actorID)
}

func (e *Engine) SupersedeSettlement(ctx context.Context, offerID string, terms settlement.ManualTerms, actorID string) (settlement.Offer, error) {
	return e.settlements.Supersede(ctx, offerID, terms, actorID)
}

// RecordContact logs a contact, stamps first/last contact and moves an open case to in_progress.
func (e *Engine) RecordContact(ctx context.Context, req ContactRequest) (collection.Case, error) {
	return e.recordContact(ctx, req, nil)
}

func (e *Engine) recordContact(ctx context.Context, req ContactRequest, extra *collection.Event) (collection.Case, error) {
	if !req.Channel.Valid() {
		return collection.Case{}, collection.Invalid("channel", fmt.Sprintf("unknown channel %q", req.Channel))
	}
	outcome := strings.TrimSpace(req.Outcome)
	if outcome == "" {
		return collection.Case{}, collection.Invalid("outcome", "required")
	}
	now := e.now()
	at := req.ContactedAt
	if at.IsZero() {
		at = now
	}
	if at.After(now.Add(time.Minute)) {
		return collection.Case{}, collection.Invalid("contactedAt", "must not be in the future")
	}

	return e.mutate(ctx, req.CaseID, req.Version, func(ctx context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
		if c.Status == collection.StatusClosed || c.Status == collection.StatusWrittenOff {
			return collection.Case{}, collection.Violation("case_closed", fmt.Sprintf("case is %s", c.Status))
		}
		contact := collection.Contact{
			ID:          e.idGenerator(),
			CaseID:      c.ID,
			Channel:     req.Channel,
			Outcome:     outcome,
			Notes:       req.Notes,
			ContactedAt: at,
		}
		if req.ActorID != "" {
			actor := req.ActorID
			contact.AgentID = &actor
		}
		if _, err := e.cases.InsertContact(ctx, tx, contact); err != nil {
			return collection.Case{}, err
		}

		next := c
		if next.FirstContactAt == nil || at.Before(*next.FirstContactAt) {
			next.FirstContactAt = &at
		}
		if next.LastContactAt == nil || at.After(*next.LastContactAt) {
			next.LastContactAt = &at
		}
		trigger := collection.Trigger("")
		if c.Status == collection.StatusOpen {
			next.Status = collection.StatusInProgress
			trigger = collection.TriggerContact
		}
		updated, err := e.save(ctx, tx, c, next, req.ActorID, trigger)
		if err != nil {
			return collection.Case{}, err
		}
		if _, err := e.cases.AppendEvent(ctx, tx, event(c.ID, collection.EventContactRecorded, req.ActorID, map[string]any{
			"contactId":   contact.ID,
			"channel":     string(contact.Channel),
			"outcome":     contact.Outcome,
			"contactedAt": at.UTC().Format(time.RFC3339),
		})); err != nil {
			return collection.Case{}, err
		}
		if extra != nil {
			if _, err := e.cases.AppendEvent(ctx, tx, *extra); err != nil {
				return collection.Case{}, err
			}
		}
		return updated, nil
	})
}

// SetFlags applies a partial flag update.
func (e *Engine) SetFlags(ctx context.Context, req FlagsRequest) (collection.Case, error) {
	if req.Patch.Empty() {
		return collection.Case{}, collection.Invalid("flags", "no flag to change")
	}
	return e.mutate(ctx, req.CaseID, req.Version, func(ctx context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
		next := c
		next.Flags = req.Patch.Apply(c.Flags)
		if next.Flags == c.Flags {
			return c, nil
		}
		updated, err := e.save(ctx, tx, c, next, req.ActorID, "")
		if err != nil {
			return collection.Case{}, err
		}
		if _, err := e.cases.AppendEvent(ctx, tx, event(c.ID, collection.EventFlagsChanged, req.ActorID, flagDiff(c.Flags, updated.Flags))); err != nil {
			return collection.Case{}, err
		}
		return updated, nil
	})
}

// Assign hands the case to an active agent; an open case moves to in_progress.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (collection.Case, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return collection.Case{}, collection.Invalid("agentId", "required")
	}
	if _, err := e.agents.Assignable(ctx, req.AgentID); err != nil {
		return collection.Case{}, err
	}
	return e.mutate(ctx, req.CaseID, req.Version, func(ctx context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
		if c.Status == collection.StatusClosed || c.Status == collection.StatusWrittenOff {
			return collection.Case{}, collection.Violation("case_closed", fmt.Sprintf("case is %s", c.Status))
		}
		next := c
		agentID := req.AgentID
		next.AssignedAgentID = &agentID
		trigger := collection.Trigger("")
		if c.Status == collection.StatusOpen {
			next.Status = collection.StatusInProgress
			trigger = collection.TriggerAssignment
		}
		updated, err := e.save(ctx, tx, c, next, req.ActorID, trigger)
		if err != nil {
			return collection.Case{}, err
		}
		payload := map[string]any{"agentId": agentID}
		if c.AssignedAgentID != nil {
			payload["previousAgentId"] = *c.AssignedAgentID
		}
		if _, err := e.cases.AppendEvent(ctx, tx, event(c.ID, collection.EventAgentAssigned, req.ActorID, payload)); err != nil {
			return collection.Case{}, err
		}
		return updated, nil
	})
}

// Transition applies an explicit status change: legal, written_off, or a reopen to in_progress.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (collection.Case, error) {
	explicit := false
	for _, s := range collection.ExplicitTargets {
		if s == req.To {
			explicit = true
		}
	}
	if !explicit {
		return collection.Case{}, collection.Invalid("status", fmt.Sprintf("%q cannot be requested directly", req.To))
	}
	return e.mutate(ctx, req.CaseID, req.Version, func(ctx context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
		if err := collection.ValidateTransition(c.Status, req.To, collection.TriggerExplicit); err != nil {
			return collection.Case{}, err
		}
		next := c
		next.Status = req.To
		switch req.To {
		case collection.StatusWrittenOff:
			now := e.now()
			next.ClosedAt = &now
		case collection.StatusInProgress:
			next.ClosedAt = nil
		}
		return e.saveWithReason(ctx, tx, c, next, req.ActorID, collection.TriggerExplicit, strings.TrimSpace(req.Reason))
	})
}

// SendMessage checks compliance and queues the message only when contact is allowed.
// A denial is not an error: the verdict comes back with Queued false.
func (e *Engine) SendMessage(ctx context.Context, req MessageRequest) (SendResult, error) {
	switch req.Channel {
	case collection.ChannelSMS, collection.ChannelWhatsApp, collection.ChannelEmail:
	default:
		return SendResult{}, collection.Invalid("channel", "must be sms, whatsapp or email")
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return SendResult{}, collection.Invalid("body", "required")
	}
	if len(body) > maxMessageLength {
		return SendResult{}, collection.Invalid("body", fmt.Sprintf("longer than %d characters", maxMessageLength))
	}
	c, err := e.cases.Get(ctx, req.CaseID)
	if err != nil {
		return SendResult{}, err
	}
	if c.Status == collection.StatusClosed || c.Status == collection.StatusWrittenOff {
		return SendResult{}, collection.Violation("case_closed", fmt.Sprintf("case is %s", c.Status))
	}
	verdict, err := e.compliance(ctx, c)
	if err != nil {
		return SendResult{}, err
	}
	if !verdict.Allowed {
		return SendResult{Verdict: verdict}, nil
	}
	if e.dispatcher == nil {
		return SendResult{}, ErrDispatchUnavailable
	}

	msg := channel.Message{
		ID:       e.idGenerator(),
		CaseID:   c.ID,
		Channel:  req.Channel,
		Body:     body,
		QueuedAt: e.now(),
	}
	if req.ActorID != "" {
		actor := req.ActorID
		msg.ActorID = &actor
	}
	if err := e.dispatcher.Enqueue(msg); err != nil {
		return SendResult{}, err
	}
	return SendResult{Verdict: verdict, Queued: true, MessageID: msg.ID}, nil
}

// HandleDelivery records a dispatch outcome. A delivered message counts as a
// contact; a failure only leaves a DELIVERY_FAILED event.
func (e *Engine) HandleDelivery(ctx context.Context, res channel.Result) {
	msg := res.Message
	actor := ""
	if msg.ActorID != nil {
		actor = *msg.ActorID
	}
	log := e.logger.With(zap.String("case_id", msg.CaseID), zap.String("message_id", msg.ID))

	if res.Err != nil {
		err := e.appendStandalone(ctx, event(msg.CaseID, collection.EventDeliveryFailed, actor, map[string]any{
			"messageId": msg.ID,
			"channel":   string(msg.Channel),
			"error":     res.Err.Error(),
		}))
		if err != nil {
			log.Error("record delivery failure", zap.Error(err))
		}
		return
	}

	dispatched := event(msg.CaseID, collection.EventMessageDispatched, actor, map[string]any{
		"messageId":  msg.ID,
		"deliveryId": res.DeliveryID,
		"channel":    string(msg.Channel),
	})
	_, err := e.recordContact(ctx, ContactRequest{
		CaseID:  msg.CaseID,
		Channel: msg.Channel,
		Outcome: "message_delivered",
		ActorID: actor,
	}, &dispatched)
	if collection.IsPolicyViolation(err) {
		// the case closed while the message was queued
		err = e.appendStandalone(ctx, dispatched)
	}
	if err != nil {
		log.Error("record delivery", zap.Error(err))
	}
}

func (e *Engine) appendStandalone(ctx context.Context, ev collection.Event) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engine: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := e.cases.AppendEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}
	return nil
}

// mutate runs fn on a fresh read of the case inside one transaction. A
// non-zero expected version pins the write to what the caller saw; otherwise
// lost version races are re-run.
func (e *Engine) mutate(ctx context.Context, caseID string, expected int64, fn func(ctx context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error)) (collection.Case, error) {
	var out collection.Case
	attempt := func(ctx context.Context) error {
		c, err := e.cases.Get(ctx, caseID)
		if err != nil {
			return err
		}
		if expected > 0 && c.Version != expected {
			return &collection.ConflictError{CaseID: caseID, ExpectedVersion: expected}
		}
		tx, err := e.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("engine: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		updated, err := fn(ctx, tx, c)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("engine: commit: %w", err)
		}
		out = updated
		return nil
	}
	var err error
	if expected > 0 {
		err = attempt(ctx)
	} else {
		err = collection.RetryOnConflict(ctx, attempt)
	}
	return out, err
}

// save re-derives next and writes it. When trigger is set the status change is
// validated and announced with an event and an outbox message.
func (e *Engine) save(ctx context.Context, tx pgx.Tx, before, next collection.Case, actorID string, trigger collection.Trigger) (collection.Case, error) {
	return e.saveWithReason(ctx, tx, before, next, actorID, trigger, "")
}

func (e *Engine) saveWithReason(ctx context.Context, tx pgx.Tx, before, next collection.Case, actorID string, trigger collection.Trigger, reason string) (collection.Case, error) {
	if trigger != "" && next.Status != before.Status {
		if err := collection.ValidateTransition(before.Status, next.Status, trigger); err != nil {
			return collection.Case{}, err
		}
	}
	broken, err := e.promises.CountBroken(ctx, before.ID)
	if err != nil {
		return collection.Case{}, err
	}
	next = reconcile.Derive(next, broken, e.policies.For(next.Jurisdiction), e.now())
	updated, err := e.cases.Update(ctx, tx, next)
	if err != nil {
		return collection.Case{}, err
	}
	if updated.Status == before.Status {
		return updated, nil
	}
	payload := collection.StatusChangePayload(updated, before.Status, trigger)
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := e.cases.AppendEvent(ctx, tx, event(updated.ID, collection.EventStatusChanged, actorID, payload)); err != nil {
		return collection.Case{}, err
	}
	if err := e.cases.EnqueueOutbox(ctx, tx, collection.OutboxTopicStatusChanged, payload); err != nil {
		return collection.Case{}, err
	}
	return updated, nil
}

func event(caseID, eventType, actorID string, payload map[string]any) collection.Event {
	ev := collection.Event{CaseID: caseID, Type: eventType, Payload: payload}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	return ev
}

func flagDiff(before, after collection.Flags) map[string]any {
	out := map[string]any{}
	if before.DisputeActive != after.DisputeActive {
		out["disputeActive"] = after.DisputeActive
	}
	if before.Vulnerability != after.Vulnerability {
		out["vulnerability"] = after.Vulnerability
	}
	if before.DoNotContact != after.DoNotContact {
		out["doNotContact"] = after.DoNotContact
	}
	if before.Hardship != after.Hardship {
		out["hardship"] = after.Hardship
	}
	return out
}
