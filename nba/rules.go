// Package nba recommends the next best action for a collection case.
//
// Rules are an ordered table evaluated top to bottom; the first match wins.
// Hard blocks sit at the top so no DPD rule can outrank them.
package nba

import (
	"fmt"

	"collections/collection"
)

// Actions a rule may recommend.
const (
	ActionHoldDoNotContact     = "hold_do_not_contact"
	ActionHoldDispute          = "hold_dispute"
	ActionHoldVulnerability    = "hold_vulnerability_review"
	ActionOfferHardshipPlan    = "offer_hardship_plan"
	ActionEscalateLegal        = "escalate_legal"
	ActionEscalateField        = "escalate_field"
	ActionOfferSettlement      = "offer_settlement"
	ActionCallBrokenPromise    = "call_broken_promise_followup"
	ActionCallBorrower         = "call_borrower"
	ActionSendWhatsAppReminder = "send_whatsapp_reminder"
	ActionSendSMSReminder      = "send_sms_reminder"
	ActionMonitor              = "monitor"
	ActionManualReview         = "manual_review"
)

// Facts are the case attributes the rules read.
type Facts struct {
	DPD            int
	BrokenPromises int
	Contacted      bool
	Flags          collection.Flags
}

// Rule is one row of the decision table.
type Rule struct {
	ID         string
	Action     string
	Confidence float64
	Match      func(Facts) bool
	Reason     func(Facts) string
}

// Rules is the decision table in evaluation order.
var Rules = []Rule{
	{
		ID: "hard_do_not_contact", Action: ActionHoldDoNotContact, Confidence: 1.0,
		Match:  func(f Facts) bool { return f.Flags.DoNotContact },
		Reason: func(f Facts) string { return "Borrower is flagged do-not-contact; hold all outreach" },
	},
	{
		ID: "hard_dispute", Action: ActionHoldDispute, Confidence: 1.0,
		Match:  func(f Facts) bool { return f.Flags.DisputeActive },
		Reason: func(f Facts) string { return "Debt is under active dispute; hold collection activity until resolved" },
	},
	{
		ID: "hard_vulnerability", Action: ActionHoldVulnerability, Confidence: 0.95,
		Match: func(f Facts) bool { return f.Flags.Vulnerability },
		Reason: func(f Facts) string {
			return "Borrower is flagged vulnerable; route to specialist review before contact"
		},
	},
	{
		ID: "hard_hardship", Action: ActionOfferHardshipPlan, Confidence: 0.90,
		Match: func(f Facts) bool { return f.Flags.Hardship },
		Reason: func(f Facts) string {
			return fmt.Sprintf("Borrower reported hardship at DPD %d; offer a hardship plan", f.DPD)
		},
	},
	{
		ID: "dpd_90_plus", Action: ActionEscalateLegal, Confidence: 0.80,
		Match: func(f Facts) bool { return f.DPD > 90 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d exceeds 90; recommend legal review", f.DPD)
		},
	},
	{
		ID: "repeat_broken_promises", Action: ActionEscalateField, Confidence: 0.85,
		Match: func(f Facts) bool { return f.DPD > 30 && f.BrokenPromises >= 2 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d with %s; escalate to field collection", f.DPD, brokenPromises(f.BrokenPromises))
		},
	},
	{
		ID: "dpd_61_90", Action: ActionOfferSettlement, Confidence: 0.80,
		Match: func(f Facts) bool { return f.DPD >= 61 && f.DPD <= 90 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d in the 61-90 band; offer a settlement", f.DPD)
		},
	},
	{
		ID: "dpd_31_60_broken_promise", Action: ActionCallBrokenPromise, Confidence: 0.80,
		Match: func(f Facts) bool { return f.DPD >= 31 && f.DPD <= 60 && f.BrokenPromises == 1 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d with %s; call to follow up", f.DPD, brokenPromises(f.BrokenPromises))
		},
	},
	{
		ID: "dpd_31_60", Action: ActionCallBorrower, Confidence: 0.75,
		Match: func(f Facts) bool { return f.DPD >= 31 && f.DPD <= 60 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d in the 31-60 band; call the borrower", f.DPD)
		},
	},
	{
		ID: "dpd_1_30_broken_promise", Action: ActionCallBorrower, Confidence: 0.70,
		Match: func(f Facts) bool { return f.DPD >= 1 && f.DPD <= 30 && f.BrokenPromises >= 1 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d with %s; call the borrower", f.DPD, brokenPromises(f.BrokenPromises))
		},
	},
	{
		ID: "dpd_1_30_uncontacted", Action: ActionSendWhatsAppReminder, Confidence: 0.85,
		Match: func(f Facts) bool { return f.DPD >= 1 && f.DPD <= 30 && !f.Contacted },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d and never contacted; send a WhatsApp reminder", f.DPD)
		},
	},
	{
		ID: "dpd_1_30_contacted", Action: ActionSendSMSReminder, Confidence: 0.70,
		Match: func(f Facts) bool { return f.DPD >= 1 && f.DPD <= 30 },
		Reason: func(f Facts) string {
			return fmt.Sprintf("DPD %d and previously contacted; send an SMS reminder", f.DPD)
		},
	},
	{
		ID: "current", Action: ActionMonitor, Confidence: 1.0,
		Match:  func(f Facts) bool { return f.DPD == 0 },
		Reason: func(f Facts) string { return "DPD 0; account is current, monitor only" },
	},
	{
		ID: "fallback", Action: ActionManualReview, Confidence: 0.50,
		Match: func(Facts) bool { return true },
		Reason: func(f Facts) string {
			return fmt.Sprintf("No rule matched DPD %d; manual review", f.DPD)
		},
	},
}

// Recommendation is the evaluated outcome for one case.
type Recommendation struct {
	RuleID     string
	Action     string
	Confidence float64
	Reasoning  string
}

// Evaluate walks Rules in order and returns the first match.
func Evaluate(f Facts) Recommendation {
	for _, r := range Rules {
		if r.Match(f) {
			return Recommendation{
				RuleID:     r.ID,
				Action:     r.Action,
				Confidence: r.Confidence,
				Reasoning:  r.Reason(f),
			}
		}
	}
	// unreachable: the fallback rule always matches
	return Recommendation{RuleID: "fallback", Action: ActionManualReview, Confidence: 0.5}
}

// FactsFor extracts rule inputs from a stored case.
func FactsFor(c collection.Case, brokenPromises int) Facts {
	return Facts{
		DPD:            c.DPD,
		BrokenPromises: brokenPromises,
		Contacted:      c.Contacted(),
		Flags:          c.Flags,
	}
}

// KnownAction reports whether action is one any rule can produce.
func KnownAction(action string) bool {
	for _, r := range Rules {
		if r.Action == action {
			return true
		}
	}
	return false
}

func brokenPromises(n int) string {
	if n == 1 {
		return "1 broken promise"
	}
	return fmt.Sprintf("%d broken promises", n)
}
