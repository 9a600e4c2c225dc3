package nba

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collections/collection"
)

func TestRules_Order(t *testing.T) {
	want := []string{
		"hard_do_not_contact",
		"hard_dispute",
		"hard_vulnerability",
		"hard_hardship",
		"dpd_90_plus",
		"repeat_broken_promises",
		"dpd_61_90",
		"dpd_31_60_broken_promise",
		"dpd_31_60",
		"dpd_1_30_broken_promise",
		"dpd_1_30_uncontacted",
		"dpd_1_30_contacted",
		"current",
		"fallback",
	}
	got := make([]string, 0, len(Rules))
	for _, r := range Rules {
		got = append(got, r.ID)
	}
	require.Equal(t, want, got)
}

func TestEvaluate_Scenarios(t *testing.T) {
	cases := []struct {
		name       string
		facts      Facts
		rule       string
		action     string
		confidence float64
	}{
		{"early uncontacted", Facts{DPD: 5}, "dpd_1_30_uncontacted", ActionSendWhatsAppReminder, 0.85},
		{"early contacted", Facts{DPD: 5, Contacted: true}, "dpd_1_30_contacted", ActionSendSMSReminder, 0.70},
		{"early broken", Facts{DPD: 12, BrokenPromises: 1}, "dpd_1_30_broken_promise", ActionCallBorrower, 0.70},
		{"mid one broken", Facts{DPD: 40, BrokenPromises: 1}, "dpd_31_60_broken_promise", ActionCallBrokenPromise, 0.80},
		{"mid", Facts{DPD: 40}, "dpd_31_60", ActionCallBorrower, 0.75},
		{"repeat broken", Facts{DPD: 40, BrokenPromises: 2}, "repeat_broken_promises", ActionEscalateField, 0.85},
		{"late", Facts{DPD: 75}, "dpd_61_90", ActionOfferSettlement, 0.80},
		{"late repeat broken", Facts{DPD: 75, BrokenPromises: 3}, "repeat_broken_promises", ActionEscalateField, 0.85},
		{"severe", Facts{DPD: 95, BrokenPromises: 4}, "dpd_90_plus", ActionEscalateLegal, 0.80},
		{"current", Facts{}, "current", ActionMonitor, 1.0},
		{"negative dpd falls through", Facts{DPD: -1}, "fallback", ActionManualReview, 0.50},
		{"hardship", Facts{DPD: 95, Flags: collection.Flags{Hardship: true}}, "hard_hardship", ActionOfferHardshipPlan, 0.90},
		{"vulnerability outranks hardship", Facts{DPD: 10, Flags: collection.Flags{Hardship: true, Vulnerability: true}}, "hard_vulnerability", ActionHoldVulnerability, 0.95},
		{"dispute", Facts{DPD: 50, Flags: collection.Flags{DisputeActive: true}}, "hard_dispute", ActionHoldDispute, 1.0},
		{"do not contact outranks dpd", Facts{DPD: 95, Flags: collection.Flags{DoNotContact: true}}, "hard_do_not_contact", ActionHoldDoNotContact, 1.0},
		{"do not contact outranks dispute", Facts{DPD: 3, Flags: collection.Flags{DoNotContact: true, DisputeActive: true}}, "hard_do_not_contact", ActionHoldDoNotContact, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.facts)
			assert.Equal(t, tc.rule, got.RuleID)
			assert.Equal(t, tc.action, got.Action)
			assert.InDelta(t, tc.confidence, got.Confidence, 1e-9)
			assert.NotEmpty(t, got.Reasoning)
		})
	}
}

func TestEvaluate_ReasoningCarriesFacts(t *testing.T) {
	got := Evaluate(Facts{DPD: 40, BrokenPromises: 2})
	assert.Contains(t, got.Reasoning, "DPD 40")
	assert.Contains(t, got.Reasoning, "2 broken promises")

	one := Evaluate(Facts{DPD: 40, BrokenPromises: 1})
	assert.Contains(t, one.Reasoning, "1 broken promise")
	assert.NotContains(t, one.Reasoning, "1 broken promises")
}

func TestFactsFor(t *testing.T) {
	now := collection.Case{}.CreatedAt
	c := collection.Case{DPD: 22, FirstContactAt: &now, Flags: collection.Flags{Hardship: true}}
	f := FactsFor(c, 2)
	assert.Equal(t, Facts{DPD: 22, BrokenPromises: 2, Contacted: true, Flags: collection.Flags{Hardship: true}}, f)
}

func TestKnownAction(t *testing.T) {
	assert.True(t, KnownAction(ActionEscalateLegal))
	assert.False(t, KnownAction("send_carrier_pigeon"))
}

func TestEvaluate_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("same facts give the same recommendation", prop.ForAll(
		func(dpd, broken int, contacted, dnc, dispute, vuln, hardship bool) bool {
			f := Facts{DPD: dpd, BrokenPromises: broken, Contacted: contacted,
				Flags: collection.Flags{DoNotContact: dnc, DisputeActive: dispute, Vulnerability: vuln, Hardship: hardship}}
			return Evaluate(f) == Evaluate(f)
		},
		gen.IntRange(0, 400), gen.IntRange(0, 6),
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("do-not-contact always holds", prop.ForAll(
		func(dpd, broken int, dispute bool) bool {
			f := Facts{DPD: dpd, BrokenPromises: broken, Flags: collection.Flags{DoNotContact: true, DisputeActive: dispute}}
			return Evaluate(f).Action == ActionHoldDoNotContact
		},
		gen.IntRange(0, 400), gen.IntRange(0, 6), gen.Bool(),
	))

	properties.TestingRun(t)
}
