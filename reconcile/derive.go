// Package reconcile keeps collection cases in step with the loan ledger.
package reconcile

import (
	"time"

	"collections/collection"
	"collections/nba"
	"collections/policy"
	"collections/priority"
	"collections/sla"
)

// Derive recomputes the case-owned derived fields: stage, priority score,
// cached recommendation and SLA deadlines. The recommendation timestamp only
// moves when the recommendation itself changes.
func Derive(c collection.Case, brokenPromises int, pol *policy.Compiled, now time.Time) collection.Case {
	c.Stage = collection.StageForDPD(c.DPD)
	c.PriorityScore = priority.Score(priority.Input{
		DPD:            c.DPD,
		OverdueMinor:   c.OverdueMinor,
		BrokenPromises: brokenPromises,
		Flags:          c.Flags,
	}, pol.ExposureCapMinor)

	rec := nba.Evaluate(nba.FactsFor(c, brokenPromises))
	if rec.Action != c.Recommendation.Action ||
		rec.Confidence != c.Recommendation.Confidence ||
		rec.Reasoning != c.Recommendation.Reasoning {
		at := now
		c.Recommendation = collection.Recommendation{
			Action:     rec.Action,
			Confidence: rec.Confidence,
			Reasoning:  rec.Reasoning,
			At:         &at,
		}
	}

	d := sla.Compute(pol.Calendar, pol.SLA[c.Stage], c.CreatedAt, c.LastContactAt)
	c.FirstContactDeadline = d.FirstContact
	c.NextContactDeadline = d.NextContact
	return c
}

// changed reports whether b differs from a in anything the synchronizer writes.
func changed(a, b collection.Case) bool {
	return a.DPD != b.DPD ||
		a.OverdueMinor != b.OverdueMinor ||
		a.Stage != b.Stage ||
		!sameTime(a.LastPaymentDate, b.LastPaymentDate) ||
		a.PriorityScore != b.PriorityScore ||
		a.Recommendation.Action != b.Recommendation.Action ||
		a.Recommendation.Confidence != b.Recommendation.Confidence ||
		a.Recommendation.Reasoning != b.Recommendation.Reasoning ||
		!sameTime(a.FirstContactDeadline, b.FirstContactDeadline) ||
		!sameTime(a.NextContactDeadline, b.NextContactDeadline) ||
		a.Status != b.Status
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
