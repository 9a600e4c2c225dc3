package compliance

import (
	"sort"
	"time"

	"collections/collection"
)

// Reason explains why contact is denied.
type Reason string

const (
	ReasonDoNotContact  Reason = "do_not_contact"
	ReasonDisputeActive Reason = "dispute_active"
	ReasonOutsideHours  Reason = "outside_contact_hours"
	ReasonDailyCap      Reason = "daily_cap_reached"
	ReasonWeeklyCap     Reason = "weekly_cap_reached"
	ReasonCoolingOff    Reason = "cooling_off"
)

const week = 7 * 24 * time.Hour

// maxSearchSteps bounds the NextAllowedAt search.
const maxSearchSteps = 64

// Verdict is the outcome of a compliance evaluation.
// NextAllowedAt is nil when a hard block applies and equals EvaluatedAt when Allowed.
type Verdict struct {
	Allowed       bool
	Reasons       []Reason
	NextAllowedAt *time.Time
	EvaluatedAt   time.Time
}

// HardBlocked reports whether the verdict carries a block time cannot lift.
func (v Verdict) HardBlocked() bool {
	for _, r := range v.Reasons {
		if r == ReasonDoNotContact || r == ReasonDisputeActive {
			return true
		}
	}
	return false
}

// Evaluate runs every check against the contact history and accumulates all reasons.
// history holds the instants of past contact attempts in any order; entries after now are ignored.
func Evaluate(rule Rule, flags collection.Flags, history []time.Time, now time.Time) Verdict {
	past := pastContacts(history, now)
	v := Verdict{EvaluatedAt: now, Reasons: []Reason{}}

	if flags.DoNotContact {
		v.Reasons = append(v.Reasons, ReasonDoNotContact)
	}
	if flags.DisputeActive {
		v.Reasons = append(v.Reasons, ReasonDisputeActive)
	}
	v.Reasons = append(v.Reasons, timedReasons(rule, past, now)...)

	if len(v.Reasons) == 0 {
		v.Allowed = true
		at := now
		v.NextAllowedAt = &at
		return v
	}
	if v.HardBlocked() {
		return v
	}
	if next, ok := nextAllowed(rule, past, now); ok {
		v.NextAllowedAt = &next
	}
	return v
}

func timedReasons(rule Rule, past []time.Time, at time.Time) []Reason {
	var out []Reason
	if !rule.inWindow(at) {
		out = append(out, ReasonOutsideHours)
	}
	if rule.DailyCap > 0 && countSameDay(past, at, rule.loc()) >= rule.DailyCap {
		out = append(out, ReasonDailyCap)
	}
	if rule.WeeklyCap > 0 && countTrailingWeek(past, at) >= rule.WeeklyCap {
		out = append(out, ReasonWeeklyCap)
	}
	if rule.CoolingOff > 0 && len(past) > 0 {
		if last := past[len(past)-1]; at.Sub(last) < rule.CoolingOff {
			out = append(out, ReasonCoolingOff)
		}
	}
	return out
}

// nextAllowed pushes a candidate instant forward past each failing time-based check
// until all of them pass.
func nextAllowed(rule Rule, past []time.Time, now time.Time) (time.Time, bool) {
	loc := rule.loc()
	t := now
	for i := 0; i < maxSearchSteps; i++ {
		switch {
		case rule.CoolingOff > 0 && len(past) > 0 && t.Sub(past[len(past)-1]) < rule.CoolingOff:
			t = past[len(past)-1].Add(rule.CoolingOff)
		case rule.DailyCap > 0 && countSameDay(past, t, loc) >= rule.DailyCap:
			t = rule.WindowStart.on(nextDay(t, loc), loc)
		case rule.WeeklyCap > 0 && countTrailingWeek(past, t) >= rule.WeeklyCap:
			t = weeklyReopen(rule.WeeklyCap, past, t)
		case !rule.inWindow(t):
			t = rule.nextWindowStart(t)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// weeklyReopen returns the instant enough contacts age out of the trailing week
// for the count to drop below cap.
func weeklyReopen(weeklyCap int, past []time.Time, t time.Time) time.Time {
	inWindow := make([]time.Time, 0, len(past))
	for _, c := range past {
		if c.After(t.Add(-week)) && !c.After(t) {
			inWindow = append(inWindow, c)
		}
	}
	drop := len(inWindow) - weeklyCap
	return inWindow[drop].Add(week)
}

func pastContacts(history []time.Time, now time.Time) []time.Time {
	out := make([]time.Time, 0, len(history))
	for _, h := range history {
		if !h.After(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func countSameDay(past []time.Time, at time.Time, loc *time.Location) int {
	n := 0
	for _, c := range past {
		if sameDay(c, at, loc) {
			n++
		}
	}
	return n
}

func countTrailingWeek(past []time.Time, at time.Time) int {
	n := 0
	for _, c := range past {
		if c.After(at.Add(-week)) && !c.After(at) {
			n++
		}
	}
	return n
}
