package sla

import (
	"time"

	"collections/collection"
)

// Target holds the contact deadlines for one stage, in business hours. Zero disables the deadline.
type Target struct {
	FirstContactHours int
	NextContactHours  int
}

// Targets maps stages to their SLA.
type Targets map[collection.Stage]Target

// Deadlines are the contact deadlines a case is held to.
type Deadlines struct {
	FirstContact *time.Time
	NextContact  *time.Time
}

// Status is the read-time SLA view of a case.
type Status struct {
	Deadlines
	FirstContactBreached bool
	NextContactBreached  bool
}

// Compute derives deadlines from the case's creation and last contact.
func Compute(cal Calendar, target Target, createdAt time.Time, lastContact *time.Time) Deadlines {
	var out Deadlines
	if target.FirstContactHours > 0 {
		first := AddBusinessHours(cal, createdAt, time.Duration(target.FirstContactHours)*time.Hour)
		out.FirstContact = &first
	}
	if target.NextContactHours > 0 && lastContact != nil {
		next := AddBusinessHours(cal, *lastContact, time.Duration(target.NextContactHours)*time.Hour)
		out.NextContact = &next
	}
	return out
}

// Evaluate recomputes deadlines for c and flags breaches as of now. Closed-out cases never breach.
func Evaluate(cal Calendar, targets Targets, c collection.Case, now time.Time) Status {
	d := Compute(cal, targets[c.Stage], c.CreatedAt, c.LastContactAt)
	st := Status{Deadlines: d}
	if !c.Status.Active() {
		return st
	}
	if d.FirstContact != nil && c.FirstContactAt == nil && now.After(*d.FirstContact) {
		st.FirstContactBreached = true
	}
	if d.NextContact != nil && now.After(*d.NextContact) {
		st.NextContactBreached = true
	}
	return st
}
