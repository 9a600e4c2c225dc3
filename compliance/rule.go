// Package compliance decides whether a borrower may be contacted right now.
package compliance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule is the contact policy of one jurisdiction.
type Rule struct {
	Location    *time.Location
	WindowStart Clock
	WindowEnd   Clock
	DailyCap    int
	WeeklyCap   int
	CoolingOff  time.Duration
}

// Clock is a local wall-clock time expressed as minutes after midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("compliance: clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("compliance: clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("compliance: clock %q: bad minute", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// on returns the instant of c on the local date of day.
func (c Clock) on(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// Validate rejects rules that could never allow contact.
func (r Rule) Validate() error {
	if r.Location == nil {
		return fmt.Errorf("compliance: rule has no location")
	}
	if r.WindowEnd <= r.WindowStart {
		return fmt.Errorf("compliance: contact window %s-%s is empty", r.WindowStart, r.WindowEnd)
	}
	if r.DailyCap < 0 || r.WeeklyCap < 0 || r.CoolingOff < 0 {
		return fmt.Errorf("compliance: caps and cooling-off must not be negative")
	}
	return nil
}

func (r Rule) loc() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func (r Rule) inWindow(t time.Time) bool {
	local := t.In(r.loc())
	minutes := Clock(local.Hour()*60 + local.Minute())
	return minutes >= r.WindowStart && minutes < r.WindowEnd
}

// nextWindowStart is the first window opening strictly usable at or after t.
func (r Rule) nextWindowStart(t time.Time) time.Time {
	start := r.WindowStart.on(t, r.loc())
	if t.Before(start) {
		return start
	}
	return r.WindowStart.on(nextDay(t, r.loc()), r.loc())
}

func nextDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 12, 0, 0, 0, loc)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
