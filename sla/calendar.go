// Package sla computes contact deadlines in business time and derives breach flags.
package sla

import (
	"fmt"
	"time"
)

// Calendar describes when a jurisdiction's collections team works.
type Calendar interface {
	IsBusinessDay(date time.Time) bool
	BusinessHours(date time.Time) (start, end time.Time)
}

// StaticCalendar is a fixed weekly schedule with a holiday list.
type StaticCalendar struct {
	loc      *time.Location
	weekdays map[time.Weekday]bool
	startMin int
	endMin   int
	holidays map[string]bool
}

// NewStaticCalendar builds a calendar. startMin and endMin are minutes after local midnight.
func NewStaticCalendar(loc *time.Location, weekdays []time.Weekday, startMin, endMin int, holidays []time.Time) (*StaticCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(weekdays) == 0 {
		return nil, fmt.Errorf("sla: calendar needs at least one business weekday")
	}
	if startMin < 0 || endMin > 24*60 || endMin <= startMin {
		return nil, fmt.Errorf("sla: business hours %d-%d are empty", startMin, endMin)
	}
	cal := &StaticCalendar{
		loc:      loc,
		weekdays: make(map[time.Weekday]bool, len(weekdays)),
		startMin: startMin,
		endMin:   endMin,
		holidays: make(map[string]bool, len(holidays)),
	}
	for _, d := range weekdays {
		cal.weekdays[d] = true
	}
	for _, h := range holidays {
		cal.holidays[dateKey(h, loc)] = true
	}
	return cal, nil
}

// Location is the calendar's time zone.
func (c *StaticCalendar) Location() *time.Location {
	return c.loc
}

func (c *StaticCalendar) IsBusinessDay(date time.Time) bool {
	local := date.In(c.loc)
	return c.weekdays[local.Weekday()] && !c.holidays[dateKey(local, c.loc)]
}

func (c *StaticCalendar) BusinessHours(date time.Time) (time.Time, time.Time) {
	y, m, d := date.In(c.loc).Date()
	start := time.Date(y, m, d, c.startMin/60, c.startMin%60, 0, 0, c.loc)
	end := time.Date(y, m, d, c.endMin/60, c.endMin%60, 0, 0, c.loc)
	return start, end
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// maxCalendarDays bounds the walk when a calendar has almost no business time.
const maxCalendarDays = 3660

// AddBusinessHours returns the instant d of business time after from.
func AddBusinessHours(cal Calendar, from time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return from
	}
	loc := time.UTC
	if l, ok := cal.(interface{ Location() *time.Location }); ok {
		loc = l.Location()
	}

	remaining := d
	y, m, day := from.In(loc).Date()
	for i := 0; i < maxCalendarDays; i++ {
		date := time.Date(y, m, day+i, 12, 0, 0, 0, loc)
		if !cal.IsBusinessDay(date) {
			continue
		}
		start, end := cal.BusinessHours(date)
		cursor := start
		if from.After(cursor) {
			cursor = from
		}
		if !cursor.Before(end) {
			continue
		}
		avail := end.Sub(cursor)
		if remaining <= avail {
			return cursor.Add(remaining)
		}
		remaining -= avail
	}
	return from.Add(d)
}
