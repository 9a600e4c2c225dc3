package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collections/collection"
)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func newCalendar(t *testing.T, holidays ...time.Time) *StaticCalendar {
	t.Helper()
	cal, err := NewStaticCalendar(time.UTC, weekdays, 9*60, 17*60, holidays)
	require.NoError(t, err)
	return cal
}

// 2026-03-02 is a Monday.
func mon(hour, minute int) time.Time {
	return time.Date(2026, time.March, 2, hour, minute, 0, 0, time.UTC)
}

func TestAddBusinessHours_SameDay(t *testing.T) {
	cal := newCalendar(t)
	assert.Equal(t, mon(14, 0), AddBusinessHours(cal, mon(10, 0), 4*time.Hour))
}

func TestAddBusinessHours_BeforeOpening(t *testing.T) {
	cal := newCalendar(t)
	assert.Equal(t, mon(11, 0), AddBusinessHours(cal, mon(6, 0), 2*time.Hour))
}

func TestAddBusinessHours_SpillsIntoNextDay(t *testing.T) {
	cal := newCalendar(t)
	// 3h left on Monday, 5h more on Tuesday
	assert.Equal(t, mon(14, 0).AddDate(0, 0, 1), AddBusinessHours(cal, mon(14, 0), 8*time.Hour))
}

func TestAddBusinessHours_SkipsWeekendAndHoliday(t *testing.T) {
	friday := time.Date(2026, time.March, 6, 15, 0, 0, 0, time.UTC)
	monday := time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC)
	cal := newCalendar(t, monday)

	// 2h Friday, Monday holiday, 2h Tuesday
	want := time.Date(2026, time.March, 10, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, want, AddBusinessHours(cal, friday, 4*time.Hour))
}

func TestAddBusinessHours_AfterClosing(t *testing.T) {
	cal := newCalendar(t)
	assert.Equal(t, mon(10, 0).AddDate(0, 0, 1), AddBusinessHours(cal, mon(18, 0), time.Hour))
}

func TestEvaluate_Breaches(t *testing.T) {
	cal := newCalendar(t)
	targets := Targets{collection.StageEarly: {FirstContactHours: 8, NextContactHours: 16}}

	c := collection.Case{Stage: collection.StageEarly, Status: collection.StatusOpen, CreatedAt: mon(9, 0)}

	st := Evaluate(cal, targets, c, mon(16, 0))
	require.NotNil(t, st.FirstContact)
	assert.Equal(t, mon(17, 0), *st.FirstContact)
	assert.False(t, st.FirstContactBreached)
	assert.Nil(t, st.NextContact)

	st = Evaluate(cal, targets, c, mon(17, 1))
	assert.True(t, st.FirstContactBreached)

	contacted := mon(12, 0)
	c.FirstContactAt = &contacted
	c.LastContactAt = &contacted
	st = Evaluate(cal, targets, c, mon(17, 1).AddDate(0, 0, 2))
	assert.False(t, st.FirstContactBreached)
	require.NotNil(t, st.NextContact)
	assert.Equal(t, mon(12, 0).AddDate(0, 0, 2), *st.NextContact)
	assert.True(t, st.NextContactBreached)
}

func TestEvaluate_InactiveCaseNeverBreaches(t *testing.T) {
	cal := newCalendar(t)
	targets := Targets{collection.StageEarly: {FirstContactHours: 1}}
	c := collection.Case{Stage: collection.StageEarly, Status: collection.StatusClosed, CreatedAt: mon(9, 0)}

	st := Evaluate(cal, targets, c, mon(9, 0).AddDate(0, 1, 0))
	assert.False(t, st.FirstContactBreached)
}

func TestEvaluate_StageWithoutTarget(t *testing.T) {
	cal := newCalendar(t)
	st := Evaluate(cal, Targets{}, collection.Case{Stage: collection.StageCurrent, Status: collection.StatusOpen, CreatedAt: mon(9, 0)}, mon(16, 0))
	assert.Nil(t, st.FirstContact)
	assert.Nil(t, st.NextContact)
}

func TestNewStaticCalendar_Rejects(t *testing.T) {
	_, err := NewStaticCalendar(time.UTC, nil, 540, 1020, nil)
	assert.Error(t, err)
	_, err = NewStaticCalendar(time.UTC, weekdays, 1020, 540, nil)
	assert.Error(t, err)
}
