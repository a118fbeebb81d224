package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	return e
}

func TestParse_Wildcard(t *testing.T) {
	e := mustParse(t, "* * * * *")
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 13, 45, 0, 0, time.UTC)))
}

func TestParse_ListsAndRanges(t *testing.T) {
	e := mustParse(t, "0,30 9-17 * * *")
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)))
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 17, 30, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)))
}

func TestParse_Step(t *testing.T) {
	e := mustParse(t, "*/15 * * * *")
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)))
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 1, 45, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 7, 31, 1, 20, 0, 0, time.UTC)))
}

func TestParse_MonthAndDowNames(t *testing.T) {
	e := mustParse(t, "0 0 * Jan Mon")
	assert.True(t, e.Matches(time.Date(2027, 1, 4, 0, 0, 0, 0, time.UTC))) // a Monday
	assert.False(t, e.Matches(time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2027, 2, 4, 0, 0, 0, 0, time.UTC)))
}

func TestAliases(t *testing.T) {
	e := mustParse(t, "@daily")
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 7, 31, 0, 1, 0, 0, time.UTC)))

	h := mustParse(t, "@hourly")
	assert.True(t, h.Matches(time.Date(2026, 7, 31, 5, 0, 0, 0, time.UTC)))
	assert.False(t, h.Matches(time.Date(2026, 7, 31, 5, 1, 0, 0, time.UTC)))
}

func TestDOM_LastDayOfMonth(t *testing.T) {
	e := mustParse(t, "0 0 L * *")
	assert.True(t, e.Matches(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)))
	assert.True(t, e.Matches(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))) // leap year
}

func TestDOM_NearestWeekday(t *testing.T) {
	// 2026-08-01 is a Saturday; 15W should land on the nearest weekday to the 15th.
	e := mustParse(t, "0 0 15W * *")
	d := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Saturday, d.Weekday())
	assert.True(t, e.Matches(time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC))) // nudged back to Friday
	assert.False(t, e.Matches(d))
}

func TestDOW_NthOccurrence(t *testing.T) {
	// Second Tuesday of August 2026 is the 11th.
	e := mustParse(t, "0 0 * * Tue#2")
	assert.True(t, e.Matches(time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)))
}

func TestDOW_LastOccurrence(t *testing.T) {
	// Last Friday of July 2026 is the 31st.
	e := mustParse(t, "0 0 * * FriL")
	assert.True(t, e.Matches(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)))
	assert.False(t, e.Matches(time.Date(2026, 7, 24, 0, 0, 0, 0, time.UTC)))
}

func TestParse_InvalidFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	assert.Error(t, err)
}

func TestParse_InvalidValue(t *testing.T) {
	_, err := Parse("99 * * * *")
	assert.Error(t, err)
}
