package calendar_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// 2025-03-10 is a Monday.
var monday = calendar.NewDate(2025, time.March, 10)

func hm(h, m int) calendar.Clock { return calendar.NewClock(h, m) }

func rule(id calendar.RuleID, wd time.Weekday, start, end calendar.Clock) calendar.AvailabilityRule {
	return calendar.AvailabilityRule{ID: id, TutorID: "t1", Weekday: wd, StartTime: start, EndTime: end}
}

func carveOut(d calendar.Date, start, end calendar.Clock) calendar.AvailabilityException {
	return calendar.AvailabilityException{TutorID: "t1", Date: d, StartTime: start, EndTime: end, IsAvailable: false}
}

func addition(d calendar.Date, start, end calendar.Clock) calendar.AvailabilityException {
	return calendar.AvailabilityException{TutorID: "t1", Date: d, StartTime: start, EndTime: end, IsAvailable: true}
}

func spansOf(windows []calendar.FreeWindow) []string {
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.Span().String())
	}
	return out
}

// =============================================================================
// DAY EXPANSION
// =============================================================================

func TestExpandDay_RuleOnly(t *testing.T) {
	// GIVEN: Monday 09:00-17:00
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(17, 0))}

	// WHEN: Expanding a Monday and the following Tuesday
	mon := calendar.ExpandDay(monday, rules, nil, 0)
	tue := calendar.ExpandDay(monday.AddDays(1), rules, nil, 0)

	// THEN: Only Monday has a window
	assert.Equal(t, []string{"[09:00,17:00)"}, spansOf(mon))
	assert.Empty(t, tue)
	assert.Equal(t, monday, mon[0].Date)
}

func TestExpandDay_CarveOutSplitsWindow(t *testing.T) {
	// GIVEN: Monday 09:00-17:00 with lunch carved out
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(17, 0))}
	excs := []calendar.AvailabilityException{carveOut(monday, hm(12, 0), hm(13, 0))}

	// WHEN
	windows := calendar.ExpandDay(monday, rules, excs, 60)

	// THEN: Two windows, exception wins over the rule
	assert.Equal(t, []string{"[09:00,12:00)", "[13:00,17:00)"}, spansOf(windows))
}

func TestExpandDay_FullCoverCarveOutRemovesWindow(t *testing.T) {
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(12, 0))}
	excs := []calendar.AvailabilityException{carveOut(monday, hm(8, 0), hm(13, 0))}

	assert.Empty(t, calendar.ExpandDay(monday, rules, excs, 0))
}

func TestExpandDay_AdditionOnDayWithoutRules(t *testing.T) {
	// GIVEN: No rules at all, one additive exception on a Saturday
	saturday := monday.AddDays(5)
	excs := []calendar.AvailabilityException{addition(saturday, hm(10, 0), hm(12, 0))}

	// WHEN
	windows := calendar.ExpandDay(saturday, nil, excs, 30)

	// THEN: Availability exists anyway
	assert.Equal(t, []string{"[10:00,12:00)"}, spansOf(windows))
}

func TestExpandDay_AdditionMergesWithAdjacentRule(t *testing.T) {
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(12, 0))}
	excs := []calendar.AvailabilityException{addition(monday, hm(12, 0), hm(14, 0))}

	windows := calendar.ExpandDay(monday, rules, excs, 0)

	assert.Equal(t, []string{"[09:00,14:00)"}, spansOf(windows))
}

func TestExpandDay_MinDurationFilters(t *testing.T) {
	// GIVEN: A 90 minute morning and a 30 minute evening window
	rules := []calendar.AvailabilityRule{
		rule(1, time.Monday, hm(9, 0), hm(10, 30)),
		rule(2, time.Monday, hm(18, 0), hm(18, 30)),
	}

	// WHEN: Asking for at least 60 minutes
	windows := calendar.ExpandDay(monday, rules, nil, 60)

	// THEN: The short window is dropped
	assert.Equal(t, []string{"[09:00,10:30)"}, spansOf(windows))
}

func TestExpandDay_IgnoresOtherDatesExceptions(t *testing.T) {
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(17, 0))}
	excs := []calendar.AvailabilityException{carveOut(monday.AddDays(7), hm(9, 0), hm(17, 0))}

	assert.Equal(t, []string{"[09:00,17:00)"}, spansOf(calendar.ExpandDay(monday, rules, excs, 0)))
}

func TestExpandDay_ResultIsSortedAndDisjoint(t *testing.T) {
	// GIVEN: Rules declared out of order plus overlapping additions
	rules := []calendar.AvailabilityRule{
		rule(1, time.Monday, hm(15, 0), hm(17, 0)),
		rule(2, time.Monday, hm(8, 0), hm(10, 0)),
	}
	excs := []calendar.AvailabilityException{
		addition(monday, hm(9, 30), hm(11, 0)),
		carveOut(monday, hm(16, 0), hm(16, 30)),
	}

	windows := calendar.ExpandDay(monday, rules, excs, 0)

	assert.Equal(t, []string{"[08:00,11:00)", "[15:00,16:00)", "[16:30,17:00)"}, spansOf(windows))
	for i := 1; i < len(windows); i++ {
		assert.Less(t, int(windows[i-1].EndTime), int(windows[i].StartTime))
	}
}

// =============================================================================
// RANGE EXPANSION
// =============================================================================

func TestOccurrenceDates_WeeklyByDay(t *testing.T) {
	// GIVEN: Monday and Wednesday over two weeks
	r := calendar.DateRange{From: monday, To: monday.AddDays(13)}

	// WHEN
	dates, err := calendar.OccurrenceDates([]time.Weekday{time.Wednesday, time.Monday, time.Monday}, r)

	// THEN
	require.NoError(t, err)
	require.Len(t, dates, 4)
	assert.Equal(t, monday, dates[0])
	assert.Equal(t, monday.AddDays(2), dates[1])
	assert.Equal(t, monday.AddDays(7), dates[2])
	assert.Equal(t, monday.AddDays(9), dates[3])
}

func TestOccurrenceDates_EmptyInputs(t *testing.T) {
	dates, err := calendar.OccurrenceDates(nil, calendar.DateRange{From: monday, To: monday})
	require.NoError(t, err)
	assert.Empty(t, dates)

	dates, err = calendar.OccurrenceDates([]time.Weekday{time.Monday}, calendar.DateRange{From: monday, To: monday.AddDays(-1)})
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestCandidateDates_IncludesAdditiveExceptions(t *testing.T) {
	rules := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(17, 0))}
	saturday := monday.AddDays(5)
	excs := []calendar.AvailabilityException{
		addition(saturday, hm(10, 0), hm(12, 0)),
		carveOut(monday.AddDays(3), hm(10, 0), hm(12, 0)),
	}

	dates, err := calendar.CandidateDates(rules, excs, calendar.DateRange{From: monday, To: monday.AddDays(6)})

	require.NoError(t, err)
	assert.Equal(t, []calendar.Date{monday, saturday}, dates)
}

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================

func TestValidateRule_RejectsMidnightSpanning(t *testing.T) {
	// GIVEN: 22:00-02:00, which would wrap past midnight
	r := rule(0, time.Friday, hm(22, 0), hm(2, 0))

	// WHEN
	err := calendar.ValidateRule(r)

	// THEN
	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrValidation))
}

func TestValidateRule_AllowsEndOfDay(t *testing.T) {
	assert.NoError(t, calendar.ValidateRule(rule(0, time.Friday, hm(22, 0), calendar.EndOfDay)))
	assert.Error(t, calendar.ValidateRule(rule(0, time.Friday, calendar.EndOfDay, calendar.EndOfDay)))
	assert.Error(t, calendar.ValidateRule(rule(0, time.Weekday(7), hm(9, 0), hm(10, 0))))
}

func TestValidateRules_Overlap(t *testing.T) {
	existing := []calendar.AvailabilityRule{rule(1, time.Monday, hm(9, 0), hm(12, 0))}

	// Overlapping on the same weekday is rejected
	err := calendar.ValidateRules(rule(0, time.Monday, hm(11, 0), hm(13, 0)), existing)
	var verr *calendar.ValidationError
	require.ErrorAs(t, err, &verr)

	// Touching is allowed
	assert.NoError(t, calendar.ValidateRules(rule(0, time.Monday, hm(12, 0), hm(13, 0)), existing))

	// Other weekday is allowed
	assert.NoError(t, calendar.ValidateRules(rule(0, time.Tuesday, hm(9, 0), hm(12, 0)), existing))

	// Updating the same rule ignores itself
	assert.NoError(t, calendar.ValidateRules(rule(1, time.Monday, hm(8, 0), hm(12, 30)), existing))
}

func TestValidateRuleSet(t *testing.T) {
	ok := []calendar.AvailabilityRule{
		rule(0, time.Monday, hm(9, 0), hm(12, 0)),
		rule(0, time.Monday, hm(13, 0), hm(17, 0)),
	}
	assert.NoError(t, calendar.ValidateRuleSet(ok))

	bad := append(ok, rule(0, time.Monday, hm(16, 0), hm(18, 0)))
	assert.ErrorIs(t, calendar.ValidateRuleSet(bad), calendar.ErrValidation)
}

func TestValidateExceptions_Overlap(t *testing.T) {
	existing := []calendar.AvailabilityException{carveOut(monday, hm(12, 0), hm(13, 0))}
	existing[0].ID = 5

	err := calendar.ValidateExceptions(addition(monday, hm(12, 30), hm(14, 0)), existing)
	assert.ErrorIs(t, err, calendar.ErrValidation)

	assert.NoError(t, calendar.ValidateExceptions(addition(monday.AddDays(1), hm(12, 30), hm(14, 0)), existing))

	missingDate := addition(calendar.Date{}, hm(9, 0), hm(10, 0))
	assert.ErrorIs(t, calendar.ValidateException(missingDate), calendar.ErrValidation)
}
