/*
expand.go - Recurring rule + exception expansion

PURPOSE:
  Turns a tutor's declared availability into concrete FreeWindows for a
  date. This file is pure: no I/O, no clock, no globals. Everything it
  needs is passed in, so it can be property-tested against arbitrary
  rule/exception combinations without a database.

ALGORITHM (ExpandDay):
  1. Base windows    = rules whose Weekday matches the date
  2. Exceptions      = only those for exactly this date
  3. Apply in start order:
       IsAvailable=false  -> subtract [start,end), splitting windows
       IsAvailable=true   -> union in, merging touching windows
  4. Drop windows shorter than minDuration
  5. Result is sorted, non-overlapping, coalesced

PRECEDENCE:
  Exceptions always win over rules for the same date/time range. Because
  exceptions on one date may not overlap each other (ValidateExceptions),
  the relative order of carve-outs and additions never changes the result.

WRITE-TIME VALIDATION:
  ValidateRule / ValidateRules / ValidateException / ValidateExceptions
  enforce start < end, no midnight spanning and no overlap. Generation
  never re-validates: malformed data is rejected before it is stored.

RANGE EXPANSION:
  OccurrenceDates enumerates the dates a weekly rule falls on with an RFC
  5545 recurrence (FREQ=WEEKLY;BYDAY=..), the same machinery calendar
  clients use for RRULE.

SEE ALSO:
  - window.go: Interval algebra
  - booking/generator.go: Store-backed wrapper
*/
package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// =============================================================================
// DAY EXPANSION
// =============================================================================

// ExpandDay computes the free windows of date from the tutor's rules and
// exceptions. Rules for other weekdays and exceptions for other dates are
// ignored, so callers may pass the tutor's full sets.
func ExpandDay(date Date, rules []AvailabilityRule, exceptions []AvailabilityException, minDuration int) []FreeWindow {
	weekday := date.Weekday()

	var spans Spans
	for _, r := range rules {
		if r.Weekday == weekday {
			spans = append(spans, r.Span())
		}
	}
	spans = spans.Normalize()

	todays := make([]AvailabilityException, 0, len(exceptions))
	for _, e := range exceptions {
		if e.Date == date {
			todays = append(todays, e)
		}
	}
	sort.SliceStable(todays, func(i, j int) bool { return todays[i].StartTime < todays[j].StartTime })

	for _, e := range todays {
		if e.IsAvailable {
			spans = spans.Union(e.Span())
		} else {
			spans = spans.Subtract(e.Span())
		}
	}

	if minDuration < 0 {
		minDuration = 0
	}
	spans = spans.AtLeast(minDuration)

	windows := make([]FreeWindow, 0, len(spans))
	for _, s := range spans {
		windows = append(windows, FreeWindow{Date: date, StartTime: s.Start, EndTime: s.End})
	}
	return windows
}

// WindowSpans converts windows of one date back to spans.
func WindowSpans(windows []FreeWindow) Spans {
	spans := make(Spans, 0, len(windows))
	for _, w := range windows {
		spans = append(spans, w.Span())
	}
	return spans
}

// =============================================================================
// RANGE EXPANSION (rrule)
// =============================================================================

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// OccurrenceDates returns the dates in r that fall on any of weekdays.
func OccurrenceDates(weekdays []time.Weekday, r DateRange) ([]Date, error) {
	if len(weekdays) == 0 || r.To.Before(r.From) {
		return nil, nil
	}

	byDay := make([]rrule.Weekday, 0, len(weekdays))
	seen := make(map[time.Weekday]bool)
	for _, wd := range weekdays {
		if seen[wd] {
			continue
		}
		seen[wd] = true
		rwd, ok := rruleWeekdays[wd]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %d", wd)
		}
		byDay = append(byDay, rwd)
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: byDay,
		Dtstart:   r.From.midnightUTC(),
		Until:     r.To.midnightUTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("build weekly recurrence: %w", err)
	}

	occurrences := rule.All()
	dates := make([]Date, 0, len(occurrences))
	for _, t := range occurrences {
		dates = append(dates, DateOf(t))
	}
	return dates, nil
}

// CandidateDates returns the dates in r on which the tutor may have any
// availability: every occurrence of a rule weekday plus every date with
// an additive exception. Sorted, without duplicates.
func CandidateDates(rules []AvailabilityRule, exceptions []AvailabilityException, r DateRange) ([]Date, error) {
	weekdays := make([]time.Weekday, 0, len(rules))
	for _, rule := range rules {
		weekdays = append(weekdays, rule.Weekday)
	}
	dates, err := OccurrenceDates(weekdays, r)
	if err != nil {
		return nil, err
	}

	seen := make(map[Date]bool, len(dates))
	for _, d := range dates {
		seen[d] = true
	}
	for _, e := range exceptions {
		if e.IsAvailable && r.Contains(e.Date) && !seen[e.Date] {
			seen[e.Date] = true
			dates = append(dates, e.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================

func validateSpan(start, end Clock) error {
	if !start.Valid() || start == EndOfDay {
		return Invalid("start_time", "%s is not a valid start time", start)
	}
	if !end.Valid() {
		return Invalid("end_time", "%s is not a valid end time", end)
	}
	if end <= start {
		// end before start on the same day means the window wraps midnight
		return Invalid("end_time", "window %s-%s must end after it starts and may not span midnight", start, end)
	}
	return nil
}

// ValidateRule checks a single rule in isolation.
func ValidateRule(r AvailabilityRule) error {
	if r.TutorID == "" {
		return Invalid("tutor_id", "is required")
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return Invalid("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	return validateSpan(r.StartTime, r.EndTime)
}

// ValidateRules checks that candidate does not overlap any of existing on
// the same weekday. A rule with the same ID as candidate is ignored so
// updates can be validated against the current set.
func ValidateRules(candidate AvailabilityRule, existing []AvailabilityRule) error {
	if err := ValidateRule(candidate); err != nil {
		return err
	}
	for _, r := range existing {
		if candidate.ID != 0 && r.ID == candidate.ID {
			continue
		}
		if r.Weekday == candidate.Weekday && r.Span().Overlaps(candidate.Span()) {
			return Invalid("start_time", "overlaps existing rule %d (%s %s)", r.ID, r.Weekday, r.Span())
		}
	}
	return nil
}

// ValidateRuleSet checks a complete weekly pattern for internal overlaps.
func ValidateRuleSet(rules []AvailabilityRule) error {
	for i, r := range rules {
		if err := ValidateRule(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		for _, other := range rules[:i] {
			if other.Weekday == r.Weekday && other.Span().Overlaps(r.Span()) {
				return Invalid("rules", "%s %s overlaps %s", r.Weekday, r.Span(), other.Span())
			}
		}
	}
	return nil
}

// ValidateException checks a single exception in isolation.
func ValidateException(e AvailabilityException) error {
	if e.TutorID == "" {
		return Invalid("tutor_id", "is required")
	}
	if e.Date.IsZero() {
		return Invalid("date", "is required")
	}
	return validateSpan(e.StartTime, e.EndTime)
}

// ValidateExceptions checks that candidate does not overlap another
// exception on the same date.
func ValidateExceptions(candidate AvailabilityException, existing []AvailabilityException) error {
	if err := ValidateException(candidate); err != nil {
		return err
	}
	for _, e := range existing {
		if candidate.ID != 0 && e.ID == candidate.ID {
			continue
		}
		if e.Date == candidate.Date && e.Span().Overlaps(candidate.Span()) {
			return Invalid("start_time", "overlaps exception %d on %s %s", e.ID, e.Date, e.Span())
		}
	}
	return nil
}
