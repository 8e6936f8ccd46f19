/*
Package factory provides JSON to Go weekly schedule conversion.

PURPOSE:
  Converts a JSON weekly template into calendar.AvailabilityRule values.
  Lets a tutor (or an admin tool) declare a whole week at once instead of
  creating rules one by one, and lets onboarding ship named presets.

JSON SCHEMA:
  {
    "name": "Weekday evenings",
    "blocks": [
      {"days": ["weekdays"], "start": "17:00", "end": "21:00"},
      {"days": ["sat"],      "start": "09:00", "hours": 2.5}
    ]
  }

  days:  sunday..saturday, sun..sat, "weekdays", "weekend", "everyday"
  end:   "HH:MM" ("24:00" allowed), or
  hours: decimal length, must be a whole number of minutes

VALIDATION:
  The produced rule set is checked with calendar.ValidateRuleSet, so
  overlapping blocks and midnight-spanning blocks are rejected here rather
  than half-applied.

USAGE:
  f := NewScheduleFactory()
  rules, err := f.ParseSchedule(jsonString)
  manager.ReplaceRules(ctx, tutorID, rules)

SEE ALSO:
  - booking/availability.go: ReplaceRules
  - api/handlers.go: PUT /api/tutors/{tutorID}/schedule-template
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ScheduleJSON is the JSON representation of a weekly template.
type ScheduleJSON struct {
	Name   string      `json:"name,omitempty"`
	Blocks []BlockJSON `json:"blocks"`
}

// BlockJSON is one time-of-day block repeated on the listed days.
type BlockJSON struct {
	Days  []string         `json:"days"`
	Start string           `json:"start"`
	End   string           `json:"end,omitempty"`
	Hours *decimal.Decimal `json:"hours,omitempty"`
}

// =============================================================================
// SCHEDULE FACTORY
// =============================================================================

// ScheduleFactory converts JSON templates to availability rules.
type ScheduleFactory struct{}

func NewScheduleFactory() *ScheduleFactory {
	return &ScheduleFactory{}
}

// ParseSchedule parses a JSON string into availability rules.
func (f *ScheduleFactory) ParseSchedule(jsonStr string) ([]calendar.AvailabilityRule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, calendar.Invalid("template", "failed to parse schedule JSON: %v", err)
	}
	return f.FromJSON(sj)
}

// FromJSON converts a ScheduleJSON into rules sorted by weekday and start.
// TutorID is left empty; the caller assigns it.
func (f *ScheduleFactory) FromJSON(sj ScheduleJSON) ([]calendar.AvailabilityRule, error) {
	if len(sj.Blocks) == 0 {
		return nil, calendar.Invalid("blocks", "at least one block is required")
	}

	var rules []calendar.AvailabilityRule
	for i, b := range sj.Blocks {
		days, err := parseDays(b.Days)
		if err != nil {
			return nil, calendar.Invalid(fmt.Sprintf("blocks[%d].days", i), "%v", err)
		}
		start, end, err := parseBlockSpan(b)
		if err != nil {
			return nil, calendar.Invalid(fmt.Sprintf("blocks[%d]", i), "%v", err)
		}
		for _, wd := range days {
			rules = append(rules, calendar.AvailabilityRule{Weekday: wd, StartTime: start, EndTime: end})
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Weekday == rules[j].Weekday {
			return rules[i].StartTime < rules[j].StartTime
		}
		return rules[i].Weekday < rules[j].Weekday
	})

	// ValidateRule requires a tutor; check the shape with a placeholder.
	probe := make([]calendar.AvailabilityRule, len(rules))
	for i, r := range rules {
		r.TutorID = "template"
		probe[i] = r
	}
	if err := calendar.ValidateRuleSet(probe); err != nil {
		return nil, err
	}
	return rules, nil
}

// WeeklyHours sums the length of rules in hours.
func WeeklyHours(rules []calendar.AvailabilityRule) decimal.Decimal {
	total := 0
	for _, r := range rules {
		total += r.Span().Minutes()
	}
	return MinutesToHours(total)
}

// MinutesToHours converts minutes to hours, rounded to two places.
func MinutesToHours(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60)).Round(2)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var dayNames = map[string][]time.Weekday{
	"sunday":    {time.Sunday},
	"sun":       {time.Sunday},
	"monday":    {time.Monday},
	"mon":       {time.Monday},
	"tuesday":   {time.Tuesday},
	"tue":       {time.Tuesday},
	"wednesday": {time.Wednesday},
	"wed":       {time.Wednesday},
	"thursday":  {time.Thursday},
	"thu":       {time.Thursday},
	"friday":    {time.Friday},
	"fri":       {time.Friday},
	"saturday":  {time.Saturday},
	"sat":       {time.Saturday},
	"weekdays":  {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekend":   {time.Saturday, time.Sunday},
	"everyday":  {time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
}

func parseDays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one day is required")
	}
	seen := make(map[time.Weekday]bool)
	var out []time.Weekday
	for _, n := range names {
		days, ok := dayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", n)
		}
		for _, d := range days {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func parseBlockSpan(b BlockJSON) (calendar.Clock, calendar.Clock, error) {
	start, err := calendar.ParseClock(b.Start)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case b.End != "" && b.Hours != nil:
		return 0, 0, fmt.Errorf("give either end or hours, not both")
	case b.End != "":
		end, err := calendar.ParseClock(b.End)
		if err != nil {
			return 0, 0, err
		}
		return start, end, nil
	case b.Hours != nil:
		minutes := b.Hours.Mul(decimal.NewFromInt(60))
		if !minutes.IsInteger() || !minutes.IsPositive() {
			return 0, 0, fmt.Errorf("hours %s is not a positive whole number of minutes", b.Hours)
		}
		return start, start.Add(int(minutes.IntPart())), nil
	default:
		return 0, 0, fmt.Errorf("end or hours is required")
	}
}

// =============================================================================
// PRESETS
// =============================================================================

// Presets are named templates offered during tutor onboarding.
var Presets = map[string]string{
	"weekday-business": `{
		"name": "Weekday business hours",
		"blocks": [
			{"days": ["weekdays"], "start": "09:00", "end": "12:00"},
			{"days": ["weekdays"], "start": "13:00", "end": "17:00"}
		]
	}`,
	"evenings-and-weekends": `{
		"name": "Evenings and weekends",
		"blocks": [
			{"days": ["weekdays"], "start": "17:00", "end": "21:00"},
			{"days": ["weekend"],  "start": "10:00", "hours": 6}
		]
	}`,
}

// Preset parses a named preset.
func (f *ScheduleFactory) Preset(name string) ([]calendar.AvailabilityRule, error) {
	tmpl, ok := Presets[name]
	if !ok {
		return nil, calendar.NotFound("preset", name)
	}
	return f.ParseSchedule(tmpl)
}
