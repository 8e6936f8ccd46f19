package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// GENERATOR - Store-backed availability expansion
// =============================================================================

// Generator expands a tutor's rules and exceptions into free windows.
// It never looks at bookings and never takes the tutor lock.
type Generator struct {
	avail  calendar.AvailabilityStore
	tutors calendar.TutorDirectory
	cfg    Config
}

func NewGenerator(avail calendar.AvailabilityStore, tutors calendar.TutorDirectory, cfg Config) *Generator {
	return &Generator{avail: avail, tutors: tutors, cfg: cfg.withDefaults()}
}

// DayWindows groups the free windows of one date.
type DayWindows struct {
	Date    calendar.Date
	Windows []calendar.FreeWindow
}

// ComputeAvailableWindows returns the tutor's free windows on date that are
// at least minDuration minutes long.
func (g *Generator) ComputeAvailableWindows(ctx context.Context, tutorID calendar.TutorID, date calendar.Date, minDuration int) ([]calendar.FreeWindow, error) {
	if err := validateWindowQuery(tutorID, minDuration); err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, calendar.Invalid("date", "is required")
	}
	if err := g.requireTutor(ctx, tutorID); err != nil {
		return nil, err
	}
	return windowsForDate(ctx, g.avail, tutorID, date, minDuration)
}

// ComputeAvailableRange returns free windows for every date in [from, to]
// that has any. Dates without availability are omitted.
func (g *Generator) ComputeAvailableRange(ctx context.Context, tutorID calendar.TutorID, from, to calendar.Date, minDuration int) ([]DayWindows, error) {
	if err := validateWindowQuery(tutorID, minDuration); err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, calendar.Invalid("from", "from and to are required")
	}
	if to.Before(from) {
		return nil, calendar.Invalid("to", "must not be before from")
	}
	r := calendar.DateRange{From: from, To: to}
	if r.Len() > g.cfg.MaxRangeDays {
		return nil, calendar.Invalid("to", "range may span at most %d days", g.cfg.MaxRangeDays)
	}
	if err := g.requireTutor(ctx, tutorID); err != nil {
		return nil, err
	}

	rules, err := g.avail.GetRules(ctx, tutorID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", tutorID, err)
	}
	excs, err := g.avail.GetExceptionsInRange(ctx, tutorID, r)
	if err != nil {
		return nil, fmt.Errorf("load exceptions for %s: %w", tutorID, err)
	}
	dates, err := calendar.CandidateDates(rules, excs, r)
	if err != nil {
		return nil, err
	}

	var out []DayWindows
	for _, d := range dates {
		if windows := calendar.ExpandDay(d, rules, excs, minDuration); len(windows) > 0 {
			out = append(out, DayWindows{Date: d, Windows: windows})
		}
	}
	return out, nil
}

func (g *Generator) requireTutor(ctx context.Context, tutorID calendar.TutorID) error {
	if g.tutors == nil {
		return nil
	}
	_, err := g.tutors.GetTutor(ctx, tutorID)
	return err
}

func validateWindowQuery(tutorID calendar.TutorID, minDuration int) error {
	if tutorID == "" {
		return calendar.Invalid("tutor_id", "is required")
	}
	if minDuration < 0 || minDuration > 24*60 {
		return calendar.Invalid("min_duration", "must be between 0 and 1440 minutes")
	}
	return nil
}

// windowsForDate loads what one date needs and expands it. Used both by
// the Generator and inside tutor-locked transactions.
func windowsForDate(ctx context.Context, avail calendar.AvailabilityStore, tutorID calendar.TutorID, date calendar.Date, minDuration int) ([]calendar.FreeWindow, error) {
	rules, err := avail.GetRules(ctx, tutorID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", tutorID, err)
	}
	excs, err := avail.GetExceptions(ctx, tutorID, date)
	if err != nil {
		return nil, fmt.Errorf("load exceptions for %s on %s: %w", tutorID, date, err)
	}
	return calendar.ExpandDay(date, rules, excs, minDuration), nil
}

// availabilityRanges returns the tutor's availability over every date
// touched by [start, end) as absolute ranges. Windows touching at midnight
// are joined, so a booking across midnight fits a contiguous range.
func availabilityRanges(ctx context.Context, avail calendar.AvailabilityStore, tutorID calendar.TutorID, start, end time.Time, loc *time.Location) (calendar.TimeRanges, error) {
	dates := calendar.DatesSpanned(start, end, loc)
	if len(dates) == 0 {
		return nil, nil
	}

	rules, err := avail.GetRules(ctx, tutorID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", tutorID, err)
	}
	excs, err := avail.GetExceptionsInRange(ctx, tutorID, calendar.DateRange{From: dates[0], To: dates[len(dates)-1]})
	if err != nil {
		return nil, fmt.Errorf("load exceptions for %s: %w", tutorID, err)
	}

	var ranges calendar.TimeRanges
	for _, d := range dates {
		for _, w := range calendar.ExpandDay(d, rules, excs, 0) {
			ranges = append(ranges, w.Range(loc))
		}
	}
	return ranges.Coalesce(), nil
}
