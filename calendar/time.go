package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CLOCK - Wall-clock time of day (no date)
// =============================================================================

// Clock is a tutor-local time of day in minutes since midnight.
// Valid values are [0, 1440]; 1440 ("24:00") is only meaningful as an end.
type Clock int

const (
	Midnight Clock = 0
	EndOfDay Clock = 24 * 60
)

// NewClock builds a Clock from hour and minute.
func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

// ParseClock parses "HH:MM". "24:00" is accepted as end of day.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid time of day %q (use HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time of day out of range: %q", s)
	}
	return NewClock(h, m), nil
}

func (c Clock) Hour() int { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }
func (c Clock) Valid() bool { return c >= Midnight && c <= EndOfDay }

func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// =============================================================================
// DATE - A calendar day with no time of day
// =============================================================================

// Date is a civil date. The zero value is not a valid date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const DateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD)", s)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

// midnightUTC is used for date arithmetic only; it has no wall-clock meaning.
func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Weekday() time.Weekday { return d.midnightUTC().Weekday() }
func (d Date) AddDays(n int) Date { return DateOf(d.midnightUTC().AddDate(0, 0, n)) }

func (d Date) Before(other Date) bool { return d.midnightUTC().Before(other.midnightUTC()) }
func (d Date) After(other Date) bool { return d.midnightUTC().After(other.midnightUTC()) }
func (d Date) Equal(other Date) bool { return d == other }

// DaysUntil returns the number of days from d to other (negative if other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.midnightUTC().Sub(d.midnightUTC()).Hours() / 24)
}

// At returns the instant of the wall-clock time c on date d in loc.
// Clock 24:00 normalizes to midnight of the following day. A wall clock
// skipped by a daylight-saving jump resolves to the end of the gap.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
	want := time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, time.UTC)
	if got := t.In(loc); wallUTC(got).Equal(want) {
		return t
	}
	if _, end := t.ZoneBounds(); !end.IsZero() {
		return end
	}
	return t
}

// wallUTC reinterprets t's wall clock in UTC.
func wallUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Bounds returns [start of day, start of next day) in loc.
func (d Date) Bounds(loc *time.Location) (time.Time, time.Time) {
	return d.At(Midnight, loc), d.AddDays(1).At(Midnight, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is an inclusive range of dates [From, To].
type DateRange struct {
	From Date
	To   Date
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

// Days returns every date in the range.
func (r DateRange) Days() []Date {
	var days []Date
	for cur := r.From; !cur.After(r.To); cur = cur.AddDays(1) {
		days = append(days, cur)
	}
	return days
}

// Len returns the number of days in the range.
func (r DateRange) Len() int { return r.From.DaysUntil(r.To) + 1 }

func (r DateRange) String() string { return "[" + r.From.String() + ", " + r.To.String() + "]" }

// DatesSpanned returns every date touched by the half-open instant range
// [start, end) when viewed in loc.
func DatesSpanned(start, end time.Time, loc *time.Location) []Date {
	if loc == nil {
		loc = time.UTC
	}
	first := DateOf(start.In(loc))
	last := DateOf(end.Add(-time.Nanosecond).In(loc))
	if last.Before(first) {
		last = first
	}
	return DateRange{From: first, To: last}.Days()
}
