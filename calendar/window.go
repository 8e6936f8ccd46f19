/*
window.go - Half-open interval algebra for availability windows

PURPOSE:
  Every availability computation in the engine reduces to a handful of
  operations on sorted sets of half-open intervals:

    Union     rules + additive exceptions
    Subtract  carve-outs and existing bookings
    Coalesce  merge touching/overlapping intervals
    Filter    drop intervals shorter than a minimum duration

  Two flavours exist:
    Span       [Start, End) in wall-clock minutes on one date
    TimeRange  [Start, End) in absolute instants (bookings, reservations)

INVARIANTS (for any Spans value returned by this file):
  1. Sorted by Start
  2. Non-overlapping and non-touching (coalesced)
  3. Every span has Start < End

EXAMPLE:
  base := Spans{{Start: NewClock(9, 0), End: NewClock(17, 0)}}
  lunch := Span{Start: NewClock(12, 0), End: NewClock(13, 0)}
  base.Subtract(lunch) // [09:00,12:00) [13:00,17:00)

SEE ALSO:
  - expand.go: Uses these operations to build FreeWindows
  - booking/reservation.go: Subtracts bookings and slices candidates
*/
package calendar

import (
	"sort"
	"time"
)

// =============================================================================
// SPAN - Wall-clock interval within a single date
// =============================================================================

// Span is the half-open interval [Start, End) of wall-clock minutes.
type Span struct {
	Start Clock
	End   Clock
}

func (s Span) Minutes() int { return int(s.End - s.Start) }
func (s Span) Empty() bool { return s.End <= s.Start }
func (s Span) Valid() bool { return s.Start.Valid() && s.End.Valid() && s.Start < s.End }
func (s Span) Overlaps(o Span) bool { return s.Start < o.End && o.Start < s.End }

// Touches reports whether the spans overlap or share a boundary.
func (s Span) Touches(o Span) bool { return s.Start <= o.End && o.Start <= s.End }

func (s Span) Contains(o Span) bool { return s.Start <= o.Start && o.End <= s.End }

func (s Span) String() string { return "[" + s.Start.String() + "," + s.End.String() + ")" }

// Spans is a set of wall-clock intervals.
type Spans []Span

// Normalize returns a sorted, coalesced copy without empty spans.
func (ss Spans) Normalize() Spans {
	out := make(Spans, 0, len(ss))
	for _, s := range ss {
		if !s.Empty() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start == out[j].Start {
			return out[i].End < out[j].End
		}
		return out[i].Start < out[j].Start
	})

	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 && merged[n-1].Touches(s) {
			if s.End > merged[n-1].End {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Union adds spans to the set, merging adjacent and overlapping ones.
func (ss Spans) Union(add ...Span) Spans {
	all := make(Spans, 0, len(ss)+len(add))
	all = append(all, ss...)
	all = append(all, add...)
	return all.Normalize()
}

// Subtract removes cut from every span, splitting spans that straddle it.
func (ss Spans) Subtract(cut Span) Spans {
	if cut.Empty() {
		return ss.Normalize()
	}
	out := make(Spans, 0, len(ss)+1)
	for _, s := range ss.Normalize() {
		if !s.Overlaps(cut) {
			out = append(out, s)
			continue
		}
		if s.Start < cut.Start {
			out = append(out, Span{Start: s.Start, End: cut.Start})
		}
		if cut.End < s.End {
			out = append(out, Span{Start: cut.End, End: s.End})
		}
	}
	return out
}

// SubtractAll removes every span in cuts.
func (ss Spans) SubtractAll(cuts Spans) Spans {
	out := ss.Normalize()
	for _, c := range cuts {
		out = out.Subtract(c)
	}
	return out
}

// AtLeast drops spans shorter than minMinutes.
func (ss Spans) AtLeast(minMinutes int) Spans {
	out := make(Spans, 0, len(ss))
	for _, s := range ss {
		if s.Minutes() >= minMinutes {
			out = append(out, s)
		}
	}
	return out
}

// FindContaining returns the span that fully contains target.
func (ss Spans) FindContaining(target Span) (Span, bool) {
	for _, s := range ss {
		if s.Contains(target) {
			return s, true
		}
	}
	return Span{}, false
}

// =============================================================================
// TIME RANGE - Absolute interval (bookings)
// =============================================================================

// TimeRange is the half-open interval [Start, End) of instants.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }
func (r TimeRange) Empty() bool { return !r.Start.Before(r.End) }

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

func (r TimeRange) Contains(o TimeRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// ClipTo returns the portion of r that falls on date d, as wall-clock minutes.
// Partial minutes are rounded outward so a clipped booking never shrinks.
func (r TimeRange) ClipTo(d Date, loc *time.Location) (Span, bool) {
	dayStart, dayEnd := d.Bounds(loc)
	clipped := TimeRange{Start: r.Start, End: r.End}
	if clipped.Start.Before(dayStart) {
		clipped.Start = dayStart
	}
	if clipped.End.After(dayEnd) {
		clipped.End = dayEnd
	}
	if clipped.Empty() {
		return Span{}, false
	}

	start := clipped.Start.In(loc)
	startMin := Clock(start.Hour()*60 + start.Minute())

	var endMin Clock
	if clipped.End.Equal(dayEnd) {
		endMin = EndOfDay
	} else {
		end := clipped.End.In(loc)
		endMin = Clock(end.Hour()*60 + end.Minute())
		if end.Second() > 0 || end.Nanosecond() > 0 {
			endMin++
		}
	}
	return Span{Start: startMin, End: endMin}, true
}

// TimeRanges is a set of absolute intervals.
type TimeRanges []TimeRange

// Coalesce sorts and merges touching/overlapping ranges.
func (rs TimeRanges) Coalesce() TimeRanges {
	out := make(TimeRanges, 0, len(rs))
	for _, r := range rs {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && !r.Start.After(merged[n-1].End) {
			if r.End.After(merged[n-1].End) {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// FindContaining returns the range that fully contains target.
func (rs TimeRanges) FindContaining(target TimeRange) (TimeRange, bool) {
	for _, r := range rs {
		if r.Contains(target) {
			return r, true
		}
	}
	return TimeRange{}, false
}
