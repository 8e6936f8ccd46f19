/*
Package calendar provides the core types and algorithms of the booking engine.

PURPOSE:
  This package is storage- and transport-agnostic. It knows how to
  represent a tutor's availability, how to expand it into concrete windows
  for a date, and what a booked session looks like. It defines the store
  contracts that persistence layers implement, but never talks to a
  database itself.

KEY CONCEPTS IN THIS FILE (types.go):
  - AvailabilityRule: weekly-repeating time-of-day window (no date)
  - AvailabilityException: date-specific addition or carve-out
  - BookedSession: a confirmed reservation on the shared calendar
  - FreeWindow / BookableSlot: derived, never persisted

DESIGN PRINCIPLES:
  1. Generation is on demand: nothing derived from rules is stored
  2. Wall-clock semantics: rules are times of day, sessions are instants
     interpreted in the tutor's configured location
  3. Type safety: distinct ID types prevent mixing tutor/student/session IDs

SEE ALSO:
  - window.go: Interval algebra
  - expand.go: Rule + exception expansion
  - store.go: Persistence contracts
*/
package calendar

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TutorID string
type StudentID string
type SubjectID string
type SessionID string
type RuleID int64
type ExceptionID int64

// =============================================================================
// TUTOR
// =============================================================================

// Tutor is the minimal registry entry the engine needs to answer
// "does this tutor exist". Profiles live elsewhere.
type Tutor struct {
	ID        TutorID
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// AvailabilityRule is a weekly-repeating availability window.
type AvailabilityRule struct {
	ID        RuleID
	TutorID   TutorID
	Weekday   time.Weekday // 0 = Sunday, 6 = Saturday
	StartTime Clock
	EndTime   Clock
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r AvailabilityRule) Span() Span { return Span{Start: r.StartTime, End: r.EndTime} }

// AvailabilityException overrides the weekly pattern on one date.
// IsAvailable=true adds a one-off window; false carves time out.
type AvailabilityException struct {
	ID          ExceptionID
	TutorID     TutorID
	Date        Date
	StartTime   Clock
	EndTime     Clock
	IsAvailable bool
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e AvailabilityException) Span() Span { return Span{Start: e.StartTime, End: e.EndTime} }

// FreeWindow is a derived availability window on a date, before bookings
// are subtracted. Recomputed on every query.
type FreeWindow struct {
	Date      Date
	StartTime Clock
	EndTime   Clock
}

func (w FreeWindow) Span() Span { return Span{Start: w.StartTime, End: w.EndTime} }
func (w FreeWindow) Minutes() int { return int(w.EndTime - w.StartTime) }

// Range converts the window to absolute instants in loc.
func (w FreeWindow) Range(loc *time.Location) TimeRange {
	return TimeRange{Start: w.Date.At(w.StartTime, loc), End: w.Date.At(w.EndTime, loc)}
}

// BookableSlot is a duration-sized, start-aligned candidate inside a free
// sub-window.
type BookableSlot struct {
	Date      Date
	StartTime Clock
	EndTime   Clock
	Start     time.Time
	End       time.Time
}

// =============================================================================
// SESSIONS
// =============================================================================

type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
)

// ActiveStatuses are the statuses that occupy the tutor's calendar.
var ActiveStatuses = []SessionStatus{StatusScheduled, StatusInProgress}

func (s SessionStatus) IsActive() bool   { return s == StatusScheduled || s == StatusInProgress }
func (s SessionStatus) IsTerminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// BookedSession is a reservation on the tutor's calendar.
// Start/End are written once by the reservation engine; Status and the
// lifecycle fields are written only by the session lifecycle.
type BookedSession struct {
	ID        SessionID
	TutorID   TutorID
	StudentID StudentID
	SubjectID SubjectID
	Start     time.Time
	End       time.Time
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Lifecycle
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	CancelledBy     string
	CancelReason    string
	Notes           string
	RescheduledFrom SessionID
}

func (s BookedSession) Range() TimeRange { return TimeRange{Start: s.Start, End: s.End} }

func (s BookedSession) DurationMinutes() int { return int(s.End.Sub(s.Start) / time.Minute) }

// IsParticipant reports whether actor is the session's tutor or student.
func (s BookedSession) IsParticipant(actor string) bool {
	return actor != "" && (actor == string(s.TutorID) || actor == string(s.StudentID))
}

// StatusIn reports whether s.Status is one of statuses.
func (s BookedSession) StatusIn(statuses []SessionStatus) bool {
	for _, st := range statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// StatusUpdate is a compare-and-set status change.
// The update applies only if the current status is one of Expect.
type StatusUpdate struct {
	Expect []SessionStatus
	To     SessionStatus
	At     time.Time

	// Optional lifecycle payload
	ActorID string
	Reason  string
	Notes   string
}

// Apply returns s with the update applied. It does not check Expect.
func (u StatusUpdate) Apply(s BookedSession) BookedSession {
	at := u.At
	s.Status = u.To
	s.UpdatedAt = at
	switch u.To {
	case StatusInProgress:
		s.StartedAt = &at
	case StatusCompleted:
		s.CompletedAt = &at
		if u.Notes != "" {
			s.Notes = u.Notes
		}
	case StatusCancelled:
		s.CancelledAt = &at
		s.CancelledBy = u.ActorID
		s.CancelReason = u.Reason
	}
	return s
}

// SessionFilter selects sessions for listings.
type SessionFilter struct {
	TutorID   TutorID
	StudentID StudentID
	Statuses  []SessionStatus
	From      *time.Time // sessions ending after From
	To        *time.Time // sessions starting before To
	Limit     int
}

// Matches reports whether s satisfies the filter.
func (f SessionFilter) Matches(s BookedSession) bool {
	if f.TutorID != "" && s.TutorID != f.TutorID {
		return false
	}
	if f.StudentID != "" && s.StudentID != f.StudentID {
		return false
	}
	if len(f.Statuses) > 0 && !s.StatusIn(f.Statuses) {
		return false
	}
	if f.From != nil && !s.End.After(*f.From) {
		return false
	}
	if f.To != nil && !s.Start.Before(*f.To) {
		return false
	}
	return true
}
