/*
reservation.go - Bookable slots and atomic reservations

PURPOSE:
  Answers "when can I book" (advisory) and "book this" (authoritative).
  ListBookableSlots is a read: it may be stale the moment it returns.
  Reserve re-checks everything under the tutor lock and is the only place
  a session comes into existence.

RESERVE ALGORITHM:
  1. Validate input (no store access)
  2. Tutor must exist
  3. Under WithTutorLock:
       a. availability ranges for every date spanned by [start, end)
       b. active sessions overlapping [start, end)
       c. overlap found           -> ConflictError{double-booked}
          not inside availability -> ConflictError{outside-availability}
       d. insert status=scheduled
  4. Lock not acquired in time -> ConflictError{timeout}

SLOTS:
  free = windows(date) - clip(active sessions, date)
  candidates start at each free sub-window's start and step by the slot
  granularity; a candidate must fit entirely and start after now.

SEE ALSO:
  - lifecycle.go: Reschedule reuses reserveLocked
  - calendar/store.go: WithTutorLock contract
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/calendar"
)

// ReserveRequest asks for a session on the tutor's calendar.
type ReserveRequest struct {
	TutorID   calendar.TutorID
	StudentID calendar.StudentID
	SubjectID calendar.SubjectID
	Start     time.Time
	End       time.Time
}

// ReservationEngine lists bookable slots and commits reservations.
type ReservationEngine struct {
	store calendar.Store
	gen   *Generator
	deps
}

func NewReservationEngine(st calendar.Store, cfg Config, opts ...Option) *ReservationEngine {
	d := newDeps(cfg, opts)
	return &ReservationEngine{
		store: st,
		gen:   NewGenerator(st, st, d.cfg),
		deps:  d,
	}
}

// Generator returns the engine's window generator.
func (e *ReservationEngine) Generator() *Generator { return e.gen }

// Config returns the effective configuration.
func (e *ReservationEngine) Config() Config { return e.cfg }

// =============================================================================
// BOOKABLE SLOTS
// =============================================================================

// ListBookableSlots returns duration-sized slots on date not taken by any
// active session. Advisory: it never waits on the tutor lock.
func (e *ReservationEngine) ListBookableSlots(ctx context.Context, tutorID calendar.TutorID, date calendar.Date, durationMinutes int) ([]calendar.BookableSlot, error) {
	if tutorID == "" {
		return nil, calendar.Invalid("tutor_id", "is required")
	}
	if date.IsZero() {
		return nil, calendar.Invalid("date", "is required")
	}
	if !e.cfg.durationAllowed(durationMinutes) {
		return nil, calendar.Invalid("duration", "%d minutes is not an allowed duration %v", durationMinutes, e.cfg.AllowedDurations)
	}

	windows, err := e.gen.ComputeAvailableWindows(ctx, tutorID, date, durationMinutes)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return []calendar.BookableSlot{}, nil
	}

	loc := e.cfg.Location
	dayStart, dayEnd := date.Bounds(loc)
	booked, err := e.store.FindOverlapping(ctx, tutorID, dayStart, dayEnd, calendar.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s on %s: %w", tutorID, date, err)
	}
	var taken calendar.Spans
	for _, s := range booked {
		if sp, ok := s.Range().ClipTo(date, loc); ok {
			taken = append(taken, sp)
		}
	}

	free := calendar.WindowSpans(windows).SubtractAll(taken).AtLeast(durationMinutes)
	now := e.now()
	length := time.Duration(durationMinutes) * time.Minute

	slots := []calendar.BookableSlot{}
	for _, sp := range free {
		for start := sp.Start; start.Add(durationMinutes) <= sp.End; start = start.Add(e.cfg.SlotGranularity) {
			end := start.Add(durationMinutes)
			slot := calendar.BookableSlot{
				Date:      date,
				StartTime: start,
				EndTime:   end,
				Start:     date.At(start, loc),
				End:       date.At(end, loc),
			}
			// Daylight-saving days stretch or shrink some wall-clock slots.
			if slot.End.Sub(slot.Start) != length || !slot.Start.After(now) {
				continue
			}
			if overlapsAny(booked, calendar.TimeRange{Start: slot.Start, End: slot.End}) {
				continue
			}
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

func overlapsAny(sessions []calendar.BookedSession, r calendar.TimeRange) bool {
	for _, s := range sessions {
		if s.Range().Overlaps(r) {
			return true
		}
	}
	return false
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve atomically books [req.Start, req.End) for the student.
func (e *ReservationEngine) Reserve(ctx context.Context, req ReserveRequest) (calendar.BookedSession, error) {
	if err := e.validate(req); err != nil {
		return calendar.BookedSession{}, err
	}
	if _, err := e.store.GetTutor(ctx, req.TutorID); err != nil {
		return calendar.BookedSession{}, err
	}

	var booked calendar.BookedSession
	err := e.store.WithTutorLock(ctx, req.TutorID, e.cfg.LockTimeout, func(ctx context.Context, tx calendar.Tx) error {
		s, err := e.reserveLocked(ctx, tx, req, "")
		if err != nil {
			return err
		}
		booked = s
		return nil
	})
	if err = lockError(err, req.TutorID, req.Start, req.End); err != nil {
		e.logRefusal(req, err)
		return calendar.BookedSession{}, err
	}

	e.log.Info("session reserved",
		zap.String("session_id", string(booked.ID)),
		zap.String("tutor_id", string(booked.TutorID)),
		zap.String("student_id", string(booked.StudentID)),
		zap.Time("start", booked.Start),
		zap.Time("end", booked.End),
	)
	return booked, nil
}

func (e *ReservationEngine) validate(req ReserveRequest) error {
	switch {
	case req.TutorID == "":
		return calendar.Invalid("tutor_id", "is required")
	case req.StudentID == "":
		return calendar.Invalid("student_id", "is required")
	case req.SubjectID == "":
		return calendar.Invalid("subject_id", "is required")
	case req.Start.IsZero() || req.End.IsZero():
		return calendar.Invalid("start", "start and end are required")
	case !req.Start.Before(req.End):
		return calendar.Invalid("end", "must be after start")
	}

	d := req.End.Sub(req.Start)
	if d%time.Minute != 0 {
		return calendar.Invalid("end", "duration must be a whole number of minutes")
	}
	if minutes := int(d / time.Minute); !e.cfg.durationAllowed(minutes) {
		return calendar.Invalid("end", "%d minutes is not an allowed duration %v", minutes, e.cfg.AllowedDurations)
	}
	if !req.Start.After(e.now()) {
		return calendar.Invalid("start", "must be in the future")
	}
	return nil
}

// reserveLocked runs the conflict check and insert. Must be called inside
// WithTutorLock for req.TutorID.
func (e *ReservationEngine) reserveLocked(ctx context.Context, tx calendar.Tx, req ReserveRequest, from calendar.SessionID) (calendar.BookedSession, error) {
	ranges, err := availabilityRanges(ctx, tx.Availability(), req.TutorID, req.Start, req.End, e.cfg.Location)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	want := calendar.TimeRange{Start: req.Start, End: req.End}

	overlapping, err := tx.Ledger().FindOverlapping(ctx, req.TutorID, req.Start, req.End, calendar.ActiveStatuses)
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("check overlaps for %s: %w", req.TutorID, err)
	}
	if len(overlapping) > 0 {
		ids := make([]calendar.SessionID, 0, len(overlapping))
		for _, s := range overlapping {
			ids = append(ids, s.ID)
		}
		return calendar.BookedSession{}, &calendar.ConflictError{
			Reason:      calendar.ConflictDoubleBooked,
			TutorID:     req.TutorID,
			Start:       req.Start,
			End:         req.End,
			Conflicting: ids,
		}
	}
	if _, ok := ranges.FindContaining(want); !ok {
		return calendar.BookedSession{}, &calendar.ConflictError{
			Reason:  calendar.ConflictOutsideAvailability,
			TutorID: req.TutorID,
			Start:   req.Start,
			End:     req.End,
		}
	}

	e.warnStudentOverlap(ctx, tx, req)

	now := e.now().UTC()
	inserted, err := tx.Ledger().Insert(ctx, calendar.BookedSession{
		ID:              e.newID(),
		TutorID:         req.TutorID,
		StudentID:       req.StudentID,
		SubjectID:       req.SubjectID,
		Start:           req.Start,
		End:             req.End,
		Status:          calendar.StatusScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
		RescheduledFrom: from,
	})
	if errors.Is(err, calendar.ErrOverlap) {
		return calendar.BookedSession{}, &calendar.ConflictError{
			Reason:  calendar.ConflictDoubleBooked,
			TutorID: req.TutorID,
			Start:   req.Start,
			End:     req.End,
		}
	}
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("insert session: %w", err)
	}
	return inserted, nil
}

// warnStudentOverlap logs when the student already holds an overlapping
// session with any tutor. Not enforced.
func (e *ReservationEngine) warnStudentOverlap(ctx context.Context, tx calendar.Tx, req ReserveRequest) {
	from, to := req.Start, req.End
	clash, err := tx.Ledger().ListSessions(ctx, calendar.SessionFilter{
		StudentID: req.StudentID,
		Statuses:  calendar.ActiveStatuses,
		From:      &from,
		To:        &to,
		Limit:     1,
	})
	if err != nil || len(clash) == 0 {
		return
	}
	e.log.Warn("student already booked in this range",
		zap.String("student_id", string(req.StudentID)),
		zap.String("other_session_id", string(clash[0].ID)),
		zap.String("other_tutor_id", string(clash[0].TutorID)),
	)
}

func (e *ReservationEngine) logRefusal(req ReserveRequest, err error) {
	fields := []zap.Field{
		zap.String("tutor_id", string(req.TutorID)),
		zap.String("student_id", string(req.StudentID)),
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
	}
	if reason, ok := calendar.ConflictReasonOf(err); ok {
		e.log.Info("reservation refused", append(fields, zap.String("reason", string(reason)))...)
		return
	}
	if calendar.IsClientError(err) || calendar.IsNotFound(err) {
		return
	}
	e.log.Error("reservation failed", append(fields, zap.Error(err))...)
}
