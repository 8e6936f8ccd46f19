/*
lifecycle.go - Session state machine

STATES:
  scheduled -> in_progress -> completed
  scheduled | in_progress -> cancelled
  completed, cancelled are terminal

RULES:
  - Only participants (tutor or student) may act on a session
  - Start is allowed between the session's start and end, and is idempotent
  - Complete also accepts a session already completed lazily, and attaches
    the notes if it has none
  - An in_progress session whose end has passed is completed lazily the
    next time it is read; there is no background poller
  - Every status write is compare-and-set, so two concurrent transitions
    cannot both succeed

RESCHEDULE:
  Cancel the old session and reserve the new range in one tutor-locked
  transaction. If the new range conflicts, the cancellation is rolled back.
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

// Lifecycle owns session status transitions.
type Lifecycle struct {
	engine *ReservationEngine
	store  calendar.Store
	deps
}

// NewLifecycle shares the engine's store, clock and logger.
func NewLifecycle(engine *ReservationEngine) *Lifecycle {
	return &Lifecycle{engine: engine, store: engine.store, deps: engine.deps}
}

// =============================================================================
// READS (with lazy completion)
// =============================================================================

// Get returns the session, completing it first if its time is over.
func (l *Lifecycle) Get(ctx context.Context, id calendar.SessionID) (calendar.BookedSession, error) {
	if id == "" {
		return calendar.BookedSession{}, calendar.Invalid("session_id", "is required")
	}
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	return l.settle(ctx, s)
}

// ListForTutor returns the tutor's sessions ordered by start.
func (l *Lifecycle) ListForTutor(ctx context.Context, tutorID calendar.TutorID, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	if tutorID == "" {
		return nil, calendar.Invalid("tutor_id", "is required")
	}
	f.TutorID = tutorID
	return l.list(ctx, f)
}

// ListForStudent returns the student's sessions ordered by start.
func (l *Lifecycle) ListForStudent(ctx context.Context, studentID calendar.StudentID, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	if studentID == "" {
		return nil, calendar.Invalid("student_id", "is required")
	}
	f.StudentID = studentID
	return l.list(ctx, f)
}

func (l *Lifecycle) list(ctx context.Context, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	sessions, err := l.store.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for i, s := range sessions {
		settled, err := l.settle(ctx, s)
		if err != nil {
			return nil, err
		}
		sessions[i] = settled
	}
	return sessions, nil
}

// settle applies lazy auto-completion.
func (l *Lifecycle) settle(ctx context.Context, s calendar.BookedSession) (calendar.BookedSession, error) {
	if s.Status != calendar.StatusInProgress || l.now().Before(s.End) {
		return s, nil
	}
	done, err := l.store.UpdateStatus(ctx, s.ID, calendar.StatusUpdate{
		Expect: []calendar.SessionStatus{calendar.StatusInProgress},
		To:     calendar.StatusCompleted,
		At:     s.End,
	})
	if errors.Is(err, calendar.ErrStatusMismatch) {
		// Someone else moved it first; report what is stored now.
		return l.store.Get(ctx, s.ID)
	}
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("auto-complete session %s: %w", s.ID, err)
	}
	l.log.Info("session auto-completed", zap.String("session_id", string(s.ID)))
	return done, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Start moves a scheduled session to in_progress.
func (l *Lifecycle) Start(ctx context.Context, id calendar.SessionID, actorID string) (calendar.BookedSession, error) {
	s, err := l.authorize(ctx, id, actorID)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	switch s.Status {
	case calendar.StatusInProgress:
		return s, nil
	case calendar.StatusScheduled:
	default:
		return calendar.BookedSession{}, transition(s, calendar.StatusInProgress, calendar.TransitionNotAllowed)
	}

	now := l.now()
	if now.Before(s.Start) {
		return calendar.BookedSession{}, transition(s, calendar.StatusInProgress, calendar.TransitionTooEarly)
	}
	// A session never started before its end was a no-show.
	if !now.Before(s.End) {
		return calendar.BookedSession{}, transition(s, calendar.StatusInProgress, calendar.TransitionTooLate)
	}

	started, err := l.store.UpdateStatus(ctx, id, calendar.StatusUpdate{
		Expect:  []calendar.SessionStatus{calendar.StatusScheduled},
		To:      calendar.StatusInProgress,
		At:      now.UTC(),
		ActorID: actorID,
	})
	if errors.Is(err, calendar.ErrStatusMismatch) {
		current, getErr := l.store.Get(ctx, id)
		if getErr != nil {
			return calendar.BookedSession{}, getErr
		}
		if current.Status == calendar.StatusInProgress {
			return current, nil
		}
		return calendar.BookedSession{}, transition(current, calendar.StatusInProgress, calendar.TransitionNotAllowed)
	}
	if err != nil {
		return calendar.BookedSession{}, fmt.Errorf("start session %s: %w", id, err)
	}

	l.logTransition(started, actorID)
	return started, nil
}

// Complete moves an in_progress session to completed with optional notes.
// It reads the stored status without lazy completion, so a session whose
// end has just passed still takes the caller's notes.
func (l *Lifecycle) Complete(ctx context.Context, id calendar.SessionID, actorID, notes string) (calendar.BookedSession, error) {
	s, err := l.participant(ctx, id, actorID)
	if err != nil {
		return calendar.BookedSession{}, err
	}

	switch s.Status {
	case calendar.StatusInProgress:
		at := l.now().UTC()
		if at.After(s.End) {
			at = s.End
		}
		done, err := l.store.UpdateStatus(ctx, id, calendar.StatusUpdate{
			Expect:  []calendar.SessionStatus{calendar.StatusInProgress},
			To:      calendar.StatusCompleted,
			At:      at,
			ActorID: actorID,
			Notes:   notes,
		})
		if errors.Is(err, calendar.ErrStatusMismatch) {
			// Lost to lazy completion or another caller.
			current, getErr := l.store.Get(ctx, id)
			if getErr != nil {
				return calendar.BookedSession{}, getErr
			}
			if current.Status == calendar.StatusCompleted {
				return l.attachNotes(ctx, current, actorID, notes)
			}
			return calendar.BookedSession{}, transition(current, calendar.StatusCompleted, calendar.TransitionNotAllowed)
		}
		if err != nil {
			return calendar.BookedSession{}, fmt.Errorf("complete session %s: %w", id, err)
		}
		l.logTransition(done, actorID)
		return done, nil
	case calendar.StatusCompleted:
		return l.attachNotes(ctx, s, actorID, notes)
	default:
		return calendar.BookedSession{}, transition(s, calendar.StatusCompleted, calendar.TransitionNotAllowed)
	}
}

// attachNotes makes Complete idempotent on a completed session. Notes are
// written once; a different second set is refused.
func (l *Lifecycle) attachNotes(ctx context.Context, s calendar.BookedSession, actorID, notes string) (calendar.BookedSession, error) {
	if notes == "" || notes == s.Notes {
		return s, nil
	}
	if s.Notes != "" || s.CompletedAt == nil {
		return calendar.BookedSession{}, transition(s, calendar.StatusCompleted, calendar.TransitionNotAllowed)
	}
	done, err := l.store.UpdateStatus(ctx, s.ID, calendar.StatusUpdate{
		Expect:  []calendar.SessionStatus{calendar.StatusCompleted},
		To:      calendar.StatusCompleted,
		At:      *s.CompletedAt,
		ActorID: actorID,
		Notes:   notes,
	})
	if err != nil {
		return calendar.BookedSession{}, l.casError(ctx, s.ID, calendar.StatusCompleted, err)
	}
	l.log.Info("session notes attached",
		zap.String("session_id", string(s.ID)),
		zap.String("actor_id", actorID),
	)
	return done, nil
}

// Cancel releases the session's time range.
func (l *Lifecycle) Cancel(ctx context.Context, id calendar.SessionID, actorID, reason string) (calendar.BookedSession, error) {
	s, err := l.authorize(ctx, id, actorID)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	if !s.Status.IsActive() {
		return calendar.BookedSession{}, transition(s, calendar.StatusCancelled, calendar.TransitionNotAllowed)
	}

	cancelled, err := l.store.UpdateStatus(ctx, id, calendar.StatusUpdate{
		Expect:  calendar.ActiveStatuses,
		To:      calendar.StatusCancelled,
		At:      l.now().UTC(),
		ActorID: actorID,
		Reason:  reason,
	})
	if err != nil {
		return calendar.BookedSession{}, l.casError(ctx, id, calendar.StatusCancelled, err)
	}
	l.logTransition(cancelled, actorID)
	return cancelled, nil
}

// Reschedule cancels a scheduled session and books [newStart, newEnd) for
// the same tutor, student and subject, atomically.
func (l *Lifecycle) Reschedule(ctx context.Context, id calendar.SessionID, actorID string, newStart, newEnd time.Time) (old, replacement calendar.BookedSession, err error) {
	s, err := l.authorize(ctx, id, actorID)
	if err != nil {
		return calendar.BookedSession{}, calendar.BookedSession{}, err
	}
	if s.Status != calendar.StatusScheduled {
		return calendar.BookedSession{}, calendar.BookedSession{}, transition(s, calendar.StatusCancelled, calendar.TransitionNotAllowed)
	}

	req := ReserveRequest{TutorID: s.TutorID, StudentID: s.StudentID, SubjectID: s.SubjectID, Start: newStart, End: newEnd}
	if err := l.engine.validate(req); err != nil {
		return calendar.BookedSession{}, calendar.BookedSession{}, err
	}

	err = l.store.WithTutorLock(ctx, s.TutorID, l.cfg.LockTimeout, func(ctx context.Context, tx calendar.Tx) error {
		cancelled, err := tx.Ledger().UpdateStatus(ctx, id, calendar.StatusUpdate{
			Expect:  []calendar.SessionStatus{calendar.StatusScheduled},
			To:      calendar.StatusCancelled,
			At:      l.now().UTC(),
			ActorID: actorID,
			Reason:  "rescheduled",
		})
		if errors.Is(err, calendar.ErrStatusMismatch) {
			current, getErr := tx.Ledger().Get(ctx, id)
			if getErr != nil {
				return getErr
			}
			return transition(current, calendar.StatusCancelled, calendar.TransitionNotAllowed)
		}
		if err != nil {
			return fmt.Errorf("cancel session %s: %w", id, err)
		}

		booked, err := l.engine.reserveLocked(ctx, tx, req, id)
		if err != nil {
			return err
		}
		old, replacement = cancelled, booked
		return nil
	})
	if err = lockError(err, s.TutorID, newStart, newEnd); err != nil {
		l.engine.logRefusal(req, err)
		return calendar.BookedSession{}, calendar.BookedSession{}, err
	}

	l.log.Info("session rescheduled",
		zap.String("session_id", string(old.ID)),
		zap.String("new_session_id", string(replacement.ID)),
		zap.String("actor_id", actorID),
		zap.Time("start", replacement.Start),
	)
	return old, replacement, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// authorize loads and settles the session and checks actorID takes part in it.
func (l *Lifecycle) authorize(ctx context.Context, id calendar.SessionID, actorID string) (calendar.BookedSession, error) {
	s, err := l.participant(ctx, id, actorID)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	return l.settle(ctx, s)
}

// participant loads the stored session as is and checks actorID takes part in it.
func (l *Lifecycle) participant(ctx context.Context, id calendar.SessionID, actorID string) (calendar.BookedSession, error) {
	if id == "" {
		return calendar.BookedSession{}, calendar.Invalid("session_id", "is required")
	}
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return calendar.BookedSession{}, err
	}
	if !s.IsParticipant(actorID) {
		return calendar.BookedSession{}, &calendar.ForbiddenError{SessionID: id, ActorID: actorID}
	}
	return s, nil
}

// casError turns a lost compare-and-set into a TransitionError against the
// status that won.
func (l *Lifecycle) casError(ctx context.Context, id calendar.SessionID, to calendar.SessionStatus, err error) error {
	if !errors.Is(err, calendar.ErrStatusMismatch) {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	current, getErr := l.store.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return transition(current, to, calendar.TransitionNotAllowed)
}

func transition(s calendar.BookedSession, to calendar.SessionStatus, reason calendar.TransitionReason) *calendar.TransitionError {
	return &calendar.TransitionError{SessionID: s.ID, From: s.Status, To: to, Reason: reason}
}

func (l *Lifecycle) logTransition(s calendar.BookedSession, actorID string) {
	l.log.Info("session transition",
		zap.String("session_id", string(s.ID)),
		zap.String("status", string(s.Status)),
		zap.String("actor_id", actorID),
	)
}
