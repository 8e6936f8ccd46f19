/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers distinguish "fix your input" from "try again" from "pick a
  different time" with errors.Is / errors.As, never by string matching.

ERROR CATEGORIES:
  1. ValidationError  - malformed input, rejected before any store access
  2. ConflictError    - reservation refused (outside-availability,
                        double-booked, timeout)
  3. NotFoundError    - referenced tutor/session/rule does not exist
  4. TransitionError  - session state machine refused a transition
  5. ForbiddenError   - actor is not a participant of the session

RETRY POLICY:
  Only ConflictError{timeout} is retryable. Everything else is either the
  caller's fault or a genuine conflict the user has to resolve.

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP statuses
  - booking/reservation.go: Produces ConflictError
*/
package calendar

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is the root of all reservation conflicts.
	ErrConflict = errors.New("reservation conflict")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the session state machine refuses a move.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrForbidden is returned when the actor is not allowed to act on a session.
	ErrForbidden = errors.New("forbidden")

	// ErrLockTimeout is returned by stores when the per-tutor lock could not be
	// acquired in time. The engine converts it to ConflictError{timeout}.
	ErrLockTimeout = errors.New("tutor lock not acquired in time")

	// ErrStatusMismatch is returned by stores when a compare-and-set status
	// update finds a status other than the expected ones.
	ErrStatusMismatch = errors.New("session status changed concurrently")

	// ErrOverlap is returned by stores whose own constraints detect an
	// overlapping active session on insert.
	ErrOverlap = errors.New("overlapping active session")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictReason says why a reservation was refused.
type ConflictReason string

const (
	ConflictOutsideAvailability ConflictReason = "outside-availability"
	ConflictDoubleBooked        ConflictReason = "double-booked"
	ConflictTimeout             ConflictReason = "timeout"
)

// ConflictError is returned by Reserve (and Reschedule) when the requested
// range cannot be booked.
type ConflictError struct {
	Reason      ConflictReason
	TutorID     TutorID
	Start       time.Time
	End         time.Time
	Conflicting []SessionID
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ConflictDoubleBooked:
		return fmt.Sprintf("tutor %s already booked in [%s, %s)", e.TutorID,
			e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	case ConflictTimeout:
		return fmt.Sprintf("tutor %s is busy, retry later", e.TutorID)
	default:
		return fmt.Sprintf("[%s, %s) is outside tutor %s availability",
			e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.TutorID)
	}
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Retryable reports whether the same request may succeed later unchanged.
func (e *ConflictError) Retryable() bool { return e.Reason == ConflictTimeout }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "tutor", "session", "rule", "exception"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind string, id any) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// TransitionReason qualifies a TransitionError.
type TransitionReason string

const (
	TransitionNotAllowed TransitionReason = "invalid-transition"
	TransitionTooEarly   TransitionReason = "too-early"
	TransitionTooLate    TransitionReason = "too-late"
)

// TransitionError is returned when a session cannot move from its current status.
type TransitionError struct {
	SessionID SessionID
	From      SessionStatus
	To        SessionStatus
	Reason    TransitionReason
}

func (e *TransitionError) Error() string {
	switch e.Reason {
	case TransitionTooEarly:
		return fmt.Sprintf("session %s cannot move to %s before its start time", e.SessionID, e.To)
	case TransitionTooLate:
		return fmt.Sprintf("session %s cannot move to %s after its end time", e.SessionID, e.To)
	}
	return fmt.Sprintf("session %s cannot move from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ForbiddenError is returned when actor is not a participant.
type ForbiddenError struct {
	SessionID SessionID
	ActorID   string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %q is not a participant of session %s", e.ActorID, e.SessionID)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Retryable()
	}
	return errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the caller's input or
// a conflict the caller must resolve.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden) ||
		(errors.Is(err, ErrConflict) && !IsRetryable(err))
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ConflictReasonOf returns the conflict reason carried by err, if any.
func ConflictReasonOf(err error) (ConflictReason, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Reason, true
	}
	return "", false
}
