/*
store.go - Persistence contracts for availability and bookings

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never issues SQL and never touches shared mutable state directly; every
  read and write goes through these contracts so the reservation engine's
  transactional behaviour can be tested against an in-memory fake.

KEY INTERFACES:
  AvailabilityStore: Recurring rules and date exceptions (pure storage)
  BookingLedger:     Booked sessions, source of truth for "what is taken"
  TutorDirectory:    Tutor existence checks
  UnitOfWork:        Per-tutor mutual exclusion + atomic multi-write scope

NO POLICY IN STORES:
  Stores do not validate overlap between rules, do not check availability,
  and do not decide status transitions. They persist what they are given.
  The only exceptions are storage-level safety nets (e.g. a Postgres
  exclusion constraint) which surface as ErrOverlap.

PER-TUTOR SCOPE:
  WithTutorLock runs fn while holding an exclusive lock keyed by tutor ID
  and inside a store transaction. Two scopes for the same tutor never run
  concurrently; scopes for different tutors never wait on each other.
  If the lock cannot be acquired within wait, ErrLockTimeout is returned
  and fn is not called. If fn returns an error, every write made through
  the Tx is rolled back.

IMPLEMENTATIONS:
  - calendar/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:   Single-node SQLite
  - store/postgres/store.go:  PostgreSQL with advisory locks

SEE ALSO:
  - booking/reservation.go: The only caller of WithTutorLock for inserts
*/
package calendar

import (
	"context"
	"time"
)

// =============================================================================
// AVAILABILITY STORE
// =============================================================================

// AvailabilityStore persists recurring rules and date exceptions per tutor.
// Missing records are reported with a *NotFoundError.
type AvailabilityStore interface {
	// GetRules returns all rules for the tutor ordered by weekday, start.
	GetRules(ctx context.Context, tutorID TutorID) ([]AvailabilityRule, error)

	GetRule(ctx context.Context, tutorID TutorID, id RuleID) (AvailabilityRule, error)

	// GetExceptions returns the exceptions for one date ordered by start.
	GetExceptions(ctx context.Context, tutorID TutorID, date Date) ([]AvailabilityException, error)

	// GetExceptionsInRange returns the exceptions for dates in [r.From, r.To].
	GetExceptionsInRange(ctx context.Context, tutorID TutorID, r DateRange) ([]AvailabilityException, error)

	GetException(ctx context.Context, tutorID TutorID, id ExceptionID) (AvailabilityException, error)

	CreateRule(ctx context.Context, rule AvailabilityRule) (AvailabilityRule, error)
	UpdateRule(ctx context.Context, rule AvailabilityRule) (AvailabilityRule, error)
	DeleteRule(ctx context.Context, tutorID TutorID, id RuleID) error

	// ReplaceRules atomically swaps the tutor's whole weekly pattern.
	ReplaceRules(ctx context.Context, tutorID TutorID, rules []AvailabilityRule) ([]AvailabilityRule, error)

	CreateException(ctx context.Context, exc AvailabilityException) (AvailabilityException, error)
	UpdateException(ctx context.Context, exc AvailabilityException) (AvailabilityException, error)
	DeleteException(ctx context.Context, tutorID TutorID, id ExceptionID) error
}

// =============================================================================
// BOOKING LEDGER
// =============================================================================

// BookingLedger persists booked sessions.
type BookingLedger interface {
	// FindOverlapping returns the tutor's sessions whose [Start, End) intersects
	// [start, end) and whose status is one of statuses, ordered by Start.
	FindOverlapping(ctx context.Context, tutorID TutorID, start, end time.Time, statuses []SessionStatus) ([]BookedSession, error)

	// Insert stores a new session. The ID is assigned by the caller.
	Insert(ctx context.Context, session BookedSession) (BookedSession, error)

	// UpdateStatus applies a compare-and-set status change. Returns
	// ErrStatusMismatch (wrapped) if the current status is not in u.Expect.
	UpdateStatus(ctx context.Context, id SessionID, u StatusUpdate) (BookedSession, error)

	Get(ctx context.Context, id SessionID) (BookedSession, error)

	// ListSessions returns sessions matching filter ordered by Start.
	ListSessions(ctx context.Context, filter SessionFilter) ([]BookedSession, error)
}

// =============================================================================
// TUTOR DIRECTORY
// =============================================================================

type TutorDirectory interface {
	SaveTutor(ctx context.Context, tutor Tutor) (Tutor, error)
	GetTutor(ctx context.Context, id TutorID) (Tutor, error)
}

// =============================================================================
// UNIT OF WORK - Per-tutor transactional scope
// =============================================================================

// Tx is the view of the stores available inside a tutor-scoped unit of work.
// All reads observe writes made earlier in the same Tx.
type Tx interface {
	Availability() AvailabilityStore
	Ledger() BookingLedger
}

// UnitOfWork provides per-tutor mutual exclusion around a transaction.
type UnitOfWork interface {
	WithTutorLock(ctx context.Context, tutorID TutorID, wait time.Duration, fn func(ctx context.Context, tx Tx) error) error
}

// Store is everything the engine needs from a persistence layer.
type Store interface {
	AvailabilityStore
	BookingLedger
	TutorDirectory
	UnitOfWork
}
