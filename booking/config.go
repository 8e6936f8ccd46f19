/*
Package booking implements the availability and reservation engine.

PURPOSE:
  Sits between the HTTP layer and the stores. Owns every policy decision:
  what is bookable, whether a reservation may be committed, and which
  session status transitions are legal. Stores only persist.

COMPONENTS:
  Generator            - rules + exceptions -> FreeWindows (read only)
  ReservationEngine    - bookable slots, atomic Reserve
  Lifecycle            - session state machine, Reschedule
  AvailabilityManager  - validated rule/exception writes

CONCURRENCY:
  All writes that must observe a consistent calendar run inside
  calendar.UnitOfWork.WithTutorLock. Reads never take the tutor lock.

SEE ALSO:
  - calendar/expand.go: Pure expansion used by Generator
  - calendar/store.go: Store contracts
*/
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds the engine's tunables.
type Config struct {
	// Location interprets rules and exceptions (tutor-local wall clock).
	Location *time.Location

	// SlotGranularity is the step between bookable slot starts, in minutes.
	SlotGranularity int

	// AllowedDurations lists the session lengths a student may book, in minutes.
	AllowedDurations []int

	// LockTimeout bounds how long a write waits for the tutor lock.
	LockTimeout time.Duration

	// MaxRangeDays caps range availability queries.
	MaxRangeDays int
}

func DefaultConfig() Config {
	return Config{
		Location:         time.UTC,
		SlotGranularity:  15,
		AllowedDurations: []int{30, 60, 90, 120, 180},
		LockTimeout:      3 * time.Second,
		MaxRangeDays:     62,
	}
}

// Validate checks the config for values the engine cannot work with.
func (c Config) Validate() error {
	if c.SlotGranularity <= 0 {
		return fmt.Errorf("slot granularity must be positive, got %d", c.SlotGranularity)
	}
	if len(c.AllowedDurations) == 0 {
		return fmt.Errorf("at least one allowed duration is required")
	}
	for _, d := range c.AllowedDurations {
		if d <= 0 || d > 24*60 {
			return fmt.Errorf("allowed duration %d out of range", d)
		}
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock timeout must not be negative")
	}
	return nil
}

func (c Config) durationAllowed(minutes int) bool {
	for _, d := range c.AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Location == nil {
		c.Location = def.Location
	}
	if c.SlotGranularity <= 0 {
		c.SlotGranularity = def.SlotGranularity
	}
	if len(c.AllowedDurations) == 0 {
		c.AllowedDurations = def.AllowedDurations
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = def.MaxRangeDays
	}
	return c
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option customizes engine components.
type Option func(*deps)

type deps struct {
	cfg   Config
	now   func() time.Time
	newID func() calendar.SessionID
	log   *zap.Logger
}

func newDeps(cfg Config, opts []Option) deps {
	d := deps{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		newID: func() calendar.SessionID { return calendar.SessionID(uuid.NewString()) },
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithClock overrides the wall clock used for "now" checks.
func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger. nil keeps the no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *deps) {
		if log != nil {
			d.log = log
		}
	}
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(next func() calendar.SessionID) Option {
	return func(d *deps) {
		if next != nil {
			d.newID = next
		}
	}
}

// lockError converts a failure to acquire the tutor lock into the
// retryable conflict callers expect.
func lockError(err error, tutorID calendar.TutorID, start, end time.Time) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, calendar.ErrLockTimeout) {
		return &calendar.ConflictError{Reason: calendar.ConflictTimeout, TutorID: tutorID, Start: start, End: end}
	}
	return err
}
