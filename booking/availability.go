package booking

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// AVAILABILITY MANAGER - Validated rule and exception writes
// =============================================================================

// AvailabilityManager is the write path for rules and exceptions. Field
// checks happen before any store access; overlap checks run inside the
// tutor lock so concurrent edits cannot jointly break the non-overlap rule.
type AvailabilityManager struct {
	store calendar.Store
	deps
}

func NewAvailabilityManager(st calendar.Store, cfg Config, opts ...Option) *AvailabilityManager {
	return &AvailabilityManager{store: st, deps: newDeps(cfg, opts)}
}

// SaveTutor registers or renames a tutor.
func (m *AvailabilityManager) SaveTutor(ctx context.Context, t calendar.Tutor) (calendar.Tutor, error) {
	if t.ID == "" {
		return calendar.Tutor{}, calendar.Invalid("id", "is required")
	}
	saved, err := m.store.SaveTutor(ctx, t)
	if err != nil {
		return calendar.Tutor{}, fmt.Errorf("save tutor %s: %w", t.ID, err)
	}
	return saved, nil
}

func (m *AvailabilityManager) GetTutor(ctx context.Context, id calendar.TutorID) (calendar.Tutor, error) {
	return m.store.GetTutor(ctx, id)
}

// =============================================================================
// RULES
// =============================================================================

func (m *AvailabilityManager) ListRules(ctx context.Context, tutorID calendar.TutorID) ([]calendar.AvailabilityRule, error) {
	if _, err := m.store.GetTutor(ctx, tutorID); err != nil {
		return nil, err
	}
	return m.store.GetRules(ctx, tutorID)
}

func (m *AvailabilityManager) CreateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	rule.ID = 0
	if err := calendar.ValidateRule(rule); err != nil {
		return calendar.AvailabilityRule{}, err
	}

	var created calendar.AvailabilityRule
	err := m.inTutorScope(ctx, rule.TutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		existing, err := av.GetRules(ctx, rule.TutorID)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		if err := calendar.ValidateRules(rule, existing); err != nil {
			return err
		}
		created, err = av.CreateRule(ctx, rule)
		return err
	})
	if err != nil {
		return calendar.AvailabilityRule{}, err
	}
	m.log.Info("availability rule created",
		zap.String("tutor_id", string(created.TutorID)),
		zap.Int64("rule_id", int64(created.ID)),
		zap.Stringer("weekday", created.Weekday),
		zap.Stringer("span", created.Span()),
	)
	return created, nil
}

func (m *AvailabilityManager) UpdateRule(ctx context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	if rule.ID == 0 {
		return calendar.AvailabilityRule{}, calendar.Invalid("id", "is required")
	}
	if err := calendar.ValidateRule(rule); err != nil {
		return calendar.AvailabilityRule{}, err
	}

	var updated calendar.AvailabilityRule
	err := m.inTutorScope(ctx, rule.TutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		if _, err := av.GetRule(ctx, rule.TutorID, rule.ID); err != nil {
			return err
		}
		existing, err := av.GetRules(ctx, rule.TutorID)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		if err := calendar.ValidateRules(rule, existing); err != nil {
			return err
		}
		updated, err = av.UpdateRule(ctx, rule)
		return err
	})
	if err != nil {
		return calendar.AvailabilityRule{}, err
	}
	return updated, nil
}

func (m *AvailabilityManager) DeleteRule(ctx context.Context, tutorID calendar.TutorID, id calendar.RuleID) error {
	return m.inTutorScope(ctx, tutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		return av.DeleteRule(ctx, tutorID, id)
	})
}

// ReplaceRules swaps the tutor's whole weekly pattern. Existing bookings
// are untouched even if they no longer fall inside availability.
func (m *AvailabilityManager) ReplaceRules(ctx context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	if tutorID == "" {
		return nil, calendar.Invalid("tutor_id", "is required")
	}
	for i := range rules {
		rules[i].TutorID = tutorID
		rules[i].ID = 0
	}
	if err := calendar.ValidateRuleSet(rules); err != nil {
		return nil, err
	}

	var replaced []calendar.AvailabilityRule
	err := m.inTutorScope(ctx, tutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		var err error
		replaced, err = av.ReplaceRules(ctx, tutorID, rules)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("weekly pattern replaced", zap.String("tutor_id", string(tutorID)), zap.Int("rules", len(replaced)))
	return replaced, nil
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func (m *AvailabilityManager) ListExceptions(ctx context.Context, tutorID calendar.TutorID, r calendar.DateRange) ([]calendar.AvailabilityException, error) {
	if r.From.IsZero() || r.To.IsZero() {
		return nil, calendar.Invalid("from", "from and to are required")
	}
	if r.To.Before(r.From) {
		return nil, calendar.Invalid("to", "must not be before from")
	}
	if _, err := m.store.GetTutor(ctx, tutorID); err != nil {
		return nil, err
	}
	return m.store.GetExceptionsInRange(ctx, tutorID, r)
}

func (m *AvailabilityManager) CreateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	exc.ID = 0
	if err := calendar.ValidateException(exc); err != nil {
		return calendar.AvailabilityException{}, err
	}

	var created calendar.AvailabilityException
	err := m.inTutorScope(ctx, exc.TutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		existing, err := av.GetExceptions(ctx, exc.TutorID, exc.Date)
		if err != nil {
			return fmt.Errorf("load exceptions: %w", err)
		}
		if err := calendar.ValidateExceptions(exc, existing); err != nil {
			return err
		}
		created, err = av.CreateException(ctx, exc)
		return err
	})
	if err != nil {
		return calendar.AvailabilityException{}, err
	}
	m.log.Info("availability exception created",
		zap.String("tutor_id", string(created.TutorID)),
		zap.Int64("exception_id", int64(created.ID)),
		zap.Stringer("date", created.Date),
		zap.Bool("available", created.IsAvailable),
	)
	return created, nil
}

func (m *AvailabilityManager) UpdateException(ctx context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	if exc.ID == 0 {
		return calendar.AvailabilityException{}, calendar.Invalid("id", "is required")
	}
	if err := calendar.ValidateException(exc); err != nil {
		return calendar.AvailabilityException{}, err
	}

	var updated calendar.AvailabilityException
	err := m.inTutorScope(ctx, exc.TutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		if _, err := av.GetException(ctx, exc.TutorID, exc.ID); err != nil {
			return err
		}
		existing, err := av.GetExceptions(ctx, exc.TutorID, exc.Date)
		if err != nil {
			return fmt.Errorf("load exceptions: %w", err)
		}
		if err := calendar.ValidateExceptions(exc, existing); err != nil {
			return err
		}
		updated, err = av.UpdateException(ctx, exc)
		return err
	})
	if err != nil {
		return calendar.AvailabilityException{}, err
	}
	return updated, nil
}

func (m *AvailabilityManager) DeleteException(ctx context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) error {
	return m.inTutorScope(ctx, tutorID, func(ctx context.Context, av calendar.AvailabilityStore) error {
		return av.DeleteException(ctx, tutorID, id)
	})
}

// inTutorScope checks the tutor exists, then runs fn under the tutor lock.
func (m *AvailabilityManager) inTutorScope(ctx context.Context, tutorID calendar.TutorID, fn func(context.Context, calendar.AvailabilityStore) error) error {
	if tutorID == "" {
		return calendar.Invalid("tutor_id", "is required")
	}
	if _, err := m.store.GetTutor(ctx, tutorID); err != nil {
		return err
	}
	err := m.store.WithTutorLock(ctx, tutorID, m.cfg.LockTimeout, func(ctx context.Context, tx calendar.Tx) error {
		return fn(ctx, tx.Availability())
	})
	return lockError(err, tutorID, m.now(), m.now())
}
