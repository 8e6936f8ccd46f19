// Package store provides an in-memory calendar.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	tutors     map[calendar.TutorID]calendar.Tutor
	rules      map[calendar.TutorID][]calendar.AvailabilityRule
	exceptions map[calendar.TutorID][]calendar.AvailabilityException
	sessions   map[calendar.SessionID]calendar.BookedSession
	byTutor    map[calendar.TutorID][]calendar.SessionID
	nextRule   calendar.RuleID
	nextExc    calendar.ExceptionID

	locks *calendar.TutorLocks
	now   func() time.Time
}

var _ calendar.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tutors:     make(map[calendar.TutorID]calendar.Tutor),
		rules:      make(map[calendar.TutorID][]calendar.AvailabilityRule),
		exceptions: make(map[calendar.TutorID][]calendar.AvailabilityException),
		sessions:   make(map[calendar.SessionID]calendar.BookedSession),
		byTutor:    make(map[calendar.TutorID][]calendar.SessionID),
		locks:      calendar.NewTutorLocks(),
		now:        time.Now,
	}
}

// Reset drops all data. Locks held by in-flight scopes stay valid.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tutors = make(map[calendar.TutorID]calendar.Tutor)
	m.rules = make(map[calendar.TutorID][]calendar.AvailabilityRule)
	m.exceptions = make(map[calendar.TutorID][]calendar.AvailabilityException)
	m.sessions = make(map[calendar.SessionID]calendar.BookedSession)
	m.byTutor = make(map[calendar.TutorID][]calendar.SessionID)
	m.nextRule = 0
	m.nextExc = 0
	return nil
}

// undo reverts one write. Called with m.mu held.
type undo func()

// =============================================================================
// TUTOR DIRECTORY
// =============================================================================

func (m *Memory) SaveTutor(_ context.Context, t calendar.Tutor) (calendar.Tutor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tutors[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	m.tutors[t.ID] = t
	return t, nil
}

func (m *Memory) GetTutor(_ context.Context, id calendar.TutorID) (calendar.Tutor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tutors[id]
	if !ok {
		return calendar.Tutor{}, calendar.NotFound("tutor", id)
	}
	return t, nil
}

// =============================================================================
// AVAILABILITY STORE
// =============================================================================

func (m *Memory) GetRules(_ context.Context, tutorID calendar.TutorID) ([]calendar.AvailabilityRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRulesLocked(tutorID), nil
}

func (m *Memory) GetRule(_ context.Context, tutorID calendar.TutorID, id calendar.RuleID) (calendar.AvailabilityRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRuleLocked(tutorID, id)
}

func (m *Memory) GetExceptions(_ context.Context, tutorID calendar.TutorID, date calendar.Date) ([]calendar.AvailabilityException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExceptionsLocked(tutorID, calendar.DateRange{From: date, To: date}), nil
}

func (m *Memory) GetExceptionsInRange(_ context.Context, tutorID calendar.TutorID, r calendar.DateRange) ([]calendar.AvailabilityException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExceptionsLocked(tutorID, r), nil
}

func (m *Memory) GetException(_ context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) (calendar.AvailabilityException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExceptionLocked(tutorID, id)
}

func (m *Memory) CreateRule(_ context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, _ := m.createRuleLocked(rule)
	return created, nil
}

func (m *Memory) UpdateRule(_ context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, _, err := m.updateRuleLocked(rule)
	return updated, err
}

func (m *Memory) DeleteRule(_ context.Context, tutorID calendar.TutorID, id calendar.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.deleteRuleLocked(tutorID, id)
	return err
}

func (m *Memory) ReplaceRules(_ context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, _ := m.replaceRulesLocked(tutorID, rules)
	return created, nil
}

func (m *Memory) CreateException(_ context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, _ := m.createExceptionLocked(exc)
	return created, nil
}

func (m *Memory) UpdateException(_ context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, _, err := m.updateExceptionLocked(exc)
	return updated, err
}

func (m *Memory) DeleteException(_ context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.deleteExceptionLocked(tutorID, id)
	return err
}

// =============================================================================
// BOOKING LEDGER
// =============================================================================

func (m *Memory) FindOverlapping(_ context.Context, tutorID calendar.TutorID, start, end time.Time, statuses []calendar.SessionStatus) ([]calendar.BookedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOverlappingLocked(tutorID, start, end, statuses), nil
}

func (m *Memory) Insert(_ context.Context, s calendar.BookedSession) (calendar.BookedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted, _, err := m.insertLocked(s)
	return inserted, err
}

func (m *Memory) UpdateStatus(_ context.Context, id calendar.SessionID, u calendar.StatusUpdate) (calendar.BookedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, _, err := m.updateStatusLocked(id, u)
	return updated, err
}

func (m *Memory) Get(_ context.Context, id calendar.SessionID) (calendar.BookedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSessionLocked(id)
}

func (m *Memory) ListSessions(_ context.Context, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSessionsLocked(f), nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTutorLock runs fn holding the tutor's lock. Writes made through the
// Tx are applied immediately and reverted in reverse order if fn fails.
// m.mu is only held per operation, so scopes for different tutors proceed
// in parallel.
func (m *Memory) WithTutorLock(ctx context.Context, tutorID calendar.TutorID, wait time.Duration, fn func(context.Context, calendar.Tx) error) error {
	release, err := m.locks.Acquire(ctx, tutorID, wait)
	if err != nil {
		return err
	}
	defer release()

	tx := &memoryTx{parent: m}
	if err := fn(ctx, tx); err != nil {
		m.mu.Lock()
		for i := len(tx.undos) - 1; i >= 0; i-- {
			tx.undos[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// =============================================================================
// LOCKED HELPERS (m.mu held by caller)
// =============================================================================

func (m *Memory) getRulesLocked(tutorID calendar.TutorID) []calendar.AvailabilityRule {
	return append([]calendar.AvailabilityRule(nil), m.rules[tutorID]...)
}

func (m *Memory) getRuleLocked(tutorID calendar.TutorID, id calendar.RuleID) (calendar.AvailabilityRule, error) {
	for _, r := range m.rules[tutorID] {
		if r.ID == id {
			return r, nil
		}
	}
	return calendar.AvailabilityRule{}, calendar.NotFound("rule", id)
}

func sortRules(rules []calendar.AvailabilityRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Weekday == rules[j].Weekday {
			return rules[i].StartTime < rules[j].StartTime
		}
		return rules[i].Weekday < rules[j].Weekday
	})
}

func (m *Memory) createRuleLocked(rule calendar.AvailabilityRule) (calendar.AvailabilityRule, undo) {
	m.nextRule++
	now := m.now().UTC()
	rule.ID = m.nextRule
	rule.CreatedAt = now
	rule.UpdatedAt = now

	prev := m.rules[rule.TutorID]
	next := append(append([]calendar.AvailabilityRule(nil), prev...), rule)
	sortRules(next)
	m.rules[rule.TutorID] = next

	return rule, func() { m.rules[rule.TutorID] = prev }
}

func (m *Memory) updateRuleLocked(rule calendar.AvailabilityRule) (calendar.AvailabilityRule, undo, error) {
	prev := m.rules[rule.TutorID]
	next := append([]calendar.AvailabilityRule(nil), prev...)
	for i, r := range next {
		if r.ID != rule.ID {
			continue
		}
		rule.CreatedAt = r.CreatedAt
		rule.UpdatedAt = m.now().UTC()
		next[i] = rule
		sortRules(next)
		m.rules[rule.TutorID] = next
		return rule, func() { m.rules[rule.TutorID] = prev }, nil
	}
	return calendar.AvailabilityRule{}, nil, calendar.NotFound("rule", rule.ID)
}

func (m *Memory) deleteRuleLocked(tutorID calendar.TutorID, id calendar.RuleID) (undo, error) {
	prev := m.rules[tutorID]
	next := make([]calendar.AvailabilityRule, 0, len(prev))
	found := false
	for _, r := range prev {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return nil, calendar.NotFound("rule", id)
	}
	m.rules[tutorID] = next
	return func() { m.rules[tutorID] = prev }, nil
}

func (m *Memory) replaceRulesLocked(tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, undo) {
	prev := m.rules[tutorID]
	prevNext := m.nextRule
	now := m.now().UTC()

	next := make([]calendar.AvailabilityRule, 0, len(rules))
	for _, r := range rules {
		m.nextRule++
		r.ID = m.nextRule
		r.TutorID = tutorID
		r.CreatedAt = now
		r.UpdatedAt = now
		next = append(next, r)
	}
	sortRules(next)
	m.rules[tutorID] = next

	return append([]calendar.AvailabilityRule(nil), next...), func() {
		m.rules[tutorID] = prev
		m.nextRule = prevNext
	}
}

func (m *Memory) getExceptionsLocked(tutorID calendar.TutorID, r calendar.DateRange) []calendar.AvailabilityException {
	var out []calendar.AvailabilityException
	for _, e := range m.exceptions[tutorID] {
		if r.Contains(e.Date) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) getExceptionLocked(tutorID calendar.TutorID, id calendar.ExceptionID) (calendar.AvailabilityException, error) {
	for _, e := range m.exceptions[tutorID] {
		if e.ID == id {
			return e, nil
		}
	}
	return calendar.AvailabilityException{}, calendar.NotFound("exception", id)
}

func sortExceptions(excs []calendar.AvailabilityException) {
	sort.SliceStable(excs, func(i, j int) bool {
		if excs[i].Date == excs[j].Date {
			return excs[i].StartTime < excs[j].StartTime
		}
		return excs[i].Date.Before(excs[j].Date)
	})
}

func (m *Memory) createExceptionLocked(exc calendar.AvailabilityException) (calendar.AvailabilityException, undo) {
	m.nextExc++
	now := m.now().UTC()
	exc.ID = m.nextExc
	exc.CreatedAt = now
	exc.UpdatedAt = now

	prev := m.exceptions[exc.TutorID]
	next := append(append([]calendar.AvailabilityException(nil), prev...), exc)
	sortExceptions(next)
	m.exceptions[exc.TutorID] = next

	return exc, func() { m.exceptions[exc.TutorID] = prev }
}

func (m *Memory) updateExceptionLocked(exc calendar.AvailabilityException) (calendar.AvailabilityException, undo, error) {
	prev := m.exceptions[exc.TutorID]
	next := append([]calendar.AvailabilityException(nil), prev...)
	for i, e := range next {
		if e.ID != exc.ID {
			continue
		}
		exc.CreatedAt = e.CreatedAt
		exc.UpdatedAt = m.now().UTC()
		next[i] = exc
		sortExceptions(next)
		m.exceptions[exc.TutorID] = next
		return exc, func() { m.exceptions[exc.TutorID] = prev }, nil
	}
	return calendar.AvailabilityException{}, nil, calendar.NotFound("exception", exc.ID)
}

func (m *Memory) deleteExceptionLocked(tutorID calendar.TutorID, id calendar.ExceptionID) (undo, error) {
	prev := m.exceptions[tutorID]
	next := make([]calendar.AvailabilityException, 0, len(prev))
	found := false
	for _, e := range prev {
		if e.ID == id {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		return nil, calendar.NotFound("exception", id)
	}
	m.exceptions[tutorID] = next
	return func() { m.exceptions[tutorID] = prev }, nil
}

func (m *Memory) findOverlappingLocked(tutorID calendar.TutorID, start, end time.Time, statuses []calendar.SessionStatus) []calendar.BookedSession {
	window := calendar.TimeRange{Start: start, End: end}
	var out []calendar.BookedSession
	for _, id := range m.byTutor[tutorID] {
		s := m.sessions[id]
		if s.Range().Overlaps(window) && (len(statuses) == 0 || s.StatusIn(statuses)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *Memory) insertLocked(s calendar.BookedSession) (calendar.BookedSession, undo, error) {
	if s.ID == "" {
		return calendar.BookedSession{}, nil, fmt.Errorf("insert session: id is required")
	}
	if _, exists := m.sessions[s.ID]; exists {
		return calendar.BookedSession{}, nil, fmt.Errorf("insert session: duplicate id %s", s.ID)
	}
	now := m.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt

	prevIDs := m.byTutor[s.TutorID]
	m.sessions[s.ID] = s
	m.byTutor[s.TutorID] = append(append([]calendar.SessionID(nil), prevIDs...), s.ID)

	return s, func() {
		delete(m.sessions, s.ID)
		m.byTutor[s.TutorID] = prevIDs
	}, nil
}

func (m *Memory) updateStatusLocked(id calendar.SessionID, u calendar.StatusUpdate) (calendar.BookedSession, undo, error) {
	prev, ok := m.sessions[id]
	if !ok {
		return calendar.BookedSession{}, nil, calendar.NotFound("session", id)
	}
	if len(u.Expect) > 0 && !prev.StatusIn(u.Expect) {
		return prev, nil, fmt.Errorf("update session %s to %s (is %s): %w", id, u.To, prev.Status, calendar.ErrStatusMismatch)
	}
	if u.At.IsZero() {
		u.At = m.now().UTC()
	}
	next := u.Apply(prev)
	m.sessions[id] = next
	return next, func() { m.sessions[id] = prev }, nil
}

func (m *Memory) getSessionLocked(id calendar.SessionID) (calendar.BookedSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return calendar.BookedSession{}, calendar.NotFound("session", id)
	}
	return s, nil
}

func (m *Memory) listSessionsLocked(f calendar.SessionFilter) []calendar.BookedSession {
	var out []calendar.BookedSession
	if f.TutorID != "" {
		for _, id := range m.byTutor[f.TutorID] {
			if s := m.sessions[id]; f.Matches(s) {
				out = append(out, s)
			}
		}
	} else {
		for _, s := range m.sessions {
			if f.Matches(s) {
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent *Memory
	undos  []undo
}

func (tx *memoryTx) Availability() calendar.AvailabilityStore { return (*memoryTxAvailability)(tx) }
func (tx *memoryTx) Ledger() calendar.BookingLedger           { return (*memoryTxLedger)(tx) }

func (tx *memoryTx) record(u undo) {
	if u != nil {
		tx.undos = append(tx.undos, u)
	}
}

type memoryTxAvailability memoryTx

func (a *memoryTxAvailability) tx() *memoryTx { return (*memoryTx)(a) }

func (a *memoryTxAvailability) GetRules(ctx context.Context, tutorID calendar.TutorID) ([]calendar.AvailabilityRule, error) {
	return a.parent.GetRules(ctx, tutorID)
}

func (a *memoryTxAvailability) GetRule(ctx context.Context, tutorID calendar.TutorID, id calendar.RuleID) (calendar.AvailabilityRule, error) {
	return a.parent.GetRule(ctx, tutorID, id)
}

func (a *memoryTxAvailability) GetExceptions(ctx context.Context, tutorID calendar.TutorID, date calendar.Date) ([]calendar.AvailabilityException, error) {
	return a.parent.GetExceptions(ctx, tutorID, date)
}

func (a *memoryTxAvailability) GetExceptionsInRange(ctx context.Context, tutorID calendar.TutorID, r calendar.DateRange) ([]calendar.AvailabilityException, error) {
	return a.parent.GetExceptionsInRange(ctx, tutorID, r)
}

func (a *memoryTxAvailability) GetException(ctx context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) (calendar.AvailabilityException, error) {
	return a.parent.GetException(ctx, tutorID, id)
}

func (a *memoryTxAvailability) CreateRule(_ context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	created, u := a.parent.createRuleLocked(rule)
	a.tx().record(u)
	return created, nil
}

func (a *memoryTxAvailability) UpdateRule(_ context.Context, rule calendar.AvailabilityRule) (calendar.AvailabilityRule, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	updated, u, err := a.parent.updateRuleLocked(rule)
	a.tx().record(u)
	return updated, err
}

func (a *memoryTxAvailability) DeleteRule(_ context.Context, tutorID calendar.TutorID, id calendar.RuleID) error {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	u, err := a.parent.deleteRuleLocked(tutorID, id)
	a.tx().record(u)
	return err
}

func (a *memoryTxAvailability) ReplaceRules(_ context.Context, tutorID calendar.TutorID, rules []calendar.AvailabilityRule) ([]calendar.AvailabilityRule, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	created, u := a.parent.replaceRulesLocked(tutorID, rules)
	a.tx().record(u)
	return created, nil
}

func (a *memoryTxAvailability) CreateException(_ context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	created, u := a.parent.createExceptionLocked(exc)
	a.tx().record(u)
	return created, nil
}

func (a *memoryTxAvailability) UpdateException(_ context.Context, exc calendar.AvailabilityException) (calendar.AvailabilityException, error) {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	updated, u, err := a.parent.updateExceptionLocked(exc)
	a.tx().record(u)
	return updated, err
}

func (a *memoryTxAvailability) DeleteException(_ context.Context, tutorID calendar.TutorID, id calendar.ExceptionID) error {
	a.parent.mu.Lock()
	defer a.parent.mu.Unlock()
	u, err := a.parent.deleteExceptionLocked(tutorID, id)
	a.tx().record(u)
	return err
}

type memoryTxLedger memoryTx

func (l *memoryTxLedger) tx() *memoryTx { return (*memoryTx)(l) }

func (l *memoryTxLedger) FindOverlapping(ctx context.Context, tutorID calendar.TutorID, start, end time.Time, statuses []calendar.SessionStatus) ([]calendar.BookedSession, error) {
	return l.parent.FindOverlapping(ctx, tutorID, start, end, statuses)
}

func (l *memoryTxLedger) Insert(_ context.Context, s calendar.BookedSession) (calendar.BookedSession, error) {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	inserted, u, err := l.parent.insertLocked(s)
	l.tx().record(u)
	return inserted, err
}

func (l *memoryTxLedger) UpdateStatus(_ context.Context, id calendar.SessionID, u calendar.StatusUpdate) (calendar.BookedSession, error) {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	updated, un, err := l.parent.updateStatusLocked(id, u)
	l.tx().record(un)
	return updated, err
}

func (l *memoryTxLedger) Get(ctx context.Context, id calendar.SessionID) (calendar.BookedSession, error) {
	return l.parent.Get(ctx, id)
}

func (l *memoryTxLedger) ListSessions(ctx context.Context, f calendar.SessionFilter) ([]calendar.BookedSession, error) {
	return l.parent.ListSessions(ctx, f)
}
