package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/calendar"
	"github.com/warp/booking-engine/calendar/store"
)

var (
	ctx    = context.Background()
	monday = calendar.NewDate(2025, time.March, 10)
)

func session(id string, startHour, endHour int) calendar.BookedSession {
	return calendar.BookedSession{
		ID:        calendar.SessionID(id),
		TutorID:   "t1",
		StudentID: "s1",
		SubjectID: "math",
		Start:     monday.At(calendar.NewClock(startHour, 0), time.UTC),
		End:       monday.At(calendar.NewClock(endHour, 0), time.UTC),
		Status:    calendar.StatusScheduled,
	}
}

func TestMemory_TutorDirectory(t *testing.T) {
	m := store.NewMemory()

	_, err := m.GetTutor(ctx, "t1")
	assert.True(t, calendar.IsNotFound(err))

	saved, err := m.SaveTutor(ctx, calendar.Tutor{ID: "t1", Name: "Ada"})
	require.NoError(t, err)
	assert.False(t, saved.CreatedAt.IsZero())

	got, err := m.GetTutor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
}

func TestMemory_RulesCRUD(t *testing.T) {
	m := store.NewMemory()

	// GIVEN: Two rules created out of order
	r2, err := m.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: time.Tuesday, StartTime: 540, EndTime: 600})
	require.NoError(t, err)
	r1, err := m.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: time.Monday, StartTime: 540, EndTime: 600})
	require.NoError(t, err)

	// THEN: Listed by weekday
	rules, err := m.GetRules(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, r1.ID, rules[0].ID)
	assert.Equal(t, r2.ID, rules[1].ID)

	// Update
	r1.EndTime = 660
	updated, err := m.UpdateRule(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, calendar.Clock(660), updated.EndTime)

	// Delete
	require.NoError(t, m.DeleteRule(ctx, "t1", r2.ID))
	assert.True(t, calendar.IsNotFound(m.DeleteRule(ctx, "t1", r2.ID)))

	// Another tutor's rule is not visible
	_, err = m.GetRule(ctx, "t2", r1.ID)
	assert.True(t, calendar.IsNotFound(err))

	// Replace
	replaced, err := m.ReplaceRules(ctx, "t1", []calendar.AvailabilityRule{
		{Weekday: time.Friday, StartTime: 600, EndTime: 720},
	})
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	assert.Equal(t, calendar.TutorID("t1"), replaced[0].TutorID)
	rules, _ = m.GetRules(ctx, "t1")
	assert.Len(t, rules, 1)
}

func TestMemory_ExceptionsByDate(t *testing.T) {
	m := store.NewMemory()
	_, err := m.CreateException(ctx, calendar.AvailabilityException{TutorID: "t1", Date: monday, StartTime: 720, EndTime: 780})
	require.NoError(t, err)
	_, err = m.CreateException(ctx, calendar.AvailabilityException{TutorID: "t1", Date: monday.AddDays(3), StartTime: 720, EndTime: 780})
	require.NoError(t, err)

	day, err := m.GetExceptions(ctx, "t1", monday)
	require.NoError(t, err)
	assert.Len(t, day, 1)

	week, err := m.GetExceptionsInRange(ctx, "t1", calendar.DateRange{From: monday, To: monday.AddDays(6)})
	require.NoError(t, err)
	assert.Len(t, week, 2)
}

func TestMemory_FindOverlapping(t *testing.T) {
	m := store.NewMemory()
	_, err := m.Insert(ctx, session("a", 9, 10))
	require.NoError(t, err)
	_, err = m.Insert(ctx, session("b", 10, 11))
	require.NoError(t, err)

	cancelled := session("c", 9, 11)
	cancelled.Status = calendar.StatusCancelled
	_, err = m.Insert(ctx, cancelled)
	require.NoError(t, err)

	// Half-open: [10,11) does not overlap [9,10)
	got, err := m.FindOverlapping(ctx, "t1", monday.At(600, time.UTC), monday.At(660, time.UTC), calendar.ActiveStatuses)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, calendar.SessionID("b"), got[0].ID)

	_, err = m.Insert(ctx, session("a", 12, 13))
	assert.Error(t, err, "duplicate id")
}

func TestMemory_UpdateStatusCompareAndSet(t *testing.T) {
	m := store.NewMemory()
	_, err := m.Insert(ctx, session("a", 9, 10))
	require.NoError(t, err)

	// WHEN: Cancelling from scheduled
	at := time.Date(2025, time.March, 9, 8, 0, 0, 0, time.UTC)
	got, err := m.UpdateStatus(ctx, "a", calendar.StatusUpdate{
		Expect:  []calendar.SessionStatus{calendar.StatusScheduled},
		To:      calendar.StatusCancelled,
		At:      at,
		ActorID: "s1",
		Reason:  "sick",
	})

	// THEN: Audit fields are recorded
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, at, *got.CancelledAt)
	assert.Equal(t, "s1", got.CancelledBy)
	assert.Equal(t, "sick", got.CancelReason)

	// AND: A second CAS from scheduled fails
	_, err = m.UpdateStatus(ctx, "a", calendar.StatusUpdate{
		Expect: []calendar.SessionStatus{calendar.StatusScheduled},
		To:     calendar.StatusInProgress,
	})
	assert.True(t, errors.Is(err, calendar.ErrStatusMismatch))
}

func TestMemory_ListSessions(t *testing.T) {
	m := store.NewMemory()
	for _, s := range []calendar.BookedSession{session("b", 11, 12), session("a", 9, 10)} {
		_, err := m.Insert(ctx, s)
		require.NoError(t, err)
	}
	other := session("c", 9, 10)
	other.TutorID = "t2"
	other.StudentID = "s2"
	_, err := m.Insert(ctx, other)
	require.NoError(t, err)

	byTutor, err := m.ListSessions(ctx, calendar.SessionFilter{TutorID: "t1"})
	require.NoError(t, err)
	require.Len(t, byTutor, 2)
	assert.Equal(t, calendar.SessionID("a"), byTutor[0].ID)

	byStudent, err := m.ListSessions(ctx, calendar.SessionFilter{StudentID: "s2"})
	require.NoError(t, err)
	require.Len(t, byStudent, 1)
	assert.Equal(t, calendar.SessionID("c"), byStudent[0].ID)

	limited, err := m.ListSessions(ctx, calendar.SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestMemory_WithTutorLock_RollsBackOnError(t *testing.T) {
	m := store.NewMemory()
	_, err := m.Insert(ctx, session("existing", 8, 9))
	require.NoError(t, err)
	boom := errors.New("boom")

	// WHEN: A scope writes several records then fails
	err = m.WithTutorLock(ctx, "t1", time.Second, func(ctx context.Context, tx calendar.Tx) error {
		if _, err := tx.Ledger().Insert(ctx, session("new", 9, 10)); err != nil {
			return err
		}
		if _, err := tx.Ledger().UpdateStatus(ctx, "existing", calendar.StatusUpdate{To: calendar.StatusCancelled}); err != nil {
			return err
		}
		if _, err := tx.Availability().CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: time.Monday, StartTime: 540, EndTime: 600}); err != nil {
			return err
		}
		// Reads inside the scope see the writes
		got, err := tx.Ledger().Get(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, calendar.StatusScheduled, got.Status)
		return boom
	})

	// THEN: Everything is reverted
	assert.ErrorIs(t, err, boom)
	_, err = m.Get(ctx, "new")
	assert.True(t, calendar.IsNotFound(err))
	existing, err := m.Get(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusScheduled, existing.Status)
	rules, _ := m.GetRules(ctx, "t1")
	assert.Empty(t, rules)
}

func TestMemory_WithTutorLock_CommitsOnSuccess(t *testing.T) {
	m := store.NewMemory()

	err := m.WithTutorLock(ctx, "t1", time.Second, func(ctx context.Context, tx calendar.Tx) error {
		_, err := tx.Ledger().Insert(ctx, session("a", 9, 10))
		return err
	})

	require.NoError(t, err)
	_, err = m.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemory_WithTutorLock_TimesOut(t *testing.T) {
	m := store.NewMemory()
	held := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.WithTutorLock(ctx, "t1", time.Second, func(context.Context, calendar.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	called := false
	err := m.WithTutorLock(ctx, "t1", 20*time.Millisecond, func(context.Context, calendar.Tx) error {
		called = true
		return nil
	})
	close(done)

	assert.ErrorIs(t, err, calendar.ErrLockTimeout)
	assert.False(t, called)

	// Another tutor is not blocked
	assert.NoError(t, m.WithTutorLock(ctx, "t2", 20*time.Millisecond, func(context.Context, calendar.Tx) error { return nil }))
}
