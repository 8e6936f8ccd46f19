package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/calendar"
)

var monday = calendar.NewDate(2025, time.March, 10)

// newTestStore connects to TEST_DATABASE_URL or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Reset(ctx))
	_, err = s.SaveTutor(ctx, calendar.Tutor{ID: "t1", Name: "Ada"})
	require.NoError(t, err)
	return s
}

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

func TestPostgres_RulesAndExceptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule, err := s.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: time.Monday, StartTime: 540, EndTime: 1020})
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)

	exc, err := s.CreateException(ctx, calendar.AvailabilityException{TutorID: "t1", Date: monday, StartTime: 720, EndTime: 780})
	require.NoError(t, err)
	assert.Equal(t, monday, exc.Date)

	got, err := s.GetExceptions(ctx, "t1", monday)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.True(t, calendar.IsNotFound(s.DeleteRule(ctx, "t1", rule.ID+100)))
}

func TestPostgres_ExclusionConstraintReportsOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, session("a", 10, 11))
	require.NoError(t, err)

	_, err = s.Insert(ctx, session("b", 10, 12))
	assert.ErrorIs(t, err, calendar.ErrOverlap)

	// Touching ranges are fine
	_, err = s.Insert(ctx, session("c", 11, 12))
	assert.NoError(t, err)
}

func TestPostgres_UpdateStatusCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, session("a", 10, 11))
	require.NoError(t, err)

	cancelled, err := s.UpdateStatus(ctx, "a", calendar.StatusUpdate{
		Expect:  []calendar.SessionStatus{calendar.StatusScheduled},
		To:      calendar.StatusCancelled,
		ActorID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", cancelled.CancelledBy)

	_, err = s.UpdateStatus(ctx, "a", calendar.StatusUpdate{
		Expect: []calendar.SessionStatus{calendar.StatusScheduled},
		To:     calendar.StatusInProgress,
	})
	assert.ErrorIs(t, err, calendar.ErrStatusMismatch)
}

func TestPostgres_WithTutorLockTimesOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithTutorLock(ctx, "t1", time.Second, func(context.Context, calendar.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithTutorLock(ctx, "t1", 50*time.Millisecond, func(context.Context, calendar.Tx) error {
		return nil
	})
	assert.ErrorIs(t, err, calendar.ErrLockTimeout)

	// Another tutor is not blocked
	err = s.WithTutorLock(ctx, "t2", 50*time.Millisecond, func(context.Context, calendar.Tx) error {
		return nil
	})
	assert.NoError(t, err)

	close(release)
	<-done
}
