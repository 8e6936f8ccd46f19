package booking_test

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/calendar"
	"github.com/warp/booking-engine/calendar/store"
)

// =============================================================================
// EXAMPLE SCENARIO
// =============================================================================

func TestReservation_MondayMorningScenario(t *testing.T) {
	// GIVEN: Monday 09:00-12:00 only, and a session already at 10:00-11:00
	f := newFixture(t)
	_, err := f.avail.ReplaceRules(ctx, "t1", []calendar.AvailabilityRule{
		{Weekday: time.Monday, StartTime: hm(9, 0), EndTime: hm(12, 0)},
	})
	require.NoError(t, err)
	_, err = f.reserve(10, 0, 60)
	require.NoError(t, err)

	// WHEN: Listing 60 minute slots
	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday, 60)

	// THEN: 09:00 and 11:00 remain
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "11:00"}, slotStarts(slots))
	assert.Equal(t, at(monday, 10, 0), slots[0].End)

	// AND: The taken hour is refused, the free one is accepted
	_, err = f.reserve(10, 0, 60)
	assert.Equal(t, calendar.ConflictDoubleBooked, conflictReason(t, err))

	booked, err := f.reserve(9, 0, 60)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusScheduled, booked.Status)
}

// =============================================================================
// BOOKABLE SLOTS
// =============================================================================

func TestListBookableSlots_GranularityAndFit(t *testing.T) {
	// GIVEN: Monday 09:00-10:30 (replace the default day)
	f := newFixture(t)
	_, err := f.avail.ReplaceRules(ctx, "t1", []calendar.AvailabilityRule{
		{Weekday: time.Monday, StartTime: hm(9, 0), EndTime: hm(10, 30)},
	})
	require.NoError(t, err)

	// WHEN
	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday, 60)

	// THEN: Starts every 15 minutes, none running past 10:30
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:15", "09:30"}, slotStarts(slots))
}

func TestListBookableSlots_DropsPastStarts(t *testing.T) {
	// GIVEN: It is Monday 10:05
	f := newFixture(t)
	f.clock.Set(at(monday, 10, 5))

	// WHEN
	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday, 180)

	// THEN: First candidate is 10:15, last one ends at 17:00
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, "10:15", slots[0].StartTime.String())
	assert.Equal(t, "17:00", slots[len(slots)-1].EndTime.String())
}

func TestListBookableSlots_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ListBookableSlots(ctx, "t1", monday, 45)
	assert.ErrorIs(t, err, calendar.ErrValidation)

	_, err = f.engine.ListBookableSlots(ctx, "nobody", monday, 60)
	assert.True(t, calendar.IsNotFound(err))

	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday.AddDays(1), 60)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

// zonedEngine builds an engine in loc with tutor "t1" available on one
// weekday between from and to.
func zonedEngine(t *testing.T, loc *time.Location, now time.Time, day time.Weekday, from, to calendar.Clock) *booking.ReservationEngine {
	t.Helper()
	st := store.NewMemory()
	cfg := booking.DefaultConfig()
	cfg.Location = loc
	clock := &fakeClock{now: now}
	avail := booking.NewAvailabilityManager(st, cfg, booking.WithClock(clock.Now))
	_, err := avail.SaveTutor(ctx, calendar.Tutor{ID: "t1", Name: "Ada"})
	require.NoError(t, err)
	_, err = avail.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: day, StartTime: from, EndTime: to})
	require.NoError(t, err)
	return booking.NewReservationEngine(st, cfg, booking.WithClock(clock.Now))
}

func reserveSlot(engine *booking.ReservationEngine, slot calendar.BookableSlot) (calendar.BookedSession, error) {
	return engine.Reserve(ctx, booking.ReserveRequest{
		TutorID: "t1", StudentID: "s1", SubjectID: "math", Start: slot.Start, End: slot.End,
	})
}

func TestListBookableSlots_SpringForward(t *testing.T) {
	// GIVEN: New York, Sunday 01:00-04:00 on the day 02:00-03:00 is skipped
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sunday := calendar.NewDate(2025, time.March, 9)
	engine := zonedEngine(t, ny, time.Date(2025, time.March, 8, 12, 0, 0, 0, time.UTC), time.Sunday, hm(1, 0), hm(4, 0))

	// WHEN: Listing 60 minute slots
	slots, err := engine.ListBookableSlots(ctx, "t1", sunday, 60)

	// THEN: Only slots lasting a real hour are offered
	require.NoError(t, err)
	assert.Equal(t, []string{"01:00", "03:00"}, slotStarts(slots))

	// AND: Every one of them can be reserved
	for _, slot := range slots {
		assert.Equal(t, time.Hour, slot.End.Sub(slot.Start))
		_, err := reserveSlot(engine, slot)
		require.NoError(t, err, "slot %s", slot.StartTime)
	}
}

func TestListBookableSlots_FallBack(t *testing.T) {
	// GIVEN: New York, Sunday 00:00-03:00 on the day 01:00-02:00 repeats
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sunday := calendar.NewDate(2025, time.November, 2)
	engine := zonedEngine(t, ny, time.Date(2025, time.November, 1, 12, 0, 0, 0, time.UTC), time.Sunday, hm(0, 0), hm(3, 0))

	// WHEN
	slots, err := engine.ListBookableSlots(ctx, "t1", sunday, 60)

	// THEN: Slots stretched to two hours are dropped
	require.NoError(t, err)
	assert.Equal(t, []string{"00:00", "00:15", "00:30", "00:45", "02:00"}, slotStarts(slots))
	for _, slot := range slots {
		assert.Equal(t, time.Hour, slot.End.Sub(slot.Start))
	}

	_, err = reserveSlot(engine, slots[3])
	require.NoError(t, err)
	_, err = reserveSlot(engine, slots[4])
	require.NoError(t, err)
}

func TestListBookableSlots_ConsistentWithReserve(t *testing.T) {
	// GIVEN: A day with lunch carved out and two bookings
	f := newFixture(t)
	_, err := f.avail.CreateException(ctx, calendar.AvailabilityException{
		TutorID: "t1", Date: monday, StartTime: hm(12, 0), EndTime: hm(13, 0), Reason: "lunch",
	})
	require.NoError(t, err)
	_, err = f.reserve(9, 30, 60)
	require.NoError(t, err)
	_, err = f.reserve(14, 0, 90)
	require.NoError(t, err)

	// WHEN: Every listed slot is reserved in turn, on a fresh copy each time
	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday, 60)
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	for _, slot := range slots {
		booked, err := f.engine.Reserve(ctx, booking.ReserveRequest{
			TutorID: "t1", StudentID: "s2", SubjectID: "math", Start: slot.Start, End: slot.End,
		})
		// THEN: Each one is bookable right after it was listed
		require.NoError(t, err, "slot %s", slot.StartTime)
		_, err = f.lifecycle.Cancel(ctx, booked.ID, "s2", "probe")
		require.NoError(t, err)
	}

	// AND: Lunch is never offered
	for _, slot := range slots {
		assert.False(t, slot.StartTime < hm(13, 0) && slot.EndTime > hm(12, 0), "slot %s overlaps lunch", slot.StartTime)
	}
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t)
	start := at(monday, 9, 0)

	tests := []struct {
		name string
		req  booking.ReserveRequest
	}{
		{"missing tutor", booking.ReserveRequest{StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour)}},
		{"missing student", booking.ReserveRequest{TutorID: "t1", SubjectID: "m", Start: start, End: start.Add(time.Hour)}},
		{"missing subject", booking.ReserveRequest{TutorID: "t1", StudentID: "s1", Start: start, End: start.Add(time.Hour)}},
		{"end before start", booking.ReserveRequest{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(-time.Hour)}},
		{"odd duration", booking.ReserveRequest{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(45 * time.Minute)}},
		{"partial minute", booking.ReserveRequest{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour + time.Second)}},
		{"in the past", booking.ReserveRequest{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: at(monday.AddDays(-7), 9, 0), End: at(monday.AddDays(-7), 10, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Reserve(ctx, tt.req)

			var verr *calendar.ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.True(t, calendar.IsClientError(err))
			assert.False(t, calendar.IsRetryable(err))
		})
	}
}

func TestReserve_UnknownTutor(t *testing.T) {
	f := newFixture(t)
	start := at(monday, 9, 0)

	_, err := f.engine.Reserve(ctx, booking.ReserveRequest{TutorID: "ghost", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour)})

	assert.True(t, calendar.IsNotFound(err))
}

func TestReserve_OutsideAvailability(t *testing.T) {
	f := newFixture(t)

	// Straddles the 17:00 end of the window
	_, err := f.reserve(16, 30, 60)
	assert.Equal(t, calendar.ConflictOutsideAvailability, conflictReason(t, err))

	// Carved out by an exception
	_, err = f.avail.CreateException(ctx, calendar.AvailabilityException{
		TutorID: "t1", Date: monday, StartTime: hm(9, 0), EndTime: hm(10, 0),
	})
	require.NoError(t, err)
	_, err = f.reserve(9, 0, 60)
	assert.Equal(t, calendar.ConflictOutsideAvailability, conflictReason(t, err))
}

func TestReserve_DoubleBookedListsConflicts(t *testing.T) {
	f := newFixture(t)
	first, err := f.reserve(10, 0, 60)
	require.NoError(t, err)

	_, err = f.reserve(10, 30, 60)

	var conflict *calendar.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, calendar.ConflictDoubleBooked, conflict.Reason)
	assert.Equal(t, []calendar.SessionID{first.ID}, conflict.Conflicting)

	// Touching is fine
	_, err = f.reserve(11, 0, 30)
	assert.NoError(t, err)
}

func TestReserve_AcrossMidnight(t *testing.T) {
	// GIVEN: Sunday 22:00-24:00 and Monday 00:00-01:00
	f := newFixture(t)
	_, err := f.avail.ReplaceRules(ctx, "t1", []calendar.AvailabilityRule{
		{Weekday: time.Sunday, StartTime: hm(22, 0), EndTime: calendar.EndOfDay},
		{Weekday: time.Monday, StartTime: hm(0, 0), EndTime: hm(1, 0)},
	})
	require.NoError(t, err)

	// WHEN: Booking 23:30 Sunday to 00:30 Monday
	start := at(monday.AddDays(-1), 23, 30)
	booked, err := f.engine.Reserve(ctx, booking.ReserveRequest{
		TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour),
	})

	// THEN: Contiguous availability across midnight is honoured
	require.NoError(t, err)
	assert.Equal(t, 60, booked.DurationMinutes())

	// AND: Monday's slots start after the booking
	slots, err := f.engine.ListBookableSlots(ctx, "t1", monday, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"00:30"}, slotStarts(slots))
}

func TestReserve_ConcurrentSameSlotExactlyOneWins(t *testing.T) {
	// GIVEN: 25 students racing for the same hour
	f := newFixture(t)
	const n = 25
	var wg sync.WaitGroup
	results := make(chan error, n)
	start := at(monday, 13, 0)

	// WHEN
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Reserve(ctx, booking.ReserveRequest{
				TutorID:   "t1",
				StudentID: calendar.StudentID("s" + string(rune('a'+i))),
				SubjectID: "math",
				Start:     start.Add(time.Duration(i%3) * 15 * time.Minute),
				End:       start.Add(time.Hour + time.Duration(i%3)*15*time.Minute),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	// THEN: Exactly one success, all others double-booked
	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.Equal(t, calendar.ConflictDoubleBooked, conflictReason(t, err))
	}
	assert.Equal(t, 1, successes)

	active, err := f.store.FindOverlapping(ctx, "t1", at(monday, 0, 0), at(monday.AddDays(1), 0, 0), calendar.ActiveStatuses)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReserve_DifferentTutorsInParallel(t *testing.T) {
	f := newFixture(t)
	_, err := f.avail.SaveTutor(ctx, calendar.Tutor{ID: "t2"})
	require.NoError(t, err)
	_, err = f.avail.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t2", Weekday: time.Monday, StartTime: hm(9, 0), EndTime: hm(17, 0)})
	require.NoError(t, err)

	// GIVEN: t1's lock is held for the duration of the test
	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = f.store.WithTutorLock(ctx, "t1", time.Second, func(context.Context, calendar.Tx) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)

	// WHEN: t2 is reserved
	start := at(monday, 9, 0)
	_, err = f.engine.Reserve(ctx, booking.ReserveRequest{TutorID: "t2", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour)})

	// THEN: It does not wait on t1
	assert.NoError(t, err)
}

func TestReserve_LockTimeoutIsRetryableConflict(t *testing.T) {
	// GIVEN: A short lock timeout and a held lock
	mem := store.NewMemory()
	_, err := mem.SaveTutor(ctx, calendar.Tutor{ID: "t1"})
	require.NoError(t, err)
	cfg := booking.DefaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	clock := &fakeClock{now: at(monday.AddDays(-1), 12, 0)}
	engine := booking.NewReservationEngine(mem, cfg, booking.WithClock(clock.Now))

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = mem.WithTutorLock(ctx, "t1", time.Second, func(context.Context, calendar.Tx) error {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held
	defer close(hold)

	// WHEN
	start := at(monday, 9, 0)
	_, err = engine.Reserve(ctx, booking.ReserveRequest{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour)})

	// THEN
	assert.Equal(t, calendar.ConflictTimeout, conflictReason(t, err))
	assert.True(t, calendar.IsRetryable(err))
	assert.False(t, calendar.IsClientError(err))
}

func TestReserve_StudentOverlapIsNotEnforced(t *testing.T) {
	f := newFixture(t)
	_, err := f.avail.SaveTutor(ctx, calendar.Tutor{ID: "t2"})
	require.NoError(t, err)
	_, err = f.avail.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t2", Weekday: time.Monday, StartTime: hm(9, 0), EndTime: hm(17, 0)})
	require.NoError(t, err)

	_, err = f.reserve(9, 0, 60)
	require.NoError(t, err)

	start := at(monday, 9, 0)
	_, err = f.engine.Reserve(ctx, booking.ReserveRequest{TutorID: "t2", StudentID: "s1", SubjectID: "m", Start: start, End: start.Add(time.Hour)})
	assert.NoError(t, err)
}
