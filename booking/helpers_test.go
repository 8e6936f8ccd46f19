package booking_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/calendar"
	"github.com/warp/booking-engine/calendar/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	ctx = context.Background()

	// 2025-03-10 is a Monday.
	monday = calendar.NewDate(2025, time.March, 10)
)

func hm(h, m int) calendar.Clock { return calendar.NewClock(h, m) }

func at(d calendar.Date, h, m int) time.Time { return d.At(hm(h, m), time.UTC) }

// fakeClock is a settable clock shared by engine components.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store     *store.Memory
	clock     *fakeClock
	engine    *booking.ReservationEngine
	lifecycle *booking.Lifecycle
	avail     *booking.AvailabilityManager
}

// newFixture builds the engine over an in-memory store with tutor "t1"
// available Monday 09:00-17:00. "Now" is the Sunday before.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		clock: &fakeClock{now: at(monday.AddDays(-1), 12, 0)},
	}
	var seq int64
	ids := func() calendar.SessionID {
		return calendar.SessionID(fmt.Sprintf("sess-%d", atomic.AddInt64(&seq, 1)))
	}

	cfg := booking.DefaultConfig()
	f.engine = booking.NewReservationEngine(f.store, cfg, booking.WithClock(f.clock.Now), booking.WithIDGenerator(ids))
	f.lifecycle = booking.NewLifecycle(f.engine)
	f.avail = booking.NewAvailabilityManager(f.store, cfg, booking.WithClock(f.clock.Now))

	_, err := f.avail.SaveTutor(ctx, calendar.Tutor{ID: "t1", Name: "Ada"})
	require.NoError(t, err)
	_, err = f.avail.CreateRule(ctx, calendar.AvailabilityRule{TutorID: "t1", Weekday: time.Monday, StartTime: hm(9, 0), EndTime: hm(17, 0)})
	require.NoError(t, err)
	return f
}

func (f *fixture) reserve(startH, startM, minutes int) (calendar.BookedSession, error) {
	start := at(monday, startH, startM)
	return f.engine.Reserve(ctx, booking.ReserveRequest{
		TutorID:   "t1",
		StudentID: "s1",
		SubjectID: "math",
		Start:     start,
		End:       start.Add(time.Duration(minutes) * time.Minute),
	})
}

func slotStarts(slots []calendar.BookableSlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.StartTime.String())
	}
	return out
}

func conflictReason(t *testing.T, err error) calendar.ConflictReason {
	t.Helper()
	reason, ok := calendar.ConflictReasonOf(err)
	require.True(t, ok, "expected ConflictError, got %v", err)
	return reason
}
