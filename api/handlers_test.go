/*
handlers_test.go - HTTP tests for the booking API

Tests for:
- Availability and slot queries
- Reservation status codes (201, 400, 404, 409)
- Session lifecycle via X-Actor-ID
- Rule, exception and template endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/store/sqlite"
)

// Sunday 2025-03-09 12:00 UTC; the next day is Monday.
var testNow = time.Date(2025, time.March, 9, 12, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router *chi.Mux
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{now: testNow}
	ts.h = NewHandler(st, booking.DefaultConfig(), nil, func() time.Time { return ts.now })
	ts.router = NewRouter(ts.h, RouterOptions{EnableScenarios: true})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedMonday registers tutor t1 available Monday 09:00-17:00.
func (ts *testServer) seedMonday(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/tutors", CreateTutorRequest{ID: "t1", Name: "Ada"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	monday := 1
	rec = ts.do(t, http.MethodPost, "/api/tutors/t1/rules", RuleRequest{DayOfWeek: &monday, StartTime: "09:00", EndTime: "17:00"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) reserve(t *testing.T, start, end string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/api/reservations", ReserveRequestDTO{
		TutorID: "t1", StudentID: "s1", SubjectID: "math", Start: start, End: end,
	}, "")
}

// =============================================================================
// SLOTS & RESERVATIONS
// =============================================================================

func TestAPI_MondayExample(t *testing.T) {
	// GIVEN: Monday 09:00-17:00 with 10:00-11:00 booked
	ts := newTestServer(t)
	ts.seedMonday(t)
	rec := ts.reserve(t, "2025-03-10T10:00", "2025-03-10T11:00")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	booked := decode[SessionDTO](t, rec)
	assert.Equal(t, "scheduled", booked.Status)
	assert.Equal(t, "1", booked.Hours.String())

	// WHEN: Listing 60-minute slots
	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/bookable-slots?date=2025-03-10&duration=60", nil, "")

	// THEN: Slots avoid the booking, in 15-minute steps
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]SlotDTO](t, rec)
	require.NotEmpty(t, slots)
	assert.Equal(t, "09:00", slots[0].StartTime)
	assert.Equal(t, "11:00", slots[1].StartTime)
	assert.Equal(t, "16:00", slots[len(slots)-1].StartTime)

	// AND: Booking overlapping 10:30 is a conflict naming the session
	rec = ts.reserve(t, "2025-03-10T10:30:00Z", "2025-03-10T11:30:00Z")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "double-booked", body.Reason)
	assert.Equal(t, []string{booked.ID}, body.ConflictingIDs)
}

func TestAPI_ReserveErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)

	tests := []struct {
		name       string
		req        ReserveRequestDTO
		wantStatus int
		wantReason string
	}{
		{"bad time", ReserveRequestDTO{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: "tomorrow", End: "2025-03-10T11:00"}, http.StatusBadRequest, ""},
		{"disallowed duration", ReserveRequestDTO{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: "2025-03-10T10:00", End: "2025-03-10T10:45"}, http.StatusBadRequest, ""},
		{"unknown tutor", ReserveRequestDTO{TutorID: "ghost", StudentID: "s1", SubjectID: "m", Start: "2025-03-10T10:00", End: "2025-03-10T11:00"}, http.StatusNotFound, ""},
		{"outside availability", ReserveRequestDTO{TutorID: "t1", StudentID: "s1", SubjectID: "m", Start: "2025-03-10T17:00", End: "2025-03-10T18:00"}, http.StatusConflict, "outside-availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/reservations", tt.req, "")
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, decode[ErrorResponse](t, rec).Reason)
			}
		})
	}

	rec := ts.do(t, http.MethodPost, "/api/reservations", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Availability(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)
	rec := ts.do(t, http.MethodPost, "/api/tutors/t1/exceptions", ExceptionRequest{
		Date: "2025-03-10", StartTime: "12:00", EndTime: "13:00", Reason: "lunch",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/availability?date=2025-03-10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	windows := decode[[]WindowDTO](t, rec)
	require.Len(t, windows, 2)
	assert.Equal(t, "12:00", windows[0].EndTime)
	assert.Equal(t, 240, windows[1].Minutes)

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/availability?from=2025-03-10&to=2025-03-23", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	days := decode[[]DayWindowsDTO](t, rec)
	require.Len(t, days, 2)
	assert.Equal(t, "2025-03-17", days[1].Date)

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/availability?date=nope", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date", decode[ErrorResponse](t, rec).Field)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)
	rec := ts.reserve(t, "2025-03-10T10:00", "2025-03-10T11:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[SessionDTO](t, rec).ID
	base := "/api/sessions/" + id

	// Too early
	rec = ts.do(t, http.MethodPost, base+"/start", nil, "t1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "too-early", decode[ErrorResponse](t, rec).Reason)

	// Not a participant
	ts.now = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
	rec = ts.do(t, http.MethodPost, base+"/start", nil, "intruder")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/start", nil, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "in_progress", decode[SessionDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, base+"/complete", CompleteRequest{Notes: "limits"}, "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[SessionDTO](t, rec)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "limits", done.Notes)
	assert.NotNil(t, done.CompletedAt)

	rec = ts.do(t, http.MethodPost, base+"/cancel", nil, "s1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid-transition", decode[ErrorResponse](t, rec).Reason)

	rec = ts.do(t, http.MethodGet, "/api/sessions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_StartAfterEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)
	rec := ts.reserve(t, "2025-03-10T10:00", "2025-03-10T11:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[SessionDTO](t, rec).ID

	ts.now = time.Date(2025, time.March, 10, 11, 5, 0, 0, time.UTC)
	rec = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/start", nil, "s1")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "too-late", decode[ErrorResponse](t, rec).Reason)
}

func TestAPI_CancelAndReschedule(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)
	rec := ts.reserve(t, "2025-03-10T10:00", "2025-03-10T11:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[SessionDTO](t, rec).ID

	rec = ts.do(t, http.MethodPost, "/api/sessions/"+first+"/reschedule", RescheduleRequest{Start: "2025-03-10T14:00", End: "2025-03-10T15:30"}, "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[RescheduleResponse](t, rec)
	assert.Equal(t, "cancelled", moved.Cancelled.Status)
	assert.Equal(t, first, moved.Session.RescheduledFrom)
	assert.Equal(t, 90, moved.Session.DurationMinutes)

	rec = ts.do(t, http.MethodPost, "/api/sessions/"+moved.Session.ID+"/cancel", CancelRequest{Reason: "sick"}, "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sick", decode[SessionDTO](t, rec).CancelReason)

	rec = ts.do(t, http.MethodGet, "/api/students/s1/sessions?status=cancelled", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SessionDTO](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/sessions?status=scheduled", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]SessionDTO](t, rec))

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/sessions?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RULES & TEMPLATES
// =============================================================================

func TestAPI_Rules(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)

	monday := 1
	rec := ts.do(t, http.MethodPost, "/api/tutors/t1/rules", RuleRequest{DayOfWeek: &monday, StartTime: "16:00", EndTime: "18:00"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/tutors/t1/rules", RuleRequest{DayOfWeek: &monday, StartTime: "22:00", EndTime: "01:00"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/tutors/t1/rules", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[[]RuleDTO](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, "monday", rules[0].Day)
	assert.Equal(t, "8", rules[0].Hours.String())

	path := "/api/tutors/t1/rules/" + jsonNumber(rules[0].ID)
	rec = ts.do(t, http.MethodPut, path, RuleRequest{DayOfWeek: &monday, StartTime: "10:00", EndTime: "12:00"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "10:00", decode[RuleDTO](t, rec).StartTime)

	rec = ts.do(t, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, path, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ScheduleTemplate(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMonday(t)

	rec := ts.do(t, http.MethodPut, "/api/tutors/t1/schedule-template", ScheduleTemplateRequest{Preset: "weekday-business"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ScheduleTemplateResponse](t, rec)
	assert.Len(t, resp.Rules, 10)
	assert.Equal(t, "35", resp.WeeklyHours.String())

	rec = ts.do(t, http.MethodPut, "/api/tutors/t1/schedule-template", ScheduleTemplateRequest{Preset: "unknown"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/tutors/ghost/schedule-template", ScheduleTemplateRequest{Preset: "weekday-business"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
