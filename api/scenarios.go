/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with tutors,
	availability and bookings that demonstrate specific engine behaviour.

AVAILABLE SCENARIOS:
	monday-example:        One tutor, Monday 09:00-17:00, 10:00-11:00 taken
	weekday-business:      Preset template plus a day off and an extra Saturday
	evenings-and-weekends: Preset template with a booked and a cancelled session

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register tutors
 3. Apply rules (directly or via factory presets)
 4. Add exceptions
 5. Reserve (and optionally cancel) sessions through the engine

Dates are relative to "now": scenarios always use the next Monday so the
bookings are in the future.

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "monday-example"}

NOTE:
	Scenarios reset the store. Only enable in development/demo environments.

SEE ALSO:
  - handlers.go: Engine wiring
  - factory/schedule.go: Preset templates
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/calendar"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "monday-example",
		Name:        "Monday Example",
		Description: "Tutor available Monday 09:00-17:00 with 10:00-11:00 already booked",
	},
	{
		ID:          "weekday-business",
		Name:        "Weekday Business Hours",
		Description: "Preset weekday template, a day off on Friday and an extra Saturday morning",
	},
	{
		ID:          "evenings-and-weekends",
		Name:        "Evenings and Weekends",
		Description: "Preset evening template with one booked and one cancelled session",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"monday-example":        (*Handler).loadMondayExample,
	"weekday-business":      (*Handler).loadWeekdayBusiness,
	"evenings-and-weekends": (*Handler).loadEveningsAndWeekends,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.store.Reset(ctx); err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.writeEngineError(w, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reset(r.Context()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadMondayExample(ctx context.Context) error {
	monday := h.nextWeekday(time.Monday)
	if _, err := h.Availability.SaveTutor(ctx, calendar.Tutor{ID: "tutor-ada", Name: "Ada"}); err != nil {
		return err
	}
	if _, err := h.Availability.CreateRule(ctx, calendar.AvailabilityRule{
		TutorID: "tutor-ada", Weekday: time.Monday, StartTime: calendar.NewClock(9, 0), EndTime: calendar.NewClock(17, 0),
	}); err != nil {
		return err
	}
	_, err := h.reserveAt(ctx, "tutor-ada", "student-ben", "calculus", monday, calendar.NewClock(10, 0), 60)
	return err
}

func (h *Handler) loadWeekdayBusiness(ctx context.Context) error {
	monday := h.nextWeekday(time.Monday)
	if _, err := h.Availability.SaveTutor(ctx, calendar.Tutor{ID: "tutor-cleo", Name: "Cleo"}); err != nil {
		return err
	}
	rules, err := h.Templates.Preset("weekday-business")
	if err != nil {
		return err
	}
	if _, err := h.Availability.ReplaceRules(ctx, "tutor-cleo", rules); err != nil {
		return err
	}

	exceptions := []calendar.AvailabilityException{
		{TutorID: "tutor-cleo", Date: monday.AddDays(4), StartTime: calendar.Midnight, EndTime: calendar.EndOfDay, Reason: "conference"},
		{TutorID: "tutor-cleo", Date: monday.AddDays(5), StartTime: calendar.NewClock(10, 0), EndTime: calendar.NewClock(12, 0), IsAvailable: true, Reason: "exam prep"},
	}
	for _, e := range exceptions {
		if _, err := h.Availability.CreateException(ctx, e); err != nil {
			return err
		}
	}

	if _, err := h.reserveAt(ctx, "tutor-cleo", "student-dan", "physics", monday.AddDays(1), calendar.NewClock(9, 0), 90); err != nil {
		return err
	}
	_, err = h.reserveAt(ctx, "tutor-cleo", "student-eve", "chemistry", monday.AddDays(5), calendar.NewClock(10, 0), 120)
	return err
}

func (h *Handler) loadEveningsAndWeekends(ctx context.Context) error {
	monday := h.nextWeekday(time.Monday)
	if _, err := h.Availability.SaveTutor(ctx, calendar.Tutor{ID: "tutor-finn", Name: "Finn"}); err != nil {
		return err
	}
	rules, err := h.Templates.Preset("evenings-and-weekends")
	if err != nil {
		return err
	}
	if _, err := h.Availability.ReplaceRules(ctx, "tutor-finn", rules); err != nil {
		return err
	}

	if _, err := h.reserveAt(ctx, "tutor-finn", "student-gus", "history", monday, calendar.NewClock(18, 0), 60); err != nil {
		return err
	}
	cancelled, err := h.reserveAt(ctx, "tutor-finn", "student-hal", "french", monday.AddDays(2), calendar.NewClock(17, 0), 90)
	if err != nil {
		return err
	}
	_, err = h.Lifecycle.Cancel(ctx, cancelled.ID, "student-hal", "schedule clash")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// nextWeekday returns the first date strictly after today falling on wd.
func (h *Handler) nextWeekday(wd time.Weekday) calendar.Date {
	d := calendar.DateOf(h.now().In(h.location())).AddDays(1)
	for d.Weekday() != wd {
		d = d.AddDays(1)
	}
	return d
}

func (h *Handler) reserveAt(ctx context.Context, tutor calendar.TutorID, student calendar.StudentID, subject calendar.SubjectID, date calendar.Date, at calendar.Clock, minutes int) (calendar.BookedSession, error) {
	start := date.At(at, h.location())
	return h.Engine.Reserve(ctx, booking.ReserveRequest{
		TutorID:   tutor,
		StudentID: student,
		SubjectID: subject,
		Start:     start,
		End:       start.Add(time.Duration(minutes) * time.Minute),
	})
}
