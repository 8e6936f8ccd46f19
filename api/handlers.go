/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes availability, reservation and session lifecycle via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the booking package.

ENDPOINTS:
  Tutors:
    POST   /api/tutors                                   Create or rename tutor
    GET    /api/tutors/{tutorID}                         Get tutor

  Availability:
    GET    /api/tutors/{tutorID}/rules                   List weekly rules
    POST   /api/tutors/{tutorID}/rules                   Create rule
    PUT    /api/tutors/{tutorID}/rules/{ruleID}          Update rule
    DELETE /api/tutors/{tutorID}/rules/{ruleID}          Delete rule
    PUT    /api/tutors/{tutorID}/schedule-template       Replace rules from a template
    GET    /api/tutors/{tutorID}/exceptions?from&to      List exceptions
    POST   /api/tutors/{tutorID}/exceptions              Create exception
    PUT    /api/tutors/{tutorID}/exceptions/{id}         Update exception
    DELETE /api/tutors/{tutorID}/exceptions/{id}         Delete exception
    GET    /api/tutors/{tutorID}/availability            Free windows (date or from/to)
    GET    /api/tutors/{tutorID}/bookable-slots          Slots for date + duration

  Sessions:
    POST   /api/reservations                             Reserve
    GET    /api/sessions/{id}                            Get session
    POST   /api/sessions/{id}/start|complete|cancel      Transitions
    POST   /api/sessions/{id}/reschedule                 Move session
    GET    /api/tutors/{tutorID}/sessions                Tutor's sessions
    GET    /api/students/{studentID}/sessions            Student's sessions

ACTOR:
  Lifecycle endpoints read the caller from the X-Actor-ID header. The header
  is set by the authentication layer in front of this service.

ERROR HANDLING:
  Engine errors are mapped in writeEngineError:
  - 400: ValidationError
  - 403: ForbiddenError
  - 404: NotFoundError
  - 409: ConflictError (Retry-After on timeout), TransitionError
  - 500: Everything else (logged, details hidden)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/calendar"
	"github.com/warp/booking-engine/factory"
)

// ActorHeader carries the authenticated caller id.
const ActorHeader = "X-Actor-ID"

// Store is the persistence the handlers need. Reset is used by scenarios.
type Store interface {
	calendar.Store
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine       *booking.ReservationEngine
	Lifecycle    *booking.Lifecycle
	Availability *booking.AvailabilityManager
	Templates    *factory.ScheduleFactory

	store Store
	log   *zap.Logger
	now   func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine components over st. A nil now uses time.Now.
func NewHandler(st Store, cfg booking.Config, log *zap.Logger, now func() time.Time) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	opts := []booking.Option{booking.WithClock(now), booking.WithLogger(log)}
	engine := booking.NewReservationEngine(st, cfg, opts...)
	return &Handler{
		Engine:       engine,
		Lifecycle:    booking.NewLifecycle(engine),
		Availability: booking.NewAvailabilityManager(st, cfg, opts...),
		Templates:    factory.NewScheduleFactory(),
		store:        st,
		log:          log,
		now:          now,
	}
}

func (h *Handler) location() *time.Location {
	return h.Engine.Config().Location
}

// =============================================================================
// TUTOR ENDPOINTS
// =============================================================================

// CreateTutor registers a tutor (or renames an existing one).
func (h *Handler) CreateTutor(w http.ResponseWriter, r *http.Request) {
	var req CreateTutorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.Availability.SaveTutor(r.Context(), calendar.Tutor{ID: calendar.TutorID(req.ID), Name: req.Name})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTutorDTO(t))
}

func (h *Handler) GetTutor(w http.ResponseWriter, r *http.Request) {
	t, err := h.Availability.GetTutor(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTutorDTO(t))
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Availability.ListRules(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs(rules))
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	created, err := h.Availability.CreateRule(r.Context(), rule)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(created))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "ruleID")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = calendar.RuleID(id)
	updated, err := h.Availability.UpdateRule(r.Context(), rule)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(updated))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "ruleID")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Availability.DeleteRule(r.Context(), tutorParam(r), calendar.RuleID(id)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyScheduleTemplate replaces the tutor's rules with a preset or inline template.
func (h *Handler) ApplyScheduleTemplate(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		rules []calendar.AvailabilityRule
		err   error
	)
	if req.Preset != "" {
		rules, err = h.Templates.Preset(req.Preset)
	} else {
		rules, err = h.Templates.FromJSON(req.ScheduleJSON)
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	replaced, err := h.Availability.ReplaceRules(r.Context(), tutorParam(r), rules)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleTemplateResponse{
		Rules:       toRuleDTOs(replaced),
		WeeklyHours: factory.WeeklyHours(replaced),
	})
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (calendar.AvailabilityRule, bool) {
	var req RuleRequest
	if !decodeJSON(w, r, &req) {
		return calendar.AvailabilityRule{}, false
	}
	if req.DayOfWeek == nil {
		h.writeEngineError(w, calendar.Invalid("day_of_week", "is required"))
		return calendar.AvailabilityRule{}, false
	}
	start, err := parseClock("start_time", req.StartTime)
	if err != nil {
		h.writeEngineError(w, err)
		return calendar.AvailabilityRule{}, false
	}
	end, err := parseClock("end_time", req.EndTime)
	if err != nil {
		h.writeEngineError(w, err)
		return calendar.AvailabilityRule{}, false
	}
	return calendar.AvailabilityRule{
		TutorID:   tutorParam(r),
		Weekday:   time.Weekday(*req.DayOfWeek),
		StartTime: start,
		EndTime:   end,
	}, true
}

// =============================================================================
// EXCEPTION ENDPOINTS
// =============================================================================

// ListExceptions lists exceptions in [from, to], defaulting to the next 30 days.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	today := calendar.DateOf(h.now().In(h.location()))
	rng := calendar.DateRange{From: today, To: today.AddDays(30)}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		d, err := parseDate("from", v)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		rng.From = d
	}
	if v := q.Get("to"); v != "" {
		d, err := parseDate("to", v)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		rng.To = d
	}

	excs, err := h.Availability.ListExceptions(r.Context(), tutorParam(r), rng)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]ExceptionDTO, 0, len(excs))
	for _, e := range excs {
		out = append(out, toExceptionDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateException(w http.ResponseWriter, r *http.Request) {
	exc, ok := h.decodeException(w, r)
	if !ok {
		return
	}
	created, err := h.Availability.CreateException(r.Context(), exc)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExceptionDTO(created))
}

func (h *Handler) UpdateException(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "exceptionID")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	exc, ok := h.decodeException(w, r)
	if !ok {
		return
	}
	exc.ID = calendar.ExceptionID(id)
	updated, err := h.Availability.UpdateException(r.Context(), exc)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTO(updated))
}

func (h *Handler) DeleteException(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "exceptionID")
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.Availability.DeleteException(r.Context(), tutorParam(r), calendar.ExceptionID(id)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeException(w http.ResponseWriter, r *http.Request) (calendar.AvailabilityException, bool) {
	var req ExceptionRequest
	if !decodeJSON(w, r, &req) {
		return calendar.AvailabilityException{}, false
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		h.writeEngineError(w, err)
		return calendar.AvailabilityException{}, false
	}
	start, err := parseClock("start_time", req.StartTime)
	if err != nil {
		h.writeEngineError(w, err)
		return calendar.AvailabilityException{}, false
	}
	end, err := parseClock("end_time", req.EndTime)
	if err != nil {
		h.writeEngineError(w, err)
		return calendar.AvailabilityException{}, false
	}
	return calendar.AvailabilityException{
		TutorID:     tutorParam(r),
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		IsAvailable: req.IsAvailable,
		Reason:      req.Reason,
	}, true
}

// =============================================================================
// AVAILABILITY QUERIES
// =============================================================================

// GetAvailability returns free windows for ?date= or for ?from=&to=.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minDuration, err := intQuery(r, "min_duration", 0)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	gen := h.Engine.Generator()

	if q.Get("from") != "" || q.Get("to") != "" {
		from, err := parseDate("from", q.Get("from"))
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		to, err := parseDate("to", q.Get("to"))
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		days, err := gen.ComputeAvailableRange(r.Context(), tutorParam(r), from, to, minDuration)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		out := make([]DayWindowsDTO, 0, len(days))
		for _, d := range days {
			out = append(out, DayWindowsDTO{Date: d.Date.String(), Windows: toWindowDTOs(d.Windows)})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	date, err := parseDate("date", q.Get("date"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	windows, err := gen.ComputeAvailableWindows(r.Context(), tutorParam(r), date, minDuration)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTOs(windows))
}

// ListBookableSlots returns start-aligned slots for ?date=&duration=.
func (h *Handler) ListBookableSlots(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate("date", r.URL.Query().Get("date"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	duration, err := intQuery(r, "duration", 0)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	slots, err := h.Engine.ListBookableSlots(r.Context(), tutorParam(r), date, duration)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

// =============================================================================
// RESERVATION & SESSION ENDPOINTS
// =============================================================================

// Reserve books a session.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := parseInstant("start", req.Start, h.location())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	end, err := parseInstant("end", req.End, h.location())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	s, err := h.Engine.Reserve(r.Context(), booking.ReserveRequest{
		TutorID:   calendar.TutorID(req.TutorID),
		StudentID: calendar.StudentID(req.StudentID),
		SubjectID: calendar.SubjectID(req.SubjectID),
		Start:     start,
		End:       end,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lifecycle.Get(r.Context(), sessionParam(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lifecycle.Start(r.Context(), sessionParam(r), actor(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	s, err := h.Lifecycle.Complete(r.Context(), sessionParam(r), actor(r), req.Notes)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	s, err := h.Lifecycle.Cancel(r.Context(), sessionParam(r), actor(r), req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) RescheduleSession(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, err := parseInstant("start", req.Start, h.location())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	end, err := parseInstant("end", req.End, h.location())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	old, replacement, err := h.Lifecycle.Reschedule(r.Context(), sessionParam(r), actor(r), start, end)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RescheduleResponse{Cancelled: toSessionDTO(old), Session: toSessionDTO(replacement)})
}

func (h *Handler) ListTutorSessions(w http.ResponseWriter, r *http.Request) {
	f, err := h.sessionFilter(r)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	sessions, err := h.Lifecycle.ListForTutor(r.Context(), tutorParam(r), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) ListStudentSessions(w http.ResponseWriter, r *http.Request) {
	f, err := h.sessionFilter(r)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	sessions, err := h.Lifecycle.ListForStudent(r.Context(), calendar.StudentID(chi.URLParam(r, "studentID")), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// sessionFilter reads ?status=a,b&from=&to=&limit=.
func (h *Handler) sessionFilter(r *http.Request) (calendar.SessionFilter, error) {
	var f calendar.SessionFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := calendar.SessionStatus(strings.TrimSpace(part))
			if !st.Valid() {
				return f, calendar.Invalid("status", "unknown status %q", st)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := q.Get("from"); v != "" {
		t, err := parseInstant("from", v, h.location())
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseInstant("to", v, h.location())
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func tutorParam(r *http.Request) calendar.TutorID {
	return calendar.TutorID(chi.URLParam(r, "tutorID"))
}

func sessionParam(r *http.Request) calendar.SessionID {
	return calendar.SessionID(chi.URLParam(r, "id"))
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, calendar.Invalid(name, "must be an integer")
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, calendar.Invalid(name, "must be an integer")
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		verr       *calendar.ValidationError
		conflict   *calendar.ConflictError
		transition *calendar.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: verr.Message, Field: verr.Field})
	case calendar.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, calendar.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.As(err, &conflict):
		resp := ErrorResponse{Error: "Conflict", Details: conflict.Error(), Reason: string(conflict.Reason)}
		for _, id := range conflict.Conflicting {
			resp.ConflictingIDs = append(resp.ConflictingIDs, string(id))
		}
		if conflict.Retryable() {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, calendar.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Conflict", Details: err.Error(), Reason: string(calendar.ConflictTimeout)})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Invalid transition", Details: transition.Error(), Reason: string(transition.Reason)})
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
