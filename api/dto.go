/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the calendar domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

WIRE FORMATS:
  Instants:     RFC3339, or "2006-01-02T15:04" in the engine's location
  Dates:        "2006-01-02"
  Time of day:  "HH:MM" ("24:00" allowed as an end)
  Hours:        decimal string, e.g. "1.5"

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: ScheduleJSON type
*/
package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/calendar"
	"github.com/warp/booking-engine/factory"
)

// =============================================================================
// TUTORS
// =============================================================================

type TutorDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateTutorRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// AVAILABILITY
// =============================================================================

type RuleDTO struct {
	ID        int64           `json:"id"`
	TutorID   string          `json:"tutor_id"`
	DayOfWeek int             `json:"day_of_week"`
	Day       string          `json:"day"`
	StartTime string          `json:"start_time"`
	EndTime   string          `json:"end_time"`
	Hours     decimal.Decimal `json:"hours"`
}

type RuleRequest struct {
	DayOfWeek *int   `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// ScheduleTemplateRequest replaces all rules, either from a named preset or
// from inline blocks.
type ScheduleTemplateRequest struct {
	Preset string `json:"preset,omitempty"`
	factory.ScheduleJSON
}

type ScheduleTemplateResponse struct {
	Rules       []RuleDTO       `json:"rules"`
	WeeklyHours decimal.Decimal `json:"weekly_hours"`
}

type ExceptionDTO struct {
	ID          int64  `json:"id"`
	TutorID     string `json:"tutor_id"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
	Reason      string `json:"reason,omitempty"`
}

type ExceptionRequest struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
	Reason      string `json:"reason"`
}

type WindowDTO struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Minutes   int    `json:"minutes"`
}

type DayWindowsDTO struct {
	Date    string      `json:"date"`
	Windows []WindowDTO `json:"windows"`
}

type SlotDTO struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// =============================================================================
// SESSIONS
// =============================================================================

type ReserveRequestDTO struct {
	TutorID   string `json:"tutor_id"`
	StudentID string `json:"student_id"`
	SubjectID string `json:"subject_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

type SessionDTO struct {
	ID              string          `json:"session_id"`
	TutorID         string          `json:"tutor_id"`
	StudentID       string          `json:"student_id"`
	SubjectID       string          `json:"subject_id"`
	Start           string          `json:"start"`
	End             string          `json:"end"`
	Status          string          `json:"status"`
	DurationMinutes int             `json:"duration_minutes"`
	Hours           decimal.Decimal `json:"hours"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
	CancelledAt     *string         `json:"cancelled_at,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	RescheduledFrom string          `json:"rescheduled_from,omitempty"`
}

type CompleteRequest struct {
	Notes string `json:"notes"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type RescheduleResponse struct {
	Cancelled SessionDTO `json:"cancelled"`
	Session   SessionDTO `json:"session"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error          string   `json:"error"`
	Details        string   `json:"details,omitempty"`
	Field          string   `json:"field,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	ConflictingIDs []string `json:"conflicting_ids,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTutorDTO(t calendar.Tutor) TutorDTO {
	return TutorDTO{ID: string(t.ID), Name: t.Name, CreatedAt: formatInstant(t.CreatedAt)}
}

func toRuleDTO(r calendar.AvailabilityRule) RuleDTO {
	return RuleDTO{
		ID:        int64(r.ID),
		TutorID:   string(r.TutorID),
		DayOfWeek: int(r.Weekday),
		Day:       strings.ToLower(r.Weekday.String()),
		StartTime: r.StartTime.String(),
		EndTime:   r.EndTime.String(),
		Hours:     factory.MinutesToHours(r.Span().Minutes()),
	}
}

func toRuleDTOs(rules []calendar.AvailabilityRule) []RuleDTO {
	out := make([]RuleDTO, 0, len(rules))
	for _, r := range rules {
		out = append(out, toRuleDTO(r))
	}
	return out
}

func toExceptionDTO(e calendar.AvailabilityException) ExceptionDTO {
	return ExceptionDTO{
		ID:          int64(e.ID),
		TutorID:     string(e.TutorID),
		Date:        e.Date.String(),
		StartTime:   e.StartTime.String(),
		EndTime:     e.EndTime.String(),
		IsAvailable: e.IsAvailable,
		Reason:      e.Reason,
	}
}

func toWindowDTOs(windows []calendar.FreeWindow) []WindowDTO {
	out := make([]WindowDTO, 0, len(windows))
	for _, w := range windows {
		out = append(out, WindowDTO{
			Date:      w.Date.String(),
			StartTime: w.StartTime.String(),
			EndTime:   w.EndTime.String(),
			Minutes:   w.Minutes(),
		})
	}
	return out
}

func toSlotDTOs(slots []calendar.BookableSlot) []SlotDTO {
	out := make([]SlotDTO, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotDTO{
			Date:      s.Date.String(),
			StartTime: s.StartTime.String(),
			EndTime:   s.EndTime.String(),
			Start:     formatInstant(s.Start),
			End:       formatInstant(s.End),
		})
	}
	return out
}

func toSessionDTO(s calendar.BookedSession) SessionDTO {
	return SessionDTO{
		ID:              string(s.ID),
		TutorID:         string(s.TutorID),
		StudentID:       string(s.StudentID),
		SubjectID:       string(s.SubjectID),
		Start:           formatInstant(s.Start),
		End:             formatInstant(s.End),
		Status:          string(s.Status),
		DurationMinutes: s.DurationMinutes(),
		Hours:           factory.MinutesToHours(s.DurationMinutes()),
		CreatedAt:       formatInstant(s.CreatedAt),
		StartedAt:       formatOptional(s.StartedAt),
		CompletedAt:     formatOptional(s.CompletedAt),
		CancelledAt:     formatOptional(s.CancelledAt),
		CancelledBy:     s.CancelledBy,
		CancelReason:    s.CancelReason,
		Notes:           s.Notes,
		RescheduledFrom: string(s.RescheduledFrom),
	}
}

func toSessionDTOs(sessions []calendar.BookedSession) []SessionDTO {
	out := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionDTO(s))
	}
	return out
}

// =============================================================================
// TIME FORMATS
// =============================================================================

const localMinuteLayout = "2006-01-02T15:04"

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatInstant(*t)
	return &s
}

// parseInstant accepts RFC3339 or a zone-less minute in loc.
func parseInstant(field, s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, calendar.Invalid(field, "is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation(localMinuteLayout, s, loc)
	if err != nil {
		return time.Time{}, calendar.Invalid(field, "invalid time %q (use RFC3339 or YYYY-MM-DDTHH:MM)", s)
	}
	return t, nil
}

func parseDate(field, s string) (calendar.Date, error) {
	d, err := calendar.ParseDate(s)
	if err != nil {
		return calendar.Date{}, calendar.Invalid(field, "%v", err)
	}
	return d, nil
}

func parseClock(field, s string) (calendar.Clock, error) {
	c, err := calendar.ParseClock(s)
	if err != nil {
		return 0, calendar.Invalid(field, "%v", err)
	}
	return c, nil
}
