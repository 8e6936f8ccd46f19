/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (logging.RequestLogger)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /api/tutors/*         Tutors, availability, slots, tutor sessions
  /api/reservations     Reserve
  /api/sessions/*       Session lifecycle
  /api/students/*       Student sessions
  /api/scenarios/*      Demo scenarios (when enabled)
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The caller identity comes from the
  X-Actor-ID header set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/booking-engine/logging"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins     []string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tutors", func(r chi.Router) {
			r.Post("/", h.CreateTutor)
			r.Route("/{tutorID}", func(r chi.Router) {
				r.Get("/", h.GetTutor)

				r.Get("/rules", h.ListRules)
				r.Post("/rules", h.CreateRule)
				r.Put("/rules/{ruleID}", h.UpdateRule)
				r.Delete("/rules/{ruleID}", h.DeleteRule)
				r.Put("/schedule-template", h.ApplyScheduleTemplate)

				r.Get("/exceptions", h.ListExceptions)
				r.Post("/exceptions", h.CreateException)
				r.Put("/exceptions/{exceptionID}", h.UpdateException)
				r.Delete("/exceptions/{exceptionID}", h.DeleteException)

				r.Get("/availability", h.GetAvailability)
				r.Get("/bookable-slots", h.ListBookableSlots)
				r.Get("/sessions", h.ListTutorSessions)
			})
		})

		r.Post("/reservations", h.Reserve)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.Post("/complete", h.CompleteSession)
			r.Post("/cancel", h.CancelSession)
			r.Post("/reschedule", h.RescheduleSession)
		})

		r.Get("/students/{studentID}/sessions", h.ListStudentSessions)

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
