package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Audit        *audit.QueryService
	Tokens       *TokenManager
	Location     *time.Location // clinic zone for date-only query parameters
	Probes       []Probe        // dependencies reported by /health/ready
	Env          string
	Version      string
	Log          zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	log := cfg.Log

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Probes, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(cfg.Tokens))
		r.Use(OriginMiddleware)

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(cfg.Appointments, log))
			r.Get("/", listAppointmentsHandler(cfg.Appointments, loc, log))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments, log))
			r.Patch("/{id}", updateAppointmentHandler(cfg.Appointments, log))
			r.Delete("/{id}", deleteAppointmentHandler(cfg.Appointments, log))
			r.Post("/{id}/status", transitionAppointmentHandler(cfg.Appointments, log))
			r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Appointments, log))
		})

		r.Route("/audit", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin, domain.RoleSystem))
			r.Get("/", queryAuditHandler(cfg.Audit, loc, log))
			r.Get("/stats", auditStatsHandler(cfg.Audit, log))
			r.Get("/export", exportAuditHandler(cfg.Audit, loc, log))
			r.Get("/history/{resourceType}/{resourceID}", auditHistoryHandler(cfg.Audit, log))
		})
	})

	return r
}
