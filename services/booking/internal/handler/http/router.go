package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MidhunGopi/AeroLux/pkg/health"
	"github.com/MidhunGopi/AeroLux/pkg/middleware"
)

const serviceName = "booking"

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	CORS middleware.CORSConfig
	// OperatorTokens guards saga resume and the outbox endpoints. Empty
	// leaves them open, which is only meant for local development.
	OperatorTokens map[string]middleware.Principal
	// PprofCIDRs enables /debug/pprof for the listed networks when non-empty.
	PprofCIDRs []string
	// RequestTimeout bounds non-saga requests. Saga runs carry their own deadline.
	RequestTimeout time.Duration
}

// NewRouter creates a chi router with all booking service routes registered.
func NewRouter(
	bookings BookingSagaService,
	audit AuditTrail,
	outbox OutboxAdmin,
	healthHandler *health.Handler,
	logger *slog.Logger,
	cfg RouterConfig,
) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	if len(cfg.PprofCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)
	}

	bookingHandler := NewBookingHandler(bookings, audit, logger)
	outboxHandler := NewOutboxHandler(outbox, logger)

	operatorOnly := func(r chi.Router) {
		if len(cfg.OperatorTokens) > 0 {
			r.Use(middleware.Auth(middleware.StaticTokens(cfg.OperatorTokens)))
			r.Use(middleware.RequireRole(middleware.RoleOperator))
		}
	}

	r.Route("/api/v1/bookings", func(r chi.Router) {
		r.Use(JSONBody(maxRequestBody))

		r.Post("/saga", bookingHandler.ExecuteSaga)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			r.Get("/{id}", bookingHandler.GetBooking)
			r.Get("/{id}/events", bookingHandler.GetAuditTrail)
		})
	})

	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.With(chimw.Timeout(cfg.RequestTimeout)).Get("/{id}", bookingHandler.GetSaga)

		r.Group(func(r chi.Router) {
			operatorOnly(r)
			r.Post("/{id}/resume", bookingHandler.ResumeSaga)
		})
	})

	r.Route("/api/v1/outbox", func(r chi.Router) {
		operatorOnly(r)
		r.Use(chimw.Timeout(cfg.RequestTimeout))

		r.Get("/pending", outboxHandler.ListPending)
		r.Get("/parked", outboxHandler.ListParked)
		r.Post("/{id}/requeue", outboxHandler.Requeue)
	})

	return r
}
