package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/leadflow/internal/api"
	"github.com/jw6ventures/leadflow/internal/auth"
	"github.com/jw6ventures/leadflow/internal/config"
	"github.com/jw6ventures/leadflow/internal/http/ratelimit"
	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/store"
)

// Handlers are the endpoint implementations mounted by NewRouter.
type Handlers struct {
	Webhook     http.Handler
	Attribution *api.AttributionHandler
	Admin       *api.AdminHandler
	Auth        *auth.Service
}

// NewRouter wires the webhook, beacon, admin, and probe routes.
func NewRouter(cfg *config.Config, st *store.Store, logger zerolog.Logger, h Handlers) (http.Handler, error) {
	r := chi.NewRouter()

	// Beacons and admin calls share one per-client budget; webhooks come from the CRM and are not limited.
	limiter, err := ratelimit.NewIPRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, 0, cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(logger))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Post("/webhook/call-events", h.Webhook.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Attribution.AllowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Use(limiter.Middleware())
		r.Post("/attribution", h.Attribution.Collect)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(limiter.Middleware())
		r.Use(h.Auth.RequireAdmin)
		r.Post("/backfill-calls", h.Admin.BackfillCalls)
		r.Post("/sync-contacts", h.Admin.SyncContacts)
	})

	return r, nil
}

// requestIDField tags the request logger with chi's request id.
func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			logger := hlog.FromRequest(r).With().Str("req_id", id).Logger()
			r = r.WithContext(logger.WithContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
