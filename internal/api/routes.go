package api

import (
	"net/http"
	"time"

	"crypta.vault/config"
	"crypta.vault/internal/auth"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/service"
	"crypta.vault/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the router hands to its handlers.
type Dependencies struct {
	Service *service.Service
	Issuer  *auth.Issuer
	Users   *auth.UserVerifier
	Counter store.Counter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func SetupRouter(deps Dependencies, cfg *config.Config) *chi.Mux {
	h := NewHandler(deps.Service, deps.Issuer, cfg.Secrets.MaxSize, deps.Logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(Logger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(Instrument(deps.Metrics))
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// Health
	r.Get("/health", h.Health)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	apiLimit := passthrough
	tokenLimit := passthrough
	if cfg.RateLimit.Enabled {
		apiLimit = NewRateLimiter(deps.Counter, "api", cfg.RateLimit.RequestsPerMin, time.Minute, deps.Metrics, deps.Logger).Middleware
		tokenLimit = NewRateLimiter(deps.Counter, "token", cfg.RateLimit.TokenPerMin, time.Minute, deps.Metrics, deps.Logger).Middleware
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(apiLimit)
		r.Use(JSONOnly)

		r.With(tokenLimit).Post("/auth/token", h.IssueToken)

		// {secret} is the secret name here and the secret id below.
		r.Route("/secrets/{secret}", func(r chi.Router) {
			r.With(RequireServiceAccount(deps.Issuer)).Get("/versions/latest:access", h.AccessLatest)

			r.Group(func(r chi.Router) {
				r.Use(RequireUser(deps.Users))
				r.Get("/", h.GetSecret)
				r.Delete("/", h.DeleteSecret)
				r.Post("/versions", h.AddVersion)
				r.Get("/versions", h.ListVersions)
				r.Get("/audit-logs", h.ListAuditLogs)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireUser(deps.Users))

			r.Route("/projects", func(r chi.Router) {
				r.Post("/", h.CreateProject)
				r.Get("/", h.ListProjects)
				r.Route("/{project}", func(r chi.Router) {
					r.Get("/", h.GetProject)
					r.Delete("/", h.DeleteProject)
					r.Post("/service-accounts", h.CreateServiceAccount)
					r.Get("/service-accounts", h.ListServiceAccounts)
					r.Post("/secrets", h.CreateSecret)
					r.Get("/secrets", h.ListSecrets)
				})
			})

			r.Delete("/service-accounts/{account}", h.DeleteServiceAccount)

			r.Route("/iam/bindings", func(r chi.Router) {
				r.Post("/", h.CreateBinding)
				r.Get("/", h.ListBindings)
				r.Delete("/{binding}", h.RevokeBinding)
			})
		})
	})

	return r
}

func passthrough(next http.Handler) http.Handler { return next }
