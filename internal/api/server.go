package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/finvera/webhookd/internal/config"
	"github.com/finvera/webhookd/internal/delivery"
	"github.com/finvera/webhookd/internal/dispatch"
	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/registry"
	"github.com/finvera/webhookd/internal/storage"
	"github.com/finvera/webhookd/internal/stream"
)

type Server struct {
	cfg    config.ServerConfig
	admin  config.AdminConfig
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

type Deps struct {
	Store       storage.Storage
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Worker      *delivery.Worker
	Hub         *stream.Hub
	Metrics     *metrics.Metrics
	MaxAttempts int
}

func NewServer(cfg config.ServerConfig, admin config.AdminConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		admin: admin,
		log:   log,
	}
	s.router = s.buildRouter(deps)
	return s
}

func (s *Server) buildRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	whHandler := NewWebhookHandler(deps.Registry, deps.Worker, deps.Store)
	evHandler := NewEventHandler(deps.Store, deps.Dispatcher, deps.MaxAttempts)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "webhookd"})
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))

	// Admin surface for the dashboard, behind the capability check.
	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireToken("X-Admin-Token", s.admin.Token))

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", whHandler.List)
			r.Post("/", whHandler.Create)
			r.Get("/stats/", whHandler.Stats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", whHandler.Get)
				r.Patch("/", whHandler.Update)
				r.Delete("/", whHandler.Delete)
				r.Post("/rotate-secret/", whHandler.RotateSecret)
				r.Post("/test/", whHandler.Test)
				r.Get("/events/", whHandler.Events)
			})
		})

		r.Route("/webhook-events", func(r chi.Router) {
			r.Get("/", evHandler.List)
			r.Get("/{id}/", evHandler.Get)
			r.Post("/{id}/retry/", evHandler.Retry)
		})

		r.Get("/stream", deps.Hub.Handler(delivery.StreamChannel))
	})

	// Event-fact ingestion for platform services.
	r.Route("/internal", func(r chi.Router) {
		r.Use(RequireToken("X-Service-Token", s.admin.ServiceToken))
		r.Post("/events/", evHandler.Ingest)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
