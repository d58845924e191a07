package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/events"
	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/storage"
	"github.com/heliogrid/heliogrid/pkg/supervisor"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Config holds the server's collaborators
type Config struct {
	Supervisor *supervisor.Supervisor
	Store      storage.Store
	Registry   *template.Registry
	Broker     *events.Broker // optional
	Sink       sink.Sink      // optional; telemetry routes answer 503 without it
	SinkConfig types.SinkConfig
	Deployer   *deploy.Deployer // optional; rollout routes answer 503 without it
	Guard      GuardConfig
}

// Server is the HTTP API of the supervisor daemon
type Server struct {
	supervisor *supervisor.Supervisor
	store      storage.Store
	registry   *template.Registry
	broker     *events.Broker
	sink       sink.Sink
	sinkConfig types.SinkConfig
	deployer   *deploy.Deployer
	guard      *guard

	router   chi.Router
	http     *http.Server
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	g, err := newGuard(cfg.Guard)
	if err != nil {
		return nil, types.ConfigError("api access control", err)
	}

	s := &Server{
		supervisor: cfg.Supervisor,
		store:      cfg.Store,
		registry:   cfg.Registry,
		broker:     cfg.Broker,
		sink:       cfg.Sink,
		sinkConfig: cfg.SinkConfig,
		deployer:   cfg.Deployer,
		guard:      g,
		validate:   newValidator(),
		logger:     log.WithComponent("api"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler)
	r.Get("/live", liveHandler)
	r.Handle("/metrics", metricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.guard.middleware)

		r.Get("/config/sink", s.getSinkConfig)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.listTemplates)
			r.Get("/{name}", s.getTemplate)
			r.Post("/{name}/rollout", s.startRollout)
			r.Get("/{name}/rollout", s.rolloutStatus)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.createDevice)
			r.Get("/", s.listDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getDevice)
				r.Delete("/", s.deleteDevice)
				r.Post("/start", s.startDevice)
				r.Post("/stop", s.stopDevice)
				r.Get("/status", s.deviceStatus)
				r.Get("/logs", s.deviceLogs)
				r.Get("/telemetry", s.telemetryRange)
				r.Get("/telemetry/last", s.telemetryLast)
			})
		})
	})

	return r
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
