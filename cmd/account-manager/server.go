package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wrale/oauth2-account-manager/cmd/account-manager/handlers/events"
	"github.com/wrale/oauth2-account-manager/cmd/account-manager/handlers/health"
	"github.com/wrale/oauth2-account-manager/internal/account"
	"github.com/wrale/oauth2-account-manager/internal/templates"
)

// serverDeps are the collaborators the HTTP surface needs
type serverDeps struct {
	manager  *account.Manager
	provider health.Checker
	storage  health.Checker
	states   health.Checker
	registry *prometheus.Registry
	logger   *slog.Logger
}

type server struct {
	cfg       Config
	router    *chi.Mux
	manager   *account.Manager
	templates *templates.Templates
	health    *health.Handler
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
}

func newServer(cfg Config, deps serverDeps) (*server, error) {
	// Load templates
	tmpls, err := templates.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	srv := &server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		manager:   deps.manager,
		templates: tmpls,
		health: health.New(map[string]health.Checker{
			"provider":   deps.provider,
			"storage":    deps.storage,
			"flow_state": deps.states,
		}).WithVersion(Version),
		events:  events.NewHub(events.WithLogger(deps.logger.With("component", "events"))),
		metrics: promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{Registry: deps.registry}),
		logger:  deps.logger,
	}
	deps.manager.Subscribe(srv.events)

	// Set up middleware
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.RealIP)

	// Register routes
	srv.routes()

	return srv, nil
}

func (s *server) routes() {
	// The event stream outlives any request timeout
	s.router.Get("/events", s.events.ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.health.ServeHTTP)
		r.Get("/metrics", s.metrics.ServeHTTP)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/begin", s.handleBeginAuth())
			r.Post("/pair", s.handleBeginPairing())
			r.Get("/complete", s.handleCompleteAuth())
		})

		r.Route("/account", func(r chi.Router) {
			r.Get("/status", s.handleStatus())
			r.Get("/profile", s.handleProfile())
			r.Post("/profile/refresh", s.handleRefreshProfile())
			r.Get("/token", s.handleAccessToken())
			r.Post("/logout", s.handleLogout())
			r.Get("/devices", s.handleDevices())
			r.Post("/push", s.handlePush())
			r.Get("/commands", s.handleCommands())
		})
	})
}
