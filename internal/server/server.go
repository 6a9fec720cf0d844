// Package server provides the HTTP server and routing for the coordinator.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/database"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/metrics"
	"github.com/aristath/coordinator/internal/modules/construction"
	"github.com/aristath/coordinator/internal/modules/history"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/stress"
	"github.com/aristath/coordinator/internal/scheduler"
)

// Config holds server dependencies.
type Config struct {
	Log          zerolog.Logger
	Cfg          *config.Config
	Scheduler    *rebalance.Scheduler
	RebalanceJob *scheduler.RebalanceJob
	History      *history.Repository
	HistoryDB    *database.DB
	Harness      *stress.Harness
	Sleeve       *construction.Sleeve // nil when no construction module is configured
	Metrics      *metrics.Recorder
	Bus          *events.Bus
}

// Server is the coordinator's HTTP front.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config

	handlers *Handlers
	system   *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		cfg:      cfg,
		handlers: NewHandlers(cfg, cfg.Log),
		system:   NewSystemHandlers(cfg.Log, cfg.Cfg.DataDir, cfg.HistoryDB),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	s.router.Get("/ws/allocations", events.NewWSHandler(s.cfg.Bus, s.log).ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/rebalance", s.handlers.HandleTriggerRebalance)
		r.Get("/state", s.handlers.HandleState)

		r.Get("/allocations", s.handlers.HandleListAllocations)
		r.Get("/allocations/latest", s.handlers.HandleLatestAllocation)
		r.Get("/trust", s.handlers.HandleListTrust)

		r.Post("/modules/{id}/lesion", s.handlers.HandleLesion)
		r.Post("/modules/{id}/trust", s.handlers.HandleSetTrust)

		r.Post("/stress", s.handlers.HandleStress)
		r.Post("/stress/lesion/{id}", s.handlers.HandleStressLesion)

		r.Get("/construction", s.handlers.HandleConstructionMetrics)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}
