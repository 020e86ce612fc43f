package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/sendry-flow/internal/config"
	"github.com/foxzi/sendry-flow/internal/metrics"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/trigger"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

// Runner runs a single scheduling pass
type Runner interface {
	RunOnce(ctx context.Context) (int, error)
}

// Deps are the engine components exposed over HTTP
type Deps struct {
	Router    *trigger.Router
	Workflows *workflow.Service
	Runner    Runner
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	config      config.ServerConfig
	deps        Deps
	automations *repository.AutomationRepository
	contacts    *repository.ContactRepository
	steps       *repository.StepRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.LogRepository
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, db *sql.DB, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		config:      cfg,
		deps:        deps,
		automations: repository.NewAutomationRepository(db),
		contacts:    repository.NewContactRepository(db),
		steps:       repository.NewStepRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		logs:        repository.NewLogRepository(db),
		logger:      logger.With("component", "api"),
		startTime:   time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/events", s.handleEvent)
		r.Post("/webhooks/{automationID}", s.handleWebhook)

		r.Route("/automations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAutomation)
			r.Put("/workflow", s.handleSaveWorkflow)
			r.Post("/duplicate", s.handleDuplicate)
			r.Post("/enrollments", s.handleManualEnroll)
		})

		r.Get("/enrollments/{id}/logs", s.handleEnrollmentLogs)
		r.Post("/enrollments/{id}/exit", s.handleExit)

		r.Post("/scheduler/run", s.handleRunScheduler)
	})
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
