// Package server wires the engine components into a running process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/sendry-flow/internal/api"
	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/config"
	"github.com/foxzi/sendry-flow/internal/db"
	"github.com/foxzi/sendry-flow/internal/email"
	"github.com/foxzi/sendry-flow/internal/events"
	"github.com/foxzi/sendry-flow/internal/executor"
	"github.com/foxzi/sendry-flow/internal/lock"
	"github.com/foxzi/sendry-flow/internal/metrics"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/scheduler"
	"github.com/foxzi/sendry-flow/internal/trigger"
	"github.com/foxzi/sendry-flow/internal/webhook"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

const collectInterval = 15 * time.Second

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *db.DB
	redis     *redis.Client
	cache     cache.Cache
	bus       *events.Bus
	router    *trigger.Router
	scheduler *scheduler.Scheduler
	api       *api.Server

	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New opens storage and builds every component. Nothing is started yet.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, db: database}
	if err := s.build(version); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(version string) error {
	cfg := s.cfg
	d := s.db.DB

	if cfg.Cache.Driver == "redis" || cfg.Lock.Driver == "redis" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	switch cfg.Cache.Driver {
	case "bolt":
		bc, err := cache.NewBoltCache(cfg.Cache.Path, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		s.cache = bc
	case "redis":
		s.cache = cache.NewRedisCache(s.redis, cfg.Cache.TTL)
	default:
		s.cache = cache.Nop{}
	}

	var locker lock.Locker
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedisLocker(s.redis)
	} else {
		locker = lock.NewSQLLocker(d)
	}

	sender, err := email.New(cfg.Email, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create email sender: %w", err)
	}

	s.bus = events.NewBus(cfg.Events.Buffer, s.logger)

	steps := repository.NewStepRepository(d)
	workflows := workflow.NewService(repository.NewAutomationRepository(d), steps, s.cache, s.logger)

	exec := executor.New(executor.Deps{
		Contacts: repository.NewContactRepository(d),
		Counters: steps,
		Logs:     repository.NewLogRepository(d),
		Sender:   sender,
		Webhooks: webhook.NewClient(cfg.Webhook.Timeout, cfg.Webhook.UserAgent),
		Events:   s.bus,
		Cache:    s.cache,
	}, cfg.Email.FromEmail, cfg.Email.FromName, s.logger)

	s.scheduler = scheduler.New(cfg.Scheduler, d, scheduler.Deps{
		Workflows: workflows,
		Executor:  exec,
		Locker:    locker,
		Cache:     s.cache,
	}, s.logger)

	s.router = trigger.New(d, workflows, s.cache, s.logger)

	s.api = api.NewServer(cfg.Server, d, api.Deps{
		Router:    s.router,
		Workflows: workflows,
		Runner:    s.scheduler,
		Version:   version,
	}, s.logger)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		s.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, s.logger)
		s.collector = metrics.NewCollector(m, repository.NewEnrollmentRepository(d), cfg.Database.Path, collectInterval, s.logger)
	}

	return nil
}

// RunOnce runs a single scheduling pass without starting any listener
func (s *Server) RunOnce(ctx context.Context) (int, error) {
	return s.scheduler.RunOnce(ctx)
}

// Run starts every component and blocks until ctx is cancelled or a listener fails
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.bus.Subscribe(ctx, s.router.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe trigger router: %w", err)
	}

	if s.cfg.Scheduler.Enabled {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	} else {
		s.logger.Info("scheduler disabled")
	}

	errCh := make(chan error, 2)

	if s.collector != nil {
		s.collector.Start(ctx)
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	// stop taking new work before draining listeners
	s.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.api.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", "error", err)
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics shutdown error", "error", err)
		}
		s.collector.Stop()
	}

	return runErr
}

// Close releases storage handles
func (s *Server) Close() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("failed to close event bus", "error", err)
		}
		s.bus = nil
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("failed to close cache", "error", err)
		}
		s.cache = nil
	}
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}
