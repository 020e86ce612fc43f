// Package scheduler drives due enrollments through their workflows.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/config"
	"github.com/foxzi/sendry-flow/internal/executor"
	"github.com/foxzi/sendry-flow/internal/lock"
	"github.com/foxzi/sendry-flow/internal/metrics"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

// Deps are the collaborators of a Scheduler. Cache is optional.
type Deps struct {
	Workflows *workflow.Service
	Executor  *executor.Executor
	Locker    lock.Locker
	Cache     cache.Cache
}

// Scheduler selects due enrollments and executes their current step
type Scheduler struct {
	cfg         config.SchedulerConfig
	automations *repository.AutomationRepository
	enrollments *repository.EnrollmentRepository
	contacts    *repository.ContactRepository
	steps       *repository.StepRepository
	logs        *repository.LogRepository
	workflows   *workflow.Service
	executor    *executor.Executor
	locker      lock.Locker
	cache       cache.Cache
	logger      *slog.Logger

	Now func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler
func New(cfg config.SchedulerConfig, db *sql.DB, deps Deps, logger *slog.Logger) *Scheduler {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}

	return &Scheduler{
		cfg:         cfg,
		automations: repository.NewAutomationRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		contacts:    repository.NewContactRepository(db),
		steps:       repository.NewStepRepository(db),
		logs:        repository.NewLogRepository(db),
		workflows:   deps.Workflows,
		executor:    deps.Executor,
		locker:      deps.Locker,
		cache:       deps.Cache,
		logger:      logger.With("component", "scheduler"),
		Now:         time.Now,
	}
}

// Start runs RunOnce on the configured cron schedule until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("invalid scheduler schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()

	s.logger.Info("scheduler started",
		"schedule", s.cfg.Schedule,
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
	)
	return nil
}

// Stop stops scheduling and waits for a running pass to finish
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.logger.Info("stopping scheduler...")
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	n, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.Error("scheduling pass failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduling pass finished", "processed", n)
	}
}

// RunOnce processes one batch of due enrollments and returns how many were processed
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ObserveSchedulerPass(time.Since(start).Seconds()) }()

	due, err := s.enrollments.ListDue(s.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due enrollments: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var processed atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(enrollmentID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.claimAndProcess(ctx, enrollmentID) {
				processed.Add(1)
			}
		}(due[i].ID)
	}
	wg.Wait()

	return int(processed.Load()), nil
}

// claimAndProcess holds the enrollment lease for the duration of processing
func (s *Scheduler) claimAndProcess(ctx context.Context, enrollmentID string) bool {
	lease, err := s.locker.Acquire(ctx, lock.EnrollmentKey(enrollmentID), s.cfg.LeaseTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		metrics.IncSchedulerLockConflicts()
		s.logger.Debug("enrollment is being processed elsewhere", "enrollment_id", enrollmentID)
		return false
	}
	if err != nil {
		s.logger.Error("failed to claim enrollment", "enrollment_id", enrollmentID, "error", err)
		return false
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.logger.Warn("failed to release enrollment lease", "enrollment_id", enrollmentID, "error", err)
		}
	}()

	// state may have moved between listing and claiming
	e, err := s.enrollments.GetByID(enrollmentID)
	if err != nil {
		s.logger.Error("failed to reload enrollment", "enrollment_id", enrollmentID, "error", err)
		return false
	}
	if e == nil || !e.Status.IsOpen() || e.NextActionAt.After(s.Now()) {
		return false
	}

	return s.processSafely(ctx, e)
}

// processSafely isolates one enrollment: errors and panics are logged and the
// enrollment is retried after the backoff.
func (s *Scheduler) processSafely(ctx context.Context, e *models.Enrollment) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncSchedulerPanics()
			s.logger.Error("panic while processing enrollment",
				"enrollment_id", e.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.deferAfterError(e, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	handled, err := s.process(ctx, e)
	if err != nil {
		s.logger.Error("failed to process enrollment", "enrollment_id", e.ID, "error", err)
		s.deferAfterError(e, err)
		return false
	}
	return handled
}

func (s *Scheduler) deferAfterError(e *models.Enrollment, cause error) {
	s.appendLog(e, e.CurrentStepID, models.LogFailed, "error", map[string]any{"error": cause.Error()})

	// the stored row stays authoritative: in-memory progress may not have been persisted
	err := s.enrollments.Postpone(e.ID, s.Now().UTC().Add(s.cfg.RetryBackoff), cause.Error())
	if err != nil && !errors.Is(err, repository.ErrEnrollmentClosed) {
		s.logger.Error("failed to defer enrollment", "enrollment_id", e.ID, "error", err)
	}
}

// process runs the current step of e and applies the transition. Effect-free
// resolutions continue in the same pass: a completed wait or goal, a next
// step that is a goal or exit, and reaching the end of the graph. At most one
// step with side effects runs per pass.
func (s *Scheduler) process(ctx context.Context, e *models.Enrollment) (bool, error) {
	a, err := s.automations.GetByID(e.AutomationID)
	if err != nil {
		return false, fmt.Errorf("failed to load automation: %w", err)
	}
	if a == nil || a.Status != models.AutomationStatusActive {
		s.logger.Debug("automation not active, skipping", "enrollment_id", e.ID, "automation_id", e.AutomationID)
		return false, nil
	}

	if !a.AllowReEntry {
		older, err := s.enrollments.HasOlderOpen(e)
		if err != nil {
			return false, fmt.Errorf("failed to check re-entry: %w", err)
		}
		if older {
			return true, s.exit(e, models.ExitReEnrollmentBlocked)
		}
	}

	graph, err := s.workflows.Graph(ctx, a)
	if err != nil {
		return false, err
	}

	contact, err := s.loadContact(ctx, a.TenantID, e.ContactID)
	if err != nil {
		return false, err
	}
	if contact == nil {
		return true, s.fail(e, errors.New("contact not found"))
	}

	effectRan := false
	for hops := 0; hops <= graph.Len(); hops++ {
		if e.CurrentStepID == "" {
			return true, s.complete(e)
		}

		step := graph.Step(e.CurrentStepID)
		if step == nil {
			return true, s.fail(e, fmt.Errorf("step %s no longer exists", e.CurrentStepID))
		}

		firstVisit := e.Status == models.EnrollmentActive && e.Attempts == 0
		if firstVisit {
			s.incrementStep(step.ID, models.CounterEntered)
		}
		s.appendLog(e, step.ID, models.LogStepStarted, "", map[string]any{"type": step.Type, "attempt": e.Attempts + 1})

		outcome := s.executor.Execute(ctx, &executor.Request{
			Automation: a,
			Enrollment: e,
			Step:       step,
			Contact:    contact,
		})

		if !outcome.Success {
			return true, s.handleFailure(e, step, outcome)
		}
		metrics.IncStepsExecuted(string(step.Type), "success")

		if hasEffects(step) {
			effectRan = true
			// Later steps of this pass must see what the step wrote.
			fresh, err := s.loadContact(ctx, a.TenantID, e.ContactID)
			if err != nil {
				s.logger.Warn("failed to reload contact", "contact_id", e.ContactID, "error", err)
			} else if fresh != nil {
				contact = fresh
			}
		}

		if outcome.Next == executor.NextStay {
			e.Status = models.EnrollmentWaiting
			e.WaitStepID = step.ID
			e.NextActionAt = outcome.WaitUntil
			e.Attempts = 0
			e.LastError = ""
			return true, s.update(e)
		}

		s.appendLog(e, step.ID, models.LogStepCompleted, "success", map[string]any{"branch": outcome.Branch})
		s.incrementStep(step.ID, models.CounterCompleted)

		if outcome.Next == executor.NextExit {
			return true, s.exit(e, outcome.ExitReason)
		}

		next := graph.Next(step, outcome.Branch)
		e.WaitStepID = ""
		e.Status = models.EnrollmentActive
		e.NextActionAt = s.Now().UTC()
		e.Attempts = 0
		e.LastError = ""
		if next == nil {
			e.CurrentStepID = ""
			return true, s.complete(e)
		}
		e.CurrentStepID = next.ID

		if !cascades(step, next) || (effectRan && hasEffects(next)) {
			return true, s.update(e)
		}
		if err := s.update(e); err != nil {
			return true, err
		}
	}

	return true, s.update(e)
}

// hasEffects reports whether a step changes anything outside the enrollment
func hasEffects(step *models.Step) bool {
	switch step.Type {
	case models.StepWait, models.StepGoal, models.StepExit, models.StepCondition:
		return false
	default:
		return true
	}
}

func cascades(executed, next *models.Step) bool {
	switch {
	case executed.Type == models.StepWait, executed.Type == models.StepGoal:
		return true
	case next.Type == models.StepGoal, next.Type == models.StepExit:
		return true
	default:
		return false
	}
}

func (s *Scheduler) handleFailure(e *models.Enrollment, step *models.Step, outcome executor.Outcome) error {
	e.Attempts++
	e.LastError = outcome.Error()

	s.appendLog(e, step.ID, models.LogStepFailed, "error", map[string]any{
		"error":     e.LastError,
		"retryable": outcome.Retryable,
		"attempt":   e.Attempts,
	})
	s.incrementStep(step.ID, models.CounterFailed)

	exhausted := s.cfg.MaxRetries > 0 && e.Attempts >= s.cfg.MaxRetries
	if outcome.Retryable && !exhausted {
		metrics.IncStepsExecuted(string(step.Type), "retry")
		e.Status = models.EnrollmentWaiting
		e.NextActionAt = s.Now().UTC().Add(s.cfg.RetryBackoff)
		s.logger.Warn("step failed, will retry",
			"enrollment_id", e.ID,
			"step_id", step.ID,
			"attempt", e.Attempts,
			"next_action_at", e.NextActionAt,
			"error", e.LastError,
		)
		return s.update(e)
	}

	metrics.IncStepsExecuted(string(step.Type), "failed")
	return s.fail(e, outcome.Err)
}

func (s *Scheduler) complete(e *models.Enrollment) error {
	now := s.Now().UTC()
	e.Status = models.EnrollmentCompleted
	e.CurrentStepID = ""
	e.CompletedAt = &now
	s.appendLog(e, "", models.LogCompleted, "success", nil)
	return s.finish(e)
}

func (s *Scheduler) exit(e *models.Enrollment, reason models.ExitReason) error {
	now := s.Now().UTC()
	e.Status = models.EnrollmentExited
	e.ExitedAt = &now
	e.ExitReason = reason
	s.appendLog(e, e.CurrentStepID, models.LogExited, string(reason), map[string]any{"reason": reason})
	return s.finish(e)
}

func (s *Scheduler) fail(e *models.Enrollment, cause error) error {
	e.Status = models.EnrollmentFailed
	if cause != nil {
		e.LastError = cause.Error()
	}
	s.appendLog(e, e.CurrentStepID, models.LogFailed, "error", map[string]any{"error": e.LastError})
	s.logger.Warn("enrollment failed", "enrollment_id", e.ID, "step_id", e.CurrentStepID, "error", e.LastError)
	return s.finish(e)
}

func (s *Scheduler) finish(e *models.Enrollment) error {
	err := s.enrollments.Finish(e)
	if errors.Is(err, repository.ErrEnrollmentClosed) {
		s.logger.Debug("enrollment closed concurrently", "enrollment_id", e.ID)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.IncEnrollmentsFinished(string(e.Status))
	return nil
}

func (s *Scheduler) update(e *models.Enrollment) error {
	err := s.enrollments.Update(e)
	if errors.Is(err, repository.ErrEnrollmentClosed) {
		s.logger.Debug("enrollment closed concurrently", "enrollment_id", e.ID)
		return nil
	}
	return err
}

// appendLog records an audit entry; a lost entry never affects enrollment state
func (s *Scheduler) appendLog(e *models.Enrollment, stepID string, action models.LogAction, outcome string, data map[string]any) {
	var raw json.RawMessage
	if data != nil {
		if encoded, err := json.Marshal(data); err == nil {
			raw = encoded
		}
	}
	err := s.logs.Append(&models.Log{
		EnrollmentID: e.ID,
		AutomationID: e.AutomationID,
		StepID:       stepID,
		Action:       action,
		Outcome:      outcome,
		Data:         raw,
		CreatedAt:    s.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to append log", "enrollment_id", e.ID, "action", action, "error", err)
	}
}

func (s *Scheduler) incrementStep(stepID string, counter models.StepCounter) {
	if err := s.steps.IncrementCounter(stepID, counter); err != nil {
		s.logger.Error("failed to update step counter", "step_id", stepID, "counter", counter, "error", err)
	}
}

// loadContact reads a contact snapshot through the cache. The entry is keyed by
// the contact's current version, so a snapshot cached before a later write is
// never returned.
func (s *Scheduler) loadContact(ctx context.Context, tenantID, contactID string) (*models.Contact, error) {
	version, found, err := s.contacts.Version(contactID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var c models.Contact
	ok, err := cache.GetJSON(ctx, s.cache, cache.VersionedKey(tenantID, cache.EntityContact, contactID, version), &c)
	if err != nil {
		s.logger.Warn("contact cache read failed", "contact_id", contactID, "error", err)
	}
	if ok {
		return &c, nil
	}

	contact, err := s.contacts.GetByID(contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		return nil, nil
	}
	key := cache.VersionedKey(tenantID, cache.EntityContact, contactID, contact.UpdatedAt)
	if err := cache.SetJSON(ctx, s.cache, key, contact); err != nil {
		s.logger.Warn("contact cache write failed", "contact_id", contactID, "error", err)
	}
	return contact, nil
}
