// Package trigger turns domain events into enrollments.
package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/events"
	"github.com/foxzi/sendry-flow/internal/metrics"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

var (
	ErrUnknownTrigger      = errors.New("unknown trigger type")
	ErrContactNotFound     = errors.New("contact not found")
	ErrAutomationNotActive = errors.New("automation is not active")
	ErrTenantMismatch      = errors.New("contact belongs to another tenant")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrEnrollmentNotOpen   = errors.New("enrollment is not active or waiting")
)

// Router finds the automations listening to an event and enrolls the contact
type Router struct {
	automations *repository.AutomationRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.LogRepository
	workflows   *workflow.Service
	cache       cache.Cache
	logger      *slog.Logger

	Now func() time.Time
}

// New creates a router. c may be nil.
func New(db *sql.DB, workflows *workflow.Service, c cache.Cache, logger *slog.Logger) *Router {
	if c == nil {
		c = cache.Nop{}
	}
	return &Router{
		automations: repository.NewAutomationRepository(db),
		contacts:    repository.NewContactRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		logs:        repository.NewLogRepository(db),
		workflows:   workflows,
		cache:       c,
		logger:      logger.With("component", "trigger"),
		Now:         time.Now,
	}
}

// Fire enrolls contact into every active automation of its tenant that
// listens to trigger and whose trigger config matches data. It returns the
// number of enrollments created. A failure in one automation does not stop
// the others.
func (r *Router) Fire(ctx context.Context, trigger models.TriggerType, contact *models.Contact, data map[string]any) (int, error) {
	if !trigger.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}
	if contact == nil {
		return 0, ErrContactNotFound
	}
	metrics.IncEventsReceived(string(trigger))

	if trigger == models.TriggerEmailOpened || trigger == models.TriggerLinkClicked {
		if err := r.contacts.IncrementEngagement(contact.ID, trigger); err != nil {
			r.logger.Error("failed to record engagement", "contact_id", contact.ID, "trigger_type", trigger, "error", err)
		}
	}
	// Every event follows a write to the contact.
	r.invalidateContact(ctx, contact)

	automations, err := r.automations.ListActiveByTrigger(contact.TenantID, trigger)
	if err != nil {
		return 0, fmt.Errorf("failed to list automations: %w", err)
	}

	var enrolled int
	var errs []error
	for i := range automations {
		a := &automations[i]
		if !Matches(a.TriggerConfig, trigger, data) {
			continue
		}
		e, err := r.Enroll(ctx, a, contact, data)
		if err != nil {
			r.logger.Error("failed to enroll contact",
				"automation_id", a.ID,
				"contact_id", contact.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("automation %s: %w", a.ID, err))
			continue
		}
		if e != nil {
			enrolled++
		}
	}

	if enrolled > 0 {
		r.logger.Info("trigger fired",
			"trigger_type", trigger,
			"contact_id", contact.ID,
			"enrolled", enrolled,
		)
	}
	return enrolled, errors.Join(errs...)
}

// Enroll creates an enrollment of contact positioned on the entry step of a.
// It returns nil without error when re-entry is not allowed and the contact
// already has an open enrollment.
func (r *Router) Enroll(ctx context.Context, a *models.Automation, contact *models.Contact, data map[string]any) (*models.Enrollment, error) {
	if a.Status != models.AutomationStatusActive {
		return nil, ErrAutomationNotActive
	}
	if a.TenantID != contact.TenantID {
		return nil, ErrTenantMismatch
	}

	graph, err := r.workflows.Graph(ctx, a)
	if err != nil {
		return nil, err
	}

	now := r.Now().UTC()
	e := &models.Enrollment{
		AutomationID: a.ID,
		ContactID:    contact.ID,
		Status:       models.EnrollmentActive,
		EnrolledAt:   now,
		NextActionAt: now,
	}
	if entry := graph.Entry(); entry != nil {
		e.CurrentStepID = entry.ID
	}

	created, err := r.enrollments.Create(e, a.AllowReEntry)
	if err != nil {
		return nil, err
	}
	if !created {
		r.logger.Debug("contact already enrolled", "automation_id", a.ID, "contact_id", contact.ID)
		return nil, nil
	}

	r.appendLog(e, models.LogEnrolled, "success", data)
	metrics.IncEnrollmentsCreated(string(a.TriggerType))
	return e, nil
}

// Exit closes an open enrollment with exit_reason=manual
func (r *Router) Exit(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	e, err := r.enrollments.GetByID(enrollmentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEnrollmentNotFound
	}
	if !e.Status.IsOpen() {
		return nil, ErrEnrollmentNotOpen
	}

	now := r.Now().UTC()
	e.Status = models.EnrollmentExited
	e.ExitedAt = &now
	e.ExitReason = models.ExitManual
	if err := r.enrollments.Finish(e); err != nil {
		if errors.Is(err, repository.ErrEnrollmentClosed) {
			return nil, ErrEnrollmentNotOpen
		}
		return nil, err
	}

	r.appendLog(e, models.LogExited, string(models.ExitManual), map[string]any{"reason": models.ExitManual})
	metrics.IncEnrollmentsFinished(string(e.Status))
	r.logger.Info("enrollment exited manually", "enrollment_id", e.ID, "automation_id", e.AutomationID)
	return e, nil
}

// HandleEvent resolves the contact of a bus event and fires it
func (r *Router) HandleEvent(ctx context.Context, ev events.TriggerEvent) error {
	contact, err := r.contacts.GetByID(ev.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		return fmt.Errorf("%w: %s", ErrContactNotFound, ev.ContactID)
	}
	_, err = r.Fire(ctx, ev.TriggerType, contact, ev.Data)
	return err
}

// Matches reports whether data satisfies an automation's trigger config.
// Empty config fields match anything; webhook and manual triggers always match.
func Matches(cfg models.TriggerConfig, trigger models.TriggerType, data map[string]any) bool {
	switch trigger {
	case models.TriggerWebhook, models.TriggerManual:
		return true
	case models.TriggerListSubscription:
		return fieldMatches(cfg.ListID, data, "list_id")
	case models.TriggerTagAdded, models.TriggerTagRemoved:
		return fieldMatches(cfg.TagID, data, "tag_id")
	case models.TriggerEmailOpened:
		return fieldMatches(cfg.CampaignID, data, "campaign_id")
	case models.TriggerLinkClicked:
		return fieldMatches(cfg.CampaignID, data, "campaign_id") && fieldMatches(cfg.URL, data, "url")
	default:
		return false
	}
}

func fieldMatches(want string, data map[string]any, key string) bool {
	if want == "" {
		return true
	}
	got, ok := data[key].(string)
	return ok && got == want
}

func (r *Router) invalidateContact(ctx context.Context, contact *models.Contact) {
	key := cache.VersionedKey(contact.TenantID, cache.EntityContact, contact.ID, contact.UpdatedAt)
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("contact cache invalidation failed", "contact_id", contact.ID, "error", err)
	}
}

func (r *Router) appendLog(e *models.Enrollment, action models.LogAction, outcome string, data map[string]any) {
	var raw json.RawMessage
	if len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			raw = encoded
		}
	}
	err := r.logs.Append(&models.Log{
		EnrollmentID: e.ID,
		AutomationID: e.AutomationID,
		StepID:       e.CurrentStepID,
		Action:       action,
		Outcome:      outcome,
		Data:         raw,
		CreatedAt:    r.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to append log", "enrollment_id", e.ID, "action", action, "error", err)
	}
}
