package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/google/uuid"
)

var ErrAutomationNotFound = errors.New("automation not found")

// Service persists, loads and clones automation step trees
type Service struct {
	automations *repository.AutomationRepository
	steps       *repository.StepRepository
	cache       cache.Cache
	logger      *slog.Logger
}

func NewService(automations *repository.AutomationRepository, steps *repository.StepRepository, c cache.Cache, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		automations: automations,
		steps:       steps,
		cache:       c,
		logger:      logger.With("component", "workflow"),
	}
}

// graphKey follows the automation's updated_at, which ReplaceSteps moves forward.
func graphKey(a *models.Automation) cache.Key {
	return cache.VersionedKey(a.TenantID, cache.EntityWorkflow, a.ID, a.UpdatedAt)
}

// Graph returns the step graph of an automation, served from cache when possible
func (s *Service) Graph(ctx context.Context, a *models.Automation) (*Graph, error) {
	var steps []models.Step
	ok, err := cache.GetJSON(ctx, s.cache, graphKey(a), &steps)
	if err != nil {
		s.logger.Warn("workflow cache read failed", "automation_id", a.ID, "error", err)
	}
	if ok {
		return NewGraph(steps), nil
	}

	steps, err = s.steps.ListByAutomation(a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	if err := cache.SetJSON(ctx, s.cache, graphKey(a), steps); err != nil {
		s.logger.Warn("workflow cache write failed", "automation_id", a.ID, "error", err)
	}
	return NewGraph(steps), nil
}

// SaveWorkflow replaces the whole step tree of an automation with def
func (s *Service) SaveWorkflow(ctx context.Context, automationID string, def Definition) ([]models.Step, error) {
	a, err := s.automations.GetByID(automationID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAutomationNotFound
	}

	steps, err := Build(a.ID, def)
	if err != nil {
		return nil, err
	}

	entryID := ""
	if entry := NewGraph(steps).Entry(); entry != nil {
		entryID = entry.ID
	}

	if err := s.automations.ReplaceSteps(a.ID, steps, entryID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	if err := s.cache.Delete(ctx, graphKey(a)); err != nil {
		s.logger.Warn("workflow cache invalidation failed", "automation_id", a.ID, "error", err)
	}

	s.logger.Info("workflow saved", "automation_id", a.ID, "steps", len(steps))
	return steps, nil
}

// Duplicate clones an automation and its step tree. The copy starts as a draft
// with zeroed counters.
func (s *Service) Duplicate(ctx context.Context, automationID string) (*models.Automation, error) {
	src, err := s.automations.GetByID(automationID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrAutomationNotFound
	}

	steps, err := s.steps.ListByAutomation(src.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	clone := &models.Automation{
		TenantID:      src.TenantID,
		Name:          src.Name + " (copy)",
		Description:   src.Description,
		Status:        models.AutomationStatusDraft,
		TriggerType:   src.TriggerType,
		TriggerConfig: src.TriggerConfig,
		AllowReEntry:  src.AllowReEntry,
		ExitOnGoal:    src.ExitOnGoal,
		FromEmail:     src.FromEmail,
		FromName:      src.FromName,
	}

	clone.ID = uuid.New().String()
	clonedSteps := Clone(steps, clone.ID)

	if err := s.automations.CreateWithSteps(clone, clonedSteps); err != nil {
		return nil, fmt.Errorf("failed to duplicate automation: %w", err)
	}

	s.logger.Info("automation duplicated", "automation_id", src.ID, "copy_id", clone.ID, "steps", len(clonedSteps))
	return clone, nil
}
