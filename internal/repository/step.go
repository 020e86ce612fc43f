package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

type StepRepository struct {
	db *sql.DB
}

func NewStepRepository(db *sql.DB) *StepRepository {
	return &StepRepository{db: db}
}

func insertStep(ex execer, s *models.Step) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	config := string(s.Config)
	if config == "" {
		config = "{}"
	}

	_, err := ex.Exec(`
		INSERT INTO automation_steps (id, automation_id, type, name, config, position, parent_step_id, branch,
			entered_count, completed_count, failed_count, emails_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AutomationID, s.Type, s.Name, config, s.Position, nullString(s.ParentStepID), nullString(s.Branch),
		s.EnteredCount, s.CompletedCount, s.FailedCount, s.EmailsSent, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// ListByAutomation returns all steps of an automation ordered by position
func (r *StepRepository) ListByAutomation(automationID string) ([]models.Step, error) {
	rows, err := r.db.Query(`
		SELECT id, automation_id, type, COALESCE(name, ''), config, position,
			parent_step_id, branch, entered_count, completed_count, failed_count, emails_sent, created_at
		FROM automation_steps
		WHERE automation_id = ?
		ORDER BY position, created_at, id`, automationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		var s models.Step
		var config, parent, branch sql.NullString
		if err := rows.Scan(&s.ID, &s.AutomationID, &s.Type, &s.Name, &config, &s.Position,
			&parent, &branch, &s.EnteredCount, &s.CompletedCount, &s.FailedCount, &s.EmailsSent, &s.CreatedAt); err != nil {
			return nil, err
		}
		if config.Valid {
			s.Config = []byte(config.String)
		}
		s.ParentStepID = parent.String
		s.Branch = branch.String
		steps = append(steps, s)
	}

	return steps, rows.Err()
}

// IncrementCounter bumps a per-step counter by one
func (r *StepRepository) IncrementCounter(stepID string, counter models.StepCounter) error {
	switch counter {
	case models.CounterEntered, models.CounterCompleted, models.CounterFailed, models.CounterEmails:
	default:
		return fmt.Errorf("unknown step counter %q", counter)
	}

	_, err := r.db.Exec(`UPDATE automation_steps SET `+string(counter)+` = `+string(counter)+` + 1 WHERE id = ?`, stepID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return nil
}
