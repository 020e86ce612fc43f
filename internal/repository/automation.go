package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

type AutomationRepository struct {
	db *sql.DB
}

func NewAutomationRepository(db *sql.DB) *AutomationRepository {
	return &AutomationRepository{db: db}
}

const automationColumns = `id, tenant_id, name, COALESCE(description, ''), status, trigger_type, trigger_config,
	allow_re_entry, exit_on_goal, COALESCE(from_email, ''), COALESCE(from_name, ''),
	total_enrolled, currently_active, completed, exited, failed, created_at, updated_at`

// Create creates a new automation in draft status unless a status is set
func (r *AutomationRepository) Create(a *models.Automation) error {
	return createAutomation(r.db, a)
}

// CreateWithSteps inserts an automation and its step set in one transaction
func (r *AutomationRepository) CreateWithSteps(a *models.Automation, steps []models.Step) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createAutomation(tx, a); err != nil {
		return err
	}
	for i := range steps {
		steps[i].AutomationID = a.ID
		if err := insertStep(tx, &steps[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func createAutomation(ex execer, a *models.Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AutomationStatusDraft
	}
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt

	triggerConfig, err := json.Marshal(a.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO automations (id, tenant_id, name, description, status, trigger_type, trigger_config,
			allow_re_entry, exit_on_goal, from_email, from_name,
			total_enrolled, currently_active, completed, exited, failed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, a.Description, a.Status, a.TriggerType, string(triggerConfig),
		a.AllowReEntry, a.ExitOnGoal, a.FromEmail, a.FromName,
		a.TotalEnrolled, a.CurrentlyActive, a.Completed, a.Exited, a.Failed, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// GetByID returns an automation by ID
func (r *AutomationRepository) GetByID(id string) (*models.Automation, error) {
	row := r.db.QueryRow(`SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns automations with optional filtering
func (r *AutomationRepository) List(filter models.AutomationListFilter) ([]models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE 1=1`
	args := []any{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.TriggerType != "" {
		query += " AND trigger_type = ?"
		args = append(args, filter.TriggerType)
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var automations []models.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, *a)
	}

	return automations, rows.Err()
}

// ListActiveByTrigger returns the active automations of a tenant listening to a trigger type
func (r *AutomationRepository) ListActiveByTrigger(tenantID string, trigger models.TriggerType) ([]models.Automation, error) {
	return r.List(models.AutomationListFilter{
		TenantID:    tenantID,
		Status:      models.AutomationStatusActive,
		TriggerType: trigger,
	})
}

// UpdateStatus changes the lifecycle status of an automation
func (r *AutomationRepository) UpdateStatus(id string, status models.AutomationStatus) error {
	result, err := r.db.Exec(`UPDATE automations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update automation status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceSteps deletes every step of the automation and inserts the new set atomically.
// Open enrollments pointing at removed steps are moved to the new entry step.
func (r *AutomationRepository) ReplaceSteps(automationID string, steps []models.Step, entryStepID string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM automations WHERE id = ?`, automationID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM automation_steps WHERE automation_id = ?`, automationID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}

	for i := range steps {
		steps[i].AutomationID = automationID
		if err := insertStep(tx, &steps[i]); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
		UPDATE automation_enrollments SET current_step_id = ?, wait_step_id = NULL, status = ?, attempts = 0, updated_at = ?
		WHERE automation_id = ? AND status IN (?, ?)`,
		nullString(entryStepID), models.EnrollmentActive, time.Now().UTC(),
		automationID, models.EnrollmentActive, models.EnrollmentWaiting)
	if err != nil {
		return fmt.Errorf("failed to reset enrollments: %w", err)
	}

	if _, err := tx.Exec(`UPDATE automations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), automationID); err != nil {
		return err
	}

	return tx.Commit()
}

func scanAutomation(s scanner) (*models.Automation, error) {
	a := &models.Automation{}
	var triggerConfig sql.NullString

	err := s.Scan(&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Status, &a.TriggerType, &triggerConfig,
		&a.AllowReEntry, &a.ExitOnGoal, &a.FromEmail, &a.FromName,
		&a.TotalEnrolled, &a.CurrentlyActive, &a.Completed, &a.Exited, &a.Failed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if triggerConfig.Valid && triggerConfig.String != "" {
		if err := json.Unmarshal([]byte(triggerConfig.String), &a.TriggerConfig); err != nil {
			return nil, fmt.Errorf("failed to decode trigger config of automation %s: %w", a.ID, err)
		}
	}

	return a, nil
}
