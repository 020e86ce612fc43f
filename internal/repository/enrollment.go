package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

type EnrollmentRepository struct {
	db *sql.DB
}

func NewEnrollmentRepository(db *sql.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, automation_id, contact_id, current_step_id, wait_step_id, status, enrolled_at, next_action_at,
	completed_at, exited_at, exit_reason, attempts, last_error, updated_at`

// Create inserts a new enrollment and bumps the automation's total_enrolled and
// currently_active counters in the same transaction. When allowReEntry is false
// and the contact already has an open enrollment, nothing is written and false is returned.
func (r *EnrollmentRepository) Create(e *models.Enrollment, allowReEntry bool) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !allowReEntry {
		var open int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM automation_enrollments
			WHERE automation_id = ? AND contact_id = ? AND status IN (?, ?)`,
			e.AutomationID, e.ContactID, models.EnrollmentActive, models.EnrollmentWaiting,
		).Scan(&open)
		if err != nil {
			return false, err
		}
		if open > 0 {
			return false, nil
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.NextActionAt = e.NextActionAt.UTC()
	e.UpdatedAt = e.EnrolledAt

	_, err = tx.Exec(`
		INSERT INTO automation_enrollments (id, automation_id, contact_id, current_step_id, status,
			enrolled_at, next_action_at, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AutomationID, e.ContactID, nullString(e.CurrentStepID), e.Status,
		e.EnrolledAt, e.NextActionAt, e.Attempts, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create enrollment: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE automations SET total_enrolled = total_enrolled + 1, currently_active = currently_active + 1
		WHERE id = ?`, e.AutomationID)
	if err != nil {
		return false, fmt.Errorf("failed to update automation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetByID returns an enrollment by ID
func (r *EnrollmentRepository) GetByID(id string) (*models.Enrollment, error) {
	row := r.db.QueryRow(`SELECT `+enrollmentColumns+` FROM automation_enrollments WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListDue returns open enrollments whose next_action_at has passed and whose
// automation is active, oldest first
func (r *EnrollmentRepository) ListDue(now time.Time, limit int) ([]models.Enrollment, error) {
	rows, err := r.db.Query(`
		SELECT e.id, e.automation_id, e.contact_id, e.current_step_id, e.wait_step_id, e.status, e.enrolled_at, e.next_action_at,
			e.completed_at, e.exited_at, e.exit_reason, e.attempts, e.last_error, e.updated_at
		FROM automation_enrollments e
		JOIN automations a ON a.id = e.automation_id
		WHERE e.status IN (?, ?) AND e.next_action_at <= ? AND a.status = ?
		ORDER BY e.next_action_at, e.id
		LIMIT ?`,
		models.EnrollmentActive, models.EnrollmentWaiting, now.UTC(), models.AutomationStatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// ListByAutomation returns enrollments of an automation, optionally filtered by status
func (r *EnrollmentRepository) ListByAutomation(automationID string, status models.EnrollmentStatus, limit int) ([]models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM automation_enrollments WHERE automation_id = ?`
	args := []any{automationID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY enrolled_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEnrollments(rows)
}

// HasOlderOpen reports whether the same contact has another open enrollment in the
// same automation that was created before e
func (r *EnrollmentRepository) HasOlderOpen(e *models.Enrollment) (bool, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM automation_enrollments
		WHERE automation_id = ? AND contact_id = ? AND id != ? AND status IN (?, ?)
			AND (enrolled_at < ? OR (enrolled_at = ? AND id < ?))`,
		e.AutomationID, e.ContactID, e.ID, models.EnrollmentActive, models.EnrollmentWaiting,
		e.EnrolledAt.UTC(), e.EnrolledAt.UTC(), e.ID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update persists the progress of an open enrollment. It returns
// ErrEnrollmentClosed when the row has already reached a terminal status.
func (r *EnrollmentRepository) Update(e *models.Enrollment) error {
	e.UpdatedAt = time.Now().UTC()
	result, err := r.db.Exec(`
		UPDATE automation_enrollments
		SET current_step_id = ?, wait_step_id = ?, status = ?, next_action_at = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		nullString(e.CurrentStepID), nullString(e.WaitStepID), e.Status, e.NextActionAt.UTC(), e.Attempts, nullString(e.LastError), e.UpdatedAt,
		e.ID, models.EnrollmentActive, models.EnrollmentWaiting,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrEnrollmentClosed
	}
	return nil
}

// Postpone parks an open enrollment as waiting until nextActionAt and records
// lastError. Its step and wait marker stay as stored.
func (r *EnrollmentRepository) Postpone(id string, nextActionAt time.Time, lastError string) error {
	result, err := r.db.Exec(`
		UPDATE automation_enrollments SET status = ?, next_action_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.EnrollmentWaiting, nextActionAt.UTC(), nullString(lastError), time.Now().UTC(),
		id, models.EnrollmentActive, models.EnrollmentWaiting,
	)
	if err != nil {
		return fmt.Errorf("failed to postpone enrollment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrEnrollmentClosed
	}
	return nil
}

// Finish moves an open enrollment into a terminal status and updates the
// automation counters atomically. Finishing an already closed enrollment
// returns ErrEnrollmentClosed and leaves counters untouched.
func (r *EnrollmentRepository) Finish(e *models.Enrollment) error {
	var counter string
	switch e.Status {
	case models.EnrollmentCompleted:
		counter = "completed"
	case models.EnrollmentExited:
		counter = "exited"
	case models.EnrollmentFailed:
		counter = "failed"
	default:
		return fmt.Errorf("status %q is not terminal", e.Status)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e.UpdatedAt = time.Now().UTC()
	var completedAt, exitedAt *time.Time
	if e.CompletedAt != nil {
		t := e.CompletedAt.UTC()
		completedAt = &t
	}
	if e.ExitedAt != nil {
		t := e.ExitedAt.UTC()
		exitedAt = &t
	}

	result, err := tx.Exec(`
		UPDATE automation_enrollments
		SET current_step_id = ?, status = ?, completed_at = ?, exited_at = ?, exit_reason = ?,
			attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		nullString(e.CurrentStepID), e.Status, completedAt, exitedAt, nullString(string(e.ExitReason)),
		e.Attempts, nullString(e.LastError), e.UpdatedAt,
		e.ID, models.EnrollmentActive, models.EnrollmentWaiting,
	)
	if err != nil {
		return fmt.Errorf("failed to finish enrollment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrEnrollmentClosed
	}

	_, err = tx.Exec(`
		UPDATE automations SET `+counter+` = `+counter+` + 1,
			currently_active = MAX(currently_active - 1, 0)
		WHERE id = ?`, e.AutomationID)
	if err != nil {
		return fmt.Errorf("failed to update automation counters: %w", err)
	}

	return tx.Commit()
}

// CountOpen returns the number of active or waiting enrollments of a contact in an automation
func (r *EnrollmentRepository) CountOpen(automationID, contactID string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM automation_enrollments
		WHERE automation_id = ? AND contact_id = ? AND status IN (?, ?)`,
		automationID, contactID, models.EnrollmentActive, models.EnrollmentWaiting,
	).Scan(&n)
	return n, err
}

// CountOpenByStatus returns the number of active and waiting enrollments across all automations
func (r *EnrollmentRepository) CountOpenByStatus() (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM automation_enrollments
		WHERE status IN (?, ?) GROUP BY status`,
		models.EnrollmentActive, models.EnrollmentWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		string(models.EnrollmentActive):  0,
		string(models.EnrollmentWaiting): 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectEnrollments(rows *sql.Rows) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, *e)
	}
	return enrollments, rows.Err()
}

func scanEnrollment(s scanner) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	var currentStep, waitStep, exitReason, lastError sql.NullString
	var completedAt, exitedAt sql.NullTime

	err := s.Scan(&e.ID, &e.AutomationID, &e.ContactID, &currentStep, &waitStep, &e.Status, &e.EnrolledAt, &e.NextActionAt,
		&completedAt, &exitedAt, &exitReason, &e.Attempts, &lastError, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.CurrentStepID = currentStep.String
	e.WaitStepID = waitStep.String
	e.ExitReason = models.ExitReason(exitReason.String)
	e.LastError = lastError.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if exitedAt.Valid {
		e.ExitedAt = &exitedAt.Time
	}

	return e, nil
}
