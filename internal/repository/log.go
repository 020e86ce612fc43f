package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/models"
)

type LogRepository struct {
	db *sql.DB
}

func NewLogRepository(db *sql.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append writes an audit record. Records are never updated.
func (r *LogRepository) Append(l *models.Log) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var data sql.NullString
	if len(l.Data) > 0 {
		data = sql.NullString{String: string(l.Data), Valid: true}
	}

	result, err := r.db.Exec(`
		INSERT INTO automation_logs (enrollment_id, automation_id, step_id, action, outcome, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.EnrollmentID, l.AutomationID, nullString(l.StepID), l.Action, nullString(l.Outcome), data, l.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append automation log: %w", err)
	}

	l.ID, _ = result.LastInsertId()
	return nil
}

// ListByEnrollment returns the audit trail of an enrollment in insertion order
func (r *LogRepository) ListByEnrollment(enrollmentID string) ([]models.Log, error) {
	rows, err := r.db.Query(`
		SELECT id, enrollment_id, automation_id, step_id, action, outcome, data, created_at
		FROM automation_logs
		WHERE enrollment_id = ?
		ORDER BY id`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.Log
	for rows.Next() {
		var l models.Log
		var stepID, outcome, data sql.NullString
		if err := rows.Scan(&l.ID, &l.EnrollmentID, &l.AutomationID, &stepID, &l.Action, &outcome, &data, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.StepID = stepID.String
		l.Outcome = outcome.String
		if data.Valid {
			l.Data = []byte(data.String)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
