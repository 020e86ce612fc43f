package models

import (
	"encoding/json"
	"time"
)

// EnrollmentStatus is the state of a contact's run through an automation
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentWaiting   EnrollmentStatus = "waiting"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// IsOpen reports whether the enrollment can still be processed
func (s EnrollmentStatus) IsOpen() bool {
	return s == EnrollmentActive || s == EnrollmentWaiting
}

// ExitReason explains why an enrollment was exited
type ExitReason string

const (
	ExitGoalReached         ExitReason = "goal_reached"
	ExitStep                ExitReason = "step"
	ExitManual              ExitReason = "manual"
	ExitReEnrollmentBlocked ExitReason = "re_enrollment_blocked"
)

// Enrollment is one contact's progress through one automation.
// An empty CurrentStepID means there is nothing left to execute. WaitStepID is
// set only by a wait step that scheduled its delay and cleared on the next move.
type Enrollment struct {
	ID            string           `json:"id"`
	AutomationID  string           `json:"automation_id"`
	ContactID     string           `json:"contact_id"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	WaitStepID    string           `json:"wait_step_id,omitempty"` // wait step whose delay has been armed
	Status        EnrollmentStatus `json:"status"`
	EnrolledAt    time.Time        `json:"enrolled_at"`
	NextActionAt  time.Time        `json:"next_action_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	ExitedAt      *time.Time       `json:"exited_at,omitempty"`
	ExitReason    ExitReason       `json:"exit_reason,omitempty"`
	Attempts      int              `json:"attempts"` // consecutive retryable failures on the current step
	LastError     string           `json:"last_error,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// LogAction is the kind of an audit record
type LogAction string

const (
	LogEnrolled           LogAction = "enrolled"
	LogStepStarted        LogAction = "step_started"
	LogStepCompleted      LogAction = "step_completed"
	LogStepFailed         LogAction = "step_failed"
	LogWaitStarted        LogAction = "wait_started"
	LogWaitCompleted      LogAction = "wait_completed"
	LogConditionEvaluated LogAction = "condition_evaluated"
	LogEmailSent          LogAction = "email_sent"
	LogTagAdded           LogAction = "tag_added"
	LogTagRemoved         LogAction = "tag_removed"
	LogListAdded          LogAction = "list_added"
	LogListRemoved        LogAction = "list_removed"
	LogFieldUpdated       LogAction = "field_updated"
	LogWebhookCalled      LogAction = "webhook_called"
	LogGoalReached        LogAction = "goal_reached"
	LogCompleted          LogAction = "completed"
	LogExited             LogAction = "exited"
	LogFailed             LogAction = "failed"
)

// Log is an immutable audit record of an enrollment
type Log struct {
	ID           int64           `json:"id"`
	EnrollmentID string          `json:"enrollment_id"`
	AutomationID string          `json:"automation_id"`
	StepID       string          `json:"step_id,omitempty"`
	Action       LogAction       `json:"action"`
	Outcome      string          `json:"outcome,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
