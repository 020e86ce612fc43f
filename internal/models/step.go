package models

import (
	"encoding/json"
	"time"
)

// StepType is the kind of node in an automation workflow
type StepType string

const (
	StepSendEmail      StepType = "send_email"
	StepWait           StepType = "wait"
	StepCondition      StepType = "condition"
	StepAddTag         StepType = "add_tag"
	StepRemoveTag      StepType = "remove_tag"
	StepAddToList      StepType = "add_to_list"
	StepRemoveFromList StepType = "remove_from_list"
	StepUpdateField    StepType = "update_field"
	StepWebhook        StepType = "webhook"
	StepGoal           StepType = "goal"
	StepExit           StepType = "exit"
)

// IsValid checks if the step type is valid
func (t StepType) IsValid() bool {
	switch t {
	case StepSendEmail, StepWait, StepCondition, StepAddTag, StepRemoveTag, StepAddToList,
		StepRemoveFromList, StepUpdateField, StepWebhook, StepGoal, StepExit:
		return true
	default:
		return false
	}
}

// Branch labels of condition step children
const (
	BranchYes = "yes"
	BranchNo  = "no"
)

// Step is a node of an automation workflow tree.
// ParentStepID is empty for the entry step, Branch is empty for linear children.
type Step struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	Type         StepType        `json:"type"`
	Name         string          `json:"name"`
	Config       json.RawMessage `json:"config"`
	Position     int             `json:"position"`
	ParentStepID string          `json:"parent_step_id,omitempty"`
	Branch       string          `json:"branch,omitempty"`

	EnteredCount   int `json:"entered_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	EmailsSent     int `json:"emails_sent"`

	CreatedAt time.Time `json:"created_at"`
}

// StepCounter names a per-step counter column
type StepCounter string

const (
	CounterEntered   StepCounter = "entered_count"
	CounterCompleted StepCounter = "completed_count"
	CounterFailed    StepCounter = "failed_count"
	CounterEmails    StepCounter = "emails_sent"
)
