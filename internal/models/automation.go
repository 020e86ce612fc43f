package models

import "time"

// AutomationStatus represents the lifecycle state of an automation
type AutomationStatus string

const (
	AutomationStatusDraft    AutomationStatus = "draft"
	AutomationStatusActive   AutomationStatus = "active"
	AutomationStatusPaused   AutomationStatus = "paused"
	AutomationStatusArchived AutomationStatus = "archived"
)

// IsValid checks if the automation status is valid
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationStatusDraft, AutomationStatusActive, AutomationStatusPaused, AutomationStatusArchived:
		return true
	default:
		return false
	}
}

// TriggerType is the kind of domain event that enrolls contacts
type TriggerType string

const (
	TriggerListSubscription TriggerType = "list_subscription"
	TriggerTagAdded         TriggerType = "tag_added"
	TriggerTagRemoved       TriggerType = "tag_removed"
	TriggerLinkClicked      TriggerType = "link_clicked"
	TriggerEmailOpened      TriggerType = "email_opened"
	TriggerWebhook          TriggerType = "webhook"
	TriggerManual           TriggerType = "manual"
)

// IsValid checks if the trigger type is valid
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerListSubscription, TriggerTagAdded, TriggerTagRemoved, TriggerLinkClicked,
		TriggerEmailOpened, TriggerWebhook, TriggerManual:
		return true
	default:
		return false
	}
}

// TriggerConfig narrows which events of the trigger type enroll a contact.
// Empty fields match anything.
type TriggerConfig struct {
	ListID     string `json:"list_id,omitempty"`
	TagID      string `json:"tag_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Automation is a tenant-owned workflow definition
type Automation struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Status        AutomationStatus `json:"status"`
	TriggerType   TriggerType      `json:"trigger_type"`
	TriggerConfig TriggerConfig    `json:"trigger_config"`
	AllowReEntry  bool             `json:"allow_re_entry"`
	ExitOnGoal    bool             `json:"exit_on_goal"`
	FromEmail     string           `json:"from_email"`
	FromName      string           `json:"from_name"`

	// Counters
	TotalEnrolled   int `json:"total_enrolled"`
	CurrentlyActive int `json:"currently_active"`
	Completed       int `json:"completed"`
	Exited          int `json:"exited"`
	Failed          int `json:"failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationListFilter for filtering automations
type AutomationListFilter struct {
	TenantID    string
	Status      AutomationStatus
	TriggerType TriggerType
	Limit       int
	Offset      int
}
