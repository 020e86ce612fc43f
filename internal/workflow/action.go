package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/sendry-flow/internal/condition"
	"github.com/foxzi/sendry-flow/internal/models"
)

var ErrUnknownStepType = errors.New("Unknown step type")

// Action is the decoded configuration of a step. The set of implementations
// is closed; dispatch with a type switch.
type Action interface {
	StepType() models.StepType
	action()
}

type SendEmail struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	FromEmail string    `json:"from_email,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	Variants  []Variant `json:"variants,omitempty"`
}

// Variant is an A/B alternative of a send_email step. Weights are percentages.
type Variant struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Weight  int    `json:"weight"`
}

// Wait delays the enrollment. Unit is minutes, hours or days.
type Wait struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"`
}

// MaxWait bounds a single wait step
const MaxWait = 3650 * 24 * time.Hour

// Delay converts the configured duration. Unknown units are treated as minutes.
// Durations beyond MaxWait are clamped to it.
func (w Wait) Delay() time.Duration {
	if w.Duration <= 0 {
		return 0
	}
	if w.tooLong() {
		return MaxWait
	}
	return time.Duration(w.Duration) * w.unit()
}

func (w Wait) unit() time.Duration {
	switch w.Unit {
	case "days":
		return 24 * time.Hour
	case "hours":
		return time.Hour
	default:
		return time.Minute
	}
}

func (w Wait) tooLong() bool {
	return int64(w.Duration) > int64(MaxWait/w.unit())
}

type Condition struct {
	condition.Rule
}

type AddTag struct {
	TagID string `json:"tag_id"`
}

type RemoveTag struct {
	TagID string `json:"tag_id"`
}

type AddToList struct {
	ListID string `json:"list_id"`
}

type RemoveFromList struct {
	ListID string `json:"list_id"`
}

type UpdateField struct {
	Field string           `json:"field"`
	Value condition.Scalar `json:"value"`
}

type Webhook struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Goal struct {
	Name string `json:"name,omitempty"`
}

type Exit struct{}

func (SendEmail) StepType() models.StepType      { return models.StepSendEmail }
func (Wait) StepType() models.StepType           { return models.StepWait }
func (Condition) StepType() models.StepType      { return models.StepCondition }
func (AddTag) StepType() models.StepType         { return models.StepAddTag }
func (RemoveTag) StepType() models.StepType      { return models.StepRemoveTag }
func (AddToList) StepType() models.StepType      { return models.StepAddToList }
func (RemoveFromList) StepType() models.StepType { return models.StepRemoveFromList }
func (UpdateField) StepType() models.StepType    { return models.StepUpdateField }
func (Webhook) StepType() models.StepType        { return models.StepWebhook }
func (Goal) StepType() models.StepType           { return models.StepGoal }
func (Exit) StepType() models.StepType           { return models.StepExit }

func (SendEmail) action()      {}
func (Wait) action()           {}
func (Condition) action()      {}
func (AddTag) action()         {}
func (RemoveTag) action()      {}
func (AddToList) action()      {}
func (RemoveFromList) action() {}
func (UpdateField) action()    {}
func (Webhook) action()        {}
func (Goal) action()           {}
func (Exit) action()           {}

// DecodeAction decodes the configuration of a step into its action variant
func DecodeAction(step *models.Step) (Action, error) {
	var a Action
	switch step.Type {
	case models.StepSendEmail:
		a = &SendEmail{}
	case models.StepWait:
		a = &Wait{}
	case models.StepCondition:
		a = &Condition{}
	case models.StepAddTag:
		a = &AddTag{}
	case models.StepRemoveTag:
		a = &RemoveTag{}
	case models.StepAddToList:
		a = &AddToList{}
	case models.StepRemoveFromList:
		a = &RemoveFromList{}
	case models.StepUpdateField:
		a = &UpdateField{}
	case models.StepWebhook:
		a = &Webhook{}
	case models.StepGoal:
		a = &Goal{}
	case models.StepExit:
		return Exit{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}

	if len(step.Config) > 0 && string(step.Config) != "null" {
		if err := json.Unmarshal(step.Config, a); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", step.Type, err)
		}
	}

	return deref(a), nil
}

func deref(a Action) Action {
	switch v := a.(type) {
	case *SendEmail:
		return *v
	case *Wait:
		return *v
	case *Condition:
		return *v
	case *AddTag:
		return *v
	case *RemoveTag:
		return *v
	case *AddToList:
		return *v
	case *RemoveFromList:
		return *v
	case *UpdateField:
		return *v
	case *Webhook:
		return *v
	case *Goal:
		return *v
	}
	return a
}
