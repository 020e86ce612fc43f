// Package executor runs a single workflow step for one enrollment.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/condition"
	"github.com/foxzi/sendry-flow/internal/email"
	"github.com/foxzi/sendry-flow/internal/events"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/webhook"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

// Next tells the scheduler where the enrollment goes after a successful step
type Next int

const (
	// NextResolve follows the graph from the executed step using Branch
	NextResolve Next = iota
	// NextStay keeps the enrollment on the same step until WaitUntil
	NextStay
	// NextExit ends the enrollment with ExitReason
	NextExit
)

// Outcome is the result of executing one step
type Outcome struct {
	Success    bool
	Err        error
	Retryable  bool
	Branch     string
	Next       Next
	ExitReason models.ExitReason
	WaitUntil  time.Time
}

func succeeded() Outcome {
	return Outcome{Success: true, Next: NextResolve}
}

func permanent(err error) Outcome {
	return Outcome{Err: err}
}

func retryable(err error) Outcome {
	return Outcome{Err: err, Retryable: true}
}

// Error returns the failure message, or "" for successful outcomes
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ContactStore mutates contacts on behalf of tag, list and field steps.
// Tag and list operations report whether anything changed.
type ContactStore interface {
	AddTag(contactID, tagID string) (bool, error)
	RemoveTag(contactID, tagID string) (bool, error)
	AddToList(contactID, listID string) (bool, error)
	RemoveFromList(contactID, listID string) (bool, error)
	UpdateField(contactID, field, value string) error
}

type StepCounters interface {
	IncrementCounter(stepID string, counter models.StepCounter) error
}

type LogAppender interface {
	Append(l *models.Log) error
}

type WebhookCaller interface {
	Call(ctx context.Context, req *webhook.Request) (*webhook.Response, error)
}

// Deps are the collaborators of an Executor. Events and Cache are optional.
type Deps struct {
	Contacts ContactStore
	Counters StepCounters
	Logs     LogAppender
	Sender   email.Sender
	Webhooks WebhookCaller
	Events   events.Publisher
	Cache    cache.Cache
}

// Request identifies the step to execute. Contact is the snapshot conditions
// and templates are evaluated against.
type Request struct {
	Automation *models.Automation
	Enrollment *models.Enrollment
	Step       *models.Step
	Contact    *models.Contact
}

// Executor dispatches steps to their handlers
type Executor struct {
	deps      Deps
	fromEmail string
	fromName  string
	logger    *slog.Logger

	Now func() time.Time
}

// New creates an executor. fromEmail and fromName are used when neither the
// step nor the automation names a sender.
func New(deps Deps, fromEmail, fromName string, logger *slog.Logger) *Executor {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	return &Executor{
		deps:      deps,
		fromEmail: fromEmail,
		fromName:  fromName,
		logger:    logger.With("component", "executor"),
		Now:       time.Now,
	}
}

// Execute runs req.Step. It never panics on bad configuration; decoding
// problems come back as permanent failures.
func (e *Executor) Execute(ctx context.Context, req *Request) Outcome {
	action, err := workflow.DecodeAction(req.Step)
	if err != nil {
		return permanent(err)
	}

	switch a := action.(type) {
	case workflow.SendEmail:
		return e.sendEmail(ctx, req, a)
	case workflow.Wait:
		return e.wait(req, a)
	case workflow.Condition:
		return e.condition(req, a)
	case workflow.AddTag:
		return e.tag(ctx, req, a.TagID, true)
	case workflow.RemoveTag:
		return e.tag(ctx, req, a.TagID, false)
	case workflow.AddToList:
		return e.list(ctx, req, a.ListID, true)
	case workflow.RemoveFromList:
		return e.list(ctx, req, a.ListID, false)
	case workflow.UpdateField:
		return e.updateField(ctx, req, a)
	case workflow.Webhook:
		return e.webhook(ctx, req, a)
	case workflow.Goal:
		return e.goal(req, a)
	case workflow.Exit:
		return Outcome{Success: true, Next: NextExit, ExitReason: models.ExitStep}
	default:
		return permanent(fmt.Errorf("%w: %s", workflow.ErrUnknownStepType, req.Step.Type))
	}
}

func (e *Executor) sendEmail(ctx context.Context, req *Request, a workflow.SendEmail) Outcome {
	if req.Contact == nil || req.Contact.Email == "" {
		return permanent(errors.New("contact has no email address"))
	}

	subject, body := a.Subject, a.Body
	variant := pickVariant(a.Variants, req.Contact.ID, req.Step.ID)
	if variant >= 0 {
		subject, body = a.Variants[variant].Subject, a.Variants[variant].Body
	}
	if subject == "" {
		return permanent(errors.New("send_email step has no subject"))
	}

	vars := req.Contact.Variables()
	msg := &email.Message{
		To:        req.Contact.Email,
		Subject:   renderTemplate(subject, vars),
		HTML:      renderTemplate(body, vars),
		FromEmail: firstNonEmpty(a.FromEmail, req.Automation.FromEmail, e.fromEmail),
		FromName:  firstNonEmpty(a.FromName, req.Automation.FromName, e.fromName),
		Headers: map[string]string{
			"X-Automation-ID": req.Automation.ID,
			"X-Enrollment-ID": req.Enrollment.ID,
		},
	}

	result, err := e.deps.Sender.Send(ctx, msg)
	if err != nil {
		if email.IsTemporary(err) {
			return retryable(err)
		}
		return permanent(err)
	}

	if err := e.deps.Counters.IncrementCounter(req.Step.ID, models.CounterEmails); err != nil {
		e.logger.Error("failed to count sent email", "step_id", req.Step.ID, "error", err)
	}
	e.appendLog(req, models.LogEmailSent, "success", map[string]any{
		"message_id": result.MessageID,
		"to":         msg.To,
		"subject":    msg.Subject,
		"variant":    variant,
	})
	return succeeded()
}

// wait is two-phase: the first visit arms the delay and keeps the enrollment
// on the step, the visit after the delay falls through. Only the armed marker
// counts; a retry backoff on the same step leaves the delay unarmed.
func (e *Executor) wait(req *Request, a workflow.Wait) Outcome {
	if req.Enrollment.WaitStepID == req.Step.ID {
		e.appendLog(req, models.LogWaitCompleted, "success", nil)
		return succeeded()
	}

	delay := a.Delay()
	if delay <= 0 {
		return succeeded()
	}

	until := e.Now().UTC().Add(delay)
	e.appendLog(req, models.LogWaitStarted, "success", map[string]any{
		"duration": a.Duration,
		"unit":     a.Unit,
		"until":    until,
	})
	return Outcome{Success: true, Next: NextStay, WaitUntil: until}
}

func (e *Executor) condition(req *Request, a workflow.Condition) Outcome {
	branch := condition.Branch(condition.Evaluate(a.Rule, req.Contact))
	e.appendLog(req, models.LogConditionEvaluated, branch, map[string]any{
		"condition_type": a.Type,
		"branch":         branch,
	})
	return Outcome{Success: true, Next: NextResolve, Branch: branch}
}

func (e *Executor) tag(ctx context.Context, req *Request, tagID string, add bool) Outcome {
	if tagID == "" {
		return permanent(errors.New("tag_id is required"))
	}

	var changed bool
	var err error
	action, trigger := models.LogTagAdded, models.TriggerTagAdded
	if add {
		changed, err = e.deps.Contacts.AddTag(req.Enrollment.ContactID, tagID)
	} else {
		action, trigger = models.LogTagRemoved, models.TriggerTagRemoved
		changed, err = e.deps.Contacts.RemoveTag(req.Enrollment.ContactID, tagID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrTagNotFound) {
			return permanent(err)
		}
		return retryable(err)
	}

	e.invalidateContact(ctx, req)
	e.appendLog(req, action, "success", map[string]any{"tag_id": tagID, "changed": changed})
	if changed {
		e.publish(ctx, req, trigger, map[string]any{"tag_id": tagID})
	}
	return succeeded()
}

func (e *Executor) list(ctx context.Context, req *Request, listID string, add bool) Outcome {
	if listID == "" {
		return permanent(errors.New("list_id is required"))
	}

	var changed bool
	var err error
	action := models.LogListAdded
	if add {
		changed, err = e.deps.Contacts.AddToList(req.Enrollment.ContactID, listID)
	} else {
		action = models.LogListRemoved
		changed, err = e.deps.Contacts.RemoveFromList(req.Enrollment.ContactID, listID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrListNotFound) {
			return permanent(err)
		}
		return retryable(err)
	}

	e.invalidateContact(ctx, req)
	e.appendLog(req, action, "success", map[string]any{"list_id": listID, "changed": changed})
	if changed && add {
		e.publish(ctx, req, models.TriggerListSubscription, map[string]any{"list_id": listID})
	}
	return succeeded()
}

func (e *Executor) updateField(ctx context.Context, req *Request, a workflow.UpdateField) Outcome {
	if a.Field == "" {
		return permanent(errors.New("field is required"))
	}

	value := string(a.Value)
	if req.Contact != nil {
		value = renderTemplate(value, req.Contact.Variables())
	}

	if err := e.deps.Contacts.UpdateField(req.Enrollment.ContactID, a.Field, value); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return permanent(err)
		}
		return retryable(err)
	}

	e.invalidateContact(ctx, req)
	e.appendLog(req, models.LogFieldUpdated, "success", map[string]any{"field": a.Field, "value": value})
	return succeeded()
}

type webhookPayload struct {
	AutomationID string          `json:"automation_id"`
	EnrollmentID string          `json:"enrollment_id"`
	StepID       string          `json:"step_id"`
	Contact      *models.Contact `json:"contact"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (e *Executor) webhook(ctx context.Context, req *Request, a workflow.Webhook) Outcome {
	if a.URL == "" {
		return permanent(errors.New("url is required"))
	}
	method := strings.ToUpper(a.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return permanent(fmt.Errorf("unsupported webhook method %q", a.Method))
	}

	resp, err := e.deps.Webhooks.Call(ctx, &webhook.Request{
		Method:  method,
		URL:     a.URL,
		Headers: a.Headers,
		Payload: webhookPayload{
			AutomationID: req.Automation.ID,
			EnrollmentID: req.Enrollment.ID,
			StepID:       req.Step.ID,
			Contact:      req.Contact,
			Timestamp:    e.Now().UTC(),
		},
	})
	if err != nil {
		e.appendLog(req, models.LogWebhookCalled, "error", map[string]any{"url": a.URL, "error": err.Error()})
		return retryable(err)
	}

	outcome := "success"
	if resp.StatusCode >= 300 {
		outcome = "error"
	}
	e.appendLog(req, models.LogWebhookCalled, outcome, map[string]any{"url": a.URL, "status_code": resp.StatusCode})

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return succeeded()
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return retryable(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

func (e *Executor) goal(req *Request, a workflow.Goal) Outcome {
	e.appendLog(req, models.LogGoalReached, "success", map[string]any{"name": a.Name})
	if req.Automation.ExitOnGoal {
		return Outcome{Success: true, Next: NextExit, ExitReason: models.ExitGoalReached}
	}
	return succeeded()
}

// invalidateContact drops the snapshot the step just superseded
func (e *Executor) invalidateContact(ctx context.Context, req *Request) {
	if req.Contact == nil {
		return
	}
	key := cache.VersionedKey(req.Automation.TenantID, cache.EntityContact, req.Contact.ID, req.Contact.UpdatedAt)
	if err := e.deps.Cache.Delete(ctx, key); err != nil {
		e.logger.Warn("contact cache invalidation failed", "contact_id", req.Enrollment.ContactID, "error", err)
	}
}

func (e *Executor) publish(ctx context.Context, req *Request, trigger models.TriggerType, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	err := e.deps.Events.Publish(ctx, events.TriggerEvent{
		TriggerType: trigger,
		ContactID:   req.Enrollment.ContactID,
		Data:        data,
		OccurredAt:  e.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("failed to publish event", "trigger_type", trigger, "contact_id", req.Enrollment.ContactID, "error", err)
	}
}

// appendLog never fails the step; audit records are best-effort
func (e *Executor) appendLog(req *Request, action models.LogAction, outcome string, data map[string]any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err == nil {
			raw = encoded
		}
	}
	err := e.deps.Logs.Append(&models.Log{
		EnrollmentID: req.Enrollment.ID,
		AutomationID: req.Automation.ID,
		StepID:       req.Step.ID,
		Action:       action,
		Outcome:      outcome,
		Data:         raw,
		CreatedAt:    e.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("failed to append log", "enrollment_id", req.Enrollment.ID, "action", action, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
