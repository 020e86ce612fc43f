package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/trigger"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// EventRequest is the request body for POST /events
type EventRequest struct {
	TriggerType models.TriggerType `json:"trigger_type" validate:"required"`
	ContactID   string             `json:"contact_id" validate:"required"`
	Data        map[string]any     `json:"data,omitempty"`
}

// EventResponse is the response for POST /events
type EventResponse struct {
	Enrolled int `json:"enrolled"`
}

// EnrollRequest is the request body for webhook and manual enrollment
type EnrollRequest struct {
	ContactID string         `json:"contact_id" validate:"required"`
	Data      map[string]any `json:"data,omitempty"`
}

// EnrollResponse reports the enrollment created, if any
type EnrollResponse struct {
	Enrolled   bool               `json:"enrolled"`
	Enrollment *models.Enrollment `json:"enrollment,omitempty"`
}

// AutomationResponse is an automation with its counters, flat steps and the
// nested definition accepted by PUT /workflow
type AutomationResponse struct {
	*models.Automation
	Steps    []models.Step       `json:"steps"`
	Workflow workflow.Definition `json:"workflow"`
}

// EnrollmentLogsResponse is an enrollment with its audit trail
type EnrollmentLogsResponse struct {
	Enrollment *models.Enrollment `json:"enrollment"`
	Logs       []models.Log       `json:"logs"`
}

// RunResponse is the response for POST /scheduler/run
type RunResponse struct {
	Processed int `json:"processed"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.TriggerType.IsValid() {
		s.sendError(w, http.StatusBadRequest, "unknown trigger_type")
		return
	}

	contact, err := s.contacts.GetByID(req.ContactID)
	if err != nil {
		s.logger.Error("failed to load contact", "contact_id", req.ContactID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load contact")
		return
	}
	if contact == nil {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return
	}

	n, err := s.deps.Router.Fire(r.Context(), req.TriggerType, contact, req.Data)
	if err != nil {
		s.logger.Error("failed to fire trigger", "trigger_type", req.TriggerType, "contact_id", contact.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	s.sendJSON(w, http.StatusOK, EventResponse{Enrolled: n})
}

// handleWebhook handles POST /api/v1/webhooks/{automationID}
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.enroll(w, r, chi.URLParam(r, "automationID"), true)
}

// handleManualEnroll handles POST /api/v1/automations/{id}/enrollments
func (s *Server) handleManualEnroll(w http.ResponseWriter, r *http.Request) {
	s.enroll(w, r, chi.URLParam(r, "id"), false)
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request, automationID string, webhookOnly bool) {
	var req EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}

	a, err := s.automations.GetByID(automationID)
	if err != nil {
		s.logger.Error("failed to load automation", "automation_id", automationID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load automation")
		return
	}
	if a == nil {
		s.sendError(w, http.StatusNotFound, "Automation not found")
		return
	}
	if webhookOnly && a.TriggerType != models.TriggerWebhook {
		s.sendError(w, http.StatusBadRequest, "Automation is not triggered by webhook")
		return
	}

	contact, err := s.contacts.GetByID(req.ContactID)
	if err != nil {
		s.logger.Error("failed to load contact", "contact_id", req.ContactID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load contact")
		return
	}
	if contact == nil || contact.TenantID != a.TenantID {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return
	}

	e, err := s.deps.Router.Enroll(r.Context(), a, contact, req.Data)
	switch {
	case errors.Is(err, trigger.ErrAutomationNotActive):
		s.sendError(w, http.StatusConflict, "Automation is not active")
		return
	case err != nil:
		s.logger.Error("failed to enroll contact", "automation_id", a.ID, "contact_id", contact.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to enroll contact")
		return
	}

	if e == nil {
		s.sendJSON(w, http.StatusOK, EnrollResponse{Enrolled: false})
		return
	}
	s.sendJSON(w, http.StatusCreated, EnrollResponse{Enrolled: true, Enrollment: e})
}

// handleGetAutomation handles GET /api/v1/automations/{id}
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.automations.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load automation", "automation_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load automation")
		return
	}
	if a == nil {
		s.sendError(w, http.StatusNotFound, "Automation not found")
		return
	}

	steps, err := s.steps.ListByAutomation(a.ID)
	if err != nil {
		s.logger.Error("failed to load steps", "automation_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load steps")
		return
	}
	if steps == nil {
		steps = []models.Step{}
	}

	s.sendJSON(w, http.StatusOK, AutomationResponse{
		Automation: a,
		Steps:      steps,
		Workflow:   workflow.Tree(workflow.NewGraph(steps)),
	})
}

// handleSaveWorkflow handles PUT /api/v1/automations/{id}/workflow
func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	steps, err := s.deps.Workflows.SaveWorkflow(r.Context(), id, def)
	switch {
	case errors.Is(err, workflow.ErrAutomationNotFound):
		s.sendError(w, http.StatusNotFound, "Automation not found")
		return
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to save workflow", "automation_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save workflow")
		return
	}

	if steps == nil {
		steps = []models.Step{}
	}
	s.sendJSON(w, http.StatusOK, steps)
}

// handleDuplicate handles POST /api/v1/automations/{id}/duplicate
func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	clone, err := s.deps.Workflows.Duplicate(r.Context(), id)
	if errors.Is(err, workflow.ErrAutomationNotFound) {
		s.sendError(w, http.StatusNotFound, "Automation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to duplicate automation", "automation_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to duplicate automation")
		return
	}

	s.sendJSON(w, http.StatusCreated, clone)
}

// handleEnrollmentLogs handles GET /api/v1/enrollments/{id}/logs
func (s *Server) handleEnrollmentLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.enrollments.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load enrollment", "enrollment_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load enrollment")
		return
	}
	if e == nil {
		s.sendError(w, http.StatusNotFound, "Enrollment not found")
		return
	}

	logs, err := s.logs.ListByEnrollment(e.ID)
	if err != nil {
		s.logger.Error("failed to load logs", "enrollment_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load logs")
		return
	}
	if logs == nil {
		logs = []models.Log{}
	}

	s.sendJSON(w, http.StatusOK, EnrollmentLogsResponse{Enrollment: e, Logs: logs})
}

// handleExit handles POST /api/v1/enrollments/{id}/exit
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.deps.Router.Exit(r.Context(), id)
	switch {
	case errors.Is(err, trigger.ErrEnrollmentNotFound):
		s.sendError(w, http.StatusNotFound, "Enrollment not found")
		return
	case errors.Is(err, trigger.ErrEnrollmentNotOpen):
		s.sendError(w, http.StatusConflict, "Enrollment is not active or waiting")
		return
	case err != nil:
		s.logger.Error("failed to exit enrollment", "enrollment_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to exit enrollment")
		return
	}

	s.sendJSON(w, http.StatusOK, e)
}

// handleRunScheduler handles POST /api/v1/scheduler/run
func (s *Server) handleRunScheduler(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Runner.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("scheduling pass failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Scheduling pass failed")
		return
	}
	s.sendJSON(w, http.StatusOK, RunResponse{Processed: n})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// decode reads a JSON body into v and validates it
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			s.sendError(w, http.StatusBadRequest, verrs[0].Field()+" is "+verrs[0].Tag())
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
