package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/sendry-flow/internal/db"
	"github.com/foxzi/sendry-flow/internal/email"
	"github.com/foxzi/sendry-flow/internal/events"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/webhook"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *email.Message) (*email.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &email.Result{MessageID: "msg-1"}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.TriggerEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev events.TriggerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type testEnv struct {
	db         *sql.DB
	exec       *Executor
	sender     *fakeSender
	publisher  *fakePublisher
	automation *models.Automation
	contact    *models.Contact
	enrollment *models.Enrollment
	contacts   *repository.ContactRepository
	logs       *repository.LogRepository
	steps      *repository.StepRepository
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "flow.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	d := database.DB

	a := &models.Automation{
		TenantID:    "tenant-1",
		Name:        "Onboarding",
		Status:      models.AutomationStatusActive,
		TriggerType: models.TriggerManual,
		FromEmail:   "news@example.com",
		FromName:    "News",
	}
	if err := repository.NewAutomationRepository(d).Create(a); err != nil {
		t.Fatalf("Create automation: %v", err)
	}

	contacts := repository.NewContactRepository(d)
	c := &models.Contact{
		TenantID:     "tenant-1",
		Email:        "jane@example.com",
		FirstName:    "Jane",
		CustomFields: map[string]string{"plan": "pro"},
	}
	if err := contacts.Create(c); err != nil {
		t.Fatalf("Create contact: %v", err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := &models.Enrollment{
		AutomationID: a.ID,
		ContactID:    c.ID,
		Status:       models.EnrollmentActive,
		EnrolledAt:   now,
		NextActionAt: now,
	}
	if _, err := repository.NewEnrollmentRepository(d).Create(e, false); err != nil {
		t.Fatalf("Create enrollment: %v", err)
	}

	env := &testEnv{
		db:         d,
		sender:     &fakeSender{},
		publisher:  &fakePublisher{},
		automation: a,
		contact:    c,
		enrollment: e,
		contacts:   contacts,
		logs:       repository.NewLogRepository(d),
		steps:      repository.NewStepRepository(d),
		now:        now,
	}
	env.exec = New(Deps{
		Contacts: contacts,
		Counters: env.steps,
		Logs:     env.logs,
		Sender:   env.sender,
		Webhooks: webhook.NewClient(time.Second, "sendry-flow/test"),
		Events:   env.publisher,
	}, "default@example.com", "Default", slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.exec.Now = func() time.Time { return env.now }
	return env
}

// step persists a single step so counters can be checked
func (env *testEnv) step(t *testing.T, typ models.StepType, config string) *models.Step {
	t.Helper()
	s := models.Step{AutomationID: env.automation.ID, Type: typ, Config: json.RawMessage(config)}
	steps := []models.Step{s}
	if err := repository.NewAutomationRepository(env.db).ReplaceSteps(env.automation.ID, steps, ""); err != nil {
		t.Fatalf("ReplaceSteps: %v", err)
	}
	stored, err := env.steps.ListByAutomation(env.automation.ID)
	if err != nil || len(stored) != 1 {
		t.Fatalf("ListByAutomation = %v, %v", stored, err)
	}
	env.enrollment.CurrentStepID = stored[0].ID
	return &stored[0]
}

func (env *testEnv) run(step *models.Step) Outcome {
	contact, _ := env.contacts.GetByID(env.contact.ID)
	return env.exec.Execute(context.Background(), &Request{
		Automation: env.automation,
		Enrollment: env.enrollment,
		Step:       step,
		Contact:    contact,
	})
}

func (env *testEnv) actions(t *testing.T) []models.LogAction {
	t.Helper()
	logs, err := env.logs.ListByEnrollment(env.enrollment.ID)
	if err != nil {
		t.Fatalf("ListByEnrollment: %v", err)
	}
	var out []models.LogAction
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func TestSendEmail(t *testing.T) {
	env := newTestEnv(t)
	step := env.step(t, models.StepSendEmail, `{"subject":"Hi {{first_name}}","body":"<p>Your plan: {{plan}} {{unknown}}</p>"}`)

	out := env.run(step)
	if !out.Success || out.Next != NextResolve {
		t.Fatalf("outcome = %+v", out)
	}

	if len(env.sender.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(env.sender.sent))
	}
	msg := env.sender.sent[0]
	if msg.Subject != "Hi Jane" || msg.HTML != "<p>Your plan: pro {{unknown}}</p>" {
		t.Errorf("rendered subject=%q html=%q", msg.Subject, msg.HTML)
	}
	if msg.FromEmail != "news@example.com" || msg.FromName != "News" || msg.To != "jane@example.com" {
		t.Errorf("addresses from=%q name=%q to=%q", msg.FromEmail, msg.FromName, msg.To)
	}

	stored, _ := env.steps.ListByAutomation(env.automation.ID)
	if stored[0].EmailsSent != 1 {
		t.Errorf("emails_sent = %d, want 1", stored[0].EmailsSent)
	}
	if got := env.actions(t); len(got) != 1 || got[0] != models.LogEmailSent {
		t.Errorf("logs = %v, want [email_sent]", got)
	}
}

func TestSendEmailFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"temporary provider error", &email.SendError{Temporary: true, Message: "503"}, true},
		{"network error", errors.New("connection reset"), true},
		{"permanent rejection", &email.SendError{Temporary: false, Message: "550 no such user"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sender.err = tt.err
			step := env.step(t, models.StepSendEmail, `{"subject":"Hi","body":"x"}`)

			out := env.run(step)
			if out.Success || out.Retryable != tt.retryable || out.Error() == "" {
				t.Errorf("outcome = %+v, want retryable=%v", out, tt.retryable)
			}
		})
	}
}

func TestWaitIsTwoPhase(t *testing.T) {
	env := newTestEnv(t)
	step := env.step(t, models.StepWait, `{"duration":1,"unit":"days"}`)

	out := env.run(step)
	if !out.Success || out.Next != NextStay {
		t.Fatalf("first visit outcome = %+v, want NextStay", out)
	}
	if want := env.now.Add(24 * time.Hour); !out.WaitUntil.Equal(want) {
		t.Errorf("WaitUntil = %v, want %v", out.WaitUntil, want)
	}

	env.enrollment.Status = models.EnrollmentWaiting
	env.enrollment.WaitStepID = step.ID
	out = env.run(step)
	if !out.Success || out.Next != NextResolve {
		t.Fatalf("second visit outcome = %+v, want NextResolve", out)
	}

	got := env.actions(t)
	if len(got) != 2 || got[0] != models.LogWaitStarted || got[1] != models.LogWaitCompleted {
		t.Errorf("logs = %v", got)
	}
}

func TestWaitWithoutArmedMarkerStartsDelay(t *testing.T) {
	env := newTestEnv(t)
	step := env.step(t, models.StepWait, `{"duration":1,"unit":"days"}`)

	// parked after an unrelated error: waiting on the step but never armed
	env.enrollment.Status = models.EnrollmentWaiting
	env.enrollment.CurrentStepID = step.ID
	out := env.run(step)
	if !out.Success || out.Next != NextStay {
		t.Fatalf("outcome = %+v, want NextStay", out)
	}
	if want := env.now.Add(24 * time.Hour); !out.WaitUntil.Equal(want) {
		t.Errorf("WaitUntil = %v, want %v", out.WaitUntil, want)
	}
}

func TestWaitZeroFallsThrough(t *testing.T) {
	env := newTestEnv(t)
	step := env.step(t, models.StepWait, `{"duration":0,"unit":"hours"}`)

	if out := env.run(step); !out.Success || out.Next != NextResolve {
		t.Errorf("outcome = %+v, want immediate NextResolve", out)
	}
}

func TestCondition(t *testing.T) {
	env := newTestEnv(t)
	step := env.step(t, models.StepCondition, `{"condition_type":"field","field":"plan","operator":"equals","value":"pro"}`)

	out := env.run(step)
	if !out.Success || out.Branch != models.BranchYes {
		t.Errorf("outcome = %+v, want yes branch", out)
	}

	step = env.step(t, models.StepCondition, `{"condition_type":"mystery"}`)
	if out := env.run(step); !out.Success || out.Branch != models.BranchNo {
		t.Errorf("unknown condition outcome = %+v, want no branch", out)
	}
}

func TestTagSteps(t *testing.T) {
	env := newTestEnv(t)
	tag := &models.Tag{TenantID: "tenant-1", Name: "vip"}
	if err := repository.NewTagRepository(env.db).Create(tag); err != nil {
		t.Fatalf("Create tag: %v", err)
	}

	add := env.step(t, models.StepAddTag, `{"tag_id":"`+tag.ID+`"}`)
	for i := 0; i < 2; i++ {
		if out := env.run(add); !out.Success {
			t.Fatalf("add_tag run %d outcome = %+v", i, out)
		}
	}

	contact, _ := env.contacts.GetByID(env.contact.ID)
	if len(contact.TagIDs) != 1 {
		t.Errorf("tags = %v, want exactly one", contact.TagIDs)
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].TriggerType != models.TriggerTagAdded {
		t.Errorf("events = %+v, want one tag_added", env.publisher.events)
	}

	remove := env.step(t, models.StepRemoveTag, `{"tag_id":"`+tag.ID+`"}`)
	if out := env.run(remove); !out.Success {
		t.Fatalf("remove_tag outcome = %+v", out)
	}
	contact, _ = env.contacts.GetByID(env.contact.ID)
	if len(contact.TagIDs) != 0 {
		t.Errorf("tags after remove = %v", contact.TagIDs)
	}
}

func TestListSteps(t *testing.T) {
	env := newTestEnv(t)
	lists := repository.NewListRepository(env.db)
	list := &models.List{TenantID: "tenant-1", Name: "Newsletter"}
	if err := lists.Create(list); err != nil {
		t.Fatalf("Create list: %v", err)
	}

	if out := env.run(env.step(t, models.StepAddToList, `{"list_id":"`+list.ID+`"}`)); !out.Success {
		t.Fatalf("add_to_list outcome = %+v", out)
	}
	got, _ := lists.GetByID(list.ID)
	if got.MemberCount != 1 {
		t.Errorf("member_count = %d, want 1", got.MemberCount)
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].TriggerType != models.TriggerListSubscription {
		t.Errorf("events = %+v, want one list_subscription", env.publisher.events)
	}

	if out := env.run(env.step(t, models.StepRemoveFromList, `{"list_id":"`+list.ID+`"}`)); !out.Success {
		t.Fatalf("remove_from_list outcome = %+v", out)
	}
	got, _ = lists.GetByID(list.ID)
	if got.MemberCount != 0 {
		t.Errorf("member_count after remove = %d, want 0", got.MemberCount)
	}
}

func TestPermanentConfigurationFailures(t *testing.T) {
	tests := []struct {
		name   string
		typ    models.StepType
		config string
	}{
		{"add_tag without tag_id", models.StepAddTag, `{}`},
		{"remove_tag without tag_id", models.StepRemoveTag, `{}`},
		{"add_tag unknown tag", models.StepAddTag, `{"tag_id":"missing"}`},
		{"add_to_list without list_id", models.StepAddToList, `{}`},
		{"add_to_list unknown list", models.StepAddToList, `{"list_id":"missing"}`},
		{"update_field without field", models.StepUpdateField, `{"value":"x"}`},
		{"webhook without url", models.StepWebhook, `{"method":"POST"}`},
		{"webhook bad method", models.StepWebhook, `{"url":"http://example.invalid","method":"DELETE"}`},
		{"send_email malformed config", models.StepSendEmail, `{"subject":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			out := env.run(env.step(t, tt.typ, tt.config))
			if out.Success || out.Retryable {
				t.Errorf("outcome = %+v, want permanent failure", out)
			}
		})
	}
}

func TestUnknownStepType(t *testing.T) {
	env := newTestEnv(t)
	step := &models.Step{ID: "s1", AutomationID: env.automation.ID, Type: "teleport"}

	out := env.run(step)
	if out.Success || out.Retryable || !errors.Is(out.Err, workflow.ErrUnknownStepType) {
		t.Errorf("outcome = %+v, want permanent unknown step type", out)
	}
	if !strings.Contains(out.Error(), "Unknown step type") {
		t.Errorf("error = %q", out.Error())
	}
}

func TestUpdateField(t *testing.T) {
	env := newTestEnv(t)

	if out := env.run(env.step(t, models.StepUpdateField, `{"field":"company","value":"Acme"}`)); !out.Success {
		t.Fatalf("standard field outcome = %+v", out)
	}
	if out := env.run(env.step(t, models.StepUpdateField, `{"field":"score","value":42}`)); !out.Success {
		t.Fatalf("custom field outcome = %+v", out)
	}

	contact, _ := env.contacts.GetByID(env.contact.ID)
	if contact.Company != "Acme" || contact.CustomFields["score"] != "42" || contact.CustomFields["plan"] != "pro" {
		t.Errorf("contact = %+v", contact)
	}
}

func TestWebhook(t *testing.T) {
	var status int
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(status)
	}))
	defer server.Close()

	tests := []struct {
		status    int
		success   bool
		retryable bool
	}{
		{http.StatusOK, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusInternalServerError, false, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			env := newTestEnv(t)
			status = tt.status
			step := env.step(t, models.StepWebhook, `{"url":"`+server.URL+`","method":"post"}`)

			out := env.run(step)
			if out.Success != tt.success || out.Retryable != tt.retryable {
				t.Errorf("outcome = %+v", out)
			}
			if payload["enrollment_id"] != env.enrollment.ID || payload["step_id"] != step.ID {
				t.Errorf("payload = %v", payload)
			}
			if _, ok := payload["contact"].(map[string]any); !ok {
				t.Errorf("payload contact missing: %v", payload)
			}
		})
	}
}

func TestWebhookUnreachableIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	env := newTestEnv(t)
	out := env.run(env.step(t, models.StepWebhook, `{"url":"`+url+`"}`))
	if out.Success || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable failure", out)
	}
}

func TestGoalAndExit(t *testing.T) {
	env := newTestEnv(t)
	goal := env.step(t, models.StepGoal, `{"name":"purchased"}`)

	if out := env.run(goal); !out.Success || out.Next != NextResolve {
		t.Errorf("goal without exit_on_goal = %+v", out)
	}

	env.automation.ExitOnGoal = true
	if out := env.run(goal); out.Next != NextExit || out.ExitReason != models.ExitGoalReached {
		t.Errorf("goal with exit_on_goal = %+v", out)
	}

	exit := env.step(t, models.StepExit, `{}`)
	if out := env.run(exit); !out.Success || out.Next != NextExit || out.ExitReason != models.ExitStep {
		t.Errorf("exit = %+v", out)
	}
}

func TestPickVariantIsDeterministic(t *testing.T) {
	variants := []workflow.Variant{{Subject: "A", Weight: 50}, {Subject: "B", Weight: 50}}

	seen := map[int]bool{}
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9", "c10"} {
		first := pickVariant(variants, id, "step")
		if first != pickVariant(variants, id, "step") {
			t.Fatalf("variant for %s changed between calls", id)
		}
		if first < 0 || first > 1 {
			t.Fatalf("variant for %s = %d, want 0 or 1", id, first)
		}
		seen[first] = true
	}
	if len(seen) != 2 {
		t.Errorf("ten contacts all landed on one variant: %v", seen)
	}

	if got := pickVariant(nil, "c1", "step"); got != -1 {
		t.Errorf("no variants = %d, want -1", got)
	}
	if got := pickVariant([]workflow.Variant{{Weight: 0}}, "c1", "step"); got != -1 {
		t.Errorf("zero weight = %d, want -1", got)
	}
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{"simple substitution", "Hello, {{name}}!", map[string]string{"name": "World"}, "Hello, World!"},
		{"spaces inside braces", "Hi {{ first_name }}", map[string]string{"first_name": "Jo"}, "Hi Jo"},
		{"missing variable unchanged", "Code {{code}}", map[string]string{}, "Code {{code}}"},
		{"empty template", "", map[string]string{"name": "x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTemplate(tt.template, tt.vars); got != tt.want {
				t.Errorf("renderTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}
