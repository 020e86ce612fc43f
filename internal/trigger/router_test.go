package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/sendry-flow/internal/cache"
	"github.com/foxzi/sendry-flow/internal/db"
	"github.com/foxzi/sendry-flow/internal/events"
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
	"github.com/foxzi/sendry-flow/internal/workflow"
)

type testEnv struct {
	router      *Router
	workflows   *workflow.Service
	automations *repository.AutomationRepository
	contacts    *repository.ContactRepository
	enrollments *repository.EnrollmentRepository
	logs        *repository.LogRepository
	contact     *models.Contact
	now         time.Time
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		automations: repository.NewAutomationRepository(d),
		contacts:    repository.NewContactRepository(d),
		enrollments: repository.NewEnrollmentRepository(d),
		logs:        repository.NewLogRepository(d),
		now:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.workflows = workflow.NewService(env.automations, repository.NewStepRepository(d), nil, logger)
	env.router = New(d, env.workflows, nil, logger)
	env.router.Now = func() time.Time { return env.now }

	env.contact = &models.Contact{TenantID: "tenant-1", Email: "jane@example.com"}
	if err := env.contacts.Create(env.contact); err != nil {
		t.Fatalf("Create contact: %v", err)
	}
	return env
}

func (env *testEnv) automation(t *testing.T, a models.Automation) *models.Automation {
	t.Helper()
	if a.TenantID == "" {
		a.TenantID = "tenant-1"
	}
	if a.Status == "" {
		a.Status = models.AutomationStatusActive
	}
	if a.Name == "" {
		a.Name = "automation"
	}
	if err := env.automations.Create(&a); err != nil {
		t.Fatalf("Create automation: %v", err)
	}
	return &a
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		cfg     models.TriggerConfig
		trigger models.TriggerType
		data    map[string]any
		want    bool
	}{
		{"empty config matches", models.TriggerConfig{}, models.TriggerTagAdded, nil, true},
		{"tag equal", models.TriggerConfig{TagID: "t1"}, models.TriggerTagAdded, map[string]any{"tag_id": "t1"}, true},
		{"tag differs", models.TriggerConfig{TagID: "t1"}, models.TriggerTagRemoved, map[string]any{"tag_id": "t2"}, false},
		{"tag missing", models.TriggerConfig{TagID: "t1"}, models.TriggerTagAdded, map[string]any{}, false},
		{"tag not a string", models.TriggerConfig{TagID: "1"}, models.TriggerTagAdded, map[string]any{"tag_id": 1}, false},
		{"list equal", models.TriggerConfig{ListID: "l1"}, models.TriggerListSubscription, map[string]any{"list_id": "l1"}, true},
		{"list differs", models.TriggerConfig{ListID: "l1"}, models.TriggerListSubscription, map[string]any{"list_id": "l2"}, false},
		{"campaign", models.TriggerConfig{CampaignID: "c1"}, models.TriggerEmailOpened, map[string]any{"campaign_id": "c1"}, true},
		{"click url differs", models.TriggerConfig{CampaignID: "c1", URL: "https://a"}, models.TriggerLinkClicked,
			map[string]any{"campaign_id": "c1", "url": "https://b"}, false},
		{"click url equal", models.TriggerConfig{URL: "https://a"}, models.TriggerLinkClicked, map[string]any{"url": "https://a"}, true},
		{"webhook always", models.TriggerConfig{TagID: "t1"}, models.TriggerWebhook, nil, true},
		{"manual always", models.TriggerConfig{ListID: "l1"}, models.TriggerManual, nil, true},
		{"unknown trigger", models.TriggerConfig{}, models.TriggerType("sms_received"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.cfg, tt.trigger, tt.data); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFireEnrollsMatchingAutomations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.automation(t, models.Automation{TriggerType: models.TriggerTagAdded, TriggerConfig: models.TriggerConfig{TagID: "vip"}})
	anyTag := env.automation(t, models.Automation{TriggerType: models.TriggerTagAdded})
	env.automation(t, models.Automation{TriggerType: models.TriggerTagAdded, TriggerConfig: models.TriggerConfig{TagID: "other"}})
	env.automation(t, models.Automation{TriggerType: models.TriggerTagRemoved})
	env.automation(t, models.Automation{TriggerType: models.TriggerTagAdded, Status: models.AutomationStatusPaused})
	env.automation(t, models.Automation{TriggerType: models.TriggerTagAdded, TenantID: "tenant-2"})

	if _, err := env.workflows.SaveWorkflow(ctx, match.ID, workflow.Definition{Steps: []workflow.Node{
		{Type: models.StepWait, Config: json.RawMessage(`{"duration":1,"unit":"hours"}`)},
	}}); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	n, err := env.router.Fire(ctx, models.TriggerTagAdded, env.contact, map[string]any{"tag_id": "vip"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if n != 2 {
		t.Fatalf("Fire enrolled %d, want 2", n)
	}

	enrollments, _ := env.enrollments.ListByAutomation(match.ID, "", 0)
	if len(enrollments) != 1 {
		t.Fatalf("enrollments of matching automation = %d", len(enrollments))
	}
	e := enrollments[0]
	if e.Status != models.EnrollmentActive || !e.EnrolledAt.Equal(env.now) || !e.NextActionAt.Equal(env.now) {
		t.Errorf("enrollment = %+v", e)
	}
	if e.CurrentStepID == "" {
		t.Error("enrollment is not positioned on the entry step")
	}

	logs, _ := env.logs.ListByEnrollment(e.ID)
	if len(logs) != 1 || logs[0].Action != models.LogEnrolled {
		t.Fatalf("logs = %+v, want one enrolled entry", logs)
	}
	var data map[string]any
	if err := json.Unmarshal(logs[0].Data, &data); err != nil || data["tag_id"] != "vip" {
		t.Errorf("enrolled log data = %s", logs[0].Data)
	}

	// no steps: enrolled with a null current step
	open, _ := env.enrollments.ListByAutomation(anyTag.ID, "", 0)
	if len(open) != 1 || open[0].CurrentStepID != "" {
		t.Errorf("empty workflow enrollment = %+v", open)
	}

	a, _ := env.automations.GetByID(match.ID)
	if a.TotalEnrolled != 1 || a.CurrentlyActive != 1 {
		t.Errorf("counters total=%d active=%d", a.TotalEnrolled, a.CurrentlyActive)
	}
}

func TestFireRespectsReEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	single := env.automation(t, models.Automation{TriggerType: models.TriggerManual})
	multi := env.automation(t, models.Automation{TriggerType: models.TriggerManual, AllowReEntry: true})

	for i := 0; i < 3; i++ {
		if _, err := env.router.Fire(ctx, models.TriggerManual, env.contact, nil); err != nil {
			t.Fatalf("Fire: %v", err)
		}
	}

	if n, _ := env.enrollments.CountOpen(single.ID, env.contact.ID); n != 1 {
		t.Errorf("open enrollments without re-entry = %d, want 1", n)
	}
	if n, _ := env.enrollments.CountOpen(multi.ID, env.contact.ID); n != 3 {
		t.Errorf("open enrollments with re-entry = %d, want 3", n)
	}
	if a, _ := env.automations.GetByID(single.ID); a.TotalEnrolled != 1 {
		t.Errorf("total_enrolled = %d, want 1", a.TotalEnrolled)
	}

	// after the open enrollment closes the contact may enter again
	open, _ := env.enrollments.ListByAutomation(single.ID, models.EnrollmentActive, 0)
	if _, err := env.router.Exit(ctx, open[0].ID); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if n, _ := env.router.Fire(ctx, models.TriggerManual, env.contact, nil); n != 2 {
		t.Errorf("Fire after exit enrolled %d, want 2", n)
	}
}

func TestFireRejectsUnknownTrigger(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.router.Fire(context.Background(), "sms_received", env.contact, nil); !errors.Is(err, ErrUnknownTrigger) {
		t.Errorf("error = %v, want ErrUnknownTrigger", err)
	}
	if _, err := env.router.Fire(context.Background(), models.TriggerManual, nil, nil); !errors.Is(err, ErrContactNotFound) {
		t.Errorf("error = %v, want ErrContactNotFound", err)
	}
}

func TestFireCountsEngagement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.router.Fire(ctx, models.TriggerEmailOpened, env.contact, map[string]any{"campaign_id": "c1"})
	env.router.Fire(ctx, models.TriggerEmailOpened, env.contact, nil)
	env.router.Fire(ctx, models.TriggerLinkClicked, env.contact, nil)

	c, _ := env.contacts.GetByID(env.contact.ID)
	if c.EmailsOpened != 2 || c.LinksClicked != 1 {
		t.Errorf("engagement opens=%d clicks=%d, want 2 and 1", c.EmailsOpened, c.LinksClicked)
	}
}

func TestFireInvalidatesContactOnEveryEvent(t *testing.T) {
	triggers := []models.TriggerType{
		models.TriggerTagAdded,
		models.TriggerTagRemoved,
		models.TriggerListSubscription,
		models.TriggerWebhook,
		models.TriggerEmailOpened,
	}
	for _, trigger := range triggers {
		t.Run(string(trigger), func(t *testing.T) {
			env := newTestEnv(t)
			c, err := cache.NewBoltCache(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
			if err != nil {
				t.Fatalf("NewBoltCache: %v", err)
			}
			t.Cleanup(func() { c.Close() })
			env.router.cache = c

			ctx := context.Background()
			contact, err := env.contacts.GetByID(env.contact.ID)
			if err != nil || contact == nil {
				t.Fatalf("GetByID = %v, %v", contact, err)
			}
			key := cache.VersionedKey(contact.TenantID, cache.EntityContact, contact.ID, contact.UpdatedAt)
			if err := cache.SetJSON(ctx, c, key, contact); err != nil {
				t.Fatalf("SetJSON: %v", err)
			}

			if _, err := env.router.Fire(ctx, trigger, contact, nil); err != nil {
				t.Fatalf("Fire: %v", err)
			}
			if _, ok, _ := c.Get(ctx, key); ok {
				t.Error("contact snapshot still cached after event")
			}
		})
	}
}

func TestEnroll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	draft := env.automation(t, models.Automation{TriggerType: models.TriggerManual, Status: models.AutomationStatusDraft})
	if _, err := env.router.Enroll(ctx, draft, env.contact, nil); !errors.Is(err, ErrAutomationNotActive) {
		t.Errorf("draft enroll error = %v", err)
	}

	foreign := env.automation(t, models.Automation{TriggerType: models.TriggerManual, TenantID: "tenant-2"})
	if _, err := env.router.Enroll(ctx, foreign, env.contact, nil); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("foreign enroll error = %v", err)
	}

	a := env.automation(t, models.Automation{TriggerType: models.TriggerWebhook})
	e, err := env.router.Enroll(ctx, a, env.contact, map[string]any{"source": "api"})
	if err != nil || e == nil {
		t.Fatalf("Enroll = %v, %v", e, err)
	}
	again, err := env.router.Enroll(ctx, a, env.contact, nil)
	if err != nil || again != nil {
		t.Errorf("second Enroll = %v, %v, want nil, nil", again, err)
	}
}

func TestExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.automation(t, models.Automation{TriggerType: models.TriggerManual})

	e, err := env.router.Enroll(ctx, a, env.contact, nil)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	exited, err := env.router.Exit(ctx, e.ID)
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if exited.Status != models.EnrollmentExited || exited.ExitReason != models.ExitManual {
		t.Errorf("exited = %+v", exited)
	}

	stored, _ := env.enrollments.GetByID(e.ID)
	if stored.Status != models.EnrollmentExited || stored.ExitReason != models.ExitManual || stored.ExitedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
	counters, _ := env.automations.GetByID(a.ID)
	if counters.Exited != 1 || counters.CurrentlyActive != 0 {
		t.Errorf("counters exited=%d active=%d", counters.Exited, counters.CurrentlyActive)
	}

	if _, err := env.router.Exit(ctx, e.ID); !errors.Is(err, ErrEnrollmentNotOpen) {
		t.Errorf("second Exit error = %v, want ErrEnrollmentNotOpen", err)
	}
	if _, err := env.router.Exit(ctx, "missing"); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("missing Exit error = %v, want ErrEnrollmentNotFound", err)
	}
}

func TestHandleEventFromBus(t *testing.T) {
	env := newTestEnv(t)
	a := env.automation(t, models.Automation{TriggerType: models.TriggerListSubscription, TriggerConfig: models.TriggerConfig{ListID: "news"}})

	bus := events.NewBus(10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan error, 2)
	err := bus.Subscribe(ctx, func(ctx context.Context, ev events.TriggerEvent) error {
		err := env.router.HandleEvent(ctx, ev)
		handled <- err
		return err
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(ctx, events.TriggerEvent{TriggerType: models.TriggerListSubscription, ContactID: env.contact.ID, Data: map[string]any{"list_id": "news"}})
	bus.Publish(ctx, events.TriggerEvent{TriggerType: models.TriggerListSubscription, ContactID: "ghost"})

	// Delivery order across events is not guaranteed.
	var ok, notFound int
	for i := 0; i < 2; i++ {
		select {
		case err := <-handled:
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrContactNotFound):
				notFound++
			default:
				t.Errorf("unexpected handler error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("event was not handled")
		}
	}
	if ok != 1 || notFound != 1 {
		t.Errorf("handled ok=%d not_found=%d, want 1 and 1", ok, notFound)
	}

	if n, _ := env.enrollments.CountOpen(a.ID, env.contact.ID); n != 1 {
		t.Errorf("open enrollments = %d, want 1", n)
	}
}
