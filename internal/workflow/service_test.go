package workflow

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
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/foxzi/sendry-flow/internal/repository"
)

type testEnv struct {
	automations *repository.AutomationRepository
	steps       *repository.StepRepository
	cache       *cache.BoltCache
	svc         *Service
}

func setupService(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "flow.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	c, err := cache.NewBoltCache(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	if err != nil {
		t.Fatalf("NewBoltCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	env := &testEnv{
		automations: repository.NewAutomationRepository(database.DB),
		steps:       repository.NewStepRepository(database.DB),
		cache:       c,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewService(env.automations, env.steps, c, logger)
	return env
}

// wait -> condition{yes: add_tag, no: webhook}
func nestedDefinition() Definition {
	return Definition{Steps: []Node{{
		Type:   models.StepWait,
		Name:   "Wait a day",
		Config: json.RawMessage(`{"duration":1,"unit":"days"}`),
		Children: []Node{{
			Type:      models.StepCondition,
			Name:      "VIP?",
			Config:    json.RawMessage(`{"condition_type":"has_tag","tag_id":"vip"}`),
			YesBranch: []Node{{Type: models.StepAddTag, Config: json.RawMessage(`{"tag_id":"engaged"}`)}},
			NoBranch:  []Node{{Type: models.StepWebhook, Config: json.RawMessage(`{"url":"https://example.com/hook","method":"POST"}`)}},
		}},
	}}}
}

func TestBuild(t *testing.T) {
	steps, err := Build("a1", nestedDefinition())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("Build produced %d steps, want 4", len(steps))
	}

	g := NewGraph(steps)
	entry := g.Entry()
	if entry.Type != models.StepWait || entry.ParentStepID != "" {
		t.Errorf("entry = %+v", entry)
	}
	cond := g.Next(entry, "")
	if cond == nil || cond.Type != models.StepCondition {
		t.Fatalf("after wait = %+v, want condition", cond)
	}
	if yes := g.Next(cond, models.BranchYes); yes == nil || yes.Type != models.StepAddTag || yes.Branch != models.BranchYes {
		t.Errorf("yes branch = %+v", yes)
	}
	if no := g.Next(cond, models.BranchNo); no == nil || no.Type != models.StepWebhook || no.Branch != models.BranchNo {
		t.Errorf("no branch = %+v", no)
	}

	round := Tree(g)
	if len(round.Steps) != 1 || len(round.Steps[0].Children) != 1 || len(round.Steps[0].Children[0].YesBranch) != 1 {
		t.Errorf("Tree() did not reproduce the definition: %+v", round)
	}
}

func TestBuildPreservesSiblingOrder(t *testing.T) {
	def := Definition{Steps: []Node{{
		Type:     models.StepGoal,
		Children: []Node{{Type: models.StepExit, Name: "first"}, {Type: models.StepExit, Name: "second"}},
	}}}
	steps, err := Build("a1", def)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := NewGraph(steps)
	children := g.Children(g.Entry().ID)
	if len(children) != 2 || children[0].Name != "first" || children[1].Position != 1 {
		t.Errorf("children = %+v", children)
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"unknown type", Definition{Steps: []Node{{Type: "sms"}}}},
		{"two roots", Definition{Steps: []Node{{Type: models.StepExit}, {Type: models.StepExit}}}},
		{"condition with children", Definition{Steps: []Node{{Type: models.StepCondition, Children: []Node{{Type: models.StepExit}}}}}},
		{"branch on linear step", Definition{Steps: []Node{{Type: models.StepWait, YesBranch: []Node{{Type: models.StepExit}}}}}},
		{"nested unknown type", Definition{Steps: []Node{{Type: models.StepWait, Children: []Node{{Type: "fax"}}}}}},
		{"malformed config", Definition{Steps: []Node{{Type: models.StepWait, Config: json.RawMessage(`{"duration":"x"}`)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build("a1", tt.def); !errors.Is(err, ErrInvalidWorkflow) {
				t.Errorf("Build() error = %v, want ErrInvalidWorkflow", err)
			}
		})
	}
}

func TestDuplicate(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	src := &models.Automation{
		TenantID:        "t1",
		Name:            "Onboarding",
		Status:          models.AutomationStatusActive,
		TriggerType:     models.TriggerTagAdded,
		TriggerConfig:   models.TriggerConfig{TagID: "new"},
		ExitOnGoal:      true,
		TotalEnrolled:   10,
		CurrentlyActive: 4,
		Completed:       6,
	}
	if err := env.automations.Create(src); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.svc.SaveWorkflow(ctx, src.ID, nestedDefinition()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	original, _ := env.steps.ListByAutomation(src.ID)
	for _, s := range original {
		env.steps.IncrementCounter(s.ID, models.CounterEntered)
	}

	clone, err := env.svc.Duplicate(ctx, src.ID)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}

	stored, _ := env.automations.GetByID(clone.ID)
	if stored.Status != models.AutomationStatusDraft {
		t.Errorf("clone status = %s, want draft", stored.Status)
	}
	if stored.TotalEnrolled != 0 || stored.CurrentlyActive != 0 || stored.Completed != 0 {
		t.Errorf("clone counters not reset: %+v", stored)
	}
	if stored.TriggerConfig.TagID != "new" || !stored.ExitOnGoal {
		t.Errorf("clone lost definition fields: %+v", stored)
	}

	cloned, _ := env.steps.ListByAutomation(clone.ID)
	if len(cloned) != 4 {
		t.Fatalf("clone has %d steps, want 4", len(cloned))
	}

	originalIDs := map[string]bool{}
	for _, s := range original {
		originalIDs[s.ID] = true
	}
	for _, s := range cloned {
		if originalIDs[s.ID] {
			t.Errorf("clone reuses step id %s", s.ID)
		}
		if s.EnteredCount != 0 || s.CompletedCount != 0 || s.FailedCount != 0 || s.EmailsSent != 0 {
			t.Errorf("clone step %s counters not reset", s.ID)
		}
	}

	g := NewGraph(cloned)
	cond := g.Next(g.Entry(), "")
	if cond == nil || cond.Type != models.StepCondition {
		t.Fatalf("clone structure broken after entry: %+v", cond)
	}
	if yes := g.Next(cond, models.BranchYes); yes == nil || yes.Type != models.StepAddTag {
		t.Errorf("clone yes branch = %+v", yes)
	}
	if no := g.Next(cond, models.BranchNo); no == nil || no.Type != models.StepWebhook {
		t.Errorf("clone no branch = %+v", no)
	}

	after, _ := env.steps.ListByAutomation(src.ID)
	if len(after) != 4 {
		t.Errorf("original has %d steps after duplicate, want 4", len(after))
	}
	for _, s := range after {
		if s.EnteredCount != 1 {
			t.Errorf("original step %s counter changed to %d", s.ID, s.EnteredCount)
		}
	}
}

func TestDuplicateMissing(t *testing.T) {
	env := setupService(t)
	if _, err := env.svc.Duplicate(context.Background(), "missing"); !errors.Is(err, ErrAutomationNotFound) {
		t.Errorf("Duplicate(missing) error = %v, want ErrAutomationNotFound", err)
	}
	if _, err := env.svc.SaveWorkflow(context.Background(), "missing", Definition{}); !errors.Is(err, ErrAutomationNotFound) {
		t.Errorf("SaveWorkflow(missing) error = %v, want ErrAutomationNotFound", err)
	}
}

func TestGraphCacheInvalidatedOnSave(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a := &models.Automation{TenantID: "t1", Name: "A", TriggerType: models.TriggerManual}
	if err := env.automations.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.svc.SaveWorkflow(ctx, a.ID, nestedDefinition()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	before := env.reloadAutomation(t, a.ID)
	g, err := env.svc.Graph(ctx, before)
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("Graph has %d steps, want 4", g.Len())
	}
	if _, ok, _ := env.cache.Get(ctx, graphKey(before)); !ok {
		t.Error("graph was not cached")
	}

	if _, err := env.svc.SaveWorkflow(ctx, a.ID, Definition{Steps: []Node{{Type: models.StepExit}}}); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	if _, ok, _ := env.cache.Get(ctx, graphKey(before)); ok {
		t.Error("superseded graph still cached")
	}

	after := env.reloadAutomation(t, a.ID)
	g, _ = env.svc.Graph(ctx, after)
	if g.Len() != 1 || g.Entry().Type != models.StepExit {
		t.Errorf("stale graph after save: %d steps", g.Len())
	}
}

func TestGraphCacheIgnoresLateWriteOfOldSteps(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a := &models.Automation{TenantID: "t1", Name: "A", TriggerType: models.TriggerManual}
	if err := env.automations.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.svc.SaveWorkflow(ctx, a.ID, nestedDefinition()); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	before := env.reloadAutomation(t, a.ID)
	oldSteps, err := env.steps.ListByAutomation(a.ID)
	if err != nil {
		t.Fatalf("ListByAutomation: %v", err)
	}

	if _, err := env.svc.SaveWorkflow(ctx, a.ID, Definition{Steps: []Node{{Type: models.StepExit}}}); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	// A reader that loaded the old steps before the save caches them afterwards.
	if err := cache.SetJSON(ctx, env.cache, graphKey(before), oldSteps); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	g, err := env.svc.Graph(ctx, env.reloadAutomation(t, a.ID))
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if g.Len() != 1 || g.Entry().Type != models.StepExit {
		t.Errorf("late write of old steps served: %d steps", g.Len())
	}
}

func (env *testEnv) reloadAutomation(t *testing.T, id string) *models.Automation {
	t.Helper()
	a, err := env.automations.GetByID(id)
	if err != nil || a == nil {
		t.Fatalf("GetByID = %v, %v", a, err)
	}
	return a
}
