// Package workflow holds the step tree of an automation: the in-memory graph
// used by the scheduler, the nested builder format and cloning.
package workflow

import (
	"sort"

	"github.com/foxzi/sendry-flow/internal/models"
)

// Graph is an arena of steps keyed by id. Children are derived once at
// construction and ordered by position.
type Graph struct {
	steps    map[string]*models.Step
	children map[string][]*models.Step
	roots    []*models.Step
}

// NewGraph builds a graph from a flat step set. Steps whose parent is not part
// of the set are treated as roots.
func NewGraph(steps []models.Step) *Graph {
	g := &Graph{
		steps:    make(map[string]*models.Step, len(steps)),
		children: make(map[string][]*models.Step),
	}

	ordered := make([]*models.Step, len(steps))
	for i := range steps {
		s := steps[i]
		ordered[i] = &s
		g.steps[s.ID] = &s
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for _, s := range ordered {
		if _, ok := g.steps[s.ParentStepID]; s.ParentStepID == "" || !ok {
			g.roots = append(g.roots, s)
			continue
		}
		g.children[s.ParentStepID] = append(g.children[s.ParentStepID], s)
	}

	return g
}

// Entry returns the root step with the lowest position, or nil for an empty workflow
func (g *Graph) Entry() *models.Step {
	if len(g.roots) == 0 {
		return nil
	}
	return g.roots[0]
}

// Step returns a step by id
func (g *Graph) Step(id string) *models.Step {
	return g.steps[id]
}

// Len returns the number of steps
func (g *Graph) Len() int {
	return len(g.steps)
}

// Next resolves the step that follows step. Condition steps follow the child
// carrying the branch label; every other step follows its first linear child.
// A nil result means the workflow is finished.
func (g *Graph) Next(step *models.Step, branch string) *models.Step {
	if step == nil {
		return nil
	}

	want := ""
	if step.Type == models.StepCondition {
		if branch == "" {
			return nil
		}
		want = branch
	}

	for _, child := range g.children[step.ID] {
		if child.Branch == want {
			return child
		}
	}
	return nil
}

// Children returns the ordered children of a step
func (g *Graph) Children(stepID string) []*models.Step {
	return g.children[stepID]
}

// Steps returns all steps in tree order: parents before children, siblings by position
func (g *Graph) Steps() []models.Step {
	out := make([]models.Step, 0, len(g.steps))
	var walk func(s *models.Step)
	walk = func(s *models.Step) {
		out = append(out, *s)
		for _, c := range g.children[s.ID] {
			walk(c)
		}
	}
	for _, r := range g.roots {
		walk(r)
	}
	return out
}
