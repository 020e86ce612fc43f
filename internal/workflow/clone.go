package workflow

import (
	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/google/uuid"
)

// Clone copies a step set for another automation. Every step gets a new id,
// parent links and branch labels are remapped and counters start at zero.
func Clone(steps []models.Step, automationID string) []models.Step {
	ids := make(map[string]string, len(steps))
	for _, s := range steps {
		ids[s.ID] = uuid.New().String()
	}

	// tree order guarantees parents are inserted before their children
	ordered := NewGraph(steps).Steps()
	out := make([]models.Step, 0, len(ordered))
	for _, s := range ordered {
		out = append(out, models.Step{
			ID:           ids[s.ID],
			AutomationID: automationID,
			Type:         s.Type,
			Name:         s.Name,
			Config:       append([]byte(nil), s.Config...),
			Position:     s.Position,
			ParentStepID: ids[s.ParentStepID],
			Branch:       s.Branch,
		})
	}
	return out
}
