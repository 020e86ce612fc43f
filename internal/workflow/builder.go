package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foxzi/sendry-flow/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Definition is the nested representation of a workflow produced by the builder UI.
// A workflow has at most one root node.
type Definition struct {
	Steps []Node `json:"steps" validate:"max=1,dive"`
}

// Node is one step of a nested definition. Linear flow continues in Children;
// condition nodes branch through YesBranch and NoBranch instead.
type Node struct {
	Type      models.StepType `json:"type" validate:"required,oneof=send_email wait condition add_tag remove_tag add_to_list remove_from_list update_field webhook goal exit"`
	Name      string          `json:"name,omitempty" validate:"max=255"`
	Config    json.RawMessage `json:"config,omitempty"`
	Children  []Node          `json:"children,omitempty" validate:"dive"`
	YesBranch []Node          `json:"yes_branch,omitempty" validate:"dive"`
	NoBranch  []Node          `json:"no_branch,omitempty" validate:"dive"`
}

// Build flattens a definition into step rows with fresh ids. Sibling position
// follows slice order and branch labels are kept on the children of condition nodes.
func Build(automationID string, def Definition) ([]models.Step, error) {
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	var steps []models.Step
	var add func(nodes []Node, parentID, branch string) error
	add = func(nodes []Node, parentID, branch string) error {
		for i, n := range nodes {
			if n.Type == models.StepCondition && len(n.Children) > 0 {
				return fmt.Errorf("%w: condition step %q uses yes_branch/no_branch, not children", ErrInvalidWorkflow, n.Name)
			}
			if n.Type != models.StepCondition && (len(n.YesBranch) > 0 || len(n.NoBranch) > 0) {
				return fmt.Errorf("%w: only condition steps can branch, got %s", ErrInvalidWorkflow, n.Type)
			}

			step := models.Step{
				ID:           uuid.New().String(),
				AutomationID: automationID,
				Type:         n.Type,
				Name:         n.Name,
				Config:       normalizeConfig(n.Config),
				Position:     i,
				ParentStepID: parentID,
				Branch:       branch,
			}
			action, err := DecodeAction(&step)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
			}
			if w, ok := action.(Wait); ok && w.tooLong() {
				return fmt.Errorf("%w: wait of %d %s exceeds %v", ErrInvalidWorkflow, w.Duration, w.Unit, MaxWait)
			}
			steps = append(steps, step)

			if err := add(n.Children, step.ID, ""); err != nil {
				return err
			}
			if err := add(n.YesBranch, step.ID, models.BranchYes); err != nil {
				return err
			}
			if err := add(n.NoBranch, step.ID, models.BranchNo); err != nil {
				return err
			}
		}
		return nil
	}

	if err := add(def.Steps, "", ""); err != nil {
		return nil, err
	}
	return steps, nil
}

// Tree converts a graph back into its nested definition
func Tree(g *Graph) Definition {
	var toNode func(s *models.Step) Node
	toNode = func(s *models.Step) Node {
		n := Node{Type: s.Type, Name: s.Name, Config: s.Config}
		for _, c := range g.Children(s.ID) {
			switch c.Branch {
			case models.BranchYes:
				n.YesBranch = append(n.YesBranch, toNode(c))
			case models.BranchNo:
				n.NoBranch = append(n.NoBranch, toNode(c))
			default:
				n.Children = append(n.Children, toNode(c))
			}
		}
		return n
	}

	def := Definition{}
	if entry := g.Entry(); entry != nil {
		def.Steps = []Node{toNode(entry)}
	}
	return def
}

func normalizeConfig(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}
