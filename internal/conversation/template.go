package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
)

// StepInitial is the entry step every workflow template must define
const StepInitial = "initial"

// NextTalkToExpert is the next-step sentinel that hands the conversation to
// a human agent instead of another step.
const NextTalkToExpert = "talk_to_expert"

// ValidationNumber is the validation kind that accepts a positive integer.
// Any other non-empty validation value is treated as a regular expression.
const ValidationNumber = "number"

// TemplateLookup reports whether an active workflow template with the given
// name exists. Used to validate next-step targets that route to another
// template.
type TemplateLookup func(name string) bool

// Step is one node of a workflow template, decoded from the steps JSONB.
// Next points at a single unconditional follow-up; NextSteps routes by
// button/list id or typed input, with "default" as the wildcard.
type Step struct {
	Prompt          string            `json:"prompt"`
	Buttons         []whatsapp.Button `json:"buttons,omitempty"`
	Validation      string            `json:"validation,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ContextKey      string            `json:"context_key,omitempty"`
	Next            string            `json:"next,omitempty"`
	NextSteps       map[string]string `json:"next_steps,omitempty"`
	EndConversation bool              `json:"end_conversation,omitempty"`
}

// Menu is the optional entry message of a template, decoded from the menu
// JSONB. When absent, the initial step's prompt serves as the entry message.
type Menu struct {
	Body    string            `json:"body"`
	Buttons []whatsapp.Button `json:"buttons,omitempty"`
}

// ParseSteps decodes a template's steps JSONB into typed step definitions
func ParseSteps(t *models.WorkflowTemplate) (map[string]Step, error) {
	raw, err := json.Marshal(t.Steps)
	if err != nil {
		return nil, fmt.Errorf("template %q: marshal steps: %w", t.Name, err)
	}
	var steps map[string]Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("template %q: decode steps: %w", t.Name, err)
	}
	return steps, nil
}

// ParseMenu decodes a template's menu JSONB, or returns nil when no menu is
// configured.
func ParseMenu(t *models.WorkflowTemplate) (*Menu, error) {
	if len(t.Menu) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(t.Menu)
	if err != nil {
		return nil, fmt.Errorf("template %q: marshal menu: %w", t.Name, err)
	}
	var menu Menu
	if err := json.Unmarshal(raw, &menu); err != nil {
		return nil, fmt.Errorf("template %q: decode menu: %w", t.Name, err)
	}
	return &menu, nil
}

// ValidateTemplate checks a workflow template for structural problems before
// it is stored or served. Every next-step target must be a step in the
// template or the name of an existing template, the initial step must be
// present, validation regexes must compile, and button ids must be unique
// within a step. A nil lookup restricts targets to steps in the template.
func ValidateTemplate(t *models.WorkflowTemplate, exists TemplateLookup) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	switch t.Type {
	case models.TemplateTypeText, models.TemplateTypeButton, models.TemplateTypeList:
	default:
		return fmt.Errorf("template %q: unknown type %q", t.Name, t.Type)
	}
	if len(t.TriggerKeywords) == 0 {
		return fmt.Errorf("template %q: at least one trigger keyword is required", t.Name)
	}

	steps, err := ParseSteps(t)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("template %q: no steps defined", t.Name)
	}
	if _, ok := steps[StepInitial]; !ok {
		return fmt.Errorf("template %q: missing %q step", t.Name, StepInitial)
	}

	menu, err := ParseMenu(t)
	if err != nil {
		return err
	}
	if menu != nil {
		if menu.Body == "" {
			return fmt.Errorf("template %q: menu body is required", t.Name)
		}
		if err := checkButtons(t.Name, "menu", menu.Buttons); err != nil {
			return err
		}
	}

	resolves := func(target string) bool {
		if target == "" || target == NextTalkToExpert {
			return true
		}
		if _, ok := steps[target]; ok {
			return true
		}
		return exists != nil && exists(target)
	}

	for id, step := range steps {
		if step.Prompt == "" {
			return fmt.Errorf("template %q: step %q has no prompt", t.Name, id)
		}
		if step.Validation != "" && step.Validation != ValidationNumber {
			if _, err := regexp.Compile(step.Validation); err != nil {
				return fmt.Errorf("template %q: step %q has invalid validation: %w", t.Name, id, err)
			}
		}
		if err := checkButtons(t.Name, id, step.Buttons); err != nil {
			return err
		}
		if !resolves(step.Next) {
			return fmt.Errorf("template %q: step %q points at unknown step %q", t.Name, id, step.Next)
		}
		for key, target := range step.NextSteps {
			if !resolves(target) {
				return fmt.Errorf("template %q: step %q routes %q to unknown step %q", t.Name, id, key, target)
			}
		}
	}
	return nil
}

func checkButtons(template, where string, buttons []whatsapp.Button) error {
	seen := make(map[string]bool, len(buttons))
	for _, b := range buttons {
		if b.ID == "" || b.Title == "" {
			return fmt.Errorf("template %q: %s has a button missing id or title", template, where)
		}
		if seen[b.ID] {
			return fmt.Errorf("template %q: %s has duplicate button id %q", template, where, b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}
