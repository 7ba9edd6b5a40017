// Package skill implements declarative skills: routed one-shot procedures
// made of prompt and tool steps.
package skill

import (
	"fmt"
)

// Step is one unit of a skill: either a prompt step (one model call with the
// rendered prompt) or a tool step. StoreAs names the output so later steps
// can reference it as {{ steps.<name> }}.
type Step struct {
	Prompt string `yaml:"prompt" json:"prompt,omitempty"`
	LLM    string `yaml:"llm" json:"llm,omitempty"`

	Tool string         `yaml:"tool" json:"tool,omitempty"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`

	StoreAs string `yaml:"store_as" json:"store_as,omitempty"`
}

// IsTool reports whether the step runs a tool.
func (s *Step) IsTool() bool { return s.Tool != "" }

// Definition is a declarative skill.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	// Trigger describes when the router should pick the skill; it is shown
	// to the router model alongside the description.
	Trigger string `yaml:"trigger" json:"trigger,omitempty"`
	Steps   []Step `yaml:"steps" json:"steps"`
	// Joiner, when set, joins all step outputs into the final content
	// instead of returning only the last step's output.
	Joiner string `yaml:"joiner" json:"joiner,omitempty"`

	// DisambiguationThreshold is carried in the spec model only: the
	// orchestrator does not pass it to disambiguation, so the detector's
	// configured threshold applies whether or not this skill is a candidate.
	DisambiguationThreshold *float64 `yaml:"disambiguation_threshold" json:"disambiguation_threshold,omitempty"`
}

// Validate rejects unusable definitions at build time.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("skill: id is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("skill %q: at least one step is required", d.ID)
	}
	for i, s := range d.Steps {
		hasPrompt := s.Prompt != ""
		hasTool := s.Tool != ""
		if hasPrompt == hasTool {
			return fmt.Errorf("skill %q step %d: exactly one of prompt or tool is required", d.ID, i)
		}
	}
	return nil
}
