// Package disambig detects ambiguous user intent, asks clarifying
// questions, and resumes the turn once the intent is resolved.
package disambig

// AmbiguityType classifies what is unclear about an input.
type AmbiguityType string

const (
	MissingTarget     AmbiguityType = "missing_target"
	MissingAction     AmbiguityType = "missing_action"
	MissingParameters AmbiguityType = "missing_parameters"
	VagueReference    AmbiguityType = "vague_reference"
	MultipleIntents   AmbiguityType = "multiple_intents"
	OtherAmbiguity    AmbiguityType = "other"
)

// DetectionResult is the detector's verdict on one input.
type DetectionResult struct {
	IsAmbiguous   bool          `json:"is_ambiguous"`
	Confidence    float64       `json:"confidence"`
	AmbiguityType AmbiguityType `json:"ambiguity_type,omitempty"`
	WhatIsUnclear []string      `json:"what_is_unclear,omitempty"`
}

// Context is what detection and clarification may consult.
type Context struct {
	RecentMessages        []string
	CurrentState          string
	AvailableTools        []string
	AvailableSkills       []string
	UserContext           map[string]any
	ClarificationAttempts int
	PreviousQuestions     []string
}

// Question is one generated clarification question.
type Question struct {
	Question string
	// Options, when non-empty, are suggested answers shown to the user.
	Options []string
}

// Outcome tags the controller's decision for one input.
type Outcome string

const (
	// OutcomeClear passes the input through unchanged.
	OutcomeClear Outcome = "clear"
	// OutcomeNeedsClarification interrupts the turn with a question.
	OutcomeNeedsClarification Outcome = "needs_clarification"
	// OutcomeClarified resumes with an enriched input and resolved values.
	OutcomeClarified Outcome = "clarified"
	// OutcomeBestGuess proceeds with the original input after max attempts.
	OutcomeBestGuess Outcome = "best_guess"
	// OutcomeGiveUp stops with an apology after max attempts.
	OutcomeGiveUp Outcome = "give_up"
	// OutcomeEscalate hands off to a human after max attempts.
	OutcomeEscalate Outcome = "escalate"
)

// Result is the controller's decision for one input.
type Result struct {
	Outcome Outcome
	// Question is set for OutcomeNeedsClarification.
	Question Question
	// Detection accompanies OutcomeNeedsClarification.
	Detection DetectionResult
	// OriginalInput and EnrichedInput are set for OutcomeClarified and
	// OutcomeBestGuess.
	OriginalInput string
	EnrichedInput string
	// Resolved holds clarified values (notably "resolved_intent") that the
	// orchestrator merges into the user context.
	Resolved map[string]any
	// Reason explains OutcomeGiveUp / OutcomeEscalate.
	Reason string
}

// MaxAttemptsAction selects the behavior once clarification attempts are
// exhausted.
type MaxAttemptsAction string

const (
	ProceedWithBestGuess MaxAttemptsAction = "proceed_with_best_guess"
	ApologizeAndStop     MaxAttemptsAction = "apologize_and_stop"
	Escalate             MaxAttemptsAction = "escalate"
)

// Config tunes the controller.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Threshold is the minimum detector confidence for an input to count as
	// clear. Skill and state overrides take precedence (first defined wins).
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`

	// LLM is the model alias used for detection and clarification; empty
	// means the router model.
	LLM string `yaml:"llm" json:"llm,omitempty"`

	// MaxAttempts bounds clarification rounds; the MaxAttempts-th attempt
	// is still allowed.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`

	OnMaxAttempts MaxAttemptsAction `yaml:"on_max_attempts" json:"on_max_attempts,omitempty"`

	// SkipWhen lists inputs the detector never questions: "short_greeting",
	// "exact_command".
	SkipWhen []string `yaml:"skip_when" json:"skip_when,omitempty"`
}

func (c *Config) fillDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.7
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
	if c.OnMaxAttempts == "" {
		c.OnMaxAttempts = ProceedWithBestGuess
	}
}

// Override narrows controller behavior per state or skill.
type Override struct {
	Threshold       *float64 `yaml:"threshold" json:"threshold,omitempty"`
	RequiredClarity []string `yaml:"required_clarity" json:"required_clarity,omitempty"`
}
