// Package process implements the input/output transformation pipeline: a
// declarative list of conditional stages run before the model loop sees the
// input and before the user sees the output.
package process

import (
	"fmt"
)

// Config is the pipeline description: input stages, output stages, and
// shared settings.
type Config struct {
	Input    []Stage  `yaml:"input" json:"input,omitempty"`
	Output   []Stage  `yaml:"output" json:"output,omitempty"`
	Settings Settings `yaml:"settings" json:"settings,omitempty"`
}

// StageType names a stage kind.
type StageType string

const (
	StageNormalize   StageType = "normalize"
	StageDetect      StageType = "detect"
	StageExtract     StageType = "extract"
	StageSanitize    StageType = "sanitize"
	StageTransform   StageType = "transform"
	StageValidate    StageType = "validate"
	StageFormat      StageType = "format"
	StageEnrich      StageType = "enrich"
	StageConditional StageType = "conditional"
)

// Stage is one pipeline step. Condition, when present, gates the stage;
// Config carries the kind-specific options (only the fields for Type are
// consulted).
type Stage struct {
	Type      StageType   `yaml:"type" json:"type"`
	ID        string      `yaml:"id" json:"id,omitempty"`
	Condition *Condition  `yaml:"condition" json:"condition,omitempty"`
	Config    StageConfig `yaml:"config" json:"config,omitempty"`
}

// Name returns the stage's id, or its type when unnamed.
func (s *Stage) Name() string {
	if s.ID != "" {
		return s.ID
	}
	return string(s.Type)
}

// StageConfig is the union of per-kind options.
type StageConfig struct {
	// LLM selects the model alias for stages that call one.
	LLM string `yaml:"llm" json:"llm,omitempty"`

	// normalize
	Trim               *bool  `yaml:"trim" json:"trim,omitempty"`
	CollapseWhitespace bool   `yaml:"collapse_whitespace" json:"collapse_whitespace,omitempty"`
	Lowercase          bool   `yaml:"lowercase" json:"lowercase,omitempty"`
	Unicode            string `yaml:"unicode" json:"unicode,omitempty"` // nfc | nfd | nfkc | nfkd

	// detect
	Detect         []string          `yaml:"detect" json:"detect,omitempty"` // language, sentiment, intent, topic, formality, urgency
	Intents        []IntentDef       `yaml:"intents" json:"intents,omitempty"`
	StoreInContext map[string]string `yaml:"store_in_context" json:"store_in_context,omitempty"`

	// extract
	Schema  map[string]FieldSchema `yaml:"schema" json:"schema,omitempty"`
	StoreAs string                 `yaml:"store_as" json:"store_as,omitempty"`

	// sanitize
	PII     *PIIConfig     `yaml:"pii" json:"pii,omitempty"`
	Harmful *HarmfulConfig `yaml:"harmful" json:"harmful,omitempty"`
	Remove  []string       `yaml:"remove" json:"remove,omitempty"`

	// transform
	Prompt          string `yaml:"prompt" json:"prompt,omitempty"`
	MaxOutputTokens int    `yaml:"max_output_tokens" json:"max_output_tokens,omitempty"`

	// validate
	Rules     []ValidationRule `yaml:"rules" json:"rules,omitempty"`
	Criteria  []string         `yaml:"criteria" json:"criteria,omitempty"`
	Threshold float64          `yaml:"threshold" json:"threshold,omitempty"`
	OnFail    FailAction       `yaml:"on_fail" json:"on_fail,omitempty"`

	// format
	Template string                   `yaml:"template" json:"template,omitempty"`
	Channels map[string]ChannelFormat `yaml:"channels" json:"channels,omitempty"`
	Channel  string                   `yaml:"channel" json:"channel,omitempty"`

	// enrich
	Source  *EnrichSource `yaml:"source" json:"source,omitempty"`
	OnError string        `yaml:"on_error" json:"on_error,omitempty"` // continue | stop | warn

	// conditional: If selects the branch; a nil If always takes Then.
	If   *Condition `yaml:"condition" json:"condition,omitempty"`
	Then []Stage    `yaml:"then" json:"then,omitempty"`
	Else []Stage    `yaml:"else" json:"else,omitempty"`
}

// TrimEnabled defaults trim to true.
func (c *StageConfig) TrimEnabled() bool { return c.Trim == nil || *c.Trim }

// IntentDef is one intent candidate for detect stages.
type IntentDef struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
}

// FieldSchema guides extract stages.
type FieldSchema struct {
	Type        string   `yaml:"type" json:"type,omitempty"` // string | number | integer | boolean | date | enum | array | object
	Description string   `yaml:"description" json:"description,omitempty"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
	Values      []string `yaml:"values" json:"values,omitempty"`
}

// PIIConfig configures deterministic PII masking.
type PIIConfig struct {
	Action   string   `yaml:"action" json:"action,omitempty"` // mask | remove | flag
	Types    []string `yaml:"types" json:"types,omitempty"`   // email, phone, credit_card, ssn, ip_address
	MaskChar string   `yaml:"mask_char" json:"mask_char,omitempty"`
}

// HarmfulConfig configures model-driven harmful-content screening.
type HarmfulConfig struct {
	Detect []string `yaml:"detect" json:"detect,omitempty"`
	Action string   `yaml:"action" json:"action,omitempty"` // flag | block | remove
}

// ValidationRule is one rule of a validate stage: exactly one of MinLength,
// MaxLength, or Pattern is set.
type ValidationRule struct {
	MinLength int    `yaml:"min_length" json:"min_length,omitempty"`
	MaxLength int    `yaml:"max_length" json:"max_length,omitempty"`
	Pattern   string `yaml:"pattern" json:"pattern,omitempty"`
	// OnFail is reject | warn | truncate (truncate only for max_length).
	OnFail  string `yaml:"on_fail" json:"on_fail,omitempty"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// FailAction is the stage-level policy when LLM rubric validation fails.
type FailAction struct {
	Action          string `yaml:"action" json:"action,omitempty"` // reject | regenerate | warn
	MaxRetries      int    `yaml:"max_retries" json:"max_retries,omitempty"`
	FeedbackToAgent bool   `yaml:"feedback_to_agent" json:"feedback_to_agent,omitempty"`
}

// ChannelFormat tunes format stages per output channel.
type ChannelFormat struct {
	Template  string `yaml:"template" json:"template,omitempty"`
	MaxLength int    `yaml:"max_length" json:"max_length,omitempty"`
	Markdown  bool   `yaml:"markdown" json:"markdown,omitempty"`
}

// EnrichSource fetches external data into the context: exactly one of URL,
// File, or Tool is set.
type EnrichSource struct {
	// api
	URL     string            `yaml:"url" json:"url,omitempty"`
	Method  string            `yaml:"method" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body    any               `yaml:"body" json:"body,omitempty"`

	// file
	File string `yaml:"file" json:"file,omitempty"`

	// tool
	Tool string         `yaml:"tool" json:"tool,omitempty"`
	Args map[string]any `yaml:"args" json:"args,omitempty"`
}

// Settings are pipeline-wide knobs.
type Settings struct {
	OnStageError string `yaml:"on_stage_error" json:"on_stage_error,omitempty"` // continue | stop | retry
	MaxRetries   int    `yaml:"max_retries" json:"max_retries,omitempty"`
	BackoffMs    int    `yaml:"backoff_ms" json:"backoff_ms,omitempty"`
	TimeoutMs    int    `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
}

// Validate rejects malformed pipelines at build time.
func (c *Config) Validate() error {
	if err := validateStages("input", c.Input); err != nil {
		return err
	}
	return validateStages("output", c.Output)
}

func validateStages(dir string, stages []Stage) error {
	for i, s := range stages {
		switch s.Type {
		case StageNormalize, StageDetect, StageExtract, StageSanitize,
			StageTransform, StageValidate, StageFormat, StageEnrich:
		case StageConditional:
			if err := validateStages(dir, s.Config.Then); err != nil {
				return err
			}
			if err := validateStages(dir, s.Config.Else); err != nil {
				return err
			}
		default:
			return fmt.Errorf("process: %s stage %d has unknown type %q", dir, i, s.Type)
		}
		if s.Type == StageTransform && s.Config.Prompt == "" {
			return fmt.Errorf("process: %s stage %d (transform) requires a prompt", dir, i)
		}
		if s.Type == StageEnrich && s.Config.Source == nil {
			return fmt.Errorf("process: %s stage %d (enrich) requires a source", dir, i)
		}
	}
	return nil
}
