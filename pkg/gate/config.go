// Package gate is the tool-security and human-approval layer. Every tool
// call, approval condition, and gated state entry passes through it.
package gate

import (
	"fmt"
)

// TimeoutAction selects the outcome applied when an approval times out.
type TimeoutAction string

const (
	TimeoutReject  TimeoutAction = "reject"
	TimeoutApprove TimeoutAction = "approve"
	TimeoutError   TimeoutAction = "error"
)

// Strategy names one way to pick the approval message language.
type Strategy string

const (
	StrategyAuto        Strategy = "auto"
	StrategyApprover    Strategy = "approver"
	StrategyUser        Strategy = "user"
	StrategyExplicit    Strategy = "explicit"
	StrategyLLMGenerate Strategy = "llm_generate"
)

// LanguageConfig is the localization strategy chain for approval messages.
type LanguageConfig struct {
	Strategy Strategy   `yaml:"strategy" json:"strategy,omitempty"`
	Fallback []Strategy `yaml:"fallback" json:"fallback,omitempty"`
	// Explicit is the language code used by StrategyExplicit.
	Explicit string `yaml:"explicit" json:"explicit,omitempty"`
	// LLM is the model alias used by StrategyLLMGenerate.
	LLM string `yaml:"llm" json:"llm,omitempty"`
}

// Message is an approval message: either a single template or one template
// per language code.
type Message struct {
	Simple    string
	Languages map[string]string
}

// UnmarshalYAML accepts a bare string or a language → template map.
func (m *Message) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		m.Simple = s
		return nil
	}
	var langs map[string]string
	if err := unmarshal(&langs); err != nil {
		return fmt.Errorf("gate: invalid approval message: %w", err)
	}
	m.Languages = langs
	return nil
}

// Get returns the template for lang, falling back to the simple form, then
// "en", then any language.
func (m *Message) Get(lang string) string {
	if lang != "" {
		if t, ok := m.Languages[lang]; ok {
			return t
		}
	}
	if m.Simple != "" {
		return m.Simple
	}
	if t, ok := m.Languages["en"]; ok {
		return t
	}
	for _, t := range m.Languages {
		return t
	}
	return ""
}

// IsEmpty reports whether no template is configured.
func (m *Message) IsEmpty() bool {
	return m == nil || (m.Simple == "" && len(m.Languages) == 0)
}

// ToolPolicy is the per-tool security configuration.
type ToolPolicy struct {
	// Enabled defaults to true; false blocks the tool outright.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`

	// RateLimit caps calls per sliding 60-second window. 0 = unlimited.
	RateLimit int `yaml:"rate_limit" json:"rate_limit,omitempty"`

	// BlockedDomains / AllowedDomains match args.url by substring.
	BlockedDomains []string `yaml:"blocked_domains" json:"blocked_domains,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains" json:"allowed_domains,omitempty"`

	// AllowedPaths require args.path to start with one of the prefixes.
	AllowedPaths []string `yaml:"allowed_paths" json:"allowed_paths,omitempty"`

	RequireConfirmation bool    `yaml:"require_confirmation" json:"require_confirmation,omitempty"`
	ApprovalMessage     Message `yaml:"approval_message" json:"-"`

	// ApprovalContext lists argument keys copied into the approval request.
	// Empty means all arguments.
	ApprovalContext []string `yaml:"approval_context" json:"approval_context,omitempty"`

	MessageLanguage *LanguageConfig `yaml:"message_language" json:"message_language,omitempty"`
	TimeoutSeconds  int             `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

func (p *ToolPolicy) enabled() bool { return p.Enabled == nil || *p.Enabled }

// Condition is a data-driven approval rule evaluated against arbitrary
// payloads (tool args, transition context). When uses the mini-expression
// language of EvalExpr.
type Condition struct {
	Name            string  `yaml:"name" json:"name"`
	When            string  `yaml:"when" json:"when"`
	RequireApproval bool    `yaml:"require_approval" json:"require_approval,omitempty"`
	ApprovalMessage Message `yaml:"approval_message" json:"-"`

	MessageLanguage *LanguageConfig `yaml:"message_language" json:"message_language,omitempty"`
}

// StatePolicy gates entry into a state.
type StatePolicy struct {
	// OnEnter is "always" or "never" (default never).
	OnEnter         string  `yaml:"on_enter" json:"on_enter,omitempty"`
	ApprovalMessage Message `yaml:"approval_message" json:"-"`

	MessageLanguage *LanguageConfig `yaml:"message_language" json:"message_language,omitempty"`
	TimeoutSeconds  int             `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Config is the whole gate configuration.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	DefaultTimeoutSeconds int           `yaml:"default_timeout_seconds" json:"default_timeout_seconds,omitempty"`
	OnTimeout             TimeoutAction `yaml:"on_timeout" json:"on_timeout,omitempty"`

	MessageLanguage LanguageConfig `yaml:"message_language" json:"message_language,omitempty"`

	Tools      map[string]ToolPolicy  `yaml:"tools" json:"tools,omitempty"`
	Conditions []Condition            `yaml:"conditions" json:"conditions,omitempty"`
	States     map[string]StatePolicy `yaml:"states" json:"states,omitempty"`
}

func (c *Config) timeoutFor(toolSeconds int) int {
	if toolSeconds > 0 {
		return toolSeconds
	}
	if c.DefaultTimeoutSeconds > 0 {
		return c.DefaultTimeoutSeconds
	}
	return 300
}
