// Package runtime assembles the declarative agent specification into a
// running agent: spec parsing and validation, the builder, and the turn
// orchestrator.
package runtime

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/spindle-dev/spindle/pkg/disambig"
	"github.com/spindle-dev/spindle/pkg/gate"
	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/process"
	"github.com/spindle-dev/spindle/pkg/recovery"
	"github.com/spindle-dev/spindle/pkg/skill"
	"github.com/spindle-dev/spindle/pkg/state"
)

// LLMSpec describes one model binding.
type LLMSpec struct {
	// Provider: "openai" | "anthropic" | "mock" (or any openai-compatible
	// endpoint via BaseURL).
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// APIKey may be a literal or "${ENV_VAR}"; expansion happens before
	// parsing.
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// RateLimit throttles calls per second through the registry. 0 = off.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit,omitempty"`
}

// MemorySpec selects and tunes the conversation memory.
type MemorySpec struct {
	// Type: "simple" (default) or "compacting".
	Type        string `yaml:"type" json:"type,omitempty"`
	MaxMessages int    `yaml:"max_messages" json:"max_messages,omitempty"`

	Compacting memory.CompactingConfig `yaml:"compacting" json:"compacting,omitempty"`

	TokenBudget *memory.TokenBudget `yaml:"token_budget" json:"token_budget,omitempty"`
}

// StorageSpec selects the snapshot store.
type StorageSpec struct {
	// Type: "memory" | "redis" | "sqlite".
	Type string `yaml:"type" json:"type,omitempty"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path,omitempty"`
	// Addr/Password/DB/Prefix configure Redis.
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db,omitempty"`
	Prefix   string `yaml:"prefix" json:"prefix,omitempty"`

	// AutoPersist saves a snapshot after every turn.
	AutoPersist bool `yaml:"auto_persist" json:"auto_persist,omitempty"`
}

// Spec is the declarative agent document.
type Spec struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`

	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	LLM  *LLMSpec           `yaml:"llm" json:"llm,omitempty"`
	LLMs map[string]LLMSpec `yaml:"llms" json:"llms,omitempty"`

	Skills []skill.Definition `yaml:"skills" json:"skills,omitempty"`

	Memory  *MemorySpec  `yaml:"memory" json:"memory,omitempty"`
	Storage *StorageSpec `yaml:"storage" json:"storage,omitempty"`

	// Tools lists built-in tool ids to register ("datetime", "text",
	// "json", "calc", "http"), or "all".
	Tools []string `yaml:"tools" json:"tools,omitempty"`

	MaxIterations    int `yaml:"max_iterations" json:"max_iterations,omitempty"`
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens,omitempty"`

	ErrorRecovery *recovery.Config `yaml:"error_recovery" json:"error_recovery,omitempty"`

	// ToolSecurity carries the security half of the gate; HITL the approval
	// half. They merge into one engine at build time.
	ToolSecurity *gate.Config `yaml:"tool_security" json:"tool_security,omitempty"`
	HITL         *gate.Config `yaml:"hitl" json:"hitl,omitempty"`

	Process *process.Config `yaml:"process" json:"process,omitempty"`

	// Context seeds the per-session user context.
	Context map[string]any `yaml:"context" json:"context,omitempty"`

	States *state.Config `yaml:"states" json:"states,omitempty"`

	Disambiguation *disambig.Config `yaml:"disambiguation" json:"disambiguation,omitempty"`

	ParallelTools bool `yaml:"parallel_tools" json:"parallel_tools,omitempty"`
	Streaming     bool `yaml:"streaming" json:"streaming,omitempty"`

	// Accepted for forward compatibility; the core carries them through
	// without interpreting.
	Reasoning        map[string]any `yaml:"reasoning" json:"reasoning,omitempty"`
	Reflection       map[string]any `yaml:"reflection" json:"reflection,omitempty"`
	Providers        map[string]any `yaml:"providers" json:"providers,omitempty"`
	ProviderSecurity map[string]any `yaml:"provider_security" json:"provider_security,omitempty"`
	Metadata         map[string]any `yaml:"metadata" json:"metadata,omitempty"`

	// ToolAliases maps alternate names to registered tool ids.
	ToolAliases map[string]string `yaml:"tool_aliases" json:"tool_aliases,omitempty"`
}

// DefaultMaxIterations bounds the model loop when the spec is silent.
const DefaultMaxIterations = 10

// DefaultMaxContextTokens bounds the rendered window when the spec is silent.
const DefaultMaxContextTokens = 4096

// ParseSpec reads a YAML spec document, expanding ${ENV} references first.
func ParseSpec(data []byte) (*Spec, error) {
	expanded := os.ExpandEnv(string(data))
	var spec Spec
	if err := yaml.Unmarshal([]byte(expanded), &spec); err != nil {
		return nil, fmt.Errorf("spec: parse: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadSpec reads and parses a spec file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spec: read %s: %w", path, err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	return spec, nil
}

// Validate enforces the structural spec rules. Component-level configs
// validate themselves.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("spec: name is required")
	}
	if strings.TrimSpace(s.SystemPrompt) == "" {
		return fmt.Errorf("spec: system_prompt is required")
	}
	if s.MaxIterations < 0 {
		return fmt.Errorf("spec: max_iterations must be positive")
	}
	for i := range s.Skills {
		if err := s.Skills[i].Validate(); err != nil {
			return fmt.Errorf("spec: %w", err)
		}
	}
	if s.States != nil {
		if err := s.States.Validate(); err != nil {
			return fmt.Errorf("spec: %w", err)
		}
	}
	if s.Process != nil {
		if err := s.Process.Validate(); err != nil {
			return fmt.Errorf("spec: %w", err)
		}
	}
	return nil
}

// maxIterations applies the default.
func (s *Spec) maxIterations() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

func (s *Spec) maxContextTokens() int {
	if s.MaxContextTokens > 0 {
		return s.MaxContextTokens
	}
	return DefaultMaxContextTokens
}

// mergedGate folds tool_security and hitl into one gate config. The hitl
// block wins on scalar settings; tool policies merge per tool with hitl
// overriding.
func (s *Spec) mergedGate() *gate.Config {
	if s.ToolSecurity == nil && s.HITL == nil {
		return nil
	}
	merged := gate.Config{}
	apply := func(src *gate.Config) {
		if src == nil {
			return
		}
		merged.Enabled = merged.Enabled || src.Enabled
		if src.DefaultTimeoutSeconds > 0 {
			merged.DefaultTimeoutSeconds = src.DefaultTimeoutSeconds
		}
		if src.OnTimeout != "" {
			merged.OnTimeout = src.OnTimeout
		}
		if src.MessageLanguage.Strategy != "" || len(src.MessageLanguage.Fallback) > 0 {
			merged.MessageLanguage = src.MessageLanguage
		}
		if len(src.Tools) > 0 && merged.Tools == nil {
			merged.Tools = make(map[string]gate.ToolPolicy, len(src.Tools))
		}
		for id, policy := range src.Tools {
			merged.Tools[id] = policy
		}
		merged.Conditions = append(merged.Conditions, src.Conditions...)
		if len(src.States) > 0 && merged.States == nil {
			merged.States = make(map[string]gate.StatePolicy, len(src.States))
		}
		for id, policy := range src.States {
			merged.States[id] = policy
		}
	}
	apply(s.ToolSecurity)
	apply(s.HITL)
	return &merged
}
