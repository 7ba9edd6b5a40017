package runtime

import (
	"strings"
	"testing"

	"github.com/spindle-dev/spindle/pkg/llm"
)

const fullSpecYAML = `
name: support-bot
version: "0.4"
description: Customer support agent
system_prompt: |
  You are {{ name }}, a support agent.
llm:
  provider: mock
  model: scripted
llms:
  router:
    provider: mock
    model: scripted-router
max_iterations: 6
max_context_tokens: 2048
tools: [datetime, calc]
tool_aliases:
  calculator: calc
memory:
  type: compacting
  compacting:
    compress_threshold: 8
    summarize_batch_size: 4
    max_summary_length: 500
  token_budget:
    total: 1500
    overflow_strategy: truncate_oldest
storage:
  type: memory
  auto_persist: true
skills:
  - id: farewell
    description: says goodbye
    steps:
      - prompt: "Say goodbye to {{ input }}"
disambiguation:
  enabled: true
  threshold: 0.6
  max_attempts: 2
  on_max_attempts: proceed_with_best_guess
tool_security:
  enabled: true
  tools:
    http:
      rate_limit: 10
      blocked_domains: [evil.com]
hitl:
  enabled: true
  default_timeout_seconds: 60
  on_timeout: reject
  tools:
    calc:
      require_confirmation: true
      approval_message: "Run a calculation?"
process:
  input:
    - type: normalize
      config:
        collapse_whitespace: true
  output:
    - type: validate
      config:
        rules:
          - max_length: 4000
            on_fail: truncate
context:
  tier: free
states:
  initial: greeting
  states:
    greeting:
      prompt: Greet the user.
      transitions:
        - to: helping
          when: user states a problem
          auto: true
    helping:
      llm: router
      max_turns: 10
      timeout_to: greeting
`

func TestParseSpec_Full(t *testing.T) {
	spec, err := ParseSpec([]byte(fullSpecYAML))
	if err != nil {
		t.Fatal(err)
	}

	if spec.Name != "support-bot" || spec.MaxIterations != 6 {
		t.Errorf("header = %q/%d", spec.Name, spec.MaxIterations)
	}
	if spec.LLM == nil || spec.LLM.Provider != "mock" {
		t.Errorf("llm = %+v", spec.LLM)
	}
	if spec.Memory.Type != "compacting" || spec.Memory.Compacting.CompressThreshold != 8 {
		t.Errorf("memory = %+v", spec.Memory)
	}
	if spec.Memory.TokenBudget.Total != 1500 {
		t.Errorf("budget = %+v", spec.Memory.TokenBudget)
	}
	if len(spec.Skills) != 1 || spec.Skills[0].ID != "farewell" {
		t.Errorf("skills = %+v", spec.Skills)
	}
	if spec.States.Initial != "greeting" {
		t.Errorf("states = %+v", spec.States)
	}
	if spec.States.States["helping"].LLM != "router" {
		t.Errorf("helping state = %+v", spec.States.States["helping"])
	}
	if spec.ToolAliases["calculator"] != "calc" {
		t.Errorf("aliases = %v", spec.ToolAliases)
	}
	if !spec.Disambiguation.Enabled || spec.Disambiguation.Threshold != 0.6 {
		t.Errorf("disambiguation = %+v", spec.Disambiguation)
	}

	merged := spec.mergedGate()
	if merged == nil || !merged.Enabled {
		t.Fatal("merged gate should be enabled")
	}
	if merged.Tools["http"].RateLimit != 10 {
		t.Errorf("http policy = %+v", merged.Tools["http"])
	}
	if !merged.Tools["calc"].RequireConfirmation {
		t.Errorf("calc policy = %+v", merged.Tools["calc"])
	}
	if merged.DefaultTimeoutSeconds != 60 {
		t.Errorf("timeout = %d", merged.DefaultTimeoutSeconds)
	}
}

func TestParseSpec_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "system_prompt: x", "name is required"},
		{"missing prompt", "name: x", "system_prompt is required"},
		{
			"bad state target",
			"name: x\nsystem_prompt: p\nstates:\n  initial: a\n  states:\n    a:\n      transitions:\n        - to: ghost\n",
			"unknown state",
		},
	}
	for _, c := range cases {
		_, err := ParseSpec([]byte(c.yaml))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: err = %v, want %q", c.name, err, c.want)
		}
	}
}

func TestBuild_FromFullSpec(t *testing.T) {
	b, err := FromYAML([]byte(fullSpecYAML))
	if err != nil {
		t.Fatal(err)
	}
	agent, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if agent.Name() != "support-bot" {
		t.Errorf("name = %q", agent.Name())
	}
	for _, id := range []string{"datetime", "calc"} {
		if _, ok := agent.Tools().Get(id); !ok {
			t.Errorf("missing tool %s", id)
		}
	}
	if agent.StateMachine() == nil || agent.StateMachine().Current() != "greeting" {
		t.Errorf("machine = %v", agent.StateMachine())
	}
	if agent.Context()["tier"] != "free" {
		t.Errorf("context = %v", agent.Context())
	}
}

func TestBuild_RequiresDefaultModel(t *testing.T) {
	spec := &Spec{Name: "x", SystemPrompt: "p"}
	if _, err := New(spec).Build(); err == nil {
		t.Error("expected error without a default model")
	}
}

func TestBuild_InjectedRegistryWins(t *testing.T) {
	spec := &Spec{Name: "x", SystemPrompt: "p", LLM: &LLMSpec{Provider: "mock", Model: "spec-model"}}
	mock := llm.NewMock("injected").Enqueue("ok")
	agent, err := New(spec).WithProvider(llm.AliasDefault, mock).Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Chat(t.Context(), "hi"); err != nil {
		t.Fatal(err)
	}
	if mock.CallCount() != 1 {
		t.Error("injected provider should receive the call")
	}
}
