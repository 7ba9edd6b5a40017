package state

import (
	"fmt"
)

// Guard gates a transition deterministically: a single template expression,
// an all/any list of expressions, or a map of context matchers. Exactly one
// form is set.
type Guard struct {
	Expression string
	All        []string
	Any        []string
	Context    map[string]Matcher
}

// UnmarshalYAML accepts either a bare expression string or a one-key map
// (all / any / context).
func (g *Guard) UnmarshalYAML(unmarshal func(any) error) error {
	var expr string
	if err := unmarshal(&expr); err == nil {
		g.Expression = expr
		return nil
	}

	var m struct {
		All     []string           `yaml:"all"`
		Any     []string           `yaml:"any"`
		Context map[string]Matcher `yaml:"context"`
	}
	if err := unmarshal(&m); err != nil {
		return fmt.Errorf("state: invalid guard: %w", err)
	}
	g.All, g.Any, g.Context = m.All, m.Any, m.Context
	return nil
}

// Matcher matches one context value: an exact literal, an existence check,
// or a comparison.
type Matcher struct {
	// Exact is the literal to compare against when no other form is set.
	Exact any
	// Exists, when non-nil, asserts presence (true) or absence (false).
	Exists *bool
	// Op is one of eq, neq, gt, gte, lt, lte, in, contains.
	Op    string
	Value any
}

var matcherOps = []string{"eq", "neq", "gt", "gte", "lt", "lte", "in", "contains"}

// UnmarshalYAML accepts a scalar (exact match), {exists: bool}, or a one-key
// comparison map such as {gt: 3}.
func (m *Matcher) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		m.Exact = raw
		return nil
	}

	if v, ok := obj["exists"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("state: matcher exists must be a bool, got %T", v)
		}
		m.Exists = &b
		return nil
	}
	for _, op := range matcherOps {
		if v, ok := obj[op]; ok {
			m.Op = op
			m.Value = v
			return nil
		}
	}
	return fmt.Errorf("state: unrecognized matcher %v", obj)
}

// ToolRef names a tool a state exposes, optionally behind a context
// condition evaluated each turn.
type ToolRef struct {
	ID        string
	Condition map[string]Matcher
}

// UnmarshalYAML accepts a bare id string or {id, condition}.
func (t *ToolRef) UnmarshalYAML(unmarshal func(any) error) error {
	var id string
	if err := unmarshal(&id); err == nil {
		t.ID = id
		return nil
	}

	var m struct {
		ID        string             `yaml:"id"`
		Condition map[string]Matcher `yaml:"condition"`
	}
	if err := unmarshal(&m); err != nil {
		return fmt.Errorf("state: invalid tool ref: %w", err)
	}
	if m.ID == "" {
		return fmt.Errorf("state: tool ref requires an id")
	}
	t.ID, t.Condition = m.ID, m.Condition
	return nil
}
