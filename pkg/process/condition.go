package process

import (
	"github.com/spindle-dev/spindle/pkg/template"
)

// Condition gates a stage. Three forms:
//
//	{ path: value }            equality on a context path (or "content")
//	{ path: {exists: bool} }   presence check
//	{ all: [...] } / { any: [...] }  compounds
type Condition struct {
	All    []Condition
	Any    []Condition
	Simple map[string]any
}

// UnmarshalYAML accepts the untagged forms above.
func (c *Condition) UnmarshalYAML(unmarshal func(any) error) error {
	var compound struct {
		All []Condition `yaml:"all"`
		Any []Condition `yaml:"any"`
	}
	if err := unmarshal(&compound); err == nil && (len(compound.All) > 0 || len(compound.Any) > 0) {
		c.All, c.Any = compound.All, compound.Any
		return nil
	}

	var simple map[string]any
	if err := unmarshal(&simple); err != nil {
		return err
	}
	delete(simple, "all")
	delete(simple, "any")
	c.Simple = simple
	return nil
}

// Eval evaluates the condition against the pipeline data. A nil condition
// is true; an empty simple map is true.
func (c *Condition) Eval(d *Data) bool {
	if c == nil {
		return true
	}
	if len(c.All) > 0 {
		for _, sub := range c.All {
			if !sub.Eval(d) {
				return false
			}
		}
		return true
	}
	if len(c.Any) > 0 {
		for _, sub := range c.Any {
			if sub.Eval(d) {
				return true
			}
		}
		return false
	}
	for path, expected := range c.Simple {
		if !evalSimple(path, expected, d) {
			return false
		}
	}
	return true
}

func evalSimple(path string, expected any, d *Data) bool {
	var value any
	var present bool
	if path == "content" {
		value, present = d.Content, true
	} else {
		value, present = template.Lookup(d.Context, path)
	}

	// {exists: bool} form.
	if m, ok := expected.(map[string]any); ok {
		if want, ok := m["exists"].(bool); ok {
			return want == present
		}
	}

	if !present {
		return false
	}
	return template.Stringify(value) == template.Stringify(expected)
}
