// Package template substitutes {{ var }} placeholders in prompts and
// messages. Values come from a flat or nested context map; dotted paths
// drill into nested maps. $ENV{NAME} references are expanded from the
// process environment.
//
// The placeholder syntax is intentionally tiny: a name, an optional dotted
// path, and an optional `| default('...')` filter. Anything richer belongs
// in a process stage.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w.]*)\s*(?:\|\s*default\(\s*'([^']*)'\s*\)\s*)?\}\}`)
	envRe         = regexp.MustCompile(`\$ENV\{([^}]+)\}`)
)

// Render substitutes placeholders in tmpl from vars. Unknown placeholders
// without a default render as the empty string. Unset $ENV references are
// an error: a missing secret should fail loudly, not leak a literal.
func Render(tmpl string, vars map[string]any) (string, error) {
	expanded, err := expandEnv(tmpl)
	if err != nil {
		return "", err
	}

	out := placeholderRe.ReplaceAllStringFunc(expanded, func(m string) string {
		groups := placeholderRe.FindStringSubmatch(m)
		path, def := groups[1], groups[2]
		if v, ok := Lookup(vars, path); ok {
			return Stringify(v)
		}
		return def
	})
	return out, nil
}

// MustRender is Render for templates with no $ENV references; it panics on
// the error that therefore cannot happen.
func MustRender(tmpl string, vars map[string]any) string {
	out, err := Render(tmpl, vars)
	if err != nil {
		panic("template: " + err.Error())
	}
	return out
}

// Lookup resolves a dotted path through nested maps. It understands
// map[string]any at every level and json-decoded values.
func Lookup(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Stringify renders a context value for substitution: strings verbatim,
// everything else as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func expandEnv(tmpl string) (string, error) {
	var missing string
	out := envRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := envRe.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("template: environment variable %q not set", missing)
	}
	return out, nil
}
