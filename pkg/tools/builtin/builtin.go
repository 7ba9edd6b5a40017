// Package builtin ships the standard tool set: datetime, text, json, calc,
// and http. Register selections with RegisterAll or pick individually.
package builtin

import (
	"github.com/spindle-dev/spindle/pkg/tools"
)

// All returns one instance of every built-in tool.
func All() []tools.Tool {
	return []tools.Tool{
		Datetime(),
		Text(),
		JSON(),
		Calc(),
		HTTP(),
	}
}

// RegisterAll adds every built-in tool to the registry.
func RegisterAll(r *tools.Registry) {
	for _, t := range All() {
		r.Register(t)
	}
}

// Register adds the named built-ins to the registry, ignoring unknown ids.
func Register(r *tools.Registry, ids ...string) {
	byID := make(map[string]tools.Tool)
	for _, t := range All() {
		byID[t.ID()] = t
	}
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			r.Register(t)
		}
	}
}
