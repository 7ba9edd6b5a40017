package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Router picks at most one skill for an input via a one-shot classification
// against the router model.
type Router struct {
	provider llm.Provider
	skills   []Definition
	byID     map[string]*Definition
}

// NewRouter creates a router over the given skills.
func NewRouter(p llm.Provider, skills []Definition) *Router {
	byID := make(map[string]*Definition, len(skills))
	for i := range skills {
		byID[skills[i].ID] = &skills[i]
	}
	return &Router{provider: p, skills: skills, byID: byID}
}

// Get returns a skill by id.
func (r *Router) Get(id string) (*Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Skills returns the routed skill set.
func (r *Router) Skills() []Definition { return r.skills }

// Select returns the id of the matching skill, or "" when none applies.
// With no skills or no provider it returns "" without a model call.
func (r *Router) Select(ctx context.Context, input string) (string, error) {
	if len(r.skills) == 0 || r.provider == nil {
		return "", nil
	}

	var list strings.Builder
	for _, s := range r.skills {
		desc := s.Description
		if s.Trigger != "" {
			desc += " (use when: " + s.Trigger + ")"
		}
		fmt.Fprintf(&list, "- %s: %s\n", s.ID, desc)
	}

	prompt := fmt.Sprintf(`You route user requests to skills.

Available skills:
%s
User request: %s

Reply with ONLY the matching skill id, or "none" if no skill applies.`,
		list.String(), input)

	resp, err := r.provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, nil)
	if err != nil {
		return "", fmt.Errorf("skill: routing: %w", err)
	}

	choice := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"'`))
	if choice == "" || strings.EqualFold(choice, "none") {
		return "", nil
	}
	if _, ok := r.byID[choice]; ok {
		return choice, nil
	}
	// Models sometimes echo more than the id; take the first known token.
	for _, tok := range strings.Fields(choice) {
		tok = strings.Trim(tok, `.,:"'`)
		if _, ok := r.byID[tok]; ok {
			return tok, nil
		}
	}
	return "", nil
}
