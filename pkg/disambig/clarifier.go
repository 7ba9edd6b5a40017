package disambig

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/template"
)

// Clarifier generates clarification questions and parses the user's answer.
type Clarifier struct {
	provider llm.Provider
}

// NewClarifier creates a clarifier over the given provider.
func NewClarifier(p llm.Provider) *Clarifier {
	return &Clarifier{provider: p}
}

// Generate writes a clarification question for an ambiguous input.
// customTemplate, when non-empty, is rendered with {{ input }} and
// {{ unclear }} instead of asking the model.
func (c *Clarifier) Generate(ctx context.Context, input string, det DetectionResult, dc *Context, customTemplate string) (Question, error) {
	if customTemplate != "" {
		q, err := template.Render(customTemplate, map[string]any{
			"input":   input,
			"unclear": strings.Join(det.WhatIsUnclear, ", "),
		})
		if err != nil {
			return Question{}, err
		}
		return Question{Question: q}, nil
	}

	var sb strings.Builder
	sb.WriteString("The user request below is ambiguous. Write ONE short clarifying question.\n")
	if det.AmbiguityType != "" {
		fmt.Fprintf(&sb, "What is unclear: %s (%s)\n", strings.Join(det.WhatIsUnclear, ", "), det.AmbiguityType)
	}
	if len(dc.PreviousQuestions) > 0 {
		sb.WriteString("Already asked (ask something different):\n")
		for _, q := range dc.PreviousQuestions {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}
	fmt.Fprintf(&sb, `
User request: %s

Reply with ONLY a JSON object: {"question": "...", "options": ["...", ...]}.
Omit "options" when free-form answers fit better.`, input)

	resp, err := c.provider.Complete(ctx, []llm.ChatMessage{llm.User(sb.String())}, nil)
	if err != nil {
		return Question{}, fmt.Errorf("disambig: question generation: %w", err)
	}

	var parsed struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil || parsed.Question == "" {
		// Fall back to the raw reply: a plain-text question is still usable.
		return Question{Question: strings.TrimSpace(resp.Content)}, nil
	}
	return Question{Question: parsed.Question, Options: parsed.Options}, nil
}

// ParseOutcome is the clarifier's reading of the user's answer.
type ParseOutcome struct {
	Understood    bool
	EnrichedInput string
	Resolved      map[string]any
}

// ParseAnswer interprets the user's answer to a pending question. When the
// answer resolves the ambiguity, EnrichedInput is the combined, actionable
// request and Resolved carries structured values (notably resolved_intent).
func (c *Clarifier) ParseAnswer(ctx context.Context, originalInput string, q Question, answer string, dc *Context) (ParseOutcome, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `A user request needed clarification.

Original request: %s
Question asked: %s
`, originalInput, q.Question)
	if len(q.Options) > 0 {
		fmt.Fprintf(&sb, "Options offered: %s\n", strings.Join(q.Options, ", "))
	}
	fmt.Fprintf(&sb, `User's answer: %s

Did the answer resolve the ambiguity? Reply with ONLY a JSON object:
{"understood": bool, "enriched_input": "the full request rewritten with the clarified details", "resolved": {"resolved_intent": "snake_case_intent_or_null", ...}}`,
		answer)

	resp, err := c.provider.Complete(ctx, []llm.ChatMessage{llm.User(sb.String())}, nil)
	if err != nil {
		return ParseOutcome{}, fmt.Errorf("disambig: answer parsing: %w", err)
	}

	var parsed struct {
		Understood    bool           `json:"understood"`
		EnrichedInput string         `json:"enriched_input"`
		Resolved      map[string]any `json:"resolved"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return ParseOutcome{Understood: false}, nil
	}
	out := ParseOutcome{
		Understood:    parsed.Understood,
		EnrichedInput: parsed.EnrichedInput,
		Resolved:      parsed.Resolved,
	}
	if out.Understood && out.EnrichedInput == "" {
		out.EnrichedInput = originalInput + " (" + answer + ")"
	}
	return out, nil
}
