package disambig

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Detector classifies inputs as clear or ambiguous via one model call.
type Detector struct {
	provider llm.Provider
}

// NewDetector creates a detector over the given provider.
func NewDetector(p llm.Provider) *Detector {
	return &Detector{provider: p}
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank you": true,
	"bye": true, "goodbye": true, "ok": true, "okay": true, "yes": true, "no": true,
}

// ShouldSkip applies the configured skip rules without a model call.
func ShouldSkip(input string, skipWhen []string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	for _, rule := range skipWhen {
		switch rule {
		case "short_greeting":
			if len(trimmed) <= 12 && greetings[strings.TrimRight(trimmed, "!. ")] {
				return true
			}
		case "exact_command":
			if strings.HasPrefix(trimmed, "/") {
				return true
			}
		}
	}
	return false
}

// Detect asks the model whether the input is ambiguous.
func (d *Detector) Detect(ctx context.Context, input string, dc *Context) (DetectionResult, error) {
	var sb strings.Builder
	sb.WriteString("Decide whether the user request is clear enough to act on.\n")
	if dc.CurrentState != "" {
		fmt.Fprintf(&sb, "Conversation state: %s\n", dc.CurrentState)
	}
	if len(dc.AvailableTools) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s\n", strings.Join(dc.AvailableTools, ", "))
	}
	if len(dc.AvailableSkills) > 0 {
		fmt.Fprintf(&sb, "Available skills: %s\n", strings.Join(dc.AvailableSkills, ", "))
	}
	if len(dc.RecentMessages) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, m := range dc.RecentMessages {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}
	fmt.Fprintf(&sb, `
User request: %s

Reply with ONLY a JSON object:
{"is_ambiguous": bool, "confidence": 0.0-1.0, "ambiguity_type": "missing_target"|"missing_action"|"missing_parameters"|"vague_reference"|"multiple_intents"|"other"|null, "what_is_unclear": [strings]}`,
		input)

	resp, err := d.provider.Complete(ctx, []llm.ChatMessage{llm.User(sb.String())}, nil)
	if err != nil {
		return DetectionResult{}, fmt.Errorf("disambig: detection: %w", err)
	}

	var result DetectionResult
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &result); err != nil {
		// An unparseable verdict is treated as clear rather than blocking
		// the turn on malformed classifier output.
		return DetectionResult{IsAmbiguous: false, Confidence: 1.0}, nil
	}
	return result, nil
}

// extractJSON strips fences and prose around a JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
