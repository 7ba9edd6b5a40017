package recovery

import (
	"regexp"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// MessageFilter rewrites or drops messages before a retried model call,
// e.g. to strip an offending tool output from the window.
type MessageFilter interface {
	Filter(msgs []llm.ChatMessage) []llm.ChatMessage
}

// KeepRecent keeps only the last N messages.
type KeepRecent struct{ N int }

func (f KeepRecent) Filter(msgs []llm.ChatMessage) []llm.ChatMessage {
	if f.N <= 0 || len(msgs) <= f.N {
		return msgs
	}
	return msgs[len(msgs)-f.N:]
}

// ByRole keeps only messages whose role is in the set.
type ByRole struct{ Roles []llm.Role }

func (f ByRole) Filter(msgs []llm.ChatMessage) []llm.ChatMessage {
	keep := make(map[llm.Role]bool, len(f.Roles))
	for _, r := range f.Roles {
		keep[r] = true
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if keep[m.Role] {
			out = append(out, m)
		}
	}
	return out
}

// SkipPattern drops messages whose content matches the pattern.
type SkipPattern struct{ Pattern *regexp.Regexp }

// NewSkipPattern compiles pattern; it panics on an invalid regexp the same
// way regexp.MustCompile does, which is the right failure mode for wiring
// code.
func NewSkipPattern(pattern string) SkipPattern {
	return SkipPattern{Pattern: regexp.MustCompile(pattern)}
}

func (f SkipPattern) Filter(msgs []llm.ChatMessage) []llm.ChatMessage {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !f.Pattern.MatchString(m.Content) {
			out = append(out, m)
		}
	}
	return out
}

// Chain applies filters in order.
type Chain []MessageFilter

func (c Chain) Filter(msgs []llm.ChatMessage) []llm.ChatMessage {
	for _, f := range c {
		msgs = f.Filter(msgs)
	}
	return msgs
}
