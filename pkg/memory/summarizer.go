package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Summarizer produces and merges conversation summaries. It is an external
// capability: compacting memory calls it, never the other way around.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []llm.ChatMessage) (string, error)
	MergeSummaries(ctx context.Context, summaries []string) (string, error)
}

// ---------------------------------------------------------------------------
// Noop
// ---------------------------------------------------------------------------

// Noop returns empty summaries. Used when no model is configured; compaction
// still evicts the batch, it just keeps no digest of it.
type Noop struct{}

func (Noop) Summarize(context.Context, []llm.ChatMessage) (string, error) { return "", nil }

func (Noop) MergeSummaries(_ context.Context, summaries []string) (string, error) {
	return strings.Join(nonEmpty(summaries), "\n"), nil
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Model-backed
// ---------------------------------------------------------------------------

const summarizePrompt = `Summarize the following conversation fragment.
Keep facts, decisions, names, and unresolved questions. Be terse.

%s`

const mergePrompt = `Merge these conversation summaries into one, keeping all
facts and decisions. Prefer later information when they conflict.

%s`

// LLMSummarizer asks a model for summaries.
type LLMSummarizer struct {
	Provider llm.Provider
	// MaxTokens caps summary length per call. 0 = provider default.
	MaxTokens int
}

// NewLLMSummarizer creates a model-backed summarizer.
func NewLLMSummarizer(p llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{Provider: p}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []llm.ChatMessage) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return s.complete(ctx, fmt.Sprintf(summarizePrompt, sb.String()))
}

func (s *LLMSummarizer) MergeSummaries(ctx context.Context, summaries []string) (string, error) {
	parts := nonEmpty(summaries)
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	return s.complete(ctx, fmt.Sprintf(mergePrompt, strings.Join(parts, "\n---\n")))
}

func (s *LLMSummarizer) complete(ctx context.Context, prompt string) (string, error) {
	cfg := &llm.CompletionConfig{MaxTokens: s.MaxTokens}
	resp, err := s.Provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, cfg)
	if err != nil {
		return "", fmt.Errorf("memory: summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
