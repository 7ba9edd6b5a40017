// Package hooks fans lifecycle events out to observers. Hook failures are
// logged and never propagate into the turn.
package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/tools"
)

// Hooks observes agent lifecycle events. Implementations embed Base and
// override what they need.
type Hooks interface {
	OnMessageReceived(ctx context.Context, message string)
	OnLLMStart(ctx context.Context, messages []llm.ChatMessage)
	OnLLMComplete(ctx context.Context, resp *llm.CompletionResponse, duration time.Duration)
	OnToolStart(ctx context.Context, tool string, args map[string]any)
	OnToolComplete(ctx context.Context, tool string, result tools.Result, duration time.Duration)
	OnStateTransition(ctx context.Context, from, to, reason string)
	OnError(ctx context.Context, err error)
	OnResponse(ctx context.Context, response string)
}

// Base is a no-op implementation to embed.
type Base struct{}

func (Base) OnMessageReceived(context.Context, string) {}
func (Base) OnLLMStart(context.Context, []llm.ChatMessage) {}
func (Base) OnLLMComplete(context.Context, *llm.CompletionResponse, time.Duration) {}
func (Base) OnToolStart(context.Context, string, map[string]any) {}
func (Base) OnToolComplete(context.Context, string, tools.Result, time.Duration) {}
func (Base) OnStateTransition(context.Context, string, string, string) {}
func (Base) OnError(context.Context, error) {}
func (Base) OnResponse(context.Context, string) {}

// Noop observes nothing.
type Noop struct{ Base }

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// Logging reports events through slog.
type Logging struct {
	Base
	Logger *slog.Logger
}

// NewLogging creates a logging observer; a nil logger means slog.Default().
func NewLogging(l *slog.Logger) *Logging {
	if l == nil {
		l = slog.Default()
	}
	return &Logging{Logger: l}
}

func (h *Logging) OnMessageReceived(ctx context.Context, message string) {
	preview := message
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	h.Logger.InfoContext(ctx, "message received", "preview", preview)
}

func (h *Logging) OnLLMStart(ctx context.Context, messages []llm.ChatMessage) {
	h.Logger.DebugContext(ctx, "llm call starting", "messages", len(messages))
}

func (h *Logging) OnLLMComplete(ctx context.Context, resp *llm.CompletionResponse, duration time.Duration) {
	attrs := []any{"duration", duration}
	if resp != nil && resp.Usage != nil {
		attrs = append(attrs, "tokens", resp.Usage.TotalTokens)
	}
	h.Logger.InfoContext(ctx, "llm call complete", attrs...)
}

func (h *Logging) OnToolStart(ctx context.Context, tool string, args map[string]any) {
	h.Logger.DebugContext(ctx, "tool starting", "tool", tool, "args", args)
}

func (h *Logging) OnToolComplete(ctx context.Context, tool string, result tools.Result, duration time.Duration) {
	if result.Success {
		h.Logger.InfoContext(ctx, "tool complete", "tool", tool, "duration", duration)
		return
	}
	h.Logger.WarnContext(ctx, "tool failed", "tool", tool, "duration", duration, "output", result.Output)
}

func (h *Logging) OnStateTransition(ctx context.Context, from, to, reason string) {
	h.Logger.InfoContext(ctx, "state transition", "from", from, "to", to, "reason", reason)
}

func (h *Logging) OnError(ctx context.Context, err error) {
	h.Logger.ErrorContext(ctx, "agent error", "error", err)
}

func (h *Logging) OnResponse(ctx context.Context, response string) {
	h.Logger.DebugContext(ctx, "response ready", "length", len(response))
}
