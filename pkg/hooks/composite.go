package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/tools"
)

// Composite fans each event to children in registration order. A panicking
// child is logged and skipped; the rest still run.
type Composite struct {
	children []Hooks
	logger   *slog.Logger
}

// NewComposite creates a composite over children.
func NewComposite(children ...Hooks) *Composite {
	return &Composite{children: children, logger: slog.Default()}
}

// Add appends a child.
func (c *Composite) Add(h Hooks) { c.children = append(c.children, h) }

// Len reports the number of children.
func (c *Composite) Len() int { return len(c.children) }

func (c *Composite) each(fn func(h Hooks)) {
	for _, h := range c.children {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("hook panicked", "panic", r)
				}
			}()
			fn(h)
		}()
	}
}

func (c *Composite) OnMessageReceived(ctx context.Context, message string) {
	c.each(func(h Hooks) { h.OnMessageReceived(ctx, message) })
}

func (c *Composite) OnLLMStart(ctx context.Context, messages []llm.ChatMessage) {
	c.each(func(h Hooks) { h.OnLLMStart(ctx, messages) })
}

func (c *Composite) OnLLMComplete(ctx context.Context, resp *llm.CompletionResponse, duration time.Duration) {
	c.each(func(h Hooks) { h.OnLLMComplete(ctx, resp, duration) })
}

func (c *Composite) OnToolStart(ctx context.Context, tool string, args map[string]any) {
	c.each(func(h Hooks) { h.OnToolStart(ctx, tool, args) })
}

func (c *Composite) OnToolComplete(ctx context.Context, tool string, result tools.Result, duration time.Duration) {
	c.each(func(h Hooks) { h.OnToolComplete(ctx, tool, result, duration) })
}

func (c *Composite) OnStateTransition(ctx context.Context, from, to, reason string) {
	c.each(func(h Hooks) { h.OnStateTransition(ctx, from, to, reason) })
}

func (c *Composite) OnError(ctx context.Context, err error) {
	c.each(func(h Hooks) { h.OnError(ctx, err) })
}

func (c *Composite) OnResponse(ctx context.Context, response string) {
	c.each(func(h Hooks) { h.OnResponse(ctx, response) })
}
