package hooks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/tools"
)

const tracerName = "github.com/spindle-dev/spindle"

// Tracing emits OpenTelemetry spans for model and tool calls and events for
// transitions and errors. Because hook methods observe completed phases,
// spans are recorded with their measured duration rather than left open.
type Tracing struct {
	Base
	tracer trace.Tracer
}

// NewTracing creates a tracing observer using the global tracer provider.
func NewTracing() *Tracing {
	return &Tracing{tracer: otel.Tracer(tracerName)}
}

func (t *Tracing) OnLLMComplete(ctx context.Context, resp *llm.CompletionResponse, duration time.Duration) {
	_, span := t.tracer.Start(ctx, "llm.complete",
		trace.WithTimestamp(time.Now().Add(-duration)))
	if resp != nil {
		span.SetAttributes(attribute.String("llm.model", resp.Model))
		if resp.Usage != nil {
			span.SetAttributes(
				attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
				attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
			)
		}
	}
	span.End()
}

func (t *Tracing) OnToolComplete(ctx context.Context, tool string, result tools.Result, duration time.Duration) {
	_, span := t.tracer.Start(ctx, "tool.execute",
		trace.WithTimestamp(time.Now().Add(-duration)))
	span.SetAttributes(
		attribute.String("tool.id", tool),
		attribute.Bool("tool.success", result.Success),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.Output)
	}
	span.End()
}

func (t *Tracing) OnStateTransition(ctx context.Context, from, to, reason string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("state.transition", trace.WithAttributes(
		attribute.String("state.from", from),
		attribute.String("state.to", to),
		attribute.String("state.reason", reason),
	))
}

func (t *Tracing) OnError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}
