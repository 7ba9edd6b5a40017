// Package anthropic implements llm.Provider on top of the Anthropic Messages
// API via github.com/anthropics/anthropic-sdk-go.
//
// The core's tool protocol is text-level (the model replies with a JSON
// object), so conversation roles map directly: system messages become the
// Messages API system blocks, tool-role messages are forwarded as user text.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/spindle-dev/spindle/pkg/llm"
)

const defaultMaxTokens = 4096

// Provider is an Anthropic-backed llm.Provider.
type Provider struct {
	client sdk.Client
	model  string
}

// New creates a provider for the given model id. The API key is read from
// ANTHROPIC_API_KEY when apiKey is empty.
func New(apiKey, model string) *Provider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Provider{client: sdk.NewClient(opts...), model: model}
}

func (p *Provider) ProviderName() string { return "anthropic" }

func (p *Provider) Supports(f llm.Feature) bool {
	switch f {
	case llm.FeatureStreaming, llm.FeatureTools, llm.FeatureVision:
		return true
	}
	return false
}

func (p *Provider) Complete(ctx context.Context, messages []llm.ChatMessage, cfg *llm.CompletionConfig) (*llm.CompletionResponse, error) {
	params := p.buildParams(messages, cfg)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: &llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Model:    string(msg.Model),
		Metadata: map[string]any{"stop_sequence": msg.StopSequence},
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, messages []llm.ChatMessage, cfg *llm.CompletionConfig) (<-chan llm.StreamChunk, error) {
	params := p.buildParams(messages, cfg)
	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateError(err)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		var usage llm.Usage
		reason := llm.FinishStop
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if ev.Delta.Text != "" {
					select {
					case ch <- llm.StreamChunk{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case sdk.MessageStartEvent:
				usage.PromptTokens = int(ev.Message.Usage.InputTokens)
			case sdk.MessageDeltaEvent:
				usage.CompletionTokens = int(ev.Usage.OutputTokens)
				if ev.Delta.StopReason != "" {
					reason = finishReason(string(ev.Delta.StopReason))
				}
			}
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		ch <- llm.StreamChunk{IsFinal: true, FinishReason: reason, Usage: &usage}
	}()
	return ch, nil
}

func (p *Provider) buildParams(messages []llm.ChatMessage, cfg *llm.CompletionConfig) sdk.MessageNewParams {
	model := p.model
	maxTokens := defaultMaxTokens
	var temperature *float64
	if cfg != nil {
		if cfg.Model != "" {
			model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			maxTokens = cfg.MaxTokens
		}
		temperature = cfg.Temperature
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(
				fmt.Sprintf("[tool %s]\n%s", m.Name, m.Content))))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  conversation,
	}
	if temperature != nil {
		params.Temperature = sdk.Float(*temperature)
	}
	return params
}

func finishReason(stop string) llm.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCall
	default:
		return llm.FinishOther
	}
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return llm.RateLimitError(apiErr.Error(), retryAfter(apiErr))
		case 404:
			return llm.NewError(llm.ErrModelNotFound, apiErr.Error())
		default:
			return llm.APIError(apiErr.StatusCode, apiErr.Error())
		}
	}
	return &llm.Error{Kind: llm.ErrNetwork, Message: err.Error(), Err: err}
}

func retryAfter(apiErr *sdk.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	if s := apiErr.Response.Header.Get("Retry-After"); s != "" {
		if d, err := time.ParseDuration(s + "s"); err == nil {
			return d
		}
	}
	return 0
}
