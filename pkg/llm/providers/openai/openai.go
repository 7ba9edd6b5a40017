// Package openai implements llm.Provider for the OpenAI Chat Completions API
// (and any compatible endpoint) via github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Provider is an OpenAI-backed llm.Provider.
type Provider struct {
	client sdk.Client
	model  string
}

// New creates a provider for the given model id. baseURL overrides the
// endpoint for OpenAI-compatible servers; empty means api.openai.com. The
// API key falls back to OPENAI_API_KEY.
func New(apiKey, model, baseURL string) *Provider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: sdk.NewClient(opts...), model: model}
}

func (p *Provider) ProviderName() string { return "openai" }

func (p *Provider) Supports(f llm.Feature) bool {
	switch f {
	case llm.FeatureStreaming, llm.FeatureTools, llm.FeatureJSONMode:
		return true
	}
	return false
}

func (p *Provider) Complete(ctx context.Context, messages []llm.ChatMessage, cfg *llm.CompletionConfig) (*llm.CompletionResponse, error) {
	params := p.buildParams(messages, cfg)
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, llm.NewError(llm.ErrAPI, "openai: empty choices")
	}

	choice := completion.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		Usage: &llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		Model: completion.Model,
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, messages []llm.ChatMessage, cfg *llm.CompletionConfig) (<-chan llm.StreamChunk, error) {
	params := p.buildParams(messages, cfg)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateError(err)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		reason := llm.FinishStop
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				select {
				case ch <- llm.StreamChunk{Delta: c.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			if c.FinishReason != "" {
				reason = finishReason(c.FinishReason)
			}
		}
		ch <- llm.StreamChunk{IsFinal: true, FinishReason: reason}
	}()
	return ch, nil
}

func (p *Provider) buildParams(messages []llm.ChatMessage, cfg *llm.CompletionConfig) sdk.ChatCompletionNewParams {
	model := p.model
	if cfg != nil && cfg.Model != "" {
		model = cfg.Model
	}

	encoded := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			encoded = append(encoded, sdk.SystemMessage(m.Content))
		case llm.RoleAssistant:
			encoded = append(encoded, sdk.AssistantMessage(m.Content))
		case llm.RoleTool:
			// The core's tool loop is text-level; the tool id doubles as the
			// tool_call_id the wire format requires.
			encoded = append(encoded, sdk.ToolMessage(m.Content, m.Name))
		default:
			encoded = append(encoded, sdk.UserMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: encoded,
	}
	if cfg != nil {
		if cfg.MaxTokens > 0 {
			params.MaxCompletionTokens = sdk.Int(int64(cfg.MaxTokens))
		}
		if cfg.Temperature != nil {
			params.Temperature = sdk.Float(*cfg.Temperature)
		}
		if cfg.TopP != nil {
			params.TopP = sdk.Float(*cfg.TopP)
		}
	}
	return params
}

func finishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCall
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishOther
	}
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return llm.RateLimitError(apiErr.Error(), 0)
		case 404:
			return llm.NewError(llm.ErrModelNotFound, apiErr.Error())
		default:
			return llm.APIError(apiErr.StatusCode, apiErr.Error())
		}
	}
	return &llm.Error{Kind: llm.ErrNetwork, Message: err.Error(), Err: err}
}
