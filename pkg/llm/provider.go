package llm

import "context"

// Feature names a provider capability checked via Provider.Supports.
type Feature string

const (
	FeatureStreaming Feature = "streaming"
	FeatureTools     Feature = "tools"
	FeatureVision    Feature = "vision"
	FeatureJSONMode  Feature = "json_mode"
)

// FinishReason reports why a completion ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCall      FinishReason = "tool_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionConfig tunes a single call. Zero values mean provider defaults.
type CompletionConfig struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
}

// CompletionResponse is the provider's reply for one completion.
type CompletionResponse struct {
	Content      string
	FinishReason FinishReason
	Usage        *Usage
	Model        string
	Metadata     map[string]any
}

// StreamChunk is one increment of a streaming completion.
type StreamChunk struct {
	Delta        string
	IsFinal      bool
	FinishReason FinishReason
	Usage        *Usage
}

// Provider is a language-model back-end. Implementations live behind the
// registry; the core never talks to a concrete API directly.
type Provider interface {
	// Complete sends messages and returns the full response.
	Complete(ctx context.Context, messages []ChatMessage, cfg *CompletionConfig) (*CompletionResponse, error)

	// CompleteStream sends messages and returns a channel of chunks. The
	// channel is closed when the stream ends; implementations must close it
	// even when ctx is cancelled so callers can always range over it.
	CompleteStream(ctx context.Context, messages []ChatMessage, cfg *CompletionConfig) (<-chan StreamChunk, error)

	// ProviderName returns the provider identifier, e.g. "openai".
	ProviderName() string

	// Supports reports whether the provider implements a capability.
	Supports(feature Feature) bool
}
