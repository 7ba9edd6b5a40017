package llm

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a scripted provider for tests and offline runs. Responses
// are returned in FIFO order; when the queue is empty, a pattern rule or the
// fallback applies.
type MockProvider struct {
	mu        sync.Mutex
	name      string
	queue     []CompletionResponse
	patterns  []mockPattern
	fallback  string
	callCount int
	lastMsgs  []ChatMessage
}

type mockPattern struct {
	substr  string
	content string
}

// NewMock creates a mock provider. name shows up in ProviderName, which
// makes failures in multi-provider tests attributable.
func NewMock(name string) *MockProvider {
	return &MockProvider{name: name, fallback: "mock response"}
}

// Enqueue appends a scripted response.
func (m *MockProvider) Enqueue(content string) *MockProvider {
	m.mu.Lock()
	m.queue = append(m.queue, CompletionResponse{Content: content, FinishReason: FinishStop})
	m.mu.Unlock()
	return m
}

// EnqueueResponse appends a fully-specified scripted response.
func (m *MockProvider) EnqueueResponse(resp CompletionResponse) *MockProvider {
	m.mu.Lock()
	m.queue = append(m.queue, resp)
	m.mu.Unlock()
	return m
}

// Respond registers a rule: when the last user message contains substr,
// reply with content. Rules apply only when the queue is empty.
func (m *MockProvider) Respond(substr, content string) *MockProvider {
	m.mu.Lock()
	m.patterns = append(m.patterns, mockPattern{substr: substr, content: content})
	m.mu.Unlock()
	return m
}

// SetFallback sets the reply used when nothing else matches.
func (m *MockProvider) SetFallback(content string) *MockProvider {
	m.mu.Lock()
	m.fallback = content
	m.mu.Unlock()
	return m
}

// CallCount reports how many Complete calls were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastMessages returns the messages of the most recent call.
func (m *MockProvider) LastMessages() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMsgs
}

func (m *MockProvider) Complete(ctx context.Context, messages []ChatMessage, _ *CompletionConfig) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrOther, Message: "context cancelled", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.lastMsgs = append([]ChatMessage(nil), messages...)

	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return &resp, nil
	}

	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}
	for _, p := range m.patterns {
		if strings.Contains(last, p.substr) {
			return &CompletionResponse{Content: p.content, FinishReason: FinishStop}, nil
		}
	}
	return &CompletionResponse{Content: m.fallback, FinishReason: FinishStop}, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, messages []ChatMessage, cfg *CompletionConfig) (<-chan StreamChunk, error) {
	resp, err := m.Complete(ctx, messages, cfg)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Delta: resp.Content}
	ch <- StreamChunk{IsFinal: true, FinishReason: resp.FinishReason, Usage: resp.Usage}
	close(ch)
	return ch, nil
}

func (m *MockProvider) ProviderName() string { return m.name }

func (m *MockProvider) Supports(f Feature) bool { return f == FeatureStreaming }
