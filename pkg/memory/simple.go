package memory

import (
	"sync"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Simple is a bounded message window. When full, the oldest message is
// silently dropped.
type Simple struct {
	mu       sync.Mutex
	messages []llm.ChatMessage
	maxLen   int
}

// NewSimple creates a Simple memory holding at most maxLen messages.
// maxLen <= 0 means unbounded.
func NewSimple(maxLen int) *Simple {
	return &Simple{maxLen: maxLen}
}

func (s *Simple) Add(m llm.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	if s.maxLen > 0 && len(s.messages) > s.maxLen {
		over := len(s.messages) - s.maxLen
		s.messages = append([]llm.ChatMessage(nil), s.messages[over:]...)
	}
}

func (s *Simple) Messages(limit int) []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llm.ChatMessage(nil), msgs...)
}

func (s *Simple) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

func (s *Simple) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Simple) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Messages: append([]llm.ChatMessage(nil), s.messages...)}
}

func (s *Simple) Restore(snap Snapshot) {
	s.mu.Lock()
	s.messages = append([]llm.ChatMessage(nil), snap.Messages...)
	s.mu.Unlock()
}

func (s *Simple) EvictOldest(n int) []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.messages) {
		n = len(s.messages)
	}
	evicted := append([]llm.ChatMessage(nil), s.messages[:n]...)
	s.messages = append([]llm.ChatMessage(nil), s.messages[n:]...)
	return evicted
}
