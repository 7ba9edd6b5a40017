// Package memory implements conversation memory: a bounded simple store and
// a compacting store that folds older messages into a rolling summary.
package memory

import (
	"context"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// Snapshot is a value copy of memory contents suitable for persistence.
// Summary, when present, represents older messages already compacted.
type Snapshot struct {
	Messages []llm.ChatMessage `json:"messages"`
	Summary  string            `json:"summary,omitempty"`
}

// Context is what the orchestrator renders into the model window: the
// rolling summary (if any) plus the recent message window.
type Context struct {
	Summary         string
	SummarizedCount int
	Messages        []llm.ChatMessage
	// TotalMessages counts every message ever added: window + summarized.
	TotalMessages int
}

// CompressionEvent records one compaction.
type CompressionEvent struct {
	Timestamp           time.Time `json:"timestamp"`
	MessagesCompressed  int       `json:"messages_compressed"`
	SummaryLengthBefore int       `json:"summary_length_before"`
	SummaryLengthAfter  int       `json:"summary_length_after"`
}

// Memory is the conversation store owned by one runtime instance.
type Memory interface {
	// Add appends a message. Messages are immutable once appended.
	Add(m llm.ChatMessage)
	// Messages returns the last limit messages, or all when limit <= 0.
	Messages(limit int) []llm.ChatMessage
	// Clear drops everything, including any summary.
	Clear()
	// Len reports the current window size.
	Len() int
	// Snapshot returns a value copy for persistence.
	Snapshot() Snapshot
	// Restore replaces contents from a snapshot.
	Restore(s Snapshot)
	// EvictOldest removes up to n messages from the head of the window and
	// returns them.
	EvictOldest(n int) []llm.ChatMessage
}

// Compacting is the extended contract of summary-bearing memory.
type Compacting interface {
	Memory
	// Context returns summary + window for prompt assembly.
	Context() Context
	// NeedsCompression reports whether the window has reached the
	// compaction threshold.
	NeedsCompression() bool
	// Compress folds the oldest batch into the summary. A nil summarizer
	// uses the store's configured one.
	Compress(ctx context.Context, s Summarizer) (CompressResult, error)
}

// CompressResult describes what one Compress call did.
type CompressResult struct {
	// Compressed is false when the threshold was not reached.
	Compressed         bool
	MessagesSummarized int
	SummaryLength      int
	TokensSaved        int
}
