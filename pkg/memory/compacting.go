package memory

import (
	"context"
	"sync"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// CompactingConfig controls when and how compaction runs.
type CompactingConfig struct {
	// CompressThreshold is the window size at which compaction becomes due.
	CompressThreshold int `yaml:"compress_threshold" json:"compress_threshold"`

	// SummarizeBatchSize is how many of the oldest messages one Compress
	// call folds into the summary.
	SummarizeBatchSize int `yaml:"summarize_batch_size" json:"summarize_batch_size"`

	// MaxSummaryLength clamps the merged summary, in runes.
	MaxSummaryLength int `yaml:"max_summary_length" json:"max_summary_length"`
}

// DefaultCompactingConfig mirrors the defaults specs get when they enable
// compacting memory without tuning it.
func DefaultCompactingConfig() CompactingConfig {
	return CompactingConfig{
		CompressThreshold:  30,
		SummarizeBatchSize: 10,
		MaxSummaryLength:   2000,
	}
}

func (c *CompactingConfig) fillDefaults() {
	d := DefaultCompactingConfig()
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = d.CompressThreshold
	}
	if c.SummarizeBatchSize <= 0 {
		c.SummarizeBatchSize = d.SummarizeBatchSize
	}
	if c.MaxSummaryLength <= 0 {
		c.MaxSummaryLength = d.MaxSummaryLength
	}
}

// CompactingMemory keeps a rolling summary plus a recent window.
//
// Invariants: a summary, once set, is removed only by Clear or Restore;
// summarizedCount never decreases within a session; after a successful
// Compress, Len decreases by exactly the batch size.
type CompactingMemory struct {
	mu              sync.Mutex
	summary         string
	messages        []llm.ChatMessage
	summarizedCount int
	history         []CompressionEvent
	config          CompactingConfig
	summarizer      Summarizer
}

// NewCompacting creates a compacting memory. A nil summarizer defaults to
// Noop.
func NewCompacting(s Summarizer, cfg CompactingConfig) *CompactingMemory {
	if s == nil {
		s = Noop{}
	}
	cfg.fillDefaults()
	return &CompactingMemory{summarizer: s, config: cfg}
}

func (c *CompactingMemory) Config() CompactingConfig { return c.config }

func (c *CompactingMemory) Add(m llm.ChatMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

func (c *CompactingMemory) Messages(limit int) []llm.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llm.ChatMessage(nil), msgs...)
}

func (c *CompactingMemory) Clear() {
	c.mu.Lock()
	c.summary = ""
	c.messages = nil
	c.summarizedCount = 0
	c.history = nil
	c.mu.Unlock()
}

func (c *CompactingMemory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *CompactingMemory) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Messages: append([]llm.ChatMessage(nil), c.messages...),
		Summary:  c.summary,
	}
}

func (c *CompactingMemory) Restore(s Snapshot) {
	c.mu.Lock()
	c.messages = append([]llm.ChatMessage(nil), s.Messages...)
	c.summary = s.Summary
	c.summarizedCount = 0
	c.history = nil
	c.mu.Unlock()
}

func (c *CompactingMemory) EvictOldest(n int) []llm.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.messages) {
		n = len(c.messages)
	}
	evicted := append([]llm.ChatMessage(nil), c.messages[:n]...)
	c.messages = append([]llm.ChatMessage(nil), c.messages[n:]...)
	return evicted
}

func (c *CompactingMemory) Context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Context{
		Summary:         c.summary,
		SummarizedCount: c.summarizedCount,
		Messages:        append([]llm.ChatMessage(nil), c.messages...),
		TotalMessages:   len(c.messages) + c.summarizedCount,
	}
}

func (c *CompactingMemory) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *CompactingMemory) SummarizedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summarizedCount
}

func (c *CompactingMemory) CompressionHistory() []CompressionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompressionEvent(nil), c.history...)
}

func (c *CompactingMemory) NeedsCompression() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages) >= c.config.CompressThreshold
}

// Compress folds the oldest batch into the summary. The summarizer call
// happens outside the lock; the window mutation is re-checked after it.
func (c *CompactingMemory) Compress(ctx context.Context, s Summarizer) (CompressResult, error) {
	if s == nil {
		s = c.summarizer
	}

	c.mu.Lock()
	if len(c.messages) < c.config.CompressThreshold {
		c.mu.Unlock()
		return CompressResult{}, nil
	}
	batch := c.config.SummarizeBatchSize
	if batch > len(c.messages) {
		batch = len(c.messages)
	}
	toSummarize := append([]llm.ChatMessage(nil), c.messages[:batch]...)
	existing := c.summary
	c.mu.Unlock()

	newSummary, err := s.Summarize(ctx, toSummarize)
	if err != nil {
		return CompressResult{}, err
	}

	combined := newSummary
	if existing != "" {
		combined, err = s.MergeSummaries(ctx, []string{existing, newSummary})
		if err != nil {
			return CompressResult{}, err
		}
	}
	if r := []rune(combined); len(r) > c.config.MaxSummaryLength {
		combined = string(r[:c.config.MaxSummaryLength])
	}

	c.mu.Lock()
	if len(c.messages) < batch {
		// The window shrank while the summarizer ran; drop this round.
		c.mu.Unlock()
		return CompressResult{}, nil
	}
	before := len(c.summary)
	c.messages = append([]llm.ChatMessage(nil), c.messages[batch:]...)
	c.summary = combined
	c.summarizedCount += batch
	c.history = append(c.history, CompressionEvent{
		Timestamp:           time.Now(),
		MessagesCompressed:  batch,
		SummaryLengthBefore: before,
		SummaryLengthAfter:  len(combined),
	})
	c.mu.Unlock()

	tokensBefore := llm.EstimateMessagesTokens(toSummarize)
	tokensAfter := llm.EstimateTokens(combined)
	saved := tokensBefore - tokensAfter
	if saved < 0 {
		saved = 0
	}
	return CompressResult{
		Compressed:         true,
		MessagesSummarized: batch,
		SummaryLength:      len(combined),
		TokensSaved:        saved,
	}, nil
}
