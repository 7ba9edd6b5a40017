package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spindle-dev/spindle/pkg/llm"
)

func addN(m Memory, n int) {
	for i := 0; i < n; i++ {
		m.Add(llm.User(fmt.Sprintf("message %d", i)))
	}
}

// ---------------------------------------------------------------------------
// Simple
// ---------------------------------------------------------------------------

func TestSimple_BoundedWindow(t *testing.T) {
	m := NewSimple(3)
	addN(m, 5)
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	msgs := m.Messages(0)
	if msgs[0].Content != "message 2" {
		t.Errorf("oldest = %q, want message 2", msgs[0].Content)
	}
}

func TestSimple_Limit(t *testing.T) {
	m := NewSimple(0)
	addN(m, 10)
	msgs := m.Messages(4)
	if len(msgs) != 4 || msgs[0].Content != "message 6" {
		t.Errorf("Messages(4) = %d msgs starting %q", len(msgs), msgs[0].Content)
	}
}

func TestSimple_SnapshotRestoreRoundTrip(t *testing.T) {
	m := NewSimple(0)
	addN(m, 4)
	snap := m.Snapshot()

	m2 := NewSimple(0)
	m2.Restore(snap)
	if m2.Len() != 4 {
		t.Fatalf("restored Len = %d, want 4", m2.Len())
	}
	for i, msg := range m2.Messages(0) {
		if msg.Content != fmt.Sprintf("message %d", i) {
			t.Errorf("msg %d = %q", i, msg.Content)
		}
	}
}

func TestSimple_EvictOldest(t *testing.T) {
	m := NewSimple(0)
	addN(m, 5)
	evicted := m.EvictOldest(2)
	if len(evicted) != 2 || evicted[0].Content != "message 0" {
		t.Errorf("evicted = %v", evicted)
	}
	if m.Len() != 3 {
		t.Errorf("Len after evict = %d, want 3", m.Len())
	}
}

// ---------------------------------------------------------------------------
// Compacting
// ---------------------------------------------------------------------------

func TestCompacting_NoopSummarizer(t *testing.T) {
	m := NewCompacting(Noop{}, CompactingConfig{CompressThreshold: 5, SummarizeBatchSize: 3, MaxSummaryLength: 100})
	addN(m, 6)

	res, err := m.Compress(context.Background(), nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !res.Compressed || res.MessagesSummarized != 3 {
		t.Fatalf("result = %+v, want 3 messages summarized", res)
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d, want 3", m.Len())
	}
	if m.SummarizedCount() != 3 {
		t.Errorf("SummarizedCount = %d, want 3", m.SummarizedCount())
	}
	if h := m.CompressionHistory(); len(h) != 1 || h[0].MessagesCompressed != 3 {
		t.Errorf("history = %v", h)
	}
}

func TestCompacting_BelowThresholdIsNoop(t *testing.T) {
	m := NewCompacting(Noop{}, CompactingConfig{CompressThreshold: 10, SummarizeBatchSize: 3, MaxSummaryLength: 100})
	addN(m, 4)
	res, err := m.Compress(context.Background(), nil)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed {
		t.Error("should not compress below threshold")
	}
	if m.Len() != 4 {
		t.Errorf("Len changed: %d", m.Len())
	}
}

type fixedSummarizer struct{ text string }

func (f fixedSummarizer) Summarize(context.Context, []llm.ChatMessage) (string, error) {
	return f.text, nil
}
func (f fixedSummarizer) MergeSummaries(_ context.Context, s []string) (string, error) {
	return strings.Join(s, " | "), nil
}

func TestCompacting_SummaryAccountingInvariant(t *testing.T) {
	m := NewCompacting(fixedSummarizer{text: "digest"}, CompactingConfig{CompressThreshold: 4, SummarizeBatchSize: 2, MaxSummaryLength: 1000})

	total := 0
	for round := 0; round < 3; round++ {
		addN(m, 4)
		total += 4
		if _, err := m.Compress(context.Background(), nil); err != nil {
			t.Fatalf("Compress: %v", err)
		}
		if got := m.SummarizedCount() + m.Len(); got != total {
			t.Fatalf("round %d: summarized+window = %d, want %d", round, got, total)
		}
	}
	if m.Summary() == "" {
		t.Error("summary should be set")
	}
}

func TestCompacting_SummaryClamped(t *testing.T) {
	m := NewCompacting(fixedSummarizer{text: strings.Repeat("x", 50)}, CompactingConfig{CompressThreshold: 2, SummarizeBatchSize: 2, MaxSummaryLength: 10})
	addN(m, 2)
	if _, err := m.Compress(context.Background(), nil); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if got := len(m.Summary()); got != 10 {
		t.Errorf("summary length = %d, want 10", got)
	}
}

func TestCompacting_RestoreKeepsSummary(t *testing.T) {
	m := NewCompacting(fixedSummarizer{text: "digest"}, CompactingConfig{CompressThreshold: 2, SummarizeBatchSize: 2, MaxSummaryLength: 100})
	addN(m, 2)
	if _, err := m.Compress(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()

	m2 := NewCompacting(Noop{}, DefaultCompactingConfig())
	m2.Restore(snap)
	if m2.Summary() != "digest" {
		t.Errorf("restored summary = %q", m2.Summary())
	}
}

// ---------------------------------------------------------------------------
// Token budget
// ---------------------------------------------------------------------------

func TestBudget_UnderBudgetNoAction(t *testing.T) {
	m := NewSimple(0)
	m.Add(llm.User("hi"))
	b := &TokenBudget{Total: 1000, OverflowStrategy: OverflowTruncateOldest}
	check, err := b.Enforce(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if check.Overflow || check.Evicted != 0 {
		t.Errorf("check = %+v", check)
	}
}

func TestBudget_TruncateOldest(t *testing.T) {
	m := NewSimple(0)
	for i := 0; i < 10; i++ {
		m.Add(llm.User(strings.Repeat("a", 400))) // ~100 tokens each
	}
	b := &TokenBudget{Total: 300, OverflowStrategy: OverflowTruncateOldest}
	check, err := b.Enforce(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if !check.Overflow || check.Evicted == 0 {
		t.Fatalf("check = %+v, want eviction", check)
	}
	if got := WindowTokens("", m.Messages(0)); got > 300 {
		t.Errorf("window still over budget: %d", got)
	}
}

func TestBudget_ErrorStrategy(t *testing.T) {
	m := NewSimple(0)
	m.Add(llm.User(strings.Repeat("a", 4000)))
	b := &TokenBudget{Total: 10, OverflowStrategy: OverflowError}
	_, err := b.Enforce(context.Background(), m)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestBudget_SummarizeMore(t *testing.T) {
	m := NewCompacting(fixedSummarizer{text: "s"}, CompactingConfig{CompressThreshold: 2, SummarizeBatchSize: 2, MaxSummaryLength: 100})
	for i := 0; i < 8; i++ {
		m.Add(llm.User(strings.Repeat("b", 400)))
	}
	b := &TokenBudget{Total: 250, OverflowStrategy: OverflowSummarizeMore}
	check, err := b.Enforce(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if check.Compactions == 0 {
		t.Fatalf("check = %+v, want compactions", check)
	}
	mc := m.Context()
	if got := WindowTokens(mc.Summary, mc.Messages); got > 250 {
		t.Errorf("window still over budget: %d", got)
	}
}

func TestBudget_WarnThreshold(t *testing.T) {
	m := NewSimple(0)
	m.Add(llm.User(strings.Repeat("a", 360))) // 90 tokens
	b := &TokenBudget{Total: 100, OverflowStrategy: OverflowTruncateOldest, WarnAtPercent: 80}
	check, err := b.Enforce(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if !check.Warned || check.Overflow {
		t.Errorf("check = %+v, want warned without overflow", check)
	}
}
