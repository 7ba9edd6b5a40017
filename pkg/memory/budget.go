package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// OverflowStrategy selects what happens when the window exceeds the budget.
type OverflowStrategy string

const (
	OverflowSummarizeMore  OverflowStrategy = "summarize_more"
	OverflowTruncateOldest OverflowStrategy = "truncate_oldest"
	OverflowError          OverflowStrategy = "error"
)

// ErrBudgetExceeded fails the turn under the "error" overflow strategy.
var ErrBudgetExceeded = errors.New("memory: token budget exceeded")

// BudgetAllocation splits the total budget between window parts.
type BudgetAllocation struct {
	Summary        int `yaml:"summary" json:"summary"`
	RecentMessages int `yaml:"recent_messages" json:"recent_messages"`
	Facts          int `yaml:"facts" json:"facts"`
}

// TokenBudget bounds the rendered model window. Tokens are estimated as
// ceil(chars/4).
type TokenBudget struct {
	Total            int              `yaml:"total" json:"total"`
	Allocation       BudgetAllocation `yaml:"allocation" json:"allocation"`
	OverflowStrategy OverflowStrategy `yaml:"overflow_strategy" json:"overflow_strategy"`
	WarnAtPercent    int              `yaml:"warn_at_percent" json:"warn_at_percent"`
}

// BudgetCheck reports the outcome of one enforcement pass.
type BudgetCheck struct {
	Tokens   int
	Overflow bool
	Warned   bool
	// Evicted counts messages removed under truncate_oldest.
	Evicted int
	// Compactions counts Compress rounds run under summarize_more.
	Compactions int
}

// WindowTokens estimates the tokens of summary + messages.
func WindowTokens(summary string, msgs []llm.ChatMessage) int {
	total := llm.EstimateTokens(summary)
	total += llm.EstimateMessagesTokens(msgs)
	return total
}

// Enforce brings mem's window under the budget using the configured
// strategy. It runs at most once per call and reports what it did; the
// "error" strategy returns ErrBudgetExceeded with the window untouched.
func (b *TokenBudget) Enforce(ctx context.Context, mem Memory) (BudgetCheck, error) {
	if b == nil || b.Total <= 0 {
		return BudgetCheck{}, nil
	}

	check := BudgetCheck{Tokens: b.windowTokens(mem)}
	if b.WarnAtPercent > 0 && check.Tokens*100 >= b.Total*b.WarnAtPercent {
		check.Warned = true
	}
	if check.Tokens <= b.Total {
		return check, nil
	}
	check.Overflow = true

	switch b.OverflowStrategy {
	case OverflowError:
		return check, fmt.Errorf("%w: %d tokens over a budget of %d", ErrBudgetExceeded, check.Tokens, b.Total)

	case OverflowSummarizeMore:
		comp, ok := mem.(Compacting)
		if !ok {
			// Nothing to summarize into; degrade to eviction.
			return b.truncate(mem, check)
		}
		for check.Tokens > b.Total {
			res, err := comp.Compress(ctx, nil)
			if err != nil {
				return check, err
			}
			if !res.Compressed {
				break // no progress possible
			}
			check.Compactions++
			check.Tokens = b.windowTokens(mem)
		}
		return check, nil

	default: // truncate_oldest
		return b.truncate(mem, check)
	}
}

func (b *TokenBudget) truncate(mem Memory, check BudgetCheck) (BudgetCheck, error) {
	for check.Tokens > b.Total && mem.Len() > 1 {
		evicted := mem.EvictOldest(1)
		if len(evicted) == 0 {
			break
		}
		check.Evicted++
		check.Tokens = b.windowTokens(mem)
	}
	return check, nil
}

func (b *TokenBudget) windowTokens(mem Memory) int {
	if comp, ok := mem.(Compacting); ok {
		mc := comp.Context()
		return WindowTokens(mc.Summary, mc.Messages)
	}
	return WindowTokens("", mem.Messages(0))
}
