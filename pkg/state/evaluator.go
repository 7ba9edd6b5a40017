package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/template"
)

// TransitionContext carries everything transition selection may consult.
type TransitionContext struct {
	UserMessage       string
	AssistantResponse string
	CurrentState      string
	Context           map[string]any
}

// Evaluator selects at most one transition from an ordered candidate list.
// The returned index refers to the candidates slice as passed.
type Evaluator interface {
	SelectTransition(ctx context.Context, candidates []Transition, tc *TransitionContext) (int, bool, error)
}

// LLMEvaluator is the standard three-phase evaluator:
//
//  1. guards — deterministic, first match wins, no model call
//  2. resolved intent — deterministic match on context["resolved_intent"]
//  3. one classification call to the router model over the remaining
//     candidates' `when` clauses
//
// An empty candidate list short-circuits with no transition and no call.
type LLMEvaluator struct {
	Provider llm.Provider
}

// NewLLMEvaluator wires the evaluator to a (router) provider. A nil
// provider skips phase 3.
func NewLLMEvaluator(p llm.Provider) *LLMEvaluator {
	return &LLMEvaluator{Provider: p}
}

func (e *LLMEvaluator) SelectTransition(ctx context.Context, candidates []Transition, tc *TransitionContext) (int, bool, error) {
	if len(candidates) == 0 {
		return 0, false, nil
	}

	// Phase 1: guards.
	for i, t := range candidates {
		if t.Guard != nil && EvalGuard(t.Guard, tc) {
			return i, true, nil
		}
	}

	// Phase 2: resolved intent, written by disambiguation.
	if resolved, ok := tc.Context["resolved_intent"].(string); ok && resolved != "" {
		for i, t := range candidates {
			if t.Intent != "" && t.Intent == resolved {
				return i, true, nil
			}
		}
	}

	// Phase 3: model classification over candidates that still qualify.
	type numbered struct {
		idx int
		t   Transition
	}
	var pool []numbered
	for i, t := range candidates {
		if t.When != "" && t.Guard == nil {
			pool = append(pool, numbered{idx: i, t: t})
		}
	}
	if len(pool) == 0 || e.Provider == nil {
		return 0, false, nil
	}

	var conditions strings.Builder
	for display, n := range pool {
		fmt.Fprintf(&conditions, "%d. %s\n", display+1, n.t.When)
	}

	prompt := fmt.Sprintf(`Based on the conversation, which condition is met?

Current state: %s
User message: %s
Assistant response: %s

Conditions:
%s0. None of the above

Reply with ONLY the number (0-%d).`,
		tc.CurrentState, tc.UserMessage, tc.AssistantResponse,
		conditions.String(), len(pool))

	resp, err := e.Provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, nil)
	if err != nil {
		return 0, false, fmt.Errorf("state: transition classification: %w", err)
	}

	choice := firstInt(resp.Content)
	if choice <= 0 || choice > len(pool) {
		return 0, false, nil
	}
	return pool[choice-1].idx, true, nil
}

// firstInt parses the first integer in s, or -1.
func firstInt(s string) int {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, _ := strconv.Atoi(s[start:i])
			return n
		}
	}
	if start >= 0 {
		n, _ := strconv.Atoi(s[start:])
		return n
	}
	return -1
}

// ---------------------------------------------------------------------------
// Guard evaluation (deterministic, no model calls)
// ---------------------------------------------------------------------------

// EvalGuard evaluates a guard against the transition context.
func EvalGuard(g *Guard, tc *TransitionContext) bool {
	switch {
	case g.Expression != "":
		return evalExpression(g.Expression, tc)
	case len(g.All) > 0:
		for _, e := range g.All {
			if !evalExpression(e, tc) {
				return false
			}
		}
		return true
	case len(g.Any) > 0:
		for _, e := range g.Any {
			if evalExpression(e, tc) {
				return true
			}
		}
		return false
	case len(g.Context) > 0:
		return EvalMatchers(g.Context, tc.Context)
	}
	return false
}

// evalExpression handles `{{ context.path OP literal }}` and the bare
// `{{ context.path }}` existence form. A non-template string evaluates to
// its non-emptiness.
func evalExpression(expr string, tc *TransitionContext) bool {
	expr = strings.TrimSpace(expr)
	if !strings.Contains(expr, "{{") {
		return expr != ""
	}
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "{{"), "}}"))

	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		idx := strings.Index(inner, op)
		if idx < 0 {
			continue
		}
		// ">" inside ">=" etc. — the two-char ops come first, so a match on
		// a one-char op at the same position is real.
		left := strings.TrimSpace(inner[:idx])
		right := strings.TrimSpace(inner[idx+len(op):])
		lv, ok := resolveOperand(left, tc)
		if !ok {
			return false
		}
		return compare(lv, op, parseLiteral(right))
	}

	// Bare path: existence check.
	_, ok := resolveOperand(inner, tc)
	return ok
}

func resolveOperand(expr string, tc *TransitionContext) (any, bool) {
	switch {
	case strings.HasPrefix(expr, "context."):
		return template.Lookup(tc.Context, strings.TrimPrefix(expr, "context."))
	case expr == "state.current":
		return tc.CurrentState, true
	}
	return nil, false
}

func parseLiteral(s string) any {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func compare(left any, op string, right any) bool {
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return lf > rf
	case ">=":
		return lf >= rf
	case "<":
		return lf < rf
	case "<=":
		return lf <= rf
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// EvalMatchers applies every matcher to the context; all must hold.
func EvalMatchers(matchers map[string]Matcher, ctx map[string]any) bool {
	for path, m := range matchers {
		v, ok := template.Lookup(ctx, path)
		if !matchValue(v, ok, m) {
			return false
		}
	}
	return true
}

func matchValue(v any, present bool, m Matcher) bool {
	switch {
	case m.Exists != nil:
		return *m.Exists == present
	case m.Op != "":
		if !present {
			return false
		}
		return applyOp(v, m.Op, m.Value)
	default:
		return present && looseEqual(v, m.Exact)
	}
}

func applyOp(v any, op string, arg any) bool {
	switch op {
	case "eq":
		return looseEqual(v, arg)
	case "neq":
		return !looseEqual(v, arg)
	case "gt", "gte", "lt", "lte":
		sym := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
		return compare(v, sym, arg)
	case "in":
		items, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if looseEqual(v, item) {
				return true
			}
		}
		return false
	case "contains":
		needle := fmt.Sprint(arg)
		switch t := v.(type) {
		case string:
			return strings.Contains(t, needle)
		case []any:
			for _, item := range t {
				if looseEqual(item, needle) {
					return true
				}
			}
		}
		return false
	}
	return false
}
