package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
)

// ErrApprovalTimeout fails the call under TimeoutError.
var ErrApprovalTimeout = errors.New("gate: approval timed out")

// Verdict is the gate's decision for one check.
type Verdict struct {
	Allowed bool
	// Reason explains a block; it is surfaced to the model as the tool
	// failure text.
	Reason string
	// Outcome is set when an approval round trip happened.
	Outcome Outcome
}

func allow() Verdict { return Verdict{Allowed: true} }
func block(reason string) Verdict { return Verdict{Allowed: false, Reason: reason} }

// tracker counts per-tool calls over a sliding window.
type tracker struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func newTracker() *tracker {
	return &tracker{calls: make(map[string][]time.Time)}
}

func (t *tracker) record(id string) {
	t.mu.Lock()
	t.calls[id] = append(t.calls[id], time.Now())
	t.mu.Unlock()
}

func (t *tracker) inWindow(id string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.calls[id][:0:0]
	for _, at := range t.calls[id] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	t.calls[id] = recent
	return len(recent)
}

func (t *tracker) reset() {
	t.mu.Lock()
	t.calls = make(map[string][]time.Time)
	t.mu.Unlock()
}

// Engine runs the security and approval checks. One engine is owned by one
// session; the call tracker is session-scoped state.
type Engine struct {
	config  Config
	tracker *tracker
	handler Handler
	res     *resolver
	logger  *slog.Logger
}

// NewEngine creates a gate engine. handler may be nil when no policy
// requires confirmation; registry feeds the llm_generate message strategy
// and may be nil.
func NewEngine(cfg Config, handler Handler, registry *llm.Registry) *Engine {
	return &Engine{
		config:  cfg,
		tracker: newTracker(),
		handler: handler,
		res:     &resolver{global: cfg.MessageLanguage, registry: registry, handler: handler},
		logger:  slog.Default(),
	}
}

// WithLogger overrides the default logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

func (e *Engine) Config() Config { return e.config }

// ResetSession clears the per-session rate tracker.
func (e *Engine) ResetSession() { e.tracker.reset() }

// CheckTool runs the full per-tool check chain: enabled → rate limit →
// domain lists → path list → confirmation. An allowed call is recorded in
// the rate tracker. userLang feeds message localization.
func (e *Engine) CheckTool(ctx context.Context, toolID string, args map[string]any, userLang string) (Verdict, error) {
	if !e.config.Enabled {
		return allow(), nil
	}

	policy, configured := e.config.Tools[toolID]
	if configured {
		if !policy.enabled() {
			return block(fmt.Sprintf("Tool %q is disabled", toolID)), nil
		}

		if policy.RateLimit > 0 {
			if calls := e.tracker.inWindow(toolID, time.Minute); calls >= policy.RateLimit {
				return block(fmt.Sprintf("Rate limit exceeded for tool %q: %d calls per minute", toolID, policy.RateLimit)), nil
			}
		}

		if url, ok := args["url"].(string); ok {
			for _, blocked := range policy.BlockedDomains {
				if blocked != "" && containsDomain(url, blocked) {
					return block(fmt.Sprintf("Domain %q is blocked for tool %q", blocked, toolID)), nil
				}
			}
			if len(policy.AllowedDomains) > 0 {
				allowed := false
				for _, domain := range policy.AllowedDomains {
					if containsDomain(url, domain) {
						allowed = true
						break
					}
				}
				if !allowed {
					return block(fmt.Sprintf("URL domain not in allowed list for tool %q", toolID)), nil
				}
			}
		}

		if path, ok := args["path"].(string); ok && len(policy.AllowedPaths) > 0 {
			allowed := false
			for _, prefix := range policy.AllowedPaths {
				if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
					allowed = true
					break
				}
			}
			if !allowed {
				return block(fmt.Sprintf("Path not in allowed list for tool %q", toolID)), nil
			}
		}

		if policy.RequireConfirmation {
			msgCtx := approvalContext(args, policy.ApprovalContext)
			msgCtx["tool"] = toolID
			message := e.res.resolve(ctx, policy.ApprovalMessage, policy.MessageLanguage, msgCtx, userLang,
				fmt.Sprintf("Confirm execution of tool %q?", toolID))

			verdict, err := e.awaitApproval(ctx, NewRequest(KindTool, toolID, message, msgCtx), e.config.timeoutFor(policy.TimeoutSeconds))
			if err != nil || !verdict.Allowed {
				return verdict, err
			}
			e.tracker.record(toolID)
			return verdict, nil
		}
	}

	e.tracker.record(toolID)
	return allow(), nil
}

// CheckConditions evaluates the approval conditions against a payload and
// runs the approval flow for the first matching rule that requires one.
func (e *Engine) CheckConditions(ctx context.Context, data map[string]any, userLang string) (Verdict, error) {
	if !e.config.Enabled {
		return allow(), nil
	}
	for _, cond := range e.config.Conditions {
		if !EvalExpr(cond.When, data) {
			continue
		}
		if !cond.RequireApproval {
			continue
		}
		message := e.res.resolve(ctx, cond.ApprovalMessage, cond.MessageLanguage, data, userLang,
			fmt.Sprintf("Approve condition %q?", cond.Name))
		return e.awaitApproval(ctx, NewRequest(KindCondition, cond.Name, message, data), e.config.timeoutFor(0))
	}
	return allow(), nil
}

// CheckTransition gates entry into a state.
func (e *Engine) CheckTransition(ctx context.Context, from, to string, userLang string) (Verdict, error) {
	if !e.config.Enabled {
		return allow(), nil
	}
	policy, ok := e.config.States[to]
	if !ok || policy.OnEnter != "always" {
		return allow(), nil
	}

	msgCtx := map[string]any{"from": from, "to": to}
	message := e.res.resolve(ctx, policy.ApprovalMessage, policy.MessageLanguage, msgCtx, userLang,
		fmt.Sprintf("Approve transition to state %q?", to))
	return e.awaitApproval(ctx, NewRequest(KindTransition, to, message, msgCtx), e.config.timeoutFor(policy.TimeoutSeconds))
}

// awaitApproval calls the handler under the configured timeout and maps
// the outcome per on_timeout.
func (e *Engine) awaitApproval(ctx context.Context, req Request, timeoutSeconds int) (Verdict, error) {
	if e.handler == nil {
		return block(fmt.Sprintf("Confirmation required: %s", req.Message)), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	outcome, err := e.handler.RequestApproval(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = Timeout
		} else {
			return Verdict{}, fmt.Errorf("gate: approval handler: %w", err)
		}
	}

	switch outcome {
	case Approved:
		return Verdict{Allowed: true, Outcome: Approved}, nil
	case Rejected:
		e.logger.Warn("approval rejected", "kind", req.Kind, "name", req.Name)
		return Verdict{Allowed: false, Outcome: Rejected, Reason: fmt.Sprintf("Approval rejected: %s", req.Message)}, nil
	default: // Timeout
		switch e.config.OnTimeout {
		case TimeoutApprove:
			return Verdict{Allowed: true, Outcome: Timeout}, nil
		case TimeoutError:
			return Verdict{Allowed: false, Outcome: Timeout}, ErrApprovalTimeout
		default:
			return Verdict{Allowed: false, Outcome: Timeout, Reason: "Approval timed out"}, nil
		}
	}
}

func approvalContext(args map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(args)+1)
	if len(keys) == 0 {
		for k, v := range args {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}
	return out
}

// containsDomain matches by substring: hosts, subdomains, and ports all
// match without a URL parser, at the cost of matching path segments too.
func containsDomain(url, domain string) bool {
	return domain != "" && strings.Contains(url, domain)
}
