package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/process"
	"github.com/spindle-dev/spindle/pkg/state"
	"github.com/spindle-dev/spindle/pkg/template"
)

// runLoop is the model/tool loop of one turn. It returns the final content
// after output processing, the tool calls made, and the number of model
// calls. Reaching max_iterations without a final reply is a hard abort.
func (a *Agent) runLoop(ctx context.Context, input string, inputData *process.Data) (string, []ToolCall, int, error) {
	maxIterations := a.spec.maxIterations()
	provider, alias, err := a.activeProvider()
	if err != nil {
		return "", nil, 0, err
	}

	var calls []ToolCall
	var feedback string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := a.enforceBudget(ctx); err != nil {
			return "", nil, iteration - 1, err
		}
		a.maybeCompact(ctx)

		messages, err := a.buildMessages(feedback)
		if err != nil {
			return "", nil, iteration - 1, err
		}
		feedback = ""

		a.hooks.OnLLMStart(ctx, messages)
		start := time.Now()

		var resp *llm.CompletionResponse
		err = a.recovery.WithRetry(ctx, "llm:"+alias, nil, func() error {
			var cerr error
			resp, cerr = provider.Complete(ctx, messages, a.completionConfig())
			return cerr
		})
		duration := time.Since(start)
		a.hooks.OnLLMComplete(ctx, resp, duration)
		if err != nil {
			return "", nil, iteration, fmt.Errorf("runtime: model call: %w", err)
		}

		content := strings.TrimSpace(resp.Content)

		// A JSON object {"tool": ..., "arguments": ...} is a tool call; the
		// result goes back as a tool-role message and the loop continues.
		if call, ok := parseToolCall(content); ok {
			calls = append(calls, call)
			a.hooks.OnToolStart(ctx, call.Name, call.Arguments)

			toolStart := time.Now()
			res, terr := a.runGatedTool(ctx, call.Name, call.Arguments)
			if terr != nil {
				res.Success = false
				res.Output = terr.Error()
			}
			a.hooks.OnToolComplete(ctx, call.Name, res, time.Since(toolStart))

			output := res.Output
			if !res.Success {
				output = "Error: " + res.Output
			}
			a.mem.Add(llm.ToolMsg(call.Name, output))
			continue
		}

		// Final text: run output processing, honoring regenerate requests
		// while iterations remain.
		outData, perr := a.processOutput(ctx, content, inputData)
		if perr != nil {
			return "", calls, iteration, perr
		}
		if outData.Metadata.Rejected {
			return outData.Metadata.RejectionReason, calls, iteration, nil
		}
		if outData.Metadata.Regenerate && iteration < maxIterations {
			feedback = outData.Metadata.Feedback
			if feedback == "" {
				feedback = "The previous answer did not meet the quality bar. Improve it."
			}
			a.logger.Info("output regeneration requested", "iteration", iteration)
			continue
		}
		return outData.Content, calls, iteration, nil
	}

	return "", calls, maxIterations, fmt.Errorf("runtime: max iterations (%d) exceeded", maxIterations)
}

// activeProvider resolves the model for the current state (state llm alias,
// falling back to default).
func (a *Agent) activeProvider() (llm.Provider, string, error) {
	alias := llm.AliasDefault
	if a.machine != nil {
		if def := a.machine.CurrentDefinition(); def != nil && def.LLM != "" {
			alias = def.LLM
		}
	}
	p, err := a.registry.Get(alias)
	if err != nil {
		return nil, alias, err
	}
	return p, alias, nil
}

func (a *Agent) completionConfig() *llm.CompletionConfig {
	if a.spec.LLM == nil {
		return nil
	}
	return &llm.CompletionConfig{
		MaxTokens:   a.spec.LLM.MaxTokens,
		Temperature: a.spec.LLM.Temperature,
	}
}

// enforceBudget applies the configured token budget before a model call.
func (a *Agent) enforceBudget(ctx context.Context) error {
	if a.spec.Memory == nil || a.spec.Memory.TokenBudget == nil {
		return nil
	}
	check, err := a.spec.Memory.TokenBudget.Enforce(ctx, a.mem)
	if err != nil {
		return err
	}
	if check.Warned {
		a.logger.Warn("token budget nearly exhausted",
			"tokens", check.Tokens, "budget", a.spec.Memory.TokenBudget.Total)
	}
	return nil
}

// maybeCompact folds older history into the summary when the compacting
// window is due. Compaction failures are logged; the turn continues with
// the uncompacted window.
func (a *Agent) maybeCompact(ctx context.Context) {
	comp, ok := a.mem.(memory.Compacting)
	if !ok || !comp.NeedsCompression() {
		return
	}
	if _, err := comp.Compress(ctx, nil); err != nil {
		a.logger.Warn("compaction failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Message assembly
// ---------------------------------------------------------------------------

// buildMessages renders the window for one model call: system prompt (with
// the state prompt merged per its mode), the tool protocol block, the
// rolling summary, and the recent messages truncated to max_context_tokens.
func (a *Agent) buildMessages(feedback string) ([]llm.ChatMessage, error) {
	vars := map[string]any{
		"name":    a.spec.Name,
		"context": a.Context(),
	}

	system, err := template.Render(a.spec.SystemPrompt, vars)
	if err != nil {
		return nil, err
	}

	if a.machine != nil {
		if def := a.machine.CurrentDefinition(); def != nil && def.Prompt != "" {
			statePrompt, perr := template.Render(def.Prompt, vars)
			if perr != nil {
				return nil, perr
			}
			switch def.PromptMode {
			case state.PromptReplace:
				system = statePrompt
			case state.PromptPrepend:
				system = statePrompt + "\n\n" + system
			default: // append
				system = system + "\n\n" + statePrompt
			}
		}
	}

	if toolsPrompt := a.buildToolsPrompt(); toolsPrompt != "" {
		system += toolsPrompt
	}

	messages := []llm.ChatMessage{llm.System(system)}

	var window []llm.ChatMessage
	if comp, ok := a.mem.(memory.Compacting); ok {
		mc := comp.Context()
		if mc.Summary != "" {
			messages = append(messages, llm.System("Summary of the earlier conversation:\n"+mc.Summary))
		}
		window = mc.Messages
	} else {
		window = a.mem.Messages(0)
	}

	window = truncateWindow(window, a.spec.maxContextTokens())
	messages = append(messages, window...)

	if feedback != "" {
		messages = append(messages, llm.User("Revise your previous answer. "+feedback))
	}
	return messages, nil
}

// truncateWindow drops the oldest messages until the window fits the token
// budget, always keeping the latest two.
func truncateWindow(window []llm.ChatMessage, maxTokens int) []llm.ChatMessage {
	if maxTokens <= 0 {
		return window
	}
	for len(window) > 2 && llm.EstimateMessagesTokens(window) > maxTokens {
		window = window[1:]
	}
	return window
}

// buildToolsPrompt describes the available tools and the JSON call
// protocol. No tools, no block.
func (a *Agent) buildToolsPrompt() string {
	ids := a.availableToolIDs()
	if len(ids) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nYou can use the following tools. To call one, reply with ONLY a JSON object ")
	sb.WriteString(`{"tool": "<id>", "arguments": {...}} and nothing else. `)
	sb.WriteString("The result will be provided to you; then answer the user.\n")
	for _, id := range ids {
		t, ok := a.tools.Get(id)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", t.ID(), t.Description())
		if schema := t.InputSchema(); len(schema) > 0 {
			fmt.Fprintf(&sb, "  arguments schema: %s\n", string(schema))
		}
	}
	return sb.String()
}

// availableToolIDs lists the tools the current state exposes (with
// conditional refs filtered against the context), or every registered tool
// when no state machine narrows them.
func (a *Agent) availableToolIDs() []string {
	if a.machine == nil {
		return a.tools.IDs()
	}
	def := a.machine.CurrentDefinition()
	if def == nil {
		return a.tools.IDs()
	}
	refs := def.EffectiveTools(a.machine.ParentDefinition())
	if len(refs) == 0 {
		return a.tools.IDs()
	}

	userCtx := a.Context()
	seen := make(map[string]bool, len(refs))
	var ids []string
	for _, ref := range refs {
		if seen[ref.ID] {
			continue
		}
		if len(ref.Condition) > 0 && !state.EvalMatchers(ref.Condition, userCtx) {
			continue
		}
		seen[ref.ID] = true
		ids = append(ids, ref.ID)
	}
	return ids
}

// parseToolCall recognizes the {"tool": ..., "arguments": ...} protocol.
func parseToolCall(content string) (ToolCall, bool) {
	if !strings.HasPrefix(content, "{") {
		return ToolCall{}, false
	}
	var parsed struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.Tool == "" {
		return ToolCall{}, false
	}
	if parsed.Arguments == nil {
		parsed.Arguments = map[string]any{}
	}
	return ToolCall{ID: uuid.NewString(), Name: parsed.Tool, Arguments: parsed.Arguments}, true
}
