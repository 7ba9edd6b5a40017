package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/template"
	"github.com/spindle-dev/spindle/pkg/tools"
)

// ToolRunner executes one tool call. The orchestrator passes its gated
// dispatch here so skill tool steps go through the same security checks as
// loop tool calls.
type ToolRunner func(ctx context.Context, id string, args map[string]any) (tools.Result, error)

// Executor runs a skill's steps sequentially. Skills receive a read-only
// view of the tool registry and a model handle, never the orchestrator.
type Executor struct {
	registry *llm.Registry
	runTool  ToolRunner
}

// NewExecutor creates an executor. runTool may be nil, in which case tool
// steps fail.
func NewExecutor(registry *llm.Registry, runTool ToolRunner) *Executor {
	return &Executor{registry: registry, runTool: runTool}
}

// Execute runs the skill against input. userCtx seeds the template
// variables; step outputs accumulate under "steps.<name>" (and
// "steps.last"). The returned string is the final content.
func (e *Executor) Execute(ctx context.Context, def *Definition, input string, userCtx map[string]any) (string, error) {
	vars := map[string]any{
		"input":   input,
		"context": userCtx,
		"steps":   map[string]any{},
	}
	stepOutputs := vars["steps"].(map[string]any)

	var outputs []string
	for i, step := range def.Steps {
		var out string
		var err error
		if step.IsTool() {
			out, err = e.runToolStep(ctx, &step, vars)
		} else {
			out, err = e.runPromptStep(ctx, &step, vars)
		}
		if err != nil {
			return "", fmt.Errorf("skill %q step %d: %w", def.ID, i, err)
		}

		if step.StoreAs != "" {
			stepOutputs[step.StoreAs] = out
		}
		stepOutputs["last"] = out
		outputs = append(outputs, out)
	}

	if def.Joiner != "" {
		return strings.Join(outputs, def.Joiner), nil
	}
	if len(outputs) == 0 {
		return "", nil
	}
	return outputs[len(outputs)-1], nil
}

func (e *Executor) runPromptStep(ctx context.Context, step *Step, vars map[string]any) (string, error) {
	prompt, err := template.Render(step.Prompt, vars)
	if err != nil {
		return "", err
	}
	provider, err := e.registry.Resolve(step.LLM)
	if err != nil {
		return "", err
	}
	resp, err := provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (e *Executor) runToolStep(ctx context.Context, step *Step, vars map[string]any) (string, error) {
	if e.runTool == nil {
		return "", fmt.Errorf("no tool runner configured")
	}

	// Render string arguments so steps can reference earlier outputs.
	args := make(map[string]any, len(step.Args))
	for k, v := range step.Args {
		if s, ok := v.(string); ok {
			rendered, err := template.Render(s, vars)
			if err != nil {
				return "", err
			}
			args[k] = rendered
			continue
		}
		args[k] = v
	}

	res, err := e.runTool(ctx, step.Tool, args)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("tool %s failed: %s", step.Tool, res.Output)
	}
	return res.Output, nil
}
