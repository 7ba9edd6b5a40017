// Package tools defines the Tool interface, the execution result, and the
// registry the runtime dispatches through.
package tools

import (
	"context"
	"encoding/json"
)

// Result is the output of a tool execution. Output is opaque to the core and
// forwarded verbatim to the next model turn as a tool-role message.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ok builds a successful result.
func Ok(output string) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failed result whose output is the error text.
func Fail(err error) Result {
	return Result{Success: false, Output: err.Error()}
}

// OkJSON marshals v as the output. Marshal failures become failed results so
// a broken tool never silently returns empty output.
func OkJSON(v any) Result {
	b, err := json.Marshal(v)
	if err != nil {
		return Fail(err)
	}
	return Result{Success: true, Output: string(b)}
}

// Tool is the interface every tool implements. Tools are expected to be pure
// with respect to args; side effects are permitted but the core neither
// tracks nor rolls them back.
type Tool interface {
	// ID is the stable identifier used in specs and dispatch.
	ID() string
	// Name is the human-readable name.
	Name() string
	// Description tells the model when to use the tool.
	Description() string
	// InputSchema returns the JSON Schema for the arguments.
	InputSchema() json.RawMessage
	// Execute runs the tool. ctx carries the turn's cancel signal.
	Execute(ctx context.Context, args map[string]any) Result
}

// ---------------------------------------------------------------------------
// Func adapter
// ---------------------------------------------------------------------------

// FuncTool wraps a plain function as a Tool.
type FuncTool struct {
	ToolID   string
	ToolName string
	Desc     string
	Schema   json.RawMessage
	Fn       func(ctx context.Context, args map[string]any) Result
}

func (f *FuncTool) ID() string { return f.ToolID }

func (f *FuncTool) Name() string {
	if f.ToolName != "" {
		return f.ToolName
	}
	return f.ToolID
}

func (f *FuncTool) Description() string { return f.Desc }
func (f *FuncTool) InputSchema() json.RawMessage { return f.Schema }
func (f *FuncTool) Execute(ctx context.Context, args map[string]any) Result {
	return f.Fn(ctx, args)
}

// ---------------------------------------------------------------------------
// SimpleSchema is a helper for building JSON Schema objects inline.
// ---------------------------------------------------------------------------

type SimpleSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// MustSchema returns a JSON Schema document for the given SimpleSchema.
func MustSchema(s SimpleSchema) json.RawMessage {
	doc := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic("tools.MustSchema: " + err.Error())
	}
	return b
}
