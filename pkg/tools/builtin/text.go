package builtin

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spindle-dev/spindle/pkg/tools"
)

// Text returns the text tool: case conversion, trim, replace, split, and
// measurements.
func Text() tools.Tool {
	return &tools.FuncTool{
		ToolID: "text",
		Desc:   "Transform and measure text: upper/lower/title, trim, replace, split, count.",
		Schema: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"operation": {Type: "string", Description: "Operation to perform",
					Enum: []any{"upper", "lower", "title", "trim", "replace", "split", "count"}},
				"text":      {Type: "string", Description: "Input text"},
				"search":    {Type: "string", Description: "Substring to replace (replace)"},
				"replace":   {Type: "string", Description: "Replacement text (replace)"},
				"separator": {Type: "string", Description: "Separator (split), default whitespace"},
			},
			Required: []string{"operation", "text"},
		}),
		Fn: textExec,
	}
}

func textExec(_ context.Context, args map[string]any) tools.Result {
	op, _ := args["operation"].(string)
	text, _ := args["text"].(string)

	switch op {
	case "upper":
		return tools.OkJSON(map[string]any{"result": strings.ToUpper(text)})
	case "lower":
		return tools.OkJSON(map[string]any{"result": strings.ToLower(text)})
	case "title":
		return tools.OkJSON(map[string]any{"result": titleCase(text)})
	case "trim":
		return tools.OkJSON(map[string]any{"result": strings.TrimSpace(text)})
	case "replace":
		search, _ := args["search"].(string)
		if search == "" {
			return tools.Fail(fmt.Errorf("search is required for replace"))
		}
		repl, _ := args["replace"].(string)
		return tools.OkJSON(map[string]any{"result": strings.ReplaceAll(text, search, repl)})
	case "split":
		sep, _ := args["separator"].(string)
		var parts []string
		if sep == "" {
			parts = strings.Fields(text)
		} else {
			parts = strings.Split(text, sep)
		}
		return tools.OkJSON(map[string]any{"parts": parts, "count": len(parts)})
	case "count":
		return tools.OkJSON(map[string]any{
			"characters": utf8.RuneCountInString(text),
			"words":      len(strings.Fields(text)),
			"lines":      len(strings.Split(text, "\n")),
		})
	}
	return tools.Fail(fmt.Errorf("unknown operation %q", op))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
