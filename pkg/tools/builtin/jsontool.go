package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spindle-dev/spindle/pkg/tools"
)

// JSON returns the json tool: parse, path lookup, keys, and
// pretty-printing over a JSON document string.
func JSON() tools.Tool {
	return &tools.FuncTool{
		ToolID: "json",
		Desc:   "Inspect JSON: validate, read a dotted path, list keys, pretty-print.",
		Schema: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"operation": {Type: "string", Description: "Operation to perform",
					Enum: []any{"parse", "get", "keys", "pretty"}},
				"document": {Type: "string", Description: "JSON document"},
				"path":     {Type: "string", Description: "Dotted path for get, e.g. user.address.city"},
			},
			Required: []string{"operation", "document"},
		}),
		Fn: jsonExec,
	}
}

func jsonExec(_ context.Context, args map[string]any) tools.Result {
	op, _ := args["operation"].(string)
	doc, _ := args["document"].(string)

	var parsed any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		if op == "parse" {
			return tools.OkJSON(map[string]any{"valid": false, "error": err.Error()})
		}
		return tools.Fail(fmt.Errorf("invalid JSON: %w", err))
	}

	switch op {
	case "parse":
		return tools.OkJSON(map[string]any{"valid": true})

	case "get":
		path, _ := args["path"].(string)
		if path == "" {
			return tools.Fail(fmt.Errorf("path is required for get"))
		}
		value, ok := jsonPath(parsed, path)
		if !ok {
			return tools.OkJSON(map[string]any{"found": false})
		}
		return tools.OkJSON(map[string]any{"found": true, "value": value})

	case "keys":
		obj, ok := parsed.(map[string]any)
		if !ok {
			return tools.Fail(fmt.Errorf("document is not a JSON object"))
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return tools.OkJSON(map[string]any{"keys": keys})

	case "pretty":
		b, err := json.MarshalIndent(parsed, "", "  ")
		if err != nil {
			return tools.Fail(err)
		}
		return tools.Ok(string(b))
	}
	return tools.Fail(fmt.Errorf("unknown operation %q", op))
}

func jsonPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
