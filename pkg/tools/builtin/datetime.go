package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/spindle-dev/spindle/pkg/tools"
)

// Datetime returns the datetime tool: now / format / add / diff over
// RFC 3339 timestamps.
func Datetime() tools.Tool {
	return &tools.FuncTool{
		ToolID: "datetime",
		Desc:   "Work with dates and times: current time, formatting, arithmetic, differences.",
		Schema: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"operation": {Type: "string", Description: "Operation to perform", Enum: []any{"now", "format", "add", "diff"}},
				"value":     {Type: "string", Description: "RFC 3339 timestamp to operate on"},
				"other":     {Type: "string", Description: "Second RFC 3339 timestamp for diff"},
				"duration":  {Type: "string", Description: "Go duration to add, e.g. 72h30m or -15m"},
				"layout":    {Type: "string", Description: "Go time layout for format, e.g. 2006-01-02"},
				"timezone":  {Type: "string", Description: "IANA timezone, e.g. Asia/Seoul"},
			},
			Required: []string{"operation"},
		}),
		Fn: datetimeExec,
	}
}

func datetimeExec(_ context.Context, args map[string]any) tools.Result {
	op, _ := args["operation"].(string)

	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return tools.Fail(fmt.Errorf("unknown timezone %q", tz))
		}
		loc = parsed
	}

	switch op {
	case "now":
		return tools.OkJSON(map[string]any{"now": time.Now().In(loc).Format(time.RFC3339)})

	case "format":
		t, err := parseTime(args, "value")
		if err != nil {
			return tools.Fail(err)
		}
		layout, _ := args["layout"].(string)
		if layout == "" {
			layout = time.RFC3339
		}
		return tools.OkJSON(map[string]any{"formatted": t.In(loc).Format(layout)})

	case "add":
		t, err := parseTime(args, "value")
		if err != nil {
			return tools.Fail(err)
		}
		durStr, _ := args["duration"].(string)
		d, err := time.ParseDuration(durStr)
		if err != nil {
			return tools.Fail(fmt.Errorf("invalid duration %q", durStr))
		}
		return tools.OkJSON(map[string]any{"result": t.Add(d).In(loc).Format(time.RFC3339)})

	case "diff":
		a, err := parseTime(args, "value")
		if err != nil {
			return tools.Fail(err)
		}
		b, err := parseTime(args, "other")
		if err != nil {
			return tools.Fail(err)
		}
		d := b.Sub(a)
		return tools.OkJSON(map[string]any{
			"duration": d.String(),
			"seconds":  d.Seconds(),
			"days":     d.Hours() / 24,
		})
	}
	return tools.Fail(fmt.Errorf("unknown operation %q", op))
}

func parseTime(args map[string]any, key string) (time.Time, error) {
	s, _ := args[key].(string)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", key, err)
	}
	return t, nil
}
