package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spindle-dev/spindle/pkg/tools"
)

func run(t *testing.T, tool tools.Tool, args map[string]any) map[string]any {
	t.Helper()
	res := tool.Execute(context.Background(), args)
	if !res.Success {
		t.Fatalf("%s failed: %s", tool.ID(), res.Output)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("%s output not JSON: %q", tool.ID(), res.Output)
	}
	return out
}

func TestRegisterAll(t *testing.T) {
	r := tools.NewRegistry()
	RegisterAll(r)
	for _, id := range []string{"datetime", "text", "json", "calc", "http"} {
		if _, ok := r.Get(id); !ok {
			t.Errorf("missing builtin %s", id)
		}
	}
}

func TestRegister_Selection(t *testing.T) {
	r := tools.NewRegistry()
	Register(r, "calc", "nope")
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestCalc(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"2 ^ 10", 1024},
		{"-3 + 5", 2},
		{"10 % 3", 1},
		{"sqrt(16)", 4},
		{"abs(-7.5)", 7.5},
		{"round(2.6)", 3},
		{"floor(2.9) + ceil(0.1)", 3},
		{"2 ^ 3 ^ 2", 512}, // right associative
	}
	calc := Calc()
	for _, c := range cases {
		out := run(t, calc, map[string]any{"expression": c.expr})
		if got := out["result"].(float64); got != c.want {
			t.Errorf("calc(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestCalc_Errors(t *testing.T) {
	calc := Calc()
	for _, expr := range []string{"1 / 0", "sqrt(-1)", "2 +", "foo(1)", "1 2"} {
		res := calc.Execute(context.Background(), map[string]any{"expression": expr})
		if res.Success {
			t.Errorf("calc(%q) should fail, got %s", expr, res.Output)
		}
	}
}

func TestText(t *testing.T) {
	text := Text()

	out := run(t, text, map[string]any{"operation": "upper", "text": "abc"})
	if out["result"] != "ABC" {
		t.Errorf("upper = %v", out["result"])
	}

	out = run(t, text, map[string]any{"operation": "replace", "text": "a-b-c", "search": "-", "replace": "+"})
	if out["result"] != "a+b+c" {
		t.Errorf("replace = %v", out["result"])
	}

	out = run(t, text, map[string]any{"operation": "split", "text": "a b  c"})
	if out["count"].(float64) != 3 {
		t.Errorf("split count = %v", out["count"])
	}

	out = run(t, text, map[string]any{"operation": "count", "text": "two words"})
	if out["words"].(float64) != 2 {
		t.Errorf("words = %v", out["words"])
	}
}

func TestJSONTool(t *testing.T) {
	jt := JSON()
	doc := `{"user": {"name": "Ana", "age": 33}, "tags": ["x"]}`

	out := run(t, jt, map[string]any{"operation": "get", "document": doc, "path": "user.name"})
	if out["value"] != "Ana" {
		t.Errorf("get = %v", out)
	}

	out = run(t, jt, map[string]any{"operation": "get", "document": doc, "path": "user.missing"})
	if out["found"] != false {
		t.Errorf("missing path = %v", out)
	}

	out = run(t, jt, map[string]any{"operation": "keys", "document": doc})
	keys := out["keys"].([]any)
	if len(keys) != 2 || keys[0] != "tags" {
		t.Errorf("keys = %v", keys)
	}

	out = run(t, jt, map[string]any{"operation": "parse", "document": "not json"})
	if out["valid"] != false {
		t.Errorf("parse invalid = %v", out)
	}
}

func TestDatetime(t *testing.T) {
	dt := Datetime()

	out := run(t, dt, map[string]any{"operation": "add", "value": "2026-03-01T00:00:00Z", "duration": "48h"})
	if out["result"] != "2026-03-03T00:00:00Z" {
		t.Errorf("add = %v", out["result"])
	}

	out = run(t, dt, map[string]any{
		"operation": "diff",
		"value":     "2026-03-01T00:00:00Z",
		"other":     "2026-03-02T12:00:00Z",
	})
	if out["days"].(float64) != 1.5 {
		t.Errorf("diff days = %v", out["days"])
	}

	out = run(t, dt, map[string]any{"operation": "format", "value": "2026-03-01T15:04:05Z", "layout": "2006-01-02"})
	if out["formatted"] != "2026-03-01" {
		t.Errorf("format = %v", out["formatted"])
	}

	res := dt.Execute(context.Background(), map[string]any{"operation": "add", "value": "garbage", "duration": "1h"})
	if res.Success {
		t.Error("bad timestamp should fail")
	}
}
