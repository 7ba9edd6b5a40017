package skill

import (
	"context"
	"fmt"
	"testing"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/tools"
)

func registryWith(p llm.Provider) *llm.Registry {
	r := llm.NewRegistry()
	r.Register(llm.AliasDefault, p)
	return r
}

func TestDefinition_Validate(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{"valid prompt skill", Definition{ID: "s", Steps: []Step{{Prompt: "p"}}}, true},
		{"valid tool skill", Definition{ID: "s", Steps: []Step{{Tool: "t"}}}, true},
		{"missing id", Definition{Steps: []Step{{Prompt: "p"}}}, false},
		{"no steps", Definition{ID: "s"}, false},
		{"both prompt and tool", Definition{ID: "s", Steps: []Step{{Prompt: "p", Tool: "t"}}}, false},
		{"neither", Definition{ID: "s", Steps: []Step{{}}}, false},
	}
	for _, c := range cases {
		err := c.def.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: err = %v", c.name, err)
		}
	}
}

func TestRouter_SelectsSkill(t *testing.T) {
	mock := llm.NewMock("router").Enqueue("greet")
	r := NewRouter(mock, []Definition{
		{ID: "greet", Description: "greets people", Steps: []Step{{Prompt: "hi"}}},
		{ID: "math", Description: "does math", Steps: []Step{{Prompt: "calc"}}},
	})

	id, err := r.Select(context.Background(), "say hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "greet" {
		t.Errorf("id = %q, want greet", id)
	}
}

func TestRouter_None(t *testing.T) {
	mock := llm.NewMock("router").Enqueue("none")
	r := NewRouter(mock, []Definition{{ID: "greet", Steps: []Step{{Prompt: "hi"}}}})

	id, err := r.Select(context.Background(), "irrelevant")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("id = %q, want none", id)
	}
}

func TestRouter_ChattyReply(t *testing.T) {
	mock := llm.NewMock("router").Enqueue("I would pick greet.")
	r := NewRouter(mock, []Definition{{ID: "greet", Steps: []Step{{Prompt: "hi"}}}})

	id, _ := r.Select(context.Background(), "hello")
	if id != "greet" {
		t.Errorf("id = %q, want greet", id)
	}
}

func TestRouter_NoSkillsNoCall(t *testing.T) {
	mock := llm.NewMock("router")
	r := NewRouter(mock, nil)
	id, err := r.Select(context.Background(), "anything")
	if err != nil || id != "" {
		t.Errorf("got %q/%v", id, err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("model calls = %d, want 0", mock.CallCount())
	}
}

func TestExecutor_PromptSteps(t *testing.T) {
	mock := llm.NewMock("def").Enqueue("step one out").Enqueue("final answer")
	ex := NewExecutor(registryWith(mock), nil)

	def := &Definition{ID: "two", Steps: []Step{
		{Prompt: "first: {{ input }}", StoreAs: "one"},
		{Prompt: "second uses {{ steps.one }}"},
	}}

	out, err := ex.Execute(context.Background(), def, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "final answer" {
		t.Errorf("out = %q", out)
	}
	// Second call's prompt must embed the first step's output.
	last := mock.LastMessages()
	if got := last[0].Content; got != "second uses step one out" {
		t.Errorf("second prompt = %q", got)
	}
}

func TestExecutor_ToolStep(t *testing.T) {
	mock := llm.NewMock("def")
	runTool := func(_ context.Context, id string, args map[string]any) (tools.Result, error) {
		if id != "lookup" {
			return tools.Result{}, fmt.Errorf("unexpected tool %s", id)
		}
		return tools.Ok("42"), nil
	}
	ex := NewExecutor(registryWith(mock), runTool)

	def := &Definition{ID: "t", Steps: []Step{{Tool: "lookup", Args: map[string]any{"q": "{{ input }}"}}}}
	out, err := ex.Execute(context.Background(), def, "answer", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "42" {
		t.Errorf("out = %q", out)
	}
}

func TestExecutor_ToolFailureStopsSkill(t *testing.T) {
	runTool := func(context.Context, string, map[string]any) (tools.Result, error) {
		return tools.Result{Success: false, Output: "boom"}, nil
	}
	ex := NewExecutor(registryWith(llm.NewMock("def")), runTool)

	def := &Definition{ID: "t", Steps: []Step{{Tool: "x"}, {Prompt: "never reached"}}}
	if _, err := ex.Execute(context.Background(), def, "in", nil); err == nil {
		t.Error("expected error from failed tool step")
	}
}

func TestExecutor_Joiner(t *testing.T) {
	mock := llm.NewMock("def").Enqueue("a").Enqueue("b")
	ex := NewExecutor(registryWith(mock), nil)

	def := &Definition{ID: "j", Joiner: "\n", Steps: []Step{{Prompt: "1"}, {Prompt: "2"}}}
	out, err := ex.Execute(context.Background(), def, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "a\nb" {
		t.Errorf("out = %q", out)
	}
}
