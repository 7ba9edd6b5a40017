package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/spindle-dev/spindle/pkg/disambig"
	"github.com/spindle-dev/spindle/pkg/gate"
	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/process"
	"github.com/spindle-dev/spindle/pkg/skill"
	"github.com/spindle-dev/spindle/pkg/state"
	"github.com/spindle-dev/spindle/pkg/storage"
	"github.com/spindle-dev/spindle/pkg/tools"
)

func baseSpec() *Spec {
	return &Spec{Name: "tester", SystemPrompt: "You are a test agent."}
}

func echoTool() tools.Tool {
	return &tools.FuncTool{
		ToolID: "echo",
		Desc:   "echoes text",
		Fn: func(_ context.Context, args map[string]any) tools.Result {
			s, _ := args["text"].(string)
			return tools.Ok("echo: " + s)
		},
	}
}

func build(t *testing.T, spec *Spec, def *llm.MockProvider, opts ...func(*Builder)) *Agent {
	t.Helper()
	b := New(spec).WithProvider(llm.AliasDefault, def)
	for _, opt := range opts {
		opt(b)
	}
	agent, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return agent
}

func TestChat_PlainResponse(t *testing.T) {
	def := llm.NewMock("def").Enqueue("hello back")
	agent := build(t, baseSpec(), def)

	resp, err := agent.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Iterations != 1 {
		t.Errorf("iterations = %d", resp.Iterations)
	}
	if agent.Memory().Len() != 2 {
		t.Errorf("memory len = %d, want 2 (user + assistant)", agent.Memory().Len())
	}
}

func TestChat_EmptyInputRejected(t *testing.T) {
	agent := build(t, baseSpec(), llm.NewMock("def"))
	if _, err := agent.Chat(context.Background(), "   "); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestChat_ToolLoop(t *testing.T) {
	def := llm.NewMock("def").
		Enqueue(`{"tool": "echo", "arguments": {"text": "ping"}}`).
		Enqueue("the tool said: echo: ping")
	agent := build(t, baseSpec(), def, func(b *Builder) { b.WithTool(echoTool()) })

	resp, err := agent.Chat(context.Background(), "use the tool")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "the tool said: echo: ping" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "echo" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", resp.Iterations)
	}

	msgs := agent.Memory().Messages(0)
	if len(msgs) != 3 {
		t.Fatalf("memory len = %d, want 3 (user + tool + assistant)", len(msgs))
	}
	if msgs[1].Role != llm.RoleTool || msgs[1].Content != "echo: ping" {
		t.Errorf("tool message = %+v", msgs[1])
	}
}

func TestChat_ToolNotFoundSurfacesToModel(t *testing.T) {
	def := llm.NewMock("def").
		Enqueue(`{"tool": "ghost", "arguments": {}}`).
		Enqueue("sorry, no such tool")
	agent := build(t, baseSpec(), def)

	resp, err := agent.Chat(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "sorry, no such tool" {
		t.Errorf("content = %q", resp.Content)
	}
	msgs := agent.Memory().Messages(0)
	if !strings.HasPrefix(msgs[1].Content, "Error:") {
		t.Errorf("tool failure should reach the model: %q", msgs[1].Content)
	}
}

func TestChat_MaxIterationsAborts(t *testing.T) {
	def := llm.NewMock("def").SetFallback(`{"tool": "echo", "arguments": {"text": "again"}}`)
	spec := baseSpec()
	spec.MaxIterations = 3
	agent := build(t, spec, def, func(b *Builder) { b.WithTool(echoTool()) })

	_, err := agent.Chat(context.Background(), "loop forever")
	if err == nil {
		t.Fatal("expected max-iterations error")
	}
	if def.CallCount() != 3 {
		t.Errorf("model calls = %d, want exactly max_iterations", def.CallCount())
	}
	if agent.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0 after rollback", agent.Memory().Len())
	}
}

func TestChat_PermanentModelErrorRollsBack(t *testing.T) {
	reg := llm.NewRegistry()
	reg.Register(llm.AliasDefault, errorProvider{})
	agent, err := New(baseSpec()).WithRegistry(reg).Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Chat(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if agent.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0 after rollback", agent.Memory().Len())
	}
}

type errorProvider struct{}

func (errorProvider) Complete(context.Context, []llm.ChatMessage, *llm.CompletionConfig) (*llm.CompletionResponse, error) {
	return nil, llm.APIError(400, "bad request")
}

func (errorProvider) CompleteStream(context.Context, []llm.ChatMessage, *llm.CompletionConfig) (<-chan llm.StreamChunk, error) {
	return nil, llm.APIError(400, "bad request")
}

func (errorProvider) ProviderName() string { return "error" }
func (errorProvider) Supports(llm.Feature) bool { return false }

// ---------------------------------------------------------------------------
// Process integration
// ---------------------------------------------------------------------------

func TestChat_InputRejectionCommitsNothing(t *testing.T) {
	def := llm.NewMock("def")
	spec := baseSpec()
	spec.Process = &process.Config{Input: []process.Stage{{
		Type:   process.StageValidate,
		Config: process.StageConfig{Rules: []process.ValidationRule{{MinLength: 100, Message: "message too short"}}},
	}}}
	agent := build(t, spec, def)

	resp, err := agent.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "message too short" {
		t.Errorf("content = %q", resp.Content)
	}
	if agent.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0", agent.Memory().Len())
	}
	if def.CallCount() != 0 {
		t.Errorf("model calls = %d, want 0", def.CallCount())
	}
}

func TestChat_OutputFormatStage(t *testing.T) {
	def := llm.NewMock("def").Enqueue("raw answer")
	spec := baseSpec()
	spec.Process = &process.Config{Output: []process.Stage{{
		Type:   process.StageFormat,
		Config: process.StageConfig{Template: "[bot] {{ content }}"},
	}}}
	agent := build(t, spec, def)

	resp, err := agent.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "[bot] raw answer" {
		t.Errorf("content = %q", resp.Content)
	}
	// The processed form is what commits to memory.
	msgs := agent.Memory().Messages(0)
	if msgs[1].Content != "[bot] raw answer" {
		t.Errorf("committed assistant msg = %q", msgs[1].Content)
	}
}

// ---------------------------------------------------------------------------
// Gate integration (spec scenario: tool domain block)
// ---------------------------------------------------------------------------

func TestChat_BlockedDomainReachesModel(t *testing.T) {
	executed := false
	httpTool := &tools.FuncTool{
		ToolID: "http",
		Desc:   "fetches a url",
		Fn: func(context.Context, map[string]any) tools.Result {
			executed = true
			return tools.Ok("should not run")
		},
	}

	def := llm.NewMock("def").
		Enqueue(`{"tool": "http", "arguments": {"url": "https://evil.com/x"}}`).
		Enqueue("that domain is blocked, sorry")

	spec := baseSpec()
	spec.ToolSecurity = &gate.Config{
		Enabled: true,
		Tools:   map[string]gate.ToolPolicy{"http": {BlockedDomains: []string{"evil.com"}}},
	}
	agent := build(t, spec, def, func(b *Builder) { b.WithTool(httpTool) })

	resp, err := agent.Chat(context.Background(), "fetch evil.com")
	if err != nil {
		t.Fatal(err)
	}
	if executed {
		t.Error("blocked tool must not execute")
	}
	msgs := agent.Memory().Messages(0)
	if !strings.Contains(msgs[1].Content, "blocked") {
		t.Errorf("block reason should reach the model: %q", msgs[1].Content)
	}
	if resp.Content != "that domain is blocked, sorry" {
		t.Errorf("content = %q", resp.Content)
	}
}

// ---------------------------------------------------------------------------
// Skills
// ---------------------------------------------------------------------------

func TestChat_SkillRoute(t *testing.T) {
	router := llm.NewMock("router").Enqueue("greet")
	def := llm.NewMock("def").Enqueue("Hello, friend!")

	spec := baseSpec()
	spec.Skills = []skill.Definition{{
		ID:          "greet",
		Description: "greets the user",
		Steps:       []skill.Step{{Prompt: "Greet warmly: {{ input }}"}},
	}}
	agent := build(t, spec, def, func(b *Builder) { b.WithProvider(llm.AliasRouter, router) })

	resp, err := agent.Chat(context.Background(), "say hi to me")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello, friend!" {
		t.Errorf("content = %q", resp.Content)
	}
	if agent.Memory().Len() != 2 {
		t.Errorf("memory len = %d, want 2", agent.Memory().Len())
	}
	if router.CallCount() != 1 {
		t.Errorf("router calls = %d, want 1", router.CallCount())
	}
}

// ---------------------------------------------------------------------------
// States
// ---------------------------------------------------------------------------

func statefulSpec() *Spec {
	spec := baseSpec()
	spec.Context = map[string]any{"ready": true}
	spec.States = &state.Config{
		Initial: "intake",
		States: map[string]*state.Definition{
			"intake": {
				Transitions: []state.Transition{{
					To:       "work",
					Guard:    &state.Guard{Expression: "{{ context.ready }}"},
					Auto:     true,
					Priority: 5,
				}},
			},
			"work": {Prompt: "You are now working."},
		},
	}
	return spec
}

func TestChat_AutoGuardTransition(t *testing.T) {
	def := llm.NewMock("def").Enqueue("on it")
	router := llm.NewMock("router")
	agent := build(t, statefulSpec(), def, func(b *Builder) { b.WithProvider(llm.AliasRouter, router) })

	resp, err := agent.Chat(context.Background(), "begin")
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != "work" {
		t.Errorf("state = %q, want work", resp.State)
	}
	if router.CallCount() != 0 {
		t.Errorf("router calls = %d, want 0 (guard is deterministic)", router.CallCount())
	}
	// The state prompt must shape the system message of the model call.
	sys := def.LastMessages()[0]
	if !strings.Contains(sys.Content, "You are now working.") {
		t.Errorf("system prompt missing state prompt: %q", sys.Content)
	}
}

func TestChat_TimeoutTransition(t *testing.T) {
	def := llm.NewMock("def").SetFallback("still here")
	spec := baseSpec()
	spec.States = &state.Config{
		Initial: "limited",
		States: map[string]*state.Definition{
			"limited": {MaxTurns: 2, TimeoutTo: "overflow"},
			"overflow": {},
		},
	}
	agent := build(t, spec, def, func(b *Builder) {
		b.WithEvaluator(state.NewLLMEvaluator(nil))
	})

	ctx := context.Background()
	if _, err := agent.Chat(ctx, "turn one"); err != nil {
		t.Fatal(err)
	}
	if got := agent.StateMachine().Current(); got != "limited" {
		t.Fatalf("state after turn 1 = %q", got)
	}
	if _, err := agent.Chat(ctx, "turn two"); err != nil {
		t.Fatal(err)
	}
	if got := agent.StateMachine().Current(); got != "overflow" {
		t.Errorf("state after turn 2 = %q, want overflow", got)
	}
}

// ---------------------------------------------------------------------------
// Disambiguation round trip ending in deterministic intent routing
// ---------------------------------------------------------------------------

func TestChat_DisambiguationRoundTrip(t *testing.T) {
	router := llm.NewMock("router").
		Enqueue(`{"is_ambiguous": true, "confidence": 0.3, "ambiguity_type": "missing_target", "what_is_unclear": ["which thing to cancel"]}`).
		Enqueue(`{"question": "Cancel the order, reservation, or subscription?"}`).
		Enqueue(`{"understood": true, "enriched_input": "cancel my reservation", "resolved": {"resolved_intent": "cancel_reservation"}}`)
	def := llm.NewMock("def").Enqueue("your reservation is cancelled")

	spec := baseSpec()
	spec.Disambiguation = &disambig.Config{Enabled: true, Threshold: 0.7}
	spec.States = &state.Config{
		Initial: "triage",
		States: map[string]*state.Definition{
			"triage": {Transitions: []state.Transition{
				{To: "orders", When: "user cancels an order", Intent: "cancel_order", Auto: true},
				{To: "reservations", When: "user cancels a reservation", Intent: "cancel_reservation", Auto: true},
				{To: "subscriptions", When: "user cancels a subscription", Intent: "cancel_subscription", Auto: true},
			}},
			"orders": {}, "reservations": {}, "subscriptions": {},
		},
	}
	agent := build(t, spec, def, func(b *Builder) { b.WithProvider(llm.AliasRouter, router) })

	ctx := context.Background()

	// Turn 1: ambiguous → clarification question, nothing committed.
	resp, err := agent.Chat(ctx, "cancel it")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Cancel the order, reservation, or subscription?" {
		t.Errorf("question = %q", resp.Content)
	}
	if agent.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0 on a clarification turn", agent.Memory().Len())
	}

	// Turn 2: the answer resolves the intent; transition selection is
	// deterministic (no extra router calls beyond the answer parse).
	routerCallsBefore := router.CallCount()
	resp, err = agent.Chat(ctx, "the reservation")
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != "reservations" {
		t.Errorf("state = %q, want reservations", resp.State)
	}
	if resp.Content != "your reservation is cancelled" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := router.CallCount() - routerCallsBefore; got != 1 {
		t.Errorf("router calls on turn 2 = %d, want 1 (answer parse only)", got)
	}
	if agent.Context()["resolved_intent"] != "cancel_reservation" {
		t.Errorf("context = %v", agent.Context())
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestChat_SnapshotRestoreRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	def := llm.NewMock("def").Enqueue("first answer")

	spec := statefulSpec()
	agent := build(t, spec, def, func(b *Builder) {
		b.WithStore(store).WithSessionID("sess-1")
	})

	ctx := context.Background()
	if _, err := agent.Chat(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := agent.Persist(ctx); err != nil {
		t.Fatal(err)
	}

	restored := build(t, statefulSpec(), llm.NewMock("def2"), func(b *Builder) {
		b.WithStore(store).WithSessionID("sess-1")
	})
	if err := restored.RestoreSession(ctx); err != nil {
		t.Fatal(err)
	}

	want := agent.Memory().Messages(0)
	got := restored.Memory().Messages(0)
	if len(got) != len(want) {
		t.Fatalf("restored %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Content != want[i].Content || got[i].Role != want[i].Role {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if restored.StateMachine().Current() != agent.StateMachine().Current() {
		t.Errorf("state = %q, want %q", restored.StateMachine().Current(), agent.StateMachine().Current())
	}
	if restored.Context()["ready"] != true {
		t.Errorf("context = %v", restored.Context())
	}
}

func TestReset(t *testing.T) {
	def := llm.NewMock("def").Enqueue("answer")
	agent := build(t, statefulSpec(), def)

	if _, err := agent.Chat(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	agent.SetContext("extra", 1)
	agent.Reset()

	if agent.Memory().Len() != 0 {
		t.Errorf("memory len = %d", agent.Memory().Len())
	}
	if agent.StateMachine().Current() != "intake" {
		t.Errorf("state = %q", agent.StateMachine().Current())
	}
	ctxMap := agent.Context()
	if _, ok := ctxMap["extra"]; ok {
		t.Error("context should reset to spec seed")
	}
	if ctxMap["ready"] != true {
		t.Error("seed context lost")
	}
}
