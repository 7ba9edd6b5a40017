package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spindle-dev/spindle/pkg/disambig"
	"github.com/spindle-dev/spindle/pkg/gate"
	"github.com/spindle-dev/spindle/pkg/hooks"
	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/process"
	"github.com/spindle-dev/spindle/pkg/recovery"
	"github.com/spindle-dev/spindle/pkg/skill"
	"github.com/spindle-dev/spindle/pkg/state"
	"github.com/spindle-dev/spindle/pkg/storage"
	"github.com/spindle-dev/spindle/pkg/template"
	"github.com/spindle-dev/spindle/pkg/tools"
)

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the outcome of one turn.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// State is the machine's leaf after the turn, when states are configured.
	State string `json:"state,omitempty"`
	// Iterations counts the model calls the loop made.
	Iterations int `json:"iterations"`
}

// Agent executes turns for one session. Turns are serialized: Chat must not
// be called concurrently for the same agent, and the internal locks guard
// only in-memory updates, never an await.
type Agent struct {
	spec     *Spec
	registry *llm.Registry
	mem      memory.Memory
	tools    *tools.Registry

	toolAliases map[string]string

	machine   *state.Machine
	evaluator state.Evaluator

	recovery    *recovery.Manager
	engine      *gate.Engine
	processor   *process.Processor
	skillRouter *skill.Router
	skillExec   *skill.Executor
	clarifier   *disambig.Manager
	hooks       *hooks.Composite

	store       storage.Store
	autoPersist bool
	sessionID   string

	logger *slog.Logger

	ctxMu   sync.Mutex
	userCtx map[string]any

	turnMu sync.Mutex
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.spec.Name }

// SessionID returns the persistence key for this session.
func (a *Agent) SessionID() string { return a.sessionID }

// Memory exposes the conversation memory.
func (a *Agent) Memory() memory.Memory { return a.mem }

// StateMachine returns the machine, or nil when the spec has no states.
func (a *Agent) StateMachine() *state.Machine { return a.machine }

// Tools exposes the tool registry.
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Context returns a copy of the user context.
func (a *Agent) Context() map[string]any {
	a.ctxMu.Lock()
	defer a.ctxMu.Unlock()
	out := make(map[string]any, len(a.userCtx))
	for k, v := range a.userCtx {
		out[k] = v
	}
	return out
}

// SetContext stores one user-context value.
func (a *Agent) SetContext(key string, value any) {
	a.ctxMu.Lock()
	a.userCtx[key] = value
	a.ctxMu.Unlock()
}

func (a *Agent) mergeContext(values map[string]any) {
	if len(values) == 0 {
		return
	}
	a.ctxMu.Lock()
	for k, v := range values {
		a.userCtx[k] = v
	}
	a.ctxMu.Unlock()
}

// Reset clears the session: memory, state machine, pending clarification,
// rate windows, and the user context back to the spec's seed values.
func (a *Agent) Reset() {
	a.mem.Clear()
	if a.machine != nil {
		a.machine.Reset()
	}
	if a.clarifier != nil {
		a.clarifier.ClearPending()
	}
	if a.engine != nil {
		a.engine.ResetSession()
	}
	a.ctxMu.Lock()
	a.userCtx = make(map[string]any, len(a.spec.Context))
	for k, v := range a.spec.Context {
		a.userCtx[k] = v
	}
	a.ctxMu.Unlock()
}

// ---------------------------------------------------------------------------
// Turn pipeline
// ---------------------------------------------------------------------------

// Chat runs one user turn: input processing, disambiguation, skill routing,
// auto transitions, the model/tool loop, output processing, and post-turn
// state bookkeeping. On failure the turn's memory writes are rolled back so
// either both the user and assistant messages commit, or neither does.
func (a *Agent) Chat(ctx context.Context, input string) (*Response, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("runtime: input cannot be empty")
	}
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	a.hooks.OnMessageReceived(ctx, input)

	// 1. Input process. Rejections return without touching memory.
	inputData, err := a.processInput(ctx, input)
	if err != nil {
		a.hooks.OnError(ctx, err)
		return nil, err
	}
	if inputData.Metadata.Rejected {
		a.logger.Warn("input rejected", "reason", inputData.Metadata.RejectionReason)
		return a.respond(ctx, &Response{Content: inputData.Metadata.RejectionReason}), nil
	}
	a.mergeContext(inputData.Context)
	input = inputData.Content

	// 2. Disambiguation. A clarification question ends the turn here.
	if a.clarifier != nil {
		result, derr := a.clarifier.ProcessInput(ctx, input, a.disambigContext(), nil, nil)
		if derr != nil {
			a.hooks.OnError(ctx, derr)
			return nil, derr
		}
		switch result.Outcome {
		case disambig.OutcomeNeedsClarification:
			return a.respond(ctx, &Response{Content: result.Question.Question}), nil
		case disambig.OutcomeClarified:
			a.mergeContext(result.Resolved)
			input = result.EnrichedInput
		case disambig.OutcomeBestGuess:
			input = result.EnrichedInput
		case disambig.OutcomeGiveUp, disambig.OutcomeEscalate:
			return a.respond(ctx, &Response{Content: result.Reason}), nil
		}
	}

	// 3. Skill routing. A routed skill replaces the model loop entirely.
	if a.skillRouter != nil {
		if resp, handled, serr := a.trySkill(ctx, input, inputData); handled || serr != nil {
			if serr != nil {
				a.hooks.OnError(ctx, serr)
				return nil, serr
			}
			return resp, nil
		}
	}

	// Everything past this point mutates memory; capture the rollback point.
	rollback := a.mem.Snapshot()
	var machineRollback state.Snapshot
	if a.machine != nil {
		machineRollback = a.machine.Snapshot()
	}
	fail := func(err error) (*Response, error) {
		a.mem.Restore(rollback)
		if a.machine != nil {
			if rerr := a.machine.Restore(machineRollback); rerr != nil {
				a.logger.Error("machine rollback failed", "error", rerr)
			}
		}
		a.hooks.OnError(ctx, err)
		return nil, err
	}

	// 4. Commit the user message.
	a.mem.Add(llm.User(input))

	// 5. Auto transitions before the loop.
	transitioned := false
	if a.machine != nil && a.evaluator != nil {
		fired, terr := a.evaluateAutoTransitions(ctx, input, "")
		if terr != nil {
			return fail(terr)
		}
		transitioned = fired
	}

	// 6. Model/tool loop.
	final, calls, iterations, err := a.runLoop(ctx, input, inputData)
	if err != nil {
		return fail(err)
	}

	// 7. Commit the assistant message.
	a.mem.Add(llm.Assistant(final))

	// 8. Post-turn state bookkeeping; timeout and stall transitions land
	// before the next turn begins.
	if a.machine != nil {
		a.machine.IncrementTurn()
		if !transitioned {
			a.machine.IncrementNoTransition()
		}
		if target := a.machine.CheckTimeout(); target != "" {
			a.applyTransition(ctx, target, "timeout")
		} else if target := a.machine.CheckFallback(); target != "" {
			a.applyTransition(ctx, target, "fallback")
		}
	}

	resp := &Response{Content: final, ToolCalls: calls, Iterations: iterations}
	return a.respond(ctx, resp), nil
}

// respond finishes a turn: state echo, hooks, best-effort persistence.
func (a *Agent) respond(ctx context.Context, resp *Response) *Response {
	if a.machine != nil {
		resp.State = a.machine.Current()
	}
	a.hooks.OnResponse(ctx, resp.Content)
	if a.store != nil && a.autoPersist {
		if err := a.Persist(ctx); err != nil {
			a.logger.Warn("snapshot persistence failed", "session", a.sessionID, "error", err)
			a.hooks.OnError(ctx, err)
		}
	}
	return resp
}

func (a *Agent) processInput(ctx context.Context, input string) (*process.Data, error) {
	if a.processor == nil {
		return process.NewData(input), nil
	}
	return a.processor.ProcessInput(ctx, input)
}

func (a *Agent) processOutput(ctx context.Context, output string, inputData *process.Data) (*process.Data, error) {
	if a.processor == nil {
		d := process.NewData(output)
		d.Context = inputData.Context
		return d, nil
	}
	return a.processor.ProcessOutput(ctx, output, inputData.Context)
}

func (a *Agent) disambigContext() *disambig.Context {
	recent := a.mem.Messages(5)
	texts := make([]string, 0, len(recent))
	for _, m := range recent {
		texts = append(texts, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	dc := &disambig.Context{
		RecentMessages: texts,
		AvailableTools: a.availableToolIDs(),
		UserContext:    a.Context(),
	}
	if a.machine != nil {
		dc.CurrentState = a.machine.Current()
	}
	if a.skillRouter != nil {
		for _, s := range a.skillRouter.Skills() {
			dc.AvailableSkills = append(dc.AvailableSkills, s.ID)
		}
	}
	if a.clarifier != nil {
		dc.ClarificationAttempts = a.clarifier.PendingAttempts()
	}
	return dc
}

// trySkill routes and, when a skill matches, runs it to completion.
func (a *Agent) trySkill(ctx context.Context, input string, inputData *process.Data) (*Response, bool, error) {
	id, err := a.skillRouter.Select(ctx, input)
	if err != nil {
		return nil, false, err
	}
	if id == "" {
		return nil, false, nil
	}
	def, ok := a.skillRouter.Get(id)
	if !ok {
		return nil, false, fmt.Errorf("runtime: routed to unknown skill %q", id)
	}
	a.logger.Info("skill selected", "skill", id)

	out, err := a.skillExec.Execute(ctx, def, input, a.Context())
	if err != nil {
		return nil, false, err
	}

	outData, err := a.processOutput(ctx, out, inputData)
	if err != nil {
		return nil, false, err
	}
	final := outData.Content
	if outData.Metadata.Rejected {
		final = outData.Metadata.RejectionReason
	}

	a.mem.Add(llm.User(input))
	a.mem.Add(llm.Assistant(final))
	return a.respond(ctx, &Response{Content: final}), true, nil
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// evaluateAutoTransitions applies at most one auto transition.
func (a *Agent) evaluateAutoTransitions(ctx context.Context, userMsg, assistantMsg string) (bool, error) {
	candidates := a.machine.AutoTransitions()
	if len(candidates) == 0 {
		return false, nil
	}
	tc := &state.TransitionContext{
		UserMessage:       userMsg,
		AssistantResponse: assistantMsg,
		CurrentState:      a.machine.Current(),
		Context:           a.Context(),
	}
	idx, ok, err := a.evaluator.SelectTransition(ctx, candidates, tc)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	t := candidates[idx]
	reason := t.When
	if reason == "" {
		reason = "auto"
	}
	return a.applyTransition(ctx, t.To, reason), nil
}

// applyTransition runs the gate and the exit/enter actions around one
// transition. A blocked or failed transition leaves the machine untouched
// and reports false.
func (a *Agent) applyTransition(ctx context.Context, target, reason string) bool {
	from := a.machine.Current()

	if a.engine != nil {
		resolved := a.machine.Config().ResolveFullPath(from, target)
		verdict, err := a.engine.CheckTransition(ctx, from, resolved, a.userLanguage())
		if err != nil {
			a.logger.Warn("transition approval errored", "to", resolved, "error", err)
			return false
		}
		if !verdict.Allowed {
			a.logger.Info("transition blocked", "to", resolved, "reason", verdict.Reason)
			return false
		}
	}

	if def := a.machine.CurrentDefinition(); def != nil {
		a.runStateActions(ctx, def.OnExit)
	}

	if err := a.machine.TransitionTo(target, reason); err != nil {
		a.logger.Warn("transition failed", "target", target, "error", err)
		return false
	}

	if def := a.machine.CurrentDefinition(); def != nil {
		a.runStateActions(ctx, def.OnEnter)
	}

	a.hooks.OnStateTransition(ctx, from, a.machine.Current(), reason)
	return true
}

// runStateActions executes on_enter/on_exit actions. Action failures are
// logged, not fatal: entering the state matters more than its side work.
func (a *Agent) runStateActions(ctx context.Context, actions []state.Action) {
	for _, action := range actions {
		switch {
		case action.Tool != "":
			res, err := a.runGatedTool(ctx, action.Tool, action.Args)
			if err != nil {
				a.logger.Warn("state action tool failed", "tool", action.Tool, "error", err)
				continue
			}
			if action.StoreAs != "" && res.Success {
				a.SetContext(action.StoreAs, res.Output)
			}
		case action.Prompt != "":
			prompt, err := template.Render(action.Prompt, map[string]any{"context": a.Context()})
			if err != nil {
				a.logger.Warn("state action prompt render failed", "error", err)
				continue
			}
			provider, err := a.registry.Resolve(action.LLM)
			if err != nil {
				a.logger.Warn("state action llm missing", "alias", action.LLM, "error", err)
				continue
			}
			resp, err := provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, nil)
			if err != nil {
				a.logger.Warn("state action prompt failed", "error", err)
				continue
			}
			if action.StoreAs != "" {
				a.SetContext(action.StoreAs, strings.TrimSpace(resp.Content))
			}
		case len(action.SetContext) > 0:
			a.mergeContext(action.SetContext)
		}
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Snapshot captures the session as a portable value.
func (a *Agent) Snapshot() storage.AgentSnapshot {
	snap := storage.AgentSnapshot{
		Version:   storage.SnapshotVersion,
		AgentID:   a.spec.Name,
		Timestamp: time.Now().UTC(),
		Memory:    a.mem.Snapshot(),
		Context:   a.Context(),
	}
	if a.machine != nil {
		ms := a.machine.Snapshot()
		snap.StateMachine = &ms
	}
	return snap
}

// Persist saves the current snapshot under the session id.
func (a *Agent) Persist(ctx context.Context) error {
	if a.store == nil {
		return fmt.Errorf("runtime: no storage configured")
	}
	return a.store.Save(ctx, a.sessionID, a.Snapshot())
}

// RestoreSession loads the session snapshot and applies it.
func (a *Agent) RestoreSession(ctx context.Context) error {
	if a.store == nil {
		return fmt.Errorf("runtime: no storage configured")
	}
	snap, err := a.store.Load(ctx, a.sessionID)
	if err != nil {
		return err
	}
	return a.RestoreSnapshot(snap)
}

// RestoreSnapshot applies a snapshot to memory, machine, and context.
func (a *Agent) RestoreSnapshot(snap storage.AgentSnapshot) error {
	a.mem.Restore(snap.Memory)
	if a.machine != nil && snap.StateMachine != nil {
		if err := a.machine.Restore(*snap.StateMachine); err != nil {
			return err
		}
	}
	a.ctxMu.Lock()
	a.userCtx = make(map[string]any, len(snap.Context))
	for k, v := range snap.Context {
		a.userCtx[k] = v
	}
	a.ctxMu.Unlock()
	return nil
}

// userLanguage reads the detected user language from context, when a
// pipeline detect stage stored one.
func (a *Agent) userLanguage() string {
	a.ctxMu.Lock()
	defer a.ctxMu.Unlock()
	if s, ok := a.userCtx["language"].(string); ok {
		return s
	}
	if s, ok := a.userCtx["user_language"].(string); ok {
		return s
	}
	return ""
}

// runGatedTool dispatches one tool call through the gate. A blocked call
// returns a failed Result with the gate's reason; hard dispatch errors
// (unknown tool, invalid args) return an error. Failed executions retry per
// the tool's recovery policy before the failure is surfaced.
func (a *Agent) runGatedTool(ctx context.Context, id string, args map[string]any) (tools.Result, error) {
	if alias, ok := a.toolAliases[id]; ok {
		id = alias
	}
	if a.engine != nil {
		verdict, err := a.engine.CheckTool(ctx, id, args, a.userLanguage())
		if err != nil {
			return tools.Result{}, err
		}
		if !verdict.Allowed {
			return tools.Result{Success: false, Output: verdict.Reason}, nil
		}
	}

	cfg := a.recovery.ToolConfig(id)
	var res tools.Result
	err := a.recovery.WithRetry(ctx, "tool:"+id, &cfg, func() error {
		var derr error
		res, derr = a.tools.Execute(ctx, id, args)
		if derr != nil {
			return derr
		}
		if !res.Success {
			return errors.New(res.Output)
		}
		return nil
	})
	if err != nil {
		if !res.Success && res.Output != "" {
			// The tool itself kept failing; hand the failure text to the
			// caller so the model can react.
			return res, nil
		}
		return tools.Result{}, err
	}
	return res, nil
}
