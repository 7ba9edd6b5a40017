package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-dev/spindle/pkg/disambig"
	"github.com/spindle-dev/spindle/pkg/gate"
	"github.com/spindle-dev/spindle/pkg/hooks"
	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/llm/providers/anthropic"
	"github.com/spindle-dev/spindle/pkg/llm/providers/openai"
	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/process"
	"github.com/spindle-dev/spindle/pkg/recovery"
	"github.com/spindle-dev/spindle/pkg/skill"
	"github.com/spindle-dev/spindle/pkg/state"
	"github.com/spindle-dev/spindle/pkg/storage"
	"github.com/spindle-dev/spindle/pkg/tools"
	"github.com/spindle-dev/spindle/pkg/tools/builtin"
)

// Builder wires a Spec plus injected capabilities into an Agent. Injected
// values always win over spec-derived ones.
type Builder struct {
	spec *Spec

	registry  *llm.Registry
	mem       memory.Memory
	toolReg   *tools.Registry
	store     storage.Store
	handler   gate.Handler
	observers []hooks.Hooks
	evaluator state.Evaluator
	logger    *slog.Logger
	sessionID string
}

// New starts a builder from a spec.
func New(spec *Spec) *Builder {
	return &Builder{spec: spec}
}

// FromYAML parses a YAML document and starts a builder.
func FromYAML(data []byte) (*Builder, error) {
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, err
	}
	return New(spec), nil
}

// FromYAMLFile reads a spec file and starts a builder.
func FromYAMLFile(path string) (*Builder, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	return New(spec), nil
}

// WithRegistry injects a prewired model registry; spec llm blocks are
// ignored.
func (b *Builder) WithRegistry(r *llm.Registry) *Builder {
	b.registry = r
	return b
}

// WithProvider binds one provider under an alias, creating the registry if
// needed.
func (b *Builder) WithProvider(alias string, p llm.Provider) *Builder {
	if b.registry == nil {
		b.registry = llm.NewRegistry()
	}
	b.registry.Register(alias, p)
	return b
}

// WithMemory injects the conversation memory.
func (b *Builder) WithMemory(m memory.Memory) *Builder {
	b.mem = m
	return b
}

// WithTools injects a prewired tool registry.
func (b *Builder) WithTools(r *tools.Registry) *Builder {
	b.toolReg = r
	return b
}

// WithTool registers one tool, creating the registry if needed.
func (b *Builder) WithTool(t tools.Tool) *Builder {
	if b.toolReg == nil {
		b.toolReg = tools.NewRegistry()
	}
	b.toolReg.Register(t)
	return b
}

// WithStore injects the snapshot store.
func (b *Builder) WithStore(s storage.Store) *Builder {
	b.store = s
	return b
}

// WithApprovalHandler injects the HITL approval handler.
func (b *Builder) WithApprovalHandler(h gate.Handler) *Builder {
	b.handler = h
	return b
}

// WithHooks appends a lifecycle observer.
func (b *Builder) WithHooks(h hooks.Hooks) *Builder {
	b.observers = append(b.observers, h)
	return b
}

// WithEvaluator overrides the transition evaluator.
func (b *Builder) WithEvaluator(e state.Evaluator) *Builder {
	b.evaluator = e
	return b
}

// WithLogger sets the logger passed to every component.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithSessionID pins the session id used for persistence.
func (b *Builder) WithSessionID(id string) *Builder {
	b.sessionID = id
	return b
}

// Build validates the spec and assembles the agent.
func (b *Builder) Build() (*Agent, error) {
	spec := b.spec
	if spec == nil {
		return nil, fmt.Errorf("builder: spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := b.buildRegistry()
	if err != nil {
		return nil, err
	}

	mem := b.buildMemory(registry)
	toolReg := b.buildTools()

	var machine *state.Machine
	if spec.States != nil {
		machine, err = state.NewMachine(spec.States)
		if err != nil {
			return nil, err
		}
	}

	evaluator := b.evaluator
	if evaluator == nil && machine != nil {
		router, rerr := registry.Router()
		if rerr != nil {
			return nil, fmt.Errorf("builder: states need a model for transition evaluation: %w", rerr)
		}
		evaluator = state.NewLLMEvaluator(router)
	}

	recoveryMgr := recovery.NewManager(recoveryConfig(spec)).WithLogger(logger)

	var engine *gate.Engine
	if cfg := spec.mergedGate(); cfg != nil {
		engine = gate.NewEngine(*cfg, b.handler, registry).WithLogger(logger)
	}

	var processor *process.Processor
	if spec.Process != nil {
		processor = process.NewProcessor(*spec.Process, registry).WithLogger(logger)
	}

	var router *skill.Router
	var executor *skill.Executor
	if len(spec.Skills) > 0 {
		routerModel, rerr := registry.Router()
		if rerr != nil {
			return nil, fmt.Errorf("builder: skills need a router model: %w", rerr)
		}
		router = skill.NewRouter(routerModel, spec.Skills)
		executor = skill.NewExecutor(registry, nil) // tool runner wired by the agent
	}

	var clarifier *disambig.Manager
	if spec.Disambiguation != nil {
		routerModel, rerr := registry.Router()
		if rerr != nil {
			return nil, fmt.Errorf("builder: disambiguation needs a router model: %w", rerr)
		}
		clarifier = disambig.New(*spec.Disambiguation,
			disambig.NewDetector(routerModel),
			disambig.NewClarifier(routerModel)).WithLogger(logger)
	}

	bus := hooks.NewComposite(b.observers...)

	sessionID := b.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userCtx := make(map[string]any, len(spec.Context))
	for k, v := range spec.Context {
		userCtx[k] = v
	}

	store := b.store
	if store == nil && spec.Storage != nil {
		store, err = buildStore(spec.Storage)
		if err != nil {
			return nil, err
		}
	}

	agent := &Agent{
		spec:        spec,
		registry:    registry,
		mem:         mem,
		tools:       toolReg,
		toolAliases: spec.ToolAliases,
		machine:     machine,
		evaluator:   evaluator,
		recovery:    recoveryMgr,
		engine:      engine,
		processor:   processor,
		skillRouter: router,
		skillExec:   executor,
		clarifier:   clarifier,
		hooks:       bus,
		store:       store,
		autoPersist: spec.Storage != nil && spec.Storage.AutoPersist,
		sessionID:   sessionID,
		userCtx:     userCtx,
		logger:      logger,
	}
	if processor != nil {
		processor.WithToolRunner(agent.runGatedTool)
	}
	if executor != nil {
		agent.skillExec = skill.NewExecutor(registry, agent.runGatedTool)
	}
	return agent, nil
}

func (b *Builder) buildRegistry() (*llm.Registry, error) {
	if b.registry != nil {
		if !b.registry.Has(llm.AliasDefault) {
			return nil, fmt.Errorf("builder: injected registry has no %q alias", llm.AliasDefault)
		}
		return b.registry, nil
	}

	registry := llm.NewRegistry()
	if b.spec.LLM != nil {
		p, err := buildProvider(*b.spec.LLM)
		if err != nil {
			return nil, err
		}
		registry.Register(llm.AliasDefault, p)
		if b.spec.LLM.RateLimit > 0 {
			registry.SetRateLimit(llm.AliasDefault, b.spec.LLM.RateLimit, 1)
		}
	}
	for alias, cfg := range b.spec.LLMs {
		p, err := buildProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("builder: llm alias %q: %w", alias, err)
		}
		registry.Register(alias, p)
		if cfg.RateLimit > 0 {
			registry.SetRateLimit(alias, cfg.RateLimit, 1)
		}
	}
	if !registry.Has(llm.AliasDefault) {
		return nil, fmt.Errorf("builder: spec defines no %q model (set llm or llms.default)", llm.AliasDefault)
	}
	return registry, nil
}

func buildProvider(cfg LLMSpec) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.Model), nil
	case "openai", "":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "mock":
		return llm.NewMock(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func (b *Builder) buildMemory(registry *llm.Registry) memory.Memory {
	if b.mem != nil {
		return b.mem
	}
	spec := b.spec.Memory
	if spec == nil {
		return memory.NewSimple(0)
	}
	switch spec.Type {
	case "compacting":
		var summarizer memory.Summarizer = memory.Noop{}
		if provider, err := registry.Router(); err == nil {
			summarizer = memory.NewLLMSummarizer(provider)
		}
		return memory.NewCompacting(summarizer, spec.Compacting)
	default:
		return memory.NewSimple(spec.MaxMessages)
	}
}

func (b *Builder) buildTools() *tools.Registry {
	reg := b.toolReg
	if reg == nil {
		reg = tools.NewRegistry()
	}
	for _, id := range b.spec.Tools {
		if id == "all" {
			builtin.RegisterAll(reg)
			continue
		}
		builtin.Register(reg, id)
	}
	return reg
}

func buildStore(spec *StorageSpec) (storage.Store, error) {
	switch spec.Type {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		if spec.Path == "" {
			return nil, fmt.Errorf("builder: sqlite storage requires a path")
		}
		return storage.NewSQLiteStore(spec.Path)
	case "redis":
		return storage.NewRedisStore(storage.RedisOptions{
			Addr:     spec.Addr,
			Password: spec.Password,
			DB:       spec.DB,
			Prefix:   spec.Prefix,
		}), nil
	default:
		return nil, fmt.Errorf("builder: unknown storage type %q", spec.Type)
	}
}

func recoveryConfig(spec *Spec) recovery.Config {
	if spec.ErrorRecovery != nil {
		return *spec.ErrorRecovery
	}
	return recovery.Config{Default: recovery.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
	}}
}
