package state

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TransitionEvent is one history entry.
type TransitionEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a value copy of the machine's mutable state.
type Snapshot struct {
	CurrentState      string            `json:"current_state"`
	PreviousState     string            `json:"previous_state,omitempty"`
	TurnCount         int               `json:"turn_count"`
	NoTransitionCount int               `json:"no_transition_count"`
	History           []TransitionEvent `json:"history,omitempty"`
}

// Machine tracks the current leaf state for one session. The lock guards
// only in-memory updates; it is never held across I/O.
type Machine struct {
	config *Config

	mu                sync.Mutex
	current           string
	previous          string
	turnCount         int
	noTransitionCount int
	history           []TransitionEvent
}

// NewMachine validates the config and positions the machine at the initial
// leaf.
func NewMachine(cfg *Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initial, err := cfg.ResolveToLeaf(cfg.Initial)
	if err != nil {
		return nil, err
	}
	return &Machine{config: cfg, current: initial}, nil
}

func (m *Machine) Config() *Config { return m.config }

// Current returns the current leaf path.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the path before the last transition, or "".
func (m *Machine) Previous() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// CurrentDefinition returns the definition of the current leaf.
func (m *Machine) CurrentDefinition() *Definition {
	return m.config.GetState(m.Current())
}

// ParentDefinition returns the definition of the current leaf's parent, or
// nil at the top level.
func (m *Machine) ParentDefinition() *Definition {
	parent := ParentPath(m.Current())
	if parent == "" {
		return nil
	}
	return m.config.GetState(parent)
}

// TransitionTo resolves target relative to the current path, descends to its
// leaf, and records the transition. Turn and stall counters reset.
func (m *Machine) TransitionTo(target, reason string) error {
	m.mu.Lock()
	currentPath := m.current
	m.mu.Unlock()

	resolved := m.config.ResolveFullPath(currentPath, target)
	if m.config.GetState(resolved) == nil {
		return fmt.Errorf("state: unknown state %q (resolved from %q)", resolved, target)
	}
	leaf, err := m.config.ResolveToLeaf(resolved)
	if err != nil {
		return err
	}

	m.mu.Lock()
	from := m.current
	m.previous = from
	m.current = leaf
	m.turnCount = 0
	m.noTransitionCount = 0
	m.history = append(m.history, TransitionEvent{
		From:      from,
		To:        leaf,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	m.mu.Unlock()
	return nil
}

// AvailableTransitions returns the current state's transitions followed by
// global ones, sorted by priority descending (stable).
func (m *Machine) AvailableTransitions() []Transition {
	var out []Transition
	if def := m.CurrentDefinition(); def != nil {
		out = append(out, def.Transitions...)
	}
	out = append(out, m.config.GlobalTransitions...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// AutoTransitions filters AvailableTransitions to auto ones.
func (m *Machine) AutoTransitions() []Transition {
	all := m.AvailableTransitions()
	out := all[:0:0]
	for _, t := range all {
		if t.Auto {
			out = append(out, t)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Counters and limits
// ---------------------------------------------------------------------------

func (m *Machine) IncrementTurn() {
	m.mu.Lock()
	m.turnCount++
	m.mu.Unlock()
}

func (m *Machine) TurnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnCount
}

func (m *Machine) IncrementNoTransition() {
	m.mu.Lock()
	m.noTransitionCount++
	m.mu.Unlock()
}

func (m *Machine) ResetNoTransition() {
	m.mu.Lock()
	m.noTransitionCount = 0
	m.mu.Unlock()
}

func (m *Machine) NoTransitionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noTransitionCount
}

// CheckTimeout returns the resolved timeout target when the current state
// has dwelt max_turns turns without a transition, or "".
func (m *Machine) CheckTimeout() string {
	def := m.CurrentDefinition()
	if def == nil || def.MaxTurns <= 0 || def.TimeoutTo == "" {
		return ""
	}
	if m.TurnCount() >= def.MaxTurns {
		return m.config.ResolveFullPath(m.Current(), def.TimeoutTo)
	}
	return ""
}

// CheckFallback returns the configured fallback when max_no_transition
// consecutive turns have passed without a transition, or "".
func (m *Machine) CheckFallback() string {
	if m.config.MaxNoTransition <= 0 {
		return ""
	}
	if m.NoTransitionCount() >= m.config.MaxNoTransition {
		return m.config.Fallback
	}
	return ""
}

// ---------------------------------------------------------------------------
// History, snapshot, reset
// ---------------------------------------------------------------------------

func (m *Machine) History() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransitionEvent(nil), m.history...)
}

// Reset returns the machine to the initial leaf and clears all counters and
// history.
func (m *Machine) Reset() {
	initial, err := m.config.ResolveToLeaf(m.config.Initial)
	if err != nil {
		initial = m.config.Initial
	}
	m.mu.Lock()
	m.current = initial
	m.previous = ""
	m.turnCount = 0
	m.noTransitionCount = 0
	m.history = nil
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		CurrentState:      m.current,
		PreviousState:     m.previous,
		TurnCount:         m.turnCount,
		NoTransitionCount: m.noTransitionCount,
		History:           append([]TransitionEvent(nil), m.history...),
	}
}

// Restore replaces the machine's state from a snapshot. The snapshot's
// current state must exist in this config.
func (m *Machine) Restore(s Snapshot) error {
	if m.config.GetState(s.CurrentState) == nil {
		return fmt.Errorf("state: snapshot contains unknown state %q", s.CurrentState)
	}
	m.mu.Lock()
	m.current = s.CurrentState
	m.previous = s.PreviousState
	m.turnCount = s.TurnCount
	m.noTransitionCount = s.NoTransitionCount
	m.history = append([]TransitionEvent(nil), s.History...)
	m.mu.Unlock()
	return nil
}
