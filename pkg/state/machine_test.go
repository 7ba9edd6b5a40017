package state

import (
	"testing"
)

func testConfig() *Config {
	return &Config{
		Initial: "problem_solving",
		States: map[string]*Definition{
			"problem_solving": {
				Initial: "gathering_info",
				States: map[string]*Definition{
					"gathering_info": {
						Transitions: []Transition{
							{To: "analyzing", When: "enough information gathered", Auto: true},
						},
					},
					"analyzing": {
						Transitions: []Transition{
							{To: "gathering_info", When: "more info needed"},
							{To: "^closing", When: "problem solved"},
						},
					},
				},
			},
			"closing": {
				MaxTurns:  2,
				TimeoutTo: "problem_solving",
			},
		},
	}
}

func TestMachine_InitialLeafDescent(t *testing.T) {
	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != "problem_solving.gathering_info" {
		t.Errorf("Current = %q, want problem_solving.gathering_info", got)
	}
}

func TestMachine_SiblingTransition(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("analyzing", "test"); err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != "problem_solving.analyzing" {
		t.Errorf("Current = %q", got)
	}
	if got := m.Previous(); got != "problem_solving.gathering_info" {
		t.Errorf("Previous = %q", got)
	}
}

func TestMachine_RootEscapeTransition(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("^closing", "test"); err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != "closing" {
		t.Errorf("Current = %q, want closing", got)
	}
}

func TestMachine_TransitionToParentDescendsToInitial(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("^closing", "t"); err != nil {
		t.Fatal(err)
	}
	if err := m.TransitionTo("problem_solving", "back"); err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != "problem_solving.gathering_info" {
		t.Errorf("Current = %q, want leaf under problem_solving", got)
	}
}

func TestMachine_UnknownTargetRejected(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("nowhere", "t"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestMachine_CountersResetOnTransition(t *testing.T) {
	m, _ := NewMachine(testConfig())
	m.IncrementTurn()
	m.IncrementTurn()
	m.IncrementNoTransition()
	if err := m.TransitionTo("analyzing", "t"); err != nil {
		t.Fatal(err)
	}
	if m.TurnCount() != 0 || m.NoTransitionCount() != 0 {
		t.Errorf("counters = %d/%d, want 0/0", m.TurnCount(), m.NoTransitionCount())
	}
	if h := m.History(); len(h) != 1 || h[0].Reason != "t" {
		t.Errorf("history = %v", h)
	}
}

func TestMachine_Timeout(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("^closing", "t"); err != nil {
		t.Fatal(err)
	}
	if got := m.CheckTimeout(); got != "" {
		t.Errorf("premature timeout to %q", got)
	}
	m.IncrementTurn()
	m.IncrementTurn()
	if got := m.CheckTimeout(); got != "problem_solving" {
		t.Errorf("CheckTimeout = %q, want problem_solving", got)
	}
}

func TestMachine_Fallback(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = "closing"
	cfg.MaxNoTransition = 2
	m, _ := NewMachine(cfg)

	if got := m.CheckFallback(); got != "" {
		t.Errorf("premature fallback to %q", got)
	}
	m.IncrementNoTransition()
	m.IncrementNoTransition()
	if got := m.CheckFallback(); got != "closing" {
		t.Errorf("CheckFallback = %q, want closing", got)
	}
}

func TestMachine_SnapshotRestoreRoundTrip(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.TransitionTo("analyzing", "t"); err != nil {
		t.Fatal(err)
	}
	m.IncrementTurn()
	m.IncrementNoTransition()
	snap := m.Snapshot()

	m2, _ := NewMachine(testConfig())
	if err := m2.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if m2.Current() != m.Current() || m2.Previous() != m.Previous() {
		t.Errorf("restored position = %q/%q", m2.Current(), m2.Previous())
	}
	if m2.TurnCount() != 1 || m2.NoTransitionCount() != 1 {
		t.Errorf("restored counters = %d/%d", m2.TurnCount(), m2.NoTransitionCount())
	}
	if len(m2.History()) != 1 {
		t.Errorf("restored history = %v", m2.History())
	}
}

func TestMachine_RestoreUnknownStateRejected(t *testing.T) {
	m, _ := NewMachine(testConfig())
	if err := m.Restore(Snapshot{CurrentState: "bogus"}); err == nil {
		t.Error("expected error for unknown snapshot state")
	}
}

func TestConfig_ValidateRejectsBadInitial(t *testing.T) {
	cfg := &Config{Initial: "missing", States: map[string]*Definition{"a": {}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestConfig_ValidateRejectsUnknownTransitionTarget(t *testing.T) {
	cfg := &Config{
		Initial: "a",
		States: map[string]*Definition{
			"a": {Transitions: []Transition{{To: "ghost"}}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestConfig_ValidateRejectsParentWithoutInitial(t *testing.T) {
	cfg := &Config{
		Initial: "a",
		States: map[string]*Definition{
			"a": {States: map[string]*Definition{"b": {}}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for parent without initial")
	}
}

func TestMachine_PrioritySort(t *testing.T) {
	cfg := &Config{
		Initial: "a",
		States: map[string]*Definition{
			"a": {Transitions: []Transition{
				{To: "b", When: "low", Priority: 1},
				{To: "c", When: "high", Priority: 9},
				{To: "b", When: "mid", Priority: 5},
			}},
			"b": {},
			"c": {},
		},
		GlobalTransitions: []Transition{{To: "c", When: "global", Priority: 5}},
	}
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	got := m.AvailableTransitions()
	want := []string{"high", "mid", "global", "low"}
	for i, w := range want {
		if got[i].When != w {
			t.Errorf("order[%d] = %q, want %q", i, got[i].When, w)
		}
	}
}
