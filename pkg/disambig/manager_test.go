package disambig

import (
	"context"
	"testing"

	"github.com/spindle-dev/spindle/pkg/llm"
)

func newManager(mock *llm.MockProvider, cfg Config) *Manager {
	return New(cfg, NewDetector(mock), NewClarifier(mock))
}

func floatp(f float64) *float64 { return &f }

func TestManager_DisabledPassesThrough(t *testing.T) {
	mock := llm.NewMock("router")
	m := newManager(mock, Config{Enabled: false})

	res, err := m.ProcessInput(context.Background(), "do it", &Context{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClear {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if mock.CallCount() != 0 {
		t.Errorf("model calls = %d, want 0", mock.CallCount())
	}
}

func TestManager_ClearInput(t *testing.T) {
	mock := llm.NewMock("router").Enqueue(`{"is_ambiguous": false, "confidence": 0.95}`)
	m := newManager(mock, Config{Enabled: true, Threshold: 0.7})

	res, err := m.ProcessInput(context.Background(), "book a table for two at 7pm", &Context{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClear {
		t.Errorf("outcome = %s", res.Outcome)
	}
}

func TestManager_RoundTrip(t *testing.T) {
	mock := llm.NewMock("router").
		Enqueue(`{"is_ambiguous": true, "confidence": 0.3, "ambiguity_type": "missing_target", "what_is_unclear": ["which booking"]}`).
		Enqueue(`{"question": "Which booking do you mean?", "options": ["hotel", "flight"]}`).
		Enqueue(`{"understood": true, "enriched_input": "cancel my hotel booking", "resolved": {"resolved_intent": "cancel_hotel"}}`)
	m := newManager(mock, Config{Enabled: true, Threshold: 0.7})

	// Turn 1: ambiguous input produces a question and pending state.
	res, err := m.ProcessInput(context.Background(), "cancel my booking", &Context{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNeedsClarification {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Question.Question != "Which booking do you mean?" {
		t.Errorf("question = %q", res.Question.Question)
	}
	if !m.HasPending() {
		t.Fatal("expected pending clarification")
	}

	// Turn 2: the answer resolves it.
	res, err = m.ProcessInput(context.Background(), "the hotel one", &Context{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClarified {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.EnrichedInput != "cancel my hotel booking" {
		t.Errorf("enriched = %q", res.EnrichedInput)
	}
	if res.Resolved["resolved_intent"] != "cancel_hotel" {
		t.Errorf("resolved = %v", res.Resolved)
	}
	if m.HasPending() {
		t.Error("pending should be cleared")
	}
}

func TestManager_MaxAttemptsBestGuess(t *testing.T) {
	mock := llm.NewMock("router").
		Enqueue(`{"is_ambiguous": true, "confidence": 0.2}`).
		Enqueue(`{"question": "Q1?"}`).
		// answer 1: not understood → attempts 2 (== max, still allowed)
		Enqueue(`{"understood": false}`).
		Enqueue(`{"question": "Q2?"}`).
		// answer 2: not understood → attempts 3 > max → best guess
		Enqueue(`{"understood": false}`)
	m := newManager(mock, Config{Enabled: true, MaxAttempts: 2, OnMaxAttempts: ProceedWithBestGuess})

	res, _ := m.ProcessInput(context.Background(), "hmm", &Context{}, nil, nil)
	if res.Outcome != OutcomeNeedsClarification {
		t.Fatalf("turn1 outcome = %s", res.Outcome)
	}

	res, _ = m.ProcessInput(context.Background(), "???", &Context{}, nil, nil)
	if res.Outcome != OutcomeNeedsClarification {
		t.Fatalf("turn2 outcome = %s (max_attempts-th attempt is allowed)", res.Outcome)
	}
	if m.PendingAttempts() != 2 {
		t.Errorf("attempts = %d, want 2", m.PendingAttempts())
	}

	res, _ = m.ProcessInput(context.Background(), "!!!", &Context{}, nil, nil)
	if res.Outcome != OutcomeBestGuess {
		t.Fatalf("turn3 outcome = %s, want best_guess", res.Outcome)
	}
	if res.EnrichedInput != "hmm" {
		t.Errorf("best guess input = %q", res.EnrichedInput)
	}
	if m.HasPending() {
		t.Error("pending should be cleared after max attempts")
	}
}

func TestManager_MaxAttemptsGiveUp(t *testing.T) {
	mock := llm.NewMock("router").
		Enqueue(`{"is_ambiguous": true, "confidence": 0.2}`).
		Enqueue(`{"question": "Q1?"}`).
		Enqueue(`{"understood": false}`)
	m := newManager(mock, Config{Enabled: true, MaxAttempts: 1, OnMaxAttempts: ApologizeAndStop})

	m.ProcessInput(context.Background(), "mumble", &Context{}, nil, nil)
	res, _ := m.ProcessInput(context.Background(), "mumble more", &Context{}, nil, nil)
	if res.Outcome != OutcomeGiveUp || res.Reason == "" {
		t.Errorf("res = %+v", res)
	}
}

func TestManager_SkipShortGreeting(t *testing.T) {
	mock := llm.NewMock("router")
	m := newManager(mock, Config{Enabled: true, SkipWhen: []string{"short_greeting"}})

	res, err := m.ProcessInput(context.Background(), "hello", &Context{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeClear {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if mock.CallCount() != 0 {
		t.Errorf("model calls = %d, want 0", mock.CallCount())
	}
}

func TestManager_ThresholdOverridePrecedence(t *testing.T) {
	// Confidence 0.75: clear under the default 0.7, ambiguous under a skill
	// override of 0.9.
	mock := llm.NewMock("router").
		Enqueue(`{"is_ambiguous": false, "confidence": 0.75}`).
		Enqueue(`{"question": "What exactly?"}`)
	m := newManager(mock, Config{Enabled: true, Threshold: 0.7})

	res, err := m.ProcessInput(context.Background(), "do the thing", &Context{},
		&Override{Threshold: floatp(0.5)}, &Override{Threshold: floatp(0.9)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNeedsClarification {
		t.Errorf("outcome = %s (skill override should win)", res.Outcome)
	}
}

func TestShouldSkip(t *testing.T) {
	cases := []struct {
		input string
		rules []string
		want  bool
	}{
		{"hi", []string{"short_greeting"}, true},
		{"hello!", []string{"short_greeting"}, true},
		{"hi, cancel my subscription", []string{"short_greeting"}, false},
		{"/status", []string{"exact_command"}, true},
		{"status", []string{"exact_command"}, false},
		{"hi", nil, false},
	}
	for _, c := range cases {
		if got := ShouldSkip(c.input, c.rules); got != c.want {
			t.Errorf("ShouldSkip(%q, %v) = %v, want %v", c.input, c.rules, got, c.want)
		}
	}
}
