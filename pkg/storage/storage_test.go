package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/state"
)

func sampleSnapshot() AgentSnapshot {
	return AgentSnapshot{
		Version:   SnapshotVersion,
		AgentID:   "assistant",
		Timestamp: time.Now().UTC().Truncate(time.Second),
		StateMachine: &state.Snapshot{
			CurrentState:  "problem_solving.gathering_info",
			PreviousState: "greeting",
			TurnCount:     3,
		},
		Memory: memory.Snapshot{
			Messages: []llm.ChatMessage{
				{Role: llm.RoleUser, Content: "hello"},
				{Role: llm.RoleAssistant, Content: "hi there"},
			},
			Summary: "earlier small talk",
		},
		Context: map[string]any{"resolved_intent": "greet"},
	}
}

func testStoreRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	snap := sampleSnapshot()

	if err := s.Save(ctx, "sess-1", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AgentID != snap.AgentID || got.Version != SnapshotVersion {
		t.Errorf("header = %s/%s", got.AgentID, got.Version)
	}
	if got.Memory.Summary != "earlier small talk" || len(got.Memory.Messages) != 2 {
		t.Errorf("memory = %+v", got.Memory)
	}
	if got.StateMachine == nil || got.StateMachine.CurrentState != "problem_solving.gathering_info" {
		t.Errorf("state = %+v", got.StateMachine)
	}
	if got.Context["resolved_intent"] != "greet" {
		t.Errorf("context = %v", got.Context)
	}

	ids, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("ids = %v", ids)
	}

	if err := s.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStoreRoundTrip(t, s)
}

func TestSQLiteStore_Upsert(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	snap := sampleSnapshot()
	if err := s.Save(ctx, "sess", snap); err != nil {
		t.Fatal(err)
	}
	snap.Memory.Summary = "updated"
	if err := s.Save(ctx, "sess", snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if got.Memory.Summary != "updated" {
		t.Errorf("summary = %q", got.Memory.Summary)
	}
	if ids, _ := s.ListSessions(ctx); len(ids) != 1 {
		t.Errorf("ids = %v", ids)
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Save(ctx, "sess", sampleSnapshot()); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Load(ctx, "sess")
	first.Context["resolved_intent"] = "mutated"

	second, _ := s.Load(ctx, "sess")
	if second.Context["resolved_intent"] != "greet" {
		t.Error("Load must return independent copies")
	}
}
