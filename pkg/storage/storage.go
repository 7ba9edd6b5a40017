// Package storage persists agent snapshots. The core passes values through
// the Store interface and reads them back as-is; three stores ship here:
// in-memory, Redis, and SQLite.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/spindle-dev/spindle/pkg/memory"
	"github.com/spindle-dev/spindle/pkg/state"
)

// SnapshotVersion is written into every snapshot. Consumers must accept
// missing optional fields and must not rely on field ordering.
const SnapshotVersion = "1"

// AgentSnapshot is the portable session state.
type AgentSnapshot struct {
	Version      string          `json:"version"`
	AgentID      string          `json:"agent_id"`
	Timestamp    time.Time       `json:"timestamp"`
	StateMachine *state.Snapshot `json:"state_machine,omitempty"`
	Memory       memory.Snapshot `json:"memory"`
	Context      map[string]any  `json:"context,omitempty"`
}

// ErrNotFound reports a missing session.
var ErrNotFound = errors.New("storage: session not found")

// Store is the persistence capability. Implementations are agnostic to the
// snapshot's contents.
type Store interface {
	Save(ctx context.Context, sessionID string, snap AgentSnapshot) error
	// Load returns ErrNotFound when the session does not exist.
	Load(ctx context.Context, sessionID string) (AgentSnapshot, error)
	Delete(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]string, error)
}
