package gate

import (
	"context"

	"github.com/google/uuid"
)

// RequestKind tags what an approval request is for.
type RequestKind string

const (
	KindTool       RequestKind = "tool"
	KindCondition  RequestKind = "condition"
	KindTransition RequestKind = "transition"
)

// Request is one approval sent to the handler.
type Request struct {
	ID      string
	Kind    RequestKind
	Name    string
	Message string
	Context map[string]any
}

// NewRequest builds a request with a fresh id.
func NewRequest(kind RequestKind, name, message string, ctx map[string]any) Request {
	return Request{
		ID:      uuid.NewString(),
		Kind:    kind,
		Name:    name,
		Message: message,
		Context: ctx,
	}
}

// Outcome is the handler's decision.
type Outcome string

const (
	Approved Outcome = "approved"
	Rejected Outcome = "rejected"
	Timeout  Outcome = "timeout"
)

// Handler is the external approval capability. The gate calls into it and
// awaits the outcome; timeouts are enforced gate-side via ctx.
type Handler interface {
	RequestApproval(ctx context.Context, req Request) (Outcome, error)
	// PreferredLanguage returns the approver's language code, or "".
	PreferredLanguage() string
}

// AutoApprove is a Handler that approves everything. Useful for tests and
// unattended runs.
type AutoApprove struct{ Language string }

func (a AutoApprove) RequestApproval(context.Context, Request) (Outcome, error) {
	return Approved, nil
}

func (a AutoApprove) PreferredLanguage() string { return a.Language }
