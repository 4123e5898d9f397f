// Package approval implements the request/response coordination an
// executor consults before running a tool call that requires human or
// policy confirmation (spec.md §4.8). The broker itself is transport-free:
// concrete decision sources (a UI prompt, an auto-approver, a policy
// engine) register as a Decider; the broker's job is only to correlate one
// in-flight request with its eventual decision and to respect cancellation.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
)

// Status is the outcome of one approval request.
type Status string

const (
	Approved Status = "approved"
	Denied   Status = "denied"
	TimedOut Status = "timed_out"
	Pending  Status = "pending"
)

// Decision is the result handed back to the requesting executor.
type Decision struct {
	Status Status
	Reason string // non-empty only for Denied
}

// Request describes one tool call awaiting a decision.
type Request struct {
	SessionID  string
	ToolName   string
	ToolCallID string
	Input      map[string]any
}

// Decider is implemented by whatever external surface actually decides —
// a UI prompt, an auto-approve policy, a rule engine. Spec.md's own
// framing places the UI out of scope; this module only defines the
// request/response shape and a couple of in-process Deciders good enough
// to drive the orchestrator end to end without one.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// DeciderFunc adapts a plain function to Decider.
type DeciderFunc func(ctx context.Context, req Request) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove always approves every request — the default policy absent
// an interactive surface, mirroring an "approvals disabled" configuration.
var AutoApprove Decider = DeciderFunc(func(ctx context.Context, req Request) (Decision, error) {
	return Decision{Status: Approved}, nil
})

// Broker serializes one Decider behind request/response semantics, and
// queues denial reasons for re-injection as the next user message, per
// spec.md §4.8's denial semantics.
type Broker struct {
	decider Decider
	timeout time.Duration

	mu     sync.Mutex
	queued map[string][]string // sessionID -> pending feedback messages
}

func New(decider Decider, timeout time.Duration) *Broker {
	if decider == nil {
		decider = AutoApprove
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Broker{decider: decider, timeout: timeout, queued: make(map[string][]string)}
}

// RequestApproval implements executor.ApprovalRequester: the narrow
// boolean-plus-error surface executor adapters consult directly.
func (b *Broker) RequestApproval(ctx context.Context, sessionID, toolName string, input map[string]any) (bool, error) {
	dec, err := b.Request(ctx, Request{SessionID: sessionID, ToolName: toolName, Input: input})
	if err != nil {
		return false, err
	}
	return dec.Status == Approved, nil
}

// Request runs req through the configured Decider with a bounded timeout
// and cancellation honored, and on denial queues the reason for the next
// turn's user-feedback injection.
func (b *Broker) Request(ctx context.Context, req Request) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		dec Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		dec, err := b.decider.Decide(ctx, req)
		done <- result{dec, err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Decision{Status: TimedOut}, nil
		}
		return Decision{}, apperr.New(apperr.Cancelled, "Broker.Request", req.ToolCallID, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return Decision{}, r.err
		}
		if r.dec.Status == Denied && r.dec.Reason != "" {
			b.queueFeedback(req.SessionID, r.dec.Reason)
		}
		return r.dec, nil
	}
}

func (b *Broker) queueFeedback(sessionID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued[sessionID] = append(b.queued[sessionID], reason)
}

// DrainFeedback returns and clears every queued denial reason for
// sessionID, formatted as spec.md §4.8 prescribes ("User feedback: ..."),
// for injection as the next turn's prompt prefix.
func (b *Broker) DrainFeedback(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queued[sessionID]
	delete(b.queued, sessionID)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = fmt.Sprintf("User feedback: %s", m)
	}
	return out
}

// ErrUnavailable is the "approval service unavailable" error. Broker never
// returns it: New substitutes AutoApprove when no Decider is wired. Callers
// that never construct a Broker (tests, scripts with approvals disabled)
// can return it themselves.
var ErrUnavailable = apperr.New(apperr.ValidationError, "approval", "", fmt.Errorf("approval service unavailable"))
