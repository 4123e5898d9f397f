package normalizer

import (
	"encoding/json"
	"sync"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/executor/httpsse"
	"github.com/orchestrate-dev/orchestrator/internal/executor/jsonrpc"
	"github.com/orchestrate-dev/orchestrator/internal/executor/linejson"
)

// Sink implements executor.NormalizedSink for one (session, view): it
// accepts whichever adapter-specific patch type NormalizeLogs hands it,
// translates it to a RawEvent, runs it through the streaming state
// machine, and publishes the resulting JSON-Patch operations (and the
// session-id control message) to the event bus under that session's
// subject.
//
// One Sink is constructed per coding-agent turn by internal/orchestrator's
// StartAgentTurn and handed to the supervisor with that turn's process; its
// ViewState therefore spans only that one process's run, matching
// spec.md §4.7's per-(session, view) scoping (a follow-up turn on the
// same session gets a fresh Sink/ViewState, since the prior turn's
// streaming entries are already closed).
type Sink struct {
	bus       *eventbus.Bus
	sessionID string

	mu    sync.Mutex
	state *ViewState
}

func NewSink(bus *eventbus.Bus, sessionID, worktreeRoot string) *Sink {
	return &Sink{
		bus:       bus,
		sessionID: sessionID,
		state:     NewViewState(worktreeRoot),
	}
}

// Emit satisfies executor.NormalizedSink. p must be one of
// linejson.NormalizedPatch, jsonrpc.NormalizedPatch, or
// httpsse.NormalizedPatch — the three shapes the executor adapters emit.
func (s *Sink) Emit(p any) error {
	ev, sessionIDChanged := toRawEvent(p)

	s.mu.Lock()
	ops := s.state.Handle(ev)
	if sessionIDChanged != "" {
		if s.state.sessionIDEmitted {
			sessionIDChanged = ""
		} else {
			s.state.sessionIDEmitted = true
		}
	}
	s.mu.Unlock()

	if sessionIDChanged != "" {
		if err := s.bus.PublishProcess(s.sessionID, eventbus.LogMsg{
			Kind:      eventbus.KindSessionID,
			SessionID: sessionIDChanged,
		}); err != nil {
			return err
		}
	}

	for _, op := range ops {
		raw, err := json.Marshal([]PatchOp{op})
		if err != nil {
			return err
		}
		if err := s.bus.PublishProcess(s.sessionID, eventbus.LogMsg{
			Kind:      eventbus.KindJSONPatch,
			JSONPatch: raw,
		}); err != nil {
			return err
		}
	}
	return nil
}

// toRawEvent converts one of the three adapter-specific patch shapes into
// the shared RawEvent the state machine operates on. Returns the agent-side
// session id as a second value when the patch carries one; Emit publishes
// only the first of these (spec.md §4.7's session-start rule).
func toRawEvent(p any) (RawEvent, string) {
	switch patch := p.(type) {
	case linejson.NormalizedPatch:
		return fromLineJSON(patch), sessionIDIfPresent(patch)

	case jsonrpc.NormalizedPatch:
		return fromJSONRPC(patch), ""

	case httpsse.NormalizedPatch:
		return fromHTTPSSE(patch), ""

	default:
		return RawEvent{Kind: "unknown"}, ""
	}
}

func sessionIDIfPresent(patch linejson.NormalizedPatch) string {
	if patch.Kind == "text" || patch.Kind == "tool_call" {
		return patch.SessionID
	}
	return ""
}

func fromLineJSON(patch linejson.NormalizedPatch) RawEvent {
	switch patch.Kind {
	case "text":
		return RawEvent{Kind: "text", SessionID: patch.SessionID, Text: patch.Text}
	case "tool_call":
		return RawEvent{
			Kind:      "tool_call",
			SessionID: patch.SessionID,
			ToolID:    patch.ToolID,
			ToolName:  patch.ToolName,
			ToolInput: patch.ToolInput,
		}
	case "finished":
		if patch.Error != "" {
			return RawEvent{Kind: "error", ErrorText: patch.Error}
		}
		return RawEvent{Kind: "finished"}
	default:
		return RawEvent{Kind: "unknown"}
	}
}

func fromJSONRPC(patch jsonrpc.NormalizedPatch) RawEvent {
	switch patch.Kind {
	case "finished":
		return RawEvent{Kind: "finished"}
	case "agent_message", "agent_reasoning":
		text, _ := patch.Params["text"].(string)
		kind := "text"
		if patch.Kind == "agent_reasoning" {
			kind = "thinking"
		}
		return RawEvent{Kind: kind, Text: text}
	case "tool_call", "command_execution":
		ev := RawEvent{Kind: "tool_call"}
		if id, ok := patch.Params["id"].(string); ok {
			ev.ToolID = id
		}
		if name, ok := patch.Params["name"].(string); ok {
			ev.ToolName = name
		}
		if input, ok := patch.Params["input"].(map[string]any); ok {
			ev.ToolInput = input
		}
		return ev
	default:
		return RawEvent{Kind: "unknown"}
	}
}

func fromHTTPSSE(patch httpsse.NormalizedPatch) RawEvent {
	switch patch.Kind {
	case "text":
		return RawEvent{Kind: "text", Text: patch.Text}
	case "tool_call":
		return RawEvent{
			Kind:       "tool_call",
			ToolName:   patch.ToolName,
			ToolInput:  patch.ToolInput,
			ToolOutput: patch.ToolOutput,
			ToolStatus: ToolSuccess,
		}
	default:
		return RawEvent{Kind: "unknown"}
	}
}
