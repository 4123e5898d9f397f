// Package jsonrpc implements the Executor capability set for
// app-server-style agents that speak bidirectional JSON-RPC 2.0 over
// stdio (the codex family): serial request ids, server-initiated approval
// requests, and notification-driven progress.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

// Request is an outbound JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Envelope is any inbound line: a response, a server-initiated request, or
// a notification. Exactly one of ID/Method discriminates which.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Adapter drives a JSON-RPC 2.0 coding agent over a SpawnedChild's stdio.
type Adapter struct {
	BinaryPath string

	log      *slog.Logger
	mu       sync.Mutex
	approver executor.ApprovalRequester
	nextID   int64
}

func New(binaryPath string, log *slog.Logger) *Adapter {
	return &Adapter{BinaryPath: binaryPath, log: log}
}

func (a *Adapter) Capabilities() executor.Capability { return executor.CapSessionFork }

func (a *Adapter) UseApprovals(svc executor.ApprovalRequester) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approver = svc
}

func (a *Adapter) nextRequestID() int64 {
	return atomic.AddInt64(&a.nextID, 1)
}

func (a *Adapter) spawn(ctx context.Context, opts executor.SpawnOptions, mode string) (*executor.SpawnedChild, error) {
	args := []string{"app-server"}
	child, err := executor.StartGrouped(ctx, a.BinaryPath, args, opts.Cwd, opts.Env)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	switch mode {
	case "spawn":
		params = map[string]any{"prompt": opts.Prompt}
	case "follow_up":
		params = map[string]any{"prompt": opts.Prompt, "session_id": opts.ExistingSessionID}
	case "review":
		params = map[string]any{"prompt": opts.Prompt, "review_only": true}
	}

	req := Request{JSONRPC: "2.0", ID: a.nextRequestID(), Method: "task/start", Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		child.Close()
		return nil, err
	}
	if _, err := child.Stdin.Write(append(data, '\n')); err != nil {
		child.Close()
		return nil, fmt.Errorf("write initial task/start request: %w", err)
	}

	return child, nil
}

func (a *Adapter) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.spawn(ctx, opts, "spawn")
}

func (a *Adapter) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.spawn(ctx, opts, "follow_up")
}

func (a *Adapter) SpawnReview(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.spawn(ctx, opts, "review")
}

func (a *Adapter) AvailableSlashCommands(ctx context.Context, cwd string) ([]executor.SlashCommand, error) {
	return nil, nil
}

func (a *Adapter) DefaultMCPConfigPath() (string, bool) {
	return "", false
}

func (a *Adapter) GetAvailabilityInfo(ctx context.Context) executor.AvailabilityInfo {
	return probeAvailability(ctx, a.BinaryPath)
}

// redactKeys names JSON object keys whose string values are truncated in a
// codex/event notification's params before they are handed to the sink,
// because session-configuration notifications can embed an entire rollout
// transcript inline.
var redactKeys = map[string]bool{"history": true, "rollout": true}

const redactThreshold = 4096

// redact walks a generic JSON value, truncating any string found directly
// under a redactKeys key that exceeds redactThreshold bytes.
func redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if redactKeys[k] {
				if s, ok := child.(string); ok && len(s) > redactThreshold {
					out[k] = s[:redactThreshold] + "...[truncated]"
					continue
				}
			}
			out[k] = redact(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redact(child)
		}
		return out
	default:
		return v
	}
}

// NormalizeLogs reads inbound JSON-RPC envelopes, dispatches
// server-initiated approval requests to the attached approver, and emits
// normalized patches for codex/event/* notifications; a task_complete
// notification is the terminal signal.
func (a *Adapter) NormalizeLogs(ctx context.Context, raw io.Reader, worktreePath string, sink executor.NormalizedSink) error {
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			a.log.Debug("jsonrpc: dropping malformed line", "err", err)
			continue
		}

		if err := a.dispatch(ctx, env, sink); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *Adapter) dispatch(ctx context.Context, env Envelope, sink executor.NormalizedSink) error {
	switch {
	case env.Method == "approval/request":
		return a.handleApprovalRequest(ctx, env)

	case strings.HasPrefix(env.Method, "codex/event/"):
		var raw map[string]any
		if len(env.Params) > 0 {
			_ = json.Unmarshal(env.Params, &raw)
		}
		sanitized, _ := redact(raw).(map[string]any)
		kind := strings.TrimPrefix(env.Method, "codex/event/")
		return sink.Emit(NormalizedPatch{Kind: kind, Params: sanitized})

	case env.Method == "task_complete":
		return sink.Emit(NormalizedPatch{Kind: "finished"})

	default:
		return nil
	}
}

func (a *Adapter) handleApprovalRequest(ctx context.Context, env Envelope) error {
	a.mu.Lock()
	approver := a.approver
	a.mu.Unlock()
	if approver == nil {
		return nil
	}

	var params struct {
		SessionID string         `json:"session_id"`
		ToolName  string         `json:"tool_name"`
		Input     map[string]any `json:"input"`
	}
	if len(env.Params) > 0 {
		_ = json.Unmarshal(env.Params, &params)
	}

	_, err := approver.RequestApproval(ctx, params.SessionID, params.ToolName, params.Input)
	return err
}

// NormalizedPatch is the generic shape emitted to sink.Emit for this
// adapter.
type NormalizedPatch struct {
	Kind   string
	Params map[string]any
}
