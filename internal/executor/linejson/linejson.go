// Package linejson implements the Executor capability set for agents that
// speak one JSON value per line over stdout — the claude-code family.
package linejson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

// Adapter drives a line-delimited-JSON coding agent (claude-code and
// compatible CLIs): starts the binary with streaming-JSON output flags,
// reads one event per line, and mirrors every line to the log pipe before
// handing it to the normalizer.
type Adapter struct {
	BinaryPath      string
	Model           string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string

	// RawTerminal spawns the agent attached to a pty instead of plain
	// pipes. Some installs of the CLI detect a non-tty stdout and fall
	// back to a human-oriented renderer instead of stream-json, even
	// with --output-format set; a pty keeps them on the line-JSON path.
	RawTerminal bool

	log      *slog.Logger
	tracer   trace.Tracer
	mu       sync.Mutex
	approver executor.ApprovalRequester
}

func New(binaryPath string, log *slog.Logger) *Adapter {
	if binaryPath == "" {
		binaryPath = "claude"
	}
	return &Adapter{
		BinaryPath: binaryPath,
		log:        log,
		tracer:     otel.Tracer("orchestrator.executor.linejson"),
	}
}

func (a *Adapter) Capabilities() executor.Capability { return 0 }

func (a *Adapter) UseApprovals(svc executor.ApprovalRequester) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approver = svc
}

func (a *Adapter) buildArgs(opts executor.SpawnOptions) []string {
	args := []string{"-p", opts.Prompt, "--print", "--output-format", "stream-json", "--verbose"}

	if opts.ReviewOnly {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.ExistingSessionID != "" {
		args = append(args, "--resume", opts.ExistingSessionID)
	}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if a.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", a.MaxTurns))
	}
	if len(a.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.AllowedTools, ","))
	}
	if len(a.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(a.DisallowedTools, ","))
	}
	return args
}

func (a *Adapter) spawn(ctx context.Context, opts executor.SpawnOptions, spanName string) (*executor.SpawnedChild, error) {
	ctx, span := a.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("linejson.cwd", opts.Cwd)))
	defer span.End()

	args := a.buildArgs(opts)
	if a.RawTerminal {
		return executor.StartGroupedPTY(ctx, a.BinaryPath, args, opts.Cwd, opts.Env)
	}
	return executor.StartGrouped(ctx, a.BinaryPath, args, opts.Cwd, opts.Env)
}

func (a *Adapter) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.spawn(ctx, opts, "linejson.spawn")
}

func (a *Adapter) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.spawn(ctx, opts, "linejson.spawn_follow_up")
}

func (a *Adapter) SpawnReview(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	opts.ReviewOnly = true
	return a.spawn(ctx, opts, "linejson.spawn_review")
}

func (a *Adapter) AvailableSlashCommands(ctx context.Context, cwd string) ([]executor.SlashCommand, error) {
	// claude-code exposes slash commands via a `.claude/commands/*.md`
	// directory convention rather than an RPC; discovery lives in
	// internal/slashcmd, which walks that directory. No agent round-trip
	// is needed here.
	return nil, nil
}

func (a *Adapter) DefaultMCPConfigPath() (string, bool) {
	return ".mcp.json", true
}

func (a *Adapter) GetAvailabilityInfo(ctx context.Context) executor.AvailabilityInfo {
	return probeAvailability(ctx, a.BinaryPath)
}

// NormalizeLogs scans raw for claude-code's per-line JSON events and emits
// them as normalized patches. Event shapes are grounded on the teacher's
// claudecode_backend.go parsing switch, generalized from a one-shot
// accumulate-then-return Result into a streaming emit-as-you-go sink.
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

		var event claudeEvent
		if err := json.Unmarshal(line, &event); err != nil {
			a.log.Debug("linejson: dropping malformed line", "err", err)
			continue
		}

		patches, ok := translateEvent(event, worktreePath)
		if !ok {
			continue
		}
		for _, patch := range patches {
			if err := sink.Emit(patch); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

type claudeEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeResult struct {
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// NormalizedPatch is the generic shape emitted to sink.Emit; the
// normalizer package interprets the Kind/fields further.
type NormalizedPatch struct {
	Kind      string
	SessionID string
	Text      string
	ToolName  string
	ToolID    string
	ToolInput map[string]any
	Error     string
}

// translateEvent returns every normalized patch a single claude-code line
// produces. An assistant/user message's content is a list of blocks (text
// interleaved with tool_use), and a streaming turn commonly emits more than
// one in the same line, so all blocks are translated, not just the first.
func translateEvent(event claudeEvent, worktreePath string) ([]NormalizedPatch, bool) {
	switch event.Type {
	case "assistant", "user":
		var msg claudeMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return nil, false
		}
		var patches []NormalizedPatch
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				patches = append(patches, NormalizedPatch{Kind: "text", SessionID: event.SessionID, Text: block.Text})
			case "tool_use":
				var input map[string]any
				if len(block.Input) > 0 {
					_ = json.Unmarshal(block.Input, &input)
				}
				patches = append(patches, NormalizedPatch{
					Kind:      "tool_call",
					SessionID: event.SessionID,
					ToolName:  block.Name,
					ToolID:    block.ID,
					ToolInput: input,
				})
			}
		}
		if len(patches) == 0 {
			return nil, false
		}
		return patches, true

	case "result":
		var result claudeResult
		if err := json.Unmarshal(event.Result, &result); err != nil {
			return nil, false
		}
		patch := NormalizedPatch{Kind: "finished", SessionID: result.SessionID}
		if result.IsError {
			patch.Error = result.Result
		}
		return []NormalizedPatch{patch}, true

	default:
		return nil, false
	}
}
