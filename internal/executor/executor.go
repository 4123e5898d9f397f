// Package executor defines the capability set every coding-agent adapter
// implements, and the process-group handle ("SpawnedChild") common to all
// of them. Concrete adapters live in the linejson, jsonrpc, and httpsse
// subpackages — one per wire protocol family the supported agents speak.
package executor

import (
	"context"
	"io"
)

// Capability bits an Executor may declare. Most executors implement every
// method of the interface at least degenerately; these flags record which
// ones are meaningfully supported so the orchestrator can pick a session
// resume strategy.
type Capability int

const (
	// CapSessionFork means the executor can fork its own rollout/history
	// file to branch a session, rather than re-feeding transcript lines.
	CapSessionFork Capability = 1 << iota
)

// AvailabilityStatus is the result of probing whether an executor's
// backing CLI/binary is present and authenticated.
type AvailabilityStatus int

const (
	AvailabilityNotFound AvailabilityStatus = iota
	AvailabilityInstallationFound
	AvailabilityLoginDetected
)

// AvailabilityInfo reports whether an executor's binary is usable.
type AvailabilityInfo struct {
	Status    AvailabilityStatus
	Version   string
	LoginUser string
}

// SpawnOptions carries everything an adapter needs to start a turn.
type SpawnOptions struct {
	Cwd    string
	Prompt string
	Env    []string

	// ExistingSessionID resumes a prior agent-side session, when set.
	ExistingSessionID string

	// ReviewOnly marks a non-interactive review turn (spawn_review):
	// adapters that support it skip tool-use permission prompts and run
	// to completion without further input.
	ReviewOnly bool
}

// SlashCommand describes one agent-defined slash command discovered by
// AvailableSlashCommands.
type SlashCommand struct {
	Name        string
	Description string
}

// Executor is the capability set every coding-agent adapter implements.
type Executor interface {
	// Spawn starts a fresh session.
	Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error)

	// SpawnFollowUp resumes an existing session with a new prompt.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error)

	// SpawnReview runs a non-interactive review turn.
	SpawnReview(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error)

	// AvailableSlashCommands discovers the agent's slash commands for cwd.
	AvailableSlashCommands(ctx context.Context, cwd string) ([]SlashCommand, error)

	// NormalizeLogs consumes this executor's raw line stream (as mirrored
	// to the log pipe during Spawn/SpawnFollowUp/SpawnReview) and emits
	// normalized conversation patches via sink.
	NormalizeLogs(ctx context.Context, raw io.Reader, worktreePath string, sink NormalizedSink) error

	// DefaultMCPConfigPath returns the path this executor reads its MCP
	// server configuration from, if it has one.
	DefaultMCPConfigPath() (string, bool)

	// GetAvailabilityInfo probes whether the executor's binary is present
	// and authenticated.
	GetAvailabilityInfo(ctx context.Context) AvailabilityInfo

	// UseApprovals attaches the approval broker this executor should
	// consult before destructive tool calls, for adapters that support
	// server-initiated approval requests.
	UseApprovals(svc ApprovalRequester)

	// Capabilities reports this executor's capability bits.
	Capabilities() Capability
}

// NormalizedSink receives normalized conversation events as NormalizeLogs
// parses the raw stream. Defined here (rather than imported from
// internal/normalizer) to avoid an import cycle; internal/normalizer's
// Sink implements this.
type NormalizedSink interface {
	Emit(patch any) error
}

// ApprovalRequester is the subset of internal/approval's Broker an
// executor adapter needs: ask for a decision on one tool call.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, sessionID, toolName string, input map[string]any) (approved bool, err error)
}
