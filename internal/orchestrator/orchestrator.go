// Package orchestrator drives the workspace/session/attempt state machine
// spec.md §4.10 describes: creating a worktree-backed workspace for a
// task, starting an agent turn against it, and landing its changes back
// onto the target branch via squash-merge or a pull request. It is the
// top-level caller of internal/store, internal/gitservice,
// internal/supervisor, internal/eventbus, and internal/provider, the same
// role station's services package plays over its own store/git/ssh layers.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/executor"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/provider"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/internal/supervisor"
	"github.com/orchestrate-dev/orchestrator/pkg/harness/workspace"
)

// ExecutorRegistry resolves an executor by its configured name (e.g.
// "claude-code", "codex", "opencode"); cmd/orchestratord wires in the
// linejson/jsonrpc/httpsse adapters under this.
type ExecutorRegistry interface {
	Get(name string) (executor.Executor, bool)
}

// Orchestrator holds the collaborators every top-level operation composes.
type Orchestrator struct {
	store      *store.Store
	git        *gitservice.Service
	bus        *eventbus.Bus
	supervisor *supervisor.Supervisor
	executors  ExecutorRegistry
	provider   *provider.CLI
	log        *slog.Logger

	branchPrefix string
}

// Config carries the small set of deployment knobs New needs beyond its
// collaborators (spec.md's configured_prefix for branch naming).
type Config struct {
	BranchPrefix string
}

func New(s *store.Store, git *gitservice.Service, bus *eventbus.Bus, sv *supervisor.Supervisor, executors ExecutorRegistry, prov *provider.CLI, log *slog.Logger, cfg Config) *Orchestrator {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "orc"
	}
	o := &Orchestrator{
		store:        s,
		git:          git,
		bus:          bus,
		supervisor:   sv,
		executors:    executors,
		provider:     prov,
		log:          log,
		branchPrefix: cfg.BranchPrefix,
	}
	o.wireChangeFeed()
	return o
}

// hostWorkspaceFor roots a HostWorkspace's path-traversal/secret-pattern
// protection at worktree (a repo root or a worktree path), for both the
// read side and the write side of the copy_files step.
func hostWorkspaceFor(ctx context.Context, worktree string) (*workspace.HostWorkspace, error) {
	hw := workspace.NewHostWorkspace(worktree)
	if err := hw.Initialize(ctx); err != nil {
		return nil, err
	}
	return hw, nil
}
