package orchestrator

import (
	"context"
	"fmt"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/internal/executor"
	"github.com/orchestrate-dev/orchestrator/internal/normalizer"
	"github.com/orchestrate-dev/orchestrator/internal/supervisor"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// StartAgentTurnParams names the workspace and prompt for one coding-agent
// turn; ExecutorName selects the adapter the first turn on this workspace
// will bind to (later turns reuse whatever the session already recorded).
type StartAgentTurnParams struct {
	WorkspaceID  string
	ExecutorName string
	Prompt       string
	ReviewOnly   bool
}

// StartAgentTurn finds or creates the workspace's active session, resolves
// whether this is an initial or a follow-up request based on whether the
// executor supports resuming its prior agent-side session id, and invokes
// the supervisor (spec.md §4.10's "start agent turn" operation).
func (o *Orchestrator) StartAgentTurn(ctx context.Context, p StartAgentTurnParams) (*model.ExecutionProcess, error) {
	ws, err := o.store.Workspaces.Get(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}

	quiescent, err := o.supervisor.Quiescent(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	if !quiescent {
		return nil, apperr.New(apperr.Conflict, "StartAgentTurn", ws.ID, fmt.Errorf("workspace has a running process"))
	}

	session, err := o.store.Sessions.FindLatestByWorkspace(ctx, ws.ID)
	if apperr.Is(err, apperr.NotFound) {
		session, err = o.store.Sessions.Create(ctx, ws.ID, p.ExecutorName)
	}
	if err != nil {
		return nil, err
	}

	executorName := session.ExecutorName
	if executorName == "" {
		executorName = p.ExecutorName
		if err := o.store.Sessions.SetExecutorName(ctx, session.ID, executorName); err != nil {
			return nil, err
		}
	}

	exec, ok := o.executors.Get(executorName)
	if !ok {
		return nil, apperr.New(apperr.ValidationError, "StartAgentTurn", executorName, fmt.Errorf("unknown executor"))
	}

	mode := supervisor.ModeSpawn
	if p.ReviewOnly {
		mode = supervisor.ModeReview
	} else if session.AgentSessionID != "" && exec.Capabilities()&executor.CapSessionFork != 0 {
		mode = supervisor.ModeFollowUp
	}

	repos, err := o.store.WorkspaceRepos.ListByWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	repoHandles := make([]supervisor.RepoWorktree, len(repos))
	for i, r := range repos {
		repoHandles[i] = supervisor.RepoWorktree{RepoID: r.RepoID, WorktreePath: r.WorktreePath}
	}

	if err := o.store.Workspaces.Touch(ctx, ws.ID); err != nil {
		o.log.Warn("orchestrator: touch workspace failed", "workspace_id", ws.ID, "err", err)
	}

	return o.supervisor.Spawn(ctx, supervisor.SpawnRequest{
		SessionID:   session.ID,
		WorkspaceID: ws.ID,
		Reason:      model.ReasonCodingAgent,
		Exec:        exec,
		Opts: executor.SpawnOptions{
			Cwd:               ws.ContainerRef,
			Prompt:            p.Prompt,
			ExistingSessionID: session.AgentSessionID,
			ReviewOnly:        p.ReviewOnly,
		},
		Mode:  mode,
		Repos: repoHandles,
		Sink:  normalizer.NewSink(o.bus, session.ID, ws.ContainerRef),
	})
}

// ExecutorRegistryMap is a map-backed ExecutorRegistry, the concrete type
// cmd/orchestratord constructs with the linejson/jsonrpc/httpsse adapter
// instances keyed by their configured names.
type ExecutorRegistryMap map[string]executor.Executor

func (m ExecutorRegistryMap) Get(name string) (executor.Executor, bool) {
	e, ok := m[name]
	return e, ok
}
