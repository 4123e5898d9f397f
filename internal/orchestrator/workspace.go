package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/internal/executor"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/internal/supervisor"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// CreateWorkspaceFromTaskParams names the task to attempt and the directory
// its worktrees are created under.
type CreateWorkspaceFromTaskParams struct {
	TaskID       string
	WorktreeRoot string // parent directory each repo's worktree is created under
}

// CreateWorkspaceFromTask allocates a workspace, forks a branch off every
// project repo's target, materializes the worktrees, copies configured
// files into them, and runs any setup scripts, per spec.md §4.10.
func (o *Orchestrator) CreateWorkspaceFromTask(ctx context.Context, p CreateWorkspaceFromTaskParams) (*model.Workspace, error) {
	task, err := o.store.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	repos, err := o.store.Repos.ListByProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, apperr.New(apperr.ValidationError, "CreateWorkspaceFromTask", task.ProjectID, fmt.Errorf("project has no repos"))
	}

	suffix := uuid.NewString()[:8]
	ws, err := o.store.Workspaces.Create(ctx, store.CreateWorkspaceParams{
		TaskID:       p.TaskID,
		BranchSuffix: suffix,
	})
	if err != nil {
		return nil, err
	}

	root := p.WorktreeRoot
	if root == "" {
		root = filepath.Join(filepath.Dir(repos[0].RootPath), "workspaces", ws.ID)
	}
	if err := o.store.Workspaces.SetContainerRef(ctx, ws.ID, root); err != nil {
		return nil, err
	}
	ws.ContainerRef = root

	session, err := o.store.Sessions.Create(ctx, ws.ID, "")
	if err != nil {
		return nil, err
	}

	for _, repo := range repos {
		wr, err := o.setupRepo(ctx, ws, session, repo, task, suffix, root)
		if err != nil {
			return nil, err
		}
		o.log.Info("orchestrator: workspace repo ready", "workspace_id", ws.ID, "repo_id", repo.ID, "branch", wr.BranchName)
	}

	return ws, nil
}

// setupRepo forks the branch, adds the worktree, persists the
// WorkspaceRepo row, copies configured files, and runs the setup script
// (serially — the model carries no parallel-safe flag to schedule it
// asynchronously against).
func (o *Orchestrator) setupRepo(ctx context.Context, ws *model.Workspace, session *model.Session, repo *model.Repo, task *model.Task, suffix, root string) (*model.WorkspaceRepo, error) {
	branch := gitservice.BranchName(o.branchPrefix, task.Title, suffix)
	baseBranch := repo.DefaultBranch
	worktreePath := filepath.Join(root, repo.Name)

	if err := o.git.AddWorktree(ctx, repo.RootPath, worktreePath, branch, baseBranch); err != nil {
		return nil, err
	}

	base, err := o.git.MergeBase(ctx, worktreePath, baseBranch, branch)
	if err != nil {
		o.log.Warn("orchestrator: initial merge-base failed, falling back to HEAD", "repo_id", repo.ID, "err", err)
		if info, headErr := o.git.GetHeadInfo(worktreePath); headErr == nil {
			base = info.SHA
		}
	}

	wr, err := o.store.WorkspaceRepos.Create(ctx, store.CreateWorkspaceRepoParams{
		WorkspaceID:  ws.ID,
		RepoID:       repo.ID,
		WorktreePath: worktreePath,
		BranchName:   branch,
		BaseBranch:   baseBranch,
		BaseCommit:   base,
	})
	if err != nil {
		return nil, err
	}

	if len(repo.CopyFiles) > 0 {
		if err := o.copyFiles(ctx, repo, worktreePath); err != nil {
			o.log.Warn("orchestrator: copy_files failed", "repo_id", repo.ID, "err", err)
		}
	}

	if strings.TrimSpace(repo.SetupScript) != "" {
		if err := o.runSetupScript(ctx, ws, session, repo, worktreePath); err != nil {
			o.log.Warn("orchestrator: setup script failed", "repo_id", repo.ID, "err", err)
		}
	}

	return wr, nil
}

// runSetupScript runs repo's SetupScript to completion as a supervised
// ExecutionProcess, blocking until it exits so the caller's serial
// scheduling guarantee holds.
func (o *Orchestrator) runSetupScript(ctx context.Context, ws *model.Workspace, session *model.Session, repo *model.Repo, worktreePath string) error {
	proc, err := o.supervisor.Spawn(ctx, supervisor.SpawnRequest{
		SessionID:   session.ID,
		WorkspaceID: ws.ID,
		Reason:      model.ReasonSetupScript,
		Exec:        newScriptExecutor(repo.SetupScript),
		Opts:        executor.SpawnOptions{Cwd: worktreePath, Prompt: repo.SetupScript},
		Mode:        supervisor.ModeSpawn,
		Repos:       []supervisor.RepoWorktree{{RepoID: repo.ID, WorktreePath: worktreePath}},
	})
	if err != nil {
		return err
	}
	return o.waitForProcess(ctx, proc.ID)
}

// waitForProcess polls the store for proc's terminal status. The
// supervisor has no blocking "wait" primitive of its own since its design
// favors push notification over the event bus; a setup script's serial
// scheduling requirement is the one place this package needs to block on a
// process directly, so it polls at a coarse interval instead.
func (o *Orchestrator) waitForProcess(ctx context.Context, processID string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			proc, err := o.store.Processes.Get(ctx, processID)
			if err != nil {
				return err
			}
			if proc.Status != model.ProcessRunning {
				if proc.Status != model.ProcessCompleted {
					return apperr.New(apperr.Fatal, "waitForProcess", processID, fmt.Errorf("process ended with status %s", proc.Status))
				}
				return nil
			}
		}
	}
}
