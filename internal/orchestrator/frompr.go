package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/provider"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// CreateWorkspaceFromPRParams names the repo owning the PR and which PR to
// pull in; TaskID attaches the resulting workspace to an existing task
// (the caller is expected to have created one, e.g. "review PR #123").
type CreateWorkspaceFromPRParams struct {
	TaskID       string
	RepoID       string
	PRNumber     int
	WorktreeRoot string
}

// CreateWorkspaceFromPR fetches an existing PR into a fresh worktree via
// the host-provider CLI's checkout semantics (which already handles fork
// remotes and SSH vs HTTPS), attaches a Merge record pointing at the PR,
// and runs the repo's setup script, per spec.md §4.10.
func (o *Orchestrator) CreateWorkspaceFromPR(ctx context.Context, p CreateWorkspaceFromPRParams) (*model.Workspace, error) {
	task, err := o.store.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	repo, err := o.store.Repos.Get(ctx, p.RepoID)
	if err != nil {
		return nil, err
	}

	pr, err := o.provider.View(ctx, repo.RootPath, fmt.Sprintf("%d", p.PRNumber))
	if err != nil {
		return nil, err
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
		root = filepath.Join(filepath.Dir(repo.RootPath), "workspaces", ws.ID)
	}
	if err := o.store.Workspaces.SetContainerRef(ctx, ws.ID, root); err != nil {
		return nil, err
	}

	session, err := o.store.Sessions.Create(ctx, ws.ID, "")
	if err != nil {
		return nil, err
	}

	// A new worktree is opened on a throwaway branch first (the main clone's
	// checkout must stay untouched and the PR's own branch can't be checked
	// out in two worktrees at once); gh pr checkout then switches this
	// worktree, and only this worktree, onto the PR's actual head, fetching
	// it from whichever fork remote the PR lives on.
	worktreePath := filepath.Join(root, repo.Name)
	placeholderBranch := fmt.Sprintf("%s/pr-fetch-%s", o.branchPrefix, suffix)
	if err := o.git.AddWorktree(ctx, repo.RootPath, worktreePath, placeholderBranch, repo.DefaultBranch); err != nil {
		return nil, err
	}
	if err := o.provider.Checkout(ctx, worktreePath, p.PRNumber); err != nil {
		return nil, err
	}

	branch, err := o.git.CurrentBranch(ctx, worktreePath)
	if err != nil || branch == "" {
		branch = pr.HeadRefName
	}

	base, err := o.git.MergeBase(ctx, worktreePath, repo.DefaultBranch, branch)
	if err != nil {
		o.log.Warn("orchestrator: merge-base for PR worktree failed, falling back to HEAD", "repo_id", repo.ID, "err", err)
		if info, headErr := o.git.GetHeadInfo(worktreePath); headErr == nil {
			base = info.SHA
		}
	}

	wr, err := o.store.WorkspaceRepos.Create(ctx, store.CreateWorkspaceRepoParams{
		WorkspaceID:  ws.ID,
		RepoID:       repo.ID,
		WorktreePath: worktreePath,
		BranchName:   branch,
		BaseBranch:   repo.DefaultBranch,
		BaseCommit:   base,
	})
	if err != nil {
		return nil, err
	}

	merge, err := o.store.Merges.Create(ctx, store.CreateMergeParams{
		WorkspaceID:  ws.ID,
		RepoID:       repo.ID,
		TargetBranch: repo.DefaultBranch,
		PRNumber:     pr.Number,
		PRURL:        pr.URL,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Merges.SetStatus(ctx, merge.ID, model.MergeStatus(provider.Status(pr.State)), pr.MergeCommit); err != nil {
		return nil, err
	}

	if task.Status == model.TaskTodo {
		if err := o.store.Tasks.SetStatus(ctx, task.ID, model.TaskInProgress); err != nil {
			return nil, err
		}
	}

	if repo.SetupScript != "" {
		if err := o.runSetupScript(ctx, ws, session, repo, wr.WorktreePath); err != nil {
			o.log.Warn("orchestrator: setup script failed for PR workspace", "repo_id", repo.ID, "err", err)
		}
	}

	return ws, nil
}
