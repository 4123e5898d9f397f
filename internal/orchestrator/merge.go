package orchestrator

import (
	"context"
	"fmt"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/internal/provider"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// SquashMergeParams names the workspace repo to merge and the commit
// message (a default is used when empty); the target branch is the
// workspace repo's BaseBranch.
type SquashMergeParams struct {
	WorkspaceRepoID string
	Message         string
}

// SquashMerge checks out the repo's target branch on its main clone,
// squash-merges the workspace branch into it, commits, records a direct
// Merge, and advances the owning Task and Workspace, per spec.md §4.10.
func (o *Orchestrator) SquashMerge(ctx context.Context, p SquashMergeParams) (*model.Merge, error) {
	wr, err := o.store.WorkspaceRepos.Get(ctx, p.WorkspaceRepoID)
	if err != nil {
		return nil, err
	}

	quiescent, err := o.supervisor.Quiescent(ctx, wr.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !quiescent {
		return nil, apperr.New(apperr.Conflict, "SquashMerge", wr.WorkspaceID, fmt.Errorf("workspace has a running process"))
	}

	repo, err := o.store.Repos.Get(ctx, wr.RepoID)
	if err != nil {
		return nil, err
	}

	if err := o.git.Checkout(ctx, repo.RootPath, wr.BaseBranch); err != nil {
		return nil, err
	}
	message := p.Message
	if message == "" {
		message = fmt.Sprintf("Merge %s", wr.BranchName)
	}
	mergeCommit, err := o.git.SquashMerge(ctx, repo.RootPath, wr.BranchName, message)
	if err != nil {
		return nil, err
	}

	merge, err := o.store.Merges.Create(ctx, store.CreateMergeParams{
		WorkspaceID:  wr.WorkspaceID,
		RepoID:       wr.RepoID,
		TargetBranch: wr.BaseBranch,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Merges.SetStatus(ctx, merge.ID, model.MergeMerged, mergeCommit); err != nil {
		return nil, err
	}
	merge.Status = model.MergeMerged
	merge.MergeCommit = mergeCommit

	if err := o.advanceOnMerged(ctx, wr.WorkspaceID); err != nil {
		return nil, err
	}
	return merge, nil
}

// CreatePRParams names the workspace repo to open a PR for and the PR's
// title/body; if AutoGenerateDescription is set, a follow-up agent turn is
// scheduled to fill the description in once the PR exists.
type CreatePRParams struct {
	WorkspaceRepoID         string
	Title                   string
	Body                    string
	PushRemote              string
	AutoGenerateDescription bool
	ExecutorName            string
}

// descriptionPromptTemplate is the follow-up turn's prompt when a PR's
// description is generated post-hoc rather than supplied up front.
const descriptionPromptTemplate = "Write a pull request description for PR #%d (%s). Summarize the changes made on this branch."

// CreatePR pushes the workspace branch, opens a PR via the host-provider
// CLI, records a Merge::Pr, and optionally schedules a description-writing
// follow-up turn, per spec.md §4.10.
func (o *Orchestrator) CreatePR(ctx context.Context, p CreatePRParams) (*model.Merge, error) {
	wr, err := o.store.WorkspaceRepos.Get(ctx, p.WorkspaceRepoID)
	if err != nil {
		return nil, err
	}
	remote := p.PushRemote
	if remote == "" {
		remote = "origin"
	}
	if err := o.git.Push(ctx, wr.WorktreePath, remote, wr.BranchName, true); err != nil {
		return nil, err
	}

	info, err := o.provider.Create(ctx, wr.WorktreePath, wr.BaseBranch, p.Title, p.Body)
	if err != nil {
		return nil, err
	}

	merge, err := o.store.Merges.Create(ctx, store.CreateMergeParams{
		WorkspaceID:  wr.WorkspaceID,
		RepoID:       wr.RepoID,
		TargetBranch: wr.BaseBranch,
		PRNumber:     info.Number,
		PRURL:        info.URL,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Merges.SetStatus(ctx, merge.ID, model.MergeStatus(provider.Status(info.State)), info.MergeCommit); err != nil {
		return nil, err
	}

	if p.AutoGenerateDescription {
		prompt := fmt.Sprintf(descriptionPromptTemplate, info.Number, info.URL)
		if _, err := o.StartAgentTurn(ctx, StartAgentTurnParams{
			WorkspaceID:  wr.WorkspaceID,
			ExecutorName: p.ExecutorName,
			Prompt:       prompt,
		}); err != nil {
			o.log.Warn("orchestrator: description follow-up turn failed", "workspace_id", wr.WorkspaceID, "err", err)
		}
	}
	return merge, nil
}

// AttachExistingPR resolves the remote for the workspace branch, lists PRs
// against it across all statuses, and persists the first match's current
// state, advancing the Task to Done if it is already merged.
func (o *Orchestrator) AttachExistingPR(ctx context.Context, workspaceRepoID string) (*model.Merge, error) {
	wr, err := o.store.WorkspaceRepos.Get(ctx, workspaceRepoID)
	if err != nil {
		return nil, err
	}

	prs, err := o.provider.ListForBranch(ctx, wr.WorktreePath, wr.BranchName)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, apperr.New(apperr.NotFound, "AttachExistingPR", wr.BranchName, fmt.Errorf("no PR found for branch"))
	}
	info := prs[0]
	status := model.MergeStatus(provider.Status(info.State))

	merge, err := o.store.Merges.Create(ctx, store.CreateMergeParams{
		WorkspaceID:  wr.WorkspaceID,
		RepoID:       wr.RepoID,
		TargetBranch: wr.BaseBranch,
		PRNumber:     info.Number,
		PRURL:        info.URL,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Merges.SetStatus(ctx, merge.ID, status, info.MergeCommit); err != nil {
		return nil, err
	}

	if status == model.MergeMerged {
		if err := o.advanceOnMerged(ctx, wr.WorkspaceID); err != nil {
			return nil, err
		}
	}
	return merge, nil
}

// advanceOnMerged transitions the workspace's task to Done and closes the
// workspace. The model carries no pinned flag, so "archive unless pinned"
// simplifies to an unconditional close.
func (o *Orchestrator) advanceOnMerged(ctx context.Context, workspaceID string) error {
	ws, err := o.store.Workspaces.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := o.store.Tasks.SetStatus(ctx, ws.TaskID, model.TaskDone); err != nil {
		return err
	}
	return o.store.Workspaces.SetStatus(ctx, ws.ID, model.WorkspaceClosed)
}
