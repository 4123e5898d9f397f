// Package sweeper periodically reaps idle workspaces: once a workspace has
// had no activity past its threshold and no in-flight execution process,
// its worktrees are removed and its container_ref cleared (spec.md §4.12).
// Scheduled with github.com/robfig/cron/v3, the same cron library the
// pack's PR-status reconciliation loop uses for its own fixed-cadence job.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// DefaultStaleAfter is the idle threshold before the sweeper reclaims a
// workspace's worktrees, used when New is given a non-positive staleAfter.
// The model carries no archived/pinned flag to compute the shorter 1h
// threshold config.SweeperConfig.StaleAfter anticipates for an archived or
// inactive-task workspace, so a single configurable threshold applies
// uniformly here.
const DefaultStaleAfter = 72 * time.Hour

// Sweeper owns the cron schedule and the actual reap logic.
type Sweeper struct {
	store      *store.Store
	git        *gitservice.Service
	log        *slog.Logger
	staleAfter time.Duration

	cron *cron.Cron
}

func New(s *store.Store, git *gitservice.Service, log *slog.Logger, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{store: s, git: git, log: log, staleAfter: staleAfter, cron: cron.New()}
}

// Start schedules RunOnce on spec, defaulting to every 10 minutes, and
// starts the cron scheduler's own goroutine.
func (sw *Sweeper) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = "@every 10m"
	}
	_, err := sw.cron.AddFunc(spec, func() {
		if err := sw.RunOnce(ctx); err != nil {
			sw.log.Error("sweeper: run failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}

// RunOnce reaps every eligible workspace in one pass. Per-workspace errors
// are logged, never aborting the rest of the sweep.
func (sw *Sweeper) RunOnce(ctx context.Context) error {
	workspaces, err := sw.store.Workspaces.ListSweepable(ctx, sw.staleAfter)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if err := sw.reap(ctx, ws); err != nil {
			sw.log.Warn("sweeper: reap failed", "workspace_id", ws.ID, "err", err)
		}
	}
	return nil
}

// reap removes every repo worktree belonging to ws, then clears its
// container_ref and marks it expired.
func (sw *Sweeper) reap(ctx context.Context, ws *model.Workspace) error {
	repos, err := sw.store.WorkspaceRepos.ListByWorkspace(ctx, ws.ID)
	if err != nil {
		return err
	}

	for _, wr := range repos {
		repo, err := sw.store.Repos.Get(ctx, wr.RepoID)
		if err != nil {
			sw.log.Warn("sweeper: lookup repo failed", "repo_id", wr.RepoID, "err", err)
			continue
		}
		if err := sw.git.RemoveWorktree(ctx, repo.RootPath, wr.WorktreePath, true); err != nil {
			sw.log.Warn("sweeper: remove worktree failed", "worktree", wr.WorktreePath, "err", err)
		}
	}

	if err := sw.store.Workspaces.SetContainerRef(ctx, ws.ID, ""); err != nil {
		return err
	}
	return sw.store.Workspaces.SetStatus(ctx, ws.ID, model.WorkspaceExpired)
}
