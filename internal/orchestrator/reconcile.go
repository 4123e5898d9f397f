package orchestrator

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/robfig/cron/v3"

	"github.com/orchestrate-dev/orchestrator/internal/provider"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// DefaultReconcileSchedule polls open PRs for a status change every two
// minutes, the cadence spec.md's PR status reconciliation calls "bounded".
const DefaultReconcileSchedule = "@every 2m"

// Reconciler polls every open Merge::Pr at a fixed cadence and advances the
// owning Task/Workspace once the host reports it Merged, grounded on the
// same robfig/cron schedule internal/sweeper uses for its reap cycle.
type Reconciler struct {
	orc  *Orchestrator
	cron *cron.Cron
	log  *slog.Logger
}

func NewReconciler(orc *Orchestrator) *Reconciler {
	return &Reconciler{orc: orc, log: orc.log}
}

func (r *Reconciler) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Error("pr reconciliation run failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce polls every open Merge::Pr once and advances any that have
// merged. Per-merge errors are logged and do not abort the sweep.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	merges, err := r.orc.store.Merges.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, m := range merges {
		if m.PRNumber == 0 {
			continue // a DirectMerge has no PR to poll
		}
		if err := r.reconcileOne(ctx, m); err != nil {
			r.log.Warn("pr reconciliation failed for merge", "merge_id", m.ID, "err", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, m *model.Merge) error {
	repo, err := r.orc.store.Repos.Get(ctx, m.RepoID)
	if err != nil {
		return err
	}
	info, err := r.orc.provider.View(ctx, repo.RootPath, strconv.Itoa(m.PRNumber))
	if err != nil {
		return err
	}
	status := model.MergeStatus(provider.Status(info.State))
	if status == m.Status && info.MergeCommit == m.MergeCommit {
		return nil
	}
	if err := r.orc.store.Merges.SetStatus(ctx, m.ID, status, info.MergeCommit); err != nil {
		return err
	}
	if status == model.MergeMerged {
		return r.orc.advanceOnMerged(ctx, m.WorkspaceID)
	}
	return nil
}

