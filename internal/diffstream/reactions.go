package diffstream

import (
	"context"
	"strings"
	"time"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/normalizer"
)

// reactLoop awaits the three steady-state signals and dispatches each to its
// handler; fsEvents recomputes the live diff set, gitEvents and the poller
// (which writes to gitEvents itself, see pollTargetBranch) reset the base.
func (st *stream) reactLoop(ctx context.Context, fsEvents, gitEvents <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fsEvents:
			if err := st.recomputeDiffs(ctx); err != nil {
				st.log.Warn("diffstream: recompute diffs failed", "worktree", st.worktree, "err", err)
			}
		case <-gitEvents:
			if err := st.resetToNewBase(ctx); err != nil {
				st.log.Warn("diffstream: reset to new base failed", "worktree", st.worktree, "err", err)
			}
		}
	}
}

// pollTargetBranch re-reads the WorkspaceRepo row once per PollInterval; a
// changed base_branch is treated exactly like a git-state signal, feeding
// the same gitEvents channel so reactLoop has one reset code path.
func (st *stream) pollTargetBranch(ctx context.Context, fsEvents, gitEvents chan<- struct{}) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			row, err := st.s.WorkspaceRepos.Get(ctx, st.wsRepoID)
			if err != nil {
				st.log.Warn("diffstream: poll workspace_repo failed", "id", st.wsRepoID, "err", err)
				continue
			}
			st.mu.Lock()
			changed := row.BaseBranch != st.targetBranch
			if changed {
				st.targetBranch = row.BaseBranch
			}
			st.mu.Unlock()
			if changed {
				select {
				case gitEvents <- struct{}{}:
				default:
				}
			}
		}
	}
}

// resetToNewBase recomputes the merge-base against the current target
// branch, removes every previously-known path, and reruns the initial-phase
// computation against that base. It does this on every call; it does not
// compare the recomputed base with the previous one first.
func (st *stream) resetToNewBase(ctx context.Context) error {
	branch, err := st.git.CurrentBranch(ctx, st.worktree)
	if err != nil {
		return err
	}

	base, err := st.git.MergeBase(ctx, st.worktree, st.targetBranch, branch)
	if err != nil {
		return err
	}

	st.mu.Lock()
	for path := range st.known {
		st.publish(normalizer.PatchOp{Op: "remove", Path: diffPath(path)})
		delete(st.known, path)
	}
	st.emitted = 0
	st.statsOnly = false
	st.mu.Unlock()

	if err := st.s.WorkspaceRepos.SetBaseCommit(ctx, st.wsRepoID, base); err != nil {
		st.log.Warn("diffstream: persist base commit failed", "id", st.wsRepoID, "err", err)
	}

	diffs, err := st.git.GetDiffs(ctx, st.worktree, base)
	if err != nil {
		return err
	}
	st.applyDiffs(diffs)
	if st.bus != nil {
		if err := st.bus.PublishScratch(st.scratchKey, eventbus.LogMsg{Kind: eventbus.KindReady}); err != nil {
			st.log.Warn("diffstream: publish ready failed", "err", err)
		}
	}
	return nil
}

// recomputeDiffs re-derives the full diff set against the currently stored
// base commit, in reaction to a filesystem event. The underlying watcher
// callback carries no changed-path payload, so this recomputes the whole
// set rather than filtering to the paths that actually changed; the
// reconciliation against st.known below still only emits ops for paths
// that actually differ from what was last published.
func (st *stream) recomputeDiffs(ctx context.Context) error {
	row, err := st.s.WorkspaceRepos.Get(ctx, st.wsRepoID)
	if err != nil {
		return err
	}
	diffs, err := st.git.GetDiffs(ctx, st.worktree, row.BaseCommit)
	if err != nil {
		return err
	}
	st.applyDiffs(diffs)
	return nil
}

// applyDiffs reconciles the newly computed diff set against st.known,
// emitting add/replace for new or changed paths (respecting the byte
// budget) and remove for paths that dropped out.
func (st *stream) applyDiffs(diffs []gitservice.FileDiff) {
	st.mu.Lock()
	defer st.mu.Unlock()

	seen := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		seen[d.Path] = true
		additions, deletions := countChanges(d.Patch)

		prior, known := st.known[d.Path]
		unchanged := known && prior.additions == additions && prior.deletions == deletions && prior.contentSent == !st.shouldOmit(len(d.Patch))
		if unchanged {
			continue
		}

		omit := st.shouldOmit(len(d.Patch))
		entry := diffEntry{additions: additions, deletions: deletions}

		diffModel := normalizer.Diff{
			Path:      d.Path,
			Additions: additions,
			Deletions: deletions,
			Deleted:   d.Status == "deleted",
		}

		// A replace MAY re-send content only when the stream isn't globally
		// stats-only AND this path hasn't already had its full content sent.
		sendContent := !omit && (!known || !prior.contentSent)
		if sendContent {
			diffModel.UnifiedDiff = d.Patch
			entry.contentSent = true
			st.emitted += int64(len(d.Patch))
		} else {
			diffModel.ContentOmitted = true
			entry.contentOmitted = true
			entry.contentSent = known && prior.contentSent
		}

		op := "add"
		if known {
			op = "replace"
		}
		st.known[d.Path] = entry
		st.publish(normalizer.PatchOp{Op: op, Path: diffPath(d.Path), Value: diffModel})
	}

	for path := range st.known {
		if !seen[path] {
			delete(st.known, path)
			st.publish(normalizer.PatchOp{Op: "remove", Path: diffPath(path)})
		}
	}
}

// shouldOmit reports whether adding n more content bytes would push the
// stream's cumulative counter past ByteBudget.
func (st *stream) shouldOmit(n int) bool {
	return st.emitted+int64(n) > ByteBudget
}

func countChanges(patch string) (additions, deletions int) {
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// publish wraps op in a JsonPatch LogMsg and sends it to the stream's
// scratch subject; a publish failure only logs, since a dropped patch is
// recoverable by the next reconciliation pass rather than fatal to the
// stream.
func (st *stream) publish(op normalizer.PatchOp) {
	if st.bus == nil {
		return
	}
	data, err := marshalOp(op)
	if err != nil {
		st.log.Warn("diffstream: marshal patch op failed", "err", err)
		return
	}
	if err := st.bus.PublishScratch(st.scratchKey, eventbus.LogMsg{Kind: eventbus.KindJSONPatch, JSONPatch: data}); err != nil {
		st.log.Warn("diffstream: publish failed", "err", err)
	}
}
