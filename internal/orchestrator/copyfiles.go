package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// copyFiles materializes repo.CopyFiles (glob patterns relative to the
// repo's canonical root — the untracked local config, .env overrides, and
// generated files a fresh worktree needs but git never tracked) into
// worktreePath. Both the read from the source root and the write into the
// worktree go through a HostWorkspace, so the same path-traversal and
// secret-pattern denial list pkg/harness/workspace enforces for any other
// host file access also guards this copy.
func (o *Orchestrator) copyFiles(ctx context.Context, repo *model.Repo, worktreePath string) error {
	src, err := hostWorkspaceFor(ctx, repo.RootPath)
	if err != nil {
		return fmt.Errorf("open source workspace: %w", err)
	}
	defer src.Close(ctx)

	dst, err := hostWorkspaceFor(ctx, worktreePath)
	if err != nil {
		return fmt.Errorf("open destination workspace: %w", err)
	}
	defer dst.Close(ctx)

	for _, pattern := range repo.CopyFiles {
		matches, err := filepath.Glob(filepath.Join(repo.RootPath, pattern))
		if err != nil {
			o.log.Warn("orchestrator: invalid copy_files pattern", "repo_id", repo.ID, "pattern", pattern, "err", err)
			continue
		}
		for _, abs := range matches {
			rel, err := filepath.Rel(repo.RootPath, abs)
			if err != nil {
				continue
			}
			data, err := src.ReadFile(ctx, rel)
			if err != nil {
				o.log.Warn("orchestrator: copy_files read denied or failed", "repo_id", repo.ID, "path", rel, "err", err)
				continue
			}
			if err := dst.WriteFile(ctx, rel, data); err != nil {
				o.log.Warn("orchestrator: copy_files write denied or failed", "repo_id", repo.ID, "path", rel, "err", err)
			}
		}
	}
	return nil
}
