// Package gitservice implements the orchestrator's git layer: every
// mutating operation (worktree add/remove, commit, rebase, merge, push)
// shells out to the actual git binary, because the CLI refuses to clobber
// uncommitted changes by default and a pure Go implementation would not
// protect against that. Some read-only queries (HEAD info, ahead/behind
// counts, branch enumeration) use go-git directly against the repository,
// since they need no such protection and a library call avoids a process
// fork per query; MergeBase, CurrentBranch and the diff reads run the git
// binary.
package gitservice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
)

// FallbackAuthorName and FallbackAuthorEmail are the commit identity the
// orchestrator stamps on squash-merge commits it authors itself. SquashMerge
// always uses them, whether or not the repo has a configured
// user.name/user.email, so the merge commit never gets attributed to
// whichever agent session last touched the branch; no other commit uses them.
const (
	FallbackAuthorName  = "Vibe Kanban"
	FallbackAuthorEmail = "noreply@vibekanban.com"
)

type Service struct {
	gitBin string
	log    *slog.Logger
}

func New(gitBin string, log *slog.Logger) *Service {
	if gitBin == "" {
		gitBin = "git"
	}
	return &Service{gitBin: gitBin, log: log}
}

func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.gitBin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.New(apperr.Cancelled, "git "+strings.Join(args, " "), dir, ctx.Err())
		}
		return "", classifyGitError(dir, args, string(out), err)
	}
	return string(out), nil
}

func classifyGitError(dir string, args []string, out string, err error) error {
	op := "git " + strings.Join(args, " ")
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication failed") || strings.Contains(lower, "could not read username"):
		return apperr.New(apperr.Auth, op, dir, fmt.Errorf("%s: %w", out, err))
	case strings.Contains(lower, "rejected") && strings.Contains(lower, "push"):
		return apperr.New(apperr.PushRejected, op, dir, fmt.Errorf("%s: %w", out, err))
	case strings.Contains(lower, "conflict"):
		return apperr.New(apperr.MergeConflicts, op, dir, fmt.Errorf("%s: %w", out, err))
	case strings.Contains(lower, "rebase in progress") || strings.Contains(lower, "unmerged files"):
		return apperr.New(apperr.RebaseInProgress, op, dir, fmt.Errorf("%s: %w", out, err))
	default:
		return apperr.New(apperr.Fatal, op, dir, fmt.Errorf("%s: %w", out, err))
	}
}

// AddWorktree checks out a new worktree at path on a newly created branch
// forked from baseBranch. go-git has no worktree API at all, so this is the
// CLI escape hatch every read-only operation below avoids needing.
func (s *Service) AddWorktree(ctx context.Context, repoRoot, path, branch, baseBranch string) error {
	_, err := s.run(ctx, repoRoot, "worktree", "add", "-b", branch, path, baseBranch)
	return err
}

// AddWorktreeExistingBranch checks out path against an already-existing
// branch (used for CreateWorkspaceFromPR, where the branch already exists on
// the remote).
func (s *Service) AddWorktreeExistingBranch(ctx context.Context, repoRoot, path, branch string) error {
	_, err := s.run(ctx, repoRoot, "worktree", "add", path, branch)
	return err
}

func (s *Service) RemoveWorktree(ctx context.Context, repoRoot, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := s.run(ctx, repoRoot, args...)
	return err
}

func (s *Service) PruneWorktrees(ctx context.Context, repoRoot string) error {
	_, err := s.run(ctx, repoRoot, "worktree", "prune")
	return err
}

func (s *Service) ListWorktrees(ctx context.Context, repoRoot string) (string, error) {
	return s.run(ctx, repoRoot, "worktree", "list", "--porcelain")
}

func (s *Service) Fetch(ctx context.Context, worktree, remote string) error {
	_, err := s.run(ctx, worktree, "fetch", remote)
	return err
}

// Commit stages everything and commits if there is anything to commit,
// returning the new HEAD sha, or "" if the tree was already clean.
func (s *Service) Commit(ctx context.Context, worktree, message string) (string, error) {
	if _, err := s.run(ctx, worktree, "add", "-A"); err != nil {
		return "", err
	}
	status, err := s.run(ctx, worktree, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}
	if _, err := s.run(ctx, worktree, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := s.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func (s *Service) Push(ctx context.Context, worktree, remote, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "-u")
	}
	args = append(args, remote, branch)
	_, err := s.run(ctx, worktree, args...)
	return err
}

func (s *Service) Rebase(ctx context.Context, worktree, onto string) error {
	_, err := s.run(ctx, worktree, "rebase", onto)
	return err
}

func (s *Service) RebaseAbort(ctx context.Context, worktree string) error {
	_, err := s.run(ctx, worktree, "rebase", "--abort")
	return err
}

// Checkout switches worktree's current branch.
func (s *Service) Checkout(ctx context.Context, worktree, branch string) error {
	_, err := s.run(ctx, worktree, "checkout", branch)
	return err
}

// SquashMerge squashes sourceBranch into the currently checked-out branch of
// worktree and commits with message, stamping FallbackAuthorName/Email as
// both author and committer so the merge commit is never attributed to
// whatever agent session authored the squashed commits.
func (s *Service) SquashMerge(ctx context.Context, worktree, sourceBranch, message string) (string, error) {
	if _, err := s.run(ctx, worktree, "merge", "--squash", sourceBranch); err != nil {
		return "", err
	}
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME="+FallbackAuthorName, "GIT_AUTHOR_EMAIL="+FallbackAuthorEmail,
		"GIT_COMMITTER_NAME="+FallbackAuthorName, "GIT_COMMITTER_EMAIL="+FallbackAuthorEmail)
	if _, err := s.runEnv(ctx, worktree, env, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := s.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func (s *Service) CurrentBranch(ctx context.Context, worktree string) (string, error) {
	out, err := s.run(ctx, worktree, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsRebasing, IsMerging, IsCherryPicking, IsReverting check for the marker
// files git leaves under .git while one of those operations is in flight.
func (s *Service) IsRebasing(worktree string) bool   { return gitStateFileExists(worktree, "rebase-merge") || gitStateFileExists(worktree, "rebase-apply") }
func (s *Service) IsMerging(worktree string) bool     { return gitStateFileExists(worktree, "MERGE_HEAD") }
func (s *Service) IsCherryPicking(worktree string) bool { return gitStateFileExists(worktree, "CHERRY_PICK_HEAD") }
func (s *Service) IsReverting(worktree string) bool   { return gitStateFileExists(worktree, "REVERT_HEAD") }

func branchSlug(title string) string {
	s := strings.ToLower(title)
	s = regexp.MustCompile(`[^a-z0-9\s-]`).ReplaceAllString(s, "")
	s = regexp.MustCompile(`[\s_]+`).ReplaceAllString(s, "-")
	s = regexp.MustCompile(`-+`).ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

// MergeBase resolves the common ancestor of branch and targetBranch,
// preferring `merge-base --fork-point` (which accounts for a branch's
// reflog-recorded fork point surviving a target-branch rebase) and falling
// back to a plain merge-base when the fork-point heuristic finds nothing,
// exactly the two-step algorithm spec.md's base-commit computation
// prescribes.
func (s *Service) MergeBase(ctx context.Context, worktree, targetBranch, branch string) (string, error) {
	if out, err := s.run(ctx, worktree, "merge-base", "--fork-point", targetBranch, branch); err == nil {
		if sha := strings.TrimSpace(out); sha != "" {
			return sha, nil
		}
	}
	out, err := s.run(ctx, worktree, "merge-base", targetBranch, branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchName builds the orchestrator's branch naming convention:
// <prefix>/<task-slug>-<timestamp>-<workspace-suffix>.
func BranchName(prefix, taskTitle, workspaceSuffix string) string {
	return fmt.Sprintf("%s/%s-%s-%s", prefix, branchSlug(taskTitle), time.Now().Format("20060102-150405"), workspaceSuffix)
}
